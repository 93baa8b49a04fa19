// Package rbac resolves a caller's effective role on a project and
// enforces the minimum role an operation needs. Project owners hold
// the owner role implicitly; everyone else goes through the
// collaborators table.
package rbac

import (
	"context"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/store"
)

// Authorizer answers access questions against the store.
type Authorizer struct {
	store store.Store
}

func New(s store.Store) *Authorizer {
	return &Authorizer{store: s}
}

// Role returns the caller's effective role on the project, or "" when
// the caller is not a member. The project itself is not checked here.
func (a *Authorizer) Role(ctx context.Context, projectID, userID string) (string, error) {
	return a.store.CollaboratorRole(ctx, projectID, userID)
}

// RequireProject loads the project and checks the caller holds at
// least minRole on it. A missing project and a project the caller is
// not a member of both come back as NotFound, so outsiders cannot
// probe for existence. A member below minRole gets Forbidden.
func (a *Authorizer) RequireProject(ctx context.Context, projectID, userID, minRole string) (*store.Project, string, error) {
	project, err := a.store.ProjectByID(ctx, projectID)
	if err != nil {
		return nil, "", apperr.Internalf("store_error", "load project").Wrap(err)
	}
	if project == nil {
		return nil, "", apperr.NotFoundf("project_not_found", "project not found")
	}
	role, err := a.store.CollaboratorRole(ctx, projectID, userID)
	if err != nil {
		return nil, "", apperr.Internalf("store_error", "resolve role").Wrap(err)
	}
	if role == "" {
		return nil, "", apperr.NotFoundf("project_not_found", "project not found")
	}
	if store.RoleLevel(role) < store.RoleLevel(minRole) {
		return nil, "", apperr.Forbiddenf("insufficient_role", "requires %s access", minRole)
	}
	return project, role, nil
}

// RequireJob resolves a job's project and applies the same membership
// rules. Unknown jobs and jobs in projects the caller cannot see are
// indistinguishable.
func (a *Authorizer) RequireJob(ctx context.Context, jobID, userID, minRole string) (*store.Job, string, error) {
	job, err := a.store.JobByID(ctx, jobID)
	if err != nil {
		return nil, "", apperr.Internalf("store_error", "load job").Wrap(err)
	}
	if job == nil {
		return nil, "", apperr.NotFoundf("job_not_found", "job not found")
	}
	_, role, err := a.RequireProject(ctx, job.ProjectID, userID, minRole)
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			return nil, "", apperr.NotFoundf("job_not_found", "job not found")
		}
		return nil, "", err
	}
	return job, role, nil
}
