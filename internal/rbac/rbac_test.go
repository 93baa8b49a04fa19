package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/clock"
	"github.com/skybuild/backend/internal/store"
)

func setup(t *testing.T) (*Authorizer, *store.Memory, *store.User, *store.Project) {
	t.Helper()
	s := store.NewMemory(clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	owner := &store.User{Email: "owner@example.com", PasswordHash: "x", Role: "user"}
	require.NoError(t, s.UserInsert(context.Background(), owner))
	p := &store.Project{OwnerID: owner.ID, Name: "Depot refit"}
	require.NoError(t, s.ProjectInsert(context.Background(), p))
	return New(s), s, owner, p
}

func addMember(t *testing.T, s *store.Memory, projectID, role string) *store.User {
	t.Helper()
	u := &store.User{Email: role + "@example.com", PasswordHash: "x", Role: "user"}
	require.NoError(t, s.UserInsert(context.Background(), u))
	require.NoError(t, s.CollaboratorUpsert(context.Background(), &store.Collaborator{
		ProjectID: projectID, UserID: u.ID, Role: role,
	}))
	return u
}

func TestRequireProjectOwner(t *testing.T) {
	a, _, owner, p := setup(t)

	got, role, err := a.RequireProject(context.Background(), p.ID, owner.ID, store.RoleOwner)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, store.RoleOwner, role)
}

func TestRequireProjectRoleOrdering(t *testing.T) {
	a, s, _, p := setup(t)
	editor := addMember(t, s, p.ID, store.RoleEditor)
	viewer := addMember(t, s, p.ID, store.RoleViewer)

	_, _, err := a.RequireProject(context.Background(), p.ID, editor.ID, store.RoleViewer)
	assert.NoError(t, err)
	_, _, err = a.RequireProject(context.Background(), p.ID, editor.ID, store.RoleEditor)
	assert.NoError(t, err)
	_, _, err = a.RequireProject(context.Background(), p.ID, editor.ID, store.RoleOwner)
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))

	_, _, err = a.RequireProject(context.Background(), p.ID, viewer.ID, store.RoleEditor)
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))
}

func TestRequireProjectHidesFromOutsiders(t *testing.T) {
	a, s, _, p := setup(t)
	outsider := &store.User{Email: "outsider@example.com", PasswordHash: "x", Role: "user"}
	require.NoError(t, s.UserInsert(context.Background(), outsider))

	// Non-members see the same error as a missing project.
	_, _, err := a.RequireProject(context.Background(), p.ID, outsider.ID, store.RoleViewer)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))

	_, _, err = a.RequireProject(context.Background(), "00000000-0000-0000-0000-000000000000", outsider.ID, store.RoleViewer)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestRequireJob(t *testing.T) {
	a, s, owner, p := setup(t)
	ctx := context.Background()

	f := &store.File{ProjectID: p.ID, UserID: owner.ID, Filename: "plan.pdf", Type: "pdf"}
	require.NoError(t, s.FileInsert(ctx, f))
	j := &store.Job{ProjectID: p.ID, UserID: owner.ID, FileID: f.ID}
	require.NoError(t, s.JobInsert(ctx, j))

	got, _, err := a.RequireJob(ctx, j.ID, owner.ID, store.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)

	outsider := &store.User{Email: "x@example.com", PasswordHash: "x", Role: "user"}
	require.NoError(t, s.UserInsert(ctx, outsider))
	_, _, err = a.RequireJob(ctx, j.ID, outsider.ID, store.RoleViewer)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}
