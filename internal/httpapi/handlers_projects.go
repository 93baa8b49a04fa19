package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/store"
)

type projectRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	StartDate   *time.Time `json:"start_date"`
	EndDate     *time.Time `json:"end_date"`
}

func validProjectStatus(s string) bool {
	switch s {
	case "active", "completed", "archived":
		return true
	}
	return false
}

func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	var req projectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, apperr.Validationf("empty_name", "project name is required"))
		return
	}
	if req.Status == "" {
		req.Status = "active"
	}
	if !validProjectStatus(req.Status) {
		writeError(w, apperr.Validationf("invalid_status", "unknown project status %q", req.Status))
		return
	}
	p := &store.Project{
		OwnerID:     claims.UserID,
		Name:        req.Name,
		Description: req.Description,
		Status:      req.Status,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
	}
	if err := s.store.ProjectInsert(r.Context(), p); err != nil {
		writeError(w, apperr.Internalf("store_error", "insert project").Wrap(err))
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleProjectList(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	list, err := s.store.ProjectsByUser(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, apperr.Internalf("store_error", "list projects").Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	p, role, err := s.authz.RequireProject(r.Context(), mux.Vars(r)["id"], claims.UserID, store.RoleViewer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"project": p, "role": role})
}

func (s *Server) handleProjectUpdate(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	p, _, err := s.authz.RequireProject(r.Context(), mux.Vars(r)["id"], claims.UserID, store.RoleEditor)
	if err != nil {
		writeError(w, err)
		return
	}
	var req projectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		p.Name = name
	}
	if req.Description != "" {
		p.Description = req.Description
	}
	if req.Status != "" {
		if !validProjectStatus(req.Status) {
			writeError(w, apperr.Validationf("invalid_status", "unknown project status %q", req.Status))
			return
		}
		p.Status = req.Status
	}
	if req.StartDate != nil {
		p.StartDate = req.StartDate
	}
	if req.EndDate != nil {
		p.EndDate = req.EndDate
	}
	if err := s.store.ProjectUpdate(r.Context(), p); err != nil {
		writeError(w, apperr.Internalf("store_error", "update project").Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProjectDelete(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	p, role, err := s.authz.RequireProject(r.Context(), mux.Vars(r)["id"], claims.UserID, store.RoleViewer)
	if err != nil {
		writeError(w, err)
		return
	}
	if role != store.RoleOwner {
		writeError(w, apperr.Forbiddenf("owner_only", "only the owner can delete a project"))
		return
	}
	if err := s.store.ProjectDelete(r.Context(), p.ID); err != nil {
		writeError(w, apperr.Internalf("store_error", "delete project").Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleProjectJobs(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	p, _, err := s.authz.RequireProject(r.Context(), mux.Vars(r)["id"], claims.UserID, store.RoleViewer)
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := s.store.JobsByProject(r.Context(), p.ID)
	if err != nil {
		writeError(w, apperr.Internalf("store_error", "list jobs").Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, list)
}
