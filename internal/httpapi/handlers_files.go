package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/presign"
	"github.com/skybuild/backend/internal/store"
)

type fileCreateRequest struct {
	ProjectID string `json:"project_id"`
	Filename  string `json:"filename"`
	Type      string `json:"type"`
}

// handleFileCreate registers file metadata and mints a presigned upload
// URL. Bytes arrive later on PUT /files/{id}/content carrying that
// signature instead of a bearer token.
func (s *Server) handleFileCreate(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	var req fileCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ProjectID == "" || strings.TrimSpace(req.Filename) == "" {
		writeError(w, apperr.Validationf("missing_fields", "project_id and filename are required"))
		return
	}
	req.Type = strings.ToUpper(strings.TrimSpace(req.Type))
	if !s.allowedType(req.Type) {
		writeError(w, apperr.Validationf("unsupported_file_type", "file type %q is not accepted", req.Type))
		return
	}
	if _, _, err := s.authz.RequireProject(r.Context(), req.ProjectID, claims.UserID, store.RoleEditor); err != nil {
		writeError(w, err)
		return
	}
	f := &store.File{
		ProjectID: req.ProjectID,
		UserID:    claims.UserID,
		Filename:  strings.TrimSpace(req.Filename),
		Type:      req.Type,
	}
	if err := s.store.FileInsert(r.Context(), f); err != nil {
		writeError(w, apperr.Internalf("store_error", "insert file").Wrap(err))
		return
	}
	uploadURL := "/api/v1/files/" + f.ID + "/content?" +
		s.signer.SignQuery(presign.ActionUpload, f.ID, s.cfg.PresignDefaultTTL)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"file":       f,
		"upload_url": uploadURL,
	})
}

func (s *Server) allowedType(t string) bool {
	for _, a := range s.cfg.AllowedUploadTypes {
		if strings.EqualFold(a, t) {
			return true
		}
	}
	return false
}

// handleFileUpload receives the bytes for a registered file. The
// presigned query is the sole credential; the signature binds action
// and file ID so a leaked URL cannot touch anything else.
func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]
	if err := s.signer.VerifyQuery(r.URL.Query(), presign.ActionUpload, fileID); err != nil {
		writeError(w, err)
		return
	}
	f, err := s.store.FileByID(r.Context(), fileID)
	if err != nil {
		writeError(w, apperr.Internalf("store_error", "load file").Wrap(err))
		return
	}
	if f == nil {
		writeError(w, apperr.NotFoundf("file_not_found", "file not found"))
		return
	}
	defer r.Body.Close()
	size, checksum, err := s.disk.SaveUpload(fileID, f.Type, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.FileMarkUploaded(r.Context(), fileID, size, checksum, s.clk.Now()); err != nil {
		writeError(w, apperr.Internalf("store_error", "mark uploaded").Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"file_id":  fileID,
		"size":     size,
		"checksum": checksum,
	})
}
