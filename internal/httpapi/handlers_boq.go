package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/skybuild/backend/internal/boq"
)

func (s *Server) handleBoqList(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	items, err := s.boq.ItemsByJob(r.Context(), mux.Vars(r)["id"], claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleBoqPatch applies a partial update with optimistic concurrency:
// when the body carries updated_at it must match the stored row or the
// request fails 409 with both versions in the error meta.
func (s *Server) handleBoqPatch(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	var p boq.Patch
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	item, modified, err := s.boq.UpdateOne(r.Context(), mux.Vars(r)["id"], claims.UserID, p, p.UpdatedAt != nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"item":     item,
		"modified": modified,
	})
}

func (s *Server) handleBoqBulk(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	var req struct {
		Items []boq.BulkItem `json:"items"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.boq.UpdateMany(r.Context(), claims.UserID, req.Items)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBoqValidate(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	issues, err := s.boq.Validate(r.Context(), mux.Vars(r)["id"], claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issues": issues,
		"count":  len(issues),
	})
}

func (s *Server) handleBoqRevisions(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	revs, err := s.boq.Revisions(r.Context(), mux.Vars(r)["id"], claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revs)
}
