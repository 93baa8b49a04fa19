package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/store"
)

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	format := r.URL.Query().Get("format")
	art, err := s.export.Export(r.Context(), mux.Vars(r)["id"], claims.UserID, format)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	jobID := mux.Vars(r)["id"]
	if _, _, err := s.authz.RequireJob(r.Context(), jobID, claims.UserID, store.RoleViewer); err != nil {
		writeError(w, err)
		return
	}
	list, err := s.store.ArtifactsByJob(r.Context(), jobID)
	if err != nil {
		writeError(w, apperr.Internalf("store_error", "list artifacts").Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleArtifactPresign(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	ttl := s.cfg.PresignDefaultTTL
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			writeError(w, apperr.Validationf("invalid_ttl", "ttl must be a positive number of seconds"))
			return
		}
		d := time.Duration(secs) * time.Second
		if d < ttl {
			ttl = d
		}
	}
	art, query, err := s.export.PresignDownload(r.Context(), mux.Vars(r)["id"], claims.UserID, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"artifact": art,
		"url":      "/api/v1/artifacts/" + art.ID + "/download?" + query,
	})
}

// handleArtifactDownload streams the export bytes. The signature in
// the query was minted for a member, so no second membership check
// runs here; that keeps presigned links shareable within their TTL.
func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	art, f, err := s.export.OpenPresigned(r.Context(), mux.Vars(r)["id"], r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentTypeFor(art.Kind))
	w.Header().Set("Content-Length", strconv.FormatInt(art.Size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+downloadName(art)+`"`)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}

func contentTypeFor(kind string) string {
	switch kind {
	case "export:csv":
		return "text/csv"
	case "export:xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "export:pdf":
		return "application/pdf"
	}
	return "application/octet-stream"
}

func downloadName(art *store.Artifact) string {
	ext := "bin"
	switch art.Kind {
	case "export:csv":
		ext = "csv"
	case "export:xlsx":
		ext = "xlsx"
	case "export:pdf":
		ext = "pdf"
	}
	return "boq-" + art.JobID + "." + ext
}
