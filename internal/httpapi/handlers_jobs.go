package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/broker"
	"github.com/skybuild/backend/internal/jobs"
	"github.com/skybuild/backend/internal/store"
)

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	var req jobs.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Create(r.Context(), claims.UserID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	list, err := s.jobs.List(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	job, err := s.jobs.Get(r.Context(), mux.Vars(r)["id"], claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	job, err := s.jobs.Cancel(r.Context(), mux.Vars(r)["id"], claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	events, err := s.jobs.Events(r.Context(), mux.Vars(r)["id"], claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleJobStream serves the job's event log over SSE. The live
// subscription is opened before the historical replay is read so no
// event can fall in the gap between the two; an event racing the
// replay may be delivered twice, which clients tolerate since the log
// is append-only.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	jobID := mux.Vars(r)["id"]

	job, err := s.jobs.Get(r.Context(), jobID, claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.Internalf("streaming_unsupported", "response writer cannot stream"))
		return
	}

	sub := s.bus.Subscribe(jobs.JobChannel(jobID))
	defer sub.Close()

	history, err := s.jobs.Events(r.Context(), jobID, claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range history {
		frame := broker.NewEvent(jobs.JobChannel(jobID), "job.event", map[string]interface{}{
			"job_id":   ev.JobID,
			"stage":    ev.Stage,
			"message":  ev.Message,
			"details":  ev.Details,
			"ts":       ev.Ts,
			"replayed": true,
		})
		if !writeSSE(w, flusher, frame) {
			return
		}
	}

	// A terminal job emits nothing further; end the stream after the
	// replay instead of parking the client on heartbeats.
	if store.JobTerminal(job.Status) {
		return
	}
	s.forwardSSE(w, r, flusher, sub)
}

// handleExportStream forwards export lifecycle events for a job. No
// replay: export events are broker-only.
func (s *Server) handleExportStream(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	jobID := mux.Vars(r)["id"]

	if _, err := s.jobs.Get(r.Context(), jobID, claims.UserID); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.Internalf("streaming_unsupported", "response writer cannot stream"))
		return
	}

	sub := s.bus.Subscribe(jobs.ExportChannel(jobID))
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.forwardSSE(w, r, flusher, sub)
}

func (s *Server) forwardSSE(w http.ResponseWriter, r *http.Request, flusher http.Flusher, sub *broker.Subscription) {
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if !writeSSE(w, flusher, ev) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev *broker.Event) bool {
	frame, err := ev.SSEFormat()
	if err != nil {
		return false
	}
	if _, err := w.Write(frame); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// handleProjectSocket upgrades to a websocket room after the usual
// membership check. The token rides the query string since browsers
// cannot set headers on websocket dials.
func (s *Server) handleProjectSocket(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	projectID := mux.Vars(r)["id"]
	if _, _, err := s.authz.RequireProject(r.Context(), projectID, claims.UserID, store.RoleViewer); err != nil {
		writeError(w, err)
		return
	}
	if err := s.hub.Join(w, r, projectID, claims.UserID); err != nil {
		// Upgrade failures already wrote a response.
		return
	}
}
