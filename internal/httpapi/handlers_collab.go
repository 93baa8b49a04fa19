package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

func (s *Server) handleCollaborators(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	list, err := s.collab.Collaborators(r.Context(), mux.Vars(r)["id"], claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCollaboratorSet(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	var req struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.collab.SetRole(r.Context(), mux.Vars(r)["id"], claims.UserID, req.UserID, req.Role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleCollaboratorRemove(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	vars := mux.Vars(r)
	if err := s.collab.Remove(r.Context(), vars["id"], claims.UserID, vars["userId"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleInvitations(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	list, err := s.collab.Invitations(r.Context(), mux.Vars(r)["id"], claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	var req struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	inv, token, err := s.collab.Invite(r.Context(), mux.Vars(r)["id"], claims.UserID, req.Email, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	// The raw token appears in this response and the invite mail, then
	// never again.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"invitation": inv,
		"token":      token,
	})
}

func (s *Server) handleInvitationRevoke(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	vars := mux.Vars(r)
	if err := s.collab.Revoke(r.Context(), vars["id"], claims.UserID, vars["invId"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleInvitationAccept(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	inv, err := s.collab.Accept(r.Context(), claims.UserID, req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleComments(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	list, err := s.collab.Comments(r.Context(), mux.Vars(r)["id"], claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCommentAdd(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	var req struct {
		Body string `json:"body"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.collab.CommentAdd(r.Context(), mux.Vars(r)["id"], claims.UserID, req.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleCommentUpdate(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	var req struct {
		Body string `json:"body"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.collab.CommentUpdate(r.Context(), mux.Vars(r)["id"], claims.UserID, req.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCommentDelete(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	if err := s.collab.CommentDelete(r.Context(), mux.Vars(r)["id"], claims.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.collab.Activities(r.Context(), mux.Vars(r)["id"], claims.UserID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	unreadOnly := r.URL.Query().Get("unread") == "true"
	list, err := s.collab.Notifications(r.Context(), claims.UserID, unreadOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleNotificationsRead(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.collab.MarkRead(r.Context(), claims.UserID, req.IDs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}
