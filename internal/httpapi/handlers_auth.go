package httpapi

import (
	"net/http"

	"github.com/skybuild/backend/internal/apperr"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, err := s.auth.Register(r.Context(), req.Email, req.Password, req.FullName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string      `json:"token"`
	User  interface{} `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, token, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, User: u})
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.auth.VerifyEmail(r.Context(), req.Email, req.Code); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.auth.ResendVerification(r.Context(), req.Email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type completeInviteRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

func (s *Server) handleCompleteInvite(w http.ResponseWriter, r *http.Request) {
	var req completeInviteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, token, err := s.auth.CompleteInvite(r.Context(), req.Token, req.Password, req.FullName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token, User: u})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	u, err := s.store.UserByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, apperr.Internalf("store_error", "load user").Wrap(err))
		return
	}
	if u == nil {
		writeError(w, apperr.NotFoundf("user_not_found", "user not found"))
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	u, err := s.store.UserByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, apperr.Internalf("store_error", "load user").Wrap(err))
		return
	}
	if u == nil {
		writeError(w, apperr.NotFoundf("user_not_found", "user not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":      u.CreditsBalance,
		"cost_per_job": s.cfg.CostPerJob,
	})
}
