package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/auth"
)

type ctxKey int

const claimsKey ctxKey = iota

// callerClaims returns the authenticated caller, or nil on
// unauthenticated routes.
func callerClaims(r *http.Request) *auth.Claims {
	c, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return c
}

// authMiddleware validates the bearer token. Streaming endpoints may
// carry the token as a query parameter instead, since EventSource
// cannot set headers; allowQueryToken gates that path per route.
func (s *Server) authMiddleware(allowQueryToken bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				raw = strings.TrimPrefix(h, "Bearer ")
			} else if allowQueryToken {
				raw = r.URL.Query().Get("token")
			}
			if raw == "" {
				writeError(w, apperr.Unauthenticatedf("missing_token", "authentication required"))
				return
			}
			claims, err := s.auth.ParseToken(raw)
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// requireAdmin wraps a handler that only platform admins may call.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c := callerClaims(r); c == nil || c.Role != "admin" {
			writeError(w, apperr.Forbiddenf("admin_only", "administrator access required"))
			return
		}
		next(w, r)
	}
}

// rateLimiter is a sliding one-minute window per key with a burst
// ceiling. Expired windows are garbage-collected in the background.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	perMin  int
	burst   int
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	rl := &rateLimiter{
		windows: make(map[string]*rateWindow),
		perMin:  perMinute,
		burst:   perMinute * 2,
	}
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	win, ok := rl.windows[key]
	if !ok || now.Sub(win.windowStart) > time.Minute {
		rl.windows[key] = &rateWindow{count: 1, windowStart: now}
		return true
	}
	win.count++
	return win.count <= rl.perMin && win.count <= rl.burst
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, win := range rl.windows {
			if now.Sub(win.windowStart) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// rateLimitMiddleware keys on the authenticated user when present,
// falling back to the client IP for the auth endpoints.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ""
		if c := callerClaims(r); c != nil {
			key = "u:" + c.UserID
		} else {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = "ip:" + host
		}
		if !s.limiter.allow(key) {
			w.Header().Set("Retry-After", "60")
			writeError(w, apperr.RateLimitedf("rate_limited", "too many requests, retry later"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through so websocket upgrades work behind the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		slog.Info("http", "method", r.Method, "route", route, "status", rec.status, "ms", elapsed.Milliseconds())
		if s.mtr != nil {
			s.mtr.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
			s.mtr.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		}
	})
}
