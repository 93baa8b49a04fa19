// Package httpapi is the HTTP surface: routing, middleware, handlers
// and the SSE/WebSocket streaming endpoints. All domain decisions live
// in the service packages; handlers translate between the wire and
// those services.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skybuild/backend/internal/auth"
	"github.com/skybuild/backend/internal/boq"
	"github.com/skybuild/backend/internal/broker"
	"github.com/skybuild/backend/internal/clock"
	"github.com/skybuild/backend/internal/collab"
	"github.com/skybuild/backend/internal/config"
	"github.com/skybuild/backend/internal/export"
	"github.com/skybuild/backend/internal/jobs"
	"github.com/skybuild/backend/internal/metrics"
	"github.com/skybuild/backend/internal/presign"
	"github.com/skybuild/backend/internal/rbac"
	"github.com/skybuild/backend/internal/rooms"
	"github.com/skybuild/backend/internal/storage"
	"github.com/skybuild/backend/internal/store"
)

// Server aggregates the wired services behind one router.
type Server struct {
	cfg    *config.Config
	store  store.Store
	disk   *storage.Disk
	bus    *broker.Broker
	signer *presign.Signer
	authz  *rbac.Authorizer
	clk    clock.Clock

	auth   *auth.Service
	jobs   *jobs.Service
	boq    *boq.Service
	export *export.Service
	collab *collab.Service
	hub    *rooms.Hub

	limiter *rateLimiter
	mtr     *metrics.Metrics

	httpSrv *http.Server
}

// Deps carries the constructed services into the server.
type Deps struct {
	Config *config.Config
	Store  store.Store
	Disk   *storage.Disk
	Bus    *broker.Broker
	Signer *presign.Signer
	Authz  *rbac.Authorizer
	Clock  clock.Clock

	Auth   *auth.Service
	Jobs   *jobs.Service
	Boq    *boq.Service
	Export *export.Service
	Collab *collab.Service
	Hub    *rooms.Hub

	Metrics *metrics.Metrics
}

func NewServer(d Deps) *Server {
	clk := d.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Server{
		cfg:     d.Config,
		store:   d.Store,
		disk:    d.Disk,
		bus:     d.Bus,
		signer:  d.Signer,
		authz:   d.Authz,
		clk:     clk,
		auth:    d.Auth,
		jobs:    d.Jobs,
		boq:     d.Boq,
		export:  d.Export,
		collab:  d.Collab,
		hub:     d.Hub,
		limiter: newRateLimiter(120),
		mtr:     d.Metrics,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(s.observeMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Public auth endpoints, IP rate limited.
	pub := api.PathPrefix("/auth").Subrouter()
	pub.Use(s.rateLimitMiddleware)
	pub.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	pub.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	pub.HandleFunc("/verify-email", s.handleVerifyEmail).Methods(http.MethodPost)
	pub.HandleFunc("/resend-verification", s.handleResendVerification).Methods(http.MethodPost)
	pub.HandleFunc("/complete-invite", s.handleCompleteInvite).Methods(http.MethodPost)

	// Signature-gated routes carry no JWT: the presigned query is the
	// whole credential.
	api.HandleFunc("/files/{id}/content", s.handleFileUpload).Methods(http.MethodPut)
	api.HandleFunc("/artifacts/{id}/download", s.handleArtifactDownload).Methods(http.MethodGet)

	// Streaming routes accept the token as a query parameter.
	stream := api.NewRoute().Subrouter()
	stream.Use(s.authMiddleware(true))
	stream.HandleFunc("/jobs/{id}/stream", s.handleJobStream).Methods(http.MethodGet)
	stream.HandleFunc("/jobs/{id}/exports/stream", s.handleExportStream).Methods(http.MethodGet)
	stream.HandleFunc("/projects/{id}/ws", s.handleProjectSocket).Methods(http.MethodGet)

	// Everything else requires a bearer token.
	priv := api.NewRoute().Subrouter()
	priv.Use(s.authMiddleware(false))
	priv.Use(s.rateLimitMiddleware)

	priv.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)
	priv.HandleFunc("/billing/balance", s.handleBalance).Methods(http.MethodGet)
	priv.HandleFunc("/notifications", s.handleNotifications).Methods(http.MethodGet)
	priv.HandleFunc("/notifications/read", s.handleNotificationsRead).Methods(http.MethodPost)

	priv.HandleFunc("/projects", s.handleProjectCreate).Methods(http.MethodPost)
	priv.HandleFunc("/projects", s.handleProjectList).Methods(http.MethodGet)
	priv.HandleFunc("/projects/{id}", s.handleProjectGet).Methods(http.MethodGet)
	priv.HandleFunc("/projects/{id}", s.handleProjectUpdate).Methods(http.MethodPut)
	priv.HandleFunc("/projects/{id}", s.handleProjectDelete).Methods(http.MethodDelete)
	priv.HandleFunc("/projects/{id}/jobs", s.handleProjectJobs).Methods(http.MethodGet)

	priv.HandleFunc("/projects/{id}/collaborators", s.handleCollaborators).Methods(http.MethodGet)
	priv.HandleFunc("/projects/{id}/collaborators", s.handleCollaboratorSet).Methods(http.MethodPost)
	priv.HandleFunc("/projects/{id}/collaborators/{userId}", s.handleCollaboratorRemove).Methods(http.MethodDelete)
	priv.HandleFunc("/projects/{id}/invitations", s.handleInvitations).Methods(http.MethodGet)
	priv.HandleFunc("/projects/{id}/invitations", s.handleInvite).Methods(http.MethodPost)
	priv.HandleFunc("/projects/{id}/invitations/{invId}", s.handleInvitationRevoke).Methods(http.MethodDelete)
	priv.HandleFunc("/invitations/accept", s.handleInvitationAccept).Methods(http.MethodPost)

	priv.HandleFunc("/projects/{id}/comments", s.handleComments).Methods(http.MethodGet)
	priv.HandleFunc("/projects/{id}/comments", s.handleCommentAdd).Methods(http.MethodPost)
	priv.HandleFunc("/comments/{id}", s.handleCommentUpdate).Methods(http.MethodPut)
	priv.HandleFunc("/comments/{id}", s.handleCommentDelete).Methods(http.MethodDelete)
	priv.HandleFunc("/projects/{id}/activities", s.handleActivities).Methods(http.MethodGet)

	priv.HandleFunc("/files", s.handleFileCreate).Methods(http.MethodPost)

	priv.HandleFunc("/jobs", s.handleJobCreate).Methods(http.MethodPost)
	priv.HandleFunc("/jobs", s.handleJobList).Methods(http.MethodGet)
	priv.HandleFunc("/jobs/{id}", s.handleJobGet).Methods(http.MethodGet)
	priv.HandleFunc("/jobs/{id}/cancel", s.handleJobCancel).Methods(http.MethodPost)
	priv.HandleFunc("/jobs/{id}/events", s.handleJobEvents).Methods(http.MethodGet)

	priv.HandleFunc("/jobs/{id}/boq", s.handleBoqList).Methods(http.MethodGet)
	priv.HandleFunc("/jobs/{id}/boq/validate", s.handleBoqValidate).Methods(http.MethodGet)
	priv.HandleFunc("/boq/items/{id}", s.handleBoqPatch).Methods(http.MethodPatch)
	priv.HandleFunc("/boq/items/{id}/revisions", s.handleBoqRevisions).Methods(http.MethodGet)
	priv.HandleFunc("/boq/items/bulk", s.handleBoqBulk).Methods(http.MethodPost)

	priv.HandleFunc("/jobs/{id}/export", s.handleExport).Methods(http.MethodPost)
	priv.HandleFunc("/jobs/{id}/artifacts", s.handleArtifacts).Methods(http.MethodGet)
	priv.HandleFunc("/artifacts/{id}/presign", s.handleArtifactPresign).Methods(http.MethodPost)

	// Platform administration.
	priv.HandleFunc("/admin/users/{id}/credits", s.requireAdmin(s.handleCreditGrant)).Methods(http.MethodPost)
	priv.HandleFunc("/admin/price-lists", s.requireAdmin(s.handlePriceListCreate)).Methods(http.MethodPost)
	priv.HandleFunc("/admin/price-lists/{id}/items", s.requireAdmin(s.handlePriceItemsAdd)).Methods(http.MethodPost)
	priv.HandleFunc("/admin/suppliers", s.requireAdmin(s.handleSupplierCreate)).Methods(http.MethodPost)
	priv.HandleFunc("/admin/suppliers/{id}/items", s.requireAdmin(s.handleSupplierItemsAdd)).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start serves until ctx is canceled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.httpSrv.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}
