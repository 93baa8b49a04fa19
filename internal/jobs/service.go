// Package jobs is the take-off job engine: submission (credit debit,
// price-list resolution, enqueue), background execution through the
// extraction stages, and the cancel/refund paths.
package jobs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/broker"
	"github.com/skybuild/backend/internal/clock"
	"github.com/skybuild/backend/internal/config"
	"github.com/skybuild/backend/internal/metrics"
	"github.com/skybuild/backend/internal/rbac"
	"github.com/skybuild/backend/internal/storage"
	"github.com/skybuild/backend/internal/store"
)

// JobChannel is the broker channel carrying one job's stage events.
func JobChannel(jobID string) string { return "job:" + jobID }

// ExportChannel carries export lifecycle events for a job.
func ExportChannel(jobID string) string { return "jobs:" + jobID + ":exports" }

// ProjectChannel carries project-wide events (BoQ edits, activity).
func ProjectChannel(projectID string) string { return "project:" + projectID }

// Service wires the engine's collaborators.
type Service struct {
	store store.Store
	disk  *storage.Disk
	pub   broker.Publisher
	queue Queue
	authz *rbac.Authorizer
	cfg   *config.Config
	clk   clock.Clock
	log   *slog.Logger
	mtr   *metrics.Metrics
}

func NewService(s store.Store, disk *storage.Disk, pub broker.Publisher, queue Queue, authz *rbac.Authorizer, cfg *config.Config, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		store: s,
		disk:  disk,
		pub:   pub,
		queue: queue,
		authz: authz,
		cfg:   cfg,
		clk:   clk,
		log:   slog.With("component", "jobs"),
	}
}

// WithMetrics attaches the process collectors. Optional; a nil-metrics
// service stays fully functional.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.mtr = m
	return s
}

// CreateRequest is the submission payload.
type CreateRequest struct {
	FileID      string `json:"file_id"`
	PriceListID string `json:"price_list_id,omitempty"`
	SupplierID  string `json:"supplier_id,omitempty"`
}

// Create debits credits, resolves the price list, inserts the job in
// queued state and enqueues background execution. Credits are gone the
// moment the job exists; failure paths in the worker refund them.
func (s *Service) Create(ctx context.Context, actorID string, req CreateRequest) (*store.Job, error) {
	if req.FileID == "" {
		return nil, apperr.Validationf("missing_file_id", "file_id is required")
	}
	file, err := s.store.FileByID(ctx, req.FileID)
	if err != nil {
		return nil, apperr.Internalf("store_error", "load file").Wrap(err)
	}
	if file == nil || file.UserID != actorID {
		return nil, apperr.NotFoundf("file_not_found", "file not found")
	}
	if file.UploadedAt == nil {
		return nil, apperr.Validationf("file_not_uploaded", "file content has not been uploaded yet")
	}

	cost := s.cfg.CostPerJob
	balance, ok, err := s.store.CreditsDebit(ctx, actorID, cost)
	if err != nil {
		return nil, apperr.Internalf("store_error", "debit credits").Wrap(err)
	}
	if !ok {
		return nil, apperr.PaymentRequiredf("insufficient_credits",
			"take-off costs %d credits, balance is %d", cost, balance).
			WithMeta("balance", balance).WithMeta("cost", cost)
	}

	priceListID, supplierID, err := s.resolvePriceList(ctx, req.PriceListID, req.SupplierID)
	if err != nil {
		s.refund(ctx, actorID, cost, "submission rejected")
		return nil, err
	}

	job := &store.Job{
		ProjectID:   file.ProjectID,
		UserID:      actorID,
		FileID:      file.ID,
		Status:      store.JobQueued,
		PriceListID: priceListID,
		SupplierID:  supplierID,
	}
	if err := s.store.JobInsert(ctx, job); err != nil {
		s.refund(ctx, actorID, cost, "job insert failed")
		return nil, apperr.Internalf("store_error", "insert job").Wrap(err)
	}

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		s.failJob(context.WithoutCancel(ctx), job, "unexpected_error", "could not schedule job")
		return nil, apperr.Internalf("enqueue_failed", "could not schedule job").Wrap(err)
	}

	if s.mtr != nil {
		s.mtr.JobsSubmitted.Inc()
		s.mtr.CreditsDebited.Add(float64(cost))
	}
	s.recordActivity(ctx, job.ProjectID, actorID, "job.created", job.ID)
	return job, nil
}

// resolvePriceList implements the resolution chain: explicit id, then
// supplier default, then the active admin list, then none.
func (s *Service) resolvePriceList(ctx context.Context, priceListID, supplierID string) (string, string, error) {
	if supplierID != "" {
		sup, err := s.store.SupplierByID(ctx, supplierID)
		if err != nil {
			return "", "", apperr.Internalf("store_error", "load supplier").Wrap(err)
		}
		if sup == nil {
			return "", "", apperr.Validationf("supplier_not_found", "supplier %s does not exist", supplierID)
		}
		if priceListID == "" {
			priceListID = sup.DefaultPriceListID
		}
	}
	if priceListID != "" {
		pl, err := s.store.PriceListByID(ctx, priceListID)
		if err != nil {
			return "", "", apperr.Internalf("store_error", "load price list").Wrap(err)
		}
		if pl == nil {
			return "", "", apperr.Validationf("price_list_not_found", "price list %s does not exist", priceListID)
		}
		return priceListID, supplierID, nil
	}
	active, err := s.store.ActivePriceList(ctx)
	if err != nil {
		return "", "", apperr.Internalf("store_error", "load active price list").Wrap(err)
	}
	if active != nil {
		return active.ID, supplierID, nil
	}
	return "", supplierID, nil
}

// Get returns a job visible to the caller.
func (s *Service) Get(ctx context.Context, jobID, actorID string) (*store.Job, error) {
	job, _, err := s.authz.RequireJob(ctx, jobID, actorID, store.RoleViewer)
	return job, err
}

// List returns the caller's jobs, newest first.
func (s *Service) List(ctx context.Context, actorID string) ([]*store.Job, error) {
	jobs, err := s.store.JobsByUser(ctx, actorID)
	if err != nil {
		return nil, apperr.Internalf("store_error", "list jobs").Wrap(err)
	}
	return jobs, nil
}

// Events returns the persisted stage log for replay.
func (s *Service) Events(ctx context.Context, jobID, actorID string) ([]*store.JobEvent, error) {
	if _, _, err := s.authz.RequireJob(ctx, jobID, actorID, store.RoleViewer); err != nil {
		return nil, err
	}
	events, err := s.store.JobEventsByJob(ctx, jobID)
	if err != nil {
		return nil, apperr.Internalf("store_error", "load job events").Wrap(err)
	}
	return events, nil
}

// Cancel writes the canceled status. A running extractor finishes its
// current call; the status guard makes its final commit a no-op. The
// canceling side refunds if and only if its write won.
func (s *Service) Cancel(ctx context.Context, jobID, actorID string) (*store.Job, error) {
	job, _, err := s.authz.RequireJob(ctx, jobID, actorID, store.RoleEditor)
	if err != nil {
		return nil, err
	}
	if store.JobTerminal(job.Status) {
		return nil, apperr.Conflictf("job_finished", "job is already %s", job.Status)
	}
	if err := s.store.JobUpdateStatus(ctx, jobID, store.JobCanceled, ""); err != nil {
		return nil, apperr.Internalf("store_error", "cancel job").Wrap(err)
	}
	after, err := s.store.JobByID(ctx, jobID)
	if err != nil {
		return nil, apperr.Internalf("store_error", "reload job").Wrap(err)
	}
	if after.Status == store.JobCanceled {
		s.refund(ctx, job.UserID, s.cfg.CostPerJob, "job canceled")
		s.appendStage(ctx, jobID, "canceled", "Job canceled", "", 0)
		if s.mtr != nil {
			s.mtr.JobsFinished.WithLabelValues(store.JobCanceled, "").Inc()
		}
	}
	return after, nil
}

// refund is best-effort: a failure is logged, never propagated.
func (s *Service) refund(ctx context.Context, userID string, amount int64, reason string) {
	if _, err := s.store.CreditsCredit(ctx, userID, amount); err != nil {
		s.log.Error("credit refund failed", "user", userID, "amount", amount, "reason", reason, "err", err)
		return
	}
	if s.mtr != nil {
		s.mtr.CreditsRefunded.Add(float64(amount))
	}
}

func (s *Service) recordActivity(ctx context.Context, projectID, actorID, action, subject string) {
	err := s.store.ActivityAppend(ctx, &store.Activity{
		ProjectID: projectID,
		ActorID:   actorID,
		Action:    action,
		Payload:   subject,
	})
	if err != nil {
		s.log.Warn("activity append failed", "action", action, "err", err)
	}
}

// Pool runs N workers draining the queue.
type Pool struct {
	svc     *Service
	workers int
}

func NewPool(svc *Service, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{svc: svc, workers: workers}
}

// Run blocks until ctx is done and all workers have exited.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for {
				jobID, err := p.svc.queue.Dequeue(ctx)
				if err != nil {
					return
				}
				if err := p.svc.Process(ctx, jobID); err != nil {
					p.svc.log.Error("job processing failed", "worker", n, "job", jobID, "err", err)
				}
			}
		}(i)
	}
	wg.Wait()
}
