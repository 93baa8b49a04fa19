package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/skybuild/backend/internal/config"
	"github.com/skybuild/backend/internal/store"
	"github.com/skybuild/backend/internal/takeoff"
)

// Stage progress milestones.
const (
	progressQueued     = 5
	progressValidating = 15
	progressParsing    = 30
	progressTakeoff    = 60
	progressComplete   = 85
)

// appendStage persists one stage event, updates progress and publishes
// the event on the job channel.
func (s *Service) appendStage(ctx context.Context, jobID, stage, message, details string, progress int) {
	ev, err := s.store.JobEventAppend(ctx, jobID, stage, message, details)
	if err != nil {
		s.log.Error("job event append failed", "job", jobID, "stage", stage, "err", err)
		return
	}
	if progress > 0 {
		if err := s.store.JobSetProgress(ctx, jobID, progress); err != nil {
			s.log.Error("progress update failed", "job", jobID, "err", err)
		}
	}
	s.pub.Emit(JobChannel(jobID), "job.event", map[string]interface{}{
		"job_id":   jobID,
		"stage":    stage,
		"message":  message,
		"details":  details,
		"progress": progress,
		"ts":       ev.Ts,
	})
}

// failJob moves the job to failed and refunds, but only when this
// writer actually won the terminal transition. A job canceled while
// the worker was running keeps the cancel refund and skips this one.
func (s *Service) failJob(ctx context.Context, job *store.Job, errorCode, message string) {
	if err := s.store.JobUpdateStatus(ctx, job.ID, store.JobFailed, errorCode); err != nil {
		s.log.Error("job status update failed", "job", job.ID, "err", err)
	}
	after, err := s.store.JobByID(ctx, job.ID)
	if err != nil || after == nil {
		s.log.Error("job reload failed after failure", "job", job.ID, "err", err)
		return
	}
	if after.Status != store.JobFailed {
		return
	}
	s.appendStage(ctx, job.ID, "error", message, errorCode, 0)
	s.refund(ctx, job.UserID, s.cfg.CostPerJob, errorCode)
	s.appendStage(ctx, job.ID, "refund", "Credits refunded", "", 0)
	if s.mtr != nil {
		s.mtr.JobsFinished.WithLabelValues(store.JobFailed, errorCode).Inc()
	}
}

// Process runs one job through the extraction pipeline. A missing or
// already-terminal job exits silently: another worker finished it or
// it was canceled before dispatch.
func (s *Service) Process(ctx context.Context, jobID string) (err error) {
	job, err := s.store.JobByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil || store.JobTerminal(job.Status) {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			s.failJob(ctx, job, "unexpected_error", fmt.Sprintf("internal failure: %v", r))
			err = fmt.Errorf("panic in job %s: %v", jobID, r)
		}
	}()

	if err := s.store.JobUpdateStatus(ctx, jobID, store.JobRunning, ""); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	s.appendStage(ctx, jobID, "queued", "Job queued", "", progressQueued)

	file, err := s.store.FileByID(ctx, job.FileID)
	if err != nil || file == nil {
		s.failJob(ctx, job, "unexpected_error", "source file is missing")
		return nil
	}

	extractor, err := takeoff.ForType(file.Type)
	if err != nil {
		s.failJob(ctx, job, "validation_error", err.Error())
		return nil
	}
	filePath := s.disk.UploadPath(file.ID)

	s.appendStage(ctx, jobID, "validating", "Validating "+file.Filename, "", progressValidating)
	stageStart := time.Now()
	if err := extractor.Validate(ctx, filePath); err != nil {
		s.failJob(ctx, job, "validation_error", err.Error())
		return nil
	}
	s.observeStage("validating", stageStart)

	s.appendStage(ctx, jobID, "parsing", "Reading model data", "", progressParsing)
	mapping, err := config.LoadMapping(s.cfg.StorageDir, file.Type)
	if err != nil {
		s.failJob(ctx, job, "unexpected_error", "mapping config unreadable")
		return nil
	}

	s.appendStage(ctx, jobID, "takeoff", "Measuring quantities", "", progressTakeoff)
	stageStart = time.Now()
	rows, err := extractor.Extract(ctx, filePath, mapping)
	if err != nil {
		s.failJob(ctx, job, "takeoff_error", err.Error())
		return nil
	}
	s.observeStage("takeoff", stageStart)

	items := make([]*store.BoqItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, &store.BoqItem{
			JobID:       jobID,
			Code:        r.Code,
			Description: r.Description,
			Unit:        r.Unit,
			Qty:         r.Qty,
			SourceRef:   r.SourceRef,
		})
	}
	err = s.store.TxDo(ctx, func(tx store.Store) error {
		return tx.BoqItemsInsert(ctx, items)
	})
	if err != nil {
		s.failJob(ctx, job, "unexpected_error", "could not persist BoQ rows")
		return nil
	}

	s.appendStage(ctx, jobID, "complete",
		fmt.Sprintf("Take-off produced %d items", len(items)), "", progressComplete)

	if reason := s.applyPricing(ctx, job); reason != "" {
		s.appendStage(ctx, jobID, "pricing", "Automatic pricing skipped", reason, 0)
	} else if job.PriceListID != "" || job.SupplierID != "" {
		s.appendStage(ctx, jobID, "pricing", "Applied rates automatically", "", 0)
	}

	if err := s.store.JobUpdateStatus(ctx, jobID, store.JobCompleted, ""); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	// Publish completion only if this worker's terminal write won over
	// a concurrent cancel.
	after, err := s.store.JobByID(ctx, jobID)
	if err == nil && after != nil && after.Status == store.JobCompleted {
		s.appendStage(ctx, jobID, "completed", "Job completed", "", 0)
		if s.mtr != nil {
			s.mtr.JobsFinished.WithLabelValues(store.JobCompleted, "").Inc()
		}
	}
	return nil
}

func (s *Service) observeStage(stage string, start time.Time) {
	if s.mtr != nil {
		s.mtr.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// applyPricing matches coded BoQ rows against the resolved rate source
// and writes unit and total prices. All rows price or none do: a
// partially priced bill is worse than an unpriced one. Returns a
// human-readable reason when pricing was skipped, or "" on success.
func (s *Service) applyPricing(ctx context.Context, job *store.Job) string {
	if job.PriceListID == "" && job.SupplierID == "" {
		return "no price list or supplier resolved"
	}

	// Base rates from the price list, shadowed by supplier rates.
	rates := make(map[string]float64)
	mapped := make(map[string]string) // code -> price item id
	if job.PriceListID != "" {
		items, err := s.store.PriceItemsByList(ctx, job.PriceListID)
		if err != nil {
			return "price list unreadable"
		}
		for _, it := range items {
			rates[it.Code] = it.Rate
			mapped[it.Code] = it.ID
		}
	}
	if job.SupplierID != "" {
		items, err := s.store.SupplierPriceItems(ctx, job.SupplierID)
		if err != nil {
			return "supplier rates unreadable"
		}
		for _, it := range items {
			rates[it.Code] = it.Rate
		}
	}
	if len(rates) == 0 {
		return "rate source is empty"
	}

	rows, err := s.store.BoqItemsByJob(ctx, job.ID)
	if err != nil {
		return "BoQ rows unreadable"
	}
	var coded []*store.BoqItem
	for _, row := range rows {
		if row.Code == "" {
			continue
		}
		if _, ok := rates[row.Code]; !ok {
			return fmt.Sprintf("no rate for code %s", row.Code)
		}
		coded = append(coded, row)
	}
	if len(coded) == 0 {
		return "no coded rows to price"
	}

	err = s.store.TxDo(ctx, func(tx store.Store) error {
		for _, row := range coded {
			rate := rates[row.Code]
			total := row.Qty * rate
			patch := store.BoqItemPatch{UnitPrice: &rate, TotalPrice: &total}
			if id := mapped[row.Code]; id != "" {
				patch.MappedPriceItemID = &id
			}
			if _, _, err := tx.BoqItemUpdateIf(ctx, row.ID, nil, patch); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("pricing transaction failed", "job", job.ID, "err", err)
		return "pricing write failed"
	}
	return ""
}
