// Package boq implements collaborative bill-of-quantities editing:
// optimistic concurrency on updated_at tokens, field-diff revisions,
// validation sweeps and change fan-out to project channels.
package boq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/broker"
	"github.com/skybuild/backend/internal/jobs"
	"github.com/skybuild/backend/internal/rbac"
	"github.com/skybuild/backend/internal/store"
)

// Service edits BoQ rows on behalf of authenticated actors.
type Service struct {
	store store.Store
	pub   broker.Publisher
	authz *rbac.Authorizer
	log   *slog.Logger
}

func NewService(s store.Store, pub broker.Publisher, authz *rbac.Authorizer) *Service {
	return &Service{store: s, pub: pub, authz: authz, log: slog.With("component", "boq")}
}

// Patch is the caller-supplied partial update. UpdatedAt is the
// optimistic token: the row version the caller believes it is editing.
type Patch struct {
	Code              *string    `json:"code,omitempty"`
	Description       *string    `json:"description,omitempty"`
	Unit              *string    `json:"unit,omitempty"`
	Qty               *float64   `json:"qty,omitempty"`
	Allowance         *float64   `json:"allowance_amount,omitempty"`
	UnitPrice         *float64   `json:"unit_price,omitempty"`
	MappedPriceItemID *string    `json:"mapped_price_item_id,omitempty"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}

func (p Patch) validate() error {
	if p.Description != nil && *p.Description == "" {
		return apperr.Validationf("empty_description", "description cannot be empty")
	}
	if p.Unit != nil && *p.Unit == "" {
		return apperr.Validationf("empty_unit", "unit cannot be empty")
	}
	for name, v := range map[string]*float64{
		"qty": p.Qty, "allowance_amount": p.Allowance, "unit_price": p.UnitPrice,
	} {
		if v != nil && *v < 0 {
			return apperr.Validationf("negative_value", "%s cannot be negative", name)
		}
	}
	return nil
}

// fieldChange records one side-by-side value pair in a revision.
type fieldChange struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// diff compares the patch against the current row and returns the
// change set. Unchanged fields are dropped even when present in the
// patch.
func diff(row *store.BoqItem, p Patch) map[string]fieldChange {
	changes := make(map[string]fieldChange)
	if p.Code != nil && *p.Code != row.Code {
		changes["code"] = fieldChange{row.Code, *p.Code}
	}
	if p.Description != nil && *p.Description != row.Description {
		changes["description"] = fieldChange{row.Description, *p.Description}
	}
	if p.Unit != nil && *p.Unit != row.Unit {
		changes["unit"] = fieldChange{row.Unit, *p.Unit}
	}
	if p.Qty != nil && *p.Qty != row.Qty {
		changes["qty"] = fieldChange{row.Qty, *p.Qty}
	}
	if p.Allowance != nil && *p.Allowance != row.Allowance {
		changes["allowance_amount"] = fieldChange{row.Allowance, *p.Allowance}
	}
	if p.UnitPrice != nil && *p.UnitPrice != row.UnitPrice {
		changes["unit_price"] = fieldChange{row.UnitPrice, *p.UnitPrice}
	}
	if p.MappedPriceItemID != nil && *p.MappedPriceItemID != row.MappedPriceItemID {
		changes["mapped_price_item_id"] = fieldChange{row.MappedPriceItemID, *p.MappedPriceItemID}
	}
	return changes
}

func conflictErr(expected *time.Time, actual time.Time) error {
	e := apperr.Conflictf("boq_conflict", "row was modified by another editor").
		WithMeta("actual_version", actual.UTC().Format(time.RFC3339Nano))
	if expected != nil {
		e = e.WithMeta("expected_version", expected.UTC().Format(time.RFC3339Nano))
	}
	return e
}

// versionMatch applies the one-second tolerance the storage layer uses.
func versionMatch(expected, actual time.Time) bool {
	return math.Abs(expected.Sub(actual).Seconds()) <= 1
}

// UpdateOne applies a patch to a single row. When checkConcurrency is
// set and the patch carries a version token, a stale token is a
// Conflict carrying both versions. Returns the resulting row and
// whether anything actually changed.
func (s *Service) UpdateOne(ctx context.Context, itemID, actorID string, p Patch, checkConcurrency bool) (*store.BoqItem, bool, error) {
	return s.updateOne(ctx, itemID, actorID, p, checkConcurrency, true)
}

func (s *Service) updateOne(ctx context.Context, itemID, actorID string, p Patch, checkConcurrency, broadcast bool) (*store.BoqItem, bool, error) {
	row, err := s.store.BoqItemByID(ctx, itemID)
	if err != nil {
		return nil, false, apperr.Internalf("store_error", "load BoQ row").Wrap(err)
	}
	if row == nil {
		return nil, false, apperr.NotFoundf("boq_item_not_found", "BoQ item not found")
	}
	job, _, err := s.authz.RequireJob(ctx, row.JobID, actorID, store.RoleEditor)
	if err != nil {
		return nil, false, err
	}

	if checkConcurrency && p.UpdatedAt != nil && !versionMatch(*p.UpdatedAt, row.UpdatedAt) {
		return nil, false, conflictErr(p.UpdatedAt, row.UpdatedAt)
	}
	if err := p.validate(); err != nil {
		return nil, false, err
	}

	changes := diff(row, p)
	if len(changes) == 0 {
		return row, false, nil
	}

	storePatch := store.BoqItemPatch{
		Code:              p.Code,
		Description:       p.Description,
		Unit:              p.Unit,
		Qty:               p.Qty,
		Allowance:         p.Allowance,
		UnitPrice:         p.UnitPrice,
		MappedPriceItemID: p.MappedPriceItemID,
	}
	// Price totals follow qty and unit price automatically.
	_, qtyChanged := changes["qty"]
	_, priceChanged := changes["unit_price"]
	if qtyChanged || priceChanged {
		qty := row.Qty
		if p.Qty != nil {
			qty = *p.Qty
		}
		unitPrice := row.UnitPrice
		if p.UnitPrice != nil {
			unitPrice = *p.UnitPrice
		}
		total := qty * unitPrice
		storePatch.TotalPrice = &total
		if total != row.TotalPrice {
			changes["total_price"] = fieldChange{row.TotalPrice, total}
		}
	}

	var token *time.Time
	if checkConcurrency {
		v := row.UpdatedAt
		token = &v
	}
	updated, modified, err := s.store.BoqItemUpdateIf(ctx, itemID, token, storePatch)
	if err != nil {
		return nil, false, apperr.Internalf("store_error", "update BoQ row").Wrap(err)
	}
	if !modified {
		if updated == nil {
			return nil, false, apperr.NotFoundf("boq_item_not_found", "BoQ item not found")
		}
		return nil, false, conflictErr(token, updated.UpdatedAt)
	}

	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return nil, false, apperr.Internalf("encode_error", "encode revision").Wrap(err)
	}
	if _, err := s.store.RevisionAppend(ctx, itemID, actorID, string(changesJSON)); err != nil {
		s.log.Error("revision append failed", "item", itemID, "err", err)
	}

	if broadcast {
		s.pub.Emit(jobs.ProjectChannel(job.ProjectID), "boq.item.updated", map[string]interface{}{
			"job_id":  job.ID,
			"item_id": itemID,
			"actor":   actorID,
			"changes": changes,
			"ts":      updated.UpdatedAt,
		})
	}
	return updated, true, nil
}

// BulkItem is one entry of a bulk update request.
type BulkItem struct {
	ItemID string `json:"item_id"`
	Patch  Patch  `json:"patch"`
}

// BulkError describes one skipped entry.
type BulkError struct {
	ItemID  string `json:"item_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BulkResult summarizes a bulk update.
type BulkResult struct {
	Total   int         `json:"total"`
	Updated int         `json:"updated"`
	Skipped int         `json:"skipped"`
	Errors  []BulkError `json:"errors,omitempty"`
}

// UpdateMany applies patches row by row with concurrency checking on,
// collecting conflicts and validation rejects instead of aborting. One
// aggregate event goes to the project channel afterward.
func (s *Service) UpdateMany(ctx context.Context, actorID string, items []BulkItem) (*BulkResult, error) {
	res := &BulkResult{Total: len(items)}
	var projectID string
	for _, it := range items {
		updated, modified, err := s.updateOne(ctx, it.ItemID, actorID, it.Patch, true, false)
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, BulkError{
				ItemID:  it.ItemID,
				Code:    apperr.CodeOf(err),
				Message: err.Error(),
			})
			continue
		}
		if !modified {
			res.Skipped++
			continue
		}
		res.Updated++
		if projectID == "" {
			if job, err := s.store.JobByID(ctx, updated.JobID); err == nil && job != nil {
				projectID = job.ProjectID
			}
		}
	}
	if projectID != "" {
		s.pub.Emit(jobs.ProjectChannel(projectID), "boq.bulk.updated", map[string]interface{}{
			"actor":   actorID,
			"total":   res.Total,
			"updated": res.Updated,
			"skipped": res.Skipped,
		})
	}
	return res, nil
}

// Issue is one finding from a validation sweep.
type Issue struct {
	ItemID   string `json:"item_id"`
	Field    string `json:"field,omitempty"`
	Severity string `json:"severity"` // error or warning
	Message  string `json:"message"`
}

// Validate sweeps a job's rows for structural problems: blank
// description or unit, negative numerics, stale totals, duplicate
// codes.
func (s *Service) Validate(ctx context.Context, jobID, actorID string) ([]Issue, error) {
	if _, _, err := s.authz.RequireJob(ctx, jobID, actorID, store.RoleViewer); err != nil {
		return nil, err
	}
	rows, err := s.store.BoqItemsByJob(ctx, jobID)
	if err != nil {
		return nil, apperr.Internalf("store_error", "load BoQ rows").Wrap(err)
	}

	var issues []Issue
	codesSeen := make(map[string]string) // code -> first item id
	for _, row := range rows {
		if row.Description == "" {
			issues = append(issues, Issue{row.ID, "description", "error", "description is empty"})
		}
		if row.Unit == "" {
			issues = append(issues, Issue{row.ID, "unit", "error", "unit is empty"})
		}
		for field, v := range map[string]float64{
			"qty": row.Qty, "allowance_amount": row.Allowance,
			"unit_price": row.UnitPrice, "total_price": row.TotalPrice,
		} {
			if v < 0 {
				issues = append(issues, Issue{row.ID, field, "error", field + " is negative"})
			}
		}
		if math.Abs(row.TotalPrice-row.Qty*row.UnitPrice) > 0.01 {
			issues = append(issues, Issue{row.ID, "total_price", "warning",
				fmt.Sprintf("total %.2f does not match qty*unit_price %.2f", row.TotalPrice, row.Qty*row.UnitPrice)})
		}
		if row.Code != "" {
			if first, dup := codesSeen[row.Code]; dup {
				issues = append(issues, Issue{row.ID, "code", "warning",
					fmt.Sprintf("code %s duplicates item %s", row.Code, first)})
			} else {
				codesSeen[row.Code] = row.ID
			}
		}
	}
	return issues, nil
}

// ItemsByJob lists a job's rows for viewers.
func (s *Service) ItemsByJob(ctx context.Context, jobID, actorID string) ([]*store.BoqItem, error) {
	if _, _, err := s.authz.RequireJob(ctx, jobID, actorID, store.RoleViewer); err != nil {
		return nil, err
	}
	rows, err := s.store.BoqItemsByJob(ctx, jobID)
	if err != nil {
		return nil, apperr.Internalf("store_error", "load BoQ rows").Wrap(err)
	}
	return rows, nil
}

// Revisions returns the edit history for one row.
func (s *Service) Revisions(ctx context.Context, itemID, actorID string) ([]*store.Revision, error) {
	row, err := s.store.BoqItemByID(ctx, itemID)
	if err != nil {
		return nil, apperr.Internalf("store_error", "load BoQ row").Wrap(err)
	}
	if row == nil {
		return nil, apperr.NotFoundf("boq_item_not_found", "BoQ item not found")
	}
	if _, _, err := s.authz.RequireJob(ctx, row.JobID, actorID, store.RoleViewer); err != nil {
		return nil, err
	}
	revs, err := s.store.RevisionsByItem(ctx, itemID)
	if err != nil {
		return nil, apperr.Internalf("store_error", "load revisions").Wrap(err)
	}
	return revs, nil
}
