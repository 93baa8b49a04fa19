package boq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/broker"
	"github.com/skybuild/backend/internal/clock"
	"github.com/skybuild/backend/internal/rbac"
	"github.com/skybuild/backend/internal/store"
)

type fixture struct {
	svc   *Service
	store *store.Memory
	bus   *broker.Broker
	clk   *clock.Manual
	owner *store.User
	proj  *store.Project
	job   *store.Job
	items []*store.BoqItem
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clk)
	bus := broker.New()

	owner := &store.User{Email: "owner@example.com", PasswordHash: "x", Role: "user", CreditsBalance: 1000}
	require.NoError(t, mem.UserInsert(ctx, owner))
	proj := &store.Project{OwnerID: owner.ID, Name: "Tower"}
	require.NoError(t, mem.ProjectInsert(ctx, proj))
	file := &store.File{ProjectID: proj.ID, UserID: owner.ID, Filename: "plan.ifc", Type: "ifc"}
	require.NoError(t, mem.FileInsert(ctx, file))
	job := &store.Job{ProjectID: proj.ID, UserID: owner.ID, FileID: file.ID, Status: store.JobCompleted, Progress: 100}
	require.NoError(t, mem.JobInsert(ctx, job))

	items := []*store.BoqItem{
		{JobID: job.ID, Code: "05.01", Description: "Concrete wall", Unit: "m2", Qty: 25, UnitPrice: 80, TotalPrice: 2000},
		{JobID: job.ID, Code: "08.02", Description: "Single door", Unit: "pcs", Qty: 3},
	}
	require.NoError(t, mem.BoqItemsInsert(ctx, items))

	svc := NewService(mem, bus, rbac.New(mem))
	return &fixture{svc: svc, store: mem, bus: bus, clk: clk, owner: owner, proj: proj, job: job, items: items}
}

func (f *fixture) addMember(t *testing.T, email, role string) *store.User {
	t.Helper()
	ctx := context.Background()
	u := &store.User{Email: email, PasswordHash: "x", Role: "user"}
	require.NoError(t, f.store.UserInsert(ctx, u))
	require.NoError(t, f.store.CollaboratorUpsert(ctx, &store.Collaborator{ProjectID: f.proj.ID, UserID: u.ID, Role: role}))
	return u
}

func (f *fixture) reload(t *testing.T, id string) *store.BoqItem {
	t.Helper()
	row, err := f.store.BoqItemByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, row)
	return row
}

func ptr[T any](v T) *T { return &v }

func TestUpdateOneAppliesPatchAndRevision(t *testing.T) {
	f := newFixture(t)
	item := f.items[0]
	f.clk.Advance(time.Hour)

	row, modified, err := f.svc.UpdateOne(context.Background(), item.ID, f.owner.ID,
		Patch{Qty: ptr(30.0), UpdatedAt: &item.UpdatedAt}, true)
	require.NoError(t, err)
	require.True(t, modified)
	assert.Equal(t, 30.0, row.Qty)
	assert.Equal(t, 2400.0, row.TotalPrice) // follows qty

	revs, err := f.svc.Revisions(context.Background(), item.ID, f.owner.ID)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	var changes map[string]fieldChange
	require.NoError(t, json.Unmarshal([]byte(revs[0].Changes), &changes))
	assert.Contains(t, changes, "qty")
	assert.Contains(t, changes, "total_price")
	assert.NotContains(t, changes, "description")
}

func TestUpdateOneStaleTokenConflicts(t *testing.T) {
	f := newFixture(t)
	item := f.items[0]
	stale := item.UpdatedAt

	f.clk.Advance(time.Hour)
	_, _, err := f.svc.UpdateOne(context.Background(), item.ID, f.owner.ID,
		Patch{Description: ptr("Concrete wall C30"), UpdatedAt: &stale}, true)
	require.NoError(t, err)

	f.clk.Advance(time.Hour)
	_, _, err = f.svc.UpdateOne(context.Background(), item.ID, f.owner.ID,
		Patch{Description: ptr("lost update"), UpdatedAt: &stale}, true)
	require.True(t, apperr.IsKind(err, apperr.Conflict))

	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Meta, "expected_version")
	assert.Contains(t, ae.Meta, "actual_version")
	assert.Equal(t, "Concrete wall C30", f.reload(t, item.ID).Description)
}

func TestUpdateOneWithoutCheckOverwrites(t *testing.T) {
	f := newFixture(t)
	item := f.items[0]
	stale := item.UpdatedAt.Add(-time.Hour)

	_, modified, err := f.svc.UpdateOne(context.Background(), item.ID, f.owner.ID,
		Patch{Qty: ptr(99.0), UpdatedAt: &stale}, false)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Equal(t, 99.0, f.reload(t, item.ID).Qty)
}

func TestUpdateOneNoChangeIsNoop(t *testing.T) {
	f := newFixture(t)
	item := f.items[0]

	row, modified, err := f.svc.UpdateOne(context.Background(), item.ID, f.owner.ID,
		Patch{Qty: ptr(item.Qty), Description: ptr(item.Description)}, true)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.Equal(t, item.UpdatedAt, row.UpdatedAt)

	revs, err := f.svc.Revisions(context.Background(), item.ID, f.owner.ID)
	require.NoError(t, err)
	assert.Empty(t, revs)
}

func TestUpdateOneValidation(t *testing.T) {
	f := newFixture(t)
	item := f.items[0]

	_, _, err := f.svc.UpdateOne(context.Background(), item.ID, f.owner.ID, Patch{Qty: ptr(-1.0)}, true)
	require.True(t, apperr.IsKind(err, apperr.Validation))

	_, _, err = f.svc.UpdateOne(context.Background(), item.ID, f.owner.ID, Patch{Description: ptr("")}, true)
	require.True(t, apperr.IsKind(err, apperr.Validation))
}

func TestUpdateOneRBAC(t *testing.T) {
	f := newFixture(t)
	item := f.items[0]
	viewer := f.addMember(t, "viewer@example.com", store.RoleViewer)
	outsider := &store.User{Email: "out@example.com", PasswordHash: "x", Role: "user"}
	require.NoError(t, f.store.UserInsert(context.Background(), outsider))

	_, _, err := f.svc.UpdateOne(context.Background(), item.ID, viewer.ID, Patch{Qty: ptr(1.0)}, true)
	require.True(t, apperr.IsKind(err, apperr.Forbidden))

	_, _, err = f.svc.UpdateOne(context.Background(), item.ID, outsider.ID, Patch{Qty: ptr(1.0)}, true)
	require.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestUpdateOneBroadcastsProjectEvent(t *testing.T) {
	f := newFixture(t)
	item := f.items[0]
	sub := f.bus.Subscribe("project:" + f.proj.ID)
	defer sub.Close()

	_, _, err := f.svc.UpdateOne(context.Background(), item.ID, f.owner.ID, Patch{Qty: ptr(12.0)}, true)
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "boq.item.updated", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no project event")
	}
}

func TestUpdateManyCollectsConflicts(t *testing.T) {
	f := newFixture(t)
	a, b := f.items[0], f.items[1]
	staleA := a.UpdatedAt

	f.clk.Advance(time.Hour)
	_, _, err := f.svc.UpdateOne(context.Background(), a.ID, f.owner.ID,
		Patch{Qty: ptr(40.0), UpdatedAt: &staleA}, true)
	require.NoError(t, err)

	f.clk.Advance(time.Hour)
	sub := f.bus.Subscribe("project:" + f.proj.ID)
	defer sub.Close()

	res, err := f.svc.UpdateMany(context.Background(), f.owner.ID, []BulkItem{
		{ItemID: a.ID, Patch: Patch{Qty: ptr(50.0), UpdatedAt: &staleA}},
		{ItemID: b.ID, Patch: Patch{Qty: ptr(5.0), UpdatedAt: ptr(f.reload(t, b.ID).UpdatedAt)}},
		{ItemID: "missing", Patch: Patch{Qty: ptr(1.0)}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 2, res.Skipped)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "boq_conflict", res.Errors[0].Code)
	assert.Equal(t, "boq_item_not_found", res.Errors[1].Code)

	// Conflicted row keeps the first writer's value.
	assert.Equal(t, 40.0, f.reload(t, a.ID).Qty)
	assert.Equal(t, 5.0, f.reload(t, b.ID).Qty)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "boq.bulk.updated", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no bulk event")
	}
}

func TestValidateFindings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := []*store.BoqItem{
		{JobID: f.job.ID, Code: "05.01", Description: "", Unit: "m2", Qty: 1},
		{JobID: f.job.ID, Description: "Mismatch", Unit: "m", Qty: 10, UnitPrice: 5, TotalPrice: 49},
		// A zero unit price does not exempt a stale total.
		{JobID: f.job.ID, Description: "Stale total", Unit: "m", Qty: 4, TotalPrice: 120},
	}
	require.NoError(t, f.store.BoqItemsInsert(ctx, bad))

	issues, err := f.svc.Validate(ctx, f.job.ID, f.owner.ID)
	require.NoError(t, err)

	byField := make(map[string][]Issue)
	for _, is := range issues {
		byField[is.Field] = append(byField[is.Field], is)
	}
	require.Len(t, byField["description"], 1)
	assert.Equal(t, "error", byField["description"][0].Severity)
	require.Len(t, byField["total_price"], 2)
	for _, is := range byField["total_price"] {
		assert.Equal(t, "warning", is.Severity)
	}
	require.Len(t, byField["code"], 1) // 05.01 duplicated
	assert.Equal(t, "warning", byField["code"][0].Severity)
}

func TestValidateCleanJob(t *testing.T) {
	f := newFixture(t)
	issues, err := f.svc.Validate(context.Background(), f.job.ID, f.owner.ID)
	require.NoError(t, err)
	assert.Empty(t, issues)
}
