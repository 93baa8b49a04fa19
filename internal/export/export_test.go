package export

import (
	"context"
	"encoding/csv"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/broker"
	"github.com/skybuild/backend/internal/clock"
	"github.com/skybuild/backend/internal/presign"
	"github.com/skybuild/backend/internal/rbac"
	"github.com/skybuild/backend/internal/storage"
	"github.com/skybuild/backend/internal/store"
)

type fixture struct {
	svc   *Service
	store *store.Memory
	bus   *broker.Broker
	clk   *clock.Manual
	owner *store.User
	job   *store.Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clk)
	disk, err := storage.NewDisk(t.TempDir(), 100<<20)
	require.NoError(t, err)
	bus := broker.New()
	signer, err := presign.New([]byte("export-test-key"), 15*time.Minute, 30*time.Second, clk)
	require.NoError(t, err)

	owner := &store.User{Email: "owner@example.com", PasswordHash: "x", Role: "user"}
	require.NoError(t, mem.UserInsert(ctx, owner))
	proj := &store.Project{OwnerID: owner.ID, Name: "Tower"}
	require.NoError(t, mem.ProjectInsert(ctx, proj))
	file := &store.File{ProjectID: proj.ID, UserID: owner.ID, Filename: "plan.ifc", Type: "ifc"}
	require.NoError(t, mem.FileInsert(ctx, file))
	job := &store.Job{ProjectID: proj.ID, UserID: owner.ID, FileID: file.ID, Status: store.JobCompleted, Progress: 100}
	require.NoError(t, mem.JobInsert(ctx, job))
	require.NoError(t, mem.BoqItemsInsert(ctx, []*store.BoqItem{
		{JobID: job.ID, Code: "05.01", Description: "Concrete wall", Unit: "m2", Qty: 25, UnitPrice: 80, TotalPrice: 2000},
		{JobID: job.ID, Code: "08.02", Description: "Single door", Unit: "pcs", Qty: 3, UnitPrice: 150, TotalPrice: 450, Allowance: 50},
	}))

	svc := NewService(mem, disk, bus, rbac.New(mem), signer)
	return &fixture{svc: svc, store: mem, bus: bus, clk: clk, owner: owner, job: job}
}

func TestExportCSV(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe("jobs:" + f.job.ID + ":exports")
	defer sub.Close()

	art, err := f.svc.Export(context.Background(), f.job.ID, f.owner.ID, "csv")
	require.NoError(t, err)
	assert.Equal(t, "export:csv", art.Kind)
	assert.NotEmpty(t, art.Checksum)

	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4) // header + 2 rows + total
	assert.Equal(t, columns, records[0])
	assert.Equal(t, "05.01", records[1][0])
	assert.Equal(t, "25", records[1][3])
	assert.Equal(t, "2500.00", records[3][6]) // 2000 + 450 + 50 allowance

	types := []string{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events():
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("missing export event")
		}
	}
	assert.Equal(t, []string{"export.started", "export.completed"}, types)
}

func TestExportResolvesMappedRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pl := &store.PriceList{Name: "2026 rates", IsActive: true}
	require.NoError(t, f.store.PriceListInsert(ctx, pl))
	require.NoError(t, f.store.PriceItemsInsert(ctx, []*store.PriceItem{
		{PriceListID: pl.ID, Code: "09.01", Description: "Screed", Unit: "m2", Rate: 99},
	}))
	items, err := f.store.PriceItemsByList(ctx, pl.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// No edited unit price; the mapped catalog rate carries the row.
	require.NoError(t, f.store.BoqItemsInsert(ctx, []*store.BoqItem{
		{JobID: f.job.ID, Code: "09.01", Description: "Screed", Unit: "m2",
			Qty: 10, MappedPriceItemID: items[0].ID},
	}))

	art, err := f.svc.Export(ctx, f.job.ID, f.owner.ID, "csv")
	require.NoError(t, err)
	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5) // header + 3 rows + total

	mapped := records[3]
	assert.Equal(t, "09.01", mapped[0])
	assert.Equal(t, "99.00", mapped[4])
	assert.Equal(t, "990.00", mapped[6])
	// 2000 + 450 + 50 allowance + 990 mapped row.
	assert.Equal(t, "3490.00", records[4][6])
}

func TestExportXLSXAndPDFProduceArtifacts(t *testing.T) {
	f := newFixture(t)
	for _, format := range []string{"xlsx", "pdf"} {
		art, err := f.svc.Export(context.Background(), f.job.ID, f.owner.ID, format)
		require.NoError(t, err, format)
		assert.Equal(t, "export:"+format, art.Kind)
		info, err := os.Stat(art.Path)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
	arts, err := f.store.ArtifactsByJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	assert.Len(t, arts, 2)
}

func TestExportRejectsUnfinishedJob(t *testing.T) {
	f := newFixture(t)
	running := &store.Job{ProjectID: f.job.ProjectID, UserID: f.owner.ID, FileID: f.job.FileID, Status: store.JobRunning}
	require.NoError(t, f.store.JobInsert(context.Background(), running))

	_, err := f.svc.Export(context.Background(), running.ID, f.owner.ID, "csv")
	require.True(t, apperr.IsKind(err, apperr.Conflict))
}

func TestExportUnknownFormat(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Export(context.Background(), f.job.ID, f.owner.ID, "docx")
	require.True(t, apperr.IsKind(err, apperr.Validation))
}

func TestExportHiddenFromOutsiders(t *testing.T) {
	f := newFixture(t)
	outsider := &store.User{Email: "out@example.com", PasswordHash: "x", Role: "user"}
	require.NoError(t, f.store.UserInsert(context.Background(), outsider))

	_, err := f.svc.Export(context.Background(), f.job.ID, outsider.ID, "csv")
	require.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestPresignedDownloadRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	art, err := f.svc.Export(ctx, f.job.ID, f.owner.ID, "csv")
	require.NoError(t, err)

	reloaded, query, err := f.svc.PresignDownload(ctx, art.ID, f.owner.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, art.ID, reloaded.ID)

	q, err := url.ParseQuery(query)
	require.NoError(t, err)
	got, file, err := f.svc.OpenPresigned(ctx, art.ID, q)
	require.NoError(t, err)
	defer file.Close()
	assert.Equal(t, art.ID, got.ID)

	// Tampered subject fails even inside the validity window.
	_, _, err = f.svc.OpenPresigned(ctx, "other-artifact", q)
	require.True(t, apperr.IsKind(err, apperr.Forbidden))

	// Expired link fails.
	f.clk.Advance(16 * time.Minute)
	_, _, err = f.svc.OpenPresigned(ctx, art.ID, q)
	require.True(t, apperr.IsKind(err, apperr.Forbidden))
}

func TestPresignDownloadRequiresMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	art, err := f.svc.Export(ctx, f.job.ID, f.owner.ID, "csv")
	require.NoError(t, err)

	outsider := &store.User{Email: "out@example.com", PasswordHash: "x", Role: "user"}
	require.NoError(t, f.store.UserInsert(ctx, outsider))
	_, _, err = f.svc.PresignDownload(ctx, art.ID, outsider.ID, 0)
	require.True(t, apperr.IsKind(err, apperr.NotFound))
}
