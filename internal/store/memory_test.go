package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybuild/backend/internal/clock"
)

func newTestStore(t *testing.T) (*Memory, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewMemory(clk), clk
}

func seedUser(t *testing.T, s *Memory, balance int64) *User {
	t.Helper()
	u := &User{Email: fmt.Sprintf("u-%d@example.com", time.Now().UnixNano()), PasswordHash: "x", Role: "user", CreditsBalance: balance}
	require.NoError(t, s.UserInsert(context.Background(), u))
	return u
}

func seedProject(t *testing.T, s *Memory, ownerID string) *Project {
	t.Helper()
	p := &Project{OwnerID: ownerID, Name: "North Tower"}
	require.NoError(t, s.ProjectInsert(context.Background(), p))
	return p
}

func seedJob(t *testing.T, s *Memory, projectID, userID string) *Job {
	t.Helper()
	f := &File{ProjectID: projectID, UserID: userID, Filename: "plan.ifc", Type: "ifc"}
	require.NoError(t, s.FileInsert(context.Background(), f))
	j := &Job{ProjectID: projectID, UserID: userID, FileID: f.ID}
	require.NoError(t, s.JobInsert(context.Background(), j))
	return j
}

func TestCreditsDebitParallel(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// 10 credits, 20 workers debiting 1 each: exactly 10 succeed.
	u := seedUser(t, s, 10)

	var wg sync.WaitGroup
	results := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.CreditsDebit(ctx, u.ID, 1)
			require.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	assert.Equal(t, 10, succeeded)

	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.CreditsBalance)
}

func TestCreditsDebitInsufficient(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 300)

	balance, ok, err := s.CreditsDebit(ctx, u.ID, 400)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(300), balance)

	balance, err = s.CreditsCredit(ctx, u.ID, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestJobStatusOneWay(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)
	p := seedProject(t, s, u.ID)
	j := seedJob(t, s, p.ID, u.ID)

	require.NoError(t, s.JobUpdateStatus(ctx, j.ID, JobRunning, ""))
	got, err := s.JobByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, s.JobUpdateStatus(ctx, j.ID, JobCanceled, ""))
	// Late terminal write from a finishing worker must be ignored.
	require.NoError(t, s.JobUpdateStatus(ctx, j.ID, JobCompleted, ""))

	got, err = s.JobByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCanceled, got.Status)
	require.NotNil(t, got.FinishedAt)

	// Progress writes after a terminal state are no-ops too.
	require.NoError(t, s.JobSetProgress(ctx, j.ID, 60))
	got, _ = s.JobByID(ctx, j.ID)
	assert.NotEqual(t, 60, got.Progress)
}

func TestJobCompletedForcesFullProgress(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)
	p := seedProject(t, s, u.ID)
	j := seedJob(t, s, p.ID, u.ID)

	require.NoError(t, s.JobSetProgress(ctx, j.ID, 60))
	require.NoError(t, s.JobUpdateStatus(ctx, j.ID, JobCompleted, ""))

	got, err := s.JobByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}

func TestBoqItemUpdateIf(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)
	p := seedProject(t, s, u.ID)
	j := seedJob(t, s, p.ID, u.ID)

	item := &BoqItem{JobID: j.ID, Description: "Concrete slab", Unit: "m3", Qty: 12.5}
	require.NoError(t, s.BoqItemsInsert(ctx, []*BoqItem{item}))
	token := item.UpdatedAt

	qty := 14.0
	updated, modified, err := s.BoqItemUpdateIf(ctx, item.ID, &token, BoqItemPatch{Qty: &qty})
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Equal(t, 14.0, updated.Qty)

	// The original token is now stale: the second writer loses and
	// gets the current row back.
	clk.Advance(5 * time.Second)
	qty2 := 99.0
	cur, modified, err := s.BoqItemUpdateIf(ctx, item.ID, &token, BoqItemPatch{Qty: &qty2})
	require.NoError(t, err)
	assert.False(t, modified)
	assert.Equal(t, 14.0, cur.Qty)
}

func TestBoqItemUpdateIfTolerance(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)
	p := seedProject(t, s, u.ID)
	j := seedJob(t, s, p.ID, u.ID)

	item := &BoqItem{JobID: j.ID, Description: "Rebar", Unit: "kg", Qty: 800}
	require.NoError(t, s.BoqItemsInsert(ctx, []*BoqItem{item}))

	// A token within one second of the stored stamp still matches.
	near := item.UpdatedAt.Add(700 * time.Millisecond)
	clk.Advance(10 * time.Second)
	qty := 850.0
	_, modified, err := s.BoqItemUpdateIf(ctx, item.ID, &near, BoqItemPatch{Qty: &qty})
	require.NoError(t, err)
	assert.True(t, modified)
}

func TestBoqItemUpdateIfNoToken(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)
	p := seedProject(t, s, u.ID)
	j := seedJob(t, s, p.ID, u.ID)

	item := &BoqItem{JobID: j.ID, Description: "Blockwork", Unit: "m2", Qty: 40}
	require.NoError(t, s.BoqItemsInsert(ctx, []*BoqItem{item}))
	clk.Advance(time.Hour)

	// No token means last-writer-wins.
	qty := 45.0
	updated, modified, err := s.BoqItemUpdateIf(ctx, item.ID, nil, BoqItemPatch{Qty: &qty})
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Equal(t, 45.0, updated.Qty)
}

func TestCollaboratorRoleImplicitOwner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s, 0)
	other := seedUser(t, s, 0)
	p := seedProject(t, s, owner.ID)

	role, err := s.CollaboratorRole(ctx, p.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, role)

	role, err = s.CollaboratorRole(ctx, p.ID, other.ID)
	require.NoError(t, err)
	assert.Empty(t, role)

	require.NoError(t, s.CollaboratorUpsert(ctx, &Collaborator{ProjectID: p.ID, UserID: other.ID, Role: RoleEditor}))
	role, err = s.CollaboratorRole(ctx, p.ID, other.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleEditor, role)
}

func TestInvitationAcceptOnce(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s, 0)
	invitee := seedUser(t, s, 0)
	p := seedProject(t, s, owner.ID)

	inv := &Invitation{
		ProjectID: p.ID,
		Email:     invitee.Email,
		Role:      RoleViewer,
		TokenHash: "deadbeef",
		InviterID: owner.ID,
		ExpiresAt: clk.Now().Add(72 * time.Hour),
	}
	require.NoError(t, s.InvitationInsert(ctx, inv))

	got, err := s.InvitationAccept(ctx, "deadbeef", invitee.ID, clk.Now())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, InviteStatusAccepted, got.Status)

	role, err := s.CollaboratorRole(ctx, p.ID, invitee.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, role)

	// Second accept with the same token finds nothing.
	again, err := s.InvitationAccept(ctx, "deadbeef", invitee.ID, clk.Now())
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestInvitationAcceptExpired(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s, 0)
	invitee := seedUser(t, s, 0)
	p := seedProject(t, s, owner.ID)

	inv := &Invitation{
		ProjectID: p.ID,
		Email:     invitee.Email,
		Role:      RoleEditor,
		TokenHash: "stale",
		InviterID: owner.ID,
		ExpiresAt: clk.Now().Add(time.Hour),
	}
	require.NoError(t, s.InvitationInsert(ctx, inv))

	clk.Advance(2 * time.Hour)
	got, err := s.InvitationAccept(ctx, "stale", invitee.ID, clk.Now())
	require.NoError(t, err)
	assert.Nil(t, got)

	role, err := s.CollaboratorRole(ctx, p.ID, invitee.ID)
	require.NoError(t, err)
	assert.Empty(t, role)
}

func TestInvitationDuplicatePending(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s, 0)
	p := seedProject(t, s, owner.ID)

	first := &Invitation{ProjectID: p.ID, Email: "new@example.com", Role: RoleViewer,
		TokenHash: "t1", InviterID: owner.ID, ExpiresAt: clk.Now().Add(time.Hour)}
	require.NoError(t, s.InvitationInsert(ctx, first))

	dup := &Invitation{ProjectID: p.ID, Email: "NEW@example.com", Role: RoleViewer,
		TokenHash: "t2", InviterID: owner.ID, ExpiresAt: clk.Now().Add(time.Hour)}
	assert.Error(t, s.InvitationInsert(ctx, dup))
}

func TestProjectDeleteCascades(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)
	p := seedProject(t, s, u.ID)
	j := seedJob(t, s, p.ID, u.ID)

	item := &BoqItem{JobID: j.ID, Description: "Paint", Unit: "m2", Qty: 10}
	require.NoError(t, s.BoqItemsInsert(ctx, []*BoqItem{item}))
	_, err := s.JobEventAppend(ctx, j.ID, "queued", "Job accepted", "")
	require.NoError(t, err)

	require.NoError(t, s.ProjectDelete(ctx, p.ID))

	gone, err := s.JobByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	items, err := s.BoqItemsByJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	events, err := s.JobEventsByJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestActivePriceListPicksLatest(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	base := clk.Now()

	older := base.Add(-48 * time.Hour)
	newer := base.Add(-1 * time.Hour)
	require.NoError(t, s.PriceListInsert(ctx, &PriceList{Name: "2025 rates", IsActive: true, EffectiveFrom: &older}))
	want := &PriceList{Name: "2026 rates", IsActive: true, EffectiveFrom: &newer}
	require.NoError(t, s.PriceListInsert(ctx, want))
	require.NoError(t, s.PriceListInsert(ctx, &PriceList{Name: "draft", IsActive: false}))

	got, err := s.ActivePriceList(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
}
