package collab

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/broker"
	"github.com/skybuild/backend/internal/clock"
	"github.com/skybuild/backend/internal/mail"
	"github.com/skybuild/backend/internal/rbac"
	"github.com/skybuild/backend/internal/store"
)

type fixture struct {
	svc    *Service
	store  *store.Memory
	bus    *broker.Broker
	mailer *mail.Capture
	clk    *clock.Manual
	owner  *store.User
	proj   *store.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clk)
	bus := broker.New()
	capture := &mail.Capture{}

	owner := &store.User{Email: "owner@example.com", PasswordHash: "x", Role: "user", EmailVerified: true}
	require.NoError(t, mem.UserInsert(ctx, owner))
	proj := &store.Project{OwnerID: owner.ID, Name: "Tower"}
	require.NoError(t, mem.ProjectInsert(ctx, proj))

	svc := NewService(mem, bus, rbac.New(mem), capture, clk)
	return &fixture{svc: svc, store: mem, bus: bus, mailer: capture, clk: clk, owner: owner, proj: proj}
}

func (f *fixture) addUser(t *testing.T, email string) *store.User {
	t.Helper()
	u := &store.User{Email: email, PasswordHash: "x", Role: "user", EmailVerified: true}
	require.NoError(t, f.store.UserInsert(context.Background(), u))
	return u
}

func TestInvitationLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invitee := f.addUser(t, "e@x.com")

	inv, token, err := f.svc.Invite(ctx, f.proj.ID, f.owner.ID, "e@x.com", store.RoleEditor)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Equal(t, "pending", inv.Status)
	require.Len(t, f.mailer.Messages, 1)
	assert.Contains(t, f.mailer.Messages[0].Body, token)

	// Altered token never matches.
	_, err = f.svc.Accept(ctx, invitee.ID, token+"x")
	require.True(t, apperr.IsKind(err, apperr.NotFound))

	accepted, err := f.svc.Accept(ctx, invitee.ID, token)
	require.NoError(t, err)
	assert.Equal(t, "accepted", accepted.Status)

	role, err := f.store.CollaboratorRole(ctx, f.proj.ID, invitee.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RoleEditor, role)

	// Second accept with the same token fails: no longer pending.
	_, err = f.svc.Accept(ctx, invitee.ID, token)
	require.True(t, apperr.IsKind(err, apperr.NotFound))

	// Inviter got notified.
	notes, err := f.svc.Notifications(ctx, f.owner.ID, true)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "invitation_accepted", notes[0].Kind)
}

func TestInviteDuplicatePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.svc.Invite(ctx, f.proj.ID, f.owner.ID, "e@x.com", store.RoleViewer)
	require.NoError(t, err)
	_, _, err = f.svc.Invite(ctx, f.proj.ID, f.owner.ID, "E@X.com", store.RoleEditor)
	require.True(t, apperr.IsKind(err, apperr.Conflict))
}

func TestInviteOwnerRoleForbidden(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Invite(context.Background(), f.proj.ID, f.owner.ID, "e@x.com", store.RoleOwner)
	require.True(t, apperr.IsKind(err, apperr.Validation))
}

func TestInviteRequiresEditor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	viewer := f.addUser(t, "v@x.com")
	require.NoError(t, f.store.CollaboratorUpsert(ctx, &store.Collaborator{
		ProjectID: f.proj.ID, UserID: viewer.ID, Role: store.RoleViewer,
	}))

	_, _, err := f.svc.Invite(ctx, f.proj.ID, viewer.ID, "e@x.com", store.RoleViewer)
	require.True(t, apperr.IsKind(err, apperr.Forbidden))

	// Editors may invite.
	editor := f.addUser(t, "ed@x.com")
	require.NoError(t, f.store.CollaboratorUpsert(ctx, &store.Collaborator{
		ProjectID: f.proj.ID, UserID: editor.ID, Role: store.RoleEditor,
	}))
	_, _, err = f.svc.Invite(ctx, f.proj.ID, editor.ID, "e@x.com", store.RoleViewer)
	require.NoError(t, err)
}

func TestAcceptWrongEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stranger := f.addUser(t, "other@x.com")
	_, token, err := f.svc.Invite(ctx, f.proj.ID, f.owner.ID, "e@x.com", store.RoleViewer)
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, stranger.ID, token)
	require.True(t, apperr.IsKind(err, apperr.Forbidden))
}

func TestAcceptExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invitee := f.addUser(t, "e@x.com")
	_, token, err := f.svc.Invite(ctx, f.proj.ID, f.owner.ID, "e@x.com", store.RoleViewer)
	require.NoError(t, err)

	f.clk.Advance(73 * time.Hour)
	_, err = f.svc.Accept(ctx, invitee.ID, token)
	require.True(t, apperr.IsKind(err, apperr.Conflict))
}

func TestRevokePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invitee := f.addUser(t, "e@x.com")
	inv, token, err := f.svc.Invite(ctx, f.proj.ID, f.owner.ID, "e@x.com", store.RoleViewer)
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, f.proj.ID, f.owner.ID, inv.ID))
	_, err = f.svc.Accept(ctx, invitee.ID, token)
	require.True(t, apperr.IsKind(err, apperr.NotFound))

	// Revoking again conflicts.
	err = f.svc.Revoke(ctx, f.proj.ID, f.owner.ID, inv.ID)
	require.True(t, apperr.IsKind(err, apperr.Conflict))
}

func TestSetRoleAndRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.addUser(t, "m@x.com")

	require.NoError(t, f.svc.SetRole(ctx, f.proj.ID, f.owner.ID, member.ID, store.RoleViewer))
	require.NoError(t, f.svc.SetRole(ctx, f.proj.ID, f.owner.ID, member.ID, store.RoleEditor))
	role, err := f.store.CollaboratorRole(ctx, f.proj.ID, member.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RoleEditor, role)

	// Members below owner cannot manage membership.
	other := f.addUser(t, "o@x.com")
	err = f.svc.SetRole(ctx, f.proj.ID, member.ID, other.ID, store.RoleViewer)
	require.True(t, apperr.IsKind(err, apperr.Forbidden))

	// Owner role is not grantable and the owner is not removable.
	err = f.svc.SetRole(ctx, f.proj.ID, f.owner.ID, member.ID, store.RoleOwner)
	require.True(t, apperr.IsKind(err, apperr.Validation))
	err = f.svc.Remove(ctx, f.proj.ID, f.owner.ID, f.owner.ID)
	require.True(t, apperr.IsKind(err, apperr.Validation))

	require.NoError(t, f.svc.Remove(ctx, f.proj.ID, f.owner.ID, member.ID))
	role, err = f.store.CollaboratorRole(ctx, f.proj.ID, member.ID)
	require.NoError(t, err)
	assert.Empty(t, role)
}

func TestCommentsCRUD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	editor := f.addUser(t, "ed@x.com")
	require.NoError(t, f.store.CollaboratorUpsert(ctx, &store.Collaborator{
		ProjectID: f.proj.ID, UserID: editor.ID, Role: store.RoleEditor,
	}))

	c, err := f.svc.CommentAdd(ctx, f.proj.ID, editor.ID, "  Check slab thickness on level 2  ")
	require.NoError(t, err)
	assert.Equal(t, "Check slab thickness on level 2", c.Body)

	// Only the author edits.
	_, err = f.svc.CommentUpdate(ctx, c.ID, f.owner.ID, "hijacked")
	require.True(t, apperr.IsKind(err, apperr.Forbidden))
	updated, err := f.svc.CommentUpdate(ctx, c.ID, editor.ID, "Checked, 250mm confirmed")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(updated.Body, "Checked"))

	// The owner may delete someone else's comment.
	require.NoError(t, f.svc.CommentDelete(ctx, c.ID, f.owner.ID))
	list, err := f.svc.Comments(ctx, f.proj.ID, f.owner.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestActivitiesRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.svc.Invite(ctx, f.proj.ID, f.owner.ID, "e@x.com", store.RoleViewer)
	require.NoError(t, err)

	acts, err := f.svc.Activities(ctx, f.proj.ID, f.owner.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, acts)
	assert.Equal(t, "invitation.sent", acts[0].Action)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invitee := f.addUser(t, "e@x.com")
	_, token, err := f.svc.Invite(ctx, f.proj.ID, f.owner.ID, "e@x.com", store.RoleViewer)
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, invitee.ID, token)
	require.NoError(t, err)

	notes, err := f.svc.Notifications(ctx, f.owner.ID, true)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.NoError(t, f.svc.MarkRead(ctx, f.owner.ID, []string{notes[0].ID}))

	notes, err = f.svc.Notifications(ctx, f.owner.ID, true)
	require.NoError(t, err)
	assert.Empty(t, notes)
}
