// Package collab covers project membership: collaborator management,
// invitations (token shown once, only the hash stored), comments,
// activity log and notifications.
package collab

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/auth"
	"github.com/skybuild/backend/internal/broker"
	"github.com/skybuild/backend/internal/clock"
	"github.com/skybuild/backend/internal/jobs"
	"github.com/skybuild/backend/internal/mail"
	"github.com/skybuild/backend/internal/rbac"
	"github.com/skybuild/backend/internal/store"
)

const invitationTTL = 72 * time.Hour

// Service manages collaboration state under project RBAC.
type Service struct {
	store  store.Store
	pub    broker.Publisher
	authz  *rbac.Authorizer
	mailer mail.Mailer
	clk    clock.Clock
	log    *slog.Logger
}

func NewService(s store.Store, pub broker.Publisher, authz *rbac.Authorizer, mailer mail.Mailer, clk clock.Clock) *Service {
	return &Service{store: s, pub: pub, authz: authz, mailer: mailer, clk: clk, log: slog.With("component", "collab")}
}

func grantableRole(role string) bool {
	return role == store.RoleEditor || role == store.RoleViewer
}

func newInviteToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

func (s *Service) activity(ctx context.Context, projectID, actorID, action string, payload interface{}) {
	body, _ := json.Marshal(payload)
	err := s.store.ActivityAppend(ctx, &store.Activity{
		ProjectID: projectID,
		ActorID:   actorID,
		Action:    action,
		Payload:   string(body),
	})
	if err != nil {
		s.log.Warn("activity append failed", "action", action, "err", err)
	}
}

func (s *Service) notify(ctx context.Context, userID, projectID, kind string, payload interface{}) {
	body, _ := json.Marshal(payload)
	err := s.store.NotificationInsert(ctx, &store.Notification{
		UserID:    userID,
		ProjectID: projectID,
		Kind:      kind,
		Payload:   string(body),
	})
	if err != nil {
		s.log.Warn("notification insert failed", "kind", kind, "err", err)
	}
}

// Collaborators lists a project's members for any member.
func (s *Service) Collaborators(ctx context.Context, projectID, actorID string) ([]*store.Collaborator, error) {
	if _, _, err := s.authz.RequireProject(ctx, projectID, actorID, store.RoleViewer); err != nil {
		return nil, err
	}
	list, err := s.store.CollaboratorsByProject(ctx, projectID)
	if err != nil {
		return nil, apperr.Internalf("store_error", "list collaborators").Wrap(err)
	}
	return list, nil
}

// SetRole adds a collaborator or changes an existing member's role.
// Only the owner manages membership, and the owner role itself is not
// assignable.
func (s *Service) SetRole(ctx context.Context, projectID, actorID, userID, role string) error {
	proj, _, err := s.authz.RequireProject(ctx, projectID, actorID, store.RoleOwner)
	if err != nil {
		return err
	}
	if !grantableRole(role) {
		return apperr.Validationf("invalid_role", "role must be editor or viewer")
	}
	if userID == proj.OwnerID {
		return apperr.Validationf("owner_role_fixed", "the owner's role cannot be changed")
	}
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return apperr.Internalf("store_error", "load user").Wrap(err)
	}
	if u == nil {
		return apperr.NotFoundf("user_not_found", "user not found")
	}
	err = s.store.CollaboratorUpsert(ctx, &store.Collaborator{
		ProjectID: projectID,
		UserID:    userID,
		Role:      role,
		InviterID: actorID,
		InvitedAt: s.clk.Now(),
	})
	if err != nil {
		return apperr.Internalf("store_error", "set collaborator role").Wrap(err)
	}
	s.activity(ctx, projectID, actorID, "collaborator.role_set", map[string]string{"user_id": userID, "role": role})
	s.notify(ctx, userID, projectID, "role_changed", map[string]string{"role": role})
	s.pub.Emit(jobs.ProjectChannel(projectID), "collaborator.updated", map[string]interface{}{
		"user_id": userID, "role": role,
	})
	return nil
}

// Remove drops a member. Owner only; the owner cannot be removed.
func (s *Service) Remove(ctx context.Context, projectID, actorID, userID string) error {
	proj, _, err := s.authz.RequireProject(ctx, projectID, actorID, store.RoleOwner)
	if err != nil {
		return err
	}
	if userID == proj.OwnerID {
		return apperr.Validationf("owner_role_fixed", "the owner cannot be removed")
	}
	role, err := s.store.CollaboratorRole(ctx, projectID, userID)
	if err != nil {
		return apperr.Internalf("store_error", "load role").Wrap(err)
	}
	if role == "" {
		return apperr.NotFoundf("collaborator_not_found", "user is not a collaborator")
	}
	if err := s.store.CollaboratorRemove(ctx, projectID, userID); err != nil {
		return apperr.Internalf("store_error", "remove collaborator").Wrap(err)
	}
	s.activity(ctx, projectID, actorID, "collaborator.removed", map[string]string{"user_id": userID})
	s.pub.Emit(jobs.ProjectChannel(projectID), "collaborator.removed", map[string]interface{}{"user_id": userID})
	return nil
}

// Invite mails an invitation token. Editors and the owner may invite;
// the owner role is never grantable through a token. The raw token is
// returned exactly once.
func (s *Service) Invite(ctx context.Context, projectID, actorID, email, role string) (*store.Invitation, string, error) {
	proj, _, err := s.authz.RequireProject(ctx, projectID, actorID, store.RoleEditor)
	if err != nil {
		return nil, "", err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, "", apperr.Validationf("invalid_email", "email is required")
	}
	if !grantableRole(role) {
		return nil, "", apperr.Validationf("invalid_role", "invitations can grant editor or viewer only")
	}

	// An existing member needs no invitation.
	if u, err := s.store.UserByEmail(ctx, email); err != nil {
		return nil, "", apperr.Internalf("store_error", "lookup user").Wrap(err)
	} else if u != nil {
		existing, err := s.store.CollaboratorRole(ctx, projectID, u.ID)
		if err != nil {
			return nil, "", apperr.Internalf("store_error", "load role").Wrap(err)
		}
		if existing != "" || u.ID == proj.OwnerID {
			return nil, "", apperr.Conflictf("already_member", "%s is already a collaborator", email)
		}
	}

	if pending, err := s.store.InvitationPending(ctx, projectID, email); err != nil {
		return nil, "", apperr.Internalf("store_error", "check pending invitation").Wrap(err)
	} else if pending != nil {
		return nil, "", apperr.Conflictf("invitation_pending", "an invitation for %s is already pending", email)
	}

	token, err := newInviteToken()
	if err != nil {
		return nil, "", apperr.Internalf("token_error", "generate invitation token").Wrap(err)
	}
	inv := &store.Invitation{
		ProjectID: projectID,
		Email:     email,
		Role:      role,
		TokenHash: auth.HashToken(token),
		Status:    "pending",
		InviterID: actorID,
		ExpiresAt: s.clk.Now().Add(invitationTTL),
	}
	if err := s.store.InvitationInsert(ctx, inv); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, "", apperr.Conflictf("invitation_pending", "an invitation for %s is already pending", email)
		}
		return nil, "", apperr.Internalf("store_error", "create invitation").Wrap(err)
	}

	if err := s.mailer.Send(email, "You have been invited to "+proj.Name,
		"Use this token to join the project: "+token); err != nil {
		s.log.Error("invitation mail failed", "invitation", inv.ID, "err", err)
	}
	s.activity(ctx, projectID, actorID, "invitation.sent", map[string]string{"email": email, "role": role})
	return inv, token, nil
}

// Accept joins the caller to the project named by the token. The
// invitation must still be pending and unexpired; the email must match
// the caller's account.
func (s *Service) Accept(ctx context.Context, actorID, token string) (*store.Invitation, error) {
	inv, err := s.store.InvitationByTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		return nil, apperr.Internalf("store_error", "lookup invitation").Wrap(err)
	}
	if inv == nil || inv.Status != "pending" {
		return nil, apperr.NotFoundf("invitation_not_found", "invitation not found or no longer valid")
	}
	if s.clk.Now().After(inv.ExpiresAt) {
		return nil, apperr.Conflictf("invitation_expired", "invitation has expired")
	}
	u, err := s.store.UserByID(ctx, actorID)
	if err != nil {
		return nil, apperr.Internalf("store_error", "load user").Wrap(err)
	}
	if u == nil || !strings.EqualFold(u.Email, inv.Email) {
		return nil, apperr.Forbiddenf("invitation_mismatch", "invitation was issued to a different email")
	}

	accepted, err := s.store.InvitationAccept(ctx, inv.TokenHash, actorID, s.clk.Now())
	if err != nil {
		return nil, apperr.Internalf("store_error", "accept invitation").Wrap(err)
	}
	if accepted == nil {
		return nil, apperr.NotFoundf("invitation_not_found", "invitation not found or no longer valid")
	}

	s.activity(ctx, inv.ProjectID, actorID, "invitation.accepted", map[string]string{"email": inv.Email})
	s.notify(ctx, inv.InviterID, inv.ProjectID, "invitation_accepted", map[string]string{"email": inv.Email})
	s.pub.Emit(jobs.ProjectChannel(inv.ProjectID), "collaborator.joined", map[string]interface{}{
		"user_id": actorID, "role": inv.Role,
	})
	return accepted, nil
}

// Revoke cancels a pending invitation. Owner only.
func (s *Service) Revoke(ctx context.Context, projectID, actorID, invitationID string) error {
	if _, _, err := s.authz.RequireProject(ctx, projectID, actorID, store.RoleOwner); err != nil {
		return err
	}
	invs, err := s.store.InvitationsByProject(ctx, projectID)
	if err != nil {
		return apperr.Internalf("store_error", "list invitations").Wrap(err)
	}
	for _, inv := range invs {
		if inv.ID == invitationID {
			if inv.Status != "pending" {
				return apperr.Conflictf("invitation_not_pending", "only pending invitations can be revoked")
			}
			if err := s.store.InvitationRevoke(ctx, inv.ID); err != nil {
				return apperr.Internalf("store_error", "revoke invitation").Wrap(err)
			}
			s.activity(ctx, projectID, actorID, "invitation.revoked", map[string]string{"email": inv.Email})
			return nil
		}
	}
	return apperr.NotFoundf("invitation_not_found", "invitation not found")
}

// Invitations lists a project's invitations for the owner.
func (s *Service) Invitations(ctx context.Context, projectID, actorID string) ([]*store.Invitation, error) {
	if _, _, err := s.authz.RequireProject(ctx, projectID, actorID, store.RoleOwner); err != nil {
		return nil, err
	}
	invs, err := s.store.InvitationsByProject(ctx, projectID)
	if err != nil {
		return nil, apperr.Internalf("store_error", "list invitations").Wrap(err)
	}
	return invs, nil
}

// CommentAdd posts a comment; any member with editor access may write.
func (s *Service) CommentAdd(ctx context.Context, projectID, actorID, body string) (*store.Comment, error) {
	if _, _, err := s.authz.RequireProject(ctx, projectID, actorID, store.RoleEditor); err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperr.Validationf("empty_comment", "comment body is required")
	}
	c := &store.Comment{ProjectID: projectID, AuthorID: actorID, Body: body}
	if err := s.store.CommentInsert(ctx, c); err != nil {
		return nil, apperr.Internalf("store_error", "insert comment").Wrap(err)
	}
	s.activity(ctx, projectID, actorID, "comment.added", map[string]string{"comment_id": c.ID})
	s.pub.Emit(jobs.ProjectChannel(projectID), "comment.added", map[string]interface{}{
		"comment_id": c.ID, "author_id": actorID,
	})
	return c, nil
}

// CommentUpdate edits a comment. Authors edit their own comments.
func (s *Service) CommentUpdate(ctx context.Context, commentID, actorID, body string) (*store.Comment, error) {
	c, err := s.store.CommentByID(ctx, commentID)
	if err != nil {
		return nil, apperr.Internalf("store_error", "load comment").Wrap(err)
	}
	if c == nil {
		return nil, apperr.NotFoundf("comment_not_found", "comment not found")
	}
	if _, _, err := s.authz.RequireProject(ctx, c.ProjectID, actorID, store.RoleViewer); err != nil {
		return nil, err
	}
	if c.AuthorID != actorID {
		return nil, apperr.Forbiddenf("not_author", "only the author can edit a comment")
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperr.Validationf("empty_comment", "comment body is required")
	}
	c.Body = body
	if err := s.store.CommentUpdate(ctx, c); err != nil {
		return nil, apperr.Internalf("store_error", "update comment").Wrap(err)
	}
	return c, nil
}

// CommentDelete removes a comment. The author or the project owner may
// delete.
func (s *Service) CommentDelete(ctx context.Context, commentID, actorID string) error {
	c, err := s.store.CommentByID(ctx, commentID)
	if err != nil {
		return apperr.Internalf("store_error", "load comment").Wrap(err)
	}
	if c == nil {
		return apperr.NotFoundf("comment_not_found", "comment not found")
	}
	proj, _, err := s.authz.RequireProject(ctx, c.ProjectID, actorID, store.RoleViewer)
	if err != nil {
		return err
	}
	if c.AuthorID != actorID && proj.OwnerID != actorID {
		return apperr.Forbiddenf("not_author", "only the author or the project owner can delete a comment")
	}
	if err := s.store.CommentDelete(ctx, commentID); err != nil {
		return apperr.Internalf("store_error", "delete comment").Wrap(err)
	}
	s.activity(ctx, c.ProjectID, actorID, "comment.deleted", map[string]string{"comment_id": commentID})
	return nil
}

// Comments lists a project's comments for any member.
func (s *Service) Comments(ctx context.Context, projectID, actorID string) ([]*store.Comment, error) {
	if _, _, err := s.authz.RequireProject(ctx, projectID, actorID, store.RoleViewer); err != nil {
		return nil, err
	}
	list, err := s.store.CommentsByProject(ctx, projectID)
	if err != nil {
		return nil, apperr.Internalf("store_error", "list comments").Wrap(err)
	}
	return list, nil
}

// Activities returns the newest audit records for any member.
func (s *Service) Activities(ctx context.Context, projectID, actorID string, limit int) ([]*store.Activity, error) {
	if _, _, err := s.authz.RequireProject(ctx, projectID, actorID, store.RoleViewer); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	list, err := s.store.ActivitiesByProject(ctx, projectID, limit)
	if err != nil {
		return nil, apperr.Internalf("store_error", "list activities").Wrap(err)
	}
	return list, nil
}

// Notifications lists the caller's own notifications.
func (s *Service) Notifications(ctx context.Context, actorID string, unreadOnly bool) ([]*store.Notification, error) {
	list, err := s.store.NotificationsByUser(ctx, actorID, unreadOnly)
	if err != nil {
		return nil, apperr.Internalf("store_error", "list notifications").Wrap(err)
	}
	return list, nil
}

// MarkRead flags the caller's notifications as read.
func (s *Service) MarkRead(ctx context.Context, actorID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.store.NotificationsMarkRead(ctx, actorID, ids); err != nil {
		return apperr.Internalf("store_error", "mark notifications read").Wrap(err)
	}
	return nil
}
