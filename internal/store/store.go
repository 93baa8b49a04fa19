// Package store is the persistence layer: users, projects, files, jobs
// with their event log, BoQ items with revision trail, artifacts, the
// pricing catalog and collaboration state.
//
// Two implementations exist: Postgres (lib/pq) for deployments and an
// in-memory store used by tests and as a local fallback when DB_URL is
// unset. Both provide the same conditional-update primitives:
// CreditsDebit never drives a balance negative and BoqItemUpdateIf only
// applies a patch when the caller's version token still matches.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface shared by the Postgres and memory
// implementations. All methods are safe for concurrent use.
type Store interface {
	// TxDo runs fn atomically. The Store passed to fn operates inside
	// the transaction; conflicts are retried a bounded number of times.
	TxDo(ctx context.Context, fn func(Store) error) error

	// Users
	UserInsert(ctx context.Context, u *User) error
	UserByID(ctx context.Context, id string) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserSetVerified(ctx context.Context, id string) error
	UserSetPassword(ctx context.Context, id, passwordHash string) error
	UserSetVerifyCode(ctx context.Context, id, codeHash string, sentAt time.Time) error

	// CreditsDebit atomically removes amount from the balance iff the
	// balance covers it. This is the only legal debit path.
	CreditsDebit(ctx context.Context, userID string, amount int64) (newBalance int64, ok bool, err error)
	// CreditsCredit unconditionally adds amount, used for refunds and
	// admin grants.
	CreditsCredit(ctx context.Context, userID string, amount int64) (newBalance int64, err error)

	// Projects
	ProjectInsert(ctx context.Context, p *Project) error
	ProjectByID(ctx context.Context, id string) (*Project, error)
	ProjectUpdate(ctx context.Context, p *Project) error
	ProjectDelete(ctx context.Context, id string) error
	ProjectsByUser(ctx context.Context, userID string) ([]*Project, error)

	// Files
	FileInsert(ctx context.Context, f *File) error
	FileByID(ctx context.Context, id string) (*File, error)
	FileMarkUploaded(ctx context.Context, id string, size int64, checksum string, at time.Time) error

	// Jobs
	JobInsert(ctx context.Context, j *Job) error
	JobByID(ctx context.Context, id string) (*Job, error)
	JobsByUser(ctx context.Context, userID string) ([]*Job, error)
	JobsByProject(ctx context.Context, projectID string) ([]*Job, error)
	// JobUpdateStatus moves a job along its one-way state machine,
	// stamping started_at / finished_at as appropriate. Writes to a
	// terminal job are ignored.
	JobUpdateStatus(ctx context.Context, id, status, errorCode string) error
	JobSetProgress(ctx context.Context, id string, progress int) error

	// Job events (append-only, ordered by Ts)
	JobEventAppend(ctx context.Context, jobID, stage, message, details string) (*JobEvent, error)
	JobEventsByJob(ctx context.Context, jobID string) ([]*JobEvent, error)

	// BoQ items
	BoqItemsInsert(ctx context.Context, items []*BoqItem) error
	BoqItemByID(ctx context.Context, id string) (*BoqItem, error)
	BoqItemsByJob(ctx context.Context, jobID string) ([]*BoqItem, error)
	// BoqItemUpdateIf applies patch iff the stored updated_at matches
	// expectedUpdatedAt within one second. A nil expectedUpdatedAt
	// skips the check. On mismatch the current row is returned with
	// modified=false for the caller to classify.
	BoqItemUpdateIf(ctx context.Context, id string, expectedUpdatedAt *time.Time, patch BoqItemPatch) (row *BoqItem, modified bool, err error)

	// Revisions (append-only)
	RevisionAppend(ctx context.Context, itemID, actorID, changesJSON string) (*Revision, error)
	RevisionsByItem(ctx context.Context, itemID string) ([]*Revision, error)

	// Artifacts
	ArtifactInsert(ctx context.Context, a *Artifact) error
	ArtifactByID(ctx context.Context, id string) (*Artifact, error)
	ArtifactsByJob(ctx context.Context, jobID string) ([]*Artifact, error)

	// Pricing catalog
	PriceListInsert(ctx context.Context, pl *PriceList) error
	PriceListByID(ctx context.Context, id string) (*PriceList, error)
	ActivePriceList(ctx context.Context) (*PriceList, error)
	PriceItemsInsert(ctx context.Context, items []*PriceItem) error
	PriceItemsByList(ctx context.Context, priceListID string) ([]*PriceItem, error)
	PriceItemByID(ctx context.Context, id string) (*PriceItem, error)
	SupplierInsert(ctx context.Context, s *Supplier) error
	SupplierByID(ctx context.Context, id string) (*Supplier, error)
	SupplierPriceItemsInsert(ctx context.Context, items []*SupplierPriceItem) error
	SupplierPriceItems(ctx context.Context, supplierID string) ([]*SupplierPriceItem, error)

	// Templates & estimates
	TemplateInsert(ctx context.Context, t *Template) error
	TemplatesByOwner(ctx context.Context, ownerID string) ([]*Template, error)
	EstimateInsert(ctx context.Context, e *Estimate) error
	EstimatesByProject(ctx context.Context, projectID string) ([]*Estimate, error)

	// Collaboration
	CollaboratorUpsert(ctx context.Context, c *Collaborator) error
	CollaboratorRole(ctx context.Context, projectID, userID string) (string, error)
	CollaboratorsByProject(ctx context.Context, projectID string) ([]*Collaborator, error)
	CollaboratorRemove(ctx context.Context, projectID, userID string) error

	// Invitations. Only the token hash is ever stored.
	InvitationInsert(ctx context.Context, inv *Invitation) error
	InvitationByTokenHash(ctx context.Context, tokenHash string) (*Invitation, error)
	InvitationPending(ctx context.Context, projectID, email string) (*Invitation, error)
	InvitationsByProject(ctx context.Context, projectID string) ([]*Invitation, error)
	// InvitationAccept marks the pending invitation accepted and
	// creates the membership row in one transaction.
	InvitationAccept(ctx context.Context, tokenHash, userID string, at time.Time) (*Invitation, error)
	InvitationRevoke(ctx context.Context, id string) error

	// Comments, activities, notifications
	CommentInsert(ctx context.Context, c *Comment) error
	CommentByID(ctx context.Context, id string) (*Comment, error)
	CommentUpdate(ctx context.Context, c *Comment) error
	CommentDelete(ctx context.Context, id string) error
	CommentsByProject(ctx context.Context, projectID string) ([]*Comment, error)
	ActivityAppend(ctx context.Context, a *Activity) error
	ActivitiesByProject(ctx context.Context, projectID string, limit int) ([]*Activity, error)
	NotificationInsert(ctx context.Context, n *Notification) error
	NotificationsByUser(ctx context.Context, userID string, unreadOnly bool) ([]*Notification, error)
	NotificationsMarkRead(ctx context.Context, userID string, ids []string) error
}

// ErrNotFound sentinels are expressed through apperr in callers; the
// store reports row absence with (nil, nil) returns for lookups so the
// domain layer decides between NotFound and hidden-from-caller.
