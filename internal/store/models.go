package store

import "time"

// Role values for project membership, ordered. Comparison is numeric:
// owner > editor > viewer.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// RoleLevel returns the numeric rank of a role, 0 for unknown.
func RoleLevel(role string) int {
	switch role {
	case RoleOwner:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Job status values. Terminal states never transition back.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCanceled  = "canceled"
)

// JobTerminal reports whether a status is terminal.
func JobTerminal(status string) bool {
	return status == JobCompleted || status == JobFailed || status == JobCanceled
}

// Invitation status values.
const (
	InviteStatusPending  = "pending"
	InviteStatusAccepted = "accepted"
	InviteStatusRevoked  = "revoked"
	InviteStatusExpired  = "expired"
)

// User is an account. Credits are whole units; the balance is only
// moved through CreditsDebit/CreditsCredit.
type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"-"`
	Role           string     `json:"role"` // admin | user
	EmailVerified  bool       `json:"email_verified"`
	CreditsBalance int64      `json:"credits_balance"`
	FullName       string     `json:"full_name"`
	VerifyCodeHash string     `json:"-"`
	LastVerifySent *time.Time `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"-"` // soft delete only
}

// Project groups files, jobs and collaborators. The owner is an
// implicit collaborator with role owner.
type Project struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      string     `json:"status"` // active | completed | archived
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// File is an uploaded model or drawing. Bytes exist on disk iff Size > 0.
type File struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	UserID     string     `json:"user_id"`
	Filename   string     `json:"filename"`
	Type       string     `json:"type"` // IFC | DWG | DXF | PDF
	Size       int64      `json:"size"`
	Checksum   string     `json:"checksum,omitempty"`
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Job is one take-off run against a file.
type Job struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	UserID      string     `json:"user_id"`
	FileID      string     `json:"file_id"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"` // 0..100; 100 iff completed
	ErrorCode   string     `json:"error_code,omitempty"`
	PriceListID string     `json:"price_list_id,omitempty"`
	SupplierID  string     `json:"supplier_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// JobEvent is one append-only stage record, ordered by Ts.
type JobEvent struct {
	ID      string    `json:"id"`
	JobID   string    `json:"job_id"`
	Ts      time.Time `json:"ts"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// BoqItem is one Bill-of-Quantities row. After any writer commits,
// TotalPrice tracks Qty*UnitPrice within 0.01; Allowance is added
// separately when exports total up.
type BoqItem struct {
	ID                string    `json:"id"`
	JobID             string    `json:"job_id"`
	Code              string    `json:"code,omitempty"`
	Description       string    `json:"description"`
	Unit              string    `json:"unit"`
	Qty               float64   `json:"qty"`
	MappedPriceItemID string    `json:"mapped_price_item_id,omitempty"`
	Allowance         float64   `json:"allowance_amount"`
	UnitPrice         float64   `json:"unit_price"`
	TotalPrice        float64   `json:"total_price"`
	SourceRef         string    `json:"source_ref,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// BoqItemPatch is a partial update; nil fields are untouched.
type BoqItemPatch struct {
	Code              *string
	Description       *string
	Unit              *string
	Qty               *float64
	Allowance         *float64
	UnitPrice         *float64
	TotalPrice        *float64
	MappedPriceItemID *string
}

// Empty reports whether the patch carries no field at all.
func (p BoqItemPatch) Empty() bool {
	return p.Code == nil && p.Description == nil && p.Unit == nil &&
		p.Qty == nil && p.Allowance == nil && p.UnitPrice == nil &&
		p.TotalPrice == nil && p.MappedPriceItemID == nil
}

// Revision is an append-only field-diff record for a BoQ item.
// Changes is a JSON map of {field: {old, new}}.
type Revision struct {
	ID        string    `json:"id"`
	BoqItemID string    `json:"boq_item_id"`
	ActorID   string    `json:"actor_id"`
	Changes   string    `json:"changes"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact is a generated export written under <STORAGE_DIR>/artifacts.
type Artifact struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"` // export:csv | export:xlsx | export:pdf
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Supplier is a pricing source whose rates may shadow the admin list.
type Supplier struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Email              string    `json:"email,omitempty"`
	DefaultPriceListID string    `json:"default_price_list_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// SupplierPriceItem is a supplier rate keyed by code.
type SupplierPriceItem struct {
	ID         string  `json:"id"`
	SupplierID string  `json:"supplier_id"`
	Code       string  `json:"code"`
	Rate       float64 `json:"rate"`
	Unit       string  `json:"unit,omitempty"`
}

// PriceList is a versioned admin rate catalog.
type PriceList struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	IsActive      bool       `json:"is_active"`
	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// PriceItem is one rate row in a price list, keyed by code.
type PriceItem struct {
	ID          string  `json:"id"`
	PriceListID string  `json:"price_list_id"`
	Code        string  `json:"code"`
	Description string  `json:"description,omitempty"`
	Unit        string  `json:"unit,omitempty"`
	Rate        float64 `json:"rate"`
}

// Template is a reusable BoQ scaffold.
type Template struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Body      string    `json:"body"` // JSON rows
	CreatedAt time.Time `json:"created_at"`
}

// Estimate is a priced snapshot of a job's BoQ.
type Estimate struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	JobID     string    `json:"job_id"`
	Name      string    `json:"name"`
	Total     float64   `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

// Collaborator is a (project, user, role) membership row, unique on
// (project, user).
type Collaborator struct {
	ProjectID  string     `json:"project_id"`
	UserID     string     `json:"user_id"`
	Role       string     `json:"role"`
	InviterID  string     `json:"inviter_id,omitempty"`
	InvitedAt  time.Time  `json:"invited_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
}

// Invitation stores only the SHA-256 hash of its token; the token
// itself is returned once to the inviter.
type Invitation struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	TokenHash string    `json:"-"`
	Status    string    `json:"status"`
	InviterID string    `json:"inviter_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Comment is a project-scoped note.
type Comment struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Activity is an append-only project audit record with a JSON payload.
type Activity struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	ActorID   string    `json:"actor_id"`
	Action    string    `json:"action"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is a per-user event record with a JSON payload.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ProjectID string    `json:"project_id,omitempty"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
