package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/skybuild/backend/internal/clock"
)

// querier is satisfied by both *sql.DB and *sql.Tx so the same method
// set serves inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Postgres is the production Store backed by lib/pq.
type Postgres struct {
	db  *sql.DB // nil inside a transaction
	q   querier
	clk clock.Clock
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens a connection pool against dsn and verifies it.
func NewPostgres(dsn string, clk clock.Clock) (*Postgres, error) {
	if clk == nil {
		clk = clock.System{}
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db, q: db, clk: clk}, nil
}

// Close shuts down the pool.
func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure,
// which callers surface as Conflict rather than Internal.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01")
}

// TxDo runs fn in a transaction, retrying up to three times on
// serialization failures.
func (p *Postgres) TxDo(ctx context.Context, fn func(Store) error) error {
	if p.db == nil {
		// Already inside a transaction: run directly.
		return fn(p)
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		txStore := &Postgres{q: tx, clk: p.clk}
		if err := fn(txStore); err != nil {
			tx.Rollback()
			if isSerializationFailure(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

// ---------------------------------------------------------------------------
// Users & credits
// ---------------------------------------------------------------------------

func (p *Postgres) UserInsert(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = p.clk.Now()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, role, email_verified, credits_balance, full_name, verify_code_hash, last_verify_sent, created_at)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Email, u.PasswordHash, u.Role, u.EmailVerified, u.CreditsBalance, u.FullName,
		nullStr(u.VerifyCodeHash), u.LastVerifySent, u.CreatedAt)
	return err
}

const userCols = `id, email, password_hash, role, email_verified, credits_balance, full_name, COALESCE(verify_code_hash,''), last_verify_sent, created_at, deleted_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.EmailVerified,
		&u.CreditsBalance, &u.FullName, &u.VerifyCodeHash, &u.LastVerifySent, &u.CreatedAt, &u.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) UserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(p.q.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (p *Postgres) UserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(p.q.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE email = lower($1) AND deleted_at IS NULL`, email))
}

func (p *Postgres) UserSetVerified(ctx context.Context, id string) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE users SET email_verified = true, verify_code_hash = NULL WHERE id = $1`, id)
	return err
}

func (p *Postgres) UserSetPassword(ctx context.Context, id, passwordHash string) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1`, id, passwordHash)
	return err
}

func (p *Postgres) UserSetVerifyCode(ctx context.Context, id, codeHash string, sentAt time.Time) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE users SET verify_code_hash = $2, last_verify_sent = $3 WHERE id = $1`, id, codeHash, sentAt)
	return err
}

// CreditsDebit is the single conditional-update debit primitive. The
// WHERE clause makes the balance check and the decrement one atomic
// statement, so concurrent debits can never drive a balance negative.
func (p *Postgres) CreditsDebit(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	var balance int64
	err := p.q.QueryRowContext(ctx, `
		UPDATE users SET credits_balance = credits_balance - $2
		WHERE id = $1 AND credits_balance >= $2
		RETURNING credits_balance`, userID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		// Insufficient balance (or missing user): report current.
		err = p.q.QueryRowContext(ctx,
			`SELECT credits_balance FROM users WHERE id = $1`, userID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, fmt.Errorf("user %s not found", userID)
		}
		if err != nil {
			return 0, false, err
		}
		return balance, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (p *Postgres) CreditsCredit(ctx context.Context, userID string, amount int64) (int64, error) {
	var balance int64
	err := p.q.QueryRowContext(ctx, `
		UPDATE users SET credits_balance = credits_balance + $2
		WHERE id = $1
		RETURNING credits_balance`, userID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("user %s not found", userID)
	}
	return balance, err
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

func (p *Postgres) ProjectInsert(ctx context.Context, pr *Project) error {
	if pr.ID == "" {
		pr.ID = uuid.New().String()
	}
	now := p.clk.Now()
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = now
	}
	pr.UpdatedAt = now
	if pr.Status == "" {
		pr.Status = "active"
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, name, description, status, start_date, end_date, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		pr.ID, pr.OwnerID, pr.Name, pr.Description, pr.Status, pr.StartDate, pr.EndDate, pr.CreatedAt, pr.UpdatedAt)
	return err
}

const projectCols = `id, owner_id, name, description, status, start_date, end_date, created_at, updated_at`

func scanProject(row interface{ Scan(...interface{}) error }) (*Project, error) {
	var pr Project
	err := row.Scan(&pr.ID, &pr.OwnerID, &pr.Name, &pr.Description, &pr.Status,
		&pr.StartDate, &pr.EndDate, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (p *Postgres) ProjectByID(ctx context.Context, id string) (*Project, error) {
	return scanProject(p.q.QueryRowContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE id = $1`, id))
}

func (p *Postgres) ProjectUpdate(ctx context.Context, pr *Project) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE projects SET name=$2, description=$3, status=$4, start_date=$5, end_date=$6, updated_at=$7
		WHERE id=$1`,
		pr.ID, pr.Name, pr.Description, pr.Status, pr.StartDate, pr.EndDate, p.clk.Now())
	return err
}

// ProjectDelete relies on ON DELETE CASCADE in the schema.
func (p *Postgres) ProjectDelete(ctx context.Context, id string) error {
	_, err := p.q.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	return err
}

func (p *Postgres) ProjectsByUser(ctx context.Context, userID string) ([]*Project, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+projectCols+` FROM projects
		WHERE owner_id = $1
		   OR id IN (SELECT project_id FROM collaborators WHERE user_id = $1)
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Project
	for rows.Next() {
		pr, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

func (p *Postgres) FileInsert(ctx context.Context, f *File) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = p.clk.Now()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO files (id, project_id, user_id, filename, type, size, checksum, uploaded_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		f.ID, f.ProjectID, f.UserID, f.Filename, f.Type, f.Size, nullStr(f.Checksum), f.UploadedAt, f.CreatedAt)
	return err
}

func (p *Postgres) FileByID(ctx context.Context, id string) (*File, error) {
	var f File
	var checksum sql.NullString
	err := p.q.QueryRowContext(ctx, `
		SELECT id, project_id, user_id, filename, type, size, checksum, uploaded_at, created_at
		FROM files WHERE id = $1`, id).
		Scan(&f.ID, &f.ProjectID, &f.UserID, &f.Filename, &f.Type, &f.Size, &checksum, &f.UploadedAt, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.Checksum = checksum.String
	return &f, nil
}

func (p *Postgres) FileMarkUploaded(ctx context.Context, id string, size int64, checksum string, at time.Time) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE files SET size = $2, checksum = $3, uploaded_at = $4 WHERE id = $1`,
		id, size, checksum, at)
	return err
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func (p *Postgres) JobInsert(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = p.clk.Now()
	}
	if j.Status == "" {
		j.Status = JobQueued
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO jobs (id, project_id, user_id, file_id, status, progress, error_code, price_list_id, supplier_id, created_at, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		j.ID, j.ProjectID, j.UserID, j.FileID, j.Status, j.Progress, nullStr(j.ErrorCode),
		nullStr(j.PriceListID), nullStr(j.SupplierID), j.CreatedAt, j.StartedAt, j.FinishedAt)
	return err
}

const jobCols = `id, project_id, user_id, file_id, status, progress, COALESCE(error_code,''), COALESCE(price_list_id,''), COALESCE(supplier_id,''), created_at, started_at, finished_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.ProjectID, &j.UserID, &j.FileID, &j.Status, &j.Progress,
		&j.ErrorCode, &j.PriceListID, &j.SupplierID, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (p *Postgres) JobByID(ctx context.Context, id string) (*Job, error) {
	return scanJob(p.q.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
}

func (p *Postgres) jobsWhere(ctx context.Context, where string, arg interface{}) ([]*Job, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE `+where+` ORDER BY created_at DESC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) JobsByUser(ctx context.Context, userID string) ([]*Job, error) {
	return p.jobsWhere(ctx, `user_id = $1`, userID)
}

func (p *Postgres) JobsByProject(ctx context.Context, projectID string) ([]*Job, error) {
	return p.jobsWhere(ctx, `project_id = $1`, projectID)
}

// JobUpdateStatus guards the one-way state machine in SQL: a terminal
// row never matches the WHERE clause, so late writers are no-ops.
func (p *Postgres) JobUpdateStatus(ctx context.Context, id, status, errorCode string) error {
	now := p.clk.Now()
	var err error
	switch {
	case status == JobRunning:
		_, err = p.q.ExecContext(ctx, `
			UPDATE jobs SET status=$2, error_code=NULLIF($3,''), started_at=COALESCE(started_at,$4)
			WHERE id=$1 AND status NOT IN ('completed','failed','canceled')`,
			id, status, errorCode, now)
	case JobTerminal(status):
		progress := `progress`
		if status == JobCompleted {
			progress = `100`
		}
		_, err = p.q.ExecContext(ctx, `
			UPDATE jobs SET status=$2, error_code=NULLIF($3,''), finished_at=$4, progress=`+progress+`
			WHERE id=$1 AND status NOT IN ('completed','failed','canceled')`,
			id, status, errorCode, now)
	default:
		_, err = p.q.ExecContext(ctx, `
			UPDATE jobs SET status=$2, error_code=NULLIF($3,'')
			WHERE id=$1 AND status NOT IN ('completed','failed','canceled')`,
			id, status, errorCode)
	}
	return err
}

func (p *Postgres) JobSetProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := p.q.ExecContext(ctx, `
		UPDATE jobs SET progress=$2
		WHERE id=$1 AND status NOT IN ('completed','failed','canceled')`, id, progress)
	return err
}

func (p *Postgres) JobEventAppend(ctx context.Context, jobID, stage, message, details string) (*JobEvent, error) {
	ev := &JobEvent{
		ID:      uuid.New().String(),
		JobID:   jobID,
		Ts:      p.clk.Now(),
		Stage:   stage,
		Message: message,
		Details: details,
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO job_events (id, job_id, ts, stage, message, details)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''))`,
		ev.ID, ev.JobID, ev.Ts, ev.Stage, ev.Message, ev.Details)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (p *Postgres) JobEventsByJob(ctx context.Context, jobID string) ([]*JobEvent, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, job_id, ts, stage, message, COALESCE(details,'')
		FROM job_events WHERE job_id = $1 ORDER BY ts ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*JobEvent
	for rows.Next() {
		var ev JobEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Ts, &ev.Stage, &ev.Message, &ev.Details); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// BoQ items & revisions
// ---------------------------------------------------------------------------

const boqCols = `id, job_id, COALESCE(code,''), description, unit, qty, COALESCE(mapped_price_item_id,''), allowance_amount, unit_price, total_price, COALESCE(source_ref,''), created_at, updated_at`

func scanBoqItem(row interface{ Scan(...interface{}) error }) (*BoqItem, error) {
	var it BoqItem
	err := row.Scan(&it.ID, &it.JobID, &it.Code, &it.Description, &it.Unit, &it.Qty,
		&it.MappedPriceItemID, &it.Allowance, &it.UnitPrice, &it.TotalPrice,
		&it.SourceRef, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (p *Postgres) BoqItemsInsert(ctx context.Context, items []*BoqItem) error {
	now := p.clk.Now()
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		if it.UpdatedAt.IsZero() {
			it.UpdatedAt = now
		}
		_, err := p.q.ExecContext(ctx, `
			INSERT INTO boq_items (id, job_id, code, description, unit, qty, mapped_price_item_id, allowance_amount, unit_price, total_price, source_ref, created_at, updated_at)
			VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,NULLIF($7,''),$8,$9,$10,NULLIF($11,''),$12,$13)`,
			it.ID, it.JobID, it.Code, it.Description, it.Unit, it.Qty, it.MappedPriceItemID,
			it.Allowance, it.UnitPrice, it.TotalPrice, it.SourceRef, it.CreatedAt, it.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) BoqItemByID(ctx context.Context, id string) (*BoqItem, error) {
	return scanBoqItem(p.q.QueryRowContext(ctx, `SELECT `+boqCols+` FROM boq_items WHERE id = $1`, id))
}

func (p *Postgres) BoqItemsByJob(ctx context.Context, jobID string) ([]*BoqItem, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT `+boqCols+` FROM boq_items WHERE job_id = $1 ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BoqItem
	for rows.Next() {
		it, err := scanBoqItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// BoqItemUpdateIf performs the optimistic conditional write: the UPDATE
// only matches when the stored updated_at is within one second of the
// caller's token. On a miss the current row comes back for conflict
// classification.
func (p *Postgres) BoqItemUpdateIf(ctx context.Context, id string, expectedUpdatedAt *time.Time, patch BoqItemPatch) (*BoqItem, bool, error) {
	now := p.clk.Now()
	guard := ``
	args := []interface{}{
		id, now,
		patch.Code, patch.Description, patch.Unit, patch.Qty,
		patch.Allowance, patch.UnitPrice, patch.TotalPrice, patch.MappedPriceItemID,
	}
	if expectedUpdatedAt != nil {
		guard = ` AND abs(extract(epoch FROM (updated_at - $11))) <= 1`
		args = append(args, *expectedUpdatedAt)
	}
	row := p.q.QueryRowContext(ctx, `
		UPDATE boq_items SET
			code                 = COALESCE($3, code),
			description          = COALESCE($4, description),
			unit                 = COALESCE($5, unit),
			qty                  = COALESCE($6, qty),
			allowance_amount     = COALESCE($7, allowance_amount),
			unit_price           = COALESCE($8, unit_price),
			total_price          = COALESCE($9, total_price),
			mapped_price_item_id = COALESCE($10, mapped_price_item_id),
			updated_at           = $2
		WHERE id = $1`+guard+`
		RETURNING `+boqCols, args...)
	it, err := scanBoqItem(row)
	if err != nil {
		return nil, false, err
	}
	if it != nil {
		return it, true, nil
	}
	// No match: absent row or stale token. Return current state.
	cur, err := p.BoqItemByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

func (p *Postgres) RevisionAppend(ctx context.Context, itemID, actorID, changesJSON string) (*Revision, error) {
	rev := &Revision{
		ID:        uuid.New().String(),
		BoqItemID: itemID,
		ActorID:   actorID,
		Changes:   changesJSON,
		CreatedAt: p.clk.Now(),
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO boq_revisions (id, boq_item_id, actor_id, changes, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		rev.ID, rev.BoqItemID, rev.ActorID, rev.Changes, rev.CreatedAt)
	if err != nil {
		return nil, err
	}
	return rev, nil
}

func (p *Postgres) RevisionsByItem(ctx context.Context, itemID string) ([]*Revision, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, boq_item_id, actor_id, changes, created_at
		FROM boq_revisions WHERE boq_item_id = $1 ORDER BY created_at ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Revision
	for rows.Next() {
		var r Revision
		if err := rows.Scan(&r.ID, &r.BoqItemID, &r.ActorID, &r.Changes, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

func (p *Postgres) ArtifactInsert(ctx context.Context, a *Artifact) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = p.clk.Now()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO artifacts (id, job_id, kind, path, size, checksum, created_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7)`,
		a.ID, a.JobID, a.Kind, a.Path, a.Size, a.Checksum, a.CreatedAt)
	return err
}

func (p *Postgres) ArtifactByID(ctx context.Context, id string) (*Artifact, error) {
	var a Artifact
	var checksum sql.NullString
	err := p.q.QueryRowContext(ctx, `
		SELECT id, job_id, kind, path, size, checksum, created_at
		FROM artifacts WHERE id = $1`, id).
		Scan(&a.ID, &a.JobID, &a.Kind, &a.Path, &a.Size, &checksum, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Checksum = checksum.String
	return &a, nil
}

func (p *Postgres) ArtifactsByJob(ctx context.Context, jobID string) ([]*Artifact, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, job_id, kind, path, size, COALESCE(checksum,''), created_at
		FROM artifacts WHERE job_id = $1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.JobID, &a.Kind, &a.Path, &a.Size, &a.Checksum, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Pricing catalog
// ---------------------------------------------------------------------------

func (p *Postgres) PriceListInsert(ctx context.Context, pl *PriceList) error {
	if pl.ID == "" {
		pl.ID = uuid.New().String()
	}
	if pl.CreatedAt.IsZero() {
		pl.CreatedAt = p.clk.Now()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO price_lists (id, name, is_active, effective_from, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		pl.ID, pl.Name, pl.IsActive, pl.EffectiveFrom, pl.CreatedAt)
	return err
}

func scanPriceList(row interface{ Scan(...interface{}) error }) (*PriceList, error) {
	var pl PriceList
	err := row.Scan(&pl.ID, &pl.Name, &pl.IsActive, &pl.EffectiveFrom, &pl.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pl, nil
}

func (p *Postgres) PriceListByID(ctx context.Context, id string) (*PriceList, error) {
	return scanPriceList(p.q.QueryRowContext(ctx,
		`SELECT id, name, is_active, effective_from, created_at FROM price_lists WHERE id = $1`, id))
}

func (p *Postgres) ActivePriceList(ctx context.Context) (*PriceList, error) {
	return scanPriceList(p.q.QueryRowContext(ctx, `
		SELECT id, name, is_active, effective_from, created_at
		FROM price_lists WHERE is_active
		ORDER BY effective_from DESC NULLS LAST LIMIT 1`))
}

func (p *Postgres) PriceItemsInsert(ctx context.Context, items []*PriceItem) error {
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		_, err := p.q.ExecContext(ctx, `
			INSERT INTO price_items (id, price_list_id, code, description, unit, rate)
			VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6)`,
			it.ID, it.PriceListID, it.Code, it.Description, it.Unit, it.Rate)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) PriceItemsByList(ctx context.Context, priceListID string) ([]*PriceItem, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, price_list_id, code, COALESCE(description,''), COALESCE(unit,''), rate
		FROM price_items WHERE price_list_id = $1 ORDER BY code ASC`, priceListID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PriceItem
	for rows.Next() {
		var it PriceItem
		if err := rows.Scan(&it.ID, &it.PriceListID, &it.Code, &it.Description, &it.Unit, &it.Rate); err != nil {
			return nil, err
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

func (p *Postgres) PriceItemByID(ctx context.Context, id string) (*PriceItem, error) {
	var it PriceItem
	err := p.q.QueryRowContext(ctx, `
		SELECT id, price_list_id, code, COALESCE(description,''), COALESCE(unit,''), rate
		FROM price_items WHERE id = $1`, id).
		Scan(&it.ID, &it.PriceListID, &it.Code, &it.Description, &it.Unit, &it.Rate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (p *Postgres) SupplierInsert(ctx context.Context, s *Supplier) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = p.clk.Now()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO suppliers (id, name, email, default_price_list_id, created_at)
		VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5)`,
		s.ID, s.Name, s.Email, s.DefaultPriceListID, s.CreatedAt)
	return err
}

func (p *Postgres) SupplierByID(ctx context.Context, id string) (*Supplier, error) {
	var s Supplier
	err := p.q.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(email,''), COALESCE(default_price_list_id,''), created_at
		FROM suppliers WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.Email, &s.DefaultPriceListID, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) SupplierPriceItemsInsert(ctx context.Context, items []*SupplierPriceItem) error {
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		_, err := p.q.ExecContext(ctx, `
			INSERT INTO supplier_price_items (id, supplier_id, code, rate, unit)
			VALUES ($1,$2,$3,$4,NULLIF($5,''))`,
			it.ID, it.SupplierID, it.Code, it.Rate, it.Unit)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) SupplierPriceItems(ctx context.Context, supplierID string) ([]*SupplierPriceItem, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, supplier_id, code, rate, COALESCE(unit,'')
		FROM supplier_price_items WHERE supplier_id = $1 ORDER BY code ASC`, supplierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SupplierPriceItem
	for rows.Next() {
		var it SupplierPriceItem
		if err := rows.Scan(&it.ID, &it.SupplierID, &it.Code, &it.Rate, &it.Unit); err != nil {
			return nil, err
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Templates & estimates
// ---------------------------------------------------------------------------

func (p *Postgres) TemplateInsert(ctx context.Context, t *Template) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = p.clk.Now()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO templates (id, owner_id, name, body, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		t.ID, t.OwnerID, t.Name, t.Body, t.CreatedAt)
	return err
}

func (p *Postgres) TemplatesByOwner(ctx context.Context, ownerID string) ([]*Template, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, owner_id, name, body, created_at
		FROM templates WHERE owner_id = $1 ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Body, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *Postgres) EstimateInsert(ctx context.Context, e *Estimate) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = p.clk.Now()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO estimates (id, project_id, job_id, name, total, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.ProjectID, e.JobID, e.Name, e.Total, e.CreatedAt)
	return err
}

func (p *Postgres) EstimatesByProject(ctx context.Context, projectID string) ([]*Estimate, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, project_id, job_id, name, total, created_at
		FROM estimates WHERE project_id = $1 ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Estimate
	for rows.Next() {
		var e Estimate
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.JobID, &e.Name, &e.Total, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Collaboration
// ---------------------------------------------------------------------------

func (p *Postgres) CollaboratorUpsert(ctx context.Context, c *Collaborator) error {
	if c.InvitedAt.IsZero() {
		c.InvitedAt = p.clk.Now()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO collaborators (project_id, user_id, role, inviter_id, invited_at, accepted_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		c.ProjectID, c.UserID, c.Role, c.InviterID, c.InvitedAt, c.AcceptedAt)
	return err
}

func (p *Postgres) CollaboratorRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := p.q.QueryRowContext(ctx, `
		SELECT 'owner' FROM projects WHERE id = $1 AND owner_id = $2
		UNION ALL
		SELECT role FROM collaborators WHERE project_id = $1 AND user_id = $2
		LIMIT 1`, projectID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return role, err
}

func (p *Postgres) CollaboratorsByProject(ctx context.Context, projectID string) ([]*Collaborator, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT project_id, user_id, role, COALESCE(inviter_id,''), invited_at, accepted_at
		FROM collaborators WHERE project_id = $1 ORDER BY invited_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Collaborator
	for rows.Next() {
		var c Collaborator
		if err := rows.Scan(&c.ProjectID, &c.UserID, &c.Role, &c.InviterID, &c.InvitedAt, &c.AcceptedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (p *Postgres) CollaboratorRemove(ctx context.Context, projectID, userID string) error {
	_, err := p.q.ExecContext(ctx,
		`DELETE FROM collaborators WHERE project_id = $1 AND user_id = $2`, projectID, userID)
	return err
}

func (p *Postgres) InvitationInsert(ctx context.Context, inv *Invitation) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = p.clk.Now()
	}
	if inv.Status == "" {
		inv.Status = InviteStatusPending
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO invitations (id, project_id, email, role, token_hash, status, inviter_id, expires_at, created_at)
		VALUES ($1,$2,lower($3),$4,$5,$6,$7,$8,$9)`,
		inv.ID, inv.ProjectID, inv.Email, inv.Role, inv.TokenHash, inv.Status,
		inv.InviterID, inv.ExpiresAt, inv.CreatedAt)
	return err
}

const inviteCols = `id, project_id, email, role, token_hash, status, inviter_id, expires_at, created_at`

func scanInvitation(row interface{ Scan(...interface{}) error }) (*Invitation, error) {
	var inv Invitation
	err := row.Scan(&inv.ID, &inv.ProjectID, &inv.Email, &inv.Role, &inv.TokenHash,
		&inv.Status, &inv.InviterID, &inv.ExpiresAt, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (p *Postgres) InvitationByTokenHash(ctx context.Context, tokenHash string) (*Invitation, error) {
	return scanInvitation(p.q.QueryRowContext(ctx,
		`SELECT `+inviteCols+` FROM invitations WHERE token_hash = $1`, tokenHash))
}

func (p *Postgres) InvitationPending(ctx context.Context, projectID, email string) (*Invitation, error) {
	return scanInvitation(p.q.QueryRowContext(ctx, `
		SELECT `+inviteCols+` FROM invitations
		WHERE project_id = $1 AND email = lower($2) AND status = 'pending'`, projectID, email))
}

func (p *Postgres) InvitationsByProject(ctx context.Context, projectID string) ([]*Invitation, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT `+inviteCols+` FROM invitations WHERE project_id = $1 ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// InvitationAccept flips pending→accepted and creates the membership
// row in one transaction; the conditional UPDATE makes a second accept
// with the same token a no-match.
func (p *Postgres) InvitationAccept(ctx context.Context, tokenHash, userID string, at time.Time) (*Invitation, error) {
	var accepted *Invitation
	err := p.TxDo(ctx, func(s Store) error {
		tx := s.(*Postgres)
		inv, err := scanInvitation(tx.q.QueryRowContext(ctx, `
			UPDATE invitations SET status = 'accepted'
			WHERE token_hash = $1 AND status = 'pending' AND expires_at >= $2
			RETURNING `+inviteCols, tokenHash, at))
		if err != nil {
			return err
		}
		if inv == nil {
			// Expired pending rows flip to expired so later reads are honest.
			tx.q.ExecContext(ctx, `
				UPDATE invitations SET status = 'expired'
				WHERE token_hash = $1 AND status = 'pending' AND expires_at < $2`, tokenHash, at)
			return nil
		}
		if err := tx.CollaboratorUpsert(ctx, &Collaborator{
			ProjectID:  inv.ProjectID,
			UserID:     userID,
			Role:       inv.Role,
			InviterID:  inv.InviterID,
			InvitedAt:  inv.CreatedAt,
			AcceptedAt: &at,
		}); err != nil {
			return err
		}
		accepted = inv
		return nil
	})
	return accepted, err
}

func (p *Postgres) InvitationRevoke(ctx context.Context, id string) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE invitations SET status = 'revoked' WHERE id = $1 AND status = 'pending'`, id)
	return err
}

// ---------------------------------------------------------------------------
// Comments, activities, notifications
// ---------------------------------------------------------------------------

func (p *Postgres) CommentInsert(ctx context.Context, c *Comment) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := p.clk.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO comments (id, project_id, author_id, body, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.ProjectID, c.AuthorID, c.Body, c.CreatedAt, c.UpdatedAt)
	return err
}

func (p *Postgres) CommentByID(ctx context.Context, id string) (*Comment, error) {
	var c Comment
	err := p.q.QueryRowContext(ctx, `
		SELECT id, project_id, author_id, body, created_at, updated_at
		FROM comments WHERE id = $1`, id).
		Scan(&c.ID, &c.ProjectID, &c.AuthorID, &c.Body, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) CommentUpdate(ctx context.Context, c *Comment) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE comments SET body = $2, updated_at = $3 WHERE id = $1`, c.ID, c.Body, p.clk.Now())
	return err
}

func (p *Postgres) CommentDelete(ctx context.Context, id string) error {
	_, err := p.q.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, id)
	return err
}

func (p *Postgres) CommentsByProject(ctx context.Context, projectID string) ([]*Comment, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, project_id, author_id, body, created_at, updated_at
		FROM comments WHERE project_id = $1 ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.AuthorID, &c.Body, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (p *Postgres) ActivityAppend(ctx context.Context, a *Activity) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = p.clk.Now()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO activities (id, project_id, actor_id, action, payload, created_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),$6)`,
		a.ID, a.ProjectID, a.ActorID, a.Action, a.Payload, a.CreatedAt)
	return err
}

func (p *Postgres) ActivitiesByProject(ctx context.Context, projectID string, limit int) ([]*Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, project_id, actor_id, action, COALESCE(payload,''), created_at
		FROM activities WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.ActorID, &a.Action, &a.Payload, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (p *Postgres) NotificationInsert(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = p.clk.Now()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, project_id, kind, payload, read, created_at)
		VALUES ($1,$2,NULLIF($3,''),$4,NULLIF($5,''),$6,$7)`,
		n.ID, n.UserID, n.ProjectID, n.Kind, n.Payload, n.Read, n.CreatedAt)
	return err
}

func (p *Postgres) NotificationsByUser(ctx context.Context, userID string, unreadOnly bool) ([]*Notification, error) {
	query := `
		SELECT id, user_id, COALESCE(project_id,''), kind, COALESCE(payload,''), read, created_at
		FROM notifications WHERE user_id = $1`
	if unreadOnly {
		query += ` AND NOT read`
	}
	query += ` ORDER BY created_at DESC`
	rows, err := p.q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.ProjectID, &n.Kind, &n.Payload, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (p *Postgres) NotificationsMarkRead(ctx context.Context, userID string, ids []string) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE notifications SET read = true
		WHERE user_id = $1 AND id = ANY($2)`, userID, pq.Array(ids))
	return err
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
