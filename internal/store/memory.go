package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skybuild/backend/internal/clock"
)

// Memory is an in-process Store. It backs the test suite and local
// development when DB_URL is unset. All compound operations lock once,
// so the conditional-update guarantees match the Postgres store.
type Memory struct {
	mu   sync.Mutex
	txMu sync.Mutex
	clk  clock.Clock

	users         map[string]*User
	projects      map[string]*Project
	files         map[string]*File
	jobs          map[string]*Job
	jobEvents     map[string][]*JobEvent
	boqItems      map[string]*BoqItem
	revisions     map[string][]*Revision
	artifacts     map[string]*Artifact
	priceLists    map[string]*PriceList
	priceItems    map[string]*PriceItem
	suppliers     map[string]*Supplier
	supplierItems map[string][]*SupplierPriceItem
	templates     map[string]*Template
	estimates     map[string]*Estimate
	collabs       map[string]*Collaborator // key projectID+"/"+userID
	invitations   map[string]*Invitation
	comments      map[string]*Comment
	activities    map[string][]*Activity
	notifications map[string]*Notification
}

// NewMemory creates an empty in-memory store.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.System{}
	}
	return &Memory{
		clk:           clk,
		users:         make(map[string]*User),
		projects:      make(map[string]*Project),
		files:         make(map[string]*File),
		jobs:          make(map[string]*Job),
		jobEvents:     make(map[string][]*JobEvent),
		boqItems:      make(map[string]*BoqItem),
		revisions:     make(map[string][]*Revision),
		artifacts:     make(map[string]*Artifact),
		priceLists:    make(map[string]*PriceList),
		priceItems:    make(map[string]*PriceItem),
		suppliers:     make(map[string]*Supplier),
		supplierItems: make(map[string][]*SupplierPriceItem),
		templates:     make(map[string]*Template),
		estimates:     make(map[string]*Estimate),
		collabs:       make(map[string]*Collaborator),
		invitations:   make(map[string]*Invitation),
		comments:      make(map[string]*Comment),
		activities:    make(map[string][]*Activity),
		notifications: make(map[string]*Notification),
	}
}

var _ Store = (*Memory)(nil)

func newID() string { return uuid.New().String() }

// TxDo serializes compound mutations against each other. Individual
// methods remain atomic on their own lock.
func (m *Memory) TxDo(ctx context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}

// ---------------------------------------------------------------------------
// Users & credits
// ---------------------------------------------------------------------------

func (m *Memory) UserInsert(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = newID()
	}
	for _, ex := range m.users {
		if strings.EqualFold(ex.Email, u.Email) && ex.DeletedAt == nil {
			return fmt.Errorf("duplicate email %s", u.Email)
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.clk.Now()
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) UserByID(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) UserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) && u.DeletedAt == nil {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) UserSetVerified(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.EmailVerified = true
		u.VerifyCodeHash = ""
	}
	return nil
}

func (m *Memory) UserSetPassword(ctx context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.PasswordHash = passwordHash
	}
	return nil
}

func (m *Memory) UserSetVerifyCode(ctx context.Context, id, codeHash string, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.VerifyCodeHash = codeHash
		t := sentAt
		u.LastVerifySent = &t
	}
	return nil
}

func (m *Memory) CreditsDebit(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, false, fmt.Errorf("user %s not found", userID)
	}
	if u.CreditsBalance < amount {
		return u.CreditsBalance, false, nil
	}
	u.CreditsBalance -= amount
	return u.CreditsBalance, true, nil
}

func (m *Memory) CreditsCredit(ctx context.Context, userID string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, fmt.Errorf("user %s not found", userID)
	}
	u.CreditsBalance += amount
	return u.CreditsBalance, nil
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

func (m *Memory) ProjectInsert(ctx context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = newID()
	}
	now := m.clk.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = "active"
	}
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *Memory) ProjectByID(ctx context.Context, id string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ProjectUpdate(ctx context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.projects[p.ID]
	if !ok {
		return fmt.Errorf("project %s not found", p.ID)
	}
	cp := *p
	cp.CreatedAt = ex.CreatedAt
	cp.UpdatedAt = m.clk.Now()
	m.projects[p.ID] = &cp
	return nil
}

// ProjectDelete cascades project→children: files, jobs with their
// events and BoQ rows, collaborators, invitations, comments and
// activities.
func (m *Memory) ProjectDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, id)
	for fid, f := range m.files {
		if f.ProjectID == id {
			delete(m.files, fid)
		}
	}
	for jid, j := range m.jobs {
		if j.ProjectID != id {
			continue
		}
		delete(m.jobs, jid)
		delete(m.jobEvents, jid)
		for iid, it := range m.boqItems {
			if it.JobID == jid {
				delete(m.boqItems, iid)
				delete(m.revisions, iid)
			}
		}
		for aid, a := range m.artifacts {
			if a.JobID == jid {
				delete(m.artifacts, aid)
			}
		}
	}
	for key, c := range m.collabs {
		if c.ProjectID == id {
			delete(m.collabs, key)
		}
	}
	for iid, inv := range m.invitations {
		if inv.ProjectID == id {
			delete(m.invitations, iid)
		}
	}
	for cid, c := range m.comments {
		if c.ProjectID == id {
			delete(m.comments, cid)
		}
	}
	delete(m.activities, id)
	return nil
}

func (m *Memory) ProjectsByUser(ctx context.Context, userID string) ([]*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Project
	for _, p := range m.projects {
		if p.OwnerID == userID {
			cp := *p
			out = append(out, &cp)
			continue
		}
		if _, ok := m.collabs[p.ID+"/"+userID]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

func (m *Memory) FileInsert(ctx context.Context, f *File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == "" {
		f.ID = newID()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = m.clk.Now()
	}
	cp := *f
	m.files[f.ID] = &cp
	return nil
}

func (m *Memory) FileByID(ctx context.Context, id string) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (m *Memory) FileMarkUploaded(ctx context.Context, id string, size int64, checksum string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return fmt.Errorf("file %s not found", id)
	}
	f.Size = size
	f.Checksum = checksum
	t := at
	f.UploadedAt = &t
	return nil
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func (m *Memory) JobInsert(ctx context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = newID()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = m.clk.Now()
	}
	if j.Status == "" {
		j.Status = JobQueued
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) JobByID(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) JobsByUser(ctx context.Context, userID string) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		if j.UserID == userID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) JobsByProject(ctx context.Context, projectID string) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		if j.ProjectID == projectID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) JobUpdateStatus(ctx context.Context, id, status, errorCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if JobTerminal(j.Status) {
		return nil
	}
	now := m.clk.Now()
	j.Status = status
	j.ErrorCode = errorCode
	if status == JobRunning && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	if JobTerminal(status) {
		t := now
		j.FinishedAt = &t
		if status == JobCompleted {
			j.Progress = 100
		}
	}
	return nil
}

func (m *Memory) JobSetProgress(ctx context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if JobTerminal(j.Status) {
		return nil
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	j.Progress = progress
	return nil
}

func (m *Memory) JobEventAppend(ctx context.Context, jobID, stage, message, details string) (*JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := &JobEvent{
		ID:      newID(),
		JobID:   jobID,
		Ts:      m.clk.Now(),
		Stage:   stage,
		Message: message,
		Details: details,
	}
	m.jobEvents[jobID] = append(m.jobEvents[jobID], ev)
	cp := *ev
	return &cp, nil
}

func (m *Memory) JobEventsByJob(ctx context.Context, jobID string) ([]*JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.jobEvents[jobID]
	out := make([]*JobEvent, len(evs))
	for i, e := range evs {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// BoQ items & revisions
// ---------------------------------------------------------------------------

func (m *Memory) BoqItemsInsert(ctx context.Context, items []*BoqItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	for _, it := range items {
		if it.ID == "" {
			it.ID = newID()
		}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		if it.UpdatedAt.IsZero() {
			it.UpdatedAt = now
		}
		cp := *it
		m.boqItems[it.ID] = &cp
	}
	return nil
}

func (m *Memory) BoqItemByID(ctx context.Context, id string) (*BoqItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.boqItems[id]
	if !ok {
		return nil, nil
	}
	cp := *it
	return &cp, nil
}

func (m *Memory) BoqItemsByJob(ctx context.Context, jobID string) ([]*BoqItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BoqItem
	for _, it := range m.boqItems {
		if it.JobID == jobID {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) BoqItemUpdateIf(ctx context.Context, id string, expectedUpdatedAt *time.Time, patch BoqItemPatch) (*BoqItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.boqItems[id]
	if !ok {
		return nil, false, nil
	}
	if expectedUpdatedAt != nil {
		diff := it.UpdatedAt.Sub(*expectedUpdatedAt)
		if diff < 0 {
			diff = -diff
		}
		if diff > time.Second {
			cp := *it
			return &cp, false, nil
		}
	}
	applyPatch(it, patch)
	it.UpdatedAt = m.clk.Now()
	cp := *it
	return &cp, true, nil
}

func applyPatch(it *BoqItem, p BoqItemPatch) {
	if p.Code != nil {
		it.Code = *p.Code
	}
	if p.Description != nil {
		it.Description = *p.Description
	}
	if p.Unit != nil {
		it.Unit = *p.Unit
	}
	if p.Qty != nil {
		it.Qty = *p.Qty
	}
	if p.Allowance != nil {
		it.Allowance = *p.Allowance
	}
	if p.UnitPrice != nil {
		it.UnitPrice = *p.UnitPrice
	}
	if p.TotalPrice != nil {
		it.TotalPrice = *p.TotalPrice
	}
	if p.MappedPriceItemID != nil {
		it.MappedPriceItemID = *p.MappedPriceItemID
	}
}

func (m *Memory) RevisionAppend(ctx context.Context, itemID, actorID, changesJSON string) (*Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev := &Revision{
		ID:        newID(),
		BoqItemID: itemID,
		ActorID:   actorID,
		Changes:   changesJSON,
		CreatedAt: m.clk.Now(),
	}
	m.revisions[itemID] = append(m.revisions[itemID], rev)
	cp := *rev
	return &cp, nil
}

func (m *Memory) RevisionsByItem(ctx context.Context, itemID string) ([]*Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	revs := m.revisions[itemID]
	out := make([]*Revision, len(revs))
	for i, r := range revs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

func (m *Memory) ArtifactInsert(ctx context.Context, a *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.clk.Now()
	}
	cp := *a
	m.artifacts[a.ID] = &cp
	return nil
}

func (m *Memory) ArtifactByID(ctx context.Context, id string) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ArtifactsByJob(ctx context.Context, jobID string) ([]*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Artifact
	for _, a := range m.artifacts {
		if a.JobID == jobID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Pricing catalog
// ---------------------------------------------------------------------------

func (m *Memory) PriceListInsert(ctx context.Context, pl *PriceList) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pl.ID == "" {
		pl.ID = newID()
	}
	if pl.CreatedAt.IsZero() {
		pl.CreatedAt = m.clk.Now()
	}
	cp := *pl
	m.priceLists[pl.ID] = &cp
	return nil
}

func (m *Memory) PriceListByID(ctx context.Context, id string) (*PriceList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.priceLists[id]
	if !ok {
		return nil, nil
	}
	cp := *pl
	return &cp, nil
}

func (m *Memory) ActivePriceList(ctx context.Context) (*PriceList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *PriceList
	for _, pl := range m.priceLists {
		if !pl.IsActive {
			continue
		}
		if best == nil {
			best = pl
			continue
		}
		// Most recent effective_from wins; nulls last.
		switch {
		case pl.EffectiveFrom == nil:
		case best.EffectiveFrom == nil, pl.EffectiveFrom.After(*best.EffectiveFrom):
			best = pl
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) PriceItemsInsert(ctx context.Context, items []*PriceItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		if it.ID == "" {
			it.ID = newID()
		}
		cp := *it
		m.priceItems[it.ID] = &cp
	}
	return nil
}

func (m *Memory) PriceItemsByList(ctx context.Context, priceListID string) ([]*PriceItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PriceItem
	for _, it := range m.priceItems {
		if it.PriceListID == priceListID {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) PriceItemByID(ctx context.Context, id string) (*PriceItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.priceItems[id]
	if !ok {
		return nil, nil
	}
	cp := *it
	return &cp, nil
}

func (m *Memory) SupplierInsert(ctx context.Context, s *Supplier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = newID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.clk.Now()
	}
	cp := *s
	m.suppliers[s.ID] = &cp
	return nil
}

func (m *Memory) SupplierByID(ctx context.Context, id string) (*Supplier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suppliers[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) SupplierPriceItemsInsert(ctx context.Context, items []*SupplierPriceItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		if it.ID == "" {
			it.ID = newID()
		}
		cp := *it
		m.supplierItems[it.SupplierID] = append(m.supplierItems[it.SupplierID], &cp)
	}
	return nil
}

func (m *Memory) SupplierPriceItems(ctx context.Context, supplierID string) ([]*SupplierPriceItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.supplierItems[supplierID]
	out := make([]*SupplierPriceItem, len(items))
	for i, it := range items {
		cp := *it
		out[i] = &cp
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Templates & estimates
// ---------------------------------------------------------------------------

func (m *Memory) TemplateInsert(ctx context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = newID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.clk.Now()
	}
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

func (m *Memory) TemplatesByOwner(ctx context.Context, ownerID string) ([]*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Template
	for _, t := range m.templates {
		if t.OwnerID == ownerID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) EstimateInsert(ctx context.Context, e *Estimate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.clk.Now()
	}
	cp := *e
	m.estimates[e.ID] = &cp
	return nil
}

func (m *Memory) EstimatesByProject(ctx context.Context, projectID string) ([]*Estimate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Estimate
	for _, e := range m.estimates {
		if e.ProjectID == projectID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Collaboration
// ---------------------------------------------------------------------------

func collabKey(projectID, userID string) string { return projectID + "/" + userID }

func (m *Memory) CollaboratorUpsert(ctx context.Context, c *Collaborator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.InvitedAt.IsZero() {
		c.InvitedAt = m.clk.Now()
	}
	cp := *c
	m.collabs[collabKey(c.ProjectID, c.UserID)] = &cp
	return nil
}

func (m *Memory) CollaboratorRole(ctx context.Context, projectID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projects[projectID]; ok && p.OwnerID == userID {
		return RoleOwner, nil
	}
	if c, ok := m.collabs[collabKey(projectID, userID)]; ok {
		return c.Role, nil
	}
	return "", nil
}

func (m *Memory) CollaboratorsByProject(ctx context.Context, projectID string) ([]*Collaborator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Collaborator
	for _, c := range m.collabs {
		if c.ProjectID == projectID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvitedAt.Before(out[j].InvitedAt) })
	return out, nil
}

func (m *Memory) CollaboratorRemove(ctx context.Context, projectID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collabs, collabKey(projectID, userID))
	return nil
}

func (m *Memory) InvitationInsert(ctx context.Context, inv *Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv.ID == "" {
		inv.ID = newID()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = m.clk.Now()
	}
	if inv.Status == "" {
		inv.Status = InviteStatusPending
	}
	for _, ex := range m.invitations {
		if ex.ProjectID == inv.ProjectID && strings.EqualFold(ex.Email, inv.Email) && ex.Status == InviteStatusPending {
			return fmt.Errorf("duplicate pending invitation for %s", inv.Email)
		}
	}
	cp := *inv
	m.invitations[inv.ID] = &cp
	return nil
}

func (m *Memory) InvitationByTokenHash(ctx context.Context, tokenHash string) (*Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invitations {
		if inv.TokenHash == tokenHash {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) InvitationPending(ctx context.Context, projectID, email string) (*Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invitations {
		if inv.ProjectID == projectID && strings.EqualFold(inv.Email, email) && inv.Status == InviteStatusPending {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) InvitationsByProject(ctx context.Context, projectID string) ([]*Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Invitation
	for _, inv := range m.invitations {
		if inv.ProjectID == projectID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// InvitationAccept marks the pending invitation accepted and creates
// the membership row under one lock, so a second accept with the same
// token observes the non-pending status.
func (m *Memory) InvitationAccept(ctx context.Context, tokenHash, userID string, at time.Time) (*Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var inv *Invitation
	for _, cand := range m.invitations {
		if cand.TokenHash == tokenHash {
			inv = cand
			break
		}
	}
	if inv == nil || inv.Status != InviteStatusPending {
		return nil, nil
	}
	if at.After(inv.ExpiresAt) {
		inv.Status = InviteStatusExpired
		return nil, nil
	}
	inv.Status = InviteStatusAccepted
	t := at
	m.collabs[collabKey(inv.ProjectID, userID)] = &Collaborator{
		ProjectID:  inv.ProjectID,
		UserID:     userID,
		Role:       inv.Role,
		InviterID:  inv.InviterID,
		InvitedAt:  inv.CreatedAt,
		AcceptedAt: &t,
	}
	cp := *inv
	return &cp, nil
}

func (m *Memory) InvitationRevoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.invitations[id]; ok && inv.Status == InviteStatusPending {
		inv.Status = InviteStatusRevoked
	}
	return nil
}

// ---------------------------------------------------------------------------
// Comments, activities, notifications
// ---------------------------------------------------------------------------

func (m *Memory) CommentInsert(ctx context.Context, c *Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = newID()
	}
	now := m.clk.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	m.comments[c.ID] = &cp
	return nil
}

func (m *Memory) CommentByID(ctx context.Context, id string) (*Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) CommentUpdate(ctx context.Context, c *Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.comments[c.ID]
	if !ok {
		return fmt.Errorf("comment %s not found", c.ID)
	}
	ex.Body = c.Body
	ex.UpdatedAt = m.clk.Now()
	return nil
}

func (m *Memory) CommentDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.comments, id)
	return nil
}

func (m *Memory) CommentsByProject(ctx context.Context, projectID string) ([]*Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Comment
	for _, c := range m.comments {
		if c.ProjectID == projectID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ActivityAppend(ctx context.Context, a *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.clk.Now()
	}
	cp := *a
	m.activities[a.ProjectID] = append(m.activities[a.ProjectID], &cp)
	return nil
}

func (m *Memory) ActivitiesByProject(ctx context.Context, projectID string, limit int) ([]*Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acts := m.activities[projectID]
	out := make([]*Activity, 0, len(acts))
	for i := len(acts) - 1; i >= 0; i-- { // newest first
		cp := *acts[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) NotificationInsert(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = newID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.clk.Now()
	}
	cp := *n
	m.notifications[n.ID] = &cp
	return nil
}

func (m *Memory) NotificationsByUser(ctx context.Context, userID string, unreadOnly bool) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.notifications {
		if n.UserID != userID {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) NotificationsMarkRead(ctx context.Context, userID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if n, ok := m.notifications[id]; ok && n.UserID == userID {
			n.Read = true
		}
	}
	return nil
}
