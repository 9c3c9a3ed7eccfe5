package domain

import (
	"fmt"
	"slices"
	"time"
)

type (
	ProjectID  string
	ContractID string
	TaskID     string
	ActorID    string
)

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleClient     Role = "client"
	RoleContractor Role = "contractor"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleClient, RoleContractor:
		return true
	}
	return false
}

// Actor is the authenticated caller as supplied by the access gate.
type Actor struct {
	ID   ActorID `json:"id"`
	Role Role    `json:"role"`
}

type ActorProfile struct {
	ID          ActorID   `json:"id"`
	Role        Role      `json:"role" enum:"admin,client,contractor"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type ProjectStatus string

const (
	ProjectPending         ProjectStatus = "pending"
	ProjectReviewed        ProjectStatus = "reviewed"
	ProjectAwaitingPayment ProjectStatus = "awaiting_payment"
	ProjectInProgress      ProjectStatus = "in_progress"
	ProjectCompleted       ProjectStatus = "completed"
	ProjectCancelled       ProjectStatus = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectCompleted || s == ProjectCancelled
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

type PaymentOutcome string

const (
	OutcomeSucceeded PaymentOutcome = "succeeded"
	OutcomeFailed    PaymentOutcome = "failed"
)

type ContractStatus string

const (
	ContractPending  ContractStatus = "pending"
	ContractSent     ContractStatus = "sent"
	ContractSigned   ContractStatus = "signed"
	ContractRejected ContractStatus = "rejected"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

type Pricing struct {
	Amount   float64 `json:"amount" minimum:"0"`
	Currency string  `json:"currency" example:"USD"`
	Notes    string  `json:"notes,omitempty"`
}

type Deliverable struct {
	Name        string    `json:"name"`
	FileURL     string    `json:"file_url"`
	SubmittedAt time.Time `json:"submitted_at"`
	Approved    *bool     `json:"approved,omitempty"`
}

type Project struct {
	ID            ProjectID      `json:"id"`
	ClientID      ActorID        `json:"client_id"`
	ContractorID  ActorID        `json:"contractor_id,omitempty"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Questionnaire map[string]any `json:"questionnaire"`
	Status        ProjectStatus  `json:"status" enum:"pending,reviewed,awaiting_payment,in_progress,completed,cancelled"`
	Pricing       *Pricing       `json:"pricing,omitempty"`
	PaymentStatus PaymentStatus  `json:"payment_status" enum:"pending,paid,failed"`
	ContractID    ContractID     `json:"contract_id,omitempty"`
	Tasks         []TaskID       `json:"tasks"`
	Deliverables  []Deliverable  `json:"deliverables"`
	CancelReason  string         `json:"cancel_reason,omitempty"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Apply returns a copy of p with mutate applied and UpdatedAt stamped. It is the
// only path by which a Project changes; callers persist the returned value.
func (p Project) Apply(now time.Time, mutate func(*Project)) Project {
	next := p
	next.Tasks = slices.Clone(p.Tasks)
	next.Deliverables = slices.Clone(p.Deliverables)
	mutate(&next)
	next.UpdatedAt = stamp(p.UpdatedAt, now)
	return next
}

// Consistent checks the cross-entity invariants of p against its active contract
// (nil when p has none).
func (p Project) Consistent(active *Contract) error {
	signed := active != nil && active.Status == ContractSigned
	switch p.Status {
	case ProjectInProgress:
		if p.PaymentStatus != PaymentPaid {
			return fmt.Errorf("project %s in_progress with payment %s", p.ID, p.PaymentStatus)
		}
		if !signed {
			return fmt.Errorf("project %s in_progress without signed contract", p.ID)
		}
	case ProjectAwaitingPayment:
		if !signed {
			return fmt.Errorf("project %s awaiting_payment without signed contract", p.ID)
		}
		if p.PaymentStatus == PaymentPaid {
			return fmt.Errorf("project %s awaiting_payment but already paid", p.ID)
		}
	}
	if active != nil && active.ProjectID != p.ID {
		return fmt.Errorf("contract %s does not belong to project %s", active.ID, p.ID)
	}
	return nil
}

type Signature struct {
	UserID    ActorID   `json:"user_id"`
	SignedAt  time.Time `json:"signed_at"`
	Signature string    `json:"signature"`
}

type Contract struct {
	ID           ContractID     `json:"id"`
	ProjectID    ProjectID      `json:"project_id"`
	ClientID     ActorID        `json:"client_id"`
	ContractorID ActorID        `json:"contractor_id"`
	Status       ContractStatus `json:"status" enum:"pending,sent,signed,rejected"`
	FileRef      string         `json:"file_ref"`
	SignedBy     []Signature    `json:"signed_by"`
	RejectReason string         `json:"reject_reason,omitempty"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (c Contract) Apply(now time.Time, mutate func(*Contract)) Contract {
	next := c
	next.SignedBy = slices.Clone(c.SignedBy)
	mutate(&next)
	next.UpdatedAt = stamp(c.UpdatedAt, now)
	return next
}

func (c Contract) SignedByActor(id ActorID) bool {
	for _, s := range c.SignedBy {
		if s.UserID == id {
			return true
		}
	}
	return false
}

// FullySigned reports whether both parties appear in SignedBy.
func (c Contract) FullySigned() bool {
	return c.SignedByActor(c.ClientID) && c.SignedByActor(c.ContractorID)
}

// Party reports whether id is the client or the contractor of c.
func (c Contract) Party(id ActorID) bool {
	return id != "" && (id == c.ClientID || id == c.ContractorID)
}

type Task struct {
	ID          TaskID     `json:"id"`
	ProjectID   ProjectID  `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	AssigneeID  ActorID    `json:"assignee_id,omitempty"`
	Status      TaskStatus `json:"status" enum:"pending,in_progress,completed"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (t Task) Apply(now time.Time, mutate func(*Task)) Task {
	next := t
	mutate(&next)
	next.UpdatedAt = stamp(t.UpdatedAt, now)
	return next
}

// PaymentRecord is one applied provider event, keyed by (ProjectID, Token).
type PaymentRecord struct {
	ProjectID  ProjectID      `json:"project_id"`
	Token      string         `json:"token"`
	Provider   string         `json:"provider"`
	Outcome    PaymentOutcome `json:"outcome"`
	ReceivedAt time.Time      `json:"received_at"`
}

// ReconciliationItem is a verified payment event whose application failed and
// needs manual follow-up.
type ReconciliationItem struct {
	ID         int64          `json:"id"`
	ProjectID  ProjectID      `json:"project_id,omitempty"`
	Token      string         `json:"token"`
	Outcome    PaymentOutcome `json:"outcome,omitempty"`
	Reason     string         `json:"reason"`
	Payload    string         `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string    `json:"id"`
	ActorID   ActorID   `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// stamp returns now, or one nanosecond past prev when the clock has not advanced,
// so UpdatedAt is strictly increasing per record.
func stamp(prev, now time.Time) time.Time {
	now = now.UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}
