package engine

import (
	"context"
	"database/sql"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/currency"

	"engageline/internal/domain"
	"engageline/internal/engine/auth"
	"engageline/internal/errs"
	"engageline/internal/events"
	"engageline/internal/repo"
)

type SubmitInput struct {
	Title         string
	Description   string
	Questionnaire map[string]any
}

// Submit creates a pending project owned by the submitting client.
func (e Engine) Submit(ctx context.Context, actor domain.Actor, in SubmitInput) (domain.Project, error) {
	if err := auth.Check(actor, auth.ProjectSubmit, auth.Ownership{}); err != nil {
		return domain.Project{}, err
	}
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if in.Title == "" {
		return domain.Project{}, validation("title", "title is required")
	}
	if in.Description == "" {
		return domain.Project{}, validation("description", "description is required")
	}
	if len(in.Questionnaire) == 0 {
		return domain.Project{}, validation("questionnaire", "questionnaire must have at least one answer")
	}
	now := e.now()
	p := domain.Project{
		ID:            domain.ProjectID(uuid.NewString()),
		ClientID:      actor.ID,
		Title:         in.Title,
		Description:   in.Description,
		Questionnaire: in.Questionnaire,
		Status:        domain.ProjectPending,
		PaymentStatus: domain.PaymentPending,
		Tasks:         []domain.TaskID{},
		Deliverables:  []domain.Deliverable{},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := e.attempt(ctx, "engine.Submit", func(ctx context.Context) error {
		return e.inTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.EnsureActor(ctx, tx, domain.ActorProfile{ID: actor.ID, Role: actor.Role, CreatedAt: now}); err != nil {
				return err
			}
			if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, events.ProjectSubmitted, string(p.ID), "project", string(p.ID), string(actor.ID),
				events.EventPayload{"title": p.Title, "client_id": p.ClientID})
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// DefaultCurrency prices a project when the reviewer names no currency.
const DefaultCurrency = "USD"

// Review prices a pending project.
func (e Engine) Review(ctx context.Context, actor domain.Actor, id domain.ProjectID, pricing domain.Pricing) (domain.Project, error) {
	if err := auth.Check(actor, auth.ProjectReview, auth.Ownership{}); err != nil {
		return domain.Project{}, err
	}
	if math.IsNaN(pricing.Amount) || math.IsInf(pricing.Amount, 0) || pricing.Amount < 0 {
		return domain.Project{}, validation("amount", "amount must be a non-negative number")
	}
	code := strings.TrimSpace(pricing.Currency)
	if code == "" {
		code = DefaultCurrency
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return domain.Project{}, validation("currency", "currency must be an ISO 4217 code")
	}
	pricing.Currency = unit.String()
	pricing.Notes = strings.TrimSpace(pricing.Notes)
	return e.mutateProject(ctx, "engine.Review", id, actor, func(_ context.Context, _ *sql.Tx, p domain.Project, now time.Time) (domain.Project, []event, error) {
		if err := ensureProjectTransition(p.Status, domain.ProjectReviewed); err != nil {
			return p, nil, err
		}
		next := p.Apply(now, func(p *domain.Project) {
			p.Status = domain.ProjectReviewed
			p.Pricing = &pricing
		})
		return next, []event{{events.ProjectReviewed, events.EventPayload{"amount": pricing.Amount, "currency": pricing.Currency}}}, nil
	})
}

// AssignContractor records the contractor for a project. It never changes the
// project status; a project with pricing and a contractor becomes eligible for
// contract generation.
func (e Engine) AssignContractor(ctx context.Context, actor domain.Actor, id domain.ProjectID, contractorID domain.ActorID) (domain.Project, error) {
	if err := auth.Check(actor, auth.ProjectAssign, auth.Ownership{}); err != nil {
		return domain.Project{}, err
	}
	profile, err := e.Repo.GetActor(ctx, e.DB, contractorID)
	if err != nil {
		return domain.Project{}, storeErr(err, "actor "+string(contractorID))
	}
	if profile.Role != domain.RoleContractor {
		return domain.Project{}, validation("contractor_id", "actor "+string(contractorID)+" is not a contractor")
	}
	return e.mutateProject(ctx, "engine.AssignContractor", id, actor, func(ctx context.Context, tx *sql.Tx, p domain.Project, now time.Time) (domain.Project, []event, error) {
		if p.Status.Terminal() {
			return p, nil, invalidTransition("project is %s", p.Status)
		}
		if p.ContractorID == contractorID {
			return p, nil, nil
		}
		active, err := e.activeContract(ctx, tx, p.ID)
		if err != nil {
			return p, nil, err
		}
		if active != nil {
			return p, nil, precondition("project has an active contract %s; reject it before reassigning", active.ID)
		}
		next := p.Apply(now, func(p *domain.Project) { p.ContractorID = contractorID })
		return next, []event{{events.ProjectContractorAssigned, events.EventPayload{"contractor_id": contractorID}}}, nil
	})
}

// MarkAwaitingPayment moves a reviewed project whose contract is fully signed
// to awaiting_payment. Calling it again once awaiting_payment is a no-op. When
// payment already arrived the project continues straight to in_progress.
func (e Engine) MarkAwaitingPayment(ctx context.Context, id domain.ProjectID) (domain.Project, error) {
	return e.mutateProject(ctx, "engine.MarkAwaitingPayment", id, domain.Actor{}, func(ctx context.Context, tx *sql.Tx, p domain.Project, now time.Time) (domain.Project, []event, error) {
		active, err := e.activeContract(ctx, tx, p.ID)
		if err != nil {
			return p, nil, err
		}
		return awaitingPaymentStep(p, active, now)
	})
}

func awaitingPaymentStep(p domain.Project, active *domain.Contract, now time.Time) (domain.Project, []event, error) {
	if p.Status == domain.ProjectAwaitingPayment {
		return p, nil, nil
	}
	if active == nil || active.Status != domain.ContractSigned {
		return p, nil, invalidTransition("project %s has no signed contract", p.ID)
	}
	if err := ensureProjectTransition(p.Status, domain.ProjectAwaitingPayment); err != nil {
		return p, nil, err
	}
	evts := []event{{events.ProjectAwaitingPayment, events.EventPayload{"contract_id": active.ID}}}
	next := p.Apply(now, func(p *domain.Project) { p.Status = domain.ProjectAwaitingPayment })
	if p.PaymentStatus == domain.PaymentPaid {
		next = next.Apply(now, func(p *domain.Project) { p.Status = domain.ProjectInProgress })
		evts = append(evts, event{events.ProjectInProgress, events.EventPayload{"reason": "payment received before signing"}})
	}
	return next, evts, nil
}

type PaymentInput struct {
	ProjectID domain.ProjectID
	Token     string
	Provider  string
	Outcome   domain.PaymentOutcome
}

type PaymentResult struct {
	Project domain.Project
	// Applied is false when Token was seen before and nothing changed.
	Applied bool
}

// RecordPayment applies a provider outcome exactly once per token. A success
// marks the project paid and starts it when it is awaiting payment; in any
// other status the payment is recorded without a transition. A failure never
// downgrades a paid project.
func (e Engine) RecordPayment(ctx context.Context, in PaymentInput) (PaymentResult, error) {
	in.Token = strings.TrimSpace(in.Token)
	if in.Token == "" {
		return PaymentResult{}, validation("token", "payment token is required")
	}
	if in.Outcome != domain.OutcomeSucceeded && in.Outcome != domain.OutcomeFailed {
		return PaymentResult{}, validation("outcome", "outcome must be succeeded or failed")
	}
	var out PaymentResult
	err := e.attempt(ctx, "engine.RecordPayment", func(ctx context.Context) error {
		p, err := e.Repo.GetProject(ctx, in.ProjectID)
		if err != nil {
			return storeErr(err, "project "+string(in.ProjectID))
		}
		return e.inTx(ctx, func(tx *sql.Tx) error {
			now := e.now()
			fresh, err := e.Repo.InsertPaymentRecord(ctx, tx, domain.PaymentRecord{
				ProjectID: p.ID, Token: in.Token, Provider: in.Provider, Outcome: in.Outcome, ReceivedAt: now,
			})
			if err != nil {
				return err
			}
			if !fresh {
				out = PaymentResult{Project: p}
				return nil
			}
			next, evts := paymentStep(p, in, now)
			if next.Status == p.Status {
				e.logf("payment %s for project %s (%s) recorded without status change", in.Token, p.ID, p.Status)
			}
			if next.UpdatedAt.Equal(p.UpdatedAt) {
				out = PaymentResult{Project: p, Applied: true}
				return e.appendProjectEvents(ctx, tx, p, "", evts)
			}
			saved, err := e.saveProject(ctx, tx, next)
			if err != nil {
				return err
			}
			out = PaymentResult{Project: saved, Applied: true}
			return e.appendProjectEvents(ctx, tx, saved, "", evts)
		})
	})
	return out, err
}

func paymentStep(p domain.Project, in PaymentInput, now time.Time) (domain.Project, []event) {
	payload := events.EventPayload{"token": in.Token, "outcome": in.Outcome, "provider": in.Provider}
	switch {
	case in.Outcome == domain.OutcomeFailed && p.PaymentStatus == domain.PaymentPaid:
		payload["reason"] = "project already paid"
		return p, []event{{events.PaymentNoop, payload}}
	case in.Outcome == domain.OutcomeFailed:
		if p.PaymentStatus == domain.PaymentFailed {
			return p, []event{{events.PaymentRecorded, payload}}
		}
		return p.Apply(now, func(p *domain.Project) { p.PaymentStatus = domain.PaymentFailed }), []event{{events.PaymentRecorded, payload}}
	case p.Status == domain.ProjectAwaitingPayment:
		next := p.Apply(now, func(p *domain.Project) {
			p.PaymentStatus = domain.PaymentPaid
			p.Status = domain.ProjectInProgress
		})
		return next, []event{{events.PaymentRecorded, payload}, {events.ProjectInProgress, events.EventPayload{"token": in.Token}}}
	case p.Status.Terminal():
		next := p
		if p.PaymentStatus != domain.PaymentPaid {
			next = p.Apply(now, func(p *domain.Project) { p.PaymentStatus = domain.PaymentPaid })
		}
		return next, []event{{events.PaymentRecorded, payload}, {events.PaymentNoop, events.EventPayload{"token": in.Token, "reason": "project is " + string(p.Status)}}}
	case p.PaymentStatus == domain.PaymentPaid:
		return p, []event{{events.PaymentRecorded, payload}}
	default:
		return p.Apply(now, func(p *domain.Project) { p.PaymentStatus = domain.PaymentPaid }), []event{{events.PaymentRecorded, payload}}
	}
}

// Cancel ends a project from any non-terminal status.
func (e Engine) Cancel(ctx context.Context, actor domain.Actor, id domain.ProjectID, reason string) (domain.Project, error) {
	reason = strings.TrimSpace(reason)
	return e.mutateProject(ctx, "engine.Cancel", id, actor, func(_ context.Context, _ *sql.Tx, p domain.Project, now time.Time) (domain.Project, []event, error) {
		if err := auth.Check(actor, auth.ProjectCancel, ownership(p)); err != nil {
			return p, nil, err
		}
		if err := ensureProjectTransition(p.Status, domain.ProjectCancelled); err != nil {
			return p, nil, err
		}
		next := p.Apply(now, func(p *domain.Project) {
			p.Status = domain.ProjectCancelled
			p.CancelReason = reason
		})
		return next, []event{{events.ProjectCancelled, events.EventPayload{"from": p.Status, "reason": reason}}}, nil
	})
}

// Complete closes an in-progress project once none of its tasks is open.
func (e Engine) Complete(ctx context.Context, actor domain.Actor, id domain.ProjectID) (domain.Project, error) {
	if err := auth.Check(actor, auth.ProjectComplete, auth.Ownership{}); err != nil {
		return domain.Project{}, err
	}
	return e.mutateProject(ctx, "engine.Complete", id, actor, func(ctx context.Context, tx *sql.Tx, p domain.Project, now time.Time) (domain.Project, []event, error) {
		if err := ensureProjectTransition(p.Status, domain.ProjectCompleted); err != nil {
			return p, nil, err
		}
		open, err := e.Repo.CountOpenTasks(ctx, tx, p.ID)
		if err != nil {
			return p, nil, err
		}
		if open > 0 {
			return p, nil, errs.WithMetadata(errs.KindPreconditionFailed, "project has open tasks",
				map[string]string{"open_tasks": strconv.Itoa(open)})
		}
		next := p.Apply(now, func(p *domain.Project) { p.Status = domain.ProjectCompleted })
		return next, []event{{events.ProjectCompleted, nil}}, nil
	})
}

// GetProject returns a project visible to actor.
func (e Engine) GetProject(ctx context.Context, actor domain.Actor, id domain.ProjectID) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, storeErr(err, "project "+string(id))
	}
	if err := auth.Check(actor, auth.ProjectRead, ownership(p)); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ListProjects returns the projects actor may read, newest first.
func (e Engine) ListProjects(ctx context.Context, actor domain.Actor) ([]domain.Project, error) {
	if actor.ID == "" || !actor.Role.Valid() {
		return nil, auth.Check(actor, auth.ProjectRead, auth.Ownership{})
	}
	var f repo.ProjectFilter
	switch actor.Role {
	case domain.RoleClient:
		f.ClientID = actor.ID
	case domain.RoleContractor:
		f.ContractorID = actor.ID
	}
	return e.Repo.ListProjects(ctx, f)
}

type PaymentView struct {
	ProjectID     domain.ProjectID       `json:"project_id"`
	PaymentStatus domain.PaymentStatus   `json:"payment_status"`
	Pricing       *domain.Pricing        `json:"pricing,omitempty"`
	Records       []domain.PaymentRecord `json:"records"`
}

// PaymentStatus reports the payment state of a project with its applied records.
func (e Engine) PaymentStatus(ctx context.Context, actor domain.Actor, id domain.ProjectID) (PaymentView, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return PaymentView{}, storeErr(err, "project "+string(id))
	}
	if err := auth.Check(actor, auth.PaymentRead, ownership(p)); err != nil {
		return PaymentView{}, err
	}
	records, err := e.Repo.ListPaymentRecords(ctx, id)
	if err != nil {
		return PaymentView{}, err
	}
	if records == nil {
		records = []domain.PaymentRecord{}
	}
	return PaymentView{ProjectID: p.ID, PaymentStatus: p.PaymentStatus, Pricing: p.Pricing, Records: records}, nil
}

// ProjectEvents returns the event history of a project visible to actor.
func (e Engine) ProjectEvents(ctx context.Context, actor domain.Actor, id domain.ProjectID) ([]domain.Event, error) {
	if _, err := e.GetProject(ctx, actor, id); err != nil {
		return nil, err
	}
	return e.Repo.ProjectEvents(ctx, id)
}
