// Package payments turns inbound payment-provider webhooks into idempotent
// payment records on projects.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"engageline/internal/domain"
	"engageline/internal/engine"
	"engageline/internal/engine/auth"
	"engageline/internal/errs"
	"engageline/internal/repo"
)

type Result string

const (
	Accepted Result = "accepted"
	Rejected Result = "rejected"
)

const (
	eventSucceeded = "payment_intent.succeeded"
	eventFailed    = "payment_intent.payment_failed"
)

// Recorder applies a payment outcome to a project. engine.Engine implements it.
type Recorder interface {
	RecordPayment(ctx context.Context, in engine.PaymentInput) (engine.PaymentResult, error)
}

// Reconciler verifies webhooks and hands their outcomes to a Recorder. Once a
// signature verifies, the delivery is always acknowledged; failures to apply it
// go to the reconciliation queue instead of back to the provider.
type Reconciler struct {
	Payments Recorder
	Repo     repo.Repo
	Verifier Verifier
	Secret   string
	Logger   *log.Logger
	Tracer   trace.Tracer
	Now      func() time.Time
}

func NewReconciler(payments Recorder, r repo.Repo, v Verifier, secret string) *Reconciler {
	return &Reconciler{
		Payments: payments,
		Repo:     r,
		Verifier: v,
		Secret:   secret,
		Logger:   log.New(os.Stderr, "payments: ", log.LstdFlags),
		Tracer:   otel.Tracer("engageline/payments"),
		Now:      time.Now,
	}
}

type providerEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}

func (r *Reconciler) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return otel.Tracer("engageline/payments")
}

// HandleEvent processes one delivery. It returns Rejected with a validation
// error when the signature does not verify and Accepted otherwise.
func (r *Reconciler) HandleEvent(ctx context.Context, headers http.Header, body []byte) (Result, error) {
	ctx, span := r.tracer().Start(ctx, "payments.HandleEvent")
	defer span.End()
	if r.Verifier == nil {
		return Rejected, errs.New(errs.KindInternal, "no webhook verifier configured")
	}
	v, err := r.Verifier.Verify(headers, body, r.now(), r.Secret)
	if err != nil {
		r.logf("webhook verification error: %v", err)
		return Rejected, errs.Wrap(errs.KindValidation, "webhook could not be verified", err)
	}
	if !v.Valid {
		span.SetAttributes(attribute.String("webhook.reject_reason", v.Reason))
		return Rejected, errs.WithMetadata(errs.KindValidation, "invalid webhook signature", map[string]string{"reason": v.Reason})
	}

	var evt providerEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		r.enqueue(ctx, domain.ReconciliationItem{Reason: "malformed payload: " + err.Error(), Payload: string(body)})
		return Accepted, nil
	}
	span.SetAttributes(attribute.String("webhook.event_type", evt.Type), attribute.String("webhook.event_id", evt.ID))
	var outcome domain.PaymentOutcome
	switch evt.Type {
	case eventSucceeded:
		outcome = domain.OutcomeSucceeded
	case eventFailed:
		outcome = domain.OutcomeFailed
	default:
		r.logf("ignoring webhook %s of type %q", evt.ID, evt.Type)
		return Accepted, nil
	}
	token := strings.TrimSpace(evt.ID)
	if token == "" {
		token = strings.TrimSpace(evt.Data.Object.ID)
	}
	item := domain.ReconciliationItem{
		ProjectID: domain.ProjectID(strings.TrimSpace(evt.Data.Object.Metadata[MetadataProjectID])),
		Token:     token,
		Outcome:   outcome,
		Payload:   string(body),
	}
	if item.ProjectID == "" || token == "" {
		item.Reason = "event has no project id or token"
		r.enqueue(ctx, item)
		return Accepted, nil
	}
	res, err := r.Payments.RecordPayment(ctx, engine.PaymentInput{
		ProjectID: item.ProjectID,
		Token:     token,
		Provider:  r.Verifier.Provider(),
		Outcome:   outcome,
	})
	if err != nil {
		item.Reason = err.Error()
		r.enqueue(ctx, item)
		return Accepted, nil
	}
	if !res.Applied {
		r.logf("duplicate webhook %s for project %s ignored", token, item.ProjectID)
	}
	return Accepted, nil
}

func (r *Reconciler) enqueue(ctx context.Context, item domain.ReconciliationItem) {
	item.CreatedAt = r.now()
	id, err := r.Repo.InsertReconciliation(context.WithoutCancel(ctx), item)
	if err != nil {
		r.logf("could not queue payment %q for reconciliation (%s): %v", item.Token, item.Reason, err)
		return
	}
	r.logf("payment %q for project %q queued for reconciliation as #%d: %s", item.Token, item.ProjectID, id, item.Reason)
}

// Queue lists reconciliation items, oldest first.
func (r *Reconciler) Queue(ctx context.Context, actor domain.Actor, unresolvedOnly bool) ([]domain.ReconciliationItem, error) {
	if err := auth.Check(actor, auth.ReconcileManage, auth.Ownership{}); err != nil {
		return nil, err
	}
	items, err := r.Repo.ListReconciliation(ctx, unresolvedOnly)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.ReconciliationItem{}
	}
	return items, nil
}

// Replay re-applies a queued item through the idempotent payment path and marks
// it resolved. projectID, when set, overrides the project the event named.
func (r *Reconciler) Replay(ctx context.Context, actor domain.Actor, id int64, projectID domain.ProjectID) (domain.ReconciliationItem, error) {
	if err := auth.Check(actor, auth.ReconcileManage, auth.Ownership{}); err != nil {
		return domain.ReconciliationItem{}, err
	}
	item, err := r.Repo.GetReconciliation(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return item, errs.New(errs.KindNotFound, "reconciliation item not found")
	}
	if err != nil {
		return item, err
	}
	if item.ResolvedAt != nil {
		return item, nil
	}
	if projectID != "" {
		item.ProjectID = projectID
	}
	if item.ProjectID == "" || item.Token == "" || item.Outcome == "" {
		return item, errs.New(errs.KindPreconditionFailed, "item has no project, token or outcome to replay")
	}
	provider := ""
	if r.Verifier != nil {
		provider = r.Verifier.Provider()
	}
	if _, err := r.Payments.RecordPayment(ctx, engine.PaymentInput{
		ProjectID: item.ProjectID,
		Token:     item.Token,
		Provider:  provider,
		Outcome:   item.Outcome,
	}); err != nil {
		return item, err
	}
	at := r.now()
	if err := r.Repo.ResolveReconciliation(ctx, id, at); err != nil {
		return item, err
	}
	item.ResolvedAt = &at
	return item, nil
}
