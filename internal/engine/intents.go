package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/text/currency"

	"engageline/internal/domain"
	"engageline/internal/engine/auth"
	"engageline/internal/errs"
	"engageline/internal/events"
)

// IntentRequest asks the payment provider to start collecting a project's price.
type IntentRequest struct {
	ProjectID domain.ProjectID
	ClientID  domain.ActorID
	// Amount is in minor units of Currency (cents for USD).
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// PaymentIntent is a provider-side payment that the client completes with
// ClientSecret. Its outcome comes back through the provider webhook.
type PaymentIntent struct {
	ID           string           `json:"id"`
	ProjectID    domain.ProjectID `json:"project_id"`
	Provider     string           `json:"provider"`
	ClientSecret string           `json:"client_secret"`
	Amount       int64            `json:"amount" doc:"minor units of currency"`
	Currency     string           `json:"currency"`
	Status       string           `json:"status,omitempty"`
}

// IntentCreator creates payments at the provider. Implementations must attach
// the project id to the payment so its webhook events name the project.
type IntentCreator interface {
	Provider() string
	CreateIntent(ctx context.Context, req IntentRequest) (PaymentIntent, error)
}

// CreatePaymentIntent starts collecting the price of a project awaiting
// payment. Calls for the same project version share an idempotency key, so a
// retried request returns the provider's existing intent.
func (e Engine) CreatePaymentIntent(ctx context.Context, actor domain.Actor, id domain.ProjectID) (PaymentIntent, error) {
	ctx, span := e.tracer().Start(ctx, "engine.CreatePaymentIntent")
	defer span.End()
	fail := func(err error) (PaymentIntent, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.KindOf(err)))
		return PaymentIntent{}, err
	}

	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return fail(storeErr(err, "project "+string(id)))
	}
	if err := auth.Check(actor, auth.PaymentCreate, ownership(p)); err != nil {
		return fail(err)
	}
	if p.Status != domain.ProjectAwaitingPayment {
		return fail(errs.WithMetadata(errs.KindPreconditionFailed,
			fmt.Sprintf("payment is collected once the contract is signed, project is %s", p.Status),
			map[string]string{"status": string(p.Status)}))
	}
	if p.Pricing == nil {
		return fail(precondition("project %s has no pricing", p.ID))
	}
	amount, err := minorUnits(*p.Pricing)
	if err != nil {
		return fail(precondition("project %s is priced in an unknown currency %q", p.ID, p.Pricing.Currency))
	}
	if amount <= 0 {
		return fail(precondition("project %s has nothing to pay", p.ID))
	}
	if e.Intents == nil {
		return fail(errs.New(errs.KindExternalFailure, "no payment provider configured"))
	}

	req := IntentRequest{
		ProjectID:      p.ID,
		ClientID:       p.ClientID,
		Amount:         amount,
		Currency:       p.Pricing.Currency,
		IdempotencyKey: fmt.Sprintf("engage-%s-v%d", p.ID, p.Version),
	}
	span.SetAttributes(attribute.String("project.id", string(p.ID)), attribute.Int64("payment.amount", amount))
	cctx, cancel := context.WithTimeout(ctx, e.Config.PaymentTimeout())
	defer cancel()
	intent, err := e.Intents.CreateIntent(cctx, req)
	if err != nil {
		e.logf("create payment intent for project %s: %v", p.ID, err)
		return fail(errs.Wrap(errs.KindExternalFailure, "payment intent could not be created", err))
	}
	intent.ProjectID = p.ID
	if intent.Provider == "" {
		intent.Provider = e.Intents.Provider()
	}

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, events.PaymentIntentCreated, string(p.ID), "project", string(p.ID), string(actor.ID),
			events.EventPayload{"intent_id": intent.ID, "amount": intent.Amount, "currency": intent.Currency, "provider": intent.Provider})
	})
	if err != nil {
		return fail(err)
	}
	return intent, nil
}

// minorUnits converts a price to the smallest unit of its currency.
func minorUnits(pr domain.Pricing) (int64, error) {
	unit, err := currency.ParseISO(pr.Currency)
	if err != nil {
		return 0, err
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int64(math.Round(pr.Amount * math.Pow10(scale))), nil
}
