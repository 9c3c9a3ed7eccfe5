package payments_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"engageline/internal/config"
	"engageline/internal/db"
	"engageline/internal/documents"
	"engageline/internal/domain"
	"engageline/internal/engine"
	"engageline/internal/errs"
	"engageline/internal/migrate"
	"engageline/internal/payments"
)

const secret = "whsec_test"

var (
	admin      = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	client     = domain.Actor{ID: "client-1", Role: domain.RoleClient}
	contractor = domain.Actor{ID: "contractor-1", Role: domain.RoleContractor}
)

type fixture struct {
	ctx        context.Context
	engine     engine.Engine
	reconciler *payments.Reconciler
	now        time.Time
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), documents.FileStore{Dir: filepath.Join(dir, "contracts")})
	eng.Logger = log.New(io.Discard, "", 0)
	for _, a := range []domain.Actor{admin, client, contractor} {
		if _, err := eng.RegisterActor(ctx, admin, domain.ActorProfile{ID: a.ID, Role: a.Role}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	v, err := payments.NewVerifier("stripe", 300)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	r := payments.NewReconciler(eng, eng.Repo, v, secret)
	r.Logger = log.New(io.Discard, "", 0)
	r.Now = func() time.Time { return now }
	return fixture{ctx: ctx, engine: eng, reconciler: r, now: now}
}

// awaitingPayment drives a project to awaiting_payment.
func (f fixture) awaitingPayment(t *testing.T) domain.ProjectID {
	t.Helper()
	p, err := f.engine.Submit(f.ctx, client, engine.SubmitInput{Title: "App", Description: "Mobile app", Questionnaire: map[string]any{"platform": "ios"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.engine.Review(f.ctx, admin, p.ID, domain.Pricing{Amount: 500, Currency: "USD"}); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := f.engine.AssignContractor(f.ctx, admin, p.ID, contractor.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	c, err := f.engine.Generate(f.ctx, admin, p.ID)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for _, a := range []domain.Actor{client, contractor} {
		if _, err := f.engine.Sign(f.ctx, a, c.ID, "sig"); err != nil {
			t.Fatalf("sign: %v", err)
		}
	}
	return p.ID
}

func eventBody(t *testing.T, id, typ string, projectID domain.ProjectID) []byte {
	t.Helper()
	evt := map[string]any{
		"id":   id,
		"type": typ,
		"data": map[string]any{"object": map[string]any{
			"id":       "pi_1",
			"metadata": map[string]string{"projectId": string(projectID)},
		}},
	}
	b, err := json.Marshal(evt)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (f fixture) deliver(t *testing.T, body []byte) (payments.Result, error) {
	t.Helper()
	h := http.Header{}
	h.Set(payments.SignatureHeader, payments.SignatureFor(secret, f.now, body))
	return f.reconciler.HandleEvent(f.ctx, h, body)
}

func (f fixture) project(t *testing.T, id domain.ProjectID) domain.Project {
	t.Helper()
	p, err := f.engine.Repo.GetProject(f.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestHandleEventAppliesPaymentOnce(t *testing.T) {
	f := newFixture(t)
	id := f.awaitingPayment(t)
	body := eventBody(t, "tok_1", "payment_intent.succeeded", id)
	for i := 0; i < 3; i++ {
		res, err := f.deliver(t, body)
		if err != nil || res != payments.Accepted {
			t.Fatalf("delivery %d: %s %v", i, res, err)
		}
	}
	p := f.project(t, id)
	if p.Status != domain.ProjectInProgress || p.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("unexpected project %+v", p)
	}
	records, err := f.engine.Repo.ListPaymentRecords(f.ctx, id)
	if err != nil || len(records) != 1 || records[0].Provider != "stripe" {
		t.Fatalf("records: %v %+v", err, records)
	}
}

func TestHandleEventRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	id := f.awaitingPayment(t)
	body := eventBody(t, "tok_1", "payment_intent.succeeded", id)
	h := http.Header{}
	h.Set(payments.SignatureHeader, payments.SignatureFor("wrong", f.now, body))
	res, err := f.reconciler.HandleEvent(f.ctx, h, body)
	if res != payments.Rejected || !errors.Is(err, errs.Validation) {
		t.Fatalf("expected rejection, got %s %v", res, err)
	}
	if p := f.project(t, id); p.PaymentStatus != domain.PaymentPending {
		t.Fatalf("rejected webhook changed payment status to %s", p.PaymentStatus)
	}
}

func TestHandleEventFailedOutcome(t *testing.T) {
	f := newFixture(t)
	id := f.awaitingPayment(t)
	if _, err := f.deliver(t, eventBody(t, "evt_f", "payment_intent.payment_failed", id)); err != nil {
		t.Fatal(err)
	}
	p := f.project(t, id)
	if p.PaymentStatus != domain.PaymentFailed || p.Status != domain.ProjectAwaitingPayment {
		t.Fatalf("unexpected project %+v", p)
	}
}

func TestHandleEventIgnoresOtherTypes(t *testing.T) {
	f := newFixture(t)
	id := f.awaitingPayment(t)
	res, err := f.deliver(t, eventBody(t, "evt_c", "charge.refunded", id))
	if err != nil || res != payments.Accepted {
		t.Fatalf("got %s %v", res, err)
	}
	items, err := f.reconciler.Queue(f.ctx, admin, false)
	if err != nil || len(items) != 0 {
		t.Fatalf("queue: %v %+v", err, items)
	}
}

func TestInternalFailureIsQueuedAndReplayed(t *testing.T) {
	f := newFixture(t)
	res, err := f.deliver(t, eventBody(t, "tok_lost", "payment_intent.succeeded", "no-such-project"))
	if err != nil || res != payments.Accepted {
		t.Fatalf("internal failure must still be accepted: %s %v", res, err)
	}
	if _, err := f.deliver(t, []byte(`not json`)); err != nil {
		t.Fatalf("malformed payload: %v", err)
	}
	items, err := f.reconciler.Queue(f.ctx, admin, true)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(items) != 2 || items[0].Token != "tok_lost" || items[0].Outcome != domain.OutcomeSucceeded {
		t.Fatalf("unexpected queue %+v", items)
	}
	if _, err := f.reconciler.Queue(f.ctx, client, true); !errors.Is(err, errs.Forbidden) {
		t.Fatalf("client read queue: %v", err)
	}

	_, err = f.reconciler.Replay(f.ctx, admin, items[0].ID, "")
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("replay against missing project: %v", err)
	}
	_, err = f.reconciler.Replay(f.ctx, admin, items[1].ID, "")
	if errs.KindOf(err) != errs.KindPreconditionFailed {
		t.Fatalf("replay of malformed payload: %v", err)
	}

	id := f.awaitingPayment(t)
	resolved, err := f.reconciler.Replay(f.ctx, admin, items[0].ID, id)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if resolved.ResolvedAt == nil {
		t.Fatalf("item not resolved")
	}
	if p := f.project(t, id); p.Status != domain.ProjectInProgress {
		t.Fatalf("replay did not start project: %s", p.Status)
	}
	again, err := f.reconciler.Replay(f.ctx, admin, items[0].ID, id)
	if err != nil || again.ResolvedAt == nil {
		t.Fatalf("second replay: %v", err)
	}
	open, err := f.reconciler.Queue(f.ctx, admin, true)
	if err != nil || len(open) != 1 {
		t.Fatalf("open items: %v %+v", err, open)
	}
}
