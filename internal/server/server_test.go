package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"engageline/internal/config"
	"engageline/internal/db"
	"engageline/internal/documents"
	"engageline/internal/domain"
	"engageline/internal/engine"
	"engageline/internal/migrate"
	"engageline/internal/payments"
)

const (
	testJWTSecret     = "jwt-test-secret"
	testWebhookSecret = "whsec_test"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	discard := log.New(io.Discard, "", 0)
	store := documents.FileStore{Dir: filepath.Join(workspace, "contracts")}
	e := engine.New(conn, config.Default(), store)
	e.Logger = discard
	e.Intents = stubIntents{}
	verifier, err := payments.NewVerifier("stripe", 300)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	rec := payments.NewReconciler(e, e.Repo, verifier, testWebhookSecret)
	rec.Logger = discard
	handler, err := New(Config{
		Engine:     e,
		Reconciler: rec,
		Documents:  store,
		BasePath:   "/v1",
		Logger:     discard,
		Auth: AuthConfig{
			JWTSecret:        testJWTSecret,
			AllowActorHeader: true,
			DevTokens:        true,
			Logger:           discard,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

type stubIntents struct{}

func (stubIntents) Provider() string { return "stub" }

func (stubIntents) CreateIntent(_ context.Context, req engine.IntentRequest) (engine.PaymentIntent, error) {
	return engine.PaymentIntent{
		ID:           "pi_" + string(req.ProjectID),
		ClientSecret: "pi_secret_" + string(req.ProjectID),
		Amount:       req.Amount,
		Currency:     req.Currency,
	}, nil
}

func as(a domain.Actor) map[string]string {
	return map[string]string{ActorIDHeader: string(a.ID), ActorRoleHeader: string(a.Role)}
}

var (
	adminActor      = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	clientActor     = domain.Actor{ID: "client-1", Role: domain.RoleClient}
	contractorActor = domain.Actor{ID: "contractor-1", Role: domain.RoleContractor}
)

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func mustStatus(t *testing.T, what string, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s: status %d, want %d: %s", what, res.StatusCode, want, string(data))
	}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func registerActors(t *testing.T, srv *testServer) {
	t.Helper()
	for _, a := range []domain.Actor{clientActor, contractorActor} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/actors", map[string]any{
			"id":   a.ID,
			"role": a.Role,
		}, as(adminActor))
		mustStatus(t, "register "+string(a.ID), res, data, http.StatusCreated)
	}
}

// signedProject drives a project through review, assignment and signing and
// returns it in awaiting_payment.
func signedProject(t *testing.T, srv *testServer) domain.Project {
	t.Helper()
	c := srv.Client()
	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title":         "Storefront",
		"description":   "Online shop",
		"questionnaire": map[string]any{"products": 40},
	}, as(clientActor))
	mustStatus(t, "submit", res, data, http.StatusCreated)
	p := decode[domain.Project](t, data)
	if p.Status != domain.ProjectPending || p.ClientID != clientActor.ID {
		t.Fatalf("unexpected submitted project %+v", p)
	}
	base := srv.URL + "/v1/projects/" + string(p.ID)

	res, data = doJSON(t, c, http.MethodPost, base+"/review", map[string]any{"amount": 1200, "currency": "USD"}, as(adminActor))
	mustStatus(t, "review", res, data, http.StatusOK)
	res, data = doJSON(t, c, http.MethodPost, base+"/assign", map[string]any{"contractor_id": contractorActor.ID}, as(adminActor))
	mustStatus(t, "assign", res, data, http.StatusOK)
	res, data = doJSON(t, c, http.MethodPost, base+"/contracts", nil, as(adminActor))
	mustStatus(t, "generate", res, data, http.StatusCreated)
	contract := decode[domain.Contract](t, data)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/contracts/"+string(contract.ID)+"/send", nil, as(adminActor))
	mustStatus(t, "send", res, data, http.StatusOK)
	for _, a := range []domain.Actor{clientActor, contractorActor} {
		res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/contracts/"+string(contract.ID)+"/sign", map[string]any{"signature": "signed by " + a.ID}, as(a))
		mustStatus(t, "sign "+string(a.ID), res, data, http.StatusOK)
	}
	res, data = doJSON(t, c, http.MethodGet, base, nil, as(clientActor))
	mustStatus(t, "get project", res, data, http.StatusOK)
	p = decode[domain.Project](t, data)
	if p.Status != domain.ProjectAwaitingPayment {
		t.Fatalf("expected awaiting_payment, got %s", p.Status)
	}
	return p
}

func postWebhook(t *testing.T, srv *testServer, body []byte, signature string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/payments/webhook", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(payments.SignatureHeader, signature)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res, data
}

func paymentEvent(t *testing.T, id, typ string, projectID domain.ProjectID) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":   id,
		"type": typ,
		"data": map[string]any{"object": map[string]any{
			"id":       "pi_" + id,
			"metadata": map[string]string{"projectId": string(projectID)},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	mustStatus(t, "health", res, data, http.StatusOK)
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	mustStatus(t, "list", res, data, http.StatusUnauthorized)
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{
		ActorIDHeader: "client-1", ActorRoleHeader: "superuser",
	})
	mustStatus(t, "bad role header", res, data, http.StatusUnauthorized)
}

func TestEngagementFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerActors(t, srv)
	p := signedProject(t, srv)

	body := paymentEvent(t, "evt_1", "payment_intent.succeeded", p.ID)
	for i := 0; i < 2; i++ {
		res, data := postWebhook(t, srv, body, payments.SignatureFor(testWebhookSecret, time.Now(), body))
		mustStatus(t, "webhook", res, data, http.StatusOK)
		if ack := decode[WebhookAck](t, data); !ack.Received {
			t.Fatalf("webhook not acknowledged: %s", string(data))
		}
	}

	c := srv.Client()
	base := srv.URL + "/v1/projects/" + string(p.ID)
	res, data := doJSON(t, c, http.MethodGet, base+"/payment", nil, as(contractorActor))
	mustStatus(t, "payment", res, data, http.StatusOK)
	view := decode[engine.PaymentView](t, data)
	if view.PaymentStatus != domain.PaymentPaid || len(view.Records) != 1 {
		t.Fatalf("unexpected payment view %+v", view)
	}
	if view.Pricing == nil || view.Pricing.Currency != "USD" {
		t.Fatalf("unexpected pricing %+v", view.Pricing)
	}

	res, data = doJSON(t, c, http.MethodPost, base+"/tasks", map[string]any{"title": "Build catalog"}, as(adminActor))
	mustStatus(t, "create task", res, data, http.StatusCreated)
	task := decode[domain.Task](t, data)
	if task.AssigneeID != contractorActor.ID {
		t.Fatalf("task should default to the contractor, got %q", task.AssigneeID)
	}

	res, data = doJSON(t, c, http.MethodPost, base+"/complete", nil, as(adminActor))
	mustStatus(t, "complete with open task", res, data, http.StatusPreconditionFailed)
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != "precondition_failed" || env.Error.Details["open_tasks"] != "1" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	res, data = doJSON(t, c, http.MethodPatch, srv.URL+"/v1/tasks/"+string(task.ID), map[string]any{"status": "completed"}, as(contractorActor))
	mustStatus(t, "complete task", res, data, http.StatusOK)

	res, data = doJSON(t, c, http.MethodPost, base+"/deliverables", map[string]any{
		"name":     "catalog",
		"file_url": "https://files.example.com/catalog.zip",
	}, as(contractorActor))
	mustStatus(t, "deliverable", res, data, http.StatusCreated)
	res, data = doJSON(t, c, http.MethodPost, base+"/deliverables/0/review", map[string]any{"approved": true}, as(clientActor))
	mustStatus(t, "review deliverable", res, data, http.StatusOK)

	res, data = doJSON(t, c, http.MethodPost, base+"/complete", nil, as(adminActor))
	mustStatus(t, "complete", res, data, http.StatusOK)
	if done := decode[domain.Project](t, data); done.Status != domain.ProjectCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	res, data = doJSON(t, c, http.MethodPost, base+"/cancel", map[string]any{"reason": "late"}, as(adminActor))
	mustStatus(t, "cancel completed", res, data, http.StatusConflict)
	if env := decode[errorEnvelope](t, data); env.Error.Code != "invalid_transition" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	res, data = doJSON(t, c, http.MethodGet, base+"/events", nil, as(adminActor))
	mustStatus(t, "events", res, data, http.StatusOK)
	if evts := decode[[]domain.Event](t, data); len(evts) == 0 {
		t.Fatal("expected project events")
	}
}

func TestErrorEnvelopeCarriesKindAndMetadata(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerActors(t, srv)
	c := srv.Client()

	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title":         "Storefront",
		"description":   "Online shop",
		"questionnaire": map[string]any{"products": 40},
	}, as(clientActor))
	mustStatus(t, "submit", res, data, http.StatusCreated)
	p := decode[domain.Project](t, data)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/projects/"+string(p.ID)+"/review", map[string]any{"amount": 10, "currency": "USD"}, as(clientActor))
	mustStatus(t, "review as client", res, data, http.StatusForbidden)
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != "forbidden" || env.Error.Details["action"] != "project.review" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/projects/missing", nil, as(adminActor))
	mustStatus(t, "missing", res, data, http.StatusNotFound)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/projects/"+string(p.ID)+"/review", map[string]any{"amount": 10, "currency": "ZZZ"}, as(adminActor))
	mustStatus(t, "bad currency", res, data, http.StatusBadRequest)
	if env := decode[errorEnvelope](t, data); env.Error.Code != "validation_error" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/projects/"+string(p.ID)+"/contracts", nil, as(adminActor))
	mustStatus(t, "generate unpriced", res, data, http.StatusPreconditionFailed)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	body := paymentEvent(t, "evt_bad", "payment_intent.succeeded", "p-1")
	res, data := postWebhook(t, srv, body, payments.SignatureFor("other-secret", time.Now(), body))
	mustStatus(t, "webhook", res, data, http.StatusBadRequest)
	if env := decode[errorEnvelope](t, data); env.Error.Code != "validation_error" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestWebhookForUnknownProjectIsQueuedAndReplayed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerActors(t, srv)
	p := signedProject(t, srv)

	body := paymentEvent(t, "evt_lost", "payment_intent.succeeded", "no-such-project")
	res, data := postWebhook(t, srv, body, payments.SignatureFor(testWebhookSecret, time.Now(), body))
	mustStatus(t, "webhook", res, data, http.StatusOK)

	c := srv.Client()
	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/payments/reconciliation", nil, as(clientActor))
	mustStatus(t, "queue as client", res, data, http.StatusForbidden)
	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/payments/reconciliation", nil, as(adminActor))
	mustStatus(t, "queue", res, data, http.StatusOK)
	items := decode[[]domain.ReconciliationItem](t, data)
	if len(items) != 1 || items[0].Token != "evt_lost" {
		t.Fatalf("unexpected queue %+v", items)
	}

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/payments/reconciliation/"+itoa(items[0].ID)+"/replay", map[string]any{"project_id": p.ID}, as(adminActor))
	mustStatus(t, "replay", res, data, http.StatusOK)
	if item := decode[domain.ReconciliationItem](t, data); item.ResolvedAt == nil {
		t.Fatalf("expected resolved item, got %+v", item)
	}
	got, err := srv.Engine.Repo.GetProject(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ProjectInProgress || got.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("unexpected project after replay %+v", got)
	}
}

func TestDevTokenAuthenticatesBearerRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := srv.Client()
	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/auth/dev/token", map[string]any{
		"actor_id": "client-1",
		"role":     "client",
	}, nil)
	mustStatus(t, "dev token", res, data, http.StatusOK)
	tok := decode[DevTokenResponse](t, data)
	if tok.Token == "" {
		t.Fatal("expected token")
	}
	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"Authorization": "Bearer " + tok.Token})
	mustStatus(t, "list with token", res, data, http.StatusOK)

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	mustStatus(t, "list with bad token", res, data, http.StatusUnauthorized)
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerActors(t, srv)
	c := srv.Client()
	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/actors/client-1/keys", map[string]any{"name": "ci"}, as(adminActor))
	mustStatus(t, "issue key", res, data, http.StatusCreated)
	key := decode[APIKeyResponse](t, data)
	if key.Key == "" || key.ActorID != "client-1" {
		t.Fatalf("unexpected key %+v", key)
	}

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title":         "Docs site",
		"description":   "Static docs",
		"questionnaire": map[string]any{"pages": 5},
	}, map[string]string{APIKeyHeader: key.Key})
	mustStatus(t, "submit with key", res, data, http.StatusCreated)
	if p := decode[domain.Project](t, data); p.ClientID != "client-1" {
		t.Fatalf("unexpected client %q", p.ClientID)
	}

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{APIKeyHeader: "ek_unknown"})
	mustStatus(t, "unknown key", res, data, http.StatusUnauthorized)
}

func TestContractDocumentIsServed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerActors(t, srv)
	p := signedProject(t, srv)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/contracts/"+string(p.ContractID)+"/document", nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range as(clientActor) {
		req.Header.Set(k, v)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	mustStatus(t, "document", res, data, http.StatusOK)
	if !bytes.Contains(data, []byte("Storefront")) {
		t.Fatalf("document does not mention the project: %s", string(data))
	}
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestPaymentIntentOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerActors(t, srv)
	p := signedProject(t, srv)
	url := srv.URL + "/v1/projects/" + string(p.ID) + "/payment/intent"

	res, data := doJSON(t, srv.Client(), http.MethodPost, url, nil, as(contractorActor))
	mustStatus(t, "contractor intent", res, data, http.StatusForbidden)

	res, data = doJSON(t, srv.Client(), http.MethodPost, url, nil, as(clientActor))
	mustStatus(t, "client intent", res, data, http.StatusCreated)
	intent := decode[engine.PaymentIntent](t, data)
	if intent.ProjectID != p.ID || intent.Amount != 120000 || intent.Currency != "USD" || intent.Provider != "stub" || intent.ClientSecret == "" {
		t.Fatalf("unexpected intent %+v", intent)
	}

	body := paymentEvent(t, "evt_intent", "payment_intent.succeeded", intent.ProjectID)
	res, data = postWebhook(t, srv, body, payments.SignatureFor(testWebhookSecret, time.Now(), body))
	mustStatus(t, "webhook", res, data, http.StatusOK)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+string(p.ID), nil, as(clientActor))
	mustStatus(t, "get project", res, data, http.StatusOK)
	if got := decode[domain.Project](t, data); got.Status != domain.ProjectInProgress {
		t.Fatalf("project status = %s", got.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, url, nil, as(clientActor))
	mustStatus(t, "intent after payment", res, data, http.StatusPreconditionFailed)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	body := bytes.Repeat([]byte("a"), MaxBodyBytes+1)
	res, data := postWebhook(t, srv, body, payments.SignatureFor(testWebhookSecret, time.Now(), body))
	mustStatus(t, "oversized webhook", res, data, http.StatusRequestEntityTooLarge)
	if env := decode[errorEnvelope](t, data); env.Error.Code != "request_too_large" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestReviewWithoutCurrencyUsesDefault(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerActors(t, srv)
	c := srv.Client()

	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title":         "Storefront",
		"description":   "Online shop",
		"questionnaire": map[string]any{"products": 40},
	}, as(clientActor))
	mustStatus(t, "submit", res, data, http.StatusCreated)
	p := decode[domain.Project](t, data)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/projects/"+string(p.ID)+"/review", map[string]any{"amount": 75}, as(adminActor))
	mustStatus(t, "review", res, data, http.StatusOK)
	if got := decode[domain.Project](t, data); got.Pricing == nil || got.Pricing.Currency != engine.DefaultCurrency {
		t.Fatalf("unexpected pricing %+v", got.Pricing)
	}
}
