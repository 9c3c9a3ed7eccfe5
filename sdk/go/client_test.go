package engagesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsCredentialsAndDecodes(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p-1","client_id":"client-1","title":"Site","status":"pending","payment_status":"pending","version":1}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "ek_test"
	p, err := c.SubmitProject(context.Background(), "Site", "Marketing site", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if gotPath != "POST /v1/projects" || gotKey != "ek_test" {
		t.Fatalf("unexpected request %q key=%q", gotPath, gotKey)
	}
	if gotBody["title"] != "Site" || gotBody["questionnaire"] == nil {
		t.Fatalf("unexpected body %+v", gotBody)
	}
	if p.ID != "p-1" || p.Status != "pending" {
		t.Fatalf("unexpected project %+v", p)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		_, _ = w.Write([]byte(`{"error":{"code":"precondition_failed","message":"project has open tasks","details":{"open_tasks":"2"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.CompleteProject(context.Background(), "p-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusPreconditionFailed || apiErr.Code != "precondition_failed" || apiErr.Details["open_tasks"] != "2" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestClientCreatesPaymentIntent(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pi_1","project_id":"p-1","provider":"stripe","client_secret":"pi_1_secret","amount":50000,"currency":"USD"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	intent, err := c.CreatePaymentIntent(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if gotPath != "POST /v1/projects/p-1/payment/intent" {
		t.Fatalf("unexpected request %q", gotPath)
	}
	if intent.ClientSecret != "pi_1_secret" || intent.Amount != 50000 || intent.ProjectID != "p-1" {
		t.Fatalf("unexpected intent %+v", intent)
	}
}
