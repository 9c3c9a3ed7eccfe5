package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"engageline/internal/config"
)

func TestOpenUsesDefaultsWithoutConfigFile(t *testing.T) {
	workspace := t.TempDir()
	a, err := Open(context.Background(), workspace)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Config.Server.BasePath != "/v1" {
		t.Fatalf("unexpected base path %q", a.Config.Server.BasePath)
	}
	if a.Documents.Dir != filepath.Join(workspace, ".engage", "contracts") {
		t.Fatalf("unexpected documents dir %q", a.Documents.Dir)
	}
	if a.Reconciler.Verifier.Provider() != "stripe" {
		t.Fatalf("unexpected provider %q", a.Reconciler.Verifier.Provider())
	}

	h, err := a.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOpenRejectsUnknownProvider(t *testing.T) {
	workspace := t.TempDir()
	data := []byte("payments:\n  provider: carrier-pigeon\n")
	if err := os.WriteFile(config.Path(workspace), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(context.Background(), workspace); err == nil {
		t.Fatal("expected error for unknown payment provider")
	}
}
