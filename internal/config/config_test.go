package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultParses(t *testing.T) {
	cfg := Default()
	if cfg.Server.BasePath != "/v1" {
		t.Fatalf("base path = %q", cfg.Server.BasePath)
	}
	if cfg.MaxAttempts() != 3 {
		t.Fatalf("max attempts = %d", cfg.MaxAttempts())
	}
	if cfg.RenderTimeout() != 10*time.Second {
		t.Fatalf("render timeout = %s", cfg.RenderTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadOverlaysEnv(t *testing.T) {
	dir := t.TempDir()
	yml := "server:\n  base_path: /api\npayments:\n  webhook_secret: from-file\n"
	if err := os.WriteFile(filepath.Join(dir, "engage.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENGAGE_WEBHOOK_SECRET", "from-env")
	t.Setenv("ENGAGE_MAX_ATTEMPTS", "5")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/api" {
		t.Fatalf("base path = %q", cfg.Server.BasePath)
	}
	if cfg.Payments.WebhookSecret != "from-env" {
		t.Fatalf("secret = %q", cfg.Payments.WebhookSecret)
	}
	if cfg.MaxAttempts() != 5 {
		t.Fatalf("max attempts = %d", cfg.MaxAttempts())
	}
	if cfg.Documents.Dir != filepath.Join(dir, ".engage", "contracts") {
		t.Fatalf("documents dir = %q", cfg.Documents.Dir)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Payments.Provider != "stripe" {
		t.Fatalf("provider = %q", cfg.Payments.Provider)
	}
}

func TestValidateRejectsBadWebhook(t *testing.T) {
	_, err := FromYAML([]byte("notifications:\n  webhooks:\n    - url: ftp://example.com\n"))
	if err == nil {
		t.Fatalf("expected error for non-http webhook")
	}
	_, err = FromYAML([]byte("server:\n  base_path: v1\n"))
	if err == nil {
		t.Fatalf("expected error for relative base path")
	}
}

func TestPaymentsAPISettings(t *testing.T) {
	cfg := Default()
	if cfg.PaymentsAPIBase() != "https://api.stripe.com" || cfg.PaymentTimeout() != 10*time.Second {
		t.Fatalf("defaults: base=%q timeout=%s", cfg.PaymentsAPIBase(), cfg.PaymentTimeout())
	}
	t.Setenv("ENGAGE_PAYMENTS_API_KEY", "sk_test_env")
	t.Setenv("ENGAGE_PAYMENTS_API_BASE", "http://127.0.0.1:12111/")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Payments.APIKey != "sk_test_env" || cfg.PaymentsAPIBase() != "http://127.0.0.1:12111" {
		t.Fatalf("env overlay: %+v", cfg.Payments)
	}
	if _, err := FromYAML([]byte("payments:\n  api_base: api.stripe.com\n")); err == nil {
		t.Fatalf("expected error for api_base without scheme")
	}
}
