package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"engageline/internal/db"
)

const (
	DefaultRenderTimeout   = 10 * time.Second
	DefaultPaymentTimeout  = 10 * time.Second
	DefaultPaymentsAPIBase = "https://api.stripe.com"
	DefaultWebhookTimeout  = 5 * time.Second
	DefaultReadHeader      = 5 * time.Second
	DefaultShutdown        = 5 * time.Second
	DefaultMaxAttempts     = 3
	DefaultToleranceSecond = 300
)

// Config models engage.yml. Secrets are normally supplied through the
// environment rather than the file.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr" env:"ENGAGE_ADDR"`
		BasePath string `yaml:"base_path" env:"ENGAGE_BASE_PATH"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret        string `yaml:"jwt_secret" env:"ENGAGE_JWT_SECRET"`
		AllowActorHeader bool   `yaml:"allow_actor_header" env:"ENGAGE_ALLOW_ACTOR_HEADER"`
		DevTokens        bool   `yaml:"dev_tokens" env:"ENGAGE_DEV_TOKENS"`
	} `yaml:"auth"`
	Payments struct {
		Provider         string `yaml:"provider" env:"ENGAGE_PAYMENT_PROVIDER"`
		WebhookSecret    string `yaml:"webhook_secret" env:"ENGAGE_WEBHOOK_SECRET"`
		ToleranceSeconds int    `yaml:"tolerance_seconds" env:"ENGAGE_WEBHOOK_TOLERANCE_SECONDS"`
		// APIKey authenticates payment-intent creation against the provider API.
		APIKey         string `yaml:"api_key" env:"ENGAGE_PAYMENTS_API_KEY"`
		APIBase        string `yaml:"api_base" env:"ENGAGE_PAYMENTS_API_BASE"`
		TimeoutSeconds int    `yaml:"timeout_seconds" env:"ENGAGE_PAYMENTS_TIMEOUT_SECONDS"`
	} `yaml:"payments"`
	Documents struct {
		Dir            string `yaml:"dir" env:"ENGAGE_DOCUMENTS_DIR"`
		TimeoutSeconds int    `yaml:"timeout_seconds" env:"ENGAGE_DOCUMENTS_TIMEOUT_SECONDS"`
	} `yaml:"documents"`
	Engine struct {
		MaxAttempts int `yaml:"max_attempts" env:"ENGAGE_MAX_ATTEMPTS"`
	} `yaml:"engine"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
	Telemetry struct {
		ServiceName  string `yaml:"service_name" env:"ENGAGE_SERVICE_NAME"`
		OTLPEndpoint string `yaml:"otlp_endpoint" env:"ENGAGE_OTLP_ENDPOINT"`
	} `yaml:"telemetry"`
}

// WebhookConfig is an outbound notification target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Payments.ToleranceSeconds < 0 {
		return fmt.Errorf("config.payments.tolerance_seconds must be >= 0")
	}
	if c.Payments.TimeoutSeconds < 0 {
		return fmt.Errorf("config.payments.timeout_seconds must be >= 0")
	}
	if c.Payments.APIBase != "" {
		u, err := url.Parse(c.Payments.APIBase)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config.payments.api_base must be an http(s) URL")
		}
	}
	if c.Documents.TimeoutSeconds < 0 {
		return fmt.Errorf("config.documents.timeout_seconds must be >= 0")
	}
	if c.Engine.MaxAttempts < 0 {
		return fmt.Errorf("config.engine.max_attempts must be >= 0")
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notifications.webhooks[%d].url is required", i)
		}
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("notifications.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("notifications.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// RenderTimeout is the per-call deadline for the document collaborator.
func (c *Config) RenderTimeout() time.Duration {
	if c.Documents.TimeoutSeconds > 0 {
		return time.Duration(c.Documents.TimeoutSeconds) * time.Second
	}
	return DefaultRenderTimeout
}

// PaymentTimeout is the per-call deadline for the payment provider API.
func (c *Config) PaymentTimeout() time.Duration {
	if c.Payments.TimeoutSeconds > 0 {
		return time.Duration(c.Payments.TimeoutSeconds) * time.Second
	}
	return DefaultPaymentTimeout
}

func (c *Config) PaymentsAPIBase() string {
	if base := strings.TrimRight(strings.TrimSpace(c.Payments.APIBase), "/"); base != "" {
		return base
	}
	return DefaultPaymentsAPIBase
}

func (c *Config) MaxAttempts() int {
	if c.Engine.MaxAttempts > 0 {
		return c.Engine.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "engage.yml")
}

// Load reads engage.yml from the workspace when present, falls back to defaults
// otherwise, and overlays environment variables.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		data = []byte(defaultTemplate)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.Documents.Dir == "" {
		cfg.Documents.Dir = filepath.Join(db.StateDir(workspace), "contracts")
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overlays ENGAGE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return &cfg, nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  allow_actor_header: false
  dev_tokens: false

payments:
  provider: stripe
  tolerance_seconds: 300
  api_base: https://api.stripe.com
  timeout_seconds: 10

documents:
  timeout_seconds: 10

engine:
  max_attempts: 3

notifications:
  webhooks: []

telemetry:
  service_name: engageline
`
