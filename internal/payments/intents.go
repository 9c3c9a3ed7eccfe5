package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"engageline/internal/config"
	"engageline/internal/engine"
)

// Metadata keys stamped on every provider payment. HandleEvent reads the
// project back from MetadataProjectID.
const (
	MetadataProjectID = "projectId"
	MetadataClientID  = "clientId"
)

// StripeIntents creates Stripe PaymentIntents through the REST API.
type StripeIntents struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// NewIntentCreator returns the intent client for the configured provider, or
// nil when the provider has no payment API or no API key is configured.
func NewIntentCreator(cfg *config.Config) engine.IntentCreator {
	if cfg == nil || strings.TrimSpace(cfg.Payments.APIKey) == "" {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Payments.Provider)) {
	case "", "stripe":
		return StripeIntents{
			BaseURL:    cfg.PaymentsAPIBase(),
			SecretKey:  cfg.Payments.APIKey,
			HTTPClient: &http.Client{Timeout: cfg.PaymentTimeout()},
		}
	}
	return nil
}

func (StripeIntents) Provider() string { return "stripe" }

type stripeIntent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
}

type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateIntent posts a PaymentIntent carrying the project and client ids as
// metadata.
func (s StripeIntents) CreateIntent(ctx context.Context, req engine.IntentRequest) (engine.PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata["+MetadataProjectID+"]", string(req.ProjectID))
	form.Set("metadata["+MetadataClientID+"]", string(req.ClientID))

	endpoint := strings.TrimRight(s.BaseURL, "/") + "/v1/payment_intents"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return engine.PaymentIntent{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.SecretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return engine.PaymentIntent{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return engine.PaymentIntent{}, err
	}
	if resp.StatusCode >= 300 {
		var se stripeError
		if json.Unmarshal(body, &se) == nil && se.Error.Message != "" {
			return engine.PaymentIntent{}, fmt.Errorf("stripe: status %d: %s (%s)", resp.StatusCode, se.Error.Message, se.Error.Type)
		}
		return engine.PaymentIntent{}, fmt.Errorf("stripe: status %d", resp.StatusCode)
	}
	var pi stripeIntent
	if err := json.Unmarshal(body, &pi); err != nil {
		return engine.PaymentIntent{}, fmt.Errorf("stripe: decode payment intent: %w", err)
	}
	if pi.ID == "" || pi.ClientSecret == "" {
		return engine.PaymentIntent{}, fmt.Errorf("stripe: payment intent response missing id or client_secret")
	}
	return engine.PaymentIntent{
		ID:           pi.ID,
		ProjectID:    req.ProjectID,
		Provider:     s.Provider(),
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     strings.ToUpper(pi.Currency),
		Status:       pi.Status,
	}, nil
}
