// Package notify forwards committed engagement events to configured HTTP
// endpoints. Delivery is at-least-once per endpoint; each endpoint keeps its own
// cursor into the event log and stops at the first failed delivery.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"engageline/internal/config"
	"engageline/internal/domain"
)

const (
	DefaultInterval = 2 * time.Second
	defaultBatch    = 100

	EventHeader     = "X-Engage-Event"
	DeliveryHeader  = "X-Engage-Delivery"
	SignatureHeader = "X-Engage-Signature"
)

// EventSource is the read side of the event log.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

type Dispatcher struct {
	source   EventSource
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *log.Logger

	// FromStart makes endpoints without a cursor replay the whole log instead
	// of starting at the newest event.
	FromStart bool

	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(source EventSource, webhooks []config.WebhookConfig, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(os.Stderr, "notify: ", log.LstdFlags)
	}
	return &Dispatcher{
		source:   source,
		webhooks: webhooks,
		client:   &http.Client{Timeout: config.DefaultWebhookTimeout},
		logger:   logger,
		cursors:  make(map[int]int64),
	}
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if len(d.webhooks) == 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers pending events to every enabled endpoint.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatch(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.source.EventsAfter(ctx, defaultBatch, cursor)
	if err != nil {
		d.logger.Printf("fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if filter.match(evt.Type) {
			if err := d.post(ctx, hook, evt); err != nil {
				d.logger.Printf("deliver event %d to %s failed: %v", evt.ID, hook.URL, err)
				return
			}
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	var cur int64
	if !d.FromStart {
		latest, err := d.source.LatestEventID(ctx)
		if err != nil {
			d.logger.Printf("init cursor failed: %v", err)
		}
		cur = latest
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Delivery is the JSON body posted for each event.
type Delivery struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(Delivery{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	timeout := config.DefaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, evt.Type)
	req.Header.Set(DeliveryHeader, strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, data))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the signature header value receivers check: "sha256=" followed
// by the hex HMAC of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// eventFilter matches exact event types or "prefix.*" patterns.
type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	f := eventFilter{set: make(map[string]struct{}, len(events))}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
