package engagesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Engageline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client for the API served at baseURL under /v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Pricing struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Notes    string  `json:"notes,omitempty"`
}

// Project represents the API project model (partial).
type Project struct {
	ID            string   `json:"id"`
	ClientID      string   `json:"client_id"`
	ContractorID  string   `json:"contractor_id,omitempty"`
	Title         string   `json:"title"`
	Status        string   `json:"status"`
	PaymentStatus string   `json:"payment_status"`
	Pricing       *Pricing `json:"pricing,omitempty"`
	ContractID    string   `json:"contract_id,omitempty"`
	Version       int64    `json:"version"`
}

type Signature struct {
	UserID   string    `json:"user_id"`
	SignedAt time.Time `json:"signed_at"`
}

// Contract represents the API contract model (partial).
type Contract struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Status    string      `json:"status"`
	FileRef   string      `json:"file_ref"`
	SignedBy  []Signature `json:"signed_by"`
}

type Task struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Title      string `json:"title"`
	AssigneeID string `json:"assignee_id,omitempty"`
	Status     string `json:"status"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitProject submits a project request as the authenticated client.
func (c *Client) SubmitProject(ctx context.Context, title, description string, questionnaire map[string]any) (Project, error) {
	if questionnaire == nil {
		questionnaire = map[string]any{}
	}
	body := map[string]any{
		"title":         title,
		"description":   description,
		"questionnaire": questionnaire,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

// ReviewProject prices a pending project (admin).
func (c *Client) ReviewProject(ctx context.Context, id string, pricing Pricing) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(id, "review"), pricing, &resp)
	return resp, err
}

func (c *Client) AssignContractor(ctx context.Context, id, contractorID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(id, "assign"), map[string]any{"contractor_id": contractorID}, &resp)
	return resp, err
}

func (c *Client) CancelProject(ctx context.Context, id, reason string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(id, "cancel"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) CompleteProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(id, "complete"), nil, &resp)
	return resp, err
}

// PaymentIntent is the provider payment a client completes with ClientSecret.
type PaymentIntent struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	Provider     string `json:"provider"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status,omitempty"`
}

// CreatePaymentIntent starts payment of a project awaiting payment.
func (c *Client) CreatePaymentIntent(ctx context.Context, projectID string) (PaymentIntent, error) {
	var resp PaymentIntent
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "payment/intent"), nil, &resp)
	return resp, err
}

// GenerateContract renders the contract of a reviewed project (admin).
func (c *Client) GenerateContract(ctx context.Context, projectID string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "contracts"), nil, &resp)
	return resp, err
}

func (c *Client) SignContract(ctx context.Context, contractID, signature string) (Contract, error) {
	var resp Contract
	endpoint := fmt.Sprintf("contracts/%s/sign", url.PathEscape(contractID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"signature": signature}, &resp)
	return resp, err
}

func (c *Client) RejectContract(ctx context.Context, contractID, reason string) (Contract, error) {
	var resp Contract
	endpoint := fmt.Sprintf("contracts/%s/reject", url.PathEscape(contractID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) CreateTask(ctx context.Context, projectID, title string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "tasks"), map[string]any{"title": title}, &resp)
	return resp, err
}

func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(taskID), map[string]any{"status": status}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(id, p string) string {
	return fmt.Sprintf("projects/%s/%s", url.PathEscape(id), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
