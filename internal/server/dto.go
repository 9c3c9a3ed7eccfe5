package server

import (
	"time"

	"engageline/internal/domain"
)

// Request payloads

type SubmitProjectRequest struct {
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Questionnaire map[string]any `json:"questionnaire"`
}

type ReviewProjectRequest struct {
	Amount   float64 `json:"amount" minimum:"0"`
	Currency string  `json:"currency,omitempty" example:"USD" doc:"ISO 4217 code, USD when empty"`
	Notes    string  `json:"notes,omitempty"`
}

type AssignContractorRequest struct {
	ContractorID string `json:"contractor_id"`
}

type CancelProjectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SignContractRequest struct {
	Signature string `json:"signature"`
}

type RejectContractRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateTaskRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
}

type UpdateTaskRequest struct {
	Status string `json:"status" enum:"pending,in_progress,completed"`
}

type SubmitDeliverableRequest struct {
	Name    string `json:"name"`
	FileURL string `json:"file_url"`
}

type ReviewDeliverableRequest struct {
	Approved bool `json:"approved"`
}

type RegisterActorRequest struct {
	ID          string `json:"id"`
	Role        string `json:"role" enum:"admin,client,contractor"`
	DisplayName string `json:"display_name,omitempty"`
}

type IssueAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type ReplayRequest struct {
	ProjectID string `json:"project_id,omitempty"`
}

type DevTokenRequest struct {
	ActorID    string `json:"actor_id"`
	Role       string `json:"role" enum:"admin,client,contractor"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

// Response payloads

type APIKeyResponse struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	Key       string    `json:"key" doc:"shown once; only its hash is stored"`
	CreatedAt time.Time `json:"created_at"`
}

type DevTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type WebhookAck struct {
	Received bool `json:"received"`
}

func apiKeyResponse(k domain.APIKey, plaintext string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   string(k.ActorID),
		Name:      k.Name,
		Key:       plaintext,
		CreatedAt: k.CreatedAt,
	}
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
