package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine. Notification collaborators subscribe to
// these names.
const (
	ProjectSubmitted          = "project.submitted"
	ProjectReviewed           = "project.reviewed"
	ProjectContractorAssigned = "project.contractor_assigned"
	ProjectAwaitingPayment    = "project.awaiting_payment"
	ProjectInProgress         = "project.in_progress"
	ProjectCancelled          = "project.cancelled"
	ProjectCompleted          = "project.completed"
	PaymentRecorded           = "payment.recorded"
	PaymentNoop               = "payment.noop"
	PaymentIntentCreated      = "payment.intent_created"
	ContractGenerated         = "contract.generated"
	ContractSent              = "contract.sent"
	ContractSignatureAdded    = "contract.signature_added"
	ContractSigned            = "contract.signed"
	ContractRejected          = "contract.rejected"
	TaskCreated               = "task.created"
	TaskUpdated               = "task.updated"
	DeliverableSubmitted      = "deliverable.submitted"
	DeliverableReviewed       = "deliverable.reviewed"
	ActorRegistered           = "actor.registered"
)

// Writer is the event sink. Appends happen inside the caller's transaction so an
// event exists if and only if its mutation committed.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
