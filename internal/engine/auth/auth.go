// Package auth holds the one capability check every engine operation consults.
// Authentication happens upstream; this package only decides whether an already
// identified actor may perform an action on an entity with the given owners.
package auth

import (
	"fmt"

	"engageline/internal/domain"
	"engageline/internal/errs"
)

type Action string

const (
	ProjectSubmit     Action = "project.submit"
	ProjectRead       Action = "project.read"
	ProjectReview     Action = "project.review"
	ProjectAssign     Action = "project.assign"
	ProjectCancel     Action = "project.cancel"
	ProjectComplete   Action = "project.complete"
	PaymentRead       Action = "payment.read"
	PaymentCreate     Action = "payment.create"
	ContractGenerate  Action = "contract.generate"
	ContractSend      Action = "contract.send"
	ContractRead      Action = "contract.read"
	ContractSign      Action = "contract.sign"
	ContractReject    Action = "contract.reject"
	TaskCreate        Action = "task.create"
	TaskRead          Action = "task.read"
	TaskUpdate        Action = "task.update"
	DeliverableSubmit Action = "deliverable.submit"
	DeliverableReview Action = "deliverable.review"
	ActorRegister     Action = "actor.register"
	ReconcileManage   Action = "payment.reconcile"
)

// Ownership carries the fields of the target entity that decide access.
type Ownership struct {
	ClientID     domain.ActorID
	ContractorID domain.ActorID
}

type relation uint8

const (
	admin relation = 1 << iota
	anyClient
	owningClient
	assignedContractor
)

const parties = owningClient | assignedContractor

var rules = map[Action]relation{
	ProjectSubmit:     anyClient,
	ProjectRead:       admin | parties,
	ProjectReview:     admin,
	ProjectAssign:     admin,
	ProjectCancel:     admin | owningClient,
	ProjectComplete:   admin,
	PaymentRead:       admin | parties,
	PaymentCreate:     admin | owningClient,
	ContractGenerate:  admin,
	ContractSend:      admin,
	ContractRead:      admin | parties,
	ContractSign:      parties,
	ContractReject:    admin | parties,
	TaskCreate:        admin,
	TaskRead:          admin | parties,
	TaskUpdate:        admin | assignedContractor,
	DeliverableSubmit: assignedContractor,
	DeliverableReview: admin | owningClient,
	ActorRegister:     admin,
	ReconcileManage:   admin,
}

// Check allows or denies actor performing action on an entity owned as own.
// Denials are errs.KindForbidden carrying the action in metadata.
func Check(actor domain.Actor, action Action, own Ownership) error {
	if allowed(actor, rules[action], own) {
		return nil
	}
	return errs.WithMetadata(errs.KindForbidden,
		fmt.Sprintf("actor %q (%s) may not %s", actor.ID, actor.Role, action),
		map[string]string{"action": string(action)})
}

func allowed(actor domain.Actor, rule relation, own Ownership) bool {
	if actor.ID == "" || !actor.Role.Valid() {
		return false
	}
	switch actor.Role {
	case domain.RoleAdmin:
		return rule&admin != 0
	case domain.RoleClient:
		if rule&anyClient != 0 {
			return true
		}
		return rule&owningClient != 0 && actor.ID == own.ClientID
	case domain.RoleContractor:
		return rule&assignedContractor != 0 && own.ContractorID != "" && actor.ID == own.ContractorID
	}
	return false
}
