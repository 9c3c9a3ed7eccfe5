package auth

import (
	"errors"
	"testing"

	"engageline/internal/domain"
	"engageline/internal/errs"
)

func TestCheck(t *testing.T) {
	own := Ownership{ClientID: "c1", ContractorID: "k1"}
	adminActor := domain.Actor{ID: "a1", Role: domain.RoleAdmin}
	client := domain.Actor{ID: "c1", Role: domain.RoleClient}
	otherClient := domain.Actor{ID: "c2", Role: domain.RoleClient}
	contractor := domain.Actor{ID: "k1", Role: domain.RoleContractor}
	otherContractor := domain.Actor{ID: "k2", Role: domain.RoleContractor}

	cases := []struct {
		name   string
		actor  domain.Actor
		action Action
		own    Ownership
		allow  bool
	}{
		{"client submits", otherClient, ProjectSubmit, Ownership{}, true},
		{"admin cannot submit", adminActor, ProjectSubmit, Ownership{}, false},
		{"admin reviews", adminActor, ProjectReview, own, true},
		{"client cannot review", client, ProjectReview, own, false},
		{"owner reads", client, ProjectRead, own, true},
		{"other client cannot read", otherClient, ProjectRead, own, false},
		{"assigned contractor reads", contractor, ProjectRead, own, true},
		{"other contractor cannot read", otherContractor, ProjectRead, own, false},
		{"contractor cannot read unassigned", contractor, ProjectRead, Ownership{ClientID: "c1"}, false},
		{"client signs", client, ContractSign, own, true},
		{"contractor signs", contractor, ContractSign, own, true},
		{"admin cannot sign", adminActor, ContractSign, own, false},
		{"owner cancels", client, ProjectCancel, own, true},
		{"contractor cannot cancel", contractor, ProjectCancel, own, false},
		{"contractor updates task", contractor, TaskUpdate, own, true},
		{"client cannot update task", client, TaskUpdate, own, false},
		{"other contractor cannot update task", otherContractor, TaskUpdate, own, false},
		{"owner starts payment", client, PaymentCreate, own, true},
		{"admin starts payment", adminActor, PaymentCreate, own, true},
		{"other client cannot start payment", otherClient, PaymentCreate, own, false},
		{"contractor cannot start payment", contractor, PaymentCreate, own, false},
		{"unknown action denied", adminActor, Action("nope"), own, false},
		{"anonymous denied", domain.Actor{Role: domain.RoleAdmin}, ProjectReview, own, false},
		{"bad role denied", domain.Actor{ID: "x", Role: "root"}, ProjectReview, own, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Check(tc.actor, tc.action, tc.own)
			if tc.allow && err != nil {
				t.Fatalf("expected allow, got %v", err)
			}
			if !tc.allow {
				if !errors.Is(err, errs.Forbidden) {
					t.Fatalf("expected forbidden, got %v", err)
				}
				if errs.MetadataOf(err)["action"] != string(tc.action) {
					t.Fatalf("action metadata missing: %v", errs.MetadataOf(err))
				}
			}
		})
	}
}
