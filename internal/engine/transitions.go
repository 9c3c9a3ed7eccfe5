package engine

import "engageline/internal/domain"

func ensureProjectTransition(from, to domain.ProjectStatus) error {
	if from.Terminal() {
		return invalidTransition("project is %s", from)
	}
	allowed := false
	switch from {
	case domain.ProjectPending:
		allowed = to == domain.ProjectReviewed || to == domain.ProjectCancelled
	case domain.ProjectReviewed:
		allowed = to == domain.ProjectAwaitingPayment || to == domain.ProjectCancelled
	case domain.ProjectAwaitingPayment:
		allowed = to == domain.ProjectInProgress || to == domain.ProjectCancelled
	case domain.ProjectInProgress:
		allowed = to == domain.ProjectCompleted || to == domain.ProjectCancelled
	}
	if !allowed {
		return invalidTransition("project cannot move from %s to %s", from, to)
	}
	return nil
}

func ensureContractTransition(from, to domain.ContractStatus) error {
	allowed := false
	switch from {
	case domain.ContractPending:
		allowed = to == domain.ContractSent || to == domain.ContractSigned || to == domain.ContractRejected
	case domain.ContractSent:
		allowed = to == domain.ContractSigned || to == domain.ContractRejected
	}
	if !allowed {
		return invalidTransition("contract cannot move from %s to %s", from, to)
	}
	return nil
}

func ensureTaskTransition(from, to domain.TaskStatus) error {
	allowed := false
	switch from {
	case domain.TaskPending:
		allowed = to == domain.TaskInProgress || to == domain.TaskCompleted
	case domain.TaskInProgress:
		allowed = to == domain.TaskCompleted
	}
	if !allowed {
		return invalidTransition("task cannot move from %s to %s", from, to)
	}
	return nil
}
