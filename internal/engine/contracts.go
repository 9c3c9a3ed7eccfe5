package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"engageline/internal/documents"
	"engageline/internal/domain"
	"engageline/internal/engine/auth"
	"engageline/internal/errs"
	"engageline/internal/events"
	"engageline/internal/repo"
)

// Generate renders and stores a contract for a reviewed project that has
// pricing and a contractor. A project holds at most one contract that is not
// rejected.
func (e Engine) Generate(ctx context.Context, actor domain.Actor, projectID domain.ProjectID) (domain.Contract, error) {
	if err := auth.Check(actor, auth.ContractGenerate, auth.Ownership{}); err != nil {
		return domain.Contract{}, err
	}
	id := domain.ContractID(uuid.NewString())
	var out domain.Contract
	err := e.attempt(ctx, "engine.Generate", func(ctx context.Context) error {
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return storeErr(err, "project "+string(projectID))
		}
		if p.Status.Terminal() {
			return invalidTransition("project is %s", p.Status)
		}
		if p.Pricing == nil {
			return precondition("project %s has no pricing", p.ID)
		}
		if p.ContractorID == "" {
			return precondition("project %s has no contractor", p.ID)
		}
		if p.Status != domain.ProjectReviewed {
			return invalidTransition("contracts are generated for reviewed projects, project is %s", p.Status)
		}
		active, err := e.activeContract(ctx, e.DB, p.ID)
		if err != nil {
			return err
		}
		if active != nil {
			return precondition("project %s already has contract %s", p.ID, active.ID)
		}
		now := e.now()
		ref, err := e.render(ctx, documents.Input{
			ContractID:   string(id),
			ProjectID:    string(p.ID),
			ProjectTitle: p.Title,
			Description:  p.Description,
			ClientID:     string(p.ClientID),
			ContractorID: string(p.ContractorID),
			Amount:       p.Pricing.Amount,
			Currency:     p.Pricing.Currency,
			Notes:        p.Pricing.Notes,
			GeneratedAt:  now,
		})
		if err != nil {
			return err
		}
		c := domain.Contract{
			ID:           id,
			ProjectID:    p.ID,
			ClientID:     p.ClientID,
			ContractorID: p.ContractorID,
			Status:       domain.ContractPending,
			FileRef:      ref,
			SignedBy:     []domain.Signature{},
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		err = e.inTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.InsertContract(ctx, tx, c); err != nil {
				if errors.Is(err, repo.ErrDuplicate) {
					return precondition("project %s already has an active contract", p.ID)
				}
				return err
			}
			next := p.Apply(now, func(p *domain.Project) { p.ContractID = c.ID })
			if _, err := e.saveProject(ctx, tx, next); err != nil {
				return err
			}
			if err := e.contractEvent(ctx, tx, events.ContractGenerated, c, actor.ID, events.EventPayload{"file_ref": ref}); err != nil {
				return err
			}
			out = c
			return nil
		})
		if err != nil {
			e.discardDocument(ref)
		}
		return err
	})
	return out, err
}

// discardDocument drops a rendered document whose contract was never stored.
func (e Engine) discardDocument(ref string) {
	rm, ok := e.Documents.(documents.Remover)
	if !ok {
		return
	}
	if err := rm.Remove(ref); err != nil {
		e.logf("discard contract document %s: %v", ref, err)
	}
}

func (e Engine) render(ctx context.Context, in documents.Input) (string, error) {
	if e.Documents == nil {
		return "", errs.New(errs.KindExternalFailure, "no document renderer configured")
	}
	timeout := e.Config.RenderTimeout()
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ref, err := e.Documents.Render(rctx, in)
	if err != nil {
		e.logf("render contract %s: %v", in.ContractID, err)
		return "", errs.Wrap(errs.KindExternalFailure, "contract document could not be rendered", err)
	}
	return ref, nil
}

// Send marks a pending contract as delivered to both parties.
func (e Engine) Send(ctx context.Context, actor domain.Actor, id domain.ContractID) (domain.Contract, error) {
	if err := auth.Check(actor, auth.ContractSend, auth.Ownership{}); err != nil {
		return domain.Contract{}, err
	}
	return e.mutateContract(ctx, "engine.Send", id, func(ctx context.Context, tx *sql.Tx, c domain.Contract) (domain.Contract, error) {
		if c.Status == domain.ContractSent {
			return c, nil
		}
		if err := ensureContractTransition(c.Status, domain.ContractSent); err != nil {
			return c, err
		}
		next := c.Apply(e.now(), func(c *domain.Contract) { c.Status = domain.ContractSent })
		saved, err := e.Repo.UpdateContract(ctx, tx, next)
		if err != nil {
			return c, storeErr(err, "contract "+string(c.ID))
		}
		return saved, e.contractEvent(ctx, tx, events.ContractSent, saved, actor.ID, nil)
	})
}

// Sign records actor's signature. Signing twice is a no-op. The signature that
// completes the contract also moves the project to awaiting_payment in the same
// transaction.
func (e Engine) Sign(ctx context.Context, actor domain.Actor, id domain.ContractID, signature string) (domain.Contract, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return domain.Contract{}, validation("signature", "signature is required")
	}
	return e.mutateContract(ctx, "engine.Sign", id, func(ctx context.Context, tx *sql.Tx, c domain.Contract) (domain.Contract, error) {
		if err := auth.Check(actor, auth.ContractSign, auth.Ownership{ClientID: c.ClientID, ContractorID: c.ContractorID}); err != nil {
			return c, err
		}
		if c.SignedByActor(actor.ID) {
			return c, nil
		}
		if err := ensureContractTransition(c.Status, domain.ContractSigned); err != nil {
			return c, err
		}
		p, err := e.Repo.GetProjectTx(ctx, tx, c.ProjectID)
		if err != nil {
			return c, storeErr(err, "project "+string(c.ProjectID))
		}
		if p.Status.Terminal() {
			return c, invalidTransition("project is %s", p.Status)
		}
		now := e.now()
		sig := domain.Signature{UserID: actor.ID, SignedAt: now, Signature: signature}
		added, err := e.Repo.AddSignature(ctx, tx, c.ID, sig)
		if err != nil {
			return c, err
		}
		if !added {
			return c, errs.New(errs.KindConflict, "signature recorded concurrently")
		}
		next := c.Apply(now, func(c *domain.Contract) {
			c.SignedBy = append(c.SignedBy, sig)
			if c.FullySigned() {
				c.Status = domain.ContractSigned
			}
		})
		saved, err := e.Repo.UpdateContract(ctx, tx, next)
		if err != nil {
			return c, storeErr(err, "contract "+string(c.ID))
		}
		if err := e.contractEvent(ctx, tx, events.ContractSignatureAdded, saved, actor.ID, events.EventPayload{"user_id": actor.ID}); err != nil {
			return c, err
		}
		if saved.Status != domain.ContractSigned {
			return saved, nil
		}
		if err := e.contractEvent(ctx, tx, events.ContractSigned, saved, actor.ID, nil); err != nil {
			return c, err
		}
		nextProject, evts, err := awaitingPaymentStep(p, &saved, now)
		if err != nil {
			return c, err
		}
		if len(evts) == 0 {
			return saved, nil
		}
		savedProject, err := e.saveProject(ctx, tx, nextProject)
		if err != nil {
			return c, err
		}
		return saved, e.appendProjectEvents(ctx, tx, savedProject, actor.ID, evts)
	})
}

// Reject closes a contract that is not yet signed and detaches it from its
// project so a new one can be generated.
func (e Engine) Reject(ctx context.Context, actor domain.Actor, id domain.ContractID, reason string) (domain.Contract, error) {
	reason = strings.TrimSpace(reason)
	return e.mutateContract(ctx, "engine.Reject", id, func(ctx context.Context, tx *sql.Tx, c domain.Contract) (domain.Contract, error) {
		if err := auth.Check(actor, auth.ContractReject, auth.Ownership{ClientID: c.ClientID, ContractorID: c.ContractorID}); err != nil {
			return c, err
		}
		if err := ensureContractTransition(c.Status, domain.ContractRejected); err != nil {
			return c, err
		}
		now := e.now()
		next := c.Apply(now, func(c *domain.Contract) {
			c.Status = domain.ContractRejected
			c.RejectReason = reason
		})
		saved, err := e.Repo.UpdateContract(ctx, tx, next)
		if err != nil {
			return c, storeErr(err, "contract "+string(c.ID))
		}
		p, err := e.Repo.GetProjectTx(ctx, tx, c.ProjectID)
		if err != nil {
			return c, storeErr(err, "project "+string(c.ProjectID))
		}
		if p.ContractID == c.ID {
			if _, err := e.saveProject(ctx, tx, p.Apply(now, func(p *domain.Project) { p.ContractID = "" })); err != nil {
				return c, err
			}
		}
		return saved, e.contractEvent(ctx, tx, events.ContractRejected, saved, actor.ID, events.EventPayload{"reason": reason})
	})
}

// contractStep derives and persists the next state of c inside tx.
type contractStep func(ctx context.Context, tx *sql.Tx, c domain.Contract) (domain.Contract, error)

func (e Engine) mutateContract(ctx context.Context, name string, id domain.ContractID, step contractStep) (domain.Contract, error) {
	var out domain.Contract
	err := e.attempt(ctx, name, func(ctx context.Context) error {
		c, err := e.Repo.GetContract(ctx, id)
		if err != nil {
			return storeErr(err, "contract "+string(id))
		}
		return e.inTx(ctx, func(tx *sql.Tx) error {
			next, err := step(ctx, tx, c)
			if err != nil {
				return err
			}
			out = next
			return nil
		})
	})
	return out, err
}

func (e Engine) contractEvent(ctx context.Context, tx *sql.Tx, typ string, c domain.Contract, actorID domain.ActorID, payload events.EventPayload) error {
	return e.Events.Append(ctx, tx, typ, string(c.ProjectID), "contract", string(c.ID), string(actorID), payload)
}

// GetContract returns a contract visible to actor.
func (e Engine) GetContract(ctx context.Context, actor domain.Actor, id domain.ContractID) (domain.Contract, error) {
	c, err := e.Repo.GetContract(ctx, id)
	if err != nil {
		return domain.Contract{}, storeErr(err, "contract "+string(id))
	}
	if err := auth.Check(actor, auth.ContractRead, auth.Ownership{ClientID: c.ClientID, ContractorID: c.ContractorID}); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// ContractForProject returns the active contract of a project.
func (e Engine) ContractForProject(ctx context.Context, actor domain.Actor, projectID domain.ProjectID) (domain.Contract, error) {
	p, err := e.GetProject(ctx, actor, projectID)
	if err != nil {
		return domain.Contract{}, err
	}
	if p.ContractID == "" {
		return domain.Contract{}, errs.New(errs.KindNotFound, "project "+string(projectID)+" has no active contract")
	}
	c, err := e.Repo.GetContract(ctx, p.ContractID)
	if err != nil {
		return domain.Contract{}, storeErr(err, "contract "+string(p.ContractID))
	}
	return c, nil
}
