package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"engageline/internal/config"
	"engageline/internal/documents"
	"engageline/internal/domain"
	"engageline/internal/engine/auth"
	"engageline/internal/errs"
	"engageline/internal/events"
	"engageline/internal/repo"
)

// Engine owns every state change of projects, contracts and tasks. Each
// operation reads current state, checks its preconditions, and persists the
// result with a version-guarded write in one transaction together with its
// events. A lost race surfaces as errs.Conflict and the operation is retried
// from a fresh read.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Documents documents.Renderer
	// Intents creates provider payments; nil disables CreatePaymentIntent.
	Intents IntentCreator
	Config  *config.Config
	Logger  *log.Logger
	Tracer  trace.Tracer
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, docs documents.Renderer) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{Now: time.Now},
		Documents: docs,
		Config:    cfg,
		Logger:    log.New(os.Stderr, "engine: ", log.LstdFlags),
		Tracer:    otel.Tracer("engageline/engine"),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

func (e Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return otel.Tracer("engageline/engine")
}

func (e Engine) maxAttempts() int {
	if e.Config == nil {
		return config.DefaultMaxAttempts
	}
	return e.Config.MaxAttempts()
}

// attempt runs op inside a span, re-running it while it loses a version race.
// Any other outcome, success included, ends the loop.
func (e Engine) attempt(ctx context.Context, name string, op func(ctx context.Context) error) error {
	ctx, span := e.tracer().Start(ctx, name)
	defer span.End()
	var err error
	for i := 1; i <= e.maxAttempts(); i++ {
		err = op(ctx)
		if !errors.Is(err, errs.Conflict) {
			break
		}
		span.AddEvent("conflict", trace.WithAttributes(attribute.Int("attempt", i)))
		e.logf("%s: attempt %d lost a concurrent update: %v", name, i, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.KindOf(err)))
	}
	return err
}

func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// storeErr classifies repository errors for entity what.
func storeErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return errs.New(errs.KindNotFound, what+" not found")
	case errors.Is(err, repo.ErrStale):
		return errs.Wrap(errs.KindConflict, what+" changed concurrently", err)
	}
	return err
}

type event struct {
	typ     string
	payload events.EventPayload
}

// projectStep derives the next state of p inside tx. Steps returning p
// unchanged with no events leave the project untouched.
type projectStep func(ctx context.Context, tx *sql.Tx, p domain.Project, now time.Time) (domain.Project, []event, error)

// mutateProject is the read, check, conditional-write cycle shared by the
// project operations.
func (e Engine) mutateProject(ctx context.Context, name string, id domain.ProjectID, actor domain.Actor, step projectStep) (domain.Project, error) {
	var out domain.Project
	err := e.attempt(ctx, name, func(ctx context.Context) error {
		p, err := e.Repo.GetProject(ctx, id)
		if err != nil {
			return storeErr(err, "project "+string(id))
		}
		return e.inTx(ctx, func(tx *sql.Tx) error {
			next, evts, err := step(ctx, tx, p, e.now())
			if err != nil {
				return err
			}
			if len(evts) == 0 && next.UpdatedAt.Equal(p.UpdatedAt) {
				out = p
				return nil
			}
			saved, err := e.saveProject(ctx, tx, next)
			if err != nil {
				return err
			}
			if err := e.appendProjectEvents(ctx, tx, saved, actor.ID, evts); err != nil {
				return err
			}
			out = saved
			return nil
		})
	})
	return out, err
}

// saveProject persists p after checking it against its active contract.
func (e Engine) saveProject(ctx context.Context, tx *sql.Tx, p domain.Project) (domain.Project, error) {
	active, err := e.activeContract(ctx, tx, p.ID)
	if err != nil {
		return p, err
	}
	if err := p.Consistent(active); err != nil {
		return p, errs.Wrap(errs.KindInternal, "refusing inconsistent project state", err)
	}
	saved, err := e.Repo.UpdateProject(ctx, tx, p)
	return saved, storeErr(err, "project "+string(p.ID))
}

func (e Engine) activeContract(ctx context.Context, q repo.Querier, id domain.ProjectID) (*domain.Contract, error) {
	c, err := e.Repo.ActiveContract(ctx, q, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (e Engine) appendProjectEvents(ctx context.Context, tx *sql.Tx, p domain.Project, actorID domain.ActorID, evts []event) error {
	for _, ev := range evts {
		if err := e.Events.Append(ctx, tx, ev.typ, string(p.ID), "project", string(p.ID), string(actorID), ev.payload); err != nil {
			return err
		}
	}
	return nil
}

func invalidTransition(format string, args ...any) error {
	return errs.New(errs.KindInvalidTransition, fmt.Sprintf(format, args...))
}

func precondition(format string, args ...any) error {
	return errs.New(errs.KindPreconditionFailed, fmt.Sprintf(format, args...))
}

func validation(field, message string) error {
	return errs.WithMetadata(errs.KindValidation, message, map[string]string{"field": field})
}

func ownership(p domain.Project) auth.Ownership {
	return auth.Ownership{ClientID: p.ClientID, ContractorID: p.ContractorID}
}
