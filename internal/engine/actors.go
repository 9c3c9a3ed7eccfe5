package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"engageline/internal/domain"
	"engageline/internal/engine/auth"
	"engageline/internal/errs"
	"engageline/internal/events"
	"engageline/internal/repo"
)

// RegisterActor adds a user with a fixed role.
func (e Engine) RegisterActor(ctx context.Context, actor domain.Actor, profile domain.ActorProfile) (domain.ActorProfile, error) {
	if err := auth.Check(actor, auth.ActorRegister, auth.Ownership{}); err != nil {
		return domain.ActorProfile{}, err
	}
	profile.ID = domain.ActorID(strings.TrimSpace(string(profile.ID)))
	if profile.ID == "" {
		return domain.ActorProfile{}, validation("id", "id is required")
	}
	if !profile.Role.Valid() {
		return domain.ActorProfile{}, validation("role", "role must be admin, client or contractor")
	}
	profile.DisplayName = strings.TrimSpace(profile.DisplayName)
	profile.CreatedAt = e.now()
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertActor(ctx, tx, profile); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return errs.WithMetadata(errs.KindConflict, "actor "+string(profile.ID)+" already exists", map[string]string{"id": string(profile.ID)})
			}
			return err
		}
		return e.Events.Append(ctx, tx, events.ActorRegistered, "", "actor", string(profile.ID), string(actor.ID),
			events.EventPayload{"role": profile.Role})
	})
	if err != nil {
		return domain.ActorProfile{}, err
	}
	return profile, nil
}

// ListActors returns registered actors, optionally of one role.
func (e Engine) ListActors(ctx context.Context, actor domain.Actor, role domain.Role) ([]domain.ActorProfile, error) {
	if err := auth.Check(actor, auth.ActorRegister, auth.Ownership{}); err != nil {
		return nil, err
	}
	return e.Repo.ListActors(ctx, role)
}

// IssueAPIKey creates a key for a registered actor and returns the plaintext
// once; only its hash is stored.
func (e Engine) IssueAPIKey(ctx context.Context, actor domain.Actor, owner domain.ActorID, name string) (domain.APIKey, string, error) {
	if err := auth.Check(actor, auth.ActorRegister, auth.Ownership{}); err != nil {
		return domain.APIKey{}, "", err
	}
	if _, err := e.Repo.GetActor(ctx, e.DB, owner); err != nil {
		return domain.APIKey{}, "", storeErr(err, "actor "+string(owner))
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "ek_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   owner,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now(),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}
