package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"engageline/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	if key.ID == "" || key.ActorID == "" || key.KeyHash == "" {
		return errors.New("id, actor_id and key_hash required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, string(key.ActorID), nullable(key.Name), key.KeyHash, formatTS(key.CreatedAt))
	return err
}

// APIKeyPrincipal resolves a hashed key to the actor that owns it.
func (r Repo) APIKeyPrincipal(ctx context.Context, hash string) (domain.Actor, error) {
	var a domain.Actor
	var role string
	err := r.DB.QueryRowContext(ctx, `SELECT a.id, a.role FROM api_keys k JOIN actors a ON a.id=k.actor_id WHERE k.key_hash=? LIMIT 1`, hash).Scan(&a.ID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	a.Role = domain.Role(role)
	return a, err
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
