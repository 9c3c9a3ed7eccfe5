package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"engageline/internal/domain"
)

func scanActor(s scanner) (domain.ActorProfile, error) {
	var (
		a         domain.ActorProfile
		role      string
		createdAt string
	)
	if err := s.Scan(&a.ID, &role, &a.DisplayName, &createdAt); err != nil {
		return a, err
	}
	a.Role = domain.Role(role)
	var err error
	a.CreatedAt, err = parseTS(createdAt)
	return a, err
}

func (r Repo) GetActor(ctx context.Context, q Querier, id domain.ActorID) (domain.ActorProfile, error) {
	a, err := scanActor(q.QueryRowContext(ctx, `SELECT id,role,COALESCE(display_name,''),created_at FROM actors WHERE id=?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertActor(ctx context.Context, tx *sql.Tx, a domain.ActorProfile) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actors(id,role,display_name,created_at) VALUES (?,?,?,?)`,
		string(a.ID), string(a.Role), nullable(a.DisplayName), formatTS(a.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("actor %s: %w", a.ID, ErrDuplicate)
	}
	return err
}

// EnsureActor registers a with its role unless an actor with that id exists.
func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, a domain.ActorProfile) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id,role,display_name,created_at) VALUES (?,?,?,?)`,
		string(a.ID), string(a.Role), nullable(a.DisplayName), formatTS(a.CreatedAt))
	return err
}

func (r Repo) ListActors(ctx context.Context, role domain.Role) ([]domain.ActorProfile, error) {
	query := `SELECT id,role,COALESCE(display_name,''),created_at FROM actors`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, string(role))
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ActorProfile
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
