package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repo is the entity store. Methods without a tx argument read through DB;
// writes always take the caller's transaction so they commit with their event.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStale reports a conditional update whose expected version no longer matches.
	ErrStale = errors.New("stale version")
	// ErrDuplicate reports a uniqueness violation.
	ErrDuplicate = errors.New("duplicate")
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// table is the storage shape of one entity kind addressed by an identifier of type ID.
type table[ID ~string, T any] struct {
	name    string
	columns string
	scan    func(scanner) (T, error)
}

func (t table[ID, T]) get(ctx context.Context, q Querier, id ID) (T, error) {
	row := q.QueryRowContext(ctx, `SELECT `+t.columns+` FROM `+t.name+` WHERE id=?`, string(id))
	v, err := t.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	return v, err
}

func (t table[ID, T]) list(ctx context.Context, q Querier, tail string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+t.columns+` FROM `+t.name+` `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := t.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// updateIf applies set to the row only while its version still equals version,
// bumping the version on success.
func (t table[ID, T]) updateIf(ctx context.Context, q Querier, id ID, version int64, set string, args ...any) error {
	args = append(args, string(id), version)
	res, err := q.ExecContext(ctx, `UPDATE `+t.name+` SET `+set+`, version=version+1 WHERE id=? AND version=?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		err := q.QueryRowContext(ctx, `SELECT 1 FROM `+t.name+` WHERE id=?`, string(id)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%s %s: %w", t.name, id, ErrStale)
	}
	return nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
