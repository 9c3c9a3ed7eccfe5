package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"engageline/internal/domain"
)

// InsertPaymentRecord records a provider token for a project. It reports false
// without error when the (project, token) pair was already recorded, which is
// the idempotency check for webhook redelivery.
func (r Repo) InsertPaymentRecord(ctx context.Context, tx *sql.Tx, rec domain.PaymentRecord) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO payment_records(project_id,token,provider,outcome,received_at) VALUES (?,?,?,?,?)
ON CONFLICT(project_id,token) DO NOTHING`,
		string(rec.ProjectID), rec.Token, rec.Provider, string(rec.Outcome), formatTS(rec.ReceivedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ListPaymentRecords(ctx context.Context, projectID domain.ProjectID) ([]domain.PaymentRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,token,provider,outcome,received_at FROM payment_records WHERE project_id=? ORDER BY received_at`, string(projectID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PaymentRecord
	for rows.Next() {
		var (
			rec     domain.PaymentRecord
			outcome string
			at      string
		)
		if err := rows.Scan(&rec.ProjectID, &rec.Token, &rec.Provider, &outcome, &at); err != nil {
			return nil, err
		}
		rec.Outcome = domain.PaymentOutcome(outcome)
		if rec.ReceivedAt, err = parseTS(at); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertReconciliation queues a payment event for manual follow-up.
func (r Repo) InsertReconciliation(ctx context.Context, item domain.ReconciliationItem) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO reconciliation_items(project_id,token,outcome,reason,payload,created_at) VALUES (?,?,?,?,?,?)`,
		nullable(string(item.ProjectID)), item.Token, nullable(string(item.Outcome)), item.Reason, item.Payload, formatTS(item.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const reconciliationColumns = `id,COALESCE(project_id,''),token,COALESCE(outcome,''),reason,payload,created_at,COALESCE(resolved_at,'')`

func scanReconciliation(s scanner) (domain.ReconciliationItem, error) {
	var (
		item                domain.ReconciliationItem
		outcome             string
		createdAt, resolved string
	)
	if err := s.Scan(&item.ID, &item.ProjectID, &item.Token, &outcome, &item.Reason, &item.Payload, &createdAt, &resolved); err != nil {
		return item, err
	}
	item.Outcome = domain.PaymentOutcome(outcome)
	var err error
	if item.CreatedAt, err = parseTS(createdAt); err != nil {
		return item, err
	}
	if resolved != "" {
		at, err := parseTS(resolved)
		if err != nil {
			return item, err
		}
		item.ResolvedAt = &at
	}
	return item, nil
}

func (r Repo) GetReconciliation(ctx context.Context, id int64) (domain.ReconciliationItem, error) {
	item, err := scanReconciliation(r.DB.QueryRowContext(ctx, `SELECT `+reconciliationColumns+` FROM reconciliation_items WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return item, ErrNotFound
	}
	return item, err
}

func (r Repo) ListReconciliation(ctx context.Context, unresolvedOnly bool) ([]domain.ReconciliationItem, error) {
	query := `SELECT ` + reconciliationColumns + ` FROM reconciliation_items`
	if unresolvedOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ReconciliationItem
	for rows.Next() {
		item, err := scanReconciliation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r Repo) ResolveReconciliation(ctx context.Context, id int64, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE reconciliation_items SET resolved_at=? WHERE id=? AND resolved_at IS NULL`, formatTS(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
