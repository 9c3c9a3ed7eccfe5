package repo

import (
	"context"
	"database/sql"
	"fmt"

	"engageline/internal/domain"
)

var contracts = table[domain.ContractID, domain.Contract]{
	name:    "contracts",
	columns: `id,project_id,client_id,contractor_id,status,file_ref,COALESCE(reject_reason,''),version,created_at,updated_at`,
	scan:    scanContract,
}

func scanContract(s scanner) (domain.Contract, error) {
	var (
		c                    domain.Contract
		status               string
		createdAt, updatedAt string
	)
	if err := s.Scan(&c.ID, &c.ProjectID, &c.ClientID, &c.ContractorID, &status, &c.FileRef, &c.RejectReason,
		&c.Version, &createdAt, &updatedAt); err != nil {
		return c, err
	}
	c.Status = domain.ContractStatus(status)
	var err error
	if c.CreatedAt, err = parseTS(createdAt); err != nil {
		return c, err
	}
	c.UpdatedAt, err = parseTS(updatedAt)
	return c, err
}

func (r Repo) GetContract(ctx context.Context, id domain.ContractID) (domain.Contract, error) {
	return r.GetContractTx(ctx, r.DB, id)
}

// GetContractTx loads a contract with its signatures in signing order.
func (r Repo) GetContractTx(ctx context.Context, q Querier, id domain.ContractID) (domain.Contract, error) {
	c, err := contracts.get(ctx, q, id)
	if err != nil {
		return c, err
	}
	c.SignedBy, err = signatures(ctx, q, id)
	return c, err
}

// ActiveContract returns the project's contract that is not rejected.
func (r Repo) ActiveContract(ctx context.Context, q Querier, projectID domain.ProjectID) (domain.Contract, error) {
	items, err := contracts.list(ctx, q, `WHERE project_id=? AND status<>'rejected' LIMIT 1`, string(projectID))
	if err != nil {
		return domain.Contract{}, err
	}
	if len(items) == 0 {
		return domain.Contract{}, ErrNotFound
	}
	c := items[0]
	c.SignedBy, err = signatures(ctx, q, c.ID)
	return c, err
}

func (r Repo) ListContracts(ctx context.Context, projectID domain.ProjectID) ([]domain.Contract, error) {
	items, err := contracts.list(ctx, r.DB, `WHERE project_id=? ORDER BY created_at`, string(projectID))
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].SignedBy, err = signatures(ctx, r.DB, items[i].ID); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// InsertContract fails with ErrDuplicate when the project already has a
// contract that is not rejected.
func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contracts(id,project_id,client_id,contractor_id,status,file_ref,reject_reason,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		string(c.ID), string(c.ProjectID), string(c.ClientID), string(c.ContractorID), string(c.Status), c.FileRef,
		nullable(c.RejectReason), c.Version, formatTS(c.CreatedAt), formatTS(c.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("active contract for project %s: %w", c.ProjectID, ErrDuplicate)
	}
	return err
}

// UpdateContract writes status fields guarded by c.Version.
func (r Repo) UpdateContract(ctx context.Context, tx *sql.Tx, c domain.Contract) (domain.Contract, error) {
	err := contracts.updateIf(ctx, tx, c.ID, c.Version, `status=?, reject_reason=?, updated_at=?`,
		string(c.Status), nullable(c.RejectReason), formatTS(c.UpdatedAt))
	if err != nil {
		return c, err
	}
	c.Version++
	return c, nil
}

// AddSignature records sig once per (contract, user); it reports whether a row
// was inserted.
func (r Repo) AddSignature(ctx context.Context, tx *sql.Tx, id domain.ContractID, sig domain.Signature) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO contract_signatures(contract_id,user_id,signature,signed_at,seq)
VALUES (?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM contract_signatures WHERE contract_id=?))
ON CONFLICT(contract_id,user_id) DO NOTHING`,
		string(id), string(sig.UserID), sig.Signature, formatTS(sig.SignedAt), string(id))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func signatures(ctx context.Context, q Querier, id domain.ContractID) ([]domain.Signature, error) {
	rows, err := q.QueryContext(ctx, `SELECT user_id,signature,signed_at FROM contract_signatures WHERE contract_id=? ORDER BY seq`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Signature{}
	for rows.Next() {
		var (
			s  domain.Signature
			at string
		)
		if err := rows.Scan(&s.UserID, &s.Signature, &at); err != nil {
			return nil, err
		}
		if s.SignedAt, err = parseTS(at); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
