package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"engageline/internal/domain"
)

const projectColumns = `id,client_id,COALESCE(contractor_id,''),title,description,questionnaire_json,status,COALESCE(pricing_json,''),payment_status,COALESCE(contract_id,''),deliverables_json,COALESCE(cancel_reason,''),version,created_at,updated_at`

var projects = table[domain.ProjectID, domain.Project]{
	name:    "projects",
	columns: projectColumns,
	scan:    scanProject,
}

func scanProject(s scanner) (domain.Project, error) {
	var (
		p                                    domain.Project
		contractor, contract                 string
		questionnaire, pricing, deliverables string
		status, payment                      string
		createdAt, updatedAt                 string
	)
	err := s.Scan(&p.ID, &p.ClientID, &contractor, &p.Title, &p.Description, &questionnaire, &status, &pricing,
		&payment, &contract, &deliverables, &p.CancelReason, &p.Version, &createdAt, &updatedAt)
	if err != nil {
		return p, err
	}
	p.ContractorID = domain.ActorID(contractor)
	p.ContractID = domain.ContractID(contract)
	p.Status = domain.ProjectStatus(status)
	p.PaymentStatus = domain.PaymentStatus(payment)
	if err := json.Unmarshal([]byte(questionnaire), &p.Questionnaire); err != nil {
		return p, fmt.Errorf("project %s questionnaire: %w", p.ID, err)
	}
	if pricing != "" {
		p.Pricing = &domain.Pricing{}
		if err := json.Unmarshal([]byte(pricing), p.Pricing); err != nil {
			return p, fmt.Errorf("project %s pricing: %w", p.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(deliverables), &p.Deliverables); err != nil {
		return p, fmt.Errorf("project %s deliverables: %w", p.ID, err)
	}
	if p.CreatedAt, err = parseTS(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}

// GetProject loads a project with its ordered task references.
func (r Repo) GetProject(ctx context.Context, id domain.ProjectID) (domain.Project, error) {
	return r.GetProjectTx(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, q Querier, id domain.ProjectID) (domain.Project, error) {
	p, err := projects.get(ctx, q, id)
	if err != nil {
		return p, err
	}
	p.Tasks, err = taskIDs(ctx, q, id)
	return p, err
}

// ProjectFilter narrows ListProjects; empty fields match everything.
type ProjectFilter struct {
	ClientID     domain.ActorID
	ContractorID domain.ActorID
}

// ListProjects returns projects newest first.
func (r Repo) ListProjects(ctx context.Context, f ProjectFilter) ([]domain.Project, error) {
	tail := `WHERE 1=1`
	var args []any
	if f.ClientID != "" {
		tail += ` AND client_id=?`
		args = append(args, string(f.ClientID))
	}
	if f.ContractorID != "" {
		tail += ` AND contractor_id=?`
		args = append(args, string(f.ContractorID))
	}
	items, err := projects.list(ctx, r.DB, tail+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Tasks, err = taskIDs(ctx, r.DB, items[i].ID); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	cols, err := projectJSON(p)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id,client_id,contractor_id,title,description,questionnaire_json,status,pricing_json,payment_status,contract_id,deliverables_json,cancel_reason,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(p.ID), string(p.ClientID), nullable(string(p.ContractorID)), p.Title, p.Description, cols.questionnaire,
		string(p.Status), cols.pricing, string(p.PaymentStatus), nullable(string(p.ContractID)), cols.deliverables,
		nullable(p.CancelReason), p.Version, formatTS(p.CreatedAt), formatTS(p.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("project %s: %w", p.ID, ErrDuplicate)
	}
	return err
}

// UpdateProject writes every mutable field of p provided the stored version still
// equals p.Version, and returns p at its new version. A concurrent writer makes
// it fail with ErrStale.
func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, p domain.Project) (domain.Project, error) {
	cols, err := projectJSON(p)
	if err != nil {
		return p, err
	}
	err = projects.updateIf(ctx, tx, p.ID, p.Version,
		`contractor_id=?, status=?, pricing_json=?, payment_status=?, contract_id=?, deliverables_json=?, cancel_reason=?, updated_at=?`,
		nullable(string(p.ContractorID)), string(p.Status), cols.pricing, string(p.PaymentStatus),
		nullable(string(p.ContractID)), cols.deliverables, nullable(p.CancelReason), formatTS(p.UpdatedAt))
	if err != nil {
		return p, err
	}
	p.Version++
	return p, nil
}

type projectColumnsJSON struct {
	questionnaire string
	pricing       any
	deliverables  string
}

func projectJSON(p domain.Project) (projectColumnsJSON, error) {
	var out projectColumnsJSON
	q := p.Questionnaire
	if q == nil {
		q = map[string]any{}
	}
	b, err := json.Marshal(q)
	if err != nil {
		return out, fmt.Errorf("marshal questionnaire: %w", err)
	}
	out.questionnaire = string(b)
	if p.Pricing != nil {
		b, err := json.Marshal(p.Pricing)
		if err != nil {
			return out, fmt.Errorf("marshal pricing: %w", err)
		}
		out.pricing = string(b)
	}
	d := p.Deliverables
	if d == nil {
		d = []domain.Deliverable{}
	}
	b, err = json.Marshal(d)
	if err != nil {
		return out, fmt.Errorf("marshal deliverables: %w", err)
	}
	out.deliverables = string(b)
	return out, nil
}
