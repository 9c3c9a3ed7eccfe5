package repo

import (
	"context"
	"database/sql"

	"engageline/internal/domain"
)

var tasks = table[domain.TaskID, domain.Task]{
	name:    "tasks",
	columns: `id,project_id,title,COALESCE(description,''),COALESCE(assignee_id,''),status,created_at,updated_at`,
	scan:    scanTask,
}

func scanTask(s scanner) (domain.Task, error) {
	var (
		t                    domain.Task
		status               string
		createdAt, updatedAt string
	)
	if err := s.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.AssigneeID, &status, &createdAt, &updatedAt); err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	var err error
	if t.CreatedAt, err = parseTS(createdAt); err != nil {
		return t, err
	}
	t.UpdatedAt, err = parseTS(updatedAt)
	return t, err
}

func (r Repo) GetTask(ctx context.Context, id domain.TaskID) (domain.Task, error) {
	return tasks.get(ctx, r.DB, id)
}

// ListTasks returns a project's tasks in creation order.
func (r Repo) ListTasks(ctx context.Context, projectID domain.ProjectID) ([]domain.Task, error) {
	return tasks.list(ctx, r.DB, `WHERE project_id=? ORDER BY seq`, string(projectID))
}

// InsertTask appends t to its project's ordered task list.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,seq,title,description,assignee_id,status,created_at,updated_at)
VALUES (?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM tasks WHERE project_id=?),?,?,?,?,?,?)`,
		string(t.ID), string(t.ProjectID), string(t.ProjectID), t.Title, nullable(t.Description),
		nullable(string(t.AssigneeID)), string(t.Status), formatTS(t.CreatedAt), formatTS(t.UpdatedAt))
	return err
}

// UpdateTaskStatus moves t from the status it was read with to t.Status.
func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, t domain.Task, from domain.TaskStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(t.Status), formatTS(t.UpdatedAt), string(t.ID), string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

// CountOpenTasks counts a project's tasks that are not completed.
func (r Repo) CountOpenTasks(ctx context.Context, q Querier, projectID domain.ProjectID) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE project_id=? AND status<>'completed'`, string(projectID)).Scan(&n)
	return n, err
}

func taskIDs(ctx context.Context, q Querier, projectID domain.ProjectID) ([]domain.TaskID, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM tasks WHERE project_id=? ORDER BY seq`, string(projectID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []domain.TaskID{}
	for rows.Next() {
		var id domain.TaskID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
