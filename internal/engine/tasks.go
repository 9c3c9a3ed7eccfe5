package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"engageline/internal/domain"
	"engageline/internal/engine/auth"
	"engageline/internal/events"
)

type TaskInput struct {
	Title       string
	Description string
	AssigneeID  domain.ActorID
}

// CreateTask appends a pending task to a project that is still open.
func (e Engine) CreateTask(ctx context.Context, actor domain.Actor, projectID domain.ProjectID, in TaskInput) (domain.Task, error) {
	if err := auth.Check(actor, auth.TaskCreate, auth.Ownership{}); err != nil {
		return domain.Task{}, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return domain.Task{}, validation("title", "title is required")
	}
	id := domain.TaskID(uuid.NewString())
	var task domain.Task
	_, err := e.mutateProject(ctx, "engine.CreateTask", projectID, actor, func(ctx context.Context, tx *sql.Tx, p domain.Project, now time.Time) (domain.Project, []event, error) {
		if p.Status.Terminal() {
			return p, nil, invalidTransition("project is %s", p.Status)
		}
		assignee := in.AssigneeID
		if assignee == "" {
			assignee = p.ContractorID
		}
		task = domain.Task{
			ID:          id,
			ProjectID:   p.ID,
			Title:       in.Title,
			Description: strings.TrimSpace(in.Description),
			AssigneeID:  assignee,
			Status:      domain.TaskPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
			return p, nil, err
		}
		next := p.Apply(now, func(p *domain.Project) { p.Tasks = append(p.Tasks, id) })
		return next, []event{{events.TaskCreated, events.EventPayload{"task_id": id, "title": task.Title}}}, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// UpdateTaskStatus moves a task forward. The assigned contractor and admins
// may do so; completed tasks are final.
func (e Engine) UpdateTaskStatus(ctx context.Context, actor domain.Actor, id domain.TaskID, status domain.TaskStatus) (domain.Task, error) {
	switch status {
	case domain.TaskPending, domain.TaskInProgress, domain.TaskCompleted:
	default:
		return domain.Task{}, validation("status", "unknown task status "+string(status))
	}
	var out domain.Task
	err := e.attempt(ctx, "engine.UpdateTaskStatus", func(ctx context.Context) error {
		t, err := e.Repo.GetTask(ctx, id)
		if err != nil {
			return storeErr(err, "task "+string(id))
		}
		p, err := e.Repo.GetProject(ctx, t.ProjectID)
		if err != nil {
			return storeErr(err, "project "+string(t.ProjectID))
		}
		if err := auth.Check(actor, auth.TaskUpdate, ownership(p)); err != nil {
			return err
		}
		if t.Status == status {
			out = t
			return nil
		}
		if p.Status.Terminal() {
			return invalidTransition("project is %s", p.Status)
		}
		if err := ensureTaskTransition(t.Status, status); err != nil {
			return err
		}
		next := t.Apply(e.now(), func(t *domain.Task) { t.Status = status })
		return e.inTx(ctx, func(tx *sql.Tx) error {
			// Re-read under the write lock: Cancel may have committed since.
			current, err := e.Repo.GetProjectTx(ctx, tx, p.ID)
			if err != nil {
				return storeErr(err, "project "+string(p.ID))
			}
			if current.Status.Terminal() {
				return invalidTransition("project is %s", current.Status)
			}
			if err := e.Repo.UpdateTaskStatus(ctx, tx, next, t.Status); err != nil {
				return storeErr(err, "task "+string(id))
			}
			if err := e.Events.Append(ctx, tx, events.TaskUpdated, string(p.ID), "task", string(t.ID), string(actor.ID),
				events.EventPayload{"from": t.Status, "to": status}); err != nil {
				return err
			}
			out = next
			return nil
		})
	})
	return out, err
}

// ListTasks returns a project's tasks in creation order.
func (e Engine) ListTasks(ctx context.Context, actor domain.Actor, projectID domain.ProjectID) ([]domain.Task, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, storeErr(err, "project "+string(projectID))
	}
	if err := auth.Check(actor, auth.TaskRead, ownership(p)); err != nil {
		return nil, err
	}
	tasks, err := e.Repo.ListTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}
