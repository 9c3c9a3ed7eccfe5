package engine

import (
	"context"
	"database/sql"
	"net/url"
	"strconv"
	"strings"
	"time"

	"engageline/internal/domain"
	"engageline/internal/engine/auth"
	"engageline/internal/errs"
	"engageline/internal/events"
)

// SubmitDeliverable appends a deliverable to an in-progress project. Only the
// assigned contractor submits.
func (e Engine) SubmitDeliverable(ctx context.Context, actor domain.Actor, projectID domain.ProjectID, name, fileURL string) (domain.Project, error) {
	name = strings.TrimSpace(name)
	fileURL = strings.TrimSpace(fileURL)
	if name == "" {
		return domain.Project{}, validation("name", "name is required")
	}
	if u, err := url.Parse(fileURL); err != nil || u.Scheme == "" || u.Host == "" {
		return domain.Project{}, validation("file_url", "file_url must be an absolute URL")
	}
	return e.mutateProject(ctx, "engine.SubmitDeliverable", projectID, actor, func(_ context.Context, _ *sql.Tx, p domain.Project, now time.Time) (domain.Project, []event, error) {
		if err := auth.Check(actor, auth.DeliverableSubmit, ownership(p)); err != nil {
			return p, nil, err
		}
		if p.Status != domain.ProjectInProgress {
			return p, nil, invalidTransition("deliverables are submitted while in_progress, project is %s", p.Status)
		}
		next := p.Apply(now, func(p *domain.Project) {
			p.Deliverables = append(p.Deliverables, domain.Deliverable{Name: name, FileURL: fileURL, SubmittedAt: now})
		})
		return next, []event{{events.DeliverableSubmitted, events.EventPayload{"index": len(p.Deliverables), "name": name}}}, nil
	})
}

// ReviewDeliverable approves or rejects the deliverable at index.
func (e Engine) ReviewDeliverable(ctx context.Context, actor domain.Actor, projectID domain.ProjectID, index int, approved bool) (domain.Project, error) {
	return e.mutateProject(ctx, "engine.ReviewDeliverable", projectID, actor, func(_ context.Context, _ *sql.Tx, p domain.Project, now time.Time) (domain.Project, []event, error) {
		if err := auth.Check(actor, auth.DeliverableReview, ownership(p)); err != nil {
			return p, nil, err
		}
		if index < 0 || index >= len(p.Deliverables) {
			return p, nil, errs.New(errs.KindNotFound, "deliverable "+strconv.Itoa(index)+" not found")
		}
		if p.Status.Terminal() {
			return p, nil, invalidTransition("project is %s", p.Status)
		}
		next := p.Apply(now, func(p *domain.Project) {
			v := approved
			p.Deliverables[index].Approved = &v
		})
		return next, []event{{events.DeliverableReviewed, events.EventPayload{"index": index, "approved": approved}}}, nil
	})
}
