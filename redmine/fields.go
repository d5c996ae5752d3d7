package redmine

import (
	"context"

	"github.com/relaydesk/ticketing"
)

// CreateParams is the typed form of the fields Redmine create accepts.
type CreateParams struct {
	Subject       string
	Description   string
	Priority      string
	Assignee      string
	Tracker       string
	StartDate     string
	DueDate       string
	EstimatedTime float64
	Custom        ticketing.Fields
}

// Fields flattens the typed params into the open field map consumed by
// Create.
func (p CreateParams) Fields() ticketing.Fields {
	f := ticketing.Fields{
		"subject":     p.Subject,
		"description": p.Description,
	}
	if p.Priority != "" {
		f["priority"] = p.Priority
	}
	if p.Assignee != "" {
		f["assignee"] = p.Assignee
	}
	if p.Tracker != "" {
		f["tracker"] = p.Tracker
	}
	if p.StartDate != "" {
		f["start_date"] = p.StartDate
	}
	if p.DueDate != "" {
		f["due_date"] = p.DueDate
	}
	if p.EstimatedTime > 0 {
		f["estimated_time"] = p.EstimatedTime
	}
	return f.Merge(p.Custom)
}

// CreateIssue is the typed entry point for issue creation.
func (a *Adapter) CreateIssue(ctx context.Context, p CreateParams) ticketing.Result {
	return a.Create(ctx, p.Fields())
}
