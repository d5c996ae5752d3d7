package bugzilla

import (
	"context"

	"github.com/relaydesk/ticketing"
)

// CreateParams is the typed form of the fields Bugzilla create
// accepts.
type CreateParams struct {
	Summary     string
	Description string
	Component   string
	Version     string
	Assignee    string
	QAContact   string
	Priority    string
	Severity    string
	OS          string
	Platform    string
	Custom      ticketing.Fields
}

// Fields flattens the typed params into the open field map consumed by
// Create.
func (p CreateParams) Fields() ticketing.Fields {
	f := ticketing.Fields{
		"summary":     p.Summary,
		"description": p.Description,
	}
	setIf := func(key, value string) {
		if value != "" {
			f[key] = value
		}
	}
	setIf("component", p.Component)
	setIf("version", p.Version)
	setIf("assignee", p.Assignee)
	setIf("qa_contact", p.QAContact)
	setIf("priority", p.Priority)
	setIf("severity", p.Severity)
	setIf("op_sys", p.OS)
	setIf("platform", p.Platform)
	return f.Merge(p.Custom)
}

// CreateBug is the typed entry point for bug creation.
func (a *Adapter) CreateBug(ctx context.Context, p CreateParams) ticketing.Result {
	return a.Create(ctx, p.Fields())
}
