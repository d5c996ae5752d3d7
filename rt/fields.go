package rt

import (
	"context"

	"github.com/relaydesk/ticketing"
)

// CreateParams is the typed form of the fields RT create accepts.
type CreateParams struct {
	Subject  string
	Text     string
	Priority string
	Owner    string
	CC       []string
	AdminCC  []string
	Custom   ticketing.Fields
}

// Fields flattens the typed params into the open field map consumed by
// Create.
func (p CreateParams) Fields() ticketing.Fields {
	f := ticketing.Fields{
		"subject": p.Subject,
		"text":    p.Text,
	}
	if p.Priority != "" {
		f["priority"] = p.Priority
	}
	if p.Owner != "" {
		f["owner"] = p.Owner
	}
	if len(p.CC) > 0 {
		f["cc"] = p.CC
	}
	if len(p.AdminCC) > 0 {
		f["admincc"] = p.AdminCC
	}
	return f.Merge(p.Custom)
}

// CreateTicket is the typed entry point for ticket creation.
func (a *Adapter) CreateTicket(ctx context.Context, p CreateParams) ticketing.Result {
	return a.Create(ctx, p.Fields())
}
