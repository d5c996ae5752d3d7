package servicenow

import (
	"context"

	"github.com/relaydesk/ticketing"
)

// CreateParams is the typed form of the fields record creation
// accepts.
type CreateParams struct {
	ShortDescription string
	Description      string
	Category         string
	Item             string
	Urgency          string
	Impact           string
	OpenedFor        string
	Assignee         string
	Custom           ticketing.Fields
}

// Fields flattens the typed params into the open field map consumed by
// Create.
func (p CreateParams) Fields() ticketing.Fields {
	f := ticketing.Fields{
		"short_description": p.ShortDescription,
		"description":       p.Description,
		"category":          p.Category,
		"item":              p.Item,
	}
	setIf := func(key, value string) {
		if value != "" {
			f[key] = value
		}
	}
	setIf("urgency", p.Urgency)
	setIf("impact", p.Impact)
	setIf("opened_for", p.OpenedFor)
	setIf("assigned_to", p.Assignee)
	return f.Merge(p.Custom)
}

// CreateRecord is the typed entry point for record creation.
func (a *Adapter) CreateRecord(ctx context.Context, p CreateParams) ticketing.Result {
	return a.Create(ctx, p.Fields())
}

// prepareFields maps portable field names onto the instance's u_
// prefixed column names.
func prepareFields(fields ticketing.Fields) ticketing.Fields {
	out := make(ticketing.Fields, len(fields))
	for key, value := range fields {
		if renamed, ok := columnRenames[key]; ok {
			out[renamed] = value
			continue
		}
		out[key] = value
	}
	return out
}

// columnRenames maps portable names to the customized column names the
// target instance uses.
var columnRenames = map[string]string{
	"category":          "u_category",
	"item":              "u_item",
	"opened_for":        "u_opened_for",
	"operating_system":  "u_operating_system",
	"severity":          "u_severity",
	"hostname_affected": "u_hostname_affected",
	"opened_by_dept":    "u_opened_by_dept",
	"topic":             "u_topic_reportable",
	"email_from":        "u_email_from_address",
}
