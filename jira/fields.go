package jira

import (
	"context"
	"errors"

	"github.com/relaydesk/ticketing"
)

// CreateParams is the typed form of the fields JIRA create accepts.
// Custom carries anything else (customfield_XXXXX and untested fields)
// through to the backend verbatim.
type CreateParams struct {
	Summary     string
	Description string
	Type        string
	Priority    string
	Assignee    string
	Reporter    string
	Environment string
	DueDate     string
	Parent      string
	Components  []string
	Custom      ticketing.Fields
}

// Fields flattens the typed params into the open field map consumed by
// Create.
func (p CreateParams) Fields() ticketing.Fields {
	f := ticketing.Fields{
		"summary":     p.Summary,
		"description": p.Description,
		"type":        p.Type,
	}
	setIf := func(key, value string) {
		if value != "" {
			f[key] = value
		}
	}
	setIf("priority", p.Priority)
	setIf("assignee", p.Assignee)
	setIf("reporter", p.Reporter)
	setIf("environment", p.Environment)
	setIf("duedate", p.DueDate)
	setIf("parent", p.Parent)
	if len(p.Components) > 0 {
		f["components"] = p.Components
	}
	return f.Merge(p.Custom)
}

// CreateIssue is the typed entry point for issue creation.
func (a *Adapter) CreateIssue(ctx context.Context, p CreateParams) ticketing.Result {
	return a.Create(ctx, p.Fields())
}

// prepareFields rewrites known field names into JIRA's wire shapes:
// name-keyed objects for priority/assignee/reporter, key-keyed for
// parent, name lists for components, and type into issuetype. Unknown
// keys pass through untouched so untested custom fields keep working.
func prepareFields(fields ticketing.Fields) (ticketing.Fields, error) {
	if fields.String("type") == "Sub-task" {
		if _, ok := fields["parent"]; !ok {
			return nil, errors.New("parent field is required while creating a Sub Task")
		}
	}

	out := make(ticketing.Fields, len(fields))
	for key, value := range fields {
		switch key {
		case "priority", "assignee", "reporter":
			out[key] = map[string]any{"name": value}
		case "parent":
			out[key] = map[string]any{"key": value}
		case "components":
			names, _ := value.([]string)
			components := make([]map[string]string, 0, len(names))
			for _, name := range names {
				components = append(components, map[string]string{"name": name})
			}
			out[key] = components
		case "type":
			out["issuetype"] = map[string]any{"name": value}
		default:
			out[key] = value
		}
	}
	return out, nil
}
