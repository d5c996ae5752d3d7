// Package redmine adapts the uniform ticketing operations to the
// Redmine issue JSON API, which references projects, statuses,
// priorities, and users by internal id rather than name.
package redmine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/relaydesk/ticketing"
	"github.com/relaydesk/ticketing/auth"
	"github.com/relaydesk/ticketing/internal/logx"
	"github.com/relaydesk/ticketing/internal/rest"
)

// defaultInclude lists the issue sub-resources fetched with the core
// document.
const defaultInclude = "attachments,journals,watchers,children,relations,changesets"

// Options configures a Redmine adapter.
type Options struct {
	// URL is the root of the Redmine instance. A trailing slash is
	// stripped.
	URL string

	// Project is the project identifier new issues are created under.
	Project string

	// Credential selects the authentication strategy: Basic, or
	// APIKey carried in the X-Redmine-API-Key header.
	Credential auth.Credential

	InsecureSkipVerify bool
	Proxy              string
	Timeout            time.Duration
}

// Adapter implements ticketing.Adapter for Redmine.
type Adapter struct {
	base      string
	project   string
	transport *auth.Transport
	rest      *rest.Client
	log       *slog.Logger
}

// New builds the adapter and verifies authentication. Basic
// credentials are verified against /login; API keys need no session
// negotiation.
func New(ctx context.Context, opts Options) (*Adapter, error) {
	transportCred := opts.Credential
	apiKey := ""
	if k, ok := opts.Credential.(auth.APIKey); ok {
		// Redmine takes the key as a header, not a query parameter.
		transportCred = nil
		apiKey = k.Key
	}

	transport, err := auth.NewTransport(transportCred, auth.Options{
		InsecureSkipVerify: opts.InsecureSkipVerify,
		Proxy:              opts.Proxy,
		Timeout:            opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("redmine: %w", err)
	}

	log := logx.New("Redmine")
	base := strings.TrimRight(opts.URL, "/")
	a := &Adapter{
		base:      base,
		project:   opts.Project,
		transport: transport,
		rest:      rest.New(base, transport, log),
		log:       log,
	}
	a.rest.SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		a.rest.SetHeader("X-Redmine-API-Key", apiKey)
	}

	if opts.Credential != nil && opts.Credential.RequiresVerification() {
		if err := transport.Ping(ctx, a.Tool(), base+"/login"); err != nil {
			transport.Close()
			return nil, err
		}
		log.Info("authenticated", "url", base)
	}
	return a, nil
}

// Open builds the adapter and returns a verified session.
func Open(ctx context.Context, opts Options, ticketID string) (*ticketing.Session, error) {
	a, err := New(ctx, opts)
	if err != nil {
		return nil, err
	}
	return ticketing.Open(ctx, a, ticketID)
}

func (a *Adapter) Tool() string    { return "Redmine" }
func (a *Adapter) BaseURL() string { return a.base }

// TicketURL returns the issue URL.
func (a *Adapter) TicketURL(id string) string {
	if id == "" {
		return ""
	}
	return a.base + "/issues/" + id
}

// VerifyProject checks the project identifier resolves.
func (a *Adapter) VerifyProject(ctx context.Context) error {
	if err := a.rest.GetJSON(ctx, "/projects/"+a.project+".json", nil); err != nil {
		return fmt.Errorf("project %s: %w", a.project, err)
	}
	a.log.Debug("project verified", "project", a.project)
	return nil
}

// VerifyTicket checks the issue id resolves.
func (a *Adapter) VerifyTicket(ctx context.Context, id string) error {
	if err := a.rest.GetJSON(ctx, "/issues/"+id+".json", nil); err != nil {
		return fmt.Errorf("issue %s: %w", id, err)
	}
	return nil
}

// Resolve maps a human-readable name onto Redmine's internal numeric
// id for the given kind. Every call queries the backend fresh.
func (a *Adapter) Resolve(ctx context.Context, kind ticketing.Kind, name string) (string, error) {
	switch kind {
	case ticketing.KindProject:
		var out struct {
			Project struct {
				ID int `json:"id"`
			} `json:"project"`
		}
		if err := a.rest.GetJSON(ctx, "/projects/"+name+".json", &out); err != nil {
			return "", &ticketing.NotFoundError{Kind: kind, Name: name}
		}
		return strconv.Itoa(out.Project.ID), nil

	case ticketing.KindStatus:
		var out struct {
			Statuses []struct {
				ID   int    `json:"id"`
				Name string `json:"name"`
			} `json:"issue_statuses"`
		}
		if err := a.rest.GetJSON(ctx, "/issue_statuses.json", &out); err != nil {
			return "", fmt.Errorf("retrieving status information: %w", err)
		}
		for _, s := range out.Statuses {
			if s.Name == name {
				return strconv.Itoa(s.ID), nil
			}
		}
		return "", &ticketing.NotFoundError{Kind: kind, Name: name}

	case ticketing.KindPriority:
		var out struct {
			Priorities []struct {
				ID   int    `json:"id"`
				Name string `json:"name"`
			} `json:"issue_priorities"`
		}
		if err := a.rest.GetJSON(ctx, "/enumerations/issue_priorities.json", &out); err != nil {
			return "", fmt.Errorf("retrieving priority information: %w", err)
		}
		for _, p := range out.Priorities {
			if p.Name == name {
				return strconv.Itoa(p.ID), nil
			}
		}
		return "", &ticketing.NotFoundError{Kind: kind, Name: name}

	case ticketing.KindUser:
		login := name
		if at := strings.IndexByte(login, '@'); at >= 0 {
			login = strings.TrimSpace(login[:at])
		}
		var out struct {
			Users []struct {
				ID    int    `json:"id"`
				Login string `json:"login"`
			} `json:"users"`
		}
		if err := a.rest.GetJSON(ctx, "/users.json", &out); err != nil {
			return "", fmt.Errorf("retrieving user information: %w", err)
		}
		for _, u := range out.Users {
			if u.Login == login {
				return strconv.Itoa(u.ID), nil
			}
		}
		return "", &ticketing.NotFoundError{Kind: kind, Name: name}
	}
	return "", fmt.Errorf("unsupported resolve kind %s", kind)
}

// Create builds a new issue. Required fields are subject and
// description; the project name is resolved to its id, as are
// priority and assignee names.
func (a *Adapter) Create(ctx context.Context, fields ticketing.Fields) ticketing.Result {
	for _, req := range []string{"subject", "description"} {
		if fields.String(req) == "" {
			return ticketing.Fail("%s is a necessary parameter for ticket creation", req)
		}
	}

	projectID, err := a.Resolve(ctx, ticketing.KindProject, a.project)
	if err != nil {
		return ticketing.Fail("error retrieving project ID: %s", err)
	}

	prepared, err := a.prepareFields(ctx, fields)
	if err != nil {
		return ticketing.Fail("%s", err)
	}
	issue := ticketing.Fields{"project_id": atoi(projectID)}.Merge(prepared)

	var created struct {
		Issue struct {
			ID int `json:"id"`
		} `json:"issue"`
	}
	if err := a.rest.DoJSON(ctx, "POST", "/issues.json", map[string]any{"issue": issue}, &created); err != nil {
		return ticketing.Fail("error creating ticket - %s", err)
	}

	id := strconv.Itoa(created.Issue.ID)
	a.log.Info("created ticket", "ticket", id, "url", a.TicketURL(id))
	return a.succeed(ctx, id)
}

// Edit updates issue fields in place.
func (a *Adapter) Edit(ctx context.Context, id string, fields ticketing.Fields) ticketing.Result {
	prepared, err := a.prepareFields(ctx, fields)
	if err != nil {
		return ticketing.Fail("%s", err)
	}
	if err := a.rest.DoJSON(ctx, "PUT", "/issues/"+id+".json", map[string]any{"issue": prepared}, nil); err != nil {
		return ticketing.Fail("error editing ticket - %s", err)
	}
	a.log.Info("edited ticket", "ticket", id)
	return a.succeed(ctx, id)
}

// AddComment appends a journal note; notes are additive on edit.
func (a *Adapter) AddComment(ctx context.Context, id, comment string, opts ticketing.Fields) ticketing.Result {
	issue := ticketing.Fields{"notes": comment}.Merge(opts)
	if err := a.rest.DoJSON(ctx, "PUT", "/issues/"+id+".json", map[string]any{"issue": issue}, nil); err != nil {
		return ticketing.Fail("error adding comment to ticket - %s", err)
	}
	a.log.Info("added comment", "ticket", id)
	return a.succeed(ctx, id)
}

// ChangeStatus resolves the destination status name to its id and
// submits it.
func (a *Adapter) ChangeStatus(ctx context.Context, id, status string, opts ticketing.Fields) ticketing.Result {
	statusID, err := a.Resolve(ctx, ticketing.KindStatus, status)
	if err != nil {
		if ticketing.IsNotFound(err) {
			return ticketing.Fail("not a valid status: %s", status)
		}
		return ticketing.Fail("error changing status of ticket - %s", err)
	}

	issue := ticketing.Fields{"status_id": atoi(statusID)}.Merge(opts)
	if err := a.rest.DoJSON(ctx, "PUT", "/issues/"+id+".json", map[string]any{"issue": issue}, nil); err != nil {
		return ticketing.Fail("error changing status of ticket - %s", err)
	}
	a.log.Info("changed status", "ticket", id, "status", status)
	return a.succeed(ctx, id)
}

// AddAttachment uploads the file body for a token, then binds the
// token to the issue — Redmine's two-phase attachment flow.
func (a *Adapter) AddAttachment(ctx context.Context, id string, att ticketing.Attachment) ticketing.Result {
	content, err := att.Bytes()
	if err != nil {
		return ticketing.Fail("file %s not found", att.Path)
	}

	var uploaded struct {
		Upload struct {
			Token string `json:"token"`
		} `json:"upload"`
	}
	data, err := a.rest.DoRaw(ctx, "POST", "/uploads.json", "application/octet-stream", bytes.NewReader(content))
	if err != nil {
		return ticketing.Fail("error uploading file %s: %s", att.FileName, err)
	}
	if json.Unmarshal(data, &uploaded) != nil || uploaded.Upload.Token == "" {
		return ticketing.Fail("error uploading file %s: no upload token returned", att.FileName)
	}

	issue := map[string]any{
		"uploads": []map[string]string{{
			"token":        uploaded.Upload.Token,
			"filename":     att.FileName,
			"content_type": att.MIMEType(),
		}},
	}
	if err := a.rest.DoJSON(ctx, "PUT", "/issues/"+id+".json", map[string]any{"issue": issue}, nil); err != nil {
		return ticketing.Fail("error attaching file %s: %s", att.FileName, err)
	}
	a.log.Info("attached file", "ticket", id, "file", att.FileName)
	return a.succeed(ctx, id)
}

// GetContent fetches the issue document with its sub-resources;
// Sections narrow the include list.
func (a *Adapter) GetContent(ctx context.Context, id string, opts ticketing.ContentOptions) ticketing.Result {
	include := defaultInclude
	switch opts.Section {
	case ticketing.SectionComments:
		include = "journals"
	case ticketing.SectionHistory:
		include = "journals,changesets"
	case ticketing.SectionAttachments:
		include = "attachments"
	case ticketing.SectionWatchers:
		include = "watchers"
	}

	var doc ticketing.Fields
	if err := a.rest.GetJSON(ctx, "/issues/"+id+".json?include="+include, &doc); err != nil {
		return ticketing.Fail("error getting ticket content: %s", err)
	}
	return ticketing.Succeed(id, a.TicketURL(id), doc)
}

// AddWatchers subscribes users, resolving each to its user id.
func (a *Adapter) AddWatchers(ctx context.Context, id string, users []string) ticketing.Result {
	for _, user := range users {
		uid, err := a.Resolve(ctx, ticketing.KindUser, user)
		if err != nil {
			return ticketing.Fail("error adding %s as a watcher to ticket: %s", user, err)
		}
		payload := map[string]any{"user_id": atoi(uid)}
		if err := a.rest.DoJSON(ctx, "POST", "/issues/"+id+"/watchers.json", payload, nil); err != nil {
			return ticketing.Fail("error adding %s as a watcher to ticket - %s", user, err)
		}
		a.log.Info("added watcher", "ticket", id, "watcher", user)
	}
	return a.succeed(ctx, id)
}

// RemoveWatchers unsubscribes users, resolving each to its user id.
func (a *Adapter) RemoveWatchers(ctx context.Context, id string, users []string) ticketing.Result {
	for _, user := range users {
		uid, err := a.Resolve(ctx, ticketing.KindUser, user)
		if err != nil {
			return ticketing.Fail("error removing watcher %s from ticket: %s", user, err)
		}
		if err := a.rest.DoJSON(ctx, "DELETE", "/issues/"+id+"/watchers/"+uid+".json", nil, nil); err != nil {
			return ticketing.Fail("error removing watcher %s from ticket - %s", user, err)
		}
		a.log.Info("removed watcher", "ticket", id, "watcher", user)
	}
	return a.succeed(ctx, id)
}

// Close releases the transport session.
func (a *Adapter) Close() error { return a.transport.Close() }

// prepareFields resolves the name-valued fields Redmine stores as ids
// and renames the fields whose wire names differ.
func (a *Adapter) prepareFields(ctx context.Context, fields ticketing.Fields) (ticketing.Fields, error) {
	out := make(ticketing.Fields, len(fields))
	for key, value := range fields {
		switch key {
		case "priority":
			id, err := a.Resolve(ctx, ticketing.KindPriority, fmt.Sprint(value))
			if err != nil {
				return nil, err
			}
			out["priority_id"] = atoi(id)
		case "assignee":
			id, err := a.Resolve(ctx, ticketing.KindUser, fmt.Sprint(value))
			if err != nil {
				return nil, err
			}
			out["assigned_to_id"] = atoi(id)
		case "estimated_time":
			out["total_estimated_hours"] = value
		default:
			out[key] = value
		}
	}
	return out, nil
}

// succeed refreshes the issue document after a mutation.
func (a *Adapter) succeed(ctx context.Context, id string) ticketing.Result {
	res := a.GetContent(ctx, id, ticketing.ContentOptions{})
	if res.Failed() {
		return ticketing.Succeed(id, a.TicketURL(id), nil)
	}
	return res
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
