// Package jira adapts the uniform ticketing operations to the JIRA
// REST API v2 issue resource.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/url"
	"strings"
	"time"

	"github.com/relaydesk/ticketing"
	"github.com/relaydesk/ticketing/auth"
	"github.com/relaydesk/ticketing/internal/logx"
	"github.com/relaydesk/ticketing/internal/rest"
)

const restPrefix = "/rest/api/2"

// Options configures a JIRA adapter.
type Options struct {
	// URL is the root of the JIRA instance, e.g.
	// https://jira.corp.example.com. A trailing slash is stripped.
	URL string

	// Project is the project key new issues are created under.
	Project string

	// Credential selects the authentication strategy: Basic, Kerberos,
	// or Token (personal access token).
	Credential auth.Credential

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// Proxy routes requests through an HTTP proxy.
	Proxy string

	// Timeout bounds each request; zero means the transport default.
	Timeout time.Duration
}

// Adapter implements ticketing.Adapter for JIRA.
type Adapter struct {
	base      string
	project   string
	transport *auth.Transport
	rest      *rest.Client
	log       *slog.Logger
}

// New builds the adapter and verifies authentication. Basic and
// Kerberos credentials are verified with a GET against the instance
// (Kerberos against /step-auth-gss); token credentials need no
// negotiation and skip the call.
func New(ctx context.Context, opts Options) (*Adapter, error) {
	transport, err := auth.NewTransport(opts.Credential, auth.Options{
		InsecureSkipVerify: opts.InsecureSkipVerify,
		Proxy:              opts.Proxy,
		Timeout:            opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("jira: %w", err)
	}

	log := logx.New("JIRA")
	a := &Adapter{
		base:      strings.TrimRight(opts.URL, "/"),
		project:   opts.Project,
		transport: transport,
		rest:      rest.New(strings.TrimRight(opts.URL, "/"), transport, log),
		log:       log,
	}
	// XSRF check bypass, required by the attachments resource.
	a.rest.SetHeader("X-Atlassian-Token", "nocheck")

	if opts.Credential != nil && opts.Credential.RequiresVerification() {
		pingURL := a.base
		if _, ok := opts.Credential.(auth.Kerberos); ok {
			pingURL = a.base + "/step-auth-gss"
		}
		if err := transport.Ping(ctx, a.Tool(), pingURL); err != nil {
			transport.Close()
			return nil, err
		}
		log.Info("authenticated", "url", a.base)
	}
	return a, nil
}

// Open builds the adapter and returns a verified session, optionally
// pointed at an existing issue key.
func Open(ctx context.Context, opts Options, ticketID string) (*ticketing.Session, error) {
	a, err := New(ctx, opts)
	if err != nil {
		return nil, err
	}
	return ticketing.Open(ctx, a, ticketID)
}

func (a *Adapter) Tool() string    { return "JIRA" }
func (a *Adapter) BaseURL() string { return a.base }

// TicketURL returns the browsable issue URL.
func (a *Adapter) TicketURL(id string) string {
	if id == "" {
		return ""
	}
	return a.base + "/browse/" + id
}

// VerifyProject checks the project key against the project resource.
func (a *Adapter) VerifyProject(ctx context.Context) error {
	err := a.rest.GetJSON(ctx, restPrefix+"/project/"+a.project, nil)
	if err != nil {
		return fmt.Errorf("project %s: %s", a.project, errorText(err))
	}
	a.log.Debug("project verified", "project", a.project)
	return nil
}

// VerifyTicket checks that an issue key resolves.
func (a *Adapter) VerifyTicket(ctx context.Context, id string) error {
	if err := a.rest.GetJSON(ctx, restPrefix+"/issue/"+id, nil); err != nil {
		return fmt.Errorf("issue %s: %s", id, errorText(err))
	}
	return nil
}

// Create builds a new issue. Required fields are summary, description
// and type; everything else is transformed into JIRA's wire shapes
// where known and passed through verbatim otherwise.
func (a *Adapter) Create(ctx context.Context, fields ticketing.Fields) ticketing.Result {
	for _, req := range []string{"summary", "description", "type"} {
		if fields.String(req) == "" {
			return ticketing.Fail("%s is a necessary parameter for ticket creation", req)
		}
	}

	prepared, err := prepareFields(fields)
	if err != nil {
		return ticketing.Fail("%s", err)
	}
	payload := ticketing.Fields{
		"project": map[string]string{"key": a.project},
	}.Merge(prepared)

	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	err = a.rest.DoJSON(ctx, "POST", restPrefix+"/issue", map[string]any{"fields": payload}, &created)
	if err != nil {
		return ticketing.Fail("error creating ticket - %s", errorText(err))
	}

	a.log.Info("created ticket", "ticket", created.Key, "url", a.TicketURL(created.Key))
	return a.succeed(ctx, created.Key)
}

// Edit updates issue fields in place.
func (a *Adapter) Edit(ctx context.Context, id string, fields ticketing.Fields) ticketing.Result {
	prepared, err := prepareFields(fields)
	if err != nil {
		return ticketing.Fail("%s", err)
	}
	err = a.rest.DoJSON(ctx, "PUT", restPrefix+"/issue/"+id, map[string]any{"fields": prepared}, nil)
	if err != nil {
		return ticketing.Fail("error editing ticket - %s", errorText(err))
	}
	a.log.Info("edited ticket", "ticket", id)
	return a.succeed(ctx, id)
}

// AddComment appends a comment. opts merges into the comment resource
// (visibility and similar metadata).
func (a *Adapter) AddComment(ctx context.Context, id, comment string, opts ticketing.Fields) ticketing.Result {
	payload := ticketing.Fields{"body": comment}.Merge(opts)
	err := a.rest.DoJSON(ctx, "POST", restPrefix+"/issue/"+id+"/comment", payload, nil)
	if err != nil {
		return ticketing.Fail("error adding comment to ticket - %s", errorText(err))
	}
	a.log.Info("added comment", "ticket", id)
	return a.succeed(ctx, id)
}

// ChangeStatus resolves the destination status name against the
// issue's valid transitions and posts the matching transition id.
// opts, when present, is submitted as transition fields.
func (a *Adapter) ChangeStatus(ctx context.Context, id, status string, opts ticketing.Fields) ticketing.Result {
	transitionID, err := a.transitionID(ctx, id, status)
	if err != nil {
		if ticketing.IsNotFound(err) {
			return ticketing.Fail("not a valid status: %s", status)
		}
		return ticketing.Fail("error retrieving status information: %s", errorText(err))
	}

	payload := map[string]any{"transition": map[string]string{"id": transitionID}}
	if len(opts) > 0 {
		payload["fields"] = opts
	}
	err = a.rest.DoJSON(ctx, "POST", restPrefix+"/issue/"+id+"/transitions", payload, nil)
	if err != nil {
		return ticketing.Fail("error changing status of ticket - %s", errorText(err))
	}
	a.log.Info("changed status", "ticket", id, "status", status)
	return a.succeed(ctx, id)
}

// AddAttachment uploads a file to the issue's attachments resource as
// multipart form data.
func (a *Adapter) AddAttachment(ctx context.Context, id string, att ticketing.Attachment) ticketing.Result {
	content, err := att.Bytes()
	if err != nil {
		return ticketing.Fail("file %s not found", att.Path)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", att.FileName)
	if err == nil {
		_, err = part.Write(content)
	}
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		return ticketing.Fail("error encoding attachment %s: %s", att.FileName, err)
	}

	_, err = a.rest.DoRaw(ctx, "POST", restPrefix+"/issue/"+id+"/attachments", w.FormDataContentType(), &buf)
	if err != nil {
		return ticketing.Fail("error attaching file %s: %s", att.FileName, errorText(err))
	}
	a.log.Info("attached file", "ticket", id, "file", att.FileName)
	return a.succeed(ctx, id)
}

// GetContent fetches the issue document. Sections narrow the request
// to the corresponding sub-resource.
func (a *Adapter) GetContent(ctx context.Context, id string, opts ticketing.ContentOptions) ticketing.Result {
	if opts.Section == ticketing.SectionWatchers {
		var doc ticketing.Fields
		if err := a.rest.GetJSON(ctx, restPrefix+"/issue/"+id+"/watchers", &doc); err != nil {
			return ticketing.Fail("error getting ticket content: %s", errorText(err))
		}
		return ticketing.Succeed(id, a.TicketURL(id), doc)
	}

	q := url.Values{}
	switch opts.Section {
	case ticketing.SectionComments:
		q.Set("fields", "comment")
	case ticketing.SectionAttachments:
		q.Set("fields", "attachment")
	case ticketing.SectionHistory:
		q.Set("expand", "changelog")
	}
	if len(opts.Include) > 0 {
		q.Set("fields", strings.Join(opts.Include, ","))
	}
	path := restPrefix + "/issue/" + id
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var doc ticketing.Fields
	if err := a.rest.GetJSON(ctx, path, &doc); err != nil {
		if msg := errorText(err); strings.Contains(strings.ToLower(msg), "issue does not exist") {
			return ticketing.Fail("ticket %s is not valid", id)
		}
		return ticketing.Fail("error getting ticket content: %s", errorText(err))
	}
	return ticketing.Succeed(id, a.TicketURL(id), doc)
}

// AddWatchers subscribes users to the issue. Email addresses are
// reduced to their local part, the username form JIRA expects.
func (a *Adapter) AddWatchers(ctx context.Context, id string, users []string) ticketing.Result {
	for _, user := range users {
		name := usernameOf(user)
		if name == "" {
			// An empty watcher would subscribe the requestor instead.
			return ticketing.Fail("error adding %q as a watcher to ticket", user)
		}
		quoted, _ := json.Marshal(name)
		_, err := a.rest.DoRaw(ctx, "POST", restPrefix+"/issue/"+id+"/watchers", "application/json", bytes.NewReader(quoted))
		if err != nil {
			return ticketing.Fail("error adding %s as a watcher to ticket - %s", name, errorText(err))
		}
		a.log.Info("added watcher", "ticket", id, "watcher", name)
	}
	return a.succeed(ctx, id)
}

// RemoveWatchers unsubscribes users from the issue.
func (a *Adapter) RemoveWatchers(ctx context.Context, id string, users []string) ticketing.Result {
	for _, user := range users {
		name := usernameOf(user)
		_, err := a.rest.DoRaw(ctx, "DELETE", restPrefix+"/issue/"+id+"/watchers?username="+url.QueryEscape(name), "", nil)
		if err != nil {
			return ticketing.Fail("error removing watcher %s from ticket - %s", name, errorText(err))
		}
		a.log.Info("removed watcher", "ticket", id, "watcher", name)
	}
	return a.succeed(ctx, id)
}

// ClearWatchers removes every watcher currently on the issue.
func (a *Adapter) ClearWatchers(ctx context.Context, id string) ticketing.Result {
	watchers, err := a.watcherList(ctx, id)
	if err != nil {
		return ticketing.Fail("error retrieving watchers list: %s", errorText(err))
	}

	failures := 0
	for _, name := range watchers {
		_, err := a.rest.DoRaw(ctx, "DELETE", restPrefix+"/issue/"+id+"/watchers?username="+url.QueryEscape(name), "", nil)
		if err != nil {
			a.log.Error("removing watcher failed", "ticket", id, "watcher", name, "error", err)
			failures++
		}
	}
	if failures > 0 {
		return ticketing.Fail("error removing %d watchers from ticket", failures)
	}
	a.log.Info("removed all watchers", "ticket", id, "count", len(watchers))
	return a.succeed(ctx, id)
}

// Close releases the transport session.
func (a *Adapter) Close() error { return a.transport.Close() }

// transitionID resolves a destination status name to the id of the
// transition leading to it, per JIRA's workflow contract.
func (a *Adapter) transitionID(ctx context.Context, id, status string) (string, error) {
	var listing struct {
		Transitions []struct {
			ID string `json:"id"`
			To struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := a.rest.GetJSON(ctx, restPrefix+"/issue/"+id+"/transitions", &listing); err != nil {
		return "", err
	}
	for _, t := range listing.Transitions {
		if t.To.Name == status {
			return t.ID, nil
		}
	}
	return "", &ticketing.NotFoundError{Kind: ticketing.KindStatus, Name: status}
}

func (a *Adapter) watcherList(ctx context.Context, id string) ([]string, error) {
	var listing struct {
		Watchers []struct {
			Name string `json:"name"`
		} `json:"watchers"`
	}
	if err := a.rest.GetJSON(ctx, restPrefix+"/issue/"+id+"/watchers", &listing); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(listing.Watchers))
	for _, w := range listing.Watchers {
		names = append(names, w.Name)
	}
	return names, nil
}

// succeed refreshes the issue document after a successful mutation so
// the Result carries current content.
func (a *Adapter) succeed(ctx context.Context, id string) ticketing.Result {
	res := a.GetContent(ctx, id, ticketing.ContentOptions{})
	if res.Failed() {
		return ticketing.Succeed(id, a.TicketURL(id), nil)
	}
	return res
}

// usernameOf reduces an email address to its local part; plain
// usernames pass through.
func usernameOf(user string) string {
	if at := strings.IndexByte(user, '@'); at >= 0 {
		return strings.TrimSpace(user[:at])
	}
	return strings.TrimSpace(user)
}

// errorText extracts JIRA's own error text from a failed request:
// errorMessages entries joined, falling back to the errors map and
// finally to the transport error itself.
func errorText(err error) string {
	var se *rest.StatusError
	if !errors.As(err, &se) {
		return err.Error()
	}
	var body struct {
		ErrorMessages []string          `json:"errorMessages"`
		Errors        map[string]string `json:"errors"`
	}
	if se.DecodeBody(&body) {
		if len(body.ErrorMessages) > 0 {
			return strings.Join(body.ErrorMessages, " ")
		}
		if len(body.Errors) > 0 {
			parts := make([]string, 0, len(body.Errors))
			for _, v := range body.Errors {
				parts = append(parts, v)
			}
			return strings.Join(parts, " ")
		}
	}
	return se.Error()
}
