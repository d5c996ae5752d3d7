// Package bugzilla adapts the uniform ticketing operations to the
// Bugzilla REST API. Bugzilla carries credentials as query parameters
// on every request and reports many failures inside 200 responses, so
// most operations inspect the body for an error envelope.
package bugzilla

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaydesk/ticketing"
	"github.com/relaydesk/ticketing/auth"
	"github.com/relaydesk/ticketing/internal/logx"
	"github.com/relaydesk/ticketing/internal/rest"
)

const restPrefix = "/rest"

// Options configures a Bugzilla adapter.
type Options struct {
	// URL is the root of the Bugzilla instance. A trailing slash is
	// stripped.
	URL string

	// Project is the product new bugs are filed against.
	Project string

	// Credential selects the authentication strategy: Basic exchanges
	// login and password for a session token at construction, APIKey
	// rides along as the api_key query parameter.
	Credential auth.Credential

	InsecureSkipVerify bool
	Proxy              string
	Timeout            time.Duration
}

// Adapter implements ticketing.Adapter for Bugzilla.
type Adapter struct {
	base      string
	product   string
	transport *auth.Transport
	rest      *rest.Client
	log       *slog.Logger
}

// New builds the adapter and verifies authentication. Credentials
// travel as query parameters rather than headers, so the transport
// itself stays anonymous.
func New(ctx context.Context, opts Options) (*Adapter, error) {
	// Kerberos negotiates inside the transport; everything else rides
	// on query parameters.
	var transportCred auth.Credential
	if k, ok := opts.Credential.(auth.Kerberos); ok {
		transportCred = k
	}
	transport, err := auth.NewTransport(transportCred, auth.Options{
		InsecureSkipVerify: opts.InsecureSkipVerify,
		Proxy:              opts.Proxy,
		Timeout:            opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("bugzilla: %w", err)
	}

	log := logx.New("Bugzilla")
	base := strings.TrimRight(opts.URL, "/")
	a := &Adapter{
		base:      base,
		product:   opts.Project,
		transport: transport,
		rest:      rest.New(base, transport, log),
		log:       log,
	}

	switch cred := opts.Credential.(type) {
	case auth.APIKey:
		a.rest.SetQuery("api_key", cred.Key)
	case auth.Basic:
		a.rest.SetQuery("login", cred.Username)
		a.rest.SetQuery("password", cred.Password)
		var session struct {
			Token string `json:"token"`
		}
		if err := a.rest.GetJSON(ctx, restPrefix+"/login", &session); err != nil {
			transport.Close()
			return nil, &ticketing.AuthenticationError{Tool: a.Tool(), Reason: errorText(err), Err: err}
		}
		a.rest.SetQuery("token", session.Token)
		log.Info("authenticated", "url", base, "login", cred.Username)
	case auth.Kerberos:
		if err := transport.Ping(ctx, a.Tool(), base+restPrefix+"/version"); err != nil {
			transport.Close()
			return nil, err
		}
		log.Info("authenticated", "url", base, "principal", transport.Principal())
	case nil:
		// Anonymous access; fine for read-only instances.
	default:
		transport.Close()
		return nil, &ticketing.AuthenticationError{
			Tool:   a.Tool(),
			Reason: fmt.Sprintf("unsupported credential kind %s", cred.Kind()),
		}
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

func (a *Adapter) Tool() string    { return "Bugzilla" }
func (a *Adapter) BaseURL() string { return a.base }

// TicketURL returns the browsable bug URL.
func (a *Adapter) TicketURL(id string) string {
	if id == "" {
		return ""
	}
	return a.base + "/show_bug.cgi?id=" + id
}

// VerifyProject checks the product exists. Bugzilla answers an unknown
// product with 200 and an empty products list.
func (a *Adapter) VerifyProject(ctx context.Context) error {
	var out struct {
		Products []struct {
			Name string `json:"name"`
		} `json:"products"`
	}
	if err := a.rest.GetJSON(ctx, restPrefix+"/product/"+a.product, &out); err != nil {
		return fmt.Errorf("product %s: %s", a.product, errorText(err))
	}
	if len(out.Products) == 0 {
		return fmt.Errorf("product %s is not valid", a.product)
	}
	a.log.Debug("product verified", "product", a.product)
	return nil
}

// VerifyTicket checks the bug id resolves. An unknown id can come back
// as 200 with an error envelope, so the body is inspected either way.
func (a *Adapter) VerifyTicket(ctx context.Context, id string) error {
	var out struct {
		Error   bool   `json:"error"`
		Message string `json:"message"`
		Bugs    []ticketing.Fields
	}
	if err := a.rest.GetJSON(ctx, restPrefix+"/bug/"+id, &out); err != nil {
		return fmt.Errorf("bug %s: %s", id, errorText(err))
	}
	if out.Error || len(out.Bugs) == 0 {
		if out.Message != "" {
			return fmt.Errorf("bug %s: %s", id, out.Message)
		}
		return fmt.Errorf("bug %s does not exist", id)
	}
	return nil
}

// Create files a new bug against the configured product. Required
// fields are summary and description.
func (a *Adapter) Create(ctx context.Context, fields ticketing.Fields) ticketing.Result {
	for _, req := range []string{"summary", "description"} {
		if fields.String(req) == "" {
			return ticketing.Fail("%s is a necessary parameter for ticket creation", req)
		}
	}

	payload := ticketing.Fields{"product": a.product}.Merge(prepareFields(fields))
	var created struct {
		ID      int    `json:"id"`
		Error   bool   `json:"error"`
		Message string `json:"message"`
	}
	if err := a.rest.DoJSON(ctx, "POST", restPrefix+"/bug", payload, &created); err != nil {
		return ticketing.Fail("error creating ticket - %s", errorText(err))
	}
	if created.Error || created.ID == 0 {
		return ticketing.Fail("error creating ticket - %s", created.Message)
	}

	id := fmt.Sprint(created.ID)
	a.log.Info("created ticket", "ticket", id, "url", a.TicketURL(id))
	return a.succeed(ctx, id)
}

// Edit updates bug fields in place. Bugzilla echoes the applied
// changes; an empty change set means nothing matched, which is
// reported as a failure rather than silently succeeding.
func (a *Adapter) Edit(ctx context.Context, id string, fields ticketing.Fields) ticketing.Result {
	var out struct {
		Error   bool   `json:"error"`
		Message string `json:"message"`
		Bugs    []struct {
			Changes map[string]any `json:"changes"`
		} `json:"bugs"`
	}
	if err := a.rest.DoJSON(ctx, "PUT", restPrefix+"/bug/"+id, prepareFields(fields), &out); err != nil {
		return ticketing.Fail("error editing ticket - %s", errorText(err))
	}
	if out.Error {
		return ticketing.Fail("error editing ticket - %s", out.Message)
	}
	if len(out.Bugs) > 0 && len(out.Bugs[0].Changes) == 0 {
		return ticketing.Fail("No changes made to ticket. Possible invalid field or lack of change in field.")
	}
	a.log.Info("edited ticket", "ticket", id)
	return a.succeed(ctx, id)
}

// AddComment appends a comment to the bug.
func (a *Adapter) AddComment(ctx context.Context, id, comment string, opts ticketing.Fields) ticketing.Result {
	payload := ticketing.Fields{"comment": comment}.Merge(opts)
	var out struct {
		Error   bool   `json:"error"`
		Message string `json:"message"`
	}
	if err := a.rest.DoJSON(ctx, "POST", restPrefix+"/bug/"+id+"/comment", payload, &out); err != nil {
		return ticketing.Fail("error adding comment to ticket - %s", errorText(err))
	}
	if out.Error {
		return ticketing.Fail("error adding comment to ticket - %s", out.Message)
	}
	a.log.Info("added comment", "ticket", id)
	return a.succeed(ctx, id)
}

// ChangeStatus submits the status directly. A DUPLICATE resolution
// needs the duplicate target up front, so its absence fails locally
// before touching the backend.
func (a *Adapter) ChangeStatus(ctx context.Context, id, status string, opts ticketing.Fields) ticketing.Result {
	if strings.EqualFold(opts.String("resolution"), "DUPLICATE") || strings.EqualFold(status, "DUPLICATE") {
		if _, ok := opts["dupe_of"]; !ok {
			return ticketing.Fail("dupe_of is a necessary parameter for changing ticket status to DUPLICATE")
		}
	}

	payload := ticketing.Fields{"status": status}.Merge(opts)
	var out struct {
		Error   bool   `json:"error"`
		Message string `json:"message"`
	}
	if err := a.rest.DoJSON(ctx, "PUT", restPrefix+"/bug/"+id, payload, &out); err != nil {
		return ticketing.Fail("error changing status of ticket - %s", errorText(err))
	}
	if out.Error {
		return ticketing.Fail("error changing status of ticket - %s", out.Message)
	}
	a.log.Info("changed status", "ticket", id, "status", status)
	return a.succeed(ctx, id)
}

// AddAttachment uploads the file base64-encoded to the attachment
// resource.
func (a *Adapter) AddAttachment(ctx context.Context, id string, att ticketing.Attachment) ticketing.Result {
	content, err := att.Bytes()
	if err != nil {
		return ticketing.Fail("file %s not found", att.Path)
	}

	summary := att.Summary
	if summary == "" {
		summary = "Attached file " + att.FileName
	}
	payload := ticketing.Fields{
		"ids":          []string{id},
		"file_name":    att.FileName,
		"data":         base64.StdEncoding.EncodeToString(content),
		"summary":      summary,
		"content_type": att.MIMEType(),
		"is_patch":     false,
	}.Merge(att.Extra)

	var out struct {
		Error   bool   `json:"error"`
		Message string `json:"message"`
	}
	if err := a.rest.DoJSON(ctx, "POST", restPrefix+"/bug/"+id+"/attachment", payload, &out); err != nil {
		return ticketing.Fail("error attaching file %s: %s", att.FileName, errorText(err))
	}
	if out.Error {
		return ticketing.Fail("error attaching file %s: %s", att.FileName, out.Message)
	}
	a.log.Info("attached file", "ticket", id, "file", att.FileName)
	return a.succeed(ctx, id)
}

// GetContent fetches the bug document; Sections select the comment,
// attachment, or history sub-resources instead.
func (a *Adapter) GetContent(ctx context.Context, id string, opts ticketing.ContentOptions) ticketing.Result {
	path := restPrefix + "/bug/" + id
	switch opts.Section {
	case ticketing.SectionComments:
		path += "/comment"
	case ticketing.SectionAttachments:
		path += "/attachment"
	case ticketing.SectionHistory:
		path += "/history"
	}
	if len(opts.Include) > 0 {
		path += "?include_fields=" + strings.Join(opts.Include, ",")
	}

	var doc ticketing.Fields
	if err := a.rest.GetJSON(ctx, path, &doc); err != nil {
		return ticketing.Fail("error getting ticket content: %s", errorText(err))
	}
	if msg, _ := doc["message"].(string); msg != "" {
		return ticketing.Fail("error getting ticket content: %s", msg)
	}
	return ticketing.Succeed(id, a.TicketURL(id), doc)
}

// AddWatchers subscribes email addresses to the bug's cc list.
func (a *Adapter) AddWatchers(ctx context.Context, id string, users []string) ticketing.Result {
	return a.editCC(ctx, id, "add", users)
}

// RemoveWatchers unsubscribes email addresses from the bug's cc list.
func (a *Adapter) RemoveWatchers(ctx context.Context, id string, users []string) ticketing.Result {
	return a.editCC(ctx, id, "remove", users)
}

func (a *Adapter) editCC(ctx context.Context, id, action string, users []string) ticketing.Result {
	payload := map[string]any{"cc": map[string][]string{action: users}}
	var out struct {
		Error   bool   `json:"error"`
		Message string `json:"message"`
	}
	if err := a.rest.DoJSON(ctx, "PUT", restPrefix+"/bug/"+id, payload, &out); err != nil {
		return ticketing.Fail("error editing cc list of ticket - %s", errorText(err))
	}
	if out.Error {
		return ticketing.Fail("error editing cc list of ticket - %s", out.Message)
	}
	a.log.Info("edited cc list", "ticket", id, "action", action, "users", users)
	return a.succeed(ctx, id)
}

// Close releases the transport session.
func (a *Adapter) Close() error { return a.transport.Close() }

// prepareFields renames the fields whose wire names differ and wraps
// the groups list in Bugzilla's add envelope.
func prepareFields(fields ticketing.Fields) ticketing.Fields {
	out := make(ticketing.Fields, len(fields))
	for key, value := range fields {
		switch key {
		case "assignee":
			out["assigned_to"] = value
		case "groups":
			out[key] = map[string]any{"add": value}
		default:
			out[key] = value
		}
	}
	return out
}

// succeed refreshes the bug document after a mutation.
func (a *Adapter) succeed(ctx context.Context, id string) ticketing.Result {
	res := a.GetContent(ctx, id, ticketing.ContentOptions{})
	if res.Failed() {
		return ticketing.Succeed(id, a.TicketURL(id), nil)
	}
	return res
}

// errorText extracts Bugzilla's own error message from a failed
// request, falling back to the transport error.
func errorText(err error) string {
	var se *rest.StatusError
	if !errors.As(err, &se) {
		return err.Error()
	}
	var body struct {
		Message string `json:"message"`
	}
	if se.DecodeBody(&body) && body.Message != "" {
		return body.Message
	}
	return se.Error()
}
