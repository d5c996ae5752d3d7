// Package rt adapts the uniform ticketing operations to RT's REST 1.0
// text/dictionary protocol.
package rt

import (
	"bytes"
	"context"
	"fmt"
	"io"
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

const restPrefix = "/REST/1.0"

// Options configures an RT adapter.
type Options struct {
	// URL is the root of the RT instance. A trailing slash is
	// stripped.
	URL string

	// Queue is the queue new tickets are created in.
	Queue string

	// Credential must be auth.Kerberos; RT access here is
	// SPNEGO-negotiated only.
	Credential auth.Credential

	InsecureSkipVerify bool
	Proxy              string
	Timeout            time.Duration
}

// Adapter implements ticketing.Adapter for RT.
type Adapter struct {
	base      string
	queue     string
	transport *auth.Transport
	rest      *rest.Client
	log       *slog.Logger
}

// New builds the adapter, negotiates SPNEGO, and verifies it against
// the REST index. The Kerberos principal from the credential cache
// becomes the Requestor on created tickets.
func New(ctx context.Context, opts Options) (*Adapter, error) {
	if _, ok := opts.Credential.(auth.Kerberos); !ok {
		return nil, &ticketing.AuthenticationError{Tool: "RT", Reason: "RT supports only kerberos authentication"}
	}
	transport, err := auth.NewTransport(opts.Credential, auth.Options{
		InsecureSkipVerify: opts.InsecureSkipVerify,
		Proxy:              opts.Proxy,
		Timeout:            opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("rt: %w", err)
	}

	log := logx.New("RT")
	base := strings.TrimRight(opts.URL, "/")
	a := &Adapter{
		base:      base,
		queue:     opts.Queue,
		transport: transport,
		rest:      rest.New(base, transport, log),
		log:       log,
	}

	if err := transport.Ping(ctx, a.Tool(), base+restPrefix+"/index.html"); err != nil {
		transport.Close()
		return nil, err
	}
	log.Info("authenticated", "url", base, "principal", transport.Principal())
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

func (a *Adapter) Tool() string    { return "RT" }
func (a *Adapter) BaseURL() string { return a.base }

// TicketURL returns the ticket display URL.
func (a *Adapter) TicketURL(id string) string {
	if id == "" {
		return ""
	}
	return a.base + "/Ticket/Display.html?id=" + id
}

// VerifyProject checks the queue exists.
func (a *Adapter) VerifyProject(ctx context.Context) error {
	body, err := a.get(ctx, restPrefix+"/queue/"+url.PathEscape(a.queue))
	if err != nil {
		return fmt.Errorf("queue %s: %w", a.queue, err)
	}
	if strings.Contains(body, "No queue named") {
		return fmt.Errorf("queue %s does not exist", a.queue)
	}
	a.log.Debug("queue verified", "queue", a.queue)
	return nil
}

// VerifyTicket checks the ticket id resolves.
func (a *Adapter) VerifyTicket(ctx context.Context, id string) error {
	body, err := a.get(ctx, restPrefix+"/ticket/"+id+"/show")
	if err != nil {
		return fmt.Errorf("ticket %s: %w", id, err)
	}
	if strings.Contains(body, "does not exist") {
		return fmt.Errorf("ticket %s does not exist", id)
	}
	return nil
}

// Create builds a new ticket. Required fields are subject and text;
// the Requestor is the session's Kerberos principal, and the Text
// field gets RT's special encoding.
func (a *Adapter) Create(ctx context.Context, fields ticketing.Fields) ticketing.Result {
	for _, req := range []string{"subject", "text"} {
		if fields.String(req) == "" {
			return ticketing.Fail("%s is a necessary parameter for ticket creation", req)
		}
	}

	extra := fields.Clone()
	delete(extra, "subject")
	delete(extra, "text")
	content := encodeContent([]pair{
		{"Queue", a.queue},
		{"Requestor", a.transport.Principal()},
		{"Subject", fields.String("subject")},
		{"Text", encodeText(fields.String("text"))},
	}, extra)

	body, err := a.post(ctx, restPrefix+"/ticket/new", content)
	if err != nil {
		return ticketing.Fail("error creating ticket - %s", err)
	}
	id, ok := parseCreatedID(body)
	if !ok {
		return ticketing.Fail("error creating ticket - %s", firstDetailLine(body))
	}
	a.log.Info("created ticket", "ticket", id, "url", a.TicketURL(id))
	return a.succeed(ctx, id)
}

// Edit updates ticket fields through the edit form.
func (a *Adapter) Edit(ctx context.Context, id string, fields ticketing.Fields) ticketing.Result {
	if _, err := a.post(ctx, restPrefix+"/ticket/"+id+"/edit", encodeContent(nil, fields)); err != nil {
		return ticketing.Fail("error editing ticket - %s", err)
	}
	a.log.Info("edited ticket", "ticket", id)
	return a.succeed(ctx, id)
}

// AddComment records correspondence on the ticket.
func (a *Adapter) AddComment(ctx context.Context, id, comment string, opts ticketing.Fields) ticketing.Result {
	content := encodeContent([]pair{
		{"Action", "correspond"},
		{"Text", encodeText(comment)},
	}, opts)
	if _, err := a.post(ctx, restPrefix+"/ticket/"+id+"/comment", content); err != nil {
		return ticketing.Fail("error adding comment to ticket - %s", err)
	}
	a.log.Info("added comment", "ticket", id)
	return a.succeed(ctx, id)
}

// ChangeStatus writes the lowercased status value directly; RT has no
// transition model.
func (a *Adapter) ChangeStatus(ctx context.Context, id, status string, opts ticketing.Fields) ticketing.Result {
	content := encodeContent([]pair{{"Status", strings.ToLower(status)}}, opts)
	body, err := a.post(ctx, restPrefix+"/ticket/"+id+"/edit", content)
	if err != nil {
		return ticketing.Fail("error changing status of ticket - %s", err)
	}
	// RT reports an invalid status inside a 200 response, with wording
	// that varies by version ("Illegal value for 'Status'").
	lower := strings.ToLower(body)
	if strings.Contains(lower, "illegal value") || strings.Contains(lower, "invalid value") {
		return ticketing.Fail("not a valid status: %s", status)
	}
	a.log.Info("changed status", "ticket", id, "status", status)
	return a.succeed(ctx, id)
}

// AddAttachment attaches a file by recording correspondence with an
// attachment part, RT's only attachment path. The dictionary travels as
// the content form field and the file itself as a multipart file part.
func (a *Adapter) AddAttachment(ctx context.Context, id string, att ticketing.Attachment) ticketing.Result {
	content, err := att.Bytes()
	if err != nil {
		return ticketing.Fail("file %s not found", att.Path)
	}

	dict := encodeContent([]pair{
		{"Action", "correspond"},
		{"Text", encodeText("Attached file " + att.FileName)},
		{"Attachment", att.FileName},
	}, att.Extra)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	err = w.WriteField("content", dict)
	if err == nil {
		var part io.Writer
		if part, err = w.CreateFormFile("attachment_1", att.FileName); err == nil {
			_, err = part.Write(content)
		}
	}
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		return ticketing.Fail("error encoding attachment %s: %s", att.FileName, err)
	}

	raw, err := a.rest.DoRaw(ctx, "POST", restPrefix+"/ticket/"+id+"/comment",
		w.FormDataContentType(), &buf)
	if err != nil {
		return ticketing.Fail("error attaching file %s: %s", att.FileName, err)
	}
	if err := parseStatus(string(raw)); err != nil {
		return ticketing.Fail("error attaching file %s: %s", att.FileName, err)
	}
	a.log.Info("attached file", "ticket", id, "file", att.FileName)
	return a.succeed(ctx, id)
}

// GetContent fetches the ticket dictionary; Sections select the
// history and attachments listings instead.
func (a *Adapter) GetContent(ctx context.Context, id string, opts ticketing.ContentOptions) ticketing.Result {
	path := restPrefix + "/ticket/" + id + "/show"
	switch opts.Section {
	case ticketing.SectionHistory, ticketing.SectionComments:
		path = restPrefix + "/ticket/" + id + "/history"
	case ticketing.SectionAttachments:
		path = restPrefix + "/ticket/" + id + "/attachments"
	}

	body, err := a.get(ctx, path)
	if err != nil {
		return ticketing.Fail("error getting ticket content: %s", err)
	}
	if strings.Contains(body, "does not exist") {
		return ticketing.Fail("ticket %s is not valid", id)
	}
	return ticketing.Succeed(id, a.TicketURL(id), parseDictionary(body))
}

// Close releases the transport session.
func (a *Adapter) Close() error { return a.transport.Close() }

// get issues a GET and validates the embedded status line.
func (a *Adapter) get(ctx context.Context, path string) (string, error) {
	raw, err := a.rest.DoRaw(ctx, "GET", path, "", nil)
	if err != nil {
		return "", err
	}
	body := string(raw)
	if err := parseStatus(body); err != nil {
		return body, err
	}
	return body, nil
}

// post submits a content dictionary as form data and validates the
// embedded status line.
func (a *Adapter) post(ctx context.Context, path, content string) (string, error) {
	form := url.Values{"content": {content}}
	raw, err := a.rest.DoRaw(ctx, "POST", path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	body := string(raw)
	if err := parseStatus(body); err != nil {
		return body, err
	}
	return body, nil
}

// succeed refreshes the ticket dictionary after a mutation.
func (a *Adapter) succeed(ctx context.Context, id string) ticketing.Result {
	res := a.GetContent(ctx, id, ticketing.ContentOptions{})
	if res.Failed() {
		return ticketing.Succeed(id, a.TicketURL(id), nil)
	}
	return res
}
