// Package servicenow adapts the uniform ticketing operations to the
// ServiceNow Table API. Tickets live as rows in a configured table and
// are addressed externally by number (INC0012345) but internally by
// sys_id, so every operation resolves the number first.
package servicenow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/relaydesk/ticketing"
	"github.com/relaydesk/ticketing/auth"
	"github.com/relaydesk/ticketing/internal/logx"
	"github.com/relaydesk/ticketing/internal/rest"
)

const (
	tablePrefix      = "/api/now/v1/table"
	attachmentPrefix = "/api/now/attachment/file"
)

// Options configures a ServiceNow adapter.
type Options struct {
	// URL is the root of the ServiceNow instance. A trailing slash is
	// stripped.
	URL string

	// Table is the table records are created in, e.g. incident.
	Table string

	// Credential selects the authentication strategy: Basic or Token.
	Credential auth.Credential

	InsecureSkipVerify bool
	Proxy              string
	Timeout            time.Duration
}

// Adapter implements ticketing.Adapter for ServiceNow.
type Adapter struct {
	base      string
	table     string
	transport *auth.Transport
	rest      *rest.Client
	log       *slog.Logger
}

// New builds the adapter and verifies authentication. Basic
// credentials are verified with a one-row read of the table; token
// credentials skip the call.
func New(ctx context.Context, opts Options) (*Adapter, error) {
	transport, err := auth.NewTransport(opts.Credential, auth.Options{
		InsecureSkipVerify: opts.InsecureSkipVerify,
		Proxy:              opts.Proxy,
		Timeout:            opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("servicenow: %w", err)
	}

	log := logx.New("ServiceNow")
	base := strings.TrimRight(opts.URL, "/")
	a := &Adapter{
		base:      base,
		table:     opts.Table,
		transport: transport,
		rest:      rest.New(base, transport, log),
		log:       log,
	}
	a.rest.SetHeader("Accept", "application/json")

	if opts.Credential != nil && opts.Credential.RequiresVerification() {
		pingURL := base + tablePrefix + "/" + opts.Table + "?sysparm_limit=1"
		if err := transport.Ping(ctx, a.Tool(), pingURL); err != nil {
			transport.Close()
			return nil, err
		}
		log.Info("authenticated", "url", base, "table", opts.Table)
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

func (a *Adapter) Tool() string    { return "ServiceNow" }
func (a *Adapter) BaseURL() string { return a.base }

// TicketURL returns the record form URL. It needs the row's sys_id,
// which is unknown from the number alone, so the number form is used
// as a navigable fallback.
func (a *Adapter) TicketURL(id string) string {
	if id == "" {
		return ""
	}
	return a.base + "/" + a.table + ".do?sysparm_query=number%3D" + url.QueryEscape(id)
}

// VerifyProject checks the table is readable.
func (a *Adapter) VerifyProject(ctx context.Context) error {
	if err := a.rest.GetJSON(ctx, tablePrefix+"/"+a.table+"?sysparm_limit=1", nil); err != nil {
		return fmt.Errorf("table %s: %s", a.table, errorText(err))
	}
	a.log.Debug("table verified", "table", a.table)
	return nil
}

// VerifyTicket checks the record number resolves to a row.
func (a *Adapter) VerifyTicket(ctx context.Context, id string) error {
	if _, err := a.sysID(ctx, id); err != nil {
		return err
	}
	return nil
}

// Create inserts a new record. Required fields are short_description,
// description, category, and item; instance-specific field names get
// their u_ prefixes applied, and urgency/impact default to 3.
func (a *Adapter) Create(ctx context.Context, fields ticketing.Fields) ticketing.Result {
	for _, req := range []string{"short_description", "description", "category", "item"} {
		if fields.String(req) == "" {
			return ticketing.Fail("%s is a necessary parameter for ticket creation", req)
		}
	}

	payload := prepareFields(fields)
	if _, ok := payload["urgency"]; !ok {
		payload["urgency"] = "3"
	}
	if _, ok := payload["impact"]; !ok {
		payload["impact"] = "3"
	}

	var created struct {
		Result struct {
			Number string `json:"number"`
			SysID  string `json:"sys_id"`
		} `json:"result"`
	}
	if err := a.rest.DoJSON(ctx, "POST", tablePrefix+"/"+a.table, payload, &created); err != nil {
		return ticketing.Fail("error creating ticket - %s", errorText(err))
	}
	if created.Result.Number == "" {
		return ticketing.Fail("error creating ticket - no record number returned")
	}

	a.log.Info("created ticket", "ticket", created.Result.Number, "sys_id", created.Result.SysID)
	return a.succeed(ctx, created.Result.Number)
}

// Edit updates record fields in place.
func (a *Adapter) Edit(ctx context.Context, id string, fields ticketing.Fields) ticketing.Result {
	sysID, err := a.sysID(ctx, id)
	if err != nil {
		return ticketing.Fail("error editing ticket - %s", err)
	}
	if err := a.rest.DoJSON(ctx, "PUT", tablePrefix+"/"+a.table+"/"+sysID, prepareFields(fields), nil); err != nil {
		return ticketing.Fail("error editing ticket - %s", errorText(err))
	}
	a.log.Info("edited ticket", "ticket", id)
	return a.succeed(ctx, id)
}

// AddComment appends to the record's journaled comments field.
func (a *Adapter) AddComment(ctx context.Context, id, comment string, opts ticketing.Fields) ticketing.Result {
	sysID, err := a.sysID(ctx, id)
	if err != nil {
		return ticketing.Fail("error adding comment to ticket - %s", err)
	}
	payload := ticketing.Fields{"comments": comment}.Merge(opts)
	if err := a.rest.DoJSON(ctx, "PUT", tablePrefix+"/"+a.table+"/"+sysID, payload, nil); err != nil {
		return ticketing.Fail("error adding comment to ticket - %s", errorText(err))
	}
	a.log.Info("added comment", "ticket", id)
	return a.succeed(ctx, id)
}

// ChangeStatus writes the state field. The value may be a state name
// or numeric code; ServiceNow rejects unknown values with 403.
func (a *Adapter) ChangeStatus(ctx context.Context, id, status string, opts ticketing.Fields) ticketing.Result {
	sysID, err := a.sysID(ctx, id)
	if err != nil {
		return ticketing.Fail("error changing status of ticket - %s", err)
	}
	payload := ticketing.Fields{"state": status}.Merge(opts)
	if err := a.rest.DoJSON(ctx, "PUT", tablePrefix+"/"+a.table+"/"+sysID, payload, nil); err != nil {
		return ticketing.Fail("error changing status of ticket - %s", errorText(err))
	}
	a.log.Info("changed status", "ticket", id, "status", status)
	return a.succeed(ctx, id)
}

// AddAttachment streams the file to the attachment API bound to the
// record's sys_id.
func (a *Adapter) AddAttachment(ctx context.Context, id string, att ticketing.Attachment) ticketing.Result {
	content, err := att.Bytes()
	if err != nil {
		return ticketing.Fail("file %s not found", att.Path)
	}
	sysID, err := a.sysID(ctx, id)
	if err != nil {
		return ticketing.Fail("error attaching file %s: %s", att.FileName, err)
	}

	q := url.Values{}
	q.Set("table_name", a.table)
	q.Set("table_sys_id", sysID)
	q.Set("file_name", att.FileName)
	path := attachmentPrefix + "?" + q.Encode()
	if _, err := a.rest.DoRaw(ctx, "POST", path, att.MIMEType(), bytes.NewReader(content)); err != nil {
		return ticketing.Fail("error attaching file %s: %s", att.FileName, errorText(err))
	}
	a.log.Info("attached file", "ticket", id, "file", att.FileName)
	return a.succeed(ctx, id)
}

// GetContent fetches the record row. DisplayValues swaps reference
// sys_ids for their display names; Include narrows the returned
// columns.
func (a *Adapter) GetContent(ctx context.Context, id string, opts ticketing.ContentOptions) ticketing.Result {
	sysID, err := a.sysID(ctx, id)
	if err != nil {
		return ticketing.Fail("error getting ticket content: %s", err)
	}

	q := url.Values{}
	if opts.DisplayValues {
		q.Set("sysparm_display_value", "true")
	}
	if len(opts.Include) > 0 {
		q.Set("sysparm_fields", strings.Join(opts.Include, ","))
	}
	path := tablePrefix + "/" + a.table + "/" + sysID
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Result ticketing.Fields `json:"result"`
	}
	if err := a.rest.GetJSON(ctx, path, &out); err != nil {
		return ticketing.Fail("error getting ticket content: %s", errorText(err))
	}
	return ticketing.Succeed(id, a.TicketURL(id), out.Result)
}

// AddWatchers merges users into the record's watch list.
func (a *Adapter) AddWatchers(ctx context.Context, id string, users []string) ticketing.Result {
	current, res := a.watchList(ctx, id)
	if res != nil {
		return *res
	}
	for _, user := range users {
		if user != "" && !contains(current, user) {
			current = append(current, user)
		}
	}
	return a.writeWatchList(ctx, id, current)
}

// RemoveWatchers drops users from the record's watch list.
func (a *Adapter) RemoveWatchers(ctx context.Context, id string, users []string) ticketing.Result {
	current, res := a.watchList(ctx, id)
	if res != nil {
		return *res
	}
	kept := current[:0]
	for _, w := range current {
		if !contains(users, w) {
			kept = append(kept, w)
		}
	}
	return a.writeWatchList(ctx, id, kept)
}

// ReplaceWatchers overwrites the watch list wholesale.
func (a *Adapter) ReplaceWatchers(ctx context.Context, id string, users []string) ticketing.Result {
	return a.writeWatchList(ctx, id, users)
}

// Close releases the transport session.
func (a *Adapter) Close() error { return a.transport.Close() }

// sysID resolves a record number to its sys_id.
func (a *Adapter) sysID(ctx context.Context, number string) (string, error) {
	path := tablePrefix + "/" + a.table + "?sysparm_query=" + url.QueryEscape("GOTOnumber="+number)
	var out struct {
		Result []struct {
			SysID string `json:"sys_id"`
		} `json:"result"`
	}
	if err := a.rest.GetJSON(ctx, path, &out); err != nil {
		return "", fmt.Errorf("looking up record %s: %s", number, errorText(err))
	}
	if len(out.Result) == 0 || out.Result[0].SysID == "" {
		return "", fmt.Errorf("record %s does not exist in table %s", number, a.table)
	}
	return out.Result[0].SysID, nil
}

// watchList reads the record's current watch list as display values.
func (a *Adapter) watchList(ctx context.Context, id string) ([]string, *ticketing.Result) {
	res := a.GetContent(ctx, id, ticketing.ContentOptions{
		DisplayValues: true,
		Include:       []string{"watch_list"},
	})
	if res.Failed() {
		return nil, &res
	}
	raw := res.Content.String("watch_list")
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	list := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, p)
		}
	}
	return list, nil
}

func (a *Adapter) writeWatchList(ctx context.Context, id string, users []string) ticketing.Result {
	sysID, err := a.sysID(ctx, id)
	if err != nil {
		return ticketing.Fail("error editing watch list of ticket - %s", err)
	}
	payload := ticketing.Fields{"watch_list": strings.Join(users, ", ")}
	if err := a.rest.DoJSON(ctx, "PUT", tablePrefix+"/"+a.table+"/"+sysID, payload, nil); err != nil {
		return ticketing.Fail("error editing watch list of ticket - %s", errorText(err))
	}
	a.log.Info("updated watch list", "ticket", id, "watchers", users)
	return a.succeed(ctx, id)
}

// succeed refreshes the record after a mutation.
func (a *Adapter) succeed(ctx context.Context, id string) ticketing.Result {
	res := a.GetContent(ctx, id, ticketing.ContentOptions{})
	if res.Failed() {
		return ticketing.Succeed(id, a.TicketURL(id), nil)
	}
	return res
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// errorText extracts ServiceNow's own error message from a failed
// request, falling back to the transport error.
func errorText(err error) string {
	var se *rest.StatusError
	if !errors.As(err, &se) {
		return err.Error()
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		} `json:"error"`
	}
	if se.DecodeBody(&body) && body.Error.Message != "" {
		if body.Error.Detail != "" {
			return body.Error.Message + ": " + body.Error.Detail
		}
		return body.Error.Message
	}
	return se.Error()
}
