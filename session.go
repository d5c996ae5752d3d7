package ticketing

import (
	"context"
	"fmt"
	"sync"
)

// noTicketMessage mirrors the wording callers see whenever an operation
// needs a ticket and none is tracked yet.
const noTicketMessage = "no ticket ID associated with session; set one with SetTicketID"

// Session is the caller-visible handle on one backend. It wraps a
// single Adapter, tracks the current ticket id and URL, and delegates
// every uniform operation. The tracked identity changes only on a
// successful Create or SetTicketID.
//
// A Session owns its adapter's transport exclusively and is not safe
// for concurrent use; callers wanting parallelism open independent
// sessions.
type Session struct {
	adapter Adapter

	ticketID  string
	ticketURL string

	closeOnce sync.Once
	closeErr  error
}

// Open validates the adapter's project and, when ticketID is non-empty,
// that the ticket exists, then returns the Session. Either validation
// failing returns a ConstructionError and no Session.
func Open(ctx context.Context, a Adapter, ticketID string) (*Session, error) {
	if err := a.VerifyProject(ctx); err != nil {
		a.Close()
		return nil, &ConstructionError{Tool: a.Tool(), Reason: "project is not valid", Err: err}
	}
	s := &Session{adapter: a}
	if ticketID != "" {
		if err := a.VerifyTicket(ctx, ticketID); err != nil {
			a.Close()
			return nil, &ConstructionError{
				Tool:   a.Tool(),
				Reason: fmt.Sprintf("ticket %s is not valid", ticketID),
				Err:    err,
			}
		}
		s.track(ticketID)
	}
	return s, nil
}

// With opens a session, runs fn, and releases the transport on every
// exit path, including panics and construction failures.
func With(ctx context.Context, a Adapter, ticketID string, fn func(*Session) error) error {
	s, err := Open(ctx, a, ticketID)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// TicketID returns the currently tracked ticket id, or "".
func (s *Session) TicketID() string { return s.ticketID }

// TicketURL returns the currently tracked ticket URL, or "".
func (s *Session) TicketURL() string { return s.ticketURL }

// Tool returns the backend name of the bound adapter.
func (s *Session) Tool() string { return s.adapter.Tool() }

// SetTicketID re-points the session at a different existing ticket
// without re-authenticating. The id is verified first; on failure the
// previously tracked id and URL are left untouched and a
// ConstructionError is returned.
func (s *Session) SetTicketID(ctx context.Context, id string) error {
	if err := s.adapter.VerifyTicket(ctx, id); err != nil {
		return &ConstructionError{
			Tool:   s.adapter.Tool(),
			Reason: fmt.Sprintf("ticket %s is not valid", id),
			Err:    err,
		}
	}
	s.track(id)
	return nil
}

func (s *Session) track(id string) {
	s.ticketID = id
	s.ticketURL = s.adapter.TicketURL(id)
}

// Create builds a new ticket from fields. On success the session
// adopts the new ticket's id and URL; on failure the tracked identity
// is unchanged.
func (s *Session) Create(ctx context.Context, fields Fields) Result {
	res := s.adapter.Create(ctx, fields)
	if !res.Failed() && res.TicketID != "" {
		s.track(res.TicketID)
	}
	return res
}

// Edit merges fields into the tracked ticket. Unrecognized field names
// are passed through to the backend verbatim.
func (s *Session) Edit(ctx context.Context, fields Fields) Result {
	id, res := s.requireTicket()
	if res != nil {
		return *res
	}
	return s.adapter.Edit(ctx, id, fields)
}

// AddComment appends a comment to the tracked ticket. opts carries
// backend-specific comment metadata (visibility and the like) and may
// be nil.
func (s *Session) AddComment(ctx context.Context, comment string, opts Fields) Result {
	id, res := s.requireTicket()
	if res != nil {
		return *res
	}
	return s.adapter.AddComment(ctx, id, comment, opts)
}

// ChangeStatus transitions the tracked ticket to the named status.
// opts carries secondary transition fields (resolution codes etc.).
func (s *Session) ChangeStatus(ctx context.Context, status string, opts Fields) Result {
	id, res := s.requireTicket()
	if res != nil {
		return *res
	}
	return s.adapter.ChangeStatus(ctx, id, status, opts)
}

// AddAttachment attaches a file to the tracked ticket.
func (s *Session) AddAttachment(ctx context.Context, att Attachment) Result {
	id, res := s.requireTicket()
	if res != nil {
		return *res
	}
	return s.adapter.AddAttachment(ctx, id, att)
}

// GetContent fetches the ticket document. An empty id means the
// tracked ticket.
func (s *Session) GetContent(ctx context.Context, id string, opts ContentOptions) Result {
	if id == "" {
		var res *Result
		if id, res = s.requireTicket(); res != nil {
			return *res
		}
	}
	return s.adapter.GetContent(ctx, id, opts)
}

// AddWatchers subscribes one or more users to the tracked ticket.
// Backends without incremental watcher support report a Failure.
func (s *Session) AddWatchers(ctx context.Context, users ...string) Result {
	id, res := s.requireTicket()
	if res != nil {
		return *res
	}
	we, ok := s.adapter.(WatcherEditor)
	if !ok {
		return Fail("%s does not support watcher management", s.adapter.Tool())
	}
	return we.AddWatchers(ctx, id, users)
}

// RemoveWatchers unsubscribes one or more users from the tracked
// ticket.
func (s *Session) RemoveWatchers(ctx context.Context, users ...string) Result {
	id, res := s.requireTicket()
	if res != nil {
		return *res
	}
	we, ok := s.adapter.(WatcherEditor)
	if !ok {
		return Fail("%s does not support watcher management", s.adapter.Tool())
	}
	return we.RemoveWatchers(ctx, id, users)
}

// ReplaceWatchers rewrites the entire watcher list, on the backends
// that support full-replace semantics.
func (s *Session) ReplaceWatchers(ctx context.Context, users ...string) Result {
	id, res := s.requireTicket()
	if res != nil {
		return *res
	}
	wr, ok := s.adapter.(WatcherReplacer)
	if !ok {
		return Fail("%s does not support replacing the watcher list", s.adapter.Tool())
	}
	return wr.ReplaceWatchers(ctx, id, users)
}

// ClearWatchers removes every watcher from the tracked ticket, on the
// backends that support it.
func (s *Session) ClearWatchers(ctx context.Context) Result {
	id, res := s.requireTicket()
	if res != nil {
		return *res
	}
	wc, ok := s.adapter.(WatcherClearer)
	if !ok {
		return Fail("%s does not support clearing the watcher list", s.adapter.Tool())
	}
	return wc.ClearWatchers(ctx, id)
}

// Resolve looks a human-readable name up in the backend's id space.
// Backends that work purely with names return an error.
func (s *Session) Resolve(ctx context.Context, kind Kind, name string) (string, error) {
	r, ok := s.adapter.(Resolver)
	if !ok {
		return "", fmt.Errorf("%s does not resolve %s names to ids", s.adapter.Tool(), kind)
	}
	return r.Resolve(ctx, kind, name)
}

// Close releases the underlying transport session. Unlike the raw
// transport, Close is idempotent: later calls return the first
// outcome.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.adapter.Close()
	})
	return s.closeErr
}

// requireTicket returns the tracked id, or a canned Failure Result
// when the session is not pointed at a ticket yet.
func (s *Session) requireTicket() (string, *Result) {
	if s.ticketID == "" {
		res := Fail(noTicketMessage)
		return "", &res
	}
	return s.ticketID, nil
}
