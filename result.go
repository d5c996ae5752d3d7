// Package ticketing provides a uniform client abstraction over several
// ticketing-system REST APIs (JIRA, RT, Redmine, Bugzilla, ServiceNow).
//
// A caller opens a Session bound to one backend Adapter and an
// authentication strategy, then drives the uniform operation set
// (create, edit, comment, status change, attachments, watchers). Every
// operation reports through the Result envelope instead of raising, so
// callers can inspect status and error message without error-handling
// boilerplate. Construction is the exception: an unreachable base URL,
// an unknown project, or rejected credentials fail loudly before any
// Session exists.
package ticketing

import "fmt"

// Status is the outcome of a single ticketing operation.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

func (s Status) String() string {
	if s == StatusFailure {
		return "Failure"
	}
	return "Success"
}

// Result is the envelope returned by every ticketing operation. It is
// constructed fresh per call and never mutated after return.
//
// Invariant: ErrorMessage is non-empty if and only if Status is
// StatusFailure. Use Succeed and Fail to preserve it.
type Result struct {
	Status       Status
	ErrorMessage string

	// TicketID and TicketURL identify the ticket the operation acted
	// on. Both are empty before the first create.
	TicketID  string
	TicketURL string

	// Content holds the backend's decoded ticket representation.
	// Populated by read operations, and by mutations on backends that
	// return (or re-fetch) the updated document.
	Content Fields
}

// Failed reports whether the operation did not succeed.
func (r Result) Failed() bool {
	return r.Status == StatusFailure
}

// Succeed builds a success Result for the given ticket.
func Succeed(ticketID, ticketURL string, content Fields) Result {
	return Result{
		Status:    StatusSuccess,
		TicketID:  ticketID,
		TicketURL: ticketURL,
		Content:   content,
	}
}

// Fail builds a failure Result. The message should carry the backend's
// own error text where one is available.
func Fail(format string, args ...any) Result {
	return Result{
		Status:       StatusFailure,
		ErrorMessage: fmt.Sprintf(format, args...),
	}
}
