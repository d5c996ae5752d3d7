package ticketing

import "context"

// Adapter translates the uniform operation vocabulary into one
// backend's REST surface. One implementation exists per ticketing
// system; the Session facade holds exactly one for its lifetime.
//
// Operation methods return a Result and never an error: transport
// failures and backend rejections alike are folded into
// Result{StatusFailure, message}. Verification methods return errors
// because they run at construction time, before any Result convention
// applies.
type Adapter interface {
	// Tool names the backend ("JIRA", "RT", ...), used in log and
	// error messages.
	Tool() string

	// BaseURL returns the normalized base URL (no trailing slash).
	BaseURL() string

	// TicketURL derives the browsable URL for a ticket id in this
	// backend's format. Empty id yields "".
	TicketURL(id string) string

	// VerifyProject confirms the configured project/queue/table exists.
	VerifyProject(ctx context.Context) error

	// VerifyTicket confirms id resolves to a real ticket.
	VerifyTicket(ctx context.Context, id string) error

	Create(ctx context.Context, fields Fields) Result
	Edit(ctx context.Context, id string, fields Fields) Result
	AddComment(ctx context.Context, id, comment string, opts Fields) Result
	ChangeStatus(ctx context.Context, id, status string, opts Fields) Result
	AddAttachment(ctx context.Context, id string, att Attachment) Result
	GetContent(ctx context.Context, id string, opts ContentOptions) Result

	// Close releases the adapter's transport session. Safe to call
	// more than once.
	Close() error
}

// WatcherEditor is implemented by adapters whose backend supports
// incremental watcher/CC changes. Each call accepts one or more user
// identifiers; the adapter resolves them to whatever representation
// (email, username, internal id) its backend requires.
type WatcherEditor interface {
	AddWatchers(ctx context.Context, id string, users []string) Result
	RemoveWatchers(ctx context.Context, id string, users []string) Result
}

// WatcherReplacer is implemented by the backends that can rewrite the
// entire watcher list in one call (ServiceNow watch_list).
type WatcherReplacer interface {
	ReplaceWatchers(ctx context.Context, id string, users []string) Result
}

// WatcherClearer is implemented by backends that can strip every
// watcher from a ticket (JIRA).
type WatcherClearer interface {
	ClearWatchers(ctx context.Context, id string) Result
}

// Kind names a category of backend object a Resolver can look up.
type Kind string

const (
	KindProject  Kind = "project"
	KindStatus   Kind = "status"
	KindPriority Kind = "priority"
	KindUser     Kind = "user"
)

// Resolver is implemented by adapters whose backend requires internal
// ids in place of human-readable names. Resolve queries the backend's
// listing endpoints on every call — nothing is cached — and returns a
// NotFoundError when no match exists.
type Resolver interface {
	Resolve(ctx context.Context, kind Kind, name string) (string, error)
}
