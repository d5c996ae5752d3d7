package ticketing

import (
	"mime"
	"os"
	"path/filepath"
)

// Fields is an open string-keyed document. It carries ticket fields on
// the way in (create/edit payloads, including untested custom fields
// passed through verbatim) and decoded ticket content on the way out.
type Fields map[string]any

// Merge copies every entry of other into f, overwriting on collision,
// and returns f for chaining. A nil receiver allocates.
func (f Fields) Merge(other Fields) Fields {
	if f == nil {
		f = make(Fields, len(other))
	}
	for k, v := range other {
		f[k] = v
	}
	return f
}

// Clone returns a shallow copy so adapters can transform fields without
// mutating the caller's map.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// String returns the named field as a string, or "" when absent or not
// a string.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Attachment describes a file to attach to a ticket. Content may be
// supplied directly; when nil, the adapter reads Path from disk.
type Attachment struct {
	FileName    string
	Content     []byte
	Path        string
	Summary     string
	ContentType string

	// Extra fields are passed through to backends that accept
	// additional attachment metadata.
	Extra Fields
}

// Bytes returns the attachment content, reading Path when Content was
// not supplied directly.
func (a Attachment) Bytes() ([]byte, error) {
	if a.Content != nil {
		return a.Content, nil
	}
	return os.ReadFile(a.Path)
}

// MIMEType returns the declared content type, guessing from the file
// name when unset and falling back to application/octet-stream.
func (a Attachment) MIMEType() string {
	if a.ContentType != "" {
		return a.ContentType
	}
	if t := mime.TypeByExtension(filepath.Ext(a.FileName)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Section selects which sub-resource of a ticket GetContent fetches,
// on backends that distinguish them. The zero value is the core field
// document.
type Section int

const (
	SectionDefault Section = iota
	SectionComments
	SectionHistory
	SectionAttachments
	SectionWatchers
)

// ContentOptions tunes GetContent. All fields are optional.
type ContentOptions struct {
	Section Section

	// Include restricts the returned document to the named fields on
	// backends supporting field selection (JIRA fields=, ServiceNow
	// sysparm_fields).
	Include []string

	// DisplayValues asks for human-readable values instead of raw ones
	// where the backend distinguishes them (ServiceNow
	// sysparm_display_value).
	DisplayValues bool
}
