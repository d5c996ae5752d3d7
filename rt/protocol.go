package rt

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/relaydesk/ticketing"
)

// RT's REST 1.0 interface speaks a text dictionary protocol: requests
// carry a form-encoded "content" parameter holding "Key: value" lines,
// and every response embeds its real status on the first body line
// ("RT/4.4.4 200 Ok") regardless of the HTTP status code.

var (
	statusLineRe = regexp.MustCompile(`^RT/[\d.]+\s+(\d{3})\s+(.*)$`)
	createdRe    = regexp.MustCompile(`Ticket (\d+) created`)
)

// pair is one ordered dictionary entry. RT cares about nothing but the
// keys, but keeping the caller's order makes payloads reproducible.
type pair struct {
	key   string
	value string
}

// encodeContent renders ordered pairs followed by the remaining fields
// in sorted order, keys Title-cased the way RT expects.
func encodeContent(ordered []pair, fields ticketing.Fields) string {
	var b strings.Builder
	for _, p := range ordered {
		fmt.Fprintf(&b, "%s: %s\n", p.key, p.value)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", titleCase(k), fieldValue(fields[k]))
	}
	return b.String()
}

// encodeText applies RT's required encoding for the multiline Text
// field: spaces become '+', newlines become "%0A+".
func encodeText(text string) string {
	text = strings.ReplaceAll(text, " ", "+")
	return strings.ReplaceAll(text, "\n", "%0A+")
}

// fieldValue renders a field for the dictionary. Lists (cc, admincc)
// join with ", ".
func fieldValue(v any) string {
	switch val := v.(type) {
	case []string:
		return strings.Join(val, ", ")
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

// titleCase uppercases the first letter only, matching RT's field
// naming (Priority, Owner, Cc).
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// parseStatus extracts the embedded status line. A missing status line
// or a non-2xx embedded code is an error carrying RT's message text.
func parseStatus(body string) error {
	line, _, _ := strings.Cut(strings.TrimLeft(body, "\n"), "\n")
	m := statusLineRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return fmt.Errorf("unrecognized RT response: %q", strings.TrimSpace(line))
	}
	code, _ := strconv.Atoi(m[1])
	if code < 200 || code > 299 {
		msg := strings.TrimSpace(m[2])
		if detail := firstDetailLine(body); detail != "" {
			msg = detail
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// firstDetailLine returns the first non-empty line after the status
// line, where RT puts its human-readable error ("# Could not create
// ticket.").
func firstDetailLine(body string) string {
	lines := strings.Split(body, "\n")
	for i := 1; i < len(lines); i++ {
		if s := strings.TrimSpace(strings.TrimPrefix(lines[i], "#")); s != "" {
			return s
		}
	}
	return ""
}

// parseCreatedID pulls the new ticket id out of a create response
// ("# Ticket 123 created.").
func parseCreatedID(body string) (string, bool) {
	m := createdRe.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// parseDictionary decodes a "Key: value" response body (ticket show,
// queue properties) into a field document. Continuation lines indented
// with spaces extend the previous value.
func parseDictionary(body string) ticketing.Fields {
	doc := make(ticketing.Fields)
	var lastKey string
	for _, line := range strings.Split(body, "\n") {
		if line == "" || strings.HasPrefix(line, "RT/") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, " ") && lastKey != "" {
			doc[lastKey] = doc.String(lastKey) + "\n" + strings.TrimSpace(line)
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		lastKey = strings.TrimSpace(key)
		doc[lastKey] = strings.TrimSpace(value)
	}
	return doc
}
