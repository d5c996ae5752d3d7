package rt

import (
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/ticketing"
	"github.com/relaydesk/ticketing/auth"
)

func TestEncodeContentOrdersAndTitleCases(t *testing.T) {
	content := encodeContent([]pair{
		{"Queue", "helpdesk"},
		{"Subject", "printer on fire"},
	}, ticketing.Fields{
		"priority": "3",
		"cc":       []string{"a@example.com", "b@example.com"},
	})

	assert.Equal(t,
		"Queue: helpdesk\nSubject: printer on fire\nCc: a@example.com, b@example.com\nPriority: 3\n",
		content)
}

func TestEncodeText(t *testing.T) {
	assert.Equal(t, "one+line", encodeText("one line"))
	assert.Equal(t, "line+one%0A+line+two", encodeText("line one\nline two"))
	assert.Equal(t, "", encodeText(""))
}

func TestEncodeTextNeverEmitsRawWhitespace(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("encoded text contains no space or newline", prop.ForAll(
		func(text string) bool {
			encoded := encodeText(text)
			return !strings.ContainsAny(encoded, " \n")
		},
		gen.AnyString(),
	))

	properties.Property("encoding is reversible for plus-free input", prop.ForAll(
		func(text string) bool {
			decoded := strings.ReplaceAll(strings.ReplaceAll(encodeText(text), "%0A+", "\n"), "+", " ")
			return decoded == text
		},
		gen.AnyString().SuchThat(func(s string) bool {
			return !strings.ContainsAny(s, "+%")
		}),
	))

	properties.TestingRun(t)
}

func TestParseStatus(t *testing.T) {
	assert.NoError(t, parseStatus("RT/4.4.4 200 Ok\n\n# Ticket 123 created.\n"))

	err := parseStatus("RT/4.4.4 400 Bad Request\n\n# Could not create ticket.\n")
	require.Error(t, err)
	assert.Equal(t, "Could not create ticket.", err.Error())

	err = parseStatus("<html>not RT</html>")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized RT response")
}

func TestParseCreatedID(t *testing.T) {
	id, ok := parseCreatedID("RT/4.4.4 200 Ok\n\n# Ticket 6447 created.\n")
	require.True(t, ok)
	assert.Equal(t, "6447", id)

	_, ok = parseCreatedID("RT/4.4.4 200 Ok\n\n# Syntax error.\n")
	assert.False(t, ok)
}

func TestParseDictionary(t *testing.T) {
	body := "RT/4.4.4 200 Ok\n\n" +
		"id: ticket/6447\n" +
		"Queue: helpdesk\n" +
		"Subject: printer on fire\n" +
		"Text: first line\n" +
		"      second line\n" +
		"# comment line\n"

	doc := parseDictionary(body)
	assert.Equal(t, "ticket/6447", doc.String("id"))
	assert.Equal(t, "helpdesk", doc.String("Queue"))
	assert.Equal(t, "first line\nsecond line", doc.String("Text"))
	assert.NotContains(t, doc, "#")
}

func TestNewRejectsNonKerberosCredential(t *testing.T) {
	_, err := New(context.Background(), Options{
		URL:        "https://rt.example.com",
		Queue:      "helpdesk",
		Credential: auth.Basic{Username: "u", Password: "p"},
	})
	require.Error(t, err)
	assert.True(t, ticketing.IsAuthenticationError(err))
	assert.Contains(t, err.Error(), "kerberos")
}
