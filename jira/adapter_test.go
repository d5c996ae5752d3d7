package jira

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/ticketing"
	"github.com/relaydesk/ticketing/auth"
)

// fakeJira simulates the small REST surface the adapter touches and
// records the bodies it receives.
type fakeJira struct {
	createBody     map[string]any
	transitionBody map[string]any
}

func (f *fakeJira) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && r.URL.Path == "/rest/api/2/project/TEST":
			w.Write([]byte(`{"key":"TEST"}`))

		case r.Method == "GET" && r.URL.Path == "/rest/api/2/project/BAD":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errorMessages":["No project could be found with key 'BAD'."]}`))

		case r.Method == "GET" && r.URL.Path == "/rest/api/2/issue/TEST-1":
			w.Write([]byte(`{"key":"TEST-1","fields":{"summary":"a summary","status":{"name":"Open"}}}`))

		case r.Method == "GET" && r.URL.Path == "/rest/api/2/issue/GONE":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errorMessages":["Issue Does Not Exist"]}`))

		case r.Method == "POST" && r.URL.Path == "/rest/api/2/issue":
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &f.createBody)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"10001","key":"TEST-1"}`))

		case r.Method == "GET" && r.URL.Path == "/rest/api/2/issue/TEST-1/transitions":
			w.Write([]byte(`{"transitions":[{"id":"31","to":{"name":"Done"}},{"id":"21","to":{"name":"In Progress"}}]}`))

		case r.Method == "POST" && r.URL.Path == "/rest/api/2/issue/TEST-1/transitions":
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &f.transitionBody)
			w.WriteHeader(http.StatusNoContent)

		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errorMessages":["no route"]}`))
		}
	}
}

func newTestAdapter(t *testing.T, project string) (*Adapter, *fakeJira) {
	t.Helper()
	fake := &fakeJira{}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	a, err := New(context.Background(), Options{
		URL:        server.URL,
		Project:    project,
		Credential: auth.Token{Value: "pat"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, fake
}

func TestOpenRejectsUnknownProject(t *testing.T) {
	fake := &fakeJira{}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	_, err := Open(context.Background(), Options{
		URL:        server.URL,
		Project:    "BAD",
		Credential: auth.Token{Value: "pat"},
	}, "")
	require.Error(t, err)
	assert.True(t, ticketing.IsConstructionError(err))
}

func TestCreateRequiresCoreFields(t *testing.T) {
	a, _ := newTestAdapter(t, "TEST")

	res := a.Create(context.Background(), ticketing.Fields{"summary": "s", "type": "Bug"})
	require.True(t, res.Failed())
	assert.Equal(t, "description is a necessary parameter for ticket creation", res.ErrorMessage)
}

func TestCreateSubTaskRequiresParent(t *testing.T) {
	a, _ := newTestAdapter(t, "TEST")

	res := a.Create(context.Background(), ticketing.Fields{
		"summary": "s", "description": "d", "type": "Sub-task",
	})
	require.True(t, res.Failed())
	assert.Equal(t, "parent field is required while creating a Sub Task", res.ErrorMessage)
}

func TestCreateShapesPayloadAndTracksIssue(t *testing.T) {
	a, fake := newTestAdapter(t, "TEST")
	s, err := ticketing.Open(context.Background(), a, "")
	require.NoError(t, err)

	res := s.Create(context.Background(), CreateParams{
		Summary:     "a summary",
		Description: "a description",
		Type:        "Bug",
		Priority:    "Major",
		Components:  []string{"backend"},
	}.Fields())
	require.False(t, res.Failed(), res.ErrorMessage)
	assert.Equal(t, "TEST-1", s.TicketID())
	assert.Equal(t, a.BaseURL()+"/browse/TEST-1", s.TicketURL())

	fields := fake.createBody["fields"].(map[string]any)
	assert.Equal(t, map[string]any{"key": "TEST"}, fields["project"])
	assert.Equal(t, map[string]any{"name": "Bug"}, fields["issuetype"])
	assert.Equal(t, map[string]any{"name": "Major"}, fields["priority"])
	assert.Equal(t, []any{map[string]any{"name": "backend"}}, fields["components"])
	assert.NotContains(t, fields, "type", "portable name must be rewritten")
}

func TestChangeStatusResolvesTransition(t *testing.T) {
	a, fake := newTestAdapter(t, "TEST")

	res := a.ChangeStatus(context.Background(), "TEST-1", "Done", nil)
	require.False(t, res.Failed(), res.ErrorMessage)
	assert.Equal(t, map[string]any{"id": "31"}, fake.transitionBody["transition"])
}

func TestChangeStatusRejectsUnknownStatus(t *testing.T) {
	a, _ := newTestAdapter(t, "TEST")

	res := a.ChangeStatus(context.Background(), "TEST-1", "Abandoned", nil)
	require.True(t, res.Failed())
	assert.Equal(t, "not a valid status: Abandoned", res.ErrorMessage)
}

func TestGetContentReportsMissingIssue(t *testing.T) {
	a, _ := newTestAdapter(t, "TEST")

	res := a.GetContent(context.Background(), "GONE", ticketing.ContentOptions{})
	require.True(t, res.Failed())
	assert.Equal(t, "ticket GONE is not valid", res.ErrorMessage)
}

func TestGetContentReturnsDocument(t *testing.T) {
	a, _ := newTestAdapter(t, "TEST")

	res := a.GetContent(context.Background(), "TEST-1", ticketing.ContentOptions{})
	require.False(t, res.Failed())
	assert.Equal(t, "a summary", res.Content["fields"].(map[string]any)["summary"])
}

func TestAddWatchersRejectsEmptyUsername(t *testing.T) {
	a, _ := newTestAdapter(t, "TEST")

	res := a.AddWatchers(context.Background(), "TEST-1", []string{"@nodomain"})
	require.True(t, res.Failed())
	assert.Contains(t, res.ErrorMessage, "watcher")
}

func TestUsernameOfStripsDomain(t *testing.T) {
	assert.Equal(t, "alice", usernameOf("alice@example.com"))
	assert.Equal(t, "bob", usernameOf("bob"))
	assert.Equal(t, "", usernameOf("@example.com"))
}
