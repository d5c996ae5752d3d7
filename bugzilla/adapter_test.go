package bugzilla

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

// fakeBugzilla simulates the REST surface the adapter touches and
// records bodies and query credentials.
type fakeBugzilla struct {
	createBody map[string]any
	editBody   map[string]any
	apiKeys    []string

	// emptyChanges makes the next edit echo an empty change set.
	emptyChanges bool
}

func (f *fakeBugzilla) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.apiKeys = append(f.apiKeys, r.URL.Query().Get("api_key"))
		switch {
		case r.Method == "GET" && r.URL.Path == "/rest/product/Mycelium":
			w.Write([]byte(`{"products":[{"id":3,"name":"Mycelium"}]}`))

		case r.Method == "GET" && r.URL.Path == "/rest/product/Nothing":
			w.Write([]byte(`{"products":[]}`))

		case r.Method == "GET" && r.URL.Path == "/rest/bug/99":
			w.Write([]byte(`{"bugs":[{"id":99,"summary":"spores everywhere","status":"NEW"}]}`))

		case r.Method == "GET" && r.URL.Path == "/rest/bug/404":
			// Older instances answer unknown bugs with 200 and an error envelope.
			w.Write([]byte(`{"error":true,"message":"Bug #404 does not exist.","code":101}`))

		case r.Method == "POST" && r.URL.Path == "/rest/bug":
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &f.createBody)
			w.Write([]byte(`{"id":99}`))

		case r.Method == "PUT" && r.URL.Path == "/rest/bug/99":
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &f.editBody)
			if f.emptyChanges {
				w.Write([]byte(`{"bugs":[{"id":99,"changes":{}}]}`))
				return
			}
			w.Write([]byte(`{"bugs":[{"id":99,"changes":{"status":{"added":"RESOLVED","removed":"NEW"}}}]}`))

		case r.Method == "POST" && r.URL.Path == "/rest/bug/99/comment":
			w.Write([]byte(`{"id":1001}`))

		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":true,"message":"no route"}`))
		}
	}
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeBugzilla) {
	t.Helper()
	fake := &fakeBugzilla{}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	a, err := New(context.Background(), Options{
		URL:        server.URL,
		Project:    "Mycelium",
		Credential: auth.APIKey{Key: "bz-key"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, fake
}

func TestAPIKeyTravelsAsQueryParam(t *testing.T) {
	a, fake := newTestAdapter(t)

	require.NoError(t, a.VerifyProject(context.Background()))
	require.NotEmpty(t, fake.apiKeys)
	assert.Equal(t, "bz-key", fake.apiKeys[len(fake.apiKeys)-1])
}

func TestOpenRejectsUnknownProduct(t *testing.T) {
	fake := &fakeBugzilla{}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	_, err := Open(context.Background(), Options{
		URL:        server.URL,
		Project:    "Nothing",
		Credential: auth.APIKey{Key: "bz-key"},
	}, "")
	require.Error(t, err)
	assert.True(t, ticketing.IsConstructionError(err))
}

func TestVerifyTicketReadsErrorEnvelope(t *testing.T) {
	a, _ := newTestAdapter(t)

	require.NoError(t, a.VerifyTicket(context.Background(), "99"))

	err := a.VerifyTicket(context.Background(), "404")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Bug #404 does not exist.")
}

func TestCreateRequiresDescription(t *testing.T) {
	a, _ := newTestAdapter(t)

	res := a.Create(context.Background(), ticketing.Fields{"summary": "s"})
	require.True(t, res.Failed())
	assert.Equal(t, "description is a necessary parameter for ticket creation", res.ErrorMessage)
}

func TestCreateFilesAgainstProduct(t *testing.T) {
	a, fake := newTestAdapter(t)
	s, err := ticketing.Open(context.Background(), a, "")
	require.NoError(t, err)

	res := s.Create(context.Background(), CreateParams{
		Summary:     "spores everywhere",
		Description: "the lab is compromised",
		Component:   "containment",
		Version:     "1.0",
		Assignee:    "alice@example.com",
	}.Fields())
	require.False(t, res.Failed(), res.ErrorMessage)
	assert.Equal(t, "99", s.TicketID())
	assert.Equal(t, a.BaseURL()+"/show_bug.cgi?id=99", s.TicketURL())

	assert.Equal(t, "Mycelium", fake.createBody["product"])
	assert.Equal(t, "alice@example.com", fake.createBody["assigned_to"])
	assert.NotContains(t, fake.createBody, "assignee")
}

func TestEditWrapsGroups(t *testing.T) {
	a, fake := newTestAdapter(t)

	res := a.Edit(context.Background(), "99", ticketing.Fields{"groups": []string{"secure"}})
	require.False(t, res.Failed(), res.ErrorMessage)
	groups := fake.editBody["groups"].(map[string]any)
	assert.Equal(t, []any{"secure"}, groups["add"])
}

func TestEditRejectsNoChanges(t *testing.T) {
	a, fake := newTestAdapter(t)
	fake.emptyChanges = true

	res := a.Edit(context.Background(), "99", ticketing.Fields{"whiteboard": "same value"})
	require.True(t, res.Failed())
	assert.Equal(t, "No changes made to ticket. Possible invalid field or lack of change in field.", res.ErrorMessage)
}

func TestChangeStatusDuplicateNeedsTarget(t *testing.T) {
	a, _ := newTestAdapter(t)

	res := a.ChangeStatus(context.Background(), "99", "RESOLVED", ticketing.Fields{"resolution": "DUPLICATE"})
	require.True(t, res.Failed())
	assert.Equal(t, "dupe_of is a necessary parameter for changing ticket status to DUPLICATE", res.ErrorMessage)
}

func TestChangeStatusDuplicateWithTarget(t *testing.T) {
	a, fake := newTestAdapter(t)

	res := a.ChangeStatus(context.Background(), "99", "RESOLVED", ticketing.Fields{
		"resolution": "DUPLICATE",
		"dupe_of":    42,
	})
	require.False(t, res.Failed(), res.ErrorMessage)
	assert.Equal(t, "RESOLVED", fake.editBody["status"])
	assert.Equal(t, float64(42), fake.editBody["dupe_of"])
}

func TestWatchersEditCCList(t *testing.T) {
	a, fake := newTestAdapter(t)

	res := a.AddWatchers(context.Background(), "99", []string{"carol@example.com"})
	require.False(t, res.Failed(), res.ErrorMessage)
	cc := fake.editBody["cc"].(map[string]any)
	assert.Equal(t, []any{"carol@example.com"}, cc["add"])

	res = a.RemoveWatchers(context.Background(), "99", []string{"carol@example.com"})
	require.False(t, res.Failed(), res.ErrorMessage)
	cc = fake.editBody["cc"].(map[string]any)
	assert.Equal(t, []any{"carol@example.com"}, cc["remove"])
}
