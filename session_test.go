package ticketing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAdapter is a scriptable Adapter for exercising Session behavior
// without a backend.
type stubAdapter struct {
	projectErr error
	ticketErr  error
	createRes  Result
	closed     int
}

func (s *stubAdapter) Tool() string    { return "Stub" }
func (s *stubAdapter) BaseURL() string { return "https://stub.example.com" }

func (s *stubAdapter) TicketURL(id string) string {
	if id == "" {
		return ""
	}
	return "https://stub.example.com/ticket/" + id
}

func (s *stubAdapter) VerifyProject(context.Context) error        { return s.projectErr }
func (s *stubAdapter) VerifyTicket(context.Context, string) error { return s.ticketErr }
func (s *stubAdapter) Create(context.Context, Fields) Result      { return s.createRes }

func (s *stubAdapter) Edit(_ context.Context, id string, _ Fields) Result {
	return Succeed(id, s.TicketURL(id), nil)
}

func (s *stubAdapter) AddComment(_ context.Context, id, _ string, _ Fields) Result {
	return Succeed(id, s.TicketURL(id), nil)
}

func (s *stubAdapter) ChangeStatus(_ context.Context, id, _ string, _ Fields) Result {
	return Succeed(id, s.TicketURL(id), nil)
}

func (s *stubAdapter) AddAttachment(_ context.Context, id string, _ Attachment) Result {
	return Succeed(id, s.TicketURL(id), nil)
}

func (s *stubAdapter) GetContent(_ context.Context, id string, _ ContentOptions) Result {
	return Succeed(id, s.TicketURL(id), Fields{"id": id})
}

func (s *stubAdapter) Close() error { s.closed++; return nil }

// watcherAdapter adds incremental watcher support on top of the stub.
type watcherAdapter struct {
	stubAdapter
	added, removed []string
}

func (w *watcherAdapter) AddWatchers(_ context.Context, id string, users []string) Result {
	w.added = append(w.added, users...)
	return Succeed(id, w.TicketURL(id), nil)
}

func (w *watcherAdapter) RemoveWatchers(_ context.Context, id string, users []string) Result {
	w.removed = append(w.removed, users...)
	return Succeed(id, w.TicketURL(id), nil)
}

func TestOpenRejectsInvalidProject(t *testing.T) {
	a := &stubAdapter{projectErr: errors.New("no such project")}

	s, err := Open(context.Background(), a, "")
	require.Error(t, err)
	assert.Nil(t, s)
	assert.True(t, IsConstructionError(err))
	assert.Equal(t, 1, a.closed, "failed construction must release the transport")
}

func TestOpenRejectsInvalidTicket(t *testing.T) {
	a := &stubAdapter{ticketErr: errors.New("ticket 99 does not exist")}

	s, err := Open(context.Background(), a, "99")
	require.Error(t, err)
	assert.Nil(t, s)
	assert.True(t, IsConstructionError(err))
	assert.Equal(t, 1, a.closed)
}

func TestOpenTracksExistingTicket(t *testing.T) {
	a := &stubAdapter{}

	s, err := Open(context.Background(), a, "42")
	require.NoError(t, err)
	assert.Equal(t, "42", s.TicketID())
	assert.Equal(t, "https://stub.example.com/ticket/42", s.TicketURL())
}

func TestCreateAdoptsNewTicket(t *testing.T) {
	a := &stubAdapter{createRes: Succeed("101", "https://stub.example.com/ticket/101", nil)}
	s, err := Open(context.Background(), a, "")
	require.NoError(t, err)

	res := s.Create(context.Background(), Fields{"summary": "x"})
	require.False(t, res.Failed())
	assert.Equal(t, "101", s.TicketID())
	assert.Equal(t, "https://stub.example.com/ticket/101", s.TicketURL())
}

func TestFailedCreateLeavesTrackingUnchanged(t *testing.T) {
	a := &stubAdapter{createRes: Fail("backend said no")}
	s, err := Open(context.Background(), a, "7")
	require.NoError(t, err)

	res := s.Create(context.Background(), Fields{"summary": "x"})
	assert.True(t, res.Failed())
	assert.Equal(t, "7", s.TicketID())
}

func TestSetTicketIDFailureKeepsPrevious(t *testing.T) {
	a := &stubAdapter{}
	s, err := Open(context.Background(), a, "7")
	require.NoError(t, err)

	a.ticketErr = errors.New("nope")
	err = s.SetTicketID(context.Background(), "8")
	require.Error(t, err)
	assert.True(t, IsConstructionError(err))
	assert.Equal(t, "7", s.TicketID())

	a.ticketErr = nil
	require.NoError(t, s.SetTicketID(context.Background(), "8"))
	assert.Equal(t, "8", s.TicketID())
}

func TestOperationsRequireTrackedTicket(t *testing.T) {
	s, err := Open(context.Background(), &stubAdapter{}, "")
	require.NoError(t, err)
	ctx := context.Background()

	results := []Result{
		s.Edit(ctx, Fields{"summary": "x"}),
		s.AddComment(ctx, "hello", nil),
		s.ChangeStatus(ctx, "Closed", nil),
		s.AddAttachment(ctx, Attachment{FileName: "a.txt", Content: []byte("x")}),
		s.GetContent(ctx, "", ContentOptions{}),
		s.AddWatchers(ctx, "user"),
	}
	for _, res := range results {
		assert.True(t, res.Failed())
		assert.Equal(t, noTicketMessage, res.ErrorMessage)
	}
}

func TestGetContentExplicitIDBypassesTracking(t *testing.T) {
	a := &stubAdapter{}
	s, err := Open(context.Background(), a, "")
	require.NoError(t, err)

	res := s.GetContent(context.Background(), "55", ContentOptions{})
	require.False(t, res.Failed())
	assert.Equal(t, "55", res.TicketID)
	assert.Empty(t, s.TicketID(), "explicit reads do not re-point the session")
}

func TestWatcherCapabilityFallback(t *testing.T) {
	s, err := Open(context.Background(), &stubAdapter{}, "7")
	require.NoError(t, err)
	ctx := context.Background()

	for _, res := range []Result{
		s.AddWatchers(ctx, "alice"),
		s.RemoveWatchers(ctx, "alice"),
		s.ReplaceWatchers(ctx, "alice"),
		s.ClearWatchers(ctx),
	} {
		assert.True(t, res.Failed())
		assert.Contains(t, res.ErrorMessage, "does not support")
	}
}

func TestWatcherCapabilityDispatch(t *testing.T) {
	a := &watcherAdapter{}
	s, err := Open(context.Background(), a, "7")
	require.NoError(t, err)

	res := s.AddWatchers(context.Background(), "alice", "bob")
	require.False(t, res.Failed())
	assert.Equal(t, []string{"alice", "bob"}, a.added)

	res = s.RemoveWatchers(context.Background(), "alice")
	require.False(t, res.Failed())
	assert.Equal(t, []string{"alice"}, a.removed)

	res = s.ReplaceWatchers(context.Background(), "carol")
	assert.True(t, res.Failed(), "incremental-only backends cannot replace")
}

func TestResolveUnsupported(t *testing.T) {
	s, err := Open(context.Background(), &stubAdapter{}, "")
	require.NoError(t, err)

	_, err = s.Resolve(context.Background(), KindUser, "alice")
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	a := &stubAdapter{}
	s, err := Open(context.Background(), a, "")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, a.closed)
}

func TestWithReleasesTransport(t *testing.T) {
	a := &stubAdapter{}
	wantErr := errors.New("boom")
	err := With(context.Background(), a, "", func(*Session) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, a.closed)
}

func TestResultInvariant(t *testing.T) {
	fail := Fail("it broke: %d", 7)
	assert.True(t, fail.Failed())
	assert.Equal(t, "it broke: 7", fail.ErrorMessage)
	assert.Equal(t, "Failure", fail.Status.String())

	ok := Succeed("1", "https://x/1", Fields{"k": "v"})
	assert.False(t, ok.Failed())
	assert.Empty(t, ok.ErrorMessage)
	assert.Equal(t, "Success", ok.Status.String())
}

func TestFieldsMergeAndClone(t *testing.T) {
	var f Fields
	f = f.Merge(Fields{"a": 1})
	assert.Equal(t, 1, f["a"], "nil receiver allocates")

	f = Fields{"a": 1, "b": 2}.Merge(Fields{"b": 3})
	assert.Equal(t, 3, f["b"], "merge overwrites on collision")

	clone := f.Clone()
	clone["a"] = 99
	assert.Equal(t, 1, f["a"], "clone does not alias the original")
}

func TestAttachmentMIMEType(t *testing.T) {
	assert.Equal(t, "text/plain; charset=utf-8", Attachment{FileName: "notes.txt"}.MIMEType())
	assert.Equal(t, "application/octet-stream", Attachment{FileName: "blob.xyz123"}.MIMEType())
	assert.Equal(t, "image/png", Attachment{FileName: "x.bin", ContentType: "image/png"}.MIMEType())
}
