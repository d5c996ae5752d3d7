package rest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	return New(server.URL, server.Client(), discardLogger()), server
}

func TestGetJSONDecodesResponse(t *testing.T) {
	c, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/things/1", r.URL.Path)
		w.Write([]byte(`{"name":"widget"}`))
	})
	defer server.Close()

	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, c.GetJSON(context.Background(), "/things/1", &out))
	assert.Equal(t, "widget", out.Name)
}

func TestStaticHeadersAndQueryApplied(t *testing.T) {
	c, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("api_key"))
		assert.Equal(t, "1", r.URL.Query().Get("page"), "path query params survive the merge")
		assert.Equal(t, "nocheck", r.Header.Get("X-Custom-Token"))
		w.WriteHeader(http.StatusNoContent)
	})
	defer server.Close()

	c.SetHeader("X-Custom-Token", "nocheck")
	c.SetQuery("api_key", "secret")
	require.NoError(t, c.GetJSON(context.Background(), "/list?page=1", nil))
}

func TestNonSuccessCapturesBody(t *testing.T) {
	c, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"field x is unknown"}`))
	})
	defer server.Close()

	err := c.DoJSON(context.Background(), "POST", "/things", map[string]string{"x": "y"}, nil)
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)

	var body struct {
		Message string `json:"message"`
	}
	require.True(t, se.DecodeBody(&body))
	assert.Equal(t, "field x is unknown", body.Message)
}

func TestDecodeBodyRejectsNonJSON(t *testing.T) {
	se := &StatusError{Code: 500, Body: []byte("<html>oops</html>")}
	var out map[string]any
	assert.False(t, se.DecodeBody(&out))
	assert.Contains(t, se.Error(), "500")
	assert.Equal(t, "<html>oops</html>", se.BodyString())
}

func TestDoJSONSkipsDecodeOnEmptyBody(t *testing.T) {
	c, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	defer server.Close()

	var out map[string]any
	require.NoError(t, c.DoJSON(context.Background(), "PUT", "/things/1", map[string]string{"a": "b"}, &out))
	assert.Nil(t, out)
}
