// Package rest is the shared HTTP plumbing under every backend
// adapter: request construction, JSON (de)serialization, and capture
// of error bodies so adapters can surface the backend's own message.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Doer executes one HTTP request. The auth package's Transport
// satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports a non-2xx response, carrying the raw body so
// the caller can extract the backend's error text.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, strings.TrimSpace(string(e.Body)))
}

// BodyString returns the response body as text.
func (e *StatusError) BodyString() string { return string(e.Body) }

// DecodeBody unmarshals the error body into out, reporting whether it
// parsed as JSON.
func (e *StatusError) DecodeBody(out any) bool {
	return json.Unmarshal(e.Body, out) == nil
}

// Client issues requests against one backend base URL. It applies
// static headers and query parameters (session-wide credentials,
// content-type conventions) to every request. One request attempt per
// call; retry policy is deliberately absent.
type Client struct {
	base    string
	doer    Doer
	headers map[string]string
	query   url.Values
	log     *slog.Logger
}

// New builds a client for base (trailing slash stripped, matching the
// session's normalized base URL).
func New(base string, doer Doer, log *slog.Logger) *Client {
	return &Client{
		base:    strings.TrimRight(base, "/"),
		doer:    doer,
		headers: make(map[string]string),
		query:   make(url.Values),
		log:     log,
	}
}

// SetHeader adds a header sent with every request.
func (c *Client) SetHeader(key, value string) { c.headers[key] = value }

// SetQuery adds a query parameter sent with every request (Bugzilla
// carries its credentials this way).
func (c *Client) SetQuery(key, value string) { c.query.Set(key, value) }

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.base }

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.DoJSON(ctx, http.MethodGet, path, nil, out)
}

// DoJSON issues a request with an optional JSON body and decodes the
// JSON response into out (skipped when out is nil or the body is
// empty). Non-2xx responses return a *StatusError.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	data, err := c.DoRaw(ctx, method, path, "application/json", reader)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// DoRaw issues a request with an arbitrary body and content type and
// returns the response body. Non-2xx responses return a *StatusError
// carrying the body.
func (c *Client) DoRaw(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	u, err := c.buildURL(path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" && body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	c.log.Debug("request complete", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: data}
	}
	return data, nil
}

// buildURL joins path onto the base URL and merges the client's static
// query parameters with any already present on the path.
func (c *Client) buildURL(path string) (string, error) {
	u, err := url.Parse(c.base + path)
	if err != nil {
		return "", fmt.Errorf("building request URL: %w", err)
	}
	if len(c.query) > 0 {
		q := u.Query()
		for k, vs := range c.query {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
