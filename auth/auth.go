// Package auth builds authenticated transport sessions for the
// ticketing backends. A Credential describes how requests are
// authenticated; NewTransport turns one into an owned, reusable HTTP
// session with the caller's TLS and proxy options applied.
package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	krbclient "github.com/jcmturner/gokrb5/v8/client"
	krbconfig "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/relaydesk/ticketing"
)

// Credential is one authentication strategy. Decorate attaches the
// credential to an outgoing request; Kerberos is the exception, where
// negotiation happens inside the transport instead.
type Credential interface {
	// Kind names the strategy for log and error messages.
	Kind() string

	// Decorate attaches the credential to req.
	Decorate(req *http.Request)

	// RequiresVerification reports whether construction must issue a
	// verification request against the backend. Pre-shared tokens and
	// API keys need no session negotiation and skip it.
	RequiresVerification() bool
}

// Basic is HTTP Basic authentication with a username/secret pair.
type Basic struct {
	Username string
	Password string
}

func (Basic) Kind() string { return "basic" }
func (b Basic) Decorate(r *http.Request) { r.SetBasicAuth(b.Username, b.Password) }
func (Basic) RequiresVerification() bool { return true }

// Token is a bearer/personal-access-token credential.
type Token struct {
	Value string
}

func (Token) Kind() string { return "token" }
func (t Token) Decorate(r *http.Request) { r.Header.Set("Authorization", "Bearer "+t.Value) }
func (Token) RequiresVerification() bool { return false }

// APIKey is a pre-shared key passed as a query parameter, per the
// backend's convention. Param defaults to "api_key".
type APIKey struct {
	Key   string
	Param string
}

func (APIKey) Kind() string { return "api_key" }

func (k APIKey) Decorate(r *http.Request) {
	param := k.Param
	if param == "" {
		param = "api_key"
	}
	q := r.URL.Query()
	q.Set(param, k.Key)
	r.URL.RawQuery = q.Encode()
}

func (APIKey) RequiresVerification() bool { return false }

// Kerberos requests integrated SPNEGO negotiation against the backend.
// The caller must have obtained a ticket-granting ticket out of band;
// the credential cache named by KRB5CCNAME (or the default per-uid
// cache) is loaded at transport construction.
type Kerberos struct {
	// SPN overrides the service principal derived from the request
	// host. Usually left empty.
	SPN string
}

func (Kerberos) Kind() string { return "kerberos" }
func (Kerberos) Decorate(*http.Request) {}
func (Kerberos) RequiresVerification() bool { return true }

// Options carries the transport knobs every backend constructor
// accepts.
type Options struct {
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// Proxy routes all requests through the given HTTP proxy URL.
	Proxy string

	// Timeout bounds each request. Zero means 30 seconds.
	Timeout time.Duration
}

// Doer executes one HTTP request. Satisfied by *http.Client and by the
// SPNEGO wrapper.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Transport is an authenticated, reusable HTTP session. It is owned
// exclusively by one ticket session from construction until Close.
type Transport struct {
	cred      Credential
	doer      Doer
	client    *http.Client
	principal string
}

// NewTransport builds the authenticated session for cred. A nil cred
// yields an anonymous transport (the caller attaches credentials some
// other way, e.g. Bugzilla's query parameters).
func NewTransport(cred Credential, opts Options) (*Transport, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	tr := &http.Transport{}
	if opts.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy URL: %w", err)
		}
		tr.Proxy = http.ProxyURL(proxyURL)
	}

	hc := &http.Client{Transport: tr, Timeout: timeout}
	t := &Transport{cred: cred, doer: hc, client: hc}

	if krb, ok := cred.(Kerberos); ok {
		cl, principal, err := kerberosClient()
		if err != nil {
			return nil, err
		}
		t.doer = spnego.NewClient(cl, hc, krb.SPN)
		t.principal = principal
	}
	return t, nil
}

// Do decorates req with the credential and executes it on the owned
// session.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	if t.cred != nil {
		t.cred.Decorate(req)
	}
	return t.doer.Do(req)
}

// Principal returns the Kerberos principal (lowercased user@realm)
// loaded from the credential cache, or "" for other strategies.
func (t *Transport) Principal() string { return t.principal }

// Ping issues the construction-time verification GET. Any transport
// failure or non-2xx response comes back as an AuthenticationError so
// a half-authenticated session is never handed out.
func (t *Transport) Ping(ctx context.Context, tool, pingURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pingURL, nil)
	if err != nil {
		return &ticketing.AuthenticationError{Tool: tool, Reason: "building verification request", Err: err}
	}
	resp, err := t.Do(req)
	if err != nil {
		return &ticketing.AuthenticationError{Tool: tool, Reason: "verification request failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ticketing.AuthenticationError{
			Tool:   tool,
			Reason: fmt.Sprintf("verification request to %s returned %d", pingURL, resp.StatusCode),
		}
	}
	return nil
}

// Close releases idle connections. The transport must not be used
// afterwards.
func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// kerberosClient loads krb5 configuration and the ambient credential
// cache, returning a client ready for SPNEGO and the cache's
// principal.
func kerberosClient() (*krbclient.Client, string, error) {
	cfgPath := os.Getenv("KRB5_CONFIG")
	if cfgPath == "" {
		cfgPath = "/etc/krb5.conf"
	}
	cfg, err := krbconfig.Load(cfgPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading krb5 config %s: %w", cfgPath, err)
	}

	ccPath := strings.TrimPrefix(os.Getenv("KRB5CCNAME"), "FILE:")
	if ccPath == "" {
		ccPath = fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
	}
	cc, err := credentials.LoadCCache(ccPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading credential cache %s: %w", ccPath, err)
	}

	cl, err := krbclient.NewFromCCache(cc, cfg, krbclient.DisablePAFXFAST(true))
	if err != nil {
		return nil, "", fmt.Errorf("initializing kerberos client: %w", err)
	}

	principal := strings.ToLower(cl.Credentials.UserName() + "@" + cl.Credentials.Domain())
	return cl, principal, nil
}
