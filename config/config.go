// Package config loads named connection profiles from a config file or
// the environment and turns a profile into a live ticket session.
// Secret values may point into the OS keyring instead of being stored
// inline.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/spf13/viper"

	"github.com/relaydesk/ticketing"
	"github.com/relaydesk/ticketing/auth"
	"github.com/relaydesk/ticketing/bugzilla"
	"github.com/relaydesk/ticketing/jira"
	"github.com/relaydesk/ticketing/redmine"
	"github.com/relaydesk/ticketing/rt"
	"github.com/relaydesk/ticketing/servicenow"
)

// EnvPrefix namespaces the environment variables LoadEnv reads
// (TICKETING_URL, TICKETING_TOOL, ...).
const EnvPrefix = "TICKETING"

// secretScheme marks a value stored in the OS keyring instead of the
// config file: "keyring:<service>/<key>".
const secretScheme = "keyring:"

// Profile is one named backend connection.
type Profile struct {
	// Tool selects the backend: jira, rt, redmine, bugzilla, or
	// servicenow (case-insensitive).
	Tool string `mapstructure:"tool"`

	// URL is the backend root URL.
	URL string `mapstructure:"url"`

	// Project is the project key, queue, product, or table, per the
	// backend's notion of a ticket container.
	Project string `mapstructure:"project"`

	// TicketID optionally points the session at an existing ticket.
	TicketID string `mapstructure:"ticket_id"`

	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
	APIKey   string `mapstructure:"api_key"`
	Kerberos bool   `mapstructure:"kerberos"`

	Insecure bool          `mapstructure:"insecure"`
	Proxy    string        `mapstructure:"proxy"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Load reads the profiles map from the config file at path. The format
// follows the file extension (yaml, toml, json).
func Load(path string) (map[string]Profile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	profiles := make(map[string]Profile)
	if err := v.UnmarshalKey("profiles", &profiles); err != nil {
		return nil, fmt.Errorf("decoding profiles: %w", err)
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("config %s defines no profiles", path)
	}
	return profiles, nil
}

// LoadProfile reads one named profile from the config file at path.
func LoadProfile(path, name string) (Profile, error) {
	profiles, err := Load(path)
	if err != nil {
		return Profile{}, err
	}
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %s not found in %s", name, path)
	}
	return p, nil
}

// LoadEnv builds a profile from TICKETING_* environment variables.
func LoadEnv() (Profile, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	for _, key := range []string{
		"tool", "url", "project", "ticket_id",
		"username", "password", "token", "api_key", "kerberos",
		"insecure", "proxy", "timeout",
	} {
		if err := v.BindEnv(key); err != nil {
			return Profile{}, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	var p Profile
	if err := v.Unmarshal(&p); err != nil {
		return Profile{}, fmt.Errorf("decoding environment: %w", err)
	}
	if p.Tool == "" {
		return Profile{}, fmt.Errorf("%s_TOOL is not set", EnvPrefix)
	}
	return p, nil
}

// Credential materializes the profile's authentication strategy,
// resolving keyring references in secret fields. Kerberos wins over a
// token, which wins over an API key, which wins over a username and
// password; a profile with none yields nil (anonymous).
func (p Profile) Credential() (auth.Credential, error) {
	if p.Kerberos {
		return auth.Kerberos{}, nil
	}
	if p.Token != "" {
		token, err := resolveSecret(p.Token)
		if err != nil {
			return nil, err
		}
		return auth.Token{Value: token}, nil
	}
	if p.APIKey != "" {
		key, err := resolveSecret(p.APIKey)
		if err != nil {
			return nil, err
		}
		return auth.APIKey{Key: key}, nil
	}
	if p.Username != "" {
		password, err := resolveSecret(p.Password)
		if err != nil {
			return nil, err
		}
		return auth.Basic{Username: p.Username, Password: password}, nil
	}
	return nil, nil
}

// Open builds the adapter the profile names and returns a verified
// session, pointed at the profile's ticket id when set.
func Open(ctx context.Context, p Profile) (*ticketing.Session, error) {
	cred, err := p.Credential()
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(p.Tool) {
	case "jira":
		return jira.Open(ctx, jira.Options{
			URL: p.URL, Project: p.Project, Credential: cred,
			InsecureSkipVerify: p.Insecure, Proxy: p.Proxy, Timeout: p.Timeout,
		}, p.TicketID)
	case "rt":
		return rt.Open(ctx, rt.Options{
			URL: p.URL, Queue: p.Project, Credential: cred,
			InsecureSkipVerify: p.Insecure, Proxy: p.Proxy, Timeout: p.Timeout,
		}, p.TicketID)
	case "redmine":
		return redmine.Open(ctx, redmine.Options{
			URL: p.URL, Project: p.Project, Credential: cred,
			InsecureSkipVerify: p.Insecure, Proxy: p.Proxy, Timeout: p.Timeout,
		}, p.TicketID)
	case "bugzilla":
		return bugzilla.Open(ctx, bugzilla.Options{
			URL: p.URL, Project: p.Project, Credential: cred,
			InsecureSkipVerify: p.Insecure, Proxy: p.Proxy, Timeout: p.Timeout,
		}, p.TicketID)
	case "servicenow":
		return servicenow.Open(ctx, servicenow.Options{
			URL: p.URL, Table: p.Project, Credential: cred,
			InsecureSkipVerify: p.Insecure, Proxy: p.Proxy, Timeout: p.Timeout,
		}, p.TicketID)
	}
	return nil, fmt.Errorf("unknown tool %q", p.Tool)
}

// resolveSecret returns the value itself unless it carries the keyring
// scheme, in which case the secret is read from the OS keyring.
func resolveSecret(value string) (string, error) {
	if !strings.HasPrefix(value, secretScheme) {
		return value, nil
	}
	ref := strings.TrimPrefix(value, secretScheme)
	service, key, found := strings.Cut(ref, "/")
	if !found || service == "" || key == "" {
		return "", fmt.Errorf("malformed keyring reference %q, want keyring:<service>/<key>", value)
	}

	ring, err := keyring.Open(keyring.Config{ServiceName: service})
	if err != nil {
		return "", fmt.Errorf("opening keyring service %s: %w", service, err)
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("reading keyring secret %s/%s: %w", service, key, err)
	}
	return string(item.Data), nil
}
