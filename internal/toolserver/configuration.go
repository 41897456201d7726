// Package toolserver defines tool server configuration records and their
// SQLite persistence. A configuration describes how to reach one MCP
// tool server: which transport, which settings, which credentials, and
// which owner it belongs to.
//
// Configurations are created and edited by configuration management
// outside this module. The rest of toolbridge reads them and writes
// back only credentials and status.
package toolserver

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OwnerKind identifies the scope a configuration belongs to.
type OwnerKind string

const (
	OwnerUser   OwnerKind = "user"   // an individual user
	OwnerTenant OwnerKind = "tenant" // a tenant/instance
	OwnerSystem OwnerKind = "system" // available to every caller
)

// Owner is a tagged owner reference. Exactly one owner scopes each
// configuration.
type Owner struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// UserOwner is shorthand for a user-scoped owner.
func UserOwner(id string) Owner { return Owner{Kind: OwnerUser, ID: id} }

// TenantOwner is shorthand for a tenant-scoped owner.
func TenantOwner(id string) Owner { return Owner{Kind: OwnerTenant, ID: id} }

// SystemOwner is the owner of system-wide configurations.
func SystemOwner() Owner { return Owner{Kind: OwnerSystem, ID: "system"} }

// Key returns a stable string form, e.g. "user:42".
func (o Owner) Key() string {
	return string(o.Kind) + ":" + o.ID
}

// String implements fmt.Stringer.
func (o Owner) String() string { return o.Key() }

// IsSystem reports whether o is the system-wide scope.
func (o Owner) IsSystem() bool { return o.Kind == OwnerSystem }

// Valid reports whether o names a known kind and a non-empty ID.
func (o Owner) Valid() bool {
	switch o.Kind {
	case OwnerUser, OwnerTenant, OwnerSystem:
		return o.ID != ""
	}
	return false
}

// ParseOwner parses the "kind:id" form produced by [Owner.Key].
func ParseOwner(s string) (Owner, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	o := Owner{Kind: OwnerKind(kind), ID: id}
	if !ok || !o.Valid() {
		return Owner{}, fmt.Errorf("invalid owner %q (want user:<id>, tenant:<id> or system:<id>)", s)
	}
	return o, nil
}

// Transport identifies how a tool server is reached.
type Transport string

const (
	TransportStdio     Transport = "stdio"
	TransportHTTP      Transport = "http"
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

// Valid reports whether t is one of the four supported transports.
func (t Transport) Valid() bool {
	switch t {
	case TransportStdio, TransportHTTP, TransportSSE, TransportWebSocket:
		return true
	}
	return false
}

// AuthKind identifies how requests to a tool server are authenticated.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthAPIKey AuthKind = "api_key"
	AuthBearer AuthKind = "bearer"
	AuthOAuth  AuthKind = "oauth"
)

// Status is the operational status of a configuration as last observed
// by this module.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusError    Status = "error"
)

// Settings holds transport-specific settings. Command, Args and Env
// apply to stdio; URL, Headers and APIKeyHeader to network transports.
type Settings struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	URL          string            `json:"url,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	APIKeyHeader string            `json:"api_key_header,omitempty"`
}

// Credentials are the secrets attached to a configuration. For OAuth
// they are populated by the callback and replaced in place on refresh.
type Credentials struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	APIKey       string    `json:"api_key,omitempty"`
}

// Empty reports whether no secret is stored.
func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == "" && c.APIKey == ""
}

// OAuthSettings describes the provider a configuration authorizes against.
type OAuthSettings struct {
	ClientID              string `json:"client_id,omitempty"`
	ClientSecret          string `json:"client_secret,omitempty"`
	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty"`
	TokenEndpoint         string `json:"token_endpoint,omitempty"`
	RevocationEndpoint    string `json:"revocation_endpoint,omitempty"`
	RedirectURI           string `json:"redirect_uri,omitempty"`
	Scope                 string `json:"scope,omitempty"`
}

// Complete reports whether every field needed for the authorization
// code flow is present. Revocation and redirect URI are optional.
func (o OAuthSettings) Complete() bool {
	return o.ClientID != "" && o.ClientSecret != "" &&
		o.AuthorizationEndpoint != "" && o.TokenEndpoint != "" && o.Scope != ""
}

// Configuration is the persisted description of how to reach one tool
// server.
type Configuration struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Owner        Owner             `json:"owner"`
	Transport    Transport         `json:"transport"`
	Settings     Settings          `json:"settings"`
	Enabled      bool              `json:"enabled"`
	AuthKind     AuthKind          `json:"auth_kind"`
	Credentials  Credentials       `json:"-"`
	OAuth        OAuthSettings     `json:"oauth"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       Status            `json:"status"`
	StatusDetail string            `json:"status_detail,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// AccessibleBy reports whether caller may use this configuration: it
// must either own it or the configuration must be system-wide.
func (c *Configuration) AccessibleBy(caller Owner) bool {
	return c.Owner == caller || c.Owner.IsSystem()
}

// AuthHeaders returns the HTTP headers that authenticate requests to
// the tool server, merged over the configured static headers.
func (c *Configuration) AuthHeaders() map[string]string {
	headers := make(map[string]string, len(c.Settings.Headers)+1)
	for k, v := range c.Settings.Headers {
		headers[k] = v
	}

	switch c.AuthKind {
	case AuthBearer, AuthOAuth:
		if c.Credentials.AccessToken != "" {
			tokenType := c.Credentials.TokenType
			if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
				tokenType = "Bearer"
			}
			headers["Authorization"] = tokenType + " " + c.Credentials.AccessToken
		}
	case AuthAPIKey:
		if c.Credentials.APIKey != "" {
			if c.Settings.APIKeyHeader != "" {
				headers[c.Settings.APIKeyHeader] = c.Credentials.APIKey
			} else {
				headers["Authorization"] = "Bearer " + c.Credentials.APIKey
			}
		}
	}
	return headers
}

// CheckRecord validates the structural invariants of a record before it
// is stored. Security checks on stdio commands live in the bridge.
func (c *Configuration) CheckRecord() error {
	var errs []error
	if !c.Owner.Valid() {
		errs = append(errs, fmt.Errorf("owner %q is invalid", c.Owner.Key()))
	}
	if !c.Transport.Valid() {
		errs = append(errs, fmt.Errorf("transport %q is not supported", c.Transport))
	}
	switch c.AuthKind {
	case "", AuthNone, AuthAPIKey, AuthBearer, AuthOAuth:
	default:
		errs = append(errs, fmt.Errorf("auth kind %q is not supported", c.AuthKind))
	}
	if c.Transport != TransportStdio && c.Transport.Valid() && c.Settings.URL == "" {
		errs = append(errs, fmt.Errorf("%s transport requires a url", c.Transport))
	}
	return errors.Join(errs...)
}
