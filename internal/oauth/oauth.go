// Package oauth runs the OAuth 2.0 credential lifecycle of tool server
// configurations: the authorization code flow, scheduled token refresh
// ahead of expiry, and disconnection with RFC 7009 revocation.
//
// A configuration moves through
//
//	unauthenticated -> authorizing -> authenticated
//	  [-> expiring -> refreshing -> authenticated]* -> revoked
//
// and any failure while authorizing or refreshing, or a failed
// connection test once authenticated, leaves it in the error status.
// Every failure path records that status before returning, so the next
// discovery or call sees the broken state without inspecting job
// history.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/httpkit"
	"github.com/nugget/toolbridge/internal/registry"
	"github.com/nugget/toolbridge/internal/toolserver"
)

// Store is the configuration persistence the lifecycle needs.
type Store interface {
	Get(ctx context.Context, id string) (*toolserver.Configuration, error)
	GetForOwner(ctx context.Context, owner toolserver.Owner, id string) (*toolserver.Configuration, error)
	ListOAuth(ctx context.Context) ([]*toolserver.Configuration, error)
	UpdateCredentials(ctx context.Context, id string, creds toolserver.Credentials) error
	SetStatus(ctx context.Context, id string, status toolserver.Status, detail string) error
}

// Connections is the live side of the tool layer: it verifies new
// credentials and drops connections built on old ones.
type Connections interface {
	DiscoverTools(ctx context.Context, caller toolserver.Owner, configID string, opts ...registry.DiscoverOption) ([]registry.ToolSchema, error)
	TestConnection(ctx context.Context, caller toolserver.Owner, configID string) error
	RemoveConfiguration(ctx context.Context, configID string)
}

// Scheduler runs Refresh for a configuration at a given time.
type Scheduler interface {
	Schedule(jobID string, at time.Time)
	Cancel(jobID string)
}

// Config tunes the lifecycle. Zero values select the defaults.
type Config struct {
	// CallbackURL is the redirect URI used when a configuration does
	// not name its own.
	CallbackURL string

	// StateTTL is how long an authorization may take. Default 10m.
	StateTTL time.Duration

	// ExpiryMargin: a refresh run is a no-op while the token is valid
	// for longer than this. Default 5m.
	ExpiryMargin time.Duration

	// RefreshLead is how long before expiry the next refresh is
	// scheduled. Default 10m.
	RefreshLead time.Duration
}

func (c Config) withDefaults() Config {
	if c.StateTTL <= 0 {
		c.StateTTL = 10 * time.Minute
	}
	if c.ExpiryMargin <= 0 {
		c.ExpiryMargin = 5 * time.Minute
	}
	if c.RefreshLead <= 0 {
		c.RefreshLead = 10 * time.Minute
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for token and revocation requests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// Manager owns the OAuth lifecycle of every configuration.
type Manager struct {
	store  Store
	conns  Connections
	sched  Scheduler
	logger *slog.Logger
	bus    *events.Bus
	client *http.Client
	cfg    Config
	states *stateStore
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	wg sync.WaitGroup
}

// New creates a Manager. sched may be nil, in which case nothing is
// scheduled and refreshes only happen when Refresh is called.
func New(store Store, conns Connections, sched Scheduler, logger *slog.Logger, cfg Config, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		store:  store,
		conns:  conns,
		sched:  sched,
		logger: logger,
		cfg:    cfg,
		states: newStateStore(cfg.StateTTL),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithLogger(logger))
	}
	return m
}

// Close waits for background rediscovery started by Callback.
func (m *Manager) Close() {
	m.wg.Wait()
}

// lock serializes lifecycle operations on one configuration.
func (m *Manager) lock(configID string) func() {
	m.mu.Lock()
	l, ok := m.locks[configID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[configID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) oauth2Config(cfg *toolserver.Configuration) *oauth2.Config {
	redirect := cfg.OAuth.RedirectURI
	if redirect == "" {
		redirect = m.cfg.CallbackURL
	}
	return &oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.OAuth.AuthorizationEndpoint,
			TokenURL:  cfg.OAuth.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirect,
		Scopes:      strings.Fields(cfg.OAuth.Scope),
	}
}

// clientContext routes x/oauth2 requests through our HTTP client.
func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

func checkOAuth(cfg *toolserver.Configuration) error {
	if cfg.AuthKind != toolserver.AuthOAuth {
		return toolserver.NewConfigurationError(cfg.ID, "tool server does not use OAuth")
	}
	if !cfg.OAuth.Complete() {
		return toolserver.NewConfigurationError(cfg.ID, "OAuth settings are incomplete")
	}
	return nil
}

// Authorize starts the authorization code flow for a configuration the
// caller owns and returns the provider URL to send the user to.
// redirect is where the callback sends the user afterwards.
func (m *Manager) Authorize(ctx context.Context, caller toolserver.Owner, configID, redirect string) (string, error) {
	cfg, err := m.store.GetForOwner(ctx, caller, configID)
	if err != nil {
		return "", err
	}
	// System-wide configurations are readable by everyone but only the
	// system may authorize them.
	if cfg.Owner != caller {
		return "", toolserver.ErrNotFound
	}
	if !cfg.Enabled {
		return "", toolserver.ErrDisabled(cfg.ID)
	}
	if err := checkOAuth(cfg); err != nil {
		return "", err
	}

	state, err := m.states.issue(pendingAuth{owner: caller, configID: cfg.ID, redirect: redirect})
	if err != nil {
		return "", err
	}

	m.logger.Info("oauth authorization started",
		"configuration_id", cfg.ID,
		"owner", caller.Key(),
	)
	return m.oauth2Config(cfg).AuthCodeURL(state), nil
}

// CallbackResult describes a completed callback.
type CallbackResult struct {
	ConfigurationID string
	Owner           toolserver.Owner

	// Redirect is the URL passed to Authorize, possibly empty.
	Redirect string

	// Connected reports whether the tool server accepted the new token.
	Connected bool
}

// Callback completes the authorization code flow. An unknown or
// reused state fails with ErrInvalidState before any provider request.
// When the state is valid the result is returned even alongside an
// error, so the caller can still send the user back.
func (m *Manager) Callback(ctx context.Context, state, code, providerError string) (*CallbackResult, error) {
	p, ok := m.states.consume(state)
	if !ok {
		m.logger.Warn("oauth callback with invalid state")
		return nil, ErrInvalidState
	}
	res := &CallbackResult{ConfigurationID: p.configID, Owner: p.owner, Redirect: p.redirect}

	unlock := m.lock(p.configID)
	defer unlock()

	if providerError != "" {
		m.logger.Warn("oauth authorization denied by provider",
			"configuration_id", p.configID,
			"error", providerError,
		)
		m.setStatus(ctx, p.configID, toolserver.StatusError, "authorization denied")
		return res, &DeniedError{Code: providerError, Reason: deniedReason(providerError)}
	}

	cfg, err := m.store.GetForOwner(ctx, p.owner, p.configID)
	if err != nil {
		return res, err
	}
	if err := checkOAuth(cfg); err != nil {
		return res, err
	}

	tok, err := m.oauth2Config(cfg).Exchange(m.clientContext(ctx), code)
	if err != nil {
		m.logger.Error("oauth code exchange failed",
			"configuration_id", cfg.ID,
			"error", err,
		)
		m.setStatus(ctx, cfg.ID, toolserver.StatusError, "token exchange failed")
		m.bus.Emit(events.SourceOAuth, events.KindRefreshFailed, map[string]any{
			"configuration_id": cfg.ID,
			"stage":            "exchange",
		})
		return res, ErrTokenExchange
	}

	creds := credentialsFrom(tok, cfg.Credentials)
	if err := m.store.UpdateCredentials(ctx, cfg.ID, creds); err != nil {
		return res, err
	}
	m.setStatus(ctx, cfg.ID, toolserver.StatusActive, "")
	m.schedule(cfg.ID, creds)

	m.logger.Info("oauth authorization completed",
		"configuration_id", cfg.ID,
		"owner", p.owner.Key(),
		"expires_at", creds.ExpiresAt,
	)
	m.bus.Emit(events.SourceOAuth, events.KindAuthorized, map[string]any{
		"configuration_id": cfg.ID,
		"owner":            p.owner.Key(),
	})

	// Connections opened with the previous token are dropped so the
	// test below authenticates with the new one.
	m.conns.RemoveConfiguration(ctx, cfg.ID)
	res.Connected = m.verify(ctx, p.owner, cfg.ID)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		bg := context.WithoutCancel(ctx)
		if _, err := m.conns.DiscoverTools(bg, p.owner, cfg.ID, registry.WithForceRefresh()); err != nil {
			m.logger.Warn("rediscovery after authorization failed",
				"configuration_id", cfg.ID,
				"error", err,
			)
		}
	}()
	return res, nil
}

// verify tests the tool server with the new credentials. A failure keeps
// the tokens and marks the configuration as errored.
func (m *Manager) verify(ctx context.Context, owner toolserver.Owner, configID string) bool {
	if err := m.conns.TestConnection(ctx, owner, configID); err != nil {
		m.logger.Warn("tool server rejected new credentials",
			"configuration_id", configID,
			"error", err,
		)
		m.setStatus(ctx, configID, toolserver.StatusError, "connection test failed")
		return false
	}
	return true
}

// Disconnect revokes and clears the tokens of a configuration the
// caller owns. Clearing always happens; a failed revocation is only
// logged.
func (m *Manager) Disconnect(ctx context.Context, caller toolserver.Owner, configID string) error {
	cfg, err := m.store.GetForOwner(ctx, caller, configID)
	if err != nil {
		return err
	}
	if cfg.Owner != caller {
		return toolserver.ErrNotFound
	}
	if cfg.AuthKind != toolserver.AuthOAuth {
		return toolserver.NewConfigurationError(cfg.ID, "tool server does not use OAuth")
	}

	unlock := m.lock(cfg.ID)
	defer unlock()

	if m.sched != nil {
		m.sched.Cancel(cfg.ID)
	}

	if cfg.OAuth.RevocationEndpoint != "" {
		for _, t := range []struct{ hint, token string }{
			{"refresh_token", cfg.Credentials.RefreshToken},
			{"access_token", cfg.Credentials.AccessToken},
		} {
			hint, token := t.hint, t.token
			if token == "" {
				continue
			}
			if err := m.revoke(ctx, cfg, token, hint); err != nil {
				m.logger.Warn("oauth token revocation failed",
					"configuration_id", cfg.ID,
					"token_type", hint,
					"error", err,
				)
			}
		}
	}

	if err := m.store.UpdateCredentials(ctx, cfg.ID, toolserver.Credentials{}); err != nil {
		return err
	}
	m.setStatus(ctx, cfg.ID, toolserver.StatusInactive, "")
	m.conns.RemoveConfiguration(ctx, cfg.ID)

	m.logger.Info("oauth credentials cleared",
		"configuration_id", cfg.ID,
		"owner", caller.Key(),
	)
	m.bus.Emit(events.SourceOAuth, events.KindDisconnected, map[string]any{
		"configuration_id": cfg.ID,
	})
	return nil
}

// revoke posts an RFC 7009 revocation request.
func (m *Manager) revoke(ctx context.Context, cfg *toolserver.Configuration, token, hint string) error {
	form := url.Values{
		"token":           {token},
		"token_type_hint": {hint},
		"client_id":       {cfg.OAuth.ClientID},
		"client_secret":   {cfg.OAuth.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.OAuth.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("revocation endpoint returned %d: %s", resp.StatusCode, body)
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

// ScheduleAll schedules the next refresh of every enabled OAuth
// configuration holding a refresh token. It runs at start-up.
func (m *Manager) ScheduleAll(ctx context.Context) (int, error) {
	if m.sched == nil {
		return 0, nil
	}
	cfgs, err := m.store.ListOAuth(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cfg := range cfgs {
		if !cfg.Enabled || cfg.Credentials.RefreshToken == "" {
			continue
		}
		if m.schedule(cfg.ID, cfg.Credentials) {
			n++
		}
	}
	m.logger.Info("oauth refreshes scheduled", "count", n)
	return n, nil
}

// schedule plans the next refresh RefreshLead before creds expire.
func (m *Manager) schedule(configID string, creds toolserver.Credentials) bool {
	if m.sched == nil || creds.RefreshToken == "" || creds.ExpiresAt.IsZero() {
		return false
	}
	at := creds.ExpiresAt.Add(-m.cfg.RefreshLead)
	if now := m.now(); at.Before(now) {
		at = now
	}
	m.sched.Schedule(configID, at)
	return true
}

func (m *Manager) setStatus(ctx context.Context, configID string, status toolserver.Status, detail string) {
	if err := m.store.SetStatus(context.WithoutCancel(ctx), configID, status, detail); err != nil && !errors.Is(err, toolserver.ErrNotFound) {
		m.logger.Error("failed to record tool server status",
			"configuration_id", configID,
			"status", status,
			"error", err,
		)
	}
}

// credentialsFrom converts a token response, keeping the previous
// refresh token when the provider did not rotate it.
func credentialsFrom(tok *oauth2.Token, prev toolserver.Credentials) toolserver.Credentials {
	creds := toolserver.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = prev.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		creds.Scope = scope
	}
	return creds
}
