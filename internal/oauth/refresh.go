package oauth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/toolserver"
)

// Refresh renews the access token of a configuration if it is close to
// expiry. It has the scheduler's job signature and is safe to run more
// than once concurrently: runs are serialized per configuration and a
// run that finds a fresh token does nothing.
//
// Failures the provider reports (a rejected refresh token, a missing
// one, a configuration that no longer uses OAuth) mark the
// configuration as errored and return nil, since retrying cannot help.
// Network failures also mark it errored but are returned so the
// scheduler retries.
func (m *Manager) Refresh(ctx context.Context, configID string) error {
	unlock := m.lock(configID)
	defer unlock()

	cfg, err := m.store.Get(ctx, configID)
	if errors.Is(err, toolserver.ErrNotFound) {
		m.logger.Info("oauth refresh skipped, configuration is gone", "configuration_id", configID)
		return nil
	}
	if err != nil {
		return err
	}

	if cfg.AuthKind != toolserver.AuthOAuth {
		m.fail(ctx, cfg.ID, "configuration does not use OAuth", nil)
		return nil
	}
	if cfg.Credentials.RefreshToken == "" {
		m.fail(ctx, cfg.ID, "refresh token missing", nil)
		return nil
	}

	now := m.now()
	if exp := cfg.Credentials.ExpiresAt; !exp.IsZero() && exp.Sub(now) > m.cfg.ExpiryMargin {
		m.logger.Info("oauth token still valid, refresh not needed",
			"configuration_id", cfg.ID,
			"expires_in", exp.Sub(now).Round(time.Second),
		)
		// Come back when the token enters the margin. That is strictly
		// later than now on this branch.
		if m.sched != nil {
			m.sched.Schedule(cfg.ID, exp.Add(-m.cfg.ExpiryMargin))
		}
		return nil
	}

	// An empty access token forces the token source to refresh.
	src := m.oauth2Config(cfg).TokenSource(m.clientContext(ctx), &oauth2.Token{
		RefreshToken: cfg.Credentials.RefreshToken,
	})
	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			m.fail(ctx, cfg.ID, "token refresh rejected", err)
			return nil
		}
		m.fail(ctx, cfg.ID, "token endpoint unreachable", err)
		return err
	}

	creds := credentialsFrom(tok, cfg.Credentials)
	if err := m.store.UpdateCredentials(ctx, cfg.ID, creds); err != nil {
		return err
	}
	m.setStatus(ctx, cfg.ID, toolserver.StatusActive, "")
	m.schedule(cfg.ID, creds)

	m.logger.Info("oauth token refreshed",
		"configuration_id", cfg.ID,
		"expires_at", creds.ExpiresAt,
	)
	m.bus.Emit(events.SourceOAuth, events.KindRefreshed, map[string]any{
		"configuration_id": cfg.ID,
		"expires_at":       creds.ExpiresAt,
	})

	m.conns.RemoveConfiguration(ctx, cfg.ID)
	m.verify(ctx, cfg.Owner, cfg.ID)
	return nil
}

// fail marks a refresh failure. err carries provider or network detail
// for the log only.
func (m *Manager) fail(ctx context.Context, configID, reason string, err error) {
	args := []any{"configuration_id", configID, "reason", reason}
	if err != nil {
		args = append(args, "error", err)
	}
	m.logger.Error("oauth refresh failed", args...)
	m.setStatus(ctx, configID, toolserver.StatusError, reason)
	m.bus.Emit(events.SourceOAuth, events.KindRefreshFailed, map[string]any{
		"configuration_id": configID,
		"reason":           reason,
	})
}
