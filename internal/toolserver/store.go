package toolserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store persists tool server configurations in SQLite. All methods are
// safe for concurrent use.
type Store struct {
	db     *sql.DB
	sealer *Sealer
	logger *slog.Logger
}

// NewStore creates a configuration store on db, creating the schema if
// needed. sealer may be nil.
func NewStore(db *sql.DB, sealer *Sealer, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, sealer: sealer, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate tool server schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_servers (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			owner_kind     TEXT NOT NULL,
			owner_id       TEXT NOT NULL,
			transport      TEXT NOT NULL,
			settings_json  TEXT NOT NULL,
			enabled        INTEGER NOT NULL,
			auth_kind      TEXT NOT NULL,
			credentials    TEXT,
			oauth_json     TEXT,
			metadata_json  TEXT,
			status         TEXT NOT NULL,
			status_detail  TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tool_servers_owner ON tool_servers(owner_kind, owner_id);
		CREATE INDEX IF NOT EXISTS idx_tool_servers_auth ON tool_servers(auth_kind);
	`)
	return err
}

const selectColumns = `id, name, owner_kind, owner_id, transport, settings_json, enabled,
	auth_kind, credentials, oauth_json, metadata_json, status, status_detail, created_at, updated_at`

// Create inserts a new configuration. A UUIDv7 is assigned if cfg.ID is
// empty; timestamps and a default status are filled in.
func (s *Store) Create(ctx context.Context, cfg *Configuration) error {
	if cfg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate configuration ID: %w", err)
		}
		cfg.ID = id.String()
	}
	if cfg.AuthKind == "" {
		cfg.AuthKind = AuthNone
	}
	if cfg.Status == "" {
		cfg.Status = StatusInactive
	}
	if err := cfg.CheckRecord(); err != nil {
		return NewConfigurationError(cfg.ID, "%v", err)
	}

	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	args, err := s.rowArgs(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_servers (`+selectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert tool server %s: %w", cfg.ID, err)
	}
	return nil
}

// Update replaces every mutable field of an existing configuration.
func (s *Store) Update(ctx context.Context, cfg *Configuration) error {
	if err := cfg.CheckRecord(); err != nil {
		return NewConfigurationError(cfg.ID, "%v", err)
	}
	cfg.UpdatedAt = time.Now().UTC()

	args, err := s.rowArgs(cfg)
	if err != nil {
		return err
	}
	// rowArgs order: id first, created_at second to last.
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_servers SET name = ?, owner_kind = ?, owner_id = ?, transport = ?,
			settings_json = ?, enabled = ?, auth_kind = ?, credentials = ?, oauth_json = ?,
			metadata_json = ?, status = ?, status_detail = ?, updated_at = ?
		 WHERE id = ?`,
		args[1], args[2], args[3], args[4], args[5], args[6], args[7], args[8], args[9],
		args[10], args[11], args[12], args[14], args[0],
	)
	if err != nil {
		return fmt.Errorf("update tool server %s: %w", cfg.ID, err)
	}
	return expectOneRow(res)
}

// Delete removes a configuration.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete tool server %s: %w", id, err)
	}
	return expectOneRow(res)
}

// Get loads a configuration without owner scoping. It is intended for
// background jobs that act on behalf of the configuration itself.
func (s *Store) Get(ctx context.Context, id string) (*Configuration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM tool_servers WHERE id = ?`, id)
	return s.scan(row)
}

// GetForOwner loads a configuration visible to owner: one it owns, or a
// system-wide one. Any other configuration yields ErrNotFound, exactly
// as if it did not exist.
func (s *Store) GetForOwner(ctx context.Context, owner Owner, id string) (*Configuration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM tool_servers
		 WHERE id = ? AND ((owner_kind = ? AND owner_id = ?) OR owner_kind = ?)`,
		id, string(owner.Kind), owner.ID, string(OwnerSystem))
	return s.scan(row)
}

// ListForOwner returns configurations visible to owner, including
// system-wide ones, ordered by name.
func (s *Store) ListForOwner(ctx context.Context, owner Owner) ([]*Configuration, error) {
	return s.list(ctx,
		`SELECT `+selectColumns+` FROM tool_servers
		 WHERE (owner_kind = ? AND owner_id = ?) OR owner_kind = ?
		 ORDER BY name`,
		string(owner.Kind), owner.ID, string(OwnerSystem))
}

// ListOAuth returns every OAuth configuration. Used at start-up to
// schedule token refreshes.
func (s *Store) ListOAuth(ctx context.Context) ([]*Configuration, error) {
	return s.list(ctx,
		`SELECT `+selectColumns+` FROM tool_servers WHERE auth_kind = ? ORDER BY id`,
		string(AuthOAuth))
}

// UpdateCredentials replaces the stored credentials of a configuration.
func (s *Store) UpdateCredentials(ctx context.Context, id string, creds Credentials) error {
	blob, err := s.sealer.seal(creds)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_servers SET credentials = ?, updated_at = ? WHERE id = ?`,
		blob, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update credentials for %s: %w", id, err)
	}
	return expectOneRow(res)
}

// SetStatus records the operational status of a configuration.
func (s *Store) SetStatus(ctx context.Context, id string, status Status, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_servers SET status = ?, status_detail = ?, updated_at = ? WHERE id = ?`,
		string(status), detail, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set status for %s: %w", id, err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	s.logger.Debug("tool server status changed", "configuration_id", id, "status", status, "detail", detail)
	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Configuration, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tool servers: %w", err)
	}
	defer rows.Close()

	var out []*Configuration
	for rows.Next() {
		cfg, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(row scanner) (*Configuration, error) {
	var (
		cfg                                    Configuration
		ownerKind, transport, authKind, status string
		settingsJSON                           string
		enabled                                int
		credBlob, oauthJSON, metaJSON, detail  sql.NullString
		createdAt, updatedAt                   string
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &ownerKind, &cfg.Owner.ID, &transport, &settingsJSON,
		&enabled, &authKind, &credBlob, &oauthJSON, &metaJSON, &status, &detail, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tool server: %w", err)
	}

	cfg.Owner.Kind = OwnerKind(ownerKind)
	cfg.Transport = Transport(transport)
	cfg.AuthKind = AuthKind(authKind)
	cfg.Status = Status(status)
	cfg.StatusDetail = detail.String
	cfg.Enabled = enabled != 0
	cfg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	cfg.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	if err := json.Unmarshal([]byte(settingsJSON), &cfg.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings for %s: %w", cfg.ID, err)
	}
	if oauthJSON.Valid && oauthJSON.String != "" {
		if err := json.Unmarshal([]byte(oauthJSON.String), &cfg.OAuth); err != nil {
			return nil, fmt.Errorf("unmarshal oauth settings for %s: %w", cfg.ID, err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &cfg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", cfg.ID, err)
		}
	}
	cfg.Credentials, err = s.sealer.open(credBlob.String)
	if err != nil {
		return nil, fmt.Errorf("open credentials for %s: %w", cfg.ID, err)
	}
	return &cfg, nil
}

// rowArgs returns column values in selectColumns order.
func (s *Store) rowArgs(cfg *Configuration) ([]any, error) {
	settingsJSON, err := json.Marshal(cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	oauthJSON, err := json.Marshal(cfg.OAuth)
	if err != nil {
		return nil, fmt.Errorf("marshal oauth settings: %w", err)
	}
	metaJSON, err := json.Marshal(cfg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	credBlob, err := s.sealer.seal(cfg.Credentials)
	if err != nil {
		return nil, err
	}

	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	return []any{
		cfg.ID, cfg.Name, string(cfg.Owner.Kind), cfg.Owner.ID, string(cfg.Transport),
		string(settingsJSON), enabled, string(cfg.AuthKind), credBlob, string(oauthJSON),
		string(metaJSON), string(cfg.Status), cfg.StatusDetail,
		formatTime(cfg.CreatedAt), formatTime(cfg.UpdatedAt),
	}, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
