package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/toolbridge/internal/toolserver"
)

// defaultListLimit caps List when the filter sets no limit.
const defaultListLimit = 100

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is an append-only SQLite store for audit entries. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates an audit store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return newStore(db)
}

// NewStoreDB creates an audit store on an open database.
func NewStoreDB(db *sql.DB) (*Store, error) {
	return newStore(db)
}

func newStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id               TEXT PRIMARY KEY,
		owner_kind       TEXT NOT NULL,
		owner_id         TEXT NOT NULL,
		configuration_id TEXT NOT NULL,
		assistant_id     TEXT,
		request_id       TEXT,
		action           TEXT NOT NULL,
		tool_name        TEXT,
		status           TEXT NOT NULL,
		request          TEXT,
		response         TEXT,
		error            TEXT,
		executed_at      TEXT NOT NULL,
		latency_ms       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_executed_at ON audit_log(executed_at);
	CREATE INDEX IF NOT EXISTS idx_audit_configuration ON audit_log(configuration_id);
	CREATE INDEX IF NOT EXISTS idx_audit_owner ON audit_log(owner_kind, owner_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists an entry. If e.ID is empty a UUIDv7 is generated;
// a zero ExecutedAt is set to now.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate audit entry ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now()
	}
	e.LatencyMs = e.Latency.Milliseconds()

	var request *string
	if len(e.Request) > 0 {
		r := string(e.Request)
		request = &r
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log
			(id, owner_kind, owner_id, configuration_id, assistant_id, request_id,
			 action, tool_name, status, request, response, error, executed_at, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		string(e.Owner.Kind),
		e.Owner.ID,
		e.ConfigurationID,
		e.AssistantID,
		e.RequestID,
		string(e.Action),
		e.ToolName,
		string(e.Status),
		request,
		e.Response,
		e.Error,
		e.ExecutedAt.UTC().Format(timeLayout),
		e.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Filter narrows List and Count. Zero fields match everything.
type Filter struct {
	Owner           *toolserver.Owner
	ConfigurationID string
	ToolName        string
	Action          Action
	Status          Status
	Since           time.Time
	Until           time.Time

	// Limit caps List; Count ignores it. Zero means 100.
	Limit int
}

func (f Filter) where() (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if f.Owner != nil {
		add("owner_kind = ?", string(f.Owner.Kind))
		add("owner_id = ?", f.Owner.ID)
	}
	if f.ConfigurationID != "" {
		add("configuration_id = ?", f.ConfigurationID)
	}
	if f.ToolName != "" {
		add("tool_name = ?", f.ToolName)
	}
	if f.Action != "" {
		add("action = ?", string(f.Action))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if !f.Since.IsZero() {
		add("executed_at >= ?", f.Since.UTC().Format(timeLayout))
	}
	if !f.Until.IsZero() {
		add("executed_at < ?", f.Until.UTC().Format(timeLayout))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	where, args := f.where()
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_kind, owner_id, configuration_id, assistant_id, request_id,
		        action, tool_name, status, request, response, error, executed_at, latency_ms
		 FROM audit_log`+where+`
		 ORDER BY executed_at DESC, id DESC
		 LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns how many entries match.
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit log: %w", err)
	}
	return n, nil
}

// ToolSummary aggregates the entries of one tool.
type ToolSummary struct {
	ToolName     string  `json:"tool_name"`
	Total        int     `json:"total"`
	Failures     int     `json:"failures"`
	Timeouts     int     `json:"timeouts"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// SummaryByTool aggregates matching execute entries per tool, busiest
// first.
func (s *Store) SummaryByTool(ctx context.Context, f Filter) ([]ToolSummary, error) {
	f.Action = ActionExecute
	where, args := f.where()

	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(tool_name, ''), COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'failure' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(latency_ms), 0)
		 FROM audit_log`+where+`
		 GROUP BY tool_name
		 ORDER BY COUNT(*) DESC, tool_name`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit summary: %w", err)
	}
	defer rows.Close()

	var out []ToolSummary
	for rows.Next() {
		var ts ToolSummary
		if err := rows.Scan(&ts.ToolName, &ts.Total, &ts.Failures, &ts.Timeouts, &ts.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan audit summary: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var ownerKind, action, status, executedAt string
	var assistantID, requestID, toolName, request, response, errText sql.NullString
	if err := rows.Scan(&e.ID, &ownerKind, &e.Owner.ID, &e.ConfigurationID, &assistantID, &requestID,
		&action, &toolName, &status, &request, &response, &errText, &executedAt, &e.LatencyMs); err != nil {
		return nil, err
	}

	e.Owner.Kind = toolserver.OwnerKind(ownerKind)
	e.AssistantID = assistantID.String
	e.RequestID = requestID.String
	e.Action = Action(action)
	e.ToolName = toolName.String
	e.Status = Status(status)
	if request.Valid && request.String != "" {
		e.Request = []byte(request.String)
	}
	e.Response = response.String
	e.Error = errText.String
	e.ExecutedAt, _ = time.Parse(timeLayout, executedAt)
	e.Latency = time.Duration(e.LatencyMs) * time.Millisecond
	return &e, nil
}
