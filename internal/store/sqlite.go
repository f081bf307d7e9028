package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"git.cscs.ch/openchami/chamicore-opsgate/pkg/types"
)

const (
	defaultAuditPageLimit = 100
	maxAuditPageLimit     = 1000
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    time DATETIME NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    tool TEXT NOT NULL,
    outcome TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_audit_events_time ON audit_events(time);
CREATE INDEX IF NOT EXISTS idx_audit_events_tool ON audit_events(tool);
`

// SQLiteStore implements Store using a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// Open opens or creates the audit database at path and applies the schema.
func Open(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging audit database: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying audit schema: %w", err)
	}
	return db, nil
}

// NewSQLiteStore creates a store instance on an opened database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db: db,
		sb: sq.StatementBuilder,
	}
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertAuditEvent persists one completed tool-call record.
func (s *SQLiteStore) InsertAuditEvent(ctx context.Context, event types.AuditEvent) error {
	id := strings.TrimSpace(event.ID)
	if id == "" {
		id = uuid.NewString()
	}
	when := event.Time
	if when.IsZero() {
		when = time.Now().UTC()
	}

	query := s.sb.
		Insert("audit_events").
		Columns("id", "time", "session_id", "tool", "outcome", "subject", "detail", "duration_ms").
		Values(
			id,
			when.UTC(),
			strings.TrimSpace(event.SessionID),
			strings.TrimSpace(event.Tool),
			strings.TrimSpace(event.Outcome),
			strings.TrimSpace(event.Subject),
			event.Detail,
			event.DurationMS,
		)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("building audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns paginated events ordered by newest first.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]types.AuditEvent, int, error) {
	limit = normalizeAuditPageLimit(limit)
	if offset < 0 {
		offset = 0
	}

	countQuery := s.sb.Select("COUNT(*)").From("audit_events")
	countSQL, countArgs, err := countQuery.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("building audit count query: %w", err)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting audit events: %w", err)
	}

	query := s.sb.
		Select("id", "time", "session_id", "tool", "outcome", "subject", "detail", "duration_ms").
		From("audit_events").
		OrderBy("time DESC", "id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset))

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("building audit list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	items := make([]types.AuditEvent, 0, limit)
	for rows.Next() {
		var event types.AuditEvent
		if err := rows.Scan(
			&event.ID,
			&event.Time,
			&event.SessionID,
			&event.Tool,
			&event.Outcome,
			&event.Subject,
			&event.Detail,
			&event.DurationMS,
		); err != nil {
			return nil, 0, fmt.Errorf("scanning audit event: %w", err)
		}
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating audit events: %w", err)
	}

	return items, total, nil
}

func normalizeAuditPageLimit(limit int) int {
	if limit <= 0 {
		return defaultAuditPageLimit
	}
	if limit > maxAuditPageLimit {
		return maxAuditPageLimit
	}
	return limit
}
