// auditstore.go
package schedule

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// AuditLog is one immutable audit record: a mutation, inconsistency
// report, conflict detection, or negotiation transition, durably
// recorded for post-hoc inspection (spec ambient stack).
type AuditLog struct {
	ID         int64
	Component  string
	Action     string
	Level      string
	Message    string
	ActorID    *int64
	RequestID  string
	Payload    string
	OccurredAt time.Time
}

// AuditFilter narrows ListAuditLogs results.
type AuditFilter struct {
	Component string
	Action    string
	Level     string
	RequestID string
	Since     time.Time
	Limit     int
}

// AuditRepository persists and retrieves AuditLog records.
type AuditRepository interface {
	AppendAudit(entry *AuditLog) error
	ListAuditLogs(filter AuditFilter) ([]AuditLog, error)
}

// SQLiteAuditStore is the durable AuditRepository backed by
// mattn/go-sqlite3, grounded on the teacher's storage.go audit_logs
// table and AppendAudit/ListAuditLogs methods.
type SQLiteAuditStore struct {
	db *sql.DB
}

var _ AuditRepository = (*SQLiteAuditStore)(nil)

// NewSQLiteAuditStore opens (creating if absent) the sqlite database at
// dsn and ensures the audit_logs table exists.
func NewSQLiteAuditStore(dsn string) (*SQLiteAuditStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteAuditStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteAuditStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    component TEXT NOT NULL,
    action TEXT NOT NULL,
    level TEXT NOT NULL,
    message TEXT,
    actor_id INTEGER,
    request_id TEXT,
    payload TEXT,
    occurred_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_component_idx ON audit_logs(component, action);
`
	_, err := s.db.Exec(schema)
	return err
}

// AppendAudit stores an immutable audit record.
func (s *SQLiteAuditStore) AppendAudit(entry *AuditLog) error {
	if entry == nil {
		return errors.New("nil audit entry")
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO audit_logs(component, action, level, message, actor_id, request_id, payload, occurred_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		entry.Component, entry.Action, entry.Level, entry.Message, entry.ActorID, entry.RequestID, entry.Payload, entry.OccurredAt)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	entry.ID = id
	return nil
}

// ListAuditLogs returns the newest audit entries matching filter.
func (s *SQLiteAuditStore) ListAuditLogs(filter AuditFilter) ([]AuditLog, error) {
	query := `SELECT id, component, action, level, message, actor_id, request_id, payload, occurred_at FROM audit_logs`
	var clauses []string
	var args []any
	if filter.Component != "" {
		clauses = append(clauses, "component = ?")
		args = append(args, filter.Component)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Level != "" {
		clauses = append(clauses, "level = ?")
		args = append(args, filter.Level)
	}
	if filter.RequestID != "" {
		clauses = append(clauses, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, filter.Since)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var entry AuditLog
		var actor sql.NullInt64
		if err := rows.Scan(&entry.ID, &entry.Component, &entry.Action, &entry.Level, &entry.Message,
			&actor, &entry.RequestID, &entry.Payload, &entry.OccurredAt); err != nil {
			return nil, err
		}
		if actor.Valid {
			v := actor.Int64
			entry.ActorID = &v
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
