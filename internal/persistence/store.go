// Package persistence provides the local relational archive adjacent to the
// in-memory core: finished sessions, their event logs and conversations are
// written to SQLite for later inspection. In-flight state never lives here.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/workforce/internal/bus"
	"github.com/basket/workforce/internal/tasklock"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	project_id   TEXT NOT NULL,
	question     TEXT NOT NULL DEFAULT '',
	summary      TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT '',
	cost_usd     REAL NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	finished_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);

CREATE TABLE IF NOT EXISTS session_events (
	project_id  TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	action      TEXT NOT NULL,
	task_id     TEXT NOT NULL DEFAULT '',
	agent_id    TEXT NOT NULL DEFAULT '',
	data        TEXT NOT NULL DEFAULT '{}',
	occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_project ON session_events(project_id, seq);

CREATE TABLE IF NOT EXISTS conversations (
	project_id  TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project_id, seq);
`

// Store wraps the SQLite archive.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SessionRecord is one archived session row.
type SessionRecord struct {
	ProjectID  string
	Question   string
	Summary    string
	Status     string
	CostUSD    float64
	CreatedAt  time.Time
	FinishedAt time.Time
}

// ArchiveSession writes a finished session, its event log and its retained
// conversation in one transaction.
func (s *Store) ArchiveSession(ctx context.Context, rec SessionRecord, events []bus.Event, conversation []tasklock.ConversationEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (project_id, question, summary, status, cost_usd, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ProjectID, rec.Question, rec.Summary, rec.Status, rec.CostUSD, rec.CreatedAt, rec.FinishedAt,
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	evStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO session_events (project_id, seq, action, task_id, agent_id, data, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare events: %w", err)
	}
	defer evStmt.Close()

	for i, ev := range events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			data = []byte("{}")
		}
		if _, err := evStmt.ExecContext(ctx,
			rec.ProjectID, i, string(ev.Action), ev.TaskID, ev.AgentID, string(data), ev.Timestamp,
		); err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	convStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO conversations (project_id, seq, role, content, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare conversations: %w", err)
	}
	defer convStmt.Close()

	for i, entry := range conversation {
		if _, err := convStmt.ExecContext(ctx,
			rec.ProjectID, i, entry.Role, entry.Content, entry.Timestamp,
		); err != nil {
			return fmt.Errorf("insert conversation %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Sessions returns the archived sessions for a project, newest first.
func (s *Store) Sessions(ctx context.Context, projectID string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, question, summary, status, cost_usd, created_at, finished_at
		 FROM sessions WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var finishedAt sql.NullTime
		if err := rows.Scan(&rec.ProjectID, &rec.Question, &rec.Summary, &rec.Status,
			&rec.CostUSD, &rec.CreatedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if finishedAt.Valid {
			rec.FinishedAt = finishedAt.Time
		} else {
			rec.FinishedAt = rec.CreatedAt
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Events returns the archived event log for a project in append order.
func (s *Store) Events(ctx context.Context, projectID string) ([]bus.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, task_id, agent_id, data, occurred_at
		 FROM session_events WHERE project_id = ? ORDER BY seq`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []bus.Event
	for rows.Next() {
		var (
			action, taskID, agentID, data string
			occurredAt                    time.Time
		)
		if err := rows.Scan(&action, &taskID, &agentID, &data, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev := bus.Event{
			Action:    bus.Action(action),
			TaskID:    taskID,
			AgentID:   agentID,
			Timestamp: occurredAt,
		}
		_ = json.Unmarshal([]byte(data), &ev.Data)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneBefore deletes archived rows older than cutoff. Used by the janitor's
// retention sweep.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM session_events WHERE occurred_at < ?`,
		`DELETE FROM conversations WHERE occurred_at < ?`,
		`DELETE FROM sessions WHERE created_at < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}
