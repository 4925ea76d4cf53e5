// Package journal is the append-only record of every tool invocation. The
// policy engine computes rate-limit windows by counting journal rows, so
// counts survive restarts and are exact; nothing in the core deletes events.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/axis-ve/AgentVault/pkg/contracts"
	"github.com/axis-ve/AgentVault/pkg/storage"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at     DATETIME NOT NULL,
		tool_name       TEXT NOT NULL,
		agent_id        TEXT,
		status          TEXT NOT NULL,
		request_digest  TEXT NOT NULL,
		response_digest TEXT,
		error_kind      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_tool_agent_time
		ON events (tool_name, agent_id, occurred_at)`,
}

// Journal is the sqlite-backed event store.
type Journal struct {
	db *sql.DB
}

// Open migrates the events table.
func Open(ctx context.Context, db *sql.DB) (*Journal, error) {
	if err := storage.Migrate(ctx, db, "journal", migrations); err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Append writes one event. Events are immutable once written.
func (j *Journal) Append(ctx context.Context, ev *contracts.Event) error {
	const op = "journal.Append"
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO events (occurred_at, tool_name, agent_id, status, request_digest, response_digest, error_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		storage.FormatTime(ev.OccurredAt),
		ev.ToolName,
		nullable(ev.AgentID),
		string(ev.Status),
		ev.RequestDigest,
		nullable(ev.ResponseDigest),
		nullable(ev.ErrorKind))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// CountSince returns the number of events for (tool, agent) whose
// occurred_at falls in [cutoff, now). An empty agentID matches events
// journaled without one.
func (j *Journal) CountSince(ctx context.Context, toolName, agentID string, cutoff time.Time) (int, error) {
	const op = "journal.CountSince"
	var (
		count int
		err   error
	)
	if agentID == "" {
		err = j.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM events
			WHERE tool_name = ? AND agent_id IS NULL AND occurred_at >= ?`,
			toolName, storage.FormatTime(cutoff)).Scan(&count)
	} else {
		err = j.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM events
			WHERE tool_name = ? AND agent_id = ? AND occurred_at >= ?`,
			toolName, agentID, storage.FormatTime(cutoff)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return count, nil
}

// List returns the most recent events in descending time order.
func (j *Journal) List(ctx context.Context, limit int) ([]contracts.Event, error) {
	const op = "journal.List"
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, occurred_at, tool_name, agent_id, status, request_digest, response_digest, error_kind
		FROM events ORDER BY occurred_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Event
	for rows.Next() {
		var (
			ev         contracts.Event
			occurredAt string
			agentID    sql.NullString
			respDigest sql.NullString
			errKind    sql.NullString
			status     string
		)
		if err := rows.Scan(&ev.ID, &occurredAt, &ev.ToolName, &agentID, &status,
			&ev.RequestDigest, &respDigest, &errKind); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		ev.OccurredAt = parseTime(occurredAt)
		ev.AgentID = agentID.String
		ev.Status = contracts.EventStatus(status)
		ev.ResponseDigest = respDigest.String
		ev.ErrorKind = errKind.String
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
