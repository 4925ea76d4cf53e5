// Package storage opens the shared sqlite database and applies versioned
// schema migrations. Wallets, strategies, strategy runs and events live in
// distinct tables of one file; each owning package registers its own ordered
// migration list.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// TimeLayout is the stored timestamp format. Unlike time.RFC3339Nano it
// never trims trailing fractional zeros, so the strings are fixed width and
// sqlite's lexicographic comparison matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in UTC in the fixed-width stored layout. Every
// timestamp column in the database goes through this.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Open dials the sqlite file at path with the pragmas the core relies on:
// WAL for concurrent readers during writes, foreign keys on, and a busy
// timeout so short lock contention does not surface as SQLITE_BUSY.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids lock
	// churn between the stores sharing this file.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", path, err)
	}
	return db, nil
}

// Migrate applies the ordered statements for component that have not run
// yet, recording progress in schema_migrations. Each pending migration runs
// in its own transaction: either the statement and its version record commit
// together or neither does.
func Migrate(ctx context.Context, db *sql.DB, component string, stmts []string) error {
	_, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		component  TEXT NOT NULL,
		version    INTEGER NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (component, version)
	)`)
	if err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	var current int
	err = db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE component = ?`, component).
		Scan(&current)
	if err != nil {
		return fmt.Errorf("storage: read %s version: %w", component, err)
	}

	for i := current; i < len(stmts); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin migration %s v%d: %w", component, i+1, err)
		}
		if _, err := tx.ExecContext(ctx, stmts[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("storage: apply migration %s v%d: %w", component, i+1, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (component, version) VALUES (?, ?)`, component, i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("storage: record migration %s v%d: %w", component, i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit migration %s v%d: %w", component, i+1, err)
		}
	}
	return nil
}
