package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateIsIncremental(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	v1 := []string{`CREATE TABLE things (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`}
	require.NoError(t, Migrate(ctx, db, "things", v1))

	// Re-running the same list is a no-op.
	require.NoError(t, Migrate(ctx, db, "things", v1))

	// A new version applies on top without touching existing data.
	_, err = db.ExecContext(ctx, `INSERT INTO things (name) VALUES ('a')`)
	require.NoError(t, err)

	v2 := append(v1, `ALTER TABLE things ADD COLUMN note TEXT`)
	require.NoError(t, Migrate(ctx, db, "things", v2))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM things`).Scan(&count))
	assert.Equal(t, 1, count)

	var version int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_migrations WHERE component = 'things'`).Scan(&version))
	assert.Equal(t, 2, version)
}

func TestFormatTimeSortsLexicographically(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	// Fractions that are string prefixes of each other under RFC3339Nano
	// must still compare in chronological order once formatted.
	earlier := FormatTime(base.Add(500 * time.Millisecond))
	later := FormatTime(base.Add(560 * time.Millisecond))
	assert.Less(t, earlier, later)

	// Fixed width, trailing zeros kept.
	assert.Equal(t, "2026-08-24T10:00:00.500000000Z", earlier)
	assert.Len(t, FormatTime(base), len(earlier))
}

func TestMigrateComponentsAreIndependent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, db, "a", []string{`CREATE TABLE a1 (x INTEGER)`}))
	require.NoError(t, Migrate(ctx, db, "b", []string{
		`CREATE TABLE b1 (x INTEGER)`,
		`CREATE TABLE b2 (x INTEGER)`,
	}))

	var av, bv int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_migrations WHERE component = 'a'`).Scan(&av))
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_migrations WHERE component = 'b'`).Scan(&bv))
	assert.Equal(t, 1, av)
	assert.Equal(t, 2, bv)
}

func TestMigrateFailedStatementLeavesNoRecord(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	err = Migrate(ctx, db, "broken", []string{`CREATE BOGUS SYNTAX`})
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE component = 'broken'`).Scan(&count))
	assert.Zero(t, count)
}
