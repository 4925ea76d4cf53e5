// Package strategy schedules recurring transfers: persistent schedules with
// a gas ceiling and a daily spending cap, advanced one tick at a time by an
// external caller. Ticks never overlap for the same label.
package strategy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/axis-ve/AgentVault/pkg/contracts"
	"github.com/axis-ve/AgentVault/pkg/storage"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS strategies (
		label            TEXT PRIMARY KEY,
		agent_id         TEXT NOT NULL,
		kind             TEXT NOT NULL,
		to_address       TEXT NOT NULL,
		amount_wei       TEXT NOT NULL,
		interval_seconds INTEGER NOT NULL,
		enabled          INTEGER NOT NULL DEFAULT 0,
		max_base_fee_wei TEXT,
		daily_cap_wei    TEXT,
		next_run_at      TEXT,
		last_run_at      TEXT,
		last_tx_hash     TEXT NOT NULL DEFAULT '',
		spent_day        TEXT NOT NULL DEFAULT '',
		spent_today_wei  TEXT NOT NULL DEFAULT '0',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS strategy_runs (
		id             TEXT PRIMARY KEY,
		strategy_label TEXT NOT NULL REFERENCES strategies(label) ON DELETE CASCADE,
		ran_at         TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		tx_hash        TEXT NOT NULL DEFAULT '',
		detail         TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_strategy_runs_label_time
		ON strategy_runs (strategy_label, ran_at)`,
}

// Store persists strategies and their run history.
type Store struct {
	db *sql.DB
}

// OpenStore runs migrations and returns the strategy store.
func OpenStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := storage.Migrate(ctx, db, "strategy", migrations); err != nil {
		return nil, fmt.Errorf("strategy: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Create inserts a new strategy. Labels are unique.
func (s *Store) Create(ctx context.Context, st *contracts.Strategy) error {
	const op = "strategy.Create"
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	if st.SpentTodayWei == nil {
		st.SpentTodayWei = new(big.Int)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategies
			(label, agent_id, kind, to_address, amount_wei, interval_seconds,
			 enabled, max_base_fee_wei, daily_cap_wei, next_run_at, last_run_at,
			 last_tx_hash, spent_day, spent_today_wei, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.Label, st.AgentID, string(st.Kind), st.ToAddress,
		st.AmountWei.String(), st.IntervalSeconds, boolInt(st.Enabled),
		nullBig(st.MaxBaseFeeWei), nullBig(st.DailyCapWei),
		nullTime(st.NextRunAt), nullTime(st.LastRunAt),
		st.LastTxHash, st.SpentDay, st.SpentTodayWei.String(),
		storage.FormatTime(now), storage.FormatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "strategies.label") ||
			strings.Contains(strings.ToLower(err.Error()), "unique") {
			return contracts.E(contracts.KindStrategyBadState, op,
				fmt.Sprintf("strategy %q already exists", st.Label))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Get loads one strategy by label.
func (s *Store) Get(ctx context.Context, label string) (*contracts.Strategy, error) {
	const op = "strategy.Get"
	row := s.db.QueryRowContext(ctx, `
		SELECT label, agent_id, kind, to_address, amount_wei, interval_seconds,
		       enabled, max_base_fee_wei, daily_cap_wei, next_run_at, last_run_at,
		       last_tx_hash, spent_day, spent_today_wei, created_at, updated_at
		FROM strategies WHERE label = ?`, label)
	st, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.E(contracts.KindStrategyNotFound, op, label)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return st, nil
}

// SetEnabled flips the enabled flag; when turning on it also arms the next
// run time so the first tick fires immediately.
func (s *Store) SetEnabled(ctx context.Context, label string, enabled bool, nextRunAt *time.Time) error {
	const op = "strategy.SetEnabled"
	now := storage.FormatTime(time.Now())
	var res sql.Result
	var err error
	if enabled {
		res, err = s.db.ExecContext(ctx,
			`UPDATE strategies SET enabled = 1, next_run_at = ?, updated_at = ? WHERE label = ?`,
			nullTime(nextRunAt), now, label)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE strategies SET enabled = 0, updated_at = ? WHERE label = ?`,
			now, label)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return contracts.E(contracts.KindStrategyNotFound, op, label)
	}
	return nil
}

// Delete removes a strategy and, via the foreign key cascade, its runs.
func (s *Store) Delete(ctx context.Context, label string) error {
	const op = "strategy.Delete"
	res, err := s.db.ExecContext(ctx, `DELETE FROM strategies WHERE label = ?`, label)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return contracts.E(contracts.KindStrategyNotFound, op, label)
	}
	return nil
}

// List returns all strategies, optionally filtered to one agent.
func (s *Store) List(ctx context.Context, agentID string) ([]*contracts.Strategy, error) {
	const op = "strategy.List"
	query := `
		SELECT label, agent_id, kind, to_address, amount_wei, interval_seconds,
		       enabled, max_base_fee_wei, daily_cap_wei, next_run_at, last_run_at,
		       last_tx_hash, spent_day, spent_today_wei, created_at, updated_at
		FROM strategies`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY label`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []*contracts.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Runs returns the most recent runs for a strategy, newest first.
func (s *Store) Runs(ctx context.Context, label string, limit int) ([]*contracts.StrategyRun, error) {
	const op = "strategy.Runs"
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_label, ran_at, outcome, tx_hash, detail
		FROM strategy_runs WHERE strategy_label = ?
		ORDER BY ran_at DESC, id DESC LIMIT ?`, label, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []*contracts.StrategyRun
	for rows.Next() {
		var r contracts.StrategyRun
		var ranAt string
		if err := rows.Scan(&r.ID, &r.StrategyLabel, &ranAt, &r.Outcome, &r.TxHash, &r.Detail); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if r.RanAt, err = time.Parse(time.RFC3339Nano, ranAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveTick commits the strategy's post-tick state and its run record in one
// transaction. Either both land or neither does.
func (s *Store) SaveTick(ctx context.Context, st *contracts.Strategy, run *contracts.StrategyRun) error {
	const op = "strategy.SaveTick"
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	st.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE strategies SET
			enabled = ?, next_run_at = ?, last_run_at = ?, last_tx_hash = ?,
			spent_day = ?, spent_today_wei = ?, updated_at = ?
		WHERE label = ?`,
		boolInt(st.Enabled), nullTime(st.NextRunAt), nullTime(st.LastRunAt),
		st.LastTxHash, st.SpentDay, st.SpentTodayWei.String(),
		storage.FormatTime(st.UpdatedAt), st.Label)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return contracts.E(contracts.KindStrategyNotFound, op, st.Label)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO strategy_runs (id, strategy_label, ran_at, outcome, tx_hash, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.StrategyLabel, storage.FormatTime(run.RanAt),
		string(run.Outcome), run.TxHash, run.Detail); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row scanner) (*contracts.Strategy, error) {
	var st contracts.Strategy
	var kind, amount, spentToday, createdAt, updatedAt string
	var enabled int
	var maxBaseFee, dailyCap, nextRun, lastRun sql.NullString
	if err := row.Scan(&st.Label, &st.AgentID, &kind, &st.ToAddress, &amount,
		&st.IntervalSeconds, &enabled, &maxBaseFee, &dailyCap, &nextRun, &lastRun,
		&st.LastTxHash, &st.SpentDay, &spentToday, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	st.Kind = contracts.StrategyKind(kind)
	st.Enabled = enabled != 0

	var err error
	if st.AmountWei, err = parseBig(amount); err != nil {
		return nil, err
	}
	if st.SpentTodayWei, err = parseBig(spentToday); err != nil {
		return nil, err
	}
	if maxBaseFee.Valid {
		if st.MaxBaseFeeWei, err = parseBig(maxBaseFee.String); err != nil {
			return nil, err
		}
	}
	if dailyCap.Valid {
		if st.DailyCapWei, err = parseBig(dailyCap.String); err != nil {
			return nil, err
		}
	}
	if st.NextRunAt, err = parseNullTime(nextRun); err != nil {
		return nil, err
	}
	if st.LastRunAt, err = parseNullTime(lastRun); err != nil {
		return nil, err
	}
	if st.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed integer %q", s)
	}
	return v, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullBig(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return storage.FormatTime(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
