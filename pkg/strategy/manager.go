package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/axis-ve/AgentVault/pkg/chain"
	"github.com/axis-ve/AgentVault/pkg/contracts"
	"github.com/axis-ve/AgentVault/pkg/wallet"
)

// Executor is the slice of the wallet manager a tick needs.
type Executor interface {
	SimulateTransfer(ctx context.Context, agentID, toAddress, amountNative string) (*contracts.Simulation, error)
	ExecuteTransfer(ctx context.Context, agentID, toAddress, amountNative, confirmationCode string, dryRun bool) (*wallet.TransferResult, error)
}

// FeeSource reports the current base fee for the gas ceiling gate.
type FeeSource interface {
	BaseFee(ctx context.Context) (*big.Int, error)
}

// Wallets resolves agent ids to wallet records; creation refuses agents
// without a wallet.
type Wallets interface {
	Get(ctx context.Context, agentID string) (*contracts.WalletRecord, error)
}

// CreateParams are the caller-supplied fields of a new strategy.
type CreateParams struct {
	Label           string
	AgentID         string
	ToAddress       string
	AmountNative    string
	IntervalSeconds int64
	MaxBaseFeeGwei  string // empty disables the gas gate
	DailyCapNative  string // empty disables the cap
}

// Status is a strategy with its recent run history.
type Status struct {
	Strategy *contracts.Strategy      `json:"strategy"`
	Runs     []*contracts.StrategyRun `json:"runs"`
}

// Manager drives strategy lifecycle and ticks.
type Manager struct {
	store   *Store
	wallets Wallets
	exec    Executor
	fees    FeeSource
	log     *slog.Logger
	now     func() time.Time

	// confirmCode is forwarded to transfers so strategies above the spend
	// threshold still execute unattended.
	confirmCode string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wires the strategy manager.
func NewManager(store *Store, wallets Wallets, exec Executor, fees FeeSource, confirmCode string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:       store,
		wallets:     wallets,
		exec:        exec,
		fees:        fees,
		log:         log.With("component", "strategy"),
		now:         time.Now,
		confirmCode: confirmCode,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(label string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[label]
	if !ok {
		l = &sync.Mutex{}
		m.locks[label] = l
	}
	return l
}

// Create validates and persists a disabled strategy. The owning agent must
// already hold a wallet.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*contracts.Strategy, error) {
	const op = "strategy.Create"
	if p.Label == "" {
		return nil, contracts.E(contracts.KindStrategyBadState, op, "label must not be empty")
	}
	if _, err := m.wallets.Get(ctx, p.AgentID); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(p.ToAddress) {
		return nil, contracts.E(contracts.KindBadAddress, op, p.ToAddress)
	}
	amountWei, err := chain.ParseNative(p.AmountNative)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindInternal, op, err)
	}
	if amountWei.Sign() <= 0 {
		return nil, contracts.E(contracts.KindInternal, op, "amount must be positive")
	}
	if p.IntervalSeconds <= 0 {
		return nil, contracts.E(contracts.KindInternal, op, "interval must be positive")
	}

	st := &contracts.Strategy{
		Label:           p.Label,
		AgentID:         p.AgentID,
		Kind:            contracts.StrategyRecurringTransfer,
		ToAddress:       common.HexToAddress(p.ToAddress).Hex(),
		AmountWei:       amountWei,
		IntervalSeconds: p.IntervalSeconds,
		SpentTodayWei:   new(big.Int),
	}
	if p.MaxBaseFeeGwei != "" {
		ceiling, err := chain.ParseGwei(p.MaxBaseFeeGwei)
		if err != nil {
			return nil, contracts.Wrap(contracts.KindInternal, op, err)
		}
		st.MaxBaseFeeWei = ceiling
	}
	if p.DailyCapNative != "" {
		capWei, err := chain.ParseNative(p.DailyCapNative)
		if err != nil {
			return nil, contracts.Wrap(contracts.KindInternal, op, err)
		}
		st.DailyCapWei = capWei
	}
	if err := m.store.Create(ctx, st); err != nil {
		return nil, err
	}
	m.log.Info("strategy created", "label", st.Label, "agent_id", st.AgentID)
	return st, nil
}

// Start enables the strategy and makes it due immediately.
func (m *Manager) Start(ctx context.Context, label string) error {
	now := m.now().UTC()
	if err := m.store.SetEnabled(ctx, label, true, &now); err != nil {
		return err
	}
	m.log.Info("strategy started", "label", label)
	return nil
}

// Stop disables the strategy. Its schedule state is kept.
func (m *Manager) Stop(ctx context.Context, label string) error {
	if err := m.store.SetEnabled(ctx, label, false, nil); err != nil {
		return err
	}
	m.log.Info("strategy stopped", "label", label)
	return nil
}

// Delete removes the strategy and its run history.
func (m *Manager) Delete(ctx context.Context, label string) error {
	if err := m.store.Delete(ctx, label); err != nil {
		return err
	}
	m.log.Info("strategy deleted", "label", label)
	return nil
}

// List returns strategies, filtered to one agent when agentID is non-empty.
func (m *Manager) List(ctx context.Context, agentID string) ([]*contracts.Strategy, error) {
	return m.store.List(ctx, agentID)
}

// GetStatus returns the strategy with its recent runs.
func (m *Manager) GetStatus(ctx context.Context, label string) (*Status, error) {
	st, err := m.store.Get(ctx, label)
	if err != nil {
		return nil, err
	}
	runs, err := m.store.Runs(ctx, label, 20)
	if err != nil {
		return nil, err
	}
	return &Status{Strategy: st, Runs: runs}, nil
}

// Tick advances one strategy through a single scheduling decision. The gate
// order is fixed: due check, daily reset, cap, gas ceiling, simulation,
// execution. A not-due tick is a pure no-op; every other outcome commits the
// updated schedule and a run record atomically. A failed run still commits
// before the underlying error is returned to the caller.
func (m *Manager) Tick(ctx context.Context, label string) (*contracts.StrategyRun, error) {
	const op = "strategy.Tick"

	lock := m.lockFor(label)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.store.Get(ctx, label)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	if !st.Enabled || st.NextRunAt == nil || now.Before(*st.NextRunAt) {
		return &contracts.StrategyRun{
			StrategyLabel: label,
			RanAt:         now,
			Outcome:       contracts.RunSkippedNotDue,
		}, nil
	}

	// A tick landing on a new UTC day resets the daily accounting before the
	// cap is consulted.
	today := now.Format("2006-01-02")
	if st.SpentDay != today {
		st.SpentDay = today
		st.SpentTodayWei = new(big.Int)
	}

	run := &contracts.StrategyRun{StrategyLabel: label, RanAt: now}

	if st.DailyCapWei != nil {
		projected := new(big.Int).Add(st.SpentTodayWei, st.AmountWei)
		if projected.Cmp(st.DailyCapWei) > 0 {
			run.Outcome = contracts.RunSkippedCap
			run.Detail = fmt.Sprintf("spent %s of cap %s", st.SpentTodayWei, st.DailyCapWei)
			return m.finishTick(ctx, st, run, now)
		}
	}

	if st.MaxBaseFeeWei != nil {
		baseFee, err := m.fees.BaseFee(ctx)
		if err != nil {
			run.Outcome = contracts.RunFailed
			run.Detail = fmt.Sprintf("base fee unavailable: %v", err)
			return m.failTick(ctx, st, run, now, err)
		}
		if baseFee.Cmp(st.MaxBaseFeeWei) > 0 {
			run.Outcome = contracts.RunSkippedGas
			run.Detail = fmt.Sprintf("base fee %s above ceiling %s", baseFee, st.MaxBaseFeeWei)
			return m.finishTick(ctx, st, run, now)
		}
	}

	amountNative := chain.FormatNative(st.AmountWei)
	sim, err := m.exec.SimulateTransfer(ctx, st.AgentID, st.ToAddress, amountNative)
	if err != nil {
		run.Outcome = contracts.RunFailed
		run.Detail = fmt.Sprintf("simulation: %v", err)
		return m.failTick(ctx, st, run, now, err)
	}
	if !sim.SufficientBalance {
		run.Outcome = contracts.RunSkippedSimulation
		run.Detail = "insufficient balance for amount plus fees"
		return m.finishTick(ctx, st, run, now)
	}

	res, err := m.exec.ExecuteTransfer(ctx, st.AgentID, st.ToAddress, amountNative, m.confirmCode, false)
	if err != nil {
		run.Outcome = contracts.RunFailed
		run.Detail = fmt.Sprintf("transfer: %v", err)
		return m.failTick(ctx, st, run, now, err)
	}

	run.Outcome = contracts.RunSent
	run.TxHash = res.TxHash
	st.LastTxHash = res.TxHash
	st.LastRunAt = &now
	st.SpentTodayWei = new(big.Int).Add(st.SpentTodayWei, st.AmountWei)
	return m.finishTick(ctx, st, run, now)
}

// failTick commits a failed run like any other tick, then surfaces the
// underlying cause so callers and the audit trail see the failure kind. A
// commit error takes precedence.
func (m *Manager) failTick(ctx context.Context, st *contracts.Strategy, run *contracts.StrategyRun, now time.Time, cause error) (*contracts.StrategyRun, error) {
	if _, err := m.finishTick(ctx, st, run, now); err != nil {
		return nil, err
	}
	return run, cause
}

// finishTick reschedules past the current time and commits state plus the
// run record in one transaction.
func (m *Manager) finishTick(ctx context.Context, st *contracts.Strategy, run *contracts.StrategyRun, now time.Time) (*contracts.StrategyRun, error) {
	// Catch up on missed intervals instead of firing a burst: advance by
	// whole intervals until the schedule is strictly in the future.
	interval := time.Duration(st.IntervalSeconds) * time.Second
	next := *st.NextRunAt
	for !next.After(now) {
		next = next.Add(interval)
	}
	st.NextRunAt = &next

	if err := m.store.SaveTick(ctx, st, run); err != nil {
		return nil, err
	}
	m.log.Info("strategy tick",
		"label", st.Label, "outcome", run.Outcome, "tx_hash", run.TxHash,
		"next_run_at", next.Format(time.RFC3339))
	return run, nil
}
