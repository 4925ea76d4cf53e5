// Package contracts holds the record types and error kinds shared by the
// wallet core's components. Stores own their records exclusively; this
// package only defines their shapes.
package contracts

import (
	"math/big"
	"time"
)

// NonceUnset marks a wallet that has never broadcast through this core.
const NonceUnset int64 = -1

// WalletRecord is the persisted state of one agent's account. The private
// key appears only as authenticated ciphertext.
type WalletRecord struct {
	AgentID    string            `json:"agent_id"`
	Address    string            `json:"address"` // EIP-55 checksum form
	Ciphertext []byte            `json:"-"`
	ChainID    uint64            `json:"chain_id"`
	LastNonce  int64             `json:"last_nonce"` // NonceUnset until first broadcast
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// WalletSummary is the listing projection of a wallet record.
type WalletSummary struct {
	AgentID string `json:"agent_id"`
	Address string `json:"address"`
}

// StrategyKind tags the strategy family. Only recurring transfers exist
// today; the tag keeps the record extensible.
type StrategyKind string

const StrategyRecurringTransfer StrategyKind = "recurring_transfer"

// Strategy is a persistent recurring-transfer schedule. All amounts are
// integer wei.
type Strategy struct {
	Label           string       `json:"label"`
	AgentID         string       `json:"agent_id"`
	Kind            StrategyKind `json:"kind"`
	ToAddress       string       `json:"to_address"`
	AmountWei       *big.Int     `json:"amount_wei"`
	IntervalSeconds int64        `json:"interval_seconds"`
	Enabled         bool         `json:"enabled"`
	MaxBaseFeeWei   *big.Int     `json:"max_base_fee_wei,omitempty"` // nil disables the gas gate
	DailyCapWei     *big.Int     `json:"daily_cap_wei,omitempty"`    // nil disables the cap
	NextRunAt       *time.Time   `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time   `json:"last_run_at,omitempty"`
	LastTxHash      string       `json:"last_tx_hash,omitempty"`
	SpentDay        string       `json:"spent_day,omitempty"` // UTC calendar date, YYYY-MM-DD
	SpentTodayWei   *big.Int     `json:"spent_today_wei"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// RunOutcome classifies one tick of a strategy.
type RunOutcome string

const (
	RunSent              RunOutcome = "sent"
	RunSkippedGas        RunOutcome = "skipped_gas"
	RunSkippedCap        RunOutcome = "skipped_cap"
	RunSkippedNotDue     RunOutcome = "skipped_not_due"
	RunSkippedSimulation RunOutcome = "skipped_simulation"
	RunFailed            RunOutcome = "failed"
)

// StrategyRun is the append-only audit child of a strategy tick.
type StrategyRun struct {
	ID            string     `json:"id"`
	StrategyLabel string     `json:"strategy_label"`
	RanAt         time.Time  `json:"ran_at"`
	Outcome       RunOutcome `json:"outcome"`
	TxHash        string     `json:"tx_hash,omitempty"`
	Detail        string     `json:"detail,omitempty"`
}

// EventStatus is the journaled outcome of a tool invocation.
type EventStatus string

const (
	EventOK     EventStatus = "ok"
	EventDenied EventStatus = "denied"
	EventError  EventStatus = "error"
)

// Event is one append-only journal record. Digests are computed over
// redacted payloads; events are never mutated after the append.
type Event struct {
	ID             int64       `json:"id"`
	OccurredAt     time.Time   `json:"occurred_at"`
	ToolName       string      `json:"tool_name"`
	AgentID        string      `json:"agent_id,omitempty"`
	Status         EventStatus `json:"status"`
	RequestDigest  string      `json:"request_digest"`
	ResponseDigest string      `json:"response_digest,omitempty"`
	ErrorKind      string      `json:"error_kind,omitempty"`
}

// Simulation is the pre-flight view of a transfer. Monetary fields cross
// the interface as decimal native-unit strings; the gas fields are integer
// wei rendered as strings.
type Simulation struct {
	From                 string `json:"from"`
	To                   string `json:"to"`
	AmountNative         string `json:"amount_native"`
	Gas                  uint64 `json:"gas"`
	MaxFeePerGas         string `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas"`
	FeeNative            string `json:"fee_native"`
	TotalNative          string `json:"total_native"`
	SufficientBalance    bool   `json:"sufficient_balance"`
}
