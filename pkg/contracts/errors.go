package contracts

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The set is closed: callers branch on Kind, never
// on message text.
type Kind string

const (
	// Lookup failures.
	KindNotFound     Kind = "not_found"
	KindAgentExists  Kind = "agent_exists"
	KindAddressReuse Kind = "address_reuse"
	KindBadAddress   Kind = "bad_address"
	KindBadKey       Kind = "bad_key"

	// Crypto failures.
	KindDecryptFailed Kind = "decrypt_failed"
	KindExportDenied  Kind = "export_denied"

	// Policy failures.
	KindRateLimited          Kind = "rate_limited"
	KindConfirmationRequired Kind = "confirmation_required"
	KindConfirmationMismatch Kind = "confirmation_mismatch"

	// Funds and chain failures.
	KindInsufficientFunds Kind = "insufficient_funds"
	KindChainUnreachable  Kind = "chain_unreachable"
	KindRPCRejected       Kind = "rpc_rejected"
	KindBroadcastAborted  Kind = "broadcast_aborted"

	// Strategy failures.
	KindStrategyNotFound Kind = "strategy_not_found"
	KindStrategyBadState Kind = "strategy_bad_state"

	// KindInternal covers unexpected failures that have no caller-actionable
	// classification.
	KindInternal Kind = "internal"
)

// Error is the failure type crossing component boundaries. Op names the
// operation that failed ("wallet.ExecuteTransfer"), Msg carries the minimum
// identifying context and never key material or codes.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error with a message.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an Error around an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed. Non-classified
// errors report KindInternal; nil reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err classifies as k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}
