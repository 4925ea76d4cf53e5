// Package policy gates every tool invocation: a journal-backed sliding
// window rate limit before the call, a redacted audit event after it.
//
// Counting over the journal rather than an in-memory bucket is deliberate:
// limits survive restarts and are exact. The count-then-guard-then-append
// sequence is not atomic with the guarded operation; over-limiting by one
// call under race is acceptable, silent under-counting is not.
package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/axis-ve/AgentVault/pkg/canonicalize"
	"github.com/axis-ve/AgentVault/pkg/contracts"
	"github.com/axis-ve/AgentVault/pkg/journal"
)

// RedactionMarker replaces secret-bearing values before digesting.
const RedactionMarker = "[REDACTED]"

// redactedKeys are argument names whose values never reach the journal.
var redactedKeys = map[string]bool{
	"private_key":       true,
	"mnemonic":          true,
	"passphrase":        true,
	"password":          true,
	"confirmation_code": true,
	"keystore_json":     true,
}

// Engine enforces rate limits and journals outcomes.
type Engine struct {
	journal *journal.Journal
	rules   *RuleSet
	log     *slog.Logger
	now     func() time.Time
}

// NewEngine builds a policy engine over the event journal.
func NewEngine(j *journal.Journal, rules *RuleSet, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if rules == nil {
		rules = DefaultRules()
	}
	return &Engine{journal: j, rules: rules, log: log, now: time.Now}
}

// Enforce denies the invocation with rate_limited when the journal already
// holds max_calls matching events inside the window.
func (e *Engine) Enforce(ctx context.Context, toolName, agentID string) error {
	rule := e.rules.RuleFor(toolName, agentID)
	if rule.MaxCalls <= 0 || rule.WindowSeconds <= 0 {
		return nil
	}
	cutoff := e.now().Add(-time.Duration(rule.WindowSeconds) * time.Second)
	count, err := e.journal.CountSince(ctx, toolName, agentID, cutoff)
	if err != nil {
		// Fail closed: an unreadable journal means the limit cannot be
		// proven unspent.
		return contracts.Wrap(contracts.KindRateLimited, "policy.Enforce", err)
	}
	if count >= rule.MaxCalls {
		return contracts.E(contracts.KindRateLimited, "policy.Enforce", toolName)
	}
	return nil
}

// Record journals the outcome of an invocation. Journal failures are logged
// and swallowed: they never change the caller-visible outcome.
func (e *Engine) Record(ctx context.Context, toolName, agentID string, status contracts.EventStatus, request, response any, errKind contracts.Kind) {
	ev := &contracts.Event{
		OccurredAt:    e.now().UTC(),
		ToolName:      toolName,
		AgentID:       agentID,
		Status:        status,
		RequestDigest: canonicalize.Digest(Redact(request)),
	}
	if response != nil {
		ev.ResponseDigest = canonicalize.Digest(Redact(response))
	}
	if errKind != "" {
		ev.ErrorKind = string(errKind)
	}
	if err := e.journal.Append(ctx, ev); err != nil {
		e.log.Error("journal append failed",
			"tool", toolName, "agent_id", agentID, "status", status, "error", err)
	}
}

// Guard wraps a tool call: enforce, run, journal. Every path — success,
// domain error, denial — leaves exactly one event behind.
func (e *Engine) Guard(ctx context.Context, toolName, agentID string, args map[string]any, fn func(context.Context) (any, error)) (any, error) {
	if err := e.Enforce(ctx, toolName, agentID); err != nil {
		e.Record(ctx, toolName, agentID, contracts.EventDenied, args, nil, contracts.KindOf(err))
		return nil, err
	}
	result, err := fn(ctx)
	if err != nil {
		e.Record(ctx, toolName, agentID, contracts.EventError, args, nil, contracts.KindOf(err))
		return nil, err
	}
	e.Record(ctx, toolName, agentID, contracts.EventOK, args, result, "")
	return result, nil
}

// Redact returns a copy of v with secret-bearing map values replaced by the
// redaction marker. Non-map values pass through unchanged; nested maps are
// walked.
func Redact(v any) any {
	switch m := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if redactedKeys[k] {
				out[k] = RedactionMarker
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(m))
		for i, val := range m {
			out[i] = Redact(val)
		}
		return out
	default:
		return v
	}
}
