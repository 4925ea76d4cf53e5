package policy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axis-ve/AgentVault/pkg/contracts"
	"github.com/axis-ve/AgentVault/pkg/journal"
	"github.com/axis-ve/AgentVault/pkg/storage"
)

func testEngine(t *testing.T, rules *RuleSet) (*Engine, *journal.Journal) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	j, err := journal.Open(context.Background(), db)
	require.NoError(t, err)
	return NewEngine(j, rules, slog.Default()), j
}

func TestEnforceDeniesAtLimit(t *testing.T) {
	rules := &RuleSet{
		Default: Rule{MaxCalls: 100, WindowSeconds: 60},
		Tools:   map[string]Rule{"execute_transfer": {MaxCalls: 2, WindowSeconds: 60}},
	}
	e, _ := testEngine(t, rules)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, e.Enforce(ctx, "execute_transfer", "alice"))
		e.Record(ctx, "execute_transfer", "alice", contracts.EventOK,
			map[string]any{"agent_id": "alice"}, nil, "")
	}

	err := e.Enforce(ctx, "execute_transfer", "alice")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindRateLimited))

	// A different agent is unaffected.
	require.NoError(t, e.Enforce(ctx, "execute_transfer", "bob"))
}

func TestEnforceWindowExpires(t *testing.T) {
	rules := &RuleSet{Default: Rule{MaxCalls: 1, WindowSeconds: 60}}
	e, j := testEngine(t, rules)
	ctx := context.Background()

	// An event outside the window does not count.
	require.NoError(t, j.Append(ctx, &contracts.Event{
		OccurredAt:    time.Now().UTC().Add(-2 * time.Minute),
		ToolName:      "query_balance",
		AgentID:       "alice",
		Status:        contracts.EventOK,
		RequestDigest: "sha256:old",
	}))
	require.NoError(t, e.Enforce(ctx, "query_balance", "alice"))
}

func TestGuardJournalsEveryPath(t *testing.T) {
	rules := &RuleSet{Default: Rule{MaxCalls: 1, WindowSeconds: 60}}
	e, j := testEngine(t, rules)
	ctx := context.Background()

	// Success.
	out, err := e.Guard(ctx, "query_balance", "alice", map[string]any{"agent_id": "alice"},
		func(context.Context) (any, error) { return "0.5", nil })
	require.NoError(t, err)
	assert.Equal(t, "0.5", out)

	// Second call is denied and journaled as denied.
	_, err = e.Guard(ctx, "query_balance", "alice", map[string]any{"agent_id": "alice"},
		func(context.Context) (any, error) { return nil, nil })
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindRateLimited))

	// Domain error is journaled as error with its kind.
	_, err = e.Guard(ctx, "create_wallet", "alice", map[string]any{"agent_id": "alice"},
		func(context.Context) (any, error) {
			return nil, contracts.E(contracts.KindAgentExists, "test", "alice")
		})
	require.Error(t, err)

	events, err := j.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, contracts.EventError, events[0].Status)
	assert.Equal(t, string(contracts.KindAgentExists), events[0].ErrorKind)
	assert.Equal(t, contracts.EventDenied, events[1].Status)
	assert.Equal(t, contracts.EventOK, events[2].Status)
}

func TestEnforceFailsClosedOnJournalError(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	j, err := journal.Open(context.Background(), db)
	require.NoError(t, err)
	require.NoError(t, db.Close()) // closed handle makes every query fail

	e := NewEngine(j, DefaultRules(), slog.Default())
	enfErr := e.Enforce(context.Background(), "query_balance", "alice")
	require.Error(t, enfErr)
	assert.True(t, contracts.IsKind(enfErr, contracts.KindRateLimited))
}

func TestRedact(t *testing.T) {
	in := map[string]any{
		"agent_id":    "alice",
		"private_key": "0xdeadbeef",
		"nested": map[string]any{
			"mnemonic":   "abandon abandon ...",
			"passphrase": "hunter2",
			"to_address": "0x1",
		},
		"list": []any{map[string]any{"confirmation_code": "1234"}},
	}
	out := Redact(in).(map[string]any)

	assert.Equal(t, "alice", out["agent_id"])
	assert.Equal(t, RedactionMarker, out["private_key"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, RedactionMarker, nested["mnemonic"])
	assert.Equal(t, RedactionMarker, nested["passphrase"])
	assert.Equal(t, "0x1", nested["to_address"])
	inner := out["list"].([]any)[0].(map[string]any)
	assert.Equal(t, RedactionMarker, inner["confirmation_code"])

	// The original map is untouched.
	assert.Equal(t, "0xdeadbeef", in["private_key"])
}

func TestRuleForLayering(t *testing.T) {
	rs := &RuleSet{
		Default: Rule{MaxCalls: 100, WindowSeconds: 60},
		Tools:   map[string]Rule{"execute_transfer": {MaxCalls: 10, WindowSeconds: 60}},
		Agents: map[string]map[string]Rule{
			"alice": {"execute_transfer": {MaxCalls: 1, WindowSeconds: 60}},
		},
	}
	assert.Equal(t, 1, rs.RuleFor("execute_transfer", "alice").MaxCalls)
	assert.Equal(t, 10, rs.RuleFor("execute_transfer", "bob").MaxCalls)
	assert.Equal(t, 100, rs.RuleFor("query_balance", "alice").MaxCalls)
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()

	// Missing file yields defaults.
	rs, err := LoadRules(filepath.Join(dir, "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultRules().Default, rs.Default)

	path := filepath.Join(dir, "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
rate_limits:
  default:
    max_calls: 30
    window_seconds: 60
  tools:
    execute_transfer:
      max_calls: 5
      window_seconds: 300
`), 0644))
	rs, err = LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, 30, rs.Default.MaxCalls)
	assert.Equal(t, 5, rs.Tools["execute_transfer"].MaxCalls)
	assert.Equal(t, 300, rs.Tools["execute_transfer"].WindowSeconds)

	// Malformed file fails loudly.
	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("rate_limits: [not, a, map"), 0644))
	_, err = LoadRules(bad)
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}
