package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axis-ve/AgentVault/pkg/contracts"
	"github.com/axis-ve/AgentVault/pkg/journal"
	"github.com/axis-ve/AgentVault/pkg/policy"
	"github.com/axis-ve/AgentVault/pkg/storage"
)

func testServer(t *testing.T, rules *policy.RuleSet) (*Server, *journal.Journal) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	j, err := journal.Open(context.Background(), db)
	require.NoError(t, err)
	return NewServer(policy.NewEngine(j, rules, nil), nil), j
}

const echoSchema = `{
	"type": "object",
	"properties": {
		"agent_id": {"type": "string"},
		"message": {"type": "string"}
	},
	"required": ["agent_id", "message"],
	"additionalProperties": false
}`

func registerEcho(t *testing.T, s *Server) {
	t.Helper()
	err := s.RegisterTool(ToolDef{
		Name:        "echo",
		Description: "Echo the message back.",
		Idempotent:  true,
		Schema:      echoSchema,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"echo": args["message"]}, nil
	})
	require.NoError(t, err)
}

func TestDispatchUnknownTool(t *testing.T) {
	s, _ := testServer(t, nil)
	_, err := s.Dispatch(context.Background(), "no_such_tool", nil)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
}

func TestDispatchSchemaRejection(t *testing.T) {
	s, _ := testServer(t, nil)
	registerEcho(t, s)

	// Missing required argument.
	_, err := s.Dispatch(context.Background(), "echo", map[string]any{"agent_id": "alice"})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInternal))

	// Unknown argument.
	_, err = s.Dispatch(context.Background(), "echo",
		map[string]any{"agent_id": "alice", "message": "hi", "extra": 1})
	require.Error(t, err)
}

func TestDispatchSuccessIsJournaled(t *testing.T) {
	s, j := testServer(t, nil)
	registerEcho(t, s)
	ctx := context.Background()

	out, err := s.Dispatch(ctx, "echo", map[string]any{"agent_id": "alice", "message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "hi"}, out)

	events, err := j.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "echo", events[0].ToolName)
	assert.Equal(t, "alice", events[0].AgentID)
	assert.Equal(t, contracts.EventOK, events[0].Status)
}

func TestDispatchRateLimited(t *testing.T) {
	rules := &policy.RuleSet{Default: policy.Rule{MaxCalls: 1, WindowSeconds: 60}}
	s, _ := testServer(t, rules)
	registerEcho(t, s)
	ctx := context.Background()

	args := map[string]any{"agent_id": "alice", "message": "hi"}
	_, err := s.Dispatch(ctx, "echo", args)
	require.NoError(t, err)
	_, err = s.Dispatch(ctx, "echo", args)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindRateLimited))
}

func TestListToolsBuiltin(t *testing.T) {
	s, _ := testServer(t, nil)
	registerEcho(t, s)

	out, err := s.Dispatch(context.Background(), "list_tools", nil)
	require.NoError(t, err)
	defs, ok := out.([]ToolDef)
	require.True(t, ok)
	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		names[d.Name] = true
	}
	assert.True(t, names["echo"])
	assert.True(t, names["list_tools"])
}

func TestServeStdioRoundTrip(t *testing.T) {
	s, _ := testServer(t, nil)
	registerEcho(t, s)

	in := strings.Join([]string{
		`{"id":"1","tool":"echo","args":{"agent_id":"alice","message":"hi"}}`,
		`{"id":"2","tool":"no_such_tool","args":{}}`,
		`not even json`,
	}, "\n") + "\n"

	var out bytes.Buffer
	err := s.ServeStdio(context.Background(), strings.NewReader(in), &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &resp))
	assert.Equal(t, "1", resp.ID)
	assert.True(t, resp.OK)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", result["echo"])

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &resp))
	assert.Equal(t, "2", resp.ID)
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(contracts.KindNotFound), resp.Error.Kind)

	require.NoError(t, json.Unmarshal([]byte(lines[2]), &resp))
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(contracts.KindInternal), resp.Error.Kind)
}

func TestFirewallAllowlist(t *testing.T) {
	f := NewFirewall()
	require.NoError(t, f.Allow("known", ""))

	require.NoError(t, f.Check("known", nil))
	err := f.Check("unknown", nil)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
}

func TestFirewallBadSchema(t *testing.T) {
	f := NewFirewall()
	err := f.Allow("tool", `{"type": "nonsense-type"}`)
	require.Error(t, err)
}
