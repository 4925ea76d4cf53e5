package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/axis-ve/AgentVault/pkg/journal"
	"github.com/axis-ve/AgentVault/pkg/mcp"
	"github.com/axis-ve/AgentVault/pkg/strategy"
	"github.com/axis-ve/AgentVault/pkg/wallet"
)

// prop is one argument in a tool schema.
type prop struct {
	name     string
	typ      string
	required bool
}

// objSchema renders a Draft 2020-12 object schema over the given properties.
// Unknown arguments are refused at the firewall.
func objSchema(props ...prop) string {
	properties := map[string]any{}
	var required []string
	for _, p := range props {
		properties[p.name] = map[string]any{"type": p.typ}
		if p.required {
			required = append(required, p.name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	out, _ := json.Marshal(schema)
	return string(out)
}

func str(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolean(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func integer(args map[string]any, key string, def int64) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	return def
}

// registerTools wires the full verb set. Tools tagged non-idempotent must
// not be retried by the transport without caller consent.
func registerTools(srv *mcp.Server, wm *wallet.Manager, sm *strategy.Manager, jrnl *journal.Journal) error {
	type tool struct {
		def mcp.ToolDef
		h   mcp.Handler
	}
	tools := []tool{
		{
			def: mcp.ToolDef{
				Name:        "create_wallet",
				Description: "Generate a fresh wallet for an agent and return its address.",
				Schema:      objSchema(prop{"agent_id", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				addr, err := wm.CreateWallet(ctx, str(args, "agent_id"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"address": addr}, nil
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "import_wallet_privkey",
				Description: "Import a raw private key for an agent.",
				Schema: objSchema(
					prop{"agent_id", "string", true},
					prop{"private_key", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				addr, err := wm.ImportPrivateKey(ctx, str(args, "agent_id"), str(args, "private_key"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"address": addr}, nil
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "import_wallet_mnemonic",
				Description: "Import the first account derived from a BIP-39 mnemonic.",
				Schema: objSchema(
					prop{"agent_id", "string", true},
					prop{"mnemonic", "string", true},
					prop{"passphrase", "string", false}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				addr, err := wm.ImportMnemonic(ctx, str(args, "agent_id"), str(args, "mnemonic"), str(args, "passphrase"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"address": addr}, nil
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "import_wallet_keystore",
				Description: "Import a key from an encrypted Web3 keystore blob.",
				Schema: objSchema(
					prop{"agent_id", "string", true},
					prop{"keystore_json", "string", true},
					prop{"passphrase", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				addr, err := wm.ImportKeystoreJSON(ctx, str(args, "agent_id"), str(args, "keystore_json"), str(args, "passphrase"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"address": addr}, nil
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "generate_mnemonic",
				Description: "Generate a fresh BIP-39 mnemonic without persisting anything.",
				Idempotent:  false,
				Schema:      objSchema(prop{"words", "integer", false}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				m, err := wallet.GenerateMnemonic(int(integer(args, "words", 12)))
				if err != nil {
					return nil, err
				}
				return map[string]any{"mnemonic": m}, nil
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "list_wallets",
				Description: "List agent ids and their addresses.",
				Idempotent:  true,
				Schema:      objSchema(),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return wm.ListWallets(ctx)
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "query_balance",
				Description: "Return an agent's balance in native units.",
				Idempotent:  true,
				Schema:      objSchema(prop{"agent_id", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				bal, err := wm.QueryBalance(ctx, str(args, "agent_id"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"balance_native": bal}, nil
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "provider_status",
				Description: "Report chain connectivity, latest block and base fee.",
				Idempotent:  true,
				Schema:      objSchema(),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return wm.ProviderStatus(ctx)
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "inspect_contract",
				Description: "Report whether an address holds code, plus balance and ERC-20 metadata.",
				Idempotent:  true,
				Schema:      objSchema(prop{"address", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return wm.InspectContract(ctx, str(args, "address"))
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "simulate_transfer",
				Description: "Price a transfer without broadcasting.",
				Idempotent:  true,
				Schema: objSchema(
					prop{"agent_id", "string", true},
					prop{"to_address", "string", true},
					prop{"amount_native", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return wm.SimulateTransfer(ctx, str(args, "agent_id"), str(args, "to_address"), str(args, "amount_native"))
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "execute_transfer",
				Description: "Sign and broadcast a transfer; dry_run degrades to a simulation.",
				Schema: objSchema(
					prop{"agent_id", "string", true},
					prop{"to_address", "string", true},
					prop{"amount_native", "string", true},
					prop{"confirmation_code", "string", false},
					prop{"dry_run", "boolean", false}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return wm.ExecuteTransfer(ctx,
					str(args, "agent_id"), str(args, "to_address"), str(args, "amount_native"),
					str(args, "confirmation_code"), boolean(args, "dry_run"))
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "sign_message",
				Description: "Sign a personal message (EIP-191) with the agent's key.",
				Idempotent:  true,
				Schema: objSchema(
					prop{"agent_id", "string", true},
					prop{"message", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return wm.SignMessage(ctx, str(args, "agent_id"), str(args, "message"))
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "verify_message",
				Description: "Recover the signer of a personal-message signature.",
				Idempotent:  true,
				Schema: objSchema(
					prop{"address", "string", true},
					prop{"message", "string", true},
					prop{"signature", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return wallet.VerifyMessage(str(args, "address"), str(args, "message"), str(args, "signature"))
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "sign_typed_data",
				Description: "Sign EIP-712 typed data with the agent's key.",
				Idempotent:  true,
				Schema: objSchema(
					prop{"agent_id", "string", true},
					prop{"typed_data", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return wm.SignTypedData(ctx, str(args, "agent_id"), str(args, "typed_data"))
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "verify_typed_data",
				Description: "Recover the signer of an EIP-712 signature.",
				Idempotent:  true,
				Schema: objSchema(
					prop{"address", "string", true},
					prop{"typed_data", "string", true},
					prop{"signature", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return wallet.VerifyTypedData(str(args, "address"), str(args, "typed_data"), str(args, "signature"))
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "export_keystore",
				Description: "Export the agent's key as an encrypted Web3 keystore blob.",
				Idempotent:  true,
				Schema: objSchema(
					prop{"agent_id", "string", true},
					prop{"passphrase", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				blob, err := wm.ExportKeystore(ctx, str(args, "agent_id"), str(args, "passphrase"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"keystore_json": blob}, nil
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "export_private_key",
				Description: "Export the plaintext private key; requires the export flag and code.",
				Idempotent:  true,
				Schema: objSchema(
					prop{"agent_id", "string", true},
					prop{"confirmation_code", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				key, err := wm.ExportPrivateKey(ctx, str(args, "agent_id"), str(args, "confirmation_code"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"private_key": key}, nil
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "request_faucet_funds",
				Description: "Ask the configured test-network faucet to fund the agent's address.",
				Schema: objSchema(
					prop{"agent_id", "string", true},
					prop{"amount_native", "string", false}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return wm.RequestFaucetFunds(ctx, str(args, "agent_id"), str(args, "amount_native"))
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "create_strategy",
				Description: "Create a recurring-transfer strategy (disabled until started).",
				Schema: objSchema(
					prop{"label", "string", true},
					prop{"agent_id", "string", true},
					prop{"to_address", "string", true},
					prop{"amount_native", "string", true},
					prop{"interval_seconds", "integer", true},
					prop{"max_base_fee_gwei", "string", false},
					prop{"daily_cap_native", "string", false}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return sm.Create(ctx, strategy.CreateParams{
					Label:           str(args, "label"),
					AgentID:         str(args, "agent_id"),
					ToAddress:       str(args, "to_address"),
					AmountNative:    str(args, "amount_native"),
					IntervalSeconds: integer(args, "interval_seconds", 0),
					MaxBaseFeeGwei:  str(args, "max_base_fee_gwei"),
					DailyCapNative:  str(args, "daily_cap_native"),
				})
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "start_strategy",
				Description: "Enable a strategy; its first tick becomes due immediately.",
				Schema:      objSchema(prop{"label", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				if err := sm.Start(ctx, str(args, "label")); err != nil {
					return nil, err
				}
				return map[string]any{"started": true}, nil
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "stop_strategy",
				Description: "Disable a strategy without losing its schedule state.",
				Schema:      objSchema(prop{"label", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				if err := sm.Stop(ctx, str(args, "label")); err != nil {
					return nil, err
				}
				return map[string]any{"stopped": true}, nil
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "delete_strategy",
				Description: "Delete a strategy and its run history.",
				Schema:      objSchema(prop{"label", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				if err := sm.Delete(ctx, str(args, "label")); err != nil {
					return nil, err
				}
				return map[string]any{"deleted": true}, nil
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "tick_strategy",
				Description: "Advance a strategy one scheduling decision; at most one broadcast.",
				Schema:      objSchema(prop{"label", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return sm.Tick(ctx, str(args, "label"))
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "list_strategies",
				Description: "List strategies, optionally filtered to one agent.",
				Idempotent:  true,
				Schema:      objSchema(prop{"agent_id", "string", false}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return sm.List(ctx, str(args, "agent_id"))
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "strategy_status",
				Description: "Return a strategy with its recent runs.",
				Idempotent:  true,
				Schema:      objSchema(prop{"label", "string", true}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return sm.GetStatus(ctx, str(args, "label"))
			},
		},
		{
			def: mcp.ToolDef{
				Name:        "list_events",
				Description: "Return recent audit events, newest first.",
				Idempotent:  true,
				Schema:      objSchema(prop{"limit", "integer", false}),
			},
			h: func(ctx context.Context, args map[string]any) (any, error) {
				return jrnl.List(ctx, int(integer(args, "limit", 50)))
			},
		},
	}

	for _, t := range tools {
		if err := srv.RegisterTool(t.def, t.h); err != nil {
			return fmt.Errorf("register %s: %w", t.def.Name, err)
		}
	}
	return nil
}
