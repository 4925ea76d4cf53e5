package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	gethkeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/axis-ve/AgentVault/pkg/chain"
	"github.com/axis-ve/AgentVault/pkg/contracts"
)

// ExportKeystore re-encrypts the agent's key under a caller-supplied
// passphrase in the standard Web3 keystore format. Safe by default: the
// plaintext key never leaves this function.
func (m *Manager) ExportKeystore(ctx context.Context, agentID, passphrase string) (string, error) {
	const op = "wallet.ExportKeystore"
	rec, err := m.store.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	keyBytes, err := m.store.Decrypt(ctx, agentID)
	if err != nil {
		return "", err
	}
	priv, err := crypto.ToECDSA(keyBytes)
	zeroBytes(keyBytes)
	if err != nil {
		return "", contracts.Wrap(contracts.KindBadKey, op, err)
	}
	key := &gethkeystore.Key{
		Id:         uuid.New(),
		Address:    common.HexToAddress(rec.Address),
		PrivateKey: priv,
	}
	blob, err := gethkeystore.EncryptKey(key, passphrase, gethkeystore.StandardScryptN, gethkeystore.StandardScryptP)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return string(blob), nil
}

// ImportKeystoreJSON decrypts a Web3 keystore blob with its passphrase and
// stores the key for agentID.
func (m *Manager) ImportKeystoreJSON(ctx context.Context, agentID, keystoreJSON, passphrase string) (string, error) {
	const op = "wallet.ImportKeystoreJSON"
	key, err := gethkeystore.DecryptKey([]byte(keystoreJSON), passphrase)
	if err != nil {
		return "", contracts.Wrap(contracts.KindBadKey, op, err)
	}
	return m.persistWallet(ctx, op, agentID, key.PrivateKey)
}

// ExportPrivateKey returns the plaintext key hex. Two independent gates
// guard it: the deployment enable flag and a matching caller code. Failing
// either yields export_denied without revealing whether the agent exists.
func (m *Manager) ExportPrivateKey(ctx context.Context, agentID, confirmationCode string) (string, error) {
	const op = "wallet.ExportPrivateKey"
	if !m.cfg.AllowPlaintextExport {
		return "", contracts.E(contracts.KindExportDenied, op, "plaintext export disabled")
	}
	if m.cfg.ExportCode == "" || confirmationCode != m.cfg.ExportCode {
		return "", contracts.E(contracts.KindExportDenied, op, "plaintext export requires a valid confirmation code")
	}
	keyBytes, err := m.store.Decrypt(ctx, agentID)
	if err != nil {
		return "", err
	}
	out := hexutil.Encode(keyBytes)
	zeroBytes(keyBytes)
	return out, nil
}

// ProviderStatus probes the configured chain.
func (m *Manager) ProviderStatus(ctx context.Context) (*chain.Status, error) {
	return m.chain.Connected(ctx)
}

// ContractInfo is the result of InspectContract.
type ContractInfo struct {
	Address        string            `json:"address"`
	IsContract     bool              `json:"is_contract"`
	BalanceNative  string            `json:"balance_native"`
	BytecodeLength int               `json:"bytecode_length"`
	BytecodeHash   string            `json:"bytecode_hash,omitempty"`
	ERC20Metadata  map[string]string `json:"erc20_metadata,omitempty"`
}

const erc20MetadataABI = `[
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

// InspectContract reports whether an address holds code, its balance, and
// best-effort ERC-20 metadata.
func (m *Manager) InspectContract(ctx context.Context, address string) (*ContractInfo, error) {
	const op = "wallet.InspectContract"
	addr, err := checksumAddress(op, address)
	if err != nil {
		return nil, err
	}
	code, err := m.chain.CodeAt(ctx, addr)
	if err != nil {
		return nil, err
	}
	balance, err := m.chain.BalanceAt(ctx, addr)
	if err != nil {
		return nil, err
	}
	info := &ContractInfo{
		Address:        addr.Hex(),
		IsContract:     len(code) > 0,
		BalanceNative:  chain.FormatNative(balance),
		BytecodeLength: len(code),
	}
	if !info.IsContract {
		return info, nil
	}
	info.BytecodeHash = crypto.Keccak256Hash(code).Hex()

	parsed, err := abi.JSON(strings.NewReader(erc20MetadataABI))
	if err != nil {
		return info, nil
	}
	meta := make(map[string]string)
	for _, field := range []string{"symbol", "name", "decimals"} {
		input, err := parsed.Pack(field)
		if err != nil {
			continue
		}
		raw, err := m.chain.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: input})
		if err != nil || len(raw) == 0 {
			continue
		}
		vals, err := parsed.Unpack(field, raw)
		if err != nil || len(vals) == 0 {
			continue
		}
		meta[field] = fmt.Sprintf("%v", vals[0])
	}
	if len(meta) > 0 {
		info.ERC20Metadata = meta
	}
	return info, nil
}

// FaucetResult reports a test-network funding attempt.
type FaucetResult struct {
	OK           bool   `json:"ok"`
	StartBalance string `json:"start_balance"`
	EndBalance   string `json:"end_balance"`
}

// RequestFaucetFunds asks the configured faucet to fund the agent's address
// and polls until the balance moves or the timeout lapses. Only available
// when a faucet endpoint is configured.
func (m *Manager) RequestFaucetFunds(ctx context.Context, agentID, amountNative string) (*FaucetResult, error) {
	const op = "wallet.RequestFaucetFunds"
	if m.cfg.FaucetURL == "" {
		return nil, contracts.E(contracts.KindInternal, op, "no faucet endpoint configured")
	}
	rec, err := m.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	addr := common.HexToAddress(rec.Address)

	start, err := m.chain.BalanceAt(ctx, addr)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{"address": rec.Address}
	if amountNative != "" {
		payload["amount_native"] = amountNative
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.FaucetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return &FaucetResult{OK: false, StartBalance: chain.FormatNative(start), EndBalance: chain.FormatNative(start)}, nil
	}

	end := start
	deadline := time.Now().Add(60 * time.Second)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, contracts.Wrap(contracts.KindChainUnreachable, op, ctx.Err())
		case <-ticker.C:
		}
		bal, err := m.chain.BalanceAt(ctx, addr)
		if err != nil {
			continue
		}
		end = bal
		if end.Cmp(start) > 0 {
			break
		}
	}
	return &FaucetResult{
		OK:           end.Cmp(start) > 0,
		StartBalance: chain.FormatNative(start),
		EndBalance:   chain.FormatNative(end),
	}, nil
}
