// Package wallet owns key lifecycle and transaction construction: wallet
// creation and import, EIP-1559 transfers under per-address serialization,
// message signing, and the export paths. It holds no persistent state of its
// own; records live in the key store, coordination primitives in memory.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/axis-ve/AgentVault/pkg/chain"
	"github.com/axis-ve/AgentVault/pkg/contracts"
	"github.com/axis-ve/AgentVault/pkg/keystore"
)

// Chain is the slice of the chain client the wallet manager depends on.
type Chain interface {
	ChainID(ctx context.Context) (*big.Int, error)
	Connected(ctx context.Context) (*chain.Status, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	EstimateGas(ctx context.Context, from common.Address, to *common.Address, value *big.Int, data []byte) (uint64, error)
	FeeSuggestion(ctx context.Context) (maxFee, tip *big.Int, err error)
	SendRaw(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

// Config carries the deployment gates the manager enforces.
type Config struct {
	// SpendThresholdWei gates high-value transfers; nil disables the gate.
	SpendThresholdWei *big.Int
	ConfirmCode       string

	// Plaintext export needs both the flag and a matching code.
	AllowPlaintextExport bool
	ExportCode           string

	FaucetURL      string
	ReceiptTimeout time.Duration
}

// TransferResult is the outcome of ExecuteTransfer. A dry run carries only
// the simulation; a broadcast carries the hash and the nonce it consumed.
type TransferResult struct {
	TxHash     string                `json:"tx_hash,omitempty"`
	Nonce      uint64                `json:"nonce,omitempty"`
	DryRun     bool                  `json:"dry_run,omitempty"`
	Simulation *contracts.Simulation `json:"simulation,omitempty"`
}

// Manager mediates all wallet operations.
type Manager struct {
	store *keystore.Store
	chain Chain
	cfg   Config
	log   *slog.Logger
	locks *addressLocks
	http  *http.Client

	// quarantined holds lowercased addresses whose nonce-advance write
	// failed after an accepted broadcast. No further transfers leave such an
	// address until operator intervention (a restart after repair).
	qmu         sync.Mutex
	quarantined map[string]bool
}

// NewManager builds a wallet manager over the key store and chain client.
func NewManager(store *keystore.Store, ch Chain, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 120 * time.Second
	}
	return &Manager{
		store:       store,
		chain:       ch,
		cfg:         cfg,
		log:         log.With("component", "wallet"),
		locks:       newAddressLocks(),
		http:        &http.Client{Timeout: 30 * time.Second},
		quarantined: make(map[string]bool),
	}
}

// CreateWallet generates a fresh key for agentID and returns its address.
func (m *Manager) CreateWallet(ctx context.Context, agentID string) (string, error) {
	const op = "wallet.CreateWallet"
	// Address collisions are cryptographically absurd but cheap to retry.
	for attempt := 0; ; attempt++ {
		priv, err := crypto.GenerateKey()
		if err != nil {
			return "", fmt.Errorf("%s: generate key: %w", op, err)
		}
		addr, err := m.persistWallet(ctx, op, agentID, priv)
		if contracts.IsKind(err, contracts.KindAddressReuse) && attempt < 2 {
			continue
		}
		if err != nil {
			return "", err
		}
		return addr, nil
	}
}

// ImportPrivateKey stores a caller-supplied raw key for agentID.
func (m *Manager) ImportPrivateKey(ctx context.Context, agentID, privateKeyHex string) (string, error) {
	const op = "wallet.ImportPrivateKey"
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return "", contracts.E(contracts.KindBadKey, op, "invalid private key")
	}
	return m.persistWallet(ctx, op, agentID, priv)
}

// ImportMnemonic derives the standard first account (m/44'/60'/0'/0/0) from
// a BIP-39 mnemonic and stores it for agentID. The core keeps no derivation
// tree: the derived key becomes a flat independent wallet.
func (m *Manager) ImportMnemonic(ctx context.Context, agentID, mnemonic, passphrase string) (string, error) {
	const op = "wallet.ImportMnemonic"
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", contracts.E(contracts.KindBadKey, op, "invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	priv, err := deriveFirstAccount(seed)
	if err != nil {
		return "", contracts.Wrap(contracts.KindBadKey, op, err)
	}
	return m.persistWallet(ctx, op, agentID, priv)
}

// deriveFirstAccount walks m/44'/60'/0'/0/0.
func deriveFirstAccount(seed []byte) (*ecdsa.PrivateKey, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart + 0,
		0,
		0,
	}
	key := master
	for _, step := range path {
		if key, err = key.Derive(step); err != nil {
			return nil, err
		}
	}
	ecPriv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	raw := ecPriv.Serialize()
	defer zeroBytes(raw)
	return crypto.ToECDSA(raw)
}

// persistWallet seals and stores priv for agentID, returning the checksum
// address. The plaintext key buffer is zeroed before returning.
func (m *Manager) persistWallet(ctx context.Context, op, agentID string, priv *ecdsa.PrivateKey) (string, error) {
	chainID, err := m.chain.ChainID(ctx)
	if err != nil {
		return "", err
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey)

	keyBytes := crypto.FromECDSA(priv)
	defer zeroBytes(keyBytes)
	ciphertext, err := m.store.Seal(keyBytes)
	if err != nil {
		return "", fmt.Errorf("%s: seal key: %w", op, err)
	}

	rec := &contracts.WalletRecord{
		AgentID:    agentID,
		Address:    addr.Hex(),
		Ciphertext: ciphertext,
		ChainID:    chainID.Uint64(),
		LastNonce:  contracts.NonceUnset,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return "", err
	}
	m.log.Info("wallet stored", "agent_id", agentID, "address", addr.Hex())
	return addr.Hex(), nil
}

// QueryBalance returns the agent's balance as a decimal native-unit string.
func (m *Manager) QueryBalance(ctx context.Context, agentID string) (string, error) {
	rec, err := m.store.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	bal, err := m.chain.BalanceAt(ctx, common.HexToAddress(rec.Address))
	if err != nil {
		return "", err
	}
	return chain.FormatNative(bal), nil
}

// ListWallets maps agent ids to addresses. Single tenant per process.
func (m *Manager) ListWallets(ctx context.Context) (map[string]string, error) {
	summaries, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(summaries))
	for _, s := range summaries {
		out[s.AgentID] = s.Address
	}
	return out, nil
}

// SimulateTransfer prices a transfer without touching the nonce or the key.
func (m *Manager) SimulateTransfer(ctx context.Context, agentID, toAddress, amountNative string) (*contracts.Simulation, error) {
	const op = "wallet.SimulateTransfer"
	to, err := checksumAddress(op, toAddress)
	if err != nil {
		return nil, err
	}
	amountWei, err := parseAmount(op, amountNative)
	if err != nil {
		return nil, err
	}
	rec, err := m.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	sim, _, _, _, err := m.buildSimulation(ctx, rec, to, amountWei)
	return sim, err
}

// buildSimulation prices the exact call and checks the balance. Returns the
// simulation plus the raw fee components the transfer path reuses.
func (m *Manager) buildSimulation(ctx context.Context, rec *contracts.WalletRecord, to common.Address, amountWei *big.Int) (*contracts.Simulation, uint64, *big.Int, *big.Int, error) {
	from := common.HexToAddress(rec.Address)
	maxFee, tip, err := m.chain.FeeSuggestion(ctx)
	if err != nil {
		return nil, 0, nil, nil, err
	}
	gas, err := m.chain.EstimateGas(ctx, from, &to, amountWei, nil)
	if err != nil {
		return nil, 0, nil, nil, err
	}
	feeWei := new(big.Int).Mul(new(big.Int).SetUint64(gas), maxFee)
	totalWei := new(big.Int).Add(amountWei, feeWei)
	balance, err := m.chain.BalanceAt(ctx, from)
	if err != nil {
		return nil, 0, nil, nil, err
	}
	sim := &contracts.Simulation{
		From:                 rec.Address,
		To:                   to.Hex(),
		AmountNative:         chain.FormatNative(amountWei),
		Gas:                  gas,
		MaxFeePerGas:         maxFee.String(),
		MaxPriorityFeePerGas: tip.String(),
		FeeNative:            chain.FormatNative(feeWei),
		TotalNative:          chain.FormatNative(totalWei),
		SufficientBalance:    balance.Cmp(totalWei) >= 0,
	}
	return sim, gas, maxFee, tip, nil
}

// ExecuteTransfer runs the full transfer algorithm: per-address token,
// nonce resolution, fee construction, pre-flight balance check, threshold
// gate, sign, broadcast, nonce advance. With dryRun the call degrades to a
// simulation and consumes nothing.
func (m *Manager) ExecuteTransfer(ctx context.Context, agentID, toAddress, amountNative, confirmationCode string, dryRun bool) (*TransferResult, error) {
	const op = "wallet.ExecuteTransfer"

	to, err := checksumAddress(op, toAddress)
	if err != nil {
		return nil, err
	}
	amountWei, err := parseAmount(op, amountNative)
	if err != nil {
		return nil, err
	}

	rec, err := m.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	activeChainID, err := m.chain.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if rec.ChainID != activeChainID.Uint64() {
		return nil, contracts.E(contracts.KindInternal, op,
			fmt.Sprintf("wallet %s is bound to chain %d, active chain is %d", agentID, rec.ChainID, activeChainID.Uint64()))
	}

	from := common.HexToAddress(rec.Address)
	token := m.locks.forAddress(rec.Address)
	token.Lock()
	defer token.Unlock()

	if m.isQuarantined(rec.Address) {
		return nil, contracts.E(contracts.KindBroadcastAborted, op,
			fmt.Sprintf("address %s is quarantined pending operator intervention", rec.Address))
	}

	// The chain is the source of truth for the nonce, but last_nonce guards
	// against a lagging endpoint reporting an already-used value.
	pending, err := m.chain.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, err
	}
	nonce := pending
	if rec.LastNonce != contracts.NonceUnset && uint64(rec.LastNonce)+1 > nonce {
		nonce = uint64(rec.LastNonce) + 1
	}

	sim, gas, maxFee, tip, err := m.buildSimulation(ctx, rec, to, amountWei)
	if err != nil {
		return nil, err
	}
	if !sim.SufficientBalance {
		return nil, contracts.E(contracts.KindInsufficientFunds, op,
			fmt.Sprintf("balance below amount plus fees for %s", agentID))
	}

	if m.cfg.SpendThresholdWei != nil && amountWei.Cmp(m.cfg.SpendThresholdWei) > 0 {
		switch {
		case confirmationCode == "":
			return nil, contracts.E(contracts.KindConfirmationRequired, op,
				"transfer exceeds the spend threshold")
		case m.cfg.ConfirmCode == "" || confirmationCode != m.cfg.ConfirmCode:
			return nil, contracts.E(contracts.KindConfirmationMismatch, op,
				"confirmation code does not match")
		}
	}

	if dryRun {
		return &TransferResult{DryRun: true, Simulation: sim}, nil
	}

	keyBytes, err := m.store.Decrypt(ctx, agentID)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.ToECDSA(keyBytes)
	zeroBytes(keyBytes)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindBadKey, op, err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   activeChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       gas,
		To:        &to,
		Value:     amountWei,
	})
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(activeChainID), priv)
	if err != nil {
		return nil, fmt.Errorf("%s: sign: %w", op, err)
	}

	hash, err := m.chain.SendRaw(ctx, signedTx)
	if err != nil {
		// Nothing was accepted; the nonce is not consumed.
		return nil, err
	}

	if err := m.store.AdvanceNonce(ctx, agentID, nonce); err != nil {
		// The broadcast happened but the commit did not. Freeze the address
		// so no later transfer can reuse the nonce.
		m.quarantine(rec.Address)
		m.log.Error("broadcast_aborted_persistence",
			"agent_id", agentID, "address", rec.Address, "nonce", nonce,
			"tx_hash", hash.Hex(), "error", err)
		return nil, contracts.E(contracts.KindBroadcastAborted, op,
			fmt.Sprintf("nonce advance failed after broadcast %s", hash.Hex()))
	}

	m.log.Info("transfer broadcast",
		"agent_id", agentID, "to", to.Hex(), "amount", sim.AmountNative,
		"nonce", nonce, "tx_hash", hash.Hex())
	return &TransferResult{TxHash: hash.Hex(), Nonce: nonce, Simulation: sim}, nil
}

// WaitReceipt polls for a transfer's receipt outside any critical section.
func (m *Manager) WaitReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	return m.chain.WaitReceipt(ctx, common.HexToHash(txHash), m.cfg.ReceiptTimeout)
}

func (m *Manager) isQuarantined(address string) bool {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	return m.quarantined[strings.ToLower(address)]
}

func (m *Manager) quarantine(address string) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	m.quarantined[strings.ToLower(address)] = true
}

func checksumAddress(op, address string) (common.Address, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, contracts.E(contracts.KindBadAddress, op, address)
	}
	return common.HexToAddress(address), nil
}

func parseAmount(op, amountNative string) (*big.Int, error) {
	wei, err := chain.ParseNative(amountNative)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindInternal, op, err)
	}
	if wei.Sign() <= 0 {
		return nil, contracts.E(contracts.KindInternal, op, "amount must be positive")
	}
	return wei, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
