// Package config loads process-wide configuration once at startup. The
// resulting Config value is immutable; no component reads the environment
// after construction.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the deployment configuration for the wallet core.
type Config struct {
	// RPCEndpoints is the ordered failover list of EVM JSON-RPC endpoints.
	RPCEndpoints []string

	// DBPath locates the sqlite store holding wallets, strategies, runs and
	// events.
	DBPath string

	// EncryptSecret is the deployment secret protecting keys at rest. When
	// empty, a sidecar secret is generated at SecretPath on first start.
	EncryptSecret string
	SecretPath    string

	// SpendThresholdWei gates high-value transfers; nil disables the gate.
	SpendThresholdWei *big.Int
	ConfirmCode       string

	// Plaintext key export requires both the enable flag and a matching
	// caller-supplied code.
	AllowPlaintextExport bool
	ExportCode           string

	// PolicyPath locates the YAML rate-limit rule set; missing file means
	// defaults.
	PolicyPath string

	// FaucetURL enables the test-network funding helper when set.
	FaucetURL string

	// ChainTimeout bounds every individual chain call.
	ChainTimeout time.Duration
	// ReceiptTimeout bounds receipt polling after a broadcast.
	ReceiptTimeout time.Duration

	// Fee suggestion knobs: the priority tip is the TipPercentile-th
	// percentile of the last TipHistoryBlocks blocks' tips.
	TipPercentile    float64
	TipHistoryBlocks uint64

	LogLevel string
}

// Load reads configuration from AGENTVAULT_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:           envOr("AGENTVAULT_DB_PATH", "agentvault.db"),
		EncryptSecret:    os.Getenv("AGENTVAULT_ENCRYPT_SECRET"),
		SecretPath:       envOr("AGENTVAULT_SECRET_PATH", "agentvault.secret"),
		ConfirmCode:      os.Getenv("AGENTVAULT_TX_CONFIRM_CODE"),
		ExportCode:       os.Getenv("AGENTVAULT_EXPORT_CODE"),
		PolicyPath:       envOr("AGENTVAULT_POLICY_PATH", "agentvault_policy.yml"),
		FaucetURL:        os.Getenv("AGENTVAULT_FAUCET_URL"),
		ChainTimeout:     15 * time.Second,
		ReceiptTimeout:   120 * time.Second,
		TipPercentile:    50,
		TipHistoryBlocks: 10,
		LogLevel:         envOr("AGENTVAULT_LOG_LEVEL", "INFO"),
	}

	rawURLs := envOr("AGENTVAULT_RPC_URLS", "http://localhost:8545")
	for _, u := range strings.Split(rawURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			cfg.RPCEndpoints = append(cfg.RPCEndpoints, u)
		}
	}
	if len(cfg.RPCEndpoints) == 0 {
		return nil, fmt.Errorf("config: AGENTVAULT_RPC_URLS must name at least one endpoint")
	}

	if raw := os.Getenv("AGENTVAULT_MAX_TX_NATIVE"); raw != "" {
		wei, err := parseNativeDecimal(raw)
		if err != nil {
			return nil, fmt.Errorf("config: AGENTVAULT_MAX_TX_NATIVE: %w", err)
		}
		cfg.SpendThresholdWei = wei
	}

	cfg.AllowPlaintextExport = os.Getenv("AGENTVAULT_ALLOW_PLAINTEXT_EXPORT") == "1"

	if raw := os.Getenv("AGENTVAULT_CHAIN_TIMEOUT_S"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("config: AGENTVAULT_CHAIN_TIMEOUT_S: invalid value %q", raw)
		}
		cfg.ChainTimeout = time.Duration(secs) * time.Second
	}
	if raw := os.Getenv("AGENTVAULT_RECEIPT_TIMEOUT_S"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("config: AGENTVAULT_RECEIPT_TIMEOUT_S: invalid value %q", raw)
		}
		cfg.ReceiptTimeout = time.Duration(secs) * time.Second
	}
	if raw := os.Getenv("AGENTVAULT_TIP_PERCENTILE"); raw != "" {
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil || p <= 0 || p > 100 {
			return nil, fmt.Errorf("config: AGENTVAULT_TIP_PERCENTILE: invalid value %q", raw)
		}
		cfg.TipPercentile = p
	}
	if raw := os.Getenv("AGENTVAULT_TIP_HISTORY_BLOCKS"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("config: AGENTVAULT_TIP_HISTORY_BLOCKS: invalid value %q", raw)
		}
		cfg.TipHistoryBlocks = n
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parseNativeDecimal converts a decimal native-unit string to wei. Kept local
// so config does not depend on the chain package, but the accepted grammar
// matches chain.ParseNative: unsigned, ".5" allowed, "1." rejected.
func parseNativeDecimal(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, fmt.Errorf("signed amount %q not allowed", s)
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && frac == "" {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	if len(frac) > 18 {
		return nil, fmt.Errorf("more than 18 decimal places in %q", s)
	}
	frac += strings.Repeat("0", 18-len(frac))
	w, ok := new(big.Int).SetString(whole, 10)
	if !ok || w.Sign() < 0 {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	f, ok := new(big.Int).SetString(frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	wei := new(big.Int).Mul(w, big.NewInt(1e18))
	return wei.Add(wei, f), nil
}
