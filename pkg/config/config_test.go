package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:8545"}, cfg.RPCEndpoints)
	assert.Equal(t, "agentvault.db", cfg.DBPath)
	assert.Nil(t, cfg.SpendThresholdWei)
	assert.False(t, cfg.AllowPlaintextExport)
	assert.Equal(t, 15*time.Second, cfg.ChainTimeout)
	assert.Equal(t, float64(50), cfg.TipPercentile)
	assert.Equal(t, uint64(10), cfg.TipHistoryBlocks)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("AGENTVAULT_RPC_URLS", "https://a.example, https://b.example ,")
	t.Setenv("AGENTVAULT_MAX_TX_NATIVE", "1.5")
	t.Setenv("AGENTVAULT_ALLOW_PLAINTEXT_EXPORT", "1")
	t.Setenv("AGENTVAULT_CHAIN_TIMEOUT_S", "30")
	t.Setenv("AGENTVAULT_TIP_PERCENTILE", "75")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.RPCEndpoints)
	require.NotNil(t, cfg.SpendThresholdWei)
	assert.Equal(t, "1500000000000000000", cfg.SpendThresholdWei.String())
	assert.True(t, cfg.AllowPlaintextExport)
	assert.Equal(t, 30*time.Second, cfg.ChainTimeout)
	assert.Equal(t, float64(75), cfg.TipPercentile)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("AGENTVAULT_MAX_TX_NATIVE", "not-a-number")
	_, err := Load()
	require.Error(t, err)
}

func TestThresholdGrammarMatchesAmounts(t *testing.T) {
	// The threshold accepts exactly what the transfer amount parser accepts.
	for _, bad := range []string{"1.", ".", "-1", "+1", ""} {
		_, err := parseNativeDecimal(bad)
		assert.Error(t, err, "input %q", bad)
	}

	wei, err := parseNativeDecimal(".5")
	require.NoError(t, err)
	assert.Equal(t, "500000000000000000", wei.String())
}

func TestLoadRejectsBadTimeout(t *testing.T) {
	t.Setenv("AGENTVAULT_CHAIN_TIMEOUT_S", "-5")
	_, err := Load()
	require.Error(t, err)
}
