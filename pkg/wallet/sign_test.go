package wallet

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axis-ve/AgentVault/pkg/contracts"
)

func TestSignAndVerifyMessage(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()
	addr, err := fx.mgr.CreateWallet(ctx, "alice")
	require.NoError(t, err)

	sig, err := fx.mgr.SignMessage(ctx, "alice", "hello world")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig.Signature, "0x"))
	assert.Len(t, sig.Signature, 2+65*2)

	// Signing is deterministic for the same key and message.
	again, err := fx.mgr.SignMessage(ctx, "alice", "hello world")
	require.NoError(t, err)
	assert.Equal(t, sig.Signature, again.Signature)

	res, err := VerifyMessage(addr, "hello world", sig.Signature)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, addr, res.RecoveredAddress)

	// A different message recovers a different signer.
	res, err = VerifyMessage(addr, "tampered", sig.Signature)
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestVerifyMessageMalformedSignature(t *testing.T) {
	_, err := VerifyMessage("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1", "hi", "0x1234")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindBadKey))
}

const testTypedData = `{
	"types": {
		"EIP712Domain": [
			{"name": "name", "type": "string"},
			{"name": "version", "type": "string"},
			{"name": "chainId", "type": "uint256"}
		],
		"Transfer": [
			{"name": "to", "type": "address"},
			{"name": "amount", "type": "uint256"}
		]
	},
	"primaryType": "Transfer",
	"domain": {"name": "AgentVault", "version": "1", "chainId": "31337"},
	"message": {"to": "0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0", "amount": "1000"}
}`

func TestSignAndVerifyTypedData(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()
	addr, err := fx.mgr.CreateWallet(ctx, "alice")
	require.NoError(t, err)

	sig, err := fx.mgr.SignTypedData(ctx, "alice", testTypedData)
	require.NoError(t, err)
	require.NotEmpty(t, sig.MessageHash)

	res, err := VerifyTypedData(addr, testTypedData, sig.Signature)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, addr, res.RecoveredAddress)
}

func TestSignTypedDataRejectsGarbage(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()
	_, err := fx.mgr.CreateWallet(ctx, "alice")
	require.NoError(t, err)

	_, err = fx.mgr.SignTypedData(ctx, "alice", "{not json")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindBadKey))
}

func TestGenerateMnemonic(t *testing.T) {
	for _, words := range []int{12, 15, 18, 21, 24} {
		m, err := GenerateMnemonic(words)
		require.NoError(t, err, words)
		assert.Len(t, strings.Fields(m), words)
	}
	_, err := GenerateMnemonic(13)
	require.Error(t, err)
}
