package keystore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axis-ve/AgentVault/pkg/contracts"
	"github.com/axis-ve/AgentVault/pkg/kms"
	"github.com/axis-ve/AgentVault/pkg/storage"
)

func openTestStore(t *testing.T, secret string) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cipher, err := kms.NewFromSecret(secret)
	require.NoError(t, err)
	s, err := Open(context.Background(), db, cipher)
	require.NoError(t, err)
	return s
}

func putWallet(t *testing.T, s *Store, agentID, address string, key []byte) {
	t.Helper()
	ct, err := s.Seal(key)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), &contracts.WalletRecord{
		AgentID:    agentID,
		Address:    address,
		Ciphertext: ct,
		ChainID:    31337,
	}))
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t, "test-secret")
	ctx := context.Background()

	key := []byte("super secret signing key material")
	putWallet(t, s, "alice", "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1", key)

	rec, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.AgentID)
	assert.Equal(t, "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1", rec.Address)
	assert.Equal(t, uint64(31337), rec.ChainID)
	assert.Equal(t, contracts.NonceUnset, rec.LastNonce)
	assert.NotEqual(t, key, rec.Ciphertext)

	pt, err := s.Decrypt(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, key, pt)
}

func TestGetUnknownAgent(t *testing.T) {
	s := openTestStore(t, "test-secret")
	_, err := s.Get(context.Background(), "nobody")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
}

func TestPutDuplicateAgent(t *testing.T) {
	s := openTestStore(t, "test-secret")
	putWallet(t, s, "alice", "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1", []byte("k1"))

	ct, err := s.Seal([]byte("k2"))
	require.NoError(t, err)
	err = s.Put(context.Background(), &contracts.WalletRecord{
		AgentID:    "alice",
		Address:    "0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0",
		Ciphertext: ct,
		ChainID:    31337,
	})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindAgentExists))
}

func TestPutDuplicateAddress(t *testing.T) {
	s := openTestStore(t, "test-secret")
	putWallet(t, s, "alice", "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1", []byte("k1"))

	ct, err := s.Seal([]byte("k2"))
	require.NoError(t, err)
	err = s.Put(context.Background(), &contracts.WalletRecord{
		AgentID:    "bob",
		Address:    "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1",
		Ciphertext: ct,
		ChainID:    31337,
	})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindAddressReuse))
}

func TestAdvanceNonceMonotone(t *testing.T) {
	s := openTestStore(t, "test-secret")
	ctx := context.Background()
	putWallet(t, s, "alice", "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1", []byte("k"))

	require.NoError(t, s.AdvanceNonce(ctx, "alice", 5))
	rec, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.LastNonce)

	// A lower nonce never rolls the counter back.
	require.NoError(t, s.AdvanceNonce(ctx, "alice", 3))
	rec, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.LastNonce)

	require.NoError(t, s.AdvanceNonce(ctx, "alice", 6))
	rec, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.LastNonce)
}

func TestAdvanceNonceUnknownAgent(t *testing.T) {
	s := openTestStore(t, "test-secret")
	err := s.AdvanceNonce(context.Background(), "nobody", 1)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
}

func TestList(t *testing.T) {
	s := openTestStore(t, "test-secret")
	putWallet(t, s, "bob", "0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0", []byte("k1"))
	putWallet(t, s, "alice", "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1", []byte("k2"))

	out, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "alice", out[0].AgentID)
	assert.Equal(t, "bob", out[1].AgentID)
}

func TestSecretMismatchRefusesStart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "vault.db")

	db, err := storage.Open(dbPath)
	require.NoError(t, err)
	cipher, err := kms.NewFromSecret("right-secret")
	require.NoError(t, err)
	_, err = Open(context.Background(), db, cipher)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = storage.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	wrong, err := kms.NewFromSecret("wrong-secret")
	require.NoError(t, err)
	_, err = Open(context.Background(), db, wrong)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to start")
}
