package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/axis-ve/AgentVault/pkg/contracts"
)

// SignatureResult carries a signature and the hash it commits to.
type SignatureResult struct {
	Signature   string `json:"signature"`
	MessageHash string `json:"message_hash"`
}

// VerifyResult reports signature recovery.
type VerifyResult struct {
	Valid            bool   `json:"valid"`
	RecoveredAddress string `json:"recovered_address"`
}

// SignMessage signs message with the prefixed personal-message scheme
// (EIP-191). Signing is deterministic given the inputs.
func (m *Manager) SignMessage(ctx context.Context, agentID, message string) (*SignatureResult, error) {
	hash := accounts.TextHash([]byte(message))
	return m.signDigest(ctx, agentID, hash)
}

// SignTypedData signs EIP-712 typed data supplied as JSON.
func (m *Manager) SignTypedData(ctx context.Context, agentID, typedDataJSON string) (*SignatureResult, error) {
	const op = "wallet.SignTypedData"
	hash, err := typedDataHash(op, typedDataJSON)
	if err != nil {
		return nil, err
	}
	return m.signDigest(ctx, agentID, hash)
}

func (m *Manager) signDigest(ctx context.Context, agentID string, hash []byte) (*SignatureResult, error) {
	const op = "wallet.signDigest"
	keyBytes, err := m.store.Decrypt(ctx, agentID)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.ToECDSA(keyBytes)
	zeroBytes(keyBytes)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindBadKey, op, err)
	}
	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// Shift the recovery id into the 27/28 convention used on the wire.
	sig[crypto.RecoveryIDOffset] += 27
	return &SignatureResult{
		Signature:   hexutil.Encode(sig),
		MessageHash: hexutil.Encode(hash),
	}, nil
}

// VerifyMessage recovers the signer of a personal-message signature and
// compares it with address.
func VerifyMessage(address, message, signatureHex string) (*VerifyResult, error) {
	return verifyDigest(address, accounts.TextHash([]byte(message)), signatureHex)
}

// VerifyTypedData recovers the signer of an EIP-712 signature.
func VerifyTypedData(address, typedDataJSON, signatureHex string) (*VerifyResult, error) {
	hash, err := typedDataHash("wallet.VerifyTypedData", typedDataJSON)
	if err != nil {
		return nil, err
	}
	return verifyDigest(address, hash, signatureHex)
}

func verifyDigest(address string, hash []byte, signatureHex string) (*VerifyResult, error) {
	const op = "wallet.verifyDigest"
	sig, err := hexutil.Decode(signatureHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return nil, contracts.E(contracts.KindBadKey, op, "malformed signature")
	}
	// Accept both recovery id conventions.
	sigCopy := make([]byte, len(sig))
	copy(sigCopy, sig)
	if sigCopy[crypto.RecoveryIDOffset] >= 27 {
		sigCopy[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, sigCopy)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindBadKey, op, err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return &VerifyResult{
		Valid:            strings.EqualFold(recovered.Hex(), address),
		RecoveredAddress: recovered.Hex(),
	}, nil
}

func typedDataHash(op, typedDataJSON string) ([]byte, error) {
	var td apitypes.TypedData
	if err := json.Unmarshal([]byte(typedDataJSON), &td); err != nil {
		return nil, contracts.Wrap(contracts.KindBadKey, op, err)
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindBadKey, op, err)
	}
	return hash, nil
}

// GenerateMnemonic returns a fresh BIP-39 mnemonic. Nothing is persisted.
func GenerateMnemonic(words int) (string, error) {
	bits, ok := map[int]int{12: 128, 15: 160, 18: 192, 21: 224, 24: 256}[words]
	if !ok {
		return "", fmt.Errorf("wallet: mnemonic length must be one of 12, 15, 18, 21, 24 words")
	}
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", fmt.Errorf("wallet: entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}
