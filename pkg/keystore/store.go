// Package keystore persists wallet records: one encrypted signing key per
// agent. The store owns wallet records exclusively; the wallet manager goes
// through it for every read, write and decrypt.
package keystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/axis-ve/AgentVault/pkg/contracts"
	"github.com/axis-ve/AgentVault/pkg/kms"
	"github.com/axis-ve/AgentVault/pkg/storage"
)

// secretProbe is sealed into the meta table on first start. A deployment
// whose secret cannot open the stored probe refuses to start rather than
// failing on every wallet decrypt later.
const secretProbe = "agentvault-secret-probe-v1"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		agent_id   TEXT PRIMARY KEY,
		address    TEXT NOT NULL UNIQUE,
		ciphertext BLOB NOT NULL,
		chain_id   INTEGER NOT NULL,
		last_nonce INTEGER NOT NULL DEFAULT -1,
		metadata   JSON,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS keystore_meta (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`,
}

// Store is the sqlite-backed key store.
type Store struct {
	db     *sql.DB
	cipher *kms.Cipher
}

// Open migrates the wallet tables and verifies the deployment secret
// against the stored probe, sealing a fresh probe on first start.
func Open(ctx context.Context, db *sql.DB, cipher *kms.Cipher) (*Store, error) {
	if err := storage.Migrate(ctx, db, "keystore", migrations); err != nil {
		return nil, err
	}
	s := &Store{db: db, cipher: cipher}
	if err := s.verifySecret(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) verifySecret(ctx context.Context) error {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM keystore_meta WHERE key = 'secret_probe'`).Scan(&sealed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		probe, err := s.cipher.Seal([]byte(secretProbe))
		if err != nil {
			return fmt.Errorf("keystore: seal probe: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO keystore_meta (key, value) VALUES ('secret_probe', ?)`, probe)
		if err != nil {
			return fmt.Errorf("keystore: store probe: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("keystore: read probe: %w", err)
	}

	pt, err := s.cipher.Open(sealed)
	if err != nil || string(pt) != secretProbe {
		return fmt.Errorf("keystore: deployment secret does not match existing records; refusing to start")
	}
	return nil
}

// Seal encrypts plaintext key material under the deployment secret.
func (s *Store) Seal(keyBytes []byte) ([]byte, error) {
	return s.cipher.Seal(keyBytes)
}

// Put persists a new wallet record atomically. A duplicate agent reports
// agent_exists; a duplicate address reports address_reuse.
func (s *Store) Put(ctx context.Context, rec *contracts.WalletRecord) error {
	const op = "keystore.Put"
	now := time.Now().UTC()

	var metaJSON []byte
	if rec.Metadata != nil {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("%s: marshal metadata: %w", op, err)
		}
		metaJSON = b
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (agent_id, address, ciphertext, chain_id, last_nonce, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AgentID, rec.Address, rec.Ciphertext, rec.ChainID, contracts.NonceUnset,
		nullableBytes(metaJSON), storage.FormatTime(now), storage.FormatTime(now))
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "unique") || strings.Contains(msg, "constraint") {
			if strings.Contains(msg, "wallets.address") {
				return contracts.E(contracts.KindAddressReuse, op, rec.Address)
			}
			return contracts.E(contracts.KindAgentExists, op, rec.AgentID)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Get loads the wallet record for agentID.
func (s *Store) Get(ctx context.Context, agentID string) (*contracts.WalletRecord, error) {
	const op = "keystore.Get"
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, address, ciphertext, chain_id, last_nonce, metadata, created_at, updated_at
		FROM wallets WHERE agent_id = ?`, agentID)

	var (
		rec       contracts.WalletRecord
		metaJSON  sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&rec.AgentID, &rec.Address, &rec.Ciphertext, &rec.ChainID,
		&rec.LastNonce, &metaJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.E(contracts.KindNotFound, op, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &rec.Metadata)
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// Decrypt returns the plaintext key bytes for agentID. Callers must zero
// the returned slice as soon as signing is done.
func (s *Store) Decrypt(ctx context.Context, agentID string) ([]byte, error) {
	rec, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.cipher.Open(rec.Ciphertext)
}

// AdvanceNonce records a successfully broadcast nonce. The stored value is
// monotone: advancing to a lower nonce is a no-op.
func (s *Store) AdvanceNonce(ctx context.Context, agentID string, usedNonce uint64) error {
	const op = "keystore.AdvanceNonce"
	res, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET last_nonce = CASE WHEN last_nonce < ? THEN ? ELSE last_nonce END,
		    updated_at = ?
		WHERE agent_id = ?`,
		int64(usedNonce), int64(usedNonce), storage.FormatTime(time.Now()), agentID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return contracts.E(contracts.KindNotFound, op, agentID)
	}
	return nil
}

// List returns (agent_id, address) pairs for every wallet.
func (s *Store) List(ctx context.Context) ([]contracts.WalletSummary, error) {
	const op = "keystore.List"
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, address FROM wallets ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.WalletSummary
	for rows.Next() {
		var w contracts.WalletSummary
		if err := rows.Scan(&w.AgentID, &w.Address); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
