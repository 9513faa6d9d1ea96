// Package secretsvault implements envelope-encrypted secret storage and the
// access-audit obligation (spec.md §4.8). The cipher choice is deliberately
// out of the core's contract (spec.md §1); this adapts the teacher's
// reach for golang.org/x/crypto to a concrete ChaCha20-Poly1305 AEAD.
package secretsvault

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/agentops/controlplane/pkg/ids"
)

// ErrNotConfigured is returned when no master key is available; the HTTP
// layer maps it to 501 secrets_vault_not_configured (spec.md §4.8).
var ErrNotConfigured = errors.New("secretsvault: master key not configured")

// ErrNotFound is returned when the named secret does not exist in the
// workspace.
var ErrNotFound = errors.New("secretsvault: secret not found")

const algorithm = "chacha20poly1305"

// Vault encrypts/decrypts secrets with a single master key. A zero-length
// masterKey models the "not configured" state.
type Vault struct {
	pool      *pgxpool.Pool
	clock     ids.Clock
	masterKey []byte
}

// New constructs a Vault. masterKey must be chacha20poly1305.KeySize bytes,
// or empty to model an unconfigured vault (spec.md §4.8: absent master key
// ⇒ 501).
func New(pool *pgxpool.Pool, clock ids.Clock, masterKey []byte) (*Vault, error) {
	if len(masterKey) != 0 && len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secretsvault: master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(masterKey))
	}
	return &Vault{pool: pool, clock: clock, masterKey: masterKey}, nil
}

// Store encrypts plaintext under the master key and persists the secret.
// The plaintext is never persisted or logged.
func (v *Vault) Store(ctx context.Context, workspaceID, secretName, createdBy string, plaintext []byte) (string, error) {
	if len(v.masterKey) == 0 {
		return "", ErrNotConfigured
	}
	aead, err := chacha20poly1305.New(v.masterKey)
	if err != nil {
		return "", fmt.Errorf("secretsvault: init aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secretsvault: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext, authTag := sealed[:len(sealed)-aead.Overhead()], sealed[len(sealed)-aead.Overhead():]

	secretID := ids.New(ids.PrefixSecret)
	_, err = v.pool.Exec(ctx, `
		INSERT INTO sec_secrets (secret_id, workspace_id, secret_name, algorithm, ciphertext, nonce, auth_tag, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, secretID, workspaceID, secretName, algorithm, ciphertext, nonce, authTag, createdBy, v.clock.Now())
	if err != nil {
		return "", fmt.Errorf("secretsvault: store: %w", err)
	}
	return secretID, nil
}

// Access decrypts a secret by ID, updates last_accessed_at, and returns the
// plaintext. The caller is responsible for emitting the secret.accessed
// audit event (spec.md §4.8) — this function only performs the decrypt and
// the bookkeeping write. Neither shares a transaction with the caller's
// audit append.
func (v *Vault) Access(ctx context.Context, workspaceID, secretID string) ([]byte, error) {
	if len(v.masterKey) == 0 {
		return nil, ErrNotConfigured
	}

	var ciphertext, nonce, authTag []byte
	err := v.pool.QueryRow(ctx, `
		SELECT ciphertext, nonce, auth_tag FROM sec_secrets
		WHERE workspace_id = $1 AND secret_id = $2
	`, workspaceID, secretID).Scan(&ciphertext, &nonce, &authTag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("secretsvault: load: %w", err)
	}

	aead, err := chacha20poly1305.New(v.masterKey)
	if err != nil {
		return nil, fmt.Errorf("secretsvault: init aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, append(ciphertext, authTag...), nil)
	if err != nil {
		return nil, fmt.Errorf("secretsvault: decrypt: %w", err)
	}

	if _, err := v.pool.Exec(ctx, `
		UPDATE sec_secrets SET last_accessed_at = $3 WHERE workspace_id = $1 AND secret_id = $2
	`, workspaceID, secretID, v.clock.Now()); err != nil {
		return nil, fmt.Errorf("secretsvault: record access: %w", err)
	}

	return plaintext, nil
}

// LastAccessedAt returns the recorded last-access time, if any.
func (v *Vault) LastAccessedAt(ctx context.Context, workspaceID, secretID string) (*time.Time, error) {
	var t *time.Time
	err := v.pool.QueryRow(ctx, `
		SELECT last_accessed_at FROM sec_secrets WHERE workspace_id = $1 AND secret_id = $2
	`, workspaceID, secretID).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("secretsvault: lookup: %w", err)
	}
	return t, nil
}
