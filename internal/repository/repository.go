// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"aerosol/internal/checksum"
	"aerosol/internal/model"
	"aerosol/internal/vaultpath"
)

// UserRepository stores registered clients and their refresh epochs.
type UserRepository interface {
	// Create inserts a new user.
	Create(ctx context.Context, u *model.User) error
	// GetByID loads a user by ID.
	GetByID(ctx context.Context, id string) (*model.User, error)
	// BumpEpoch increments the refresh epoch of a user and returns the new value.
	BumpEpoch(ctx context.Context, id string) (int64, error)
}

// RegistrationTokenRepository stores single-use registration tokens.
type RegistrationTokenRepository interface {
	// Create inserts a new token.
	Create(ctx context.Context, t *model.RegistrationToken) error
	// Consume removes the token and returns it. A second call with the same
	// value fails with errs.ErrNotFound.
	Consume(ctx context.Context, value string) (*model.RegistrationToken, error)
}

// ChecksumRepository persists the server snapshot. The aggregate is stored
// next to the entries under vaultpath.Aggregate and every write updates both.
type ChecksumRepository interface {
	// Load returns the stored snapshot.
	Load(ctx context.Context) (checksum.Snapshot, error)
	// ReplaceAll discards stored entries and writes s.
	ReplaceAll(ctx context.Context, s checksum.Snapshot) error
	// Put stores the fingerprint of p and the new aggregate.
	Put(ctx context.Context, p vaultpath.Path, fp, aggregate checksum.Fingerprint) error
	// Delete removes p and stores the new aggregate.
	Delete(ctx context.Context, p vaultpath.Path, aggregate checksum.Fingerprint) error
	// Rename moves the entry of oldPath to newPath and stores the new aggregate.
	Rename(ctx context.Context, oldPath, newPath vaultpath.Path, aggregate checksum.Fingerprint) error
}

// VaultRepository stores vault credentials.
type VaultRepository interface {
	// Get loads a vault by name.
	Get(ctx context.Context, name string) (*model.Vault, error)
	// Upsert creates the vault or replaces its credential.
	Upsert(ctx context.Context, v *model.Vault) error
}

// Repositories groups the backends a server needs.
type Repositories struct {
	Users     UserRepository
	Tokens    RegistrationTokenRepository
	Checksums ChecksumRepository
	Vaults    VaultRepository
}
