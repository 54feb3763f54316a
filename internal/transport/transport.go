// Package transport is the client side of the vault HTTP API.
package transport

import (
	"context"
	"time"

	"aerosol/internal/checksum"
	"aerosol/internal/model"
	"aerosol/internal/vaultpath"
)

// Transport performs the remote calls of the sync protocol. Calls that
// need authorization take the access token explicitly; renewal policy lives
// with the caller.
//
// Errors follow internal/errs: a rejected credential is an *errs.AuthError,
// a missing file an *errs.NotFoundError, a rename onto an existing path an
// *errs.ConflictError and everything else an *errs.NetworkError.
type Transport interface {
	RequestRegistrationToken(ctx context.Context, vaultName, password string) (string, error)
	Register(ctx context.Context, registrationToken, username string) (refreshToken string, err error)
	Renew(ctx context.Context, refreshToken string) (accessToken string, ttl time.Duration, err error)
	Revoke(ctx context.Context, accessToken string) error

	Aggregate(ctx context.Context, accessToken string) (checksum.Fingerprint, error)
	Checksums(ctx context.Context, accessToken string) (checksum.Entries, error)
	FileChecksum(ctx context.Context, accessToken string, p vaultpath.Path) (checksum.Fingerprint, error)

	Download(ctx context.Context, accessToken string, p vaultpath.Path) ([]byte, error)
	Upload(ctx context.Context, accessToken string, p vaultpath.Path, data []byte) (checksum.Fingerprint, error)
	Delete(ctx context.Context, accessToken string, p vaultpath.Path) error
	Rename(ctx context.Context, accessToken string, oldPath, newPath vaultpath.Path) error

	// Subscribe opens the change notification stream. The channel is closed
	// when ctx is canceled or the connection drops.
	Subscribe(ctx context.Context, accessToken string) (<-chan model.VaultChange, error)
}
