package session

import (
	"context"

	"aerosol/internal/checksum"
	"aerosol/internal/model"
	"aerosol/internal/transport"
	"aerosol/internal/vaultpath"
)

// Remote performs vault calls through a transport with the session's
// credentials, renewing them as needed.
type Remote struct {
	session   *Session
	transport transport.Transport
}

func NewRemote(s *Session, t transport.Transport) *Remote {
	return &Remote{session: s, transport: t}
}

func (r *Remote) Aggregate(ctx context.Context) (checksum.Fingerprint, error) {
	var out checksum.Fingerprint
	err := r.session.Do(ctx, func(ctx context.Context, tok string) error {
		var err error
		out, err = r.transport.Aggregate(ctx, tok)
		return err
	})
	return out, err
}

func (r *Remote) Checksums(ctx context.Context) (checksum.Entries, error) {
	var out checksum.Entries
	err := r.session.Do(ctx, func(ctx context.Context, tok string) error {
		var err error
		out, err = r.transport.Checksums(ctx, tok)
		return err
	})
	return out, err
}

func (r *Remote) Download(ctx context.Context, p vaultpath.Path) ([]byte, error) {
	var out []byte
	err := r.session.Do(ctx, func(ctx context.Context, tok string) error {
		var err error
		out, err = r.transport.Download(ctx, tok, p)
		return err
	})
	return out, err
}

func (r *Remote) Upload(ctx context.Context, p vaultpath.Path, data []byte) (checksum.Fingerprint, error) {
	var out checksum.Fingerprint
	err := r.session.Do(ctx, func(ctx context.Context, tok string) error {
		var err error
		out, err = r.transport.Upload(ctx, tok, p, data)
		return err
	})
	return out, err
}

func (r *Remote) Delete(ctx context.Context, p vaultpath.Path) error {
	return r.session.Do(ctx, func(ctx context.Context, tok string) error {
		return r.transport.Delete(ctx, tok, p)
	})
}

func (r *Remote) Rename(ctx context.Context, oldPath, newPath vaultpath.Path) error {
	return r.session.Do(ctx, func(ctx context.Context, tok string) error {
		return r.transport.Rename(ctx, tok, oldPath, newPath)
	})
}

func (r *Remote) Subscribe(ctx context.Context) (<-chan model.VaultChange, error) {
	var out <-chan model.VaultChange
	err := r.session.Do(ctx, func(ctx context.Context, tok string) error {
		var err error
		out, err = r.transport.Subscribe(ctx, tok)
		return err
	})
	return out, err
}
