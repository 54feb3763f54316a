package store

import (
	"context"

	"aerosol/internal/checksum"
	"aerosol/internal/errs"
	"aerosol/internal/model"
	"aerosol/internal/repository"
	"aerosol/internal/vaultpath"
)

type userRepo struct{ s *Store }

// Users returns the user repository view of s.
func (s *Store) Users() repository.UserRepository { return &userRepo{s: s} }

func (r *userRepo) Create(ctx context.Context, u *model.User) error {
	return r.s.mutate(ctx, func() error {
		if _, ok := r.s.usersByID[u.ID]; ok {
			return errs.ErrAlreadyExists
		}
		r.s.usersByID[u.ID] = *u
		return nil
	})
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	u, ok := r.s.usersByID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &u, nil
}

func (r *userRepo) BumpEpoch(ctx context.Context, id string) (int64, error) {
	var epoch int64
	err := r.s.mutate(ctx, func() error {
		u, ok := r.s.usersByID[id]
		if !ok {
			return errs.ErrNotFound
		}
		u.RefreshEpoch++
		r.s.usersByID[id] = u
		epoch = u.RefreshEpoch
		return nil
	})
	return epoch, err
}

type tokenRepo struct{ s *Store }

// RegistrationTokens returns the registration token repository view of s.
func (s *Store) RegistrationTokens() repository.RegistrationTokenRepository { return &tokenRepo{s: s} }

func (r *tokenRepo) Create(ctx context.Context, t *model.RegistrationToken) error {
	return r.s.mutate(ctx, func() error {
		if _, ok := r.s.tokensByValue[t.Value]; ok {
			return errs.ErrAlreadyExists
		}
		r.s.tokensByValue[t.Value] = *t
		return nil
	})
}

func (r *tokenRepo) Consume(ctx context.Context, value string) (*model.RegistrationToken, error) {
	var consumed model.RegistrationToken
	err := r.s.mutate(ctx, func() error {
		t, ok := r.s.tokensByValue[value]
		if !ok {
			return errs.ErrNotFound
		}
		delete(r.s.tokensByValue, value)
		consumed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &consumed, nil
}

type checksumRepo struct{ s *Store }

// Checksums returns the checksum repository view of s.
func (s *Store) Checksums() repository.ChecksumRepository { return &checksumRepo{s: s} }

func (r *checksumRepo) Load(ctx context.Context) (checksum.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return checksum.Snapshot{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return checksum.Snapshot{Entries: r.s.checksums.Clone(), Aggregate: r.s.aggregate}, nil
}

func (r *checksumRepo) ReplaceAll(ctx context.Context, snap checksum.Snapshot) error {
	return r.s.mutate(ctx, func() error {
		r.s.checksums = snap.Entries.Clone()
		r.s.aggregate = snap.Aggregate
		return nil
	})
}

func (r *checksumRepo) Put(ctx context.Context, p vaultpath.Path, fp, aggregate checksum.Fingerprint) error {
	return r.s.mutate(ctx, func() error {
		r.s.checksums[p] = fp
		r.s.aggregate = aggregate
		return nil
	})
}

func (r *checksumRepo) Delete(ctx context.Context, p vaultpath.Path, aggregate checksum.Fingerprint) error {
	return r.s.mutate(ctx, func() error {
		delete(r.s.checksums, p)
		r.s.aggregate = aggregate
		return nil
	})
}

func (r *checksumRepo) Rename(ctx context.Context, oldPath, newPath vaultpath.Path, aggregate checksum.Fingerprint) error {
	return r.s.mutate(ctx, func() error {
		fp, ok := r.s.checksums[oldPath]
		if !ok {
			return errs.ErrNotFound
		}
		delete(r.s.checksums, oldPath)
		r.s.checksums[newPath] = fp
		r.s.aggregate = aggregate
		return nil
	})
}

type vaultRepo struct{ s *Store }

// Vaults returns the vault repository view of s.
func (s *Store) Vaults() repository.VaultRepository { return &vaultRepo{s: s} }

func (r *vaultRepo) Get(ctx context.Context, name string) (*model.Vault, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	v, ok := r.s.vaultsByName[name]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &v, nil
}

func (r *vaultRepo) Upsert(ctx context.Context, v *model.Vault) error {
	return r.s.mutate(ctx, func() error {
		r.s.vaultsByName[v.Name] = *v
		return nil
	})
}
