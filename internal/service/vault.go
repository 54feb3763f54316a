package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"aerosol/internal/checksum"
	"aerosol/internal/errs"
	"aerosol/internal/filestore"
	"aerosol/internal/model"
	"aerosol/internal/repository"
	"aerosol/internal/vaultpath"
)

// VaultService owns the server copy of the vault: the files, the checksum
// index over them and its persisted form. Mutations are serialized. The
// files are authoritative; the stored checksums follow them on a best-effort
// basis and are rebuilt from disk on every Load.
type VaultService struct {
	mu sync.Mutex

	files  *filestore.Store
	index  *checksum.Index
	repo   repository.ChecksumRepository
	logger *zap.Logger
	// stale is set when a repository write failed; the next mutation
	// replaces every stored row instead of writing one.
	stale bool

	listenersMu sync.RWMutex
	listeners   []func(model.VaultChange)
}

func NewVaultService(files *filestore.Store, repo repository.ChecksumRepository, logger *zap.Logger) *VaultService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VaultService{
		files:  files,
		index:  checksum.NewIndex(nil),
		repo:   repo,
		logger: logger,
	}
}

// OnChange registers fn to be called after every successful mutation.
func (s *VaultService) OnChange(fn func(model.VaultChange)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *VaultService) notify(p vaultpath.Path, aggregate checksum.Fingerprint) {
	change := model.VaultChange{Type: model.VaultChangedType, Path: p.String(), Checksum: string(aggregate)}
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, fn := range s.listeners {
		fn(change)
	}
}

// Load rebuilds the index from the files on disk and replaces the stored
// checksums with the result. Files that changed since the stored snapshot
// was written are logged.
func (s *VaultService) Load(ctx context.Context) (checksum.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.index.Rebuild(s.files.Walk)
	if err != nil {
		return checksum.Snapshot{}, fmt.Errorf("scan vault: %w", err)
	}
	if stored, err := s.repo.Load(ctx); err != nil {
		s.logger.Warn("read stored checksums", zap.Error(err))
	} else if ops := checksum.Diff(stored.Entries, snap.Entries); len(ops) > 0 {
		s.logger.Info("vault changed outside the server",
			zap.Int("changes", len(ops)),
			zap.String("stored", string(stored.Aggregate)),
		)
	}
	if err := s.repo.ReplaceAll(ctx, snap); err != nil {
		return checksum.Snapshot{}, fmt.Errorf("store checksums: %w", err)
	}
	s.stale = false
	s.logger.Info("vault loaded", zap.Int("files", len(snap.Entries)), zap.String("checksum", string(snap.Aggregate)))
	return snap, nil
}

func (s *VaultService) Read(p vaultpath.Path) ([]byte, error) {
	return s.files.Read(p)
}

// Write stores data at p and returns its fingerprint.
func (s *VaultService) Write(ctx context.Context, p vaultpath.Path, data []byte) (checksum.Fingerprint, error) {
	s.mu.Lock()
	if err := s.files.Write(p, data); err != nil {
		s.mu.Unlock()
		return "", err
	}
	fp, aggregate := s.index.Update(p, data)
	s.storeLocked(ctx, func() error { return s.repo.Put(ctx, p, fp, aggregate) })
	s.mu.Unlock()

	s.logger.Debug("file written", zap.String("path", p.String()), zap.String("checksum", string(fp)))
	s.notify(p, aggregate)
	return fp, nil
}

func (s *VaultService) Delete(ctx context.Context, p vaultpath.Path) error {
	s.mu.Lock()
	if err := s.files.Delete(p); err != nil {
		s.mu.Unlock()
		return err
	}
	_, aggregate := s.index.Remove(p)
	s.storeLocked(ctx, func() error { return s.repo.Delete(ctx, p, aggregate) })
	s.mu.Unlock()

	s.logger.Debug("file deleted", zap.String("path", p.String()))
	s.notify(p, aggregate)
	return nil
}

// Rename moves oldPath to newPath. When newPath exists nothing changes and
// a ConflictError is returned.
func (s *VaultService) Rename(ctx context.Context, oldPath, newPath vaultpath.Path) error {
	s.mu.Lock()
	if err := s.files.Rename(oldPath, newPath); err != nil {
		s.mu.Unlock()
		return err
	}

	moved, aggregate := s.index.Rename(oldPath, newPath)
	if moved {
		s.storeLocked(ctx, func() error { return s.repo.Rename(ctx, oldPath, newPath, aggregate) })
	} else {
		// The source was on disk but not indexed; index it under its new name.
		data, err := s.files.Read(newPath)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("index %s: %w", newPath, err)
		}
		var fp checksum.Fingerprint
		fp, aggregate = s.index.Update(newPath, data)
		s.storeLocked(ctx, func() error { return s.repo.Put(ctx, newPath, fp, aggregate) })
	}
	s.mu.Unlock()

	s.logger.Debug("file renamed", zap.String("from", oldPath.String()), zap.String("to", newPath.String()))
	s.notify(newPath, aggregate)
	return nil
}

// storeLocked runs write against the repository. A failure is logged and
// marks the stored rows stale; the mutation on disk stands either way.
func (s *VaultService) storeLocked(ctx context.Context, write func() error) {
	if s.stale {
		write = func() error { return s.repo.ReplaceAll(ctx, s.index.Snapshot()) }
	}
	if err := write(); err != nil {
		s.stale = true
		s.logger.Warn("stored checksums are behind the vault", zap.Error(err))
		return
	}
	s.stale = false
}

// Aggregate returns the checksum of the whole vault.
func (s *VaultService) Aggregate() checksum.Fingerprint {
	return s.index.Aggregate()
}

// FileChecksum returns the fingerprint of one file.
func (s *VaultService) FileChecksum(p vaultpath.Path) (checksum.Fingerprint, error) {
	fp, ok := s.index.Get(p)
	if !ok {
		return "", &errs.NotFoundError{Path: p.String()}
	}
	return fp, nil
}

// Checksums returns the fingerprint of every file.
func (s *VaultService) Checksums() checksum.Entries {
	return s.index.Entries()
}
