// Package store is the file-backed backend of the repository interfaces.
// State lives in memory behind a RWMutex and every mutation rewrites one
// JSON state file atomically.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"aerosol/internal/checksum"
	"aerosol/internal/model"
	"aerosol/internal/repository"
	"aerosol/internal/vaultpath"
)

const stateVersion = 1

type Store struct {
	mu sync.RWMutex

	stateFile string
	// persistMu is taken while mu is held and kept across the file
	// write; never take mu while holding it.
	persistMu sync.Mutex
	logger    *zap.Logger

	usersByID     map[string]model.User
	tokensByValue map[string]model.RegistrationToken
	checksums     checksum.Entries
	aggregate     checksum.Fingerprint
	vaultsByName  map[string]model.Vault
}

type Options struct {
	// StateFile is where state is persisted. Empty keeps everything in memory.
	StateFile string
	Logger    *zap.Logger
}

// New returns an in-memory store.
func New() *Store {
	s, _ := NewWithOptions(Options{})
	return s
}

// NewWithOptions returns a store, loading StateFile when it exists.
func NewWithOptions(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		stateFile:     opts.StateFile,
		logger:        logger,
		usersByID:     make(map[string]model.User),
		tokensByValue: make(map[string]model.RegistrationToken),
		checksums:     checksum.Entries{},
		aggregate:     checksum.AggregateOf(nil),
		vaultsByName:  make(map[string]model.Vault),
	}

	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			return nil, fmt.Errorf("load state %s: %w", s.stateFile, err)
		}
	}
	return s, nil
}

// Repositories exposes the store through the repository interfaces.
func (s *Store) Repositories() repository.Repositories {
	return repository.Repositories{
		Users:     s.Users(),
		Tokens:    s.RegistrationTokens(),
		Checksums: s.Checksums(),
		Vaults:    s.Vaults(),
	}
}

type persistedState struct {
	Version            int                       `json:"version"`
	Users              []model.User              `json:"users"`
	RegistrationTokens []model.RegistrationToken `json:"registrationTokens"`
	Checksums          map[string]string         `json:"checksums"`
	Vaults             []model.Vault             `json:"vaults"`
	SavedAt            int64                     `json:"savedAt"`
}

func (s *Store) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedState
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != stateVersion {
		return errors.New("unsupported state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range file.Users {
		if u.ID == "" {
			continue
		}
		s.usersByID[u.ID] = u
	}
	for _, t := range file.RegistrationTokens {
		if t.Value == "" {
			continue
		}
		s.tokensByValue[t.Value] = t
	}
	for raw, fp := range file.Checksums {
		if raw == vaultpath.Aggregate {
			continue
		}
		p, err := vaultpath.Parse(raw)
		if err != nil {
			s.logger.Warn("state: skipping invalid checksum path", zap.String("path", raw), zap.Error(err))
			continue
		}
		s.checksums[p] = checksum.Fingerprint(fp)
	}
	s.aggregate = checksum.AggregateOf(s.checksums)
	if stored := checksum.Fingerprint(file.Checksums[vaultpath.Aggregate]); stored != "" && stored != s.aggregate {
		s.logger.Warn("state: stored aggregate is stale, recomputed",
			zap.String("stored", string(stored)), zap.String("computed", string(s.aggregate)))
	}
	for _, v := range file.Vaults {
		if v.Name == "" {
			continue
		}
		s.vaultsByName[v.Name] = v
	}
	return nil
}

func (s *Store) snapshotLocked() persistedState {
	users := make([]model.User, 0, len(s.usersByID))
	for _, u := range s.usersByID {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	tokens := make([]model.RegistrationToken, 0, len(s.tokensByValue))
	for _, t := range s.tokensByValue {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Value < tokens[j].Value })

	sums := make(map[string]string, len(s.checksums)+1)
	for p, fp := range s.checksums {
		sums[p.String()] = string(fp)
	}
	sums[vaultpath.Aggregate] = string(s.aggregate)

	vaults := make([]model.Vault, 0, len(s.vaultsByName))
	for _, v := range s.vaultsByName {
		vaults = append(vaults, v)
	}
	sort.Slice(vaults, func(i, j int) bool { return vaults[i].Name < vaults[j].Name })

	return persistedState{
		Version:            stateVersion,
		Users:              users,
		RegistrationTokens: tokens,
		Checksums:          sums,
		Vaults:             vaults,
	}
}

// persistLocked writes state to the state file. The caller holds persistMu,
// taken before mu was released, so snapshots reach the file in the order
// they were taken.
func (s *Store) persistLocked(state persistedState) error {
	path := s.stateFile
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("state persistence: mkdir %s: %w", dir, err)
	}

	state.SavedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("state persistence: marshal: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("state persistence: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("state persistence: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("state persistence: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("state persistence: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state persistence: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("state persistence: rename: %w", err)
	}
	return nil
}

// mutate runs fn under the write lock and persists the result. When fn
// fails nothing is written.
func (s *Store) mutate(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if err := fn(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.stateFile == "" {
		s.mu.Unlock()
		return nil
	}
	state := s.snapshotLocked()
	s.persistMu.Lock()
	s.mu.Unlock()
	defer s.persistMu.Unlock()

	if err := s.persistLocked(state); err != nil {
		s.logger.Error("state persistence failed", zap.String("file", s.stateFile), zap.Error(err))
		return err
	}
	return nil
}
