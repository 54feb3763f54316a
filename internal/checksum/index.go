package checksum

import (
	"sync"

	"aerosol/internal/vaultpath"
)

// Index is the mutable, concurrency-safe form of a Snapshot. Every write
// recomputes the aggregate while holding the write lock, so readers never
// see entries that disagree with the aggregate.
type Index struct {
	mu        sync.RWMutex
	entries   Entries
	aggregate Fingerprint
}

// NewIndex returns an index over entries. A nil map yields an empty index.
func NewIndex(entries Entries) *Index {
	s := NewSnapshot(entries)
	return &Index{entries: s.Entries, aggregate: s.Aggregate}
}

// Rebuild replaces the index contents with a fresh scan.
func (ix *Index) Rebuild(walk WalkFunc) (Snapshot, error) {
	s, err := Rebuild(walk)
	if err != nil {
		return Snapshot{}, err
	}
	ix.mu.Lock()
	ix.entries = s.Entries.Clone()
	ix.aggregate = s.Aggregate
	ix.mu.Unlock()
	return s, nil
}

// Reset replaces the index contents with entries and returns the new
// aggregate.
func (ix *Index) Reset(entries Entries) Fingerprint {
	s := NewSnapshot(entries)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = s.Entries
	ix.aggregate = s.Aggregate
	return ix.aggregate
}

// Update records the fingerprint of data for p and returns it together with
// the new aggregate.
func (ix *Index) Update(p vaultpath.Path, data []byte) (Fingerprint, Fingerprint) {
	fp := ComputeEntry(data)
	return fp, ix.Set(p, fp)
}

// Set records fp for p and returns the new aggregate.
func (ix *Index) Set(p vaultpath.Path, fp Fingerprint) Fingerprint {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.entries[p] = fp
	ix.aggregate = AggregateOf(ix.entries)
	return ix.aggregate
}

// Remove drops p. It reports whether p was indexed and returns the
// aggregate after the change.
func (ix *Index) Remove(p vaultpath.Path) (bool, Fingerprint) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.entries[p]; !ok {
		return false, ix.aggregate
	}
	delete(ix.entries, p)
	ix.aggregate = AggregateOf(ix.entries)
	return true, ix.aggregate
}

// Rename moves the entry of oldPath to newPath. It reports whether oldPath
// was indexed.
func (ix *Index) Rename(oldPath, newPath vaultpath.Path) (bool, Fingerprint) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	fp, ok := ix.entries[oldPath]
	if !ok {
		return false, ix.aggregate
	}
	delete(ix.entries, oldPath)
	ix.entries[newPath] = fp
	ix.aggregate = AggregateOf(ix.entries)
	return true, ix.aggregate
}

func (ix *Index) Aggregate() Fingerprint {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.aggregate
}

func (ix *Index) Get(p vaultpath.Path) (Fingerprint, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	fp, ok := ix.entries[p]
	return fp, ok
}

// Snapshot returns a copy of the current state.
func (ix *Index) Snapshot() Snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Snapshot{Entries: ix.entries.Clone(), Aggregate: ix.aggregate}
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Entries returns a copy of the indexed fingerprints.
func (ix *Index) Entries() Entries {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.entries.Clone()
}
