// Package checksum maintains content fingerprints for every file in a vault
// and one aggregate fingerprint over the whole tree.
//
// The aggregate is the MD5 of the JSON array of [path, fingerprint] pairs
// sorted by path. Any change to the entries recomputes it before the change
// becomes visible, so comparing two aggregates is enough to know whether two
// vaults hold the same content.
package checksum

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"

	"aerosol/internal/vaultpath"
)

// Fingerprint is the lowercase hex MD5 of a byte sequence. It detects
// changes; it is not an integrity guarantee.
type Fingerprint string

// Size is the length of a Fingerprint in characters.
const Size = md5.Size * 2

// ComputeEntry fingerprints file contents.
func ComputeEntry(data []byte) Fingerprint {
	sum := md5.Sum(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Valid reports whether f has the shape of a fingerprint.
func (f Fingerprint) Valid() bool {
	if len(f) != Size {
		return false
	}
	_, err := hex.DecodeString(string(f))
	return err == nil
}

// Entries maps every file in a vault to its fingerprint.
type Entries map[vaultpath.Path]Fingerprint

// SortedPaths returns the keys of e in lexicographic order.
func (e Entries) SortedPaths() []vaultpath.Path {
	paths := make([]vaultpath.Path, 0, len(e))
	for p := range e {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}

// Clone returns a copy of e that shares no state with it.
func (e Entries) Clone() Entries {
	out := make(Entries, len(e))
	for p, f := range e {
		out[p] = f
	}
	return out
}

// Equal reports whether both maps hold the same paths and fingerprints.
func (e Entries) Equal(other Entries) bool {
	if len(e) != len(other) {
		return false
	}
	for p, f := range e {
		if g, ok := other[p]; !ok || g != f {
			return false
		}
	}
	return true
}

// AggregateOf computes the aggregate fingerprint of entries.
func AggregateOf(entries Entries) Fingerprint {
	pairs := make([][2]string, 0, len(entries))
	for _, p := range entries.SortedPaths() {
		pairs = append(pairs, [2]string{string(p), string(entries[p])})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a slice of string pairs cannot fail.
	_ = enc.Encode(pairs)
	return ComputeEntry(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

// Snapshot is a consistent pair of entries and their aggregate.
type Snapshot struct {
	Entries   Entries
	Aggregate Fingerprint
}

// NewSnapshot derives the aggregate for entries. The map is copied.
func NewSnapshot(entries Entries) Snapshot {
	cp := entries.Clone()
	return Snapshot{Entries: cp, Aggregate: AggregateOf(cp)}
}

// Consistent reports whether the aggregate matches the entries.
func (s Snapshot) Consistent() bool {
	return s.Aggregate == AggregateOf(s.Entries)
}

// With returns a new snapshot where p has the fingerprint of data.
func (s Snapshot) With(p vaultpath.Path, data []byte) Snapshot {
	cp := s.Entries.Clone()
	cp[p] = ComputeEntry(data)
	return Snapshot{Entries: cp, Aggregate: AggregateOf(cp)}
}

// Without returns a new snapshot where p is absent.
func (s Snapshot) Without(p vaultpath.Path) Snapshot {
	cp := s.Entries.Clone()
	delete(cp, p)
	return Snapshot{Entries: cp, Aggregate: AggregateOf(cp)}
}

// WalkFunc visits every file of a vault.
type WalkFunc func(fn func(p vaultpath.Path, data []byte) error) error

// Rebuild fingerprints every file visited by walk.
func Rebuild(walk WalkFunc) (Snapshot, error) {
	entries := Entries{}
	err := walk(func(p vaultpath.Path, data []byte) error {
		entries[p] = ComputeEntry(data)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Entries: entries, Aggregate: AggregateOf(entries)}, nil
}
