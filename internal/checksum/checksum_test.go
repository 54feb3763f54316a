package checksum

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aerosol/internal/model"
	"aerosol/internal/vaultpath"
)

func walkOf(files map[vaultpath.Path][]byte) WalkFunc {
	return func(fn func(vaultpath.Path, []byte) error) error {
		for p, data := range files {
			if err := fn(p, data); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestComputeEntryIsDeterministic(t *testing.T) {
	a := ComputeEntry([]byte("hello"))
	b := ComputeEntry([]byte("hello"))
	assert.Equal(t, a, b)
	assert.Equal(t, Fingerprint("5d41402abc4b2a76b9719d911017c592"), a)
	assert.True(t, a.Valid())
	assert.NotEqual(t, a, ComputeEntry([]byte("hello\n")))
	assert.Equal(t, Fingerprint("d41d8cd98f00b204e9800998ecf8427e"), ComputeEntry(nil))
}

func TestFingerprintValid(t *testing.T) {
	assert.False(t, Fingerprint("").Valid())
	assert.False(t, Fingerprint("5d41402abc4b2a76b971").Valid())
	assert.False(t, Fingerprint("zz41402abc4b2a76b9719d911017c592").Valid())
}

func TestAggregateMatchesSerializedPairs(t *testing.T) {
	entries := Entries{"a.md": ComputeEntry([]byte("hello"))}
	assert.Equal(t, Fingerprint("bce442bcd8aebbe790d8aafda22acfdd"), AggregateOf(entries))
	assert.Equal(t, Fingerprint("d751713988987e9331980363e24189ce"), AggregateOf(Entries{}))
	assert.Equal(t, AggregateOf(nil), AggregateOf(Entries{}))
}

func TestAggregateIgnoresInsertionOrder(t *testing.T) {
	a := Entries{}
	b := Entries{}
	for i := 0; i < 20; i++ {
		p := vaultpath.Path(fmt.Sprintf("dir/%02d.md", i))
		a[p] = ComputeEntry([]byte(p))
	}
	for i := 19; i >= 0; i-- {
		p := vaultpath.Path(fmt.Sprintf("dir/%02d.md", i))
		b[p] = ComputeEntry([]byte(p))
	}
	assert.Equal(t, AggregateOf(a), AggregateOf(b))
}

func TestAggregateDoesNotEscapeHTML(t *testing.T) {
	// Paths with <, > or & must hash the way a plain JSON serializer writes them.
	entries := Entries{"a&b.md": "5d41402abc4b2a76b9719d911017c592"}
	want := ComputeEntry([]byte(`[["a&b.md","5d41402abc4b2a76b9719d911017c592"]]`))
	assert.Equal(t, want, AggregateOf(entries))
}

func TestRebuild(t *testing.T) {
	s, err := Rebuild(walkOf(map[vaultpath.Path][]byte{
		"a.md":       []byte("hello"),
		"notes/b.md": []byte("world"),
	}))
	require.NoError(t, err)
	assert.Len(t, s.Entries, 2)
	assert.True(t, s.Consistent())
	assert.Equal(t, ComputeEntry([]byte("world")), s.Entries["notes/b.md"])
}

func TestRebuildPropagatesWalkError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Rebuild(func(func(vaultpath.Path, []byte) error) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestSnapshotUpdatesMatchRebuild(t *testing.T) {
	s := NewSnapshot(nil)
	s = s.With("a.md", []byte("one"))
	s = s.With("b.md", []byte("two"))
	s = s.With("a.md", []byte("three"))
	s = s.Without("b.md")
	s = s.With("c/d.md", []byte("four"))

	rebuilt, err := Rebuild(walkOf(map[vaultpath.Path][]byte{
		"a.md":   []byte("three"),
		"c/d.md": []byte("four"),
	}))
	require.NoError(t, err)
	assert.True(t, s.Consistent())
	assert.Equal(t, rebuilt.Aggregate, s.Aggregate)
	assert.True(t, rebuilt.Entries.Equal(s.Entries))
}

func TestSnapshotWithDoesNotMutateReceiver(t *testing.T) {
	s := NewSnapshot(Entries{"a.md": ComputeEntry([]byte("x"))})
	_ = s.With("b.md", []byte("y"))
	_ = s.Without("a.md")
	assert.Len(t, s.Entries, 1)
	assert.True(t, s.Consistent())
}

func TestIndexOperations(t *testing.T) {
	ix := NewIndex(nil)
	assert.Equal(t, AggregateOf(nil), ix.Aggregate())

	fp, agg := ix.Update("a.md", []byte("hello"))
	assert.Equal(t, ComputeEntry([]byte("hello")), fp)
	assert.Equal(t, Fingerprint("bce442bcd8aebbe790d8aafda22acfdd"), agg)

	got, ok := ix.Get("a.md")
	require.True(t, ok)
	assert.Equal(t, fp, got)

	renamed, agg := ix.Rename("a.md", "b.md")
	assert.True(t, renamed)
	assert.Equal(t, AggregateOf(Entries{"b.md": fp}), agg)
	_, ok = ix.Get("a.md")
	assert.False(t, ok)

	renamed, _ = ix.Rename("missing.md", "c.md")
	assert.False(t, renamed)

	removed, agg := ix.Remove("b.md")
	assert.True(t, removed)
	assert.Equal(t, AggregateOf(nil), agg)

	removed, _ = ix.Remove("b.md")
	assert.False(t, removed)
	assert.Equal(t, 0, ix.Len())
}

func TestIndexSnapshotIsACopy(t *testing.T) {
	ix := NewIndex(Entries{"a.md": ComputeEntry([]byte("a"))})
	s := ix.Snapshot()
	s.Entries["b.md"] = ComputeEntry([]byte("b"))
	assert.Equal(t, 1, ix.Len())
	assert.Len(t, ix.Entries(), 1)
}

func TestIndexRebuildReplacesEntries(t *testing.T) {
	ix := NewIndex(Entries{"stale.md": ComputeEntry([]byte("old"))})
	s, err := ix.Rebuild(walkOf(map[vaultpath.Path][]byte{"a.md": []byte("hello")}))
	require.NoError(t, err)
	assert.Equal(t, s.Aggregate, ix.Aggregate())
	_, ok := ix.Get("stale.md")
	assert.False(t, ok)
}

func TestIndexResetCopiesEntries(t *testing.T) {
	ix := NewIndex(Entries{"stale.md": ComputeEntry([]byte("old"))})
	entries := Entries{"a.md": ComputeEntry([]byte("a"))}
	agg := ix.Reset(entries)
	assert.Equal(t, AggregateOf(entries), agg)

	entries["b.md"] = ComputeEntry([]byte("b"))
	assert.Equal(t, 1, ix.Len())
	_, ok := ix.Get("stale.md")
	assert.False(t, ok)

	assert.Equal(t, AggregateOf(Entries{}), ix.Reset(nil))
	assert.Equal(t, 0, ix.Len())
}

func TestIndexConcurrentReadersSeeConsistentState(t *testing.T) {
	ix := NewIndex(nil)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := ix.Snapshot()
			if !s.Consistent() {
				assert.Failf(t, "inconsistent snapshot", "%d entries", len(s.Entries))
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		p := vaultpath.Path(fmt.Sprintf("%d.md", i%17))
		if i%5 == 0 {
			ix.Remove(p)
			continue
		}
		ix.Update(p, []byte(fmt.Sprint(i)))
	}
	close(stop)
	wg.Wait()
}

func TestDiffOfEqualMapsIsEmpty(t *testing.T) {
	s := Entries{"a.md": "1", "b/c.md": "2"}
	assert.Empty(t, Diff(s, s.Clone()))
	assert.Empty(t, Diff(nil, nil))
}

func TestDiffIsOrderedByPath(t *testing.T) {
	local := Entries{"a.md": "1", "c.md": "3", "z.md": "9"}
	remote := Entries{"a.md": "1", "b.md": "2", "c.md": "4"}
	ops := Diff(local, remote)
	assert.Equal(t, []model.SyncOp{
		model.Download("b.md"),
		model.Download("c.md"),
		model.Delete("z.md"),
	}, ops)
	assert.Equal(t, []vaultpath.Path{"b.md", "c.md", "z.md"}, Paths(ops))
}

func TestApplyingDiffConverges(t *testing.T) {
	remoteFiles := map[vaultpath.Path][]byte{
		"a.md":       []byte("same"),
		"b.md":       []byte("remote b"),
		"new/one.md": []byte("new"),
	}
	remote, err := Rebuild(walkOf(remoteFiles))
	require.NoError(t, err)

	local := NewSnapshot(nil).
		With("a.md", []byte("same")).
		With("b.md", []byte("local b")).
		With("gone.md", []byte("only local"))

	for _, op := range Diff(local.Entries, remote.Entries) {
		switch op.Kind {
		case model.OpDownload:
			local = local.With(op.Path, remoteFiles[op.Path])
		case model.OpDelete:
			local = local.Without(op.Path)
		default:
			require.Failf(t, "unexpected op", "%s", op)
		}
	}
	assert.True(t, local.Entries.Equal(remote.Entries))
	assert.Equal(t, remote.Aggregate, local.Aggregate)
	assert.Empty(t, Diff(local.Entries, remote.Entries))
}

func TestChanges(t *testing.T) {
	previous := Entries{"a.md": "1", "b.md": "2", "c.md": "3"}
	current := Entries{"a.md": "1", "b.md": "20", "d.md": "4"}
	assert.Equal(t, []model.FileEvent{
		{Kind: model.EventModify, Path: "b.md"},
		{Kind: model.EventDelete, Path: "c.md"},
		{Kind: model.EventCreate, Path: "d.md"},
	}, Changes(previous, current))
	assert.Empty(t, Changes(current, current))
}
