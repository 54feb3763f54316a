package checksum

import (
	"sort"

	"aerosol/internal/model"
	"aerosol/internal/vaultpath"
)

// Diff returns the operations that make local equal to remote: Download for
// every path missing or different locally, Delete for every path only known
// locally. Polling only pulls, so Upload and Rename never appear here.
// Operations are ordered by path.
func Diff(local, remote Entries) []model.SyncOp {
	var ops []model.SyncOp
	for p, fp := range remote {
		if cur, ok := local[p]; !ok || cur != fp {
			ops = append(ops, model.Download(p))
		}
	}
	for p := range local {
		if _, ok := remote[p]; !ok {
			ops = append(ops, model.Delete(p))
		}
	}
	sortOps(ops)
	return ops
}

// Changes explains how current differs from previous as file events, ordered
// by path. It is used to replay edits made while no watcher was running.
func Changes(previous, current Entries) []model.FileEvent {
	var events []model.FileEvent
	for p, fp := range current {
		prev, ok := previous[p]
		switch {
		case !ok:
			events = append(events, model.FileEvent{Kind: model.EventCreate, Path: p})
		case prev != fp:
			events = append(events, model.FileEvent{Kind: model.EventModify, Path: p})
		}
	}
	for p := range previous {
		if _, ok := current[p]; !ok {
			events = append(events, model.FileEvent{Kind: model.EventDelete, Path: p})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	return events
}

func sortOps(ops []model.SyncOp) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Path != ops[j].Path {
			return ops[i].Path < ops[j].Path
		}
		return ops[i].Kind < ops[j].Kind
	})
}

// Paths returns the paths touched by ops, in order.
func Paths(ops []model.SyncOp) []vaultpath.Path {
	out := make([]vaultpath.Path, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Path)
	}
	return out
}
