// Package watch turns fsnotify notifications under a vault directory into
// model.FileEvents.
package watch

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"aerosol/internal/filestore"
	"aerosol/internal/model"
	"aerosol/internal/vaultpath"
)

// RenameWindow is how long a rename waits for the create that names its
// destination. Without one it is reported as a delete.
const RenameWindow = 100 * time.Millisecond

const eventBuffer = 256

type Options struct {
	// Fs is used to inspect the vault directory. Defaults to the OS file
	// system.
	Fs     afero.Fs
	Clock  clockwork.Clock
	Logger *zap.Logger
}

// Watcher reports changes of regular files below root. fsnotify does not
// watch recursively, so every directory is added on its own.
type Watcher struct {
	root   string
	fs     afero.Fs
	clock  clockwork.Clock
	logger *zap.Logger

	fsw *fsnotify.Watcher
	out chan model.FileEvent

	// files and dirs are the vault paths seen so far, used to expand
	// directory removals and renames.
	files map[vaultpath.Path]struct{}
	dirs  map[string]struct{}

	pending *pendingRename
	timer   clockwork.Timer
}

type pendingRename struct {
	old   string
	isDir bool
}

// New starts watching root and every directory below it.
func New(root string, opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := newWatcher(root, opts)
	w.fsw = fsw
	if _, err := w.scan(""); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func newWatcher(root string, opts Options) *Watcher {
	w := &Watcher{
		root:   filepath.Clean(root),
		fs:     opts.Fs,
		clock:  opts.Clock,
		logger: opts.Logger,
		out:    make(chan model.FileEvent, eventBuffer),
		files:  map[vaultpath.Path]struct{}{},
		dirs:   map[string]struct{}{},
	}
	if w.fs == nil {
		w.fs = afero.NewOsFs()
	}
	if w.clock == nil {
		w.clock = clockwork.NewRealClock()
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w
}

// Events delivers file events. It is closed when Run returns.
func (w *Watcher) Events() <-chan model.FileEvent { return w.out }

// Close releases the fsnotify watcher. Run returns afterwards.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}

// rel converts an absolute name to a slash-separated path relative to root.
func (w *Watcher) rel(name string) (string, bool) {
	r, err := filepath.Rel(w.root, name)
	if err != nil || r == "." {
		return "", false
	}
	r = filepath.ToSlash(r)
	if r == ".." || strings.HasPrefix(r, "../") || filestore.Ignored(r) {
		return "", false
	}
	return r, true
}

func (w *Watcher) abs(rel string) string {
	return filepath.Join(w.root, filepath.FromSlash(rel))
}

// scan adds watches for dir (relative, "" for root) and everything below
// it and records the files found. It returns the new files in path order.
func (w *Watcher) scan(dir string) ([]vaultpath.Path, error) {
	var found []vaultpath.Path
	start := w.root
	if dir != "" {
		start = w.abs(dir)
	}
	err := afero.Walk(w.fs, start, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if name == w.root {
			return w.add(name)
		}
		r, ok := w.rel(name)
		if !ok {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			if err := w.add(name); err != nil {
				return err
			}
			w.dirs[r] = struct{}{}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		p, err := vaultpath.Parse(r)
		if err != nil {
			return nil
		}
		w.files[p] = struct{}{}
		found = append(found, p)
		return nil
	})
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	return found, err
}

func (w *Watcher) add(name string) error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Add(name)
}

func (w *Watcher) emit(ctx context.Context, ev model.FileEvent) {
	select {
	case w.out <- ev:
	case <-ctx.Done():
	}
}

// Run translates notifications until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	return w.loop(ctx, w.fsw.Events, w.fsw.Errors)
}

func (w *Watcher) loop(ctx context.Context, events <-chan fsnotify.Event, errc <-chan error) error {
	defer close(w.out)
	defer w.stopTimer()

	for {
		var timeout <-chan time.Time
		if w.timer != nil {
			timeout = w.timer.Chan()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			w.timer = nil
			w.flushPending(ctx)
		case ev, ok := <-events:
			if !ok {
				w.flushPending(ctx)
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-errc:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	r, ok := w.rel(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		w.created(ctx, r)
	case ev.Has(fsnotify.Write):
		w.written(ctx, r)
	case ev.Has(fsnotify.Rename):
		w.flushPending(ctx)
		_, isDir := w.dirs[r]
		p, err := vaultpath.Parse(r)
		_, isFile := w.files[p]
		if !isDir && (err != nil || !isFile) {
			return
		}
		w.pending = &pendingRename{old: r, isDir: isDir}
		w.stopTimer()
		w.timer = w.clock.NewTimer(RenameWindow)
	case ev.Has(fsnotify.Remove):
		w.removed(ctx, r)
	}
}

func (w *Watcher) created(ctx context.Context, r string) {
	info, err := w.fs.Stat(w.abs(r))
	if err != nil {
		return
	}

	if pending := w.pending; pending != nil && pending.isDir == info.IsDir() {
		w.pending = nil
		w.stopTimer()
		w.renamed(ctx, pending.old, r, info.IsDir())
		return
	}
	w.flushPending(ctx)

	if info.IsDir() {
		if strings.HasPrefix(path.Base(r), ".") {
			return
		}
		// files can land before the watch is in place
		found, err := w.scan(r)
		if err != nil {
			w.logger.Warn("watch directory", zap.String("dir", r), zap.Error(err))
		}
		for _, p := range found {
			w.emit(ctx, model.FileEvent{Kind: model.EventCreate, Path: p})
		}
		return
	}
	if !info.Mode().IsRegular() {
		return
	}
	p, err := vaultpath.Parse(r)
	if err != nil {
		return
	}
	w.files[p] = struct{}{}
	w.emit(ctx, model.FileEvent{Kind: model.EventCreate, Path: p})
}

func (w *Watcher) written(ctx context.Context, r string) {
	p, err := vaultpath.Parse(r)
	if err != nil {
		return
	}
	if _, ok := w.dirs[r]; ok {
		return
	}
	kind := model.EventModify
	if _, ok := w.files[p]; !ok {
		w.files[p] = struct{}{}
		kind = model.EventCreate
	}
	w.emit(ctx, model.FileEvent{Kind: kind, Path: p})
}

func (w *Watcher) removed(ctx context.Context, r string) {
	if _, ok := w.dirs[r]; ok {
		for _, p := range w.forgetDir(r) {
			w.emit(ctx, model.FileEvent{Kind: model.EventDelete, Path: p})
		}
		return
	}
	p, err := vaultpath.Parse(r)
	if err != nil {
		return
	}
	if _, ok := w.files[p]; !ok {
		return
	}
	delete(w.files, p)
	w.emit(ctx, model.FileEvent{Kind: model.EventDelete, Path: p})
}

func (w *Watcher) renamed(ctx context.Context, oldRel, newRel string, isDir bool) {
	if !isDir {
		oldPath, err1 := vaultpath.Parse(oldRel)
		newPath, err2 := vaultpath.Parse(newRel)
		if err1 != nil || err2 != nil {
			return
		}
		delete(w.files, oldPath)
		w.files[newPath] = struct{}{}
		w.emit(ctx, model.FileEvent{Kind: model.EventRename, OldPath: oldPath, Path: newPath})
		return
	}

	moved := w.forgetDir(oldRel)
	if _, err := w.scan(newRel); err != nil {
		w.logger.Warn("watch directory", zap.String("dir", newRel), zap.Error(err))
	}
	for _, oldPath := range moved {
		newPath, err := vaultpath.Parse(newRel + strings.TrimPrefix(oldPath.String(), oldRel))
		if err != nil {
			continue
		}
		w.emit(ctx, model.FileEvent{Kind: model.EventRename, OldPath: oldPath, Path: newPath})
	}
}

// forgetDir drops dir and everything below it and returns the files that
// were known there, in path order.
func (w *Watcher) forgetDir(dir string) []vaultpath.Path {
	prefix := dir + "/"
	for d := range w.dirs {
		if d == dir || strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
		}
	}
	var out []vaultpath.Path
	for p := range w.files {
		if strings.HasPrefix(p.String(), prefix) {
			delete(w.files, p)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// flushPending reports an unpaired rename as a delete: the file left the
// watched tree.
func (w *Watcher) flushPending(ctx context.Context) {
	pending := w.pending
	if pending == nil {
		return
	}
	w.pending = nil
	w.stopTimer()
	w.removed(ctx, pending.old)
}

func (w *Watcher) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
