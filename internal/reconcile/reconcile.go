// Package reconcile keeps a local vault directory converged with the
// server. Local file events are pushed as they happen; a periodic poll
// compares aggregates and pulls whatever differs.
//
// There is no conflict resolution between the two directions: the change
// processed last wins.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"aerosol/internal/checksum"
	"aerosol/internal/errs"
	"aerosol/internal/filestore"
	"aerosol/internal/model"
	"aerosol/internal/vaultpath"
)

const DefaultPollInterval = 5 * time.Second

// Remote is the authorized server API the reconciler drives.
type Remote interface {
	Aggregate(ctx context.Context) (checksum.Fingerprint, error)
	Checksums(ctx context.Context) (checksum.Entries, error)
	Download(ctx context.Context, p vaultpath.Path) ([]byte, error)
	Upload(ctx context.Context, p vaultpath.Path, data []byte) (checksum.Fingerprint, error)
	Delete(ctx context.Context, p vaultpath.Path) error
	Rename(ctx context.Context, oldPath, newPath vaultpath.Path) error
}

type State int32

const (
	StateIdle State = iota
	StatePolling
	StateComparing
	StateApplying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateComparing:
		return "comparing"
	case StateApplying:
		return "applying"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Options struct {
	Files  *filestore.Store
	Index  *checksum.Index
	Remote Remote

	Clock        clockwork.Clock
	PollInterval time.Duration
	Logger       *zap.Logger

	// OnError receives every error the run loop swallows.
	OnError func(error)
	// OnSynced receives the index after every change to it.
	OnSynced func(checksum.Snapshot)
}

type Reconciler struct {
	files    *filestore.Store
	index    *checksum.Index
	remote   Remote
	clock    clockwork.Clock
	interval time.Duration
	logger   *zap.Logger
	onError  func(error)
	onSynced func(checksum.Snapshot)

	state atomic.Int32

	// mu is held for a whole poll cycle or event.
	mu sync.Mutex

	// pending holds local changes the server has not acknowledged yet.
	// Polling waits until they are pushed.
	pending []model.FileEvent
}

func New(opts Options) *Reconciler {
	r := &Reconciler{
		files:    opts.Files,
		index:    opts.Index,
		remote:   opts.Remote,
		clock:    opts.Clock,
		interval: opts.PollInterval,
		logger:   opts.Logger,
		onError:  opts.OnError,
		onSynced: opts.OnSynced,
	}
	if r.index == nil {
		r.index = checksum.NewIndex(nil)
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.interval <= 0 {
		r.interval = DefaultPollInterval
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

func (r *Reconciler) State() State { return State(r.state.Load()) }

func (r *Reconciler) setState(s State) { r.state.Store(int32(s)) }

func (r *Reconciler) Index() *checksum.Index { return r.index }

// Pending returns the number of local changes waiting to be pushed.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// transient errors leave the change queued for the next attempt.
func transient(err error) bool {
	return errs.IsNetwork(err) || errs.IsAuth(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Reconciler) synced() {
	if r.onSynced != nil {
		r.onSynced(r.index.Snapshot())
	}
}

// Poll compares the local aggregate with the server's and, when they
// differ, downloads and deletes until the local vault matches the detailed
// remote map. Operations applied before a failure stay applied.
func (r *Reconciler) Poll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.setState(StateIdle)

	flushErr := r.flushLocked(ctx)
	if len(r.pending) > 0 {
		return flushErr
	}
	return errors.Join(flushErr, r.pollLocked(ctx))
}

func (r *Reconciler) pollLocked(ctx context.Context) error {
	r.setState(StatePolling)
	remoteAggregate, err := r.remote.Aggregate(ctx)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if remoteAggregate == r.index.Aggregate() {
		return nil
	}

	r.setState(StateComparing)
	remote, err := r.remote.Checksums(ctx)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	ops := checksum.Diff(r.index.Entries(), remote)
	if len(ops) == 0 {
		return nil
	}

	r.setState(StateApplying)
	r.logger.Debug("applying remote changes", zap.Int("ops", len(ops)))
	applied := 0
	defer func() {
		if applied > 0 {
			r.synced()
		}
	}()
	for _, op := range ops {
		if err := r.applyLocked(ctx, op); err != nil {
			return err
		}
		applied++
	}
	return nil
}

func (r *Reconciler) applyLocked(ctx context.Context, op model.SyncOp) error {
	switch op.Kind {
	case model.OpDownload:
		data, err := r.remote.Download(ctx, op.Path)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := r.files.Write(op.Path, data); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		r.index.Update(op.Path, data)
	case model.OpDelete:
		if err := r.files.Delete(op.Path); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, err)
		}
		r.index.Remove(op.Path)
	default:
		return fmt.Errorf("unexpected poll operation %s", op)
	}
	r.logger.Info("pulled", zap.Stringer("op", op))
	return nil
}

// HandleEvent pushes one local change to the server and records it in the
// index. Changes the index already reflects, such as files written by a
// poll, are not sent again.
func (r *Reconciler) HandleEvent(ctx context.Context, ev model.FileEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = append(r.pending, ev)
	return r.flushLocked(ctx)
}

// flushLocked pushes queued changes in order. It stops at the first
// transient failure; other failures drop the change and are returned after
// the queue drains.
func (r *Reconciler) flushLocked(ctx context.Context) error {
	var failed []error
	for len(r.pending) > 0 {
		ev := r.pending[0]
		err := r.pushLocked(ctx, ev)
		if err != nil && transient(err) {
			return errors.Join(append(failed, err)...)
		}
		r.pending = r.pending[1:]
		if err != nil {
			failed = append(failed, err)
		}
	}
	r.pending = nil
	return errors.Join(failed...)
}

func (r *Reconciler) pushLocked(ctx context.Context, ev model.FileEvent) error {
	var changed bool
	var err error
	switch ev.Kind {
	case model.EventCreate, model.EventModify:
		changed, err = r.uploadLocked(ctx, ev.Path)
	case model.EventDelete:
		changed, err = r.deleteLocked(ctx, ev.Path)
	case model.EventRename:
		changed, err = r.renameLocked(ctx, ev.OldPath, ev.Path)
	default:
		err = fmt.Errorf("unknown event kind %s", ev.Kind)
	}
	if changed {
		r.synced()
	}
	return err
}

func (r *Reconciler) uploadLocked(ctx context.Context, p vaultpath.Path) (bool, error) {
	data, err := r.files.Read(p)
	if errors.Is(err, errs.ErrNotFound) {
		// gone again; its delete event follows
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upload %s: %w", p, err)
	}

	fp := checksum.ComputeEntry(data)
	if current, ok := r.index.Get(p); ok && current == fp {
		return false, nil
	}
	if _, err := r.remote.Upload(ctx, p, data); err != nil {
		return false, fmt.Errorf("upload %s: %w", p, err)
	}
	r.index.Set(p, fp)
	r.logger.Info("pushed", zap.String("op", "upload"), zap.Stringer("path", p))
	return true, nil
}

func (r *Reconciler) deleteLocked(ctx context.Context, p vaultpath.Path) (bool, error) {
	if _, ok := r.index.Get(p); !ok {
		return false, nil
	}
	if err := r.remote.Delete(ctx, p); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return false, fmt.Errorf("delete %s: %w", p, err)
	}
	r.index.Remove(p)
	r.logger.Info("pushed", zap.String("op", "delete"), zap.Stringer("path", p))
	return true, nil
}

func (r *Reconciler) renameLocked(ctx context.Context, oldPath, newPath vaultpath.Path) (bool, error) {
	if _, ok := r.index.Get(oldPath); !ok {
		return r.uploadLocked(ctx, newPath)
	}
	err := r.remote.Rename(ctx, oldPath, newPath)
	if errors.Is(err, errs.ErrNotFound) {
		// the server never had oldPath: send the file under its new name
		r.index.Remove(oldPath)
		_, uerr := r.uploadLocked(ctx, newPath)
		return true, uerr
	}
	if err != nil {
		return false, fmt.Errorf("rename %s to %s: %w", oldPath, newPath, err)
	}
	r.index.Rename(oldPath, newPath)
	r.logger.Info("pushed", zap.String("op", "rename"), zap.Stringer("path", oldPath), zap.Stringer("to", newPath))
	return true, nil
}

// CatchUp replays the changes made while the client was not running.
// previous is the index as of the last sync; the difference to the files
// on disk is queued and pushed like live events.
func (r *Reconciler) CatchUp(ctx context.Context, previous checksum.Entries) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := checksum.Rebuild(r.files.Walk)
	if err != nil {
		return fmt.Errorf("scan vault: %w", err)
	}
	r.index.Reset(previous)
	events := checksum.Changes(previous, current.Entries)
	r.logger.Info("catching up", zap.Int("changes", len(events)))
	r.pending = append(r.pending, events...)
	return r.flushLocked(ctx)
}

func (r *Reconciler) report(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, errs.ErrDisconnected) {
		r.logger.Debug("sync stopped", zap.Error(err))
		return
	}
	r.logger.Warn("sync failed", zap.Error(err))
	if r.onError != nil {
		r.onError(err)
	}
}

// Run polls on every tick and pushes events as they arrive until ctx is
// done. A notification whose checksum differs from the local aggregate
// triggers an extra poll. Errors are reported, never fatal.
func (r *Reconciler) Run(ctx context.Context, events <-chan model.FileEvent, notifications <-chan model.VaultChange) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.report(r.Poll(ctx))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			r.report(r.Poll(ctx))
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.report(r.HandleEvent(ctx, ev))
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			if checksum.Fingerprint(n.Checksum) == r.index.Aggregate() {
				continue
			}
			r.report(r.Poll(ctx))
		}
	}
}
