// Package engine runs the sync client: it owns the session, the reconciler
// and the file watcher for one vault and ties their lifetime to Start and
// Stop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"aerosol/internal/checksum"
	"aerosol/internal/config"
	"aerosol/internal/errs"
	"aerosol/internal/filestore"
	"aerosol/internal/model"
	"aerosol/internal/reconcile"
	"aerosol/internal/session"
	"aerosol/internal/transport"
	"aerosol/internal/vaultpath"
	"aerosol/internal/watch"
)

const (
	resubscribeDelay   = 5 * time.Second
	notificationBuffer = 16
)

// ErrNotConnected is returned by Start when the configuration holds neither
// a refresh token nor a registration token.
var ErrNotConnected = errors.New("not connected: run `aerosol connect` first")

type Options struct {
	Config *config.ClientFile
	Clock  clockwork.Clock
	Logger *zap.Logger

	// NewTransport builds the client for a server base URL. Defaults to
	// transport.NewHTTPClient.
	NewTransport func(baseURL string) transport.Transport

	// OnError receives sync failures that were logged and skipped.
	OnError func(error)
}

type Engine struct {
	file         *config.ClientFile
	clock        clockwork.Clock
	logger       *zap.Logger
	newTransport func(string) transport.Transport
	onError      func(error)

	mu          sync.Mutex
	parent      context.Context
	run         *run
	unsubscribe func()
}

// run is one Start..Stop cycle.
type run struct {
	cfg        config.ClientConfig
	cancel     context.CancelFunc
	done       chan struct{}
	session    *session.Session
	remote     *session.Remote
	reconciler *reconcile.Reconciler
	watcher    *watch.Watcher
}

func New(opts Options) *Engine {
	e := &Engine{
		file:         opts.Config,
		clock:        opts.Clock,
		logger:       opts.Logger,
		newTransport: opts.NewTransport,
		onError:      opts.OnError,
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.newTransport == nil {
		logger := e.logger.Named("transport")
		e.newTransport = func(baseURL string) transport.Transport {
			return transport.NewHTTPClient(baseURL, transport.WithLogger(logger))
		}
	}
	return e
}

// Running reports whether the engine is between Start and Stop.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil
}

// Start connects to the configured server and begins synchronizing in the
// background. A registration token left in the configuration is exchanged
// first. Configuration changes made through the same ClientFile restart the
// engine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		return errors.New("engine already started")
	}
	if err := e.startLocked(ctx); err != nil {
		return err
	}
	e.parent = ctx
	if e.unsubscribe == nil {
		e.unsubscribe = e.file.Notifier().Subscribe(func(ev config.ClientConfigChanged) {
			go e.configChanged(ev)
		})
	}
	return nil
}

func (e *Engine) startLocked(ctx context.Context) error {
	cfg := e.file.Get()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}
	if cfg.RefreshToken == "" && cfg.RegistrationToken == "" {
		return ErrNotConnected
	}

	tr := e.newTransport(cfg.BaseURL())
	s := e.newSession(tr, cfg)
	if cfg.RefreshToken == "" {
		if err := s.Register(ctx, cfg.RegistrationToken, cfg.Username); err != nil {
			s.Close()
			return err
		}
		// single use either way
		if err := e.file.Update(func(c *config.ClientConfig) { c.RegistrationToken = "" }); err != nil {
			e.logger.Warn("clear registration token", zap.Error(err))
		}
	}

	vaultDir, err := filepath.Abs(cfg.VaultDir)
	if err != nil {
		s.Close()
		return fmt.Errorf("vault directory: %w", err)
	}
	files, err := filestore.NewOS(vaultDir)
	if err != nil {
		s.Close()
		return err
	}
	watcher, err := watch.New(vaultDir, watch.Options{Clock: e.clock, Logger: e.logger.Named("watch")})
	if err != nil {
		s.Close()
		return fmt.Errorf("watch %s: %w", vaultDir, err)
	}

	remote := session.NewRemote(s, tr)
	r := &run{
		cfg:     cfg,
		done:    make(chan struct{}),
		session: s,
		remote:  remote,
		watcher: watcher,
	}
	r.reconciler = reconcile.New(reconcile.Options{
		Files:        files,
		Index:        checksum.NewIndex(nil),
		Remote:       remote,
		Clock:        e.clock,
		PollInterval: cfg.PollInterval,
		Logger:       e.logger.Named("sync"),
		OnError:      e.onError,
		OnSynced:     e.saveIndex,
	})

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	s.Start()
	go e.loop(runCtx, r, e.previousIndex(cfg))

	e.run = r
	e.logger.Info("sync started",
		zap.String("server", cfg.BaseURL()),
		zap.String("vault", vaultDir),
		zap.Duration("poll", cfg.PollInterval))
	return nil
}

func (e *Engine) loop(ctx context.Context, r *run, previous checksum.Entries) {
	defer close(r.done)

	var wg sync.WaitGroup
	notifications := make(chan model.VaultChange, notificationBuffer)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := r.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("watcher stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		e.subscribe(ctx, r.remote, notifications)
	}()

	if err := r.reconciler.CatchUp(ctx, previous); err != nil {
		e.report(err)
	}
	_ = r.reconciler.Run(ctx, r.watcher.Events(), notifications)
	wg.Wait()
}

// subscribe forwards change notifications, dialing again after the
// connection drops.
func (e *Engine) subscribe(ctx context.Context, remote *session.Remote, out chan<- model.VaultChange) {
	for {
		changes, err := remote.Subscribe(ctx)
		if err == nil {
			e.logger.Debug("subscribed to vault changes")
			for change := range changes {
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		} else if ctx.Err() == nil {
			e.logger.Warn("subscribe to vault changes", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(resubscribeDelay):
		}
	}
}

func (e *Engine) report(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, errs.ErrDisconnected) {
		return
	}
	e.logger.Warn("catch up failed", zap.Error(err))
	if e.onError != nil {
		e.onError(err)
	}
}

// Stop ends synchronization and waits for the background work to finish.
// Stopping a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

func (e *Engine) stopLocked() {
	r := e.run
	if r == nil {
		return
	}
	e.run = nil
	r.session.Close()
	r.cancel()
	if err := r.watcher.Close(); err != nil {
		e.logger.Debug("close watcher", zap.Error(err))
	}
	<-r.done
	e.logger.Info("sync stopped")
}

func (e *Engine) configChanged(ev config.ClientConfigChanged) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.run
	if r == nil || !needsRestart(r, ev.Current) {
		return
	}

	e.logger.Info("configuration changed, restarting")
	e.stopLocked()
	if err := e.startLocked(e.parent); err != nil {
		e.logger.Error("restart", zap.Error(err))
		if e.onError != nil {
			e.onError(err)
		}
	}
}

// needsRestart reports whether cfg differs from what r was started with in
// a way the running components cannot absorb. Token updates written by
// r's own session do not count.
func needsRestart(r *run, cfg config.ClientConfig) bool {
	if cfg.BaseURL() != r.cfg.BaseURL() || cfg.VaultDir != r.cfg.VaultDir || cfg.PollInterval != r.cfg.PollInterval {
		return true
	}
	if cfg.RegistrationToken != "" && cfg.RefreshToken == "" {
		return true
	}
	return cfg.RefreshToken != "" && cfg.RefreshToken != r.session.Tokens().Refresh
}

func (e *Engine) newSession(tr transport.Transport, cfg config.ClientConfig) *session.Session {
	return session.New(session.Options{
		Auth: tr,
		Tokens: session.Tokens{
			Refresh:   cfg.RefreshToken,
			Access:    cfg.AccessToken,
			ExpiresAt: cfg.AccessExpiresAt,
		},
		Persist: e.saveTokens,
		Clock:   e.clock,
		Logger:  e.logger.Named("session"),
	})
}

func (e *Engine) saveTokens(t session.Tokens) error {
	return e.file.Update(func(c *config.ClientConfig) {
		c.RefreshToken = t.Refresh
		c.AccessToken = t.Access
		c.AccessExpiresAt = t.ExpiresAt
	})
}

func (e *Engine) saveIndex(s checksum.Snapshot) {
	index := make(map[string]string, len(s.Entries))
	for p, fp := range s.Entries {
		index[p.String()] = string(fp)
	}
	err := e.file.Update(func(c *config.ClientConfig) { c.Index = index })
	if err != nil {
		e.logger.Warn("save index", zap.Error(err))
	}
}

// previousIndex decodes the persisted index, skipping entries that no
// longer parse.
func (e *Engine) previousIndex(cfg config.ClientConfig) checksum.Entries {
	entries := make(checksum.Entries, len(cfg.Index))
	for raw, fp := range cfg.Index {
		p, err := vaultpath.Parse(raw)
		if err != nil || !checksum.Fingerprint(fp).Valid() {
			e.logger.Warn("dropping index entry", zap.String("path", raw))
			continue
		}
		entries[p] = checksum.Fingerprint(fp)
	}
	return entries
}
