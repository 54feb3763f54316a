package engine

import (
	"context"

	"aerosol/internal/checksum"
	"aerosol/internal/reconcile"
	"aerosol/internal/session"
)

// Status describes the client as seen from its configuration and, when it
// runs, the live components.
type Status struct {
	Server    string
	Username  string
	VaultDir  string
	Connected bool
	Running   bool

	Session session.State
	Sync    reconcile.State
	Pending int

	Files          int
	LocalChecksum  checksum.Fingerprint
	RemoteChecksum checksum.Fingerprint
}

// InSync reports whether the last known local aggregate matches the
// server's.
func (s Status) InSync() bool {
	return s.RemoteChecksum != "" && s.RemoteChecksum == s.LocalChecksum
}

// Status collects the local state and asks the server for its aggregate
// checksum when credentials exist. The local part is returned even when
// the server cannot be reached.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	cfg := e.file.Get()
	st := Status{
		Server:    cfg.BaseURL(),
		Username:  cfg.Username,
		VaultDir:  cfg.VaultDir,
		Connected: cfg.RefreshToken != "",
	}

	e.mu.Lock()
	r := e.run
	e.mu.Unlock()
	if r != nil {
		st.Running = true
		st.Session = r.session.State()
		st.Sync = r.reconciler.State()
		st.Pending = r.reconciler.Pending()
		snap := r.reconciler.Index().Snapshot()
		st.Files = len(snap.Entries)
		st.LocalChecksum = snap.Aggregate
	} else {
		entries := e.previousIndex(cfg)
		st.Files = len(entries)
		st.LocalChecksum = checksum.AggregateOf(entries)
		if st.Connected {
			st.Session = session.StateRegistered
		}
	}

	if !st.Connected {
		return st, nil
	}
	remote, done := e.sessionFor(cfg)
	defer done()
	agg, err := remote.Aggregate(ctx)
	if err != nil {
		return st, err
	}
	st.RemoteChecksum = agg
	return st, nil
}
