// Package session keeps the client's credentials fresh: it registers with
// a registration token, renews access tokens ahead of expiry and retries an
// operation once when the server rejects its credential.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"aerosol/internal/errs"
)

const (
	// DefaultSkew is how long before expiry an access token is renewed.
	// Short-lived tokens renew at half their lifetime instead.
	DefaultSkew = 10 * time.Second

	minRenewDelay = time.Second
	retryDelay    = 5 * time.Second
	renewTimeout  = 30 * time.Second
)

type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateAuthorized
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateAuthorized:
		return "authorized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Tokens is the persisted credential state.
type Tokens struct {
	Refresh   string
	Access    string
	ExpiresAt time.Time
}

// Authenticator is the part of the transport the session drives.
type Authenticator interface {
	Register(ctx context.Context, registrationToken, username string) (string, error)
	Renew(ctx context.Context, refreshToken string) (string, time.Duration, error)
	Revoke(ctx context.Context, accessToken string) error
}

type Options struct {
	Auth   Authenticator
	Tokens Tokens
	// Persist is called with the new tokens after every change.
	Persist func(Tokens) error
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Skew    time.Duration
}

type Session struct {
	auth    Authenticator
	persist func(Tokens) error
	clock   clockwork.Clock
	logger  *zap.Logger
	skew    time.Duration

	group singleflight.Group

	mu     sync.Mutex
	tokens Tokens
	ttl    time.Duration
	timer  clockwork.Timer
	closed bool
}

func New(opts Options) *Session {
	s := &Session{
		auth:    opts.Auth,
		persist: opts.Persist,
		clock:   opts.Clock,
		logger:  opts.Logger,
		skew:    opts.Skew,
		tokens:  opts.Tokens,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.skew <= 0 {
		s.skew = DefaultSkew
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.tokens.Refresh == "":
		return StateUnregistered
	case s.tokens.Access == "" || !s.clock.Now().Before(s.tokens.ExpiresAt):
		return StateRegistered
	default:
		return StateAuthorized
	}
}

func (s *Session) Tokens() Tokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// Start arms the renewal timer for a persisted access token.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.tokens.Access != "" {
		s.scheduleLocked()
	}
}

// Register exchanges a registration token for a refresh token. Any
// previous credentials are replaced.
func (s *Session) Register(ctx context.Context, registrationToken, username string) error {
	if s.isClosed() {
		return errs.ErrDisconnected
	}
	refresh, err := s.auth.Register(ctx, registrationToken, username)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.ErrDisconnected
	}
	s.stopTimerLocked()
	s.tokens = Tokens{Refresh: refresh}
	s.ttl = 0
	tokens := s.tokens
	s.mu.Unlock()

	s.save(tokens)
	s.logger.Info("registered", zap.String("username", username))
	return nil
}

// lead is how long before expiry a token counts as due for renewal.
func (s *Session) lead() time.Duration {
	if s.ttl > 0 && s.ttl/2 < s.skew {
		return s.ttl / 2
	}
	return s.skew
}

func (s *Session) dueLocked(now time.Time) bool {
	return s.tokens.Access == "" || !now.Before(s.tokens.ExpiresAt.Add(-s.lead()))
}

// AccessToken returns a usable access token, renewing it first when it is
// missing or due.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errs.ErrDisconnected
	}
	if s.tokens.Refresh == "" {
		s.mu.Unlock()
		return "", errs.Auth(errs.AuthMissing)
	}
	if !s.dueLocked(s.clock.Now()) {
		access := s.tokens.Access
		s.mu.Unlock()
		return access, nil
	}
	s.mu.Unlock()
	return s.renew(ctx)
}

// renew runs at most one renewal at a time; concurrent callers share its
// result.
func (s *Session) renew(ctx context.Context) (string, error) {
	v, err, _ := s.group.Do("renew", func() (any, error) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return "", errs.ErrDisconnected
		}
		refresh := s.tokens.Refresh
		s.mu.Unlock()
		if refresh == "" {
			return "", errs.Auth(errs.AuthMissing)
		}

		access, ttl, err := s.auth.Renew(ctx, refresh)
		if err != nil {
			if errors.Is(err, errs.Auth(errs.AuthRevoked)) || errors.Is(err, errs.Auth(errs.AuthInvalid)) {
				s.dropCredentials(refresh)
			}
			return "", fmt.Errorf("renew access token: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return "", errs.ErrDisconnected
		}
		s.tokens.Access = access
		s.tokens.ExpiresAt = s.clock.Now().Add(ttl)
		s.ttl = ttl
		s.scheduleLocked()
		tokens := s.tokens
		s.mu.Unlock()

		s.save(tokens)
		s.logger.Debug("access token renewed", zap.Duration("ttl", ttl))
		return access, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// dropCredentials forgets a refresh token the server no longer accepts.
func (s *Session) dropCredentials(refresh string) {
	s.mu.Lock()
	if s.tokens.Refresh != refresh {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	s.tokens = Tokens{}
	s.ttl = 0
	s.mu.Unlock()

	s.save(Tokens{})
	s.logger.Warn("refresh token rejected, registration required")
}

// scheduleLocked re-arms the renewal timer for the current token.
func (s *Session) scheduleLocked() {
	s.stopTimerLocked()
	delay := s.tokens.ExpiresAt.Add(-s.lead()).Sub(s.clock.Now())
	if delay < minRenewDelay {
		delay = minRenewDelay
	}
	s.timer = s.clock.AfterFunc(delay, s.fire)
}

// fire leaves the clock's callback before renewing; a fake clock runs
// callbacks while holding its lock.
func (s *Session) fire() { go s.onTimer() }

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) onTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
	defer cancel()

	if _, err := s.renew(ctx); err != nil {
		if errors.Is(err, errs.ErrDisconnected) || errs.IsAuth(err) {
			return
		}
		s.logger.Warn("scheduled renewal failed", zap.Error(err))
		s.mu.Lock()
		if !s.closed {
			s.stopTimerLocked()
			s.timer = s.clock.AfterFunc(retryDelay, s.fire)
		}
		s.mu.Unlock()
	}
}

// Do runs op with a valid access token. When the server rejects the
// token, Do renews once and retries; a second rejection is returned.
func (s *Session) Do(ctx context.Context, op func(ctx context.Context, accessToken string) error) error {
	access, err := s.AccessToken(ctx)
	if err != nil {
		return err
	}
	err = op(ctx, access)
	if err == nil {
		return nil
	}
	if s.isClosed() {
		return errs.ErrDisconnected
	}
	if !errs.IsAuth(err) {
		return err
	}

	s.logger.Debug("access token rejected, renewing", zap.Error(err))
	s.invalidateAccess(access)
	access, err = s.renew(ctx)
	if err != nil {
		return err
	}
	err = op(ctx, access)
	if err != nil && s.isClosed() {
		return errs.ErrDisconnected
	}
	return err
}

func (s *Session) invalidateAccess(access string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens.Access == access {
		s.tokens.Access = ""
		s.tokens.ExpiresAt = time.Time{}
	}
}

// Close stops renewal. Later calls fail with errs.ErrDisconnected.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopTimerLocked()
}

// Disconnect revokes the credentials on the server, forgets them locally
// and closes the session. Local state is cleared even if revocation fails.
func (s *Session) Disconnect(ctx context.Context) error {
	var revokeErr error
	if s.State() != StateUnregistered {
		revokeErr = s.Do(ctx, s.auth.Revoke)
	}

	s.mu.Lock()
	s.closed = true
	s.stopTimerLocked()
	s.tokens = Tokens{}
	s.ttl = 0
	s.mu.Unlock()
	s.save(Tokens{})

	if revokeErr != nil {
		return fmt.Errorf("revoke: %w", revokeErr)
	}
	s.logger.Info("disconnected")
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) save(t Tokens) {
	if s.persist == nil {
		return
	}
	if err := s.persist(t); err != nil {
		s.logger.Error("persist tokens", zap.Error(err))
	}
}
