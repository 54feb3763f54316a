package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"aerosol/internal/config"
	"aerosol/internal/session"
)

// RequestRegistrationToken asks the configured server for a registration
// token, proving knowledge of the vault credential.
func (e *Engine) RequestRegistrationToken(ctx context.Context, vaultName, password string) (string, error) {
	cfg := e.file.Get()
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("client config: %w", err)
	}
	return e.newTransport(cfg.BaseURL()).RequestRegistrationToken(ctx, vaultName, password)
}

// Connect registers username with a registration token and stores the
// resulting refresh token. A running engine picks the new credentials up
// by restarting.
func (e *Engine) Connect(ctx context.Context, registrationToken, username string) error {
	if registrationToken == "" {
		return errors.New("registration token is required")
	}
	cfg := e.file.Get()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}
	if username != "" {
		cfg.Username = username
	}

	s := e.newSession(e.newTransport(cfg.BaseURL()), config.ClientConfig{})
	defer s.Close()
	if err := s.Register(ctx, registrationToken, cfg.Username); err != nil {
		return err
	}
	return e.file.Update(func(c *config.ClientConfig) {
		c.Username = cfg.Username
		c.RegistrationToken = ""
	})
}

// Disconnect stops the engine, revokes the stored credentials on the server
// and forgets them locally. Local state is cleared even when the server
// cannot be reached; the revocation error is still returned.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	e.stopLocked()
	e.mu.Unlock()

	cfg := e.file.Get()
	if cfg.RefreshToken == "" {
		if cfg.RegistrationToken != "" {
			return e.file.Update(func(c *config.ClientConfig) { c.RegistrationToken = "" })
		}
		return nil
	}
	s := e.newSession(e.newTransport(cfg.BaseURL()), cfg)
	err := s.Disconnect(ctx)
	if err != nil {
		e.logger.Warn("revoke on disconnect", zap.Error(err))
	}
	return err
}

// sessionFor returns the running session, or a new one over the stored
// credentials together with a func that closes it.
func (e *Engine) sessionFor(cfg config.ClientConfig) (*session.Remote, func()) {
	e.mu.Lock()
	r := e.run
	e.mu.Unlock()
	if r != nil {
		return r.remote, func() {}
	}
	tr := e.newTransport(cfg.BaseURL())
	s := e.newSession(tr, cfg)
	return session.NewRemote(s, tr), s.Close
}
