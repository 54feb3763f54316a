// Package service contains the server-side token lifecycle and vault
// operations behind the HTTP handlers.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"aerosol/internal/auth"
	"aerosol/internal/errs"
	"aerosol/internal/model"
	"aerosol/internal/repository"
)

// ErrInvalidUsername is returned by Register for an empty username.
var ErrInvalidUsername = errors.New("username must not be empty")

// AuthService issues and validates the three credential tiers:
// registration token, refresh token and access token.
type AuthService struct {
	users  repository.UserRepository
	tokens repository.RegistrationTokenRepository
	vaults repository.VaultRepository

	tokenCfg        auth.TokenConfig
	registrationTTL time.Duration
	clock           clockwork.Clock
	logger          *zap.Logger
}

type AuthOptions struct {
	Users  repository.UserRepository
	Tokens repository.RegistrationTokenRepository
	Vaults repository.VaultRepository

	TokenConfig auth.TokenConfig
	// RegistrationTTL bounds how long an issued registration token stays
	// usable. Zero disables the check.
	RegistrationTTL time.Duration
	Clock           clockwork.Clock
	Logger          *zap.Logger
}

func NewAuthService(opts AuthOptions) *AuthService {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.TokenConfig
	cfg.Now = clock.Now
	return &AuthService{
		users:           opts.Users,
		tokens:          opts.Tokens,
		vaults:          opts.Vaults,
		tokenCfg:        cfg,
		registrationTTL: opts.RegistrationTTL,
		clock:           clock,
		logger:          logger,
	}
}

// AccessTTL is the lifetime of issued access tokens.
func (s *AuthService) AccessTTL() time.Duration { return s.tokenCfg.AccessExpiry }

// EnsureVault makes sure a vault credential exists. A non-empty password
// replaces the stored one unless it already matches; an empty password is
// only accepted when a credential is already stored.
func (s *AuthService) EnsureVault(ctx context.Context, name, password string) error {
	existing, err := s.vaults.Get(ctx, name)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("load vault %q: %w", name, err)
	}
	if password == "" {
		if existing == nil {
			return fmt.Errorf("vault %q has no stored password and none was configured", name)
		}
		return nil
	}
	if existing != nil && auth.VerifyPassword([]byte(password), existing.PasswordSalt, existing.PasswordHash) {
		return nil
	}

	hash, salt, err := auth.NewPasswordHash([]byte(password))
	if err != nil {
		return err
	}
	v := &model.Vault{
		Name:         name,
		PasswordHash: hash,
		PasswordSalt: salt,
		CreatedAt:    s.clock.Now().UnixMilli(),
	}
	if existing != nil {
		v.CreatedAt = existing.CreatedAt
	}
	if err := s.vaults.Upsert(ctx, v); err != nil {
		return fmt.Errorf("store vault %q: %w", name, err)
	}
	s.logger.Info("vault credential stored", zap.String("vault", name))
	return nil
}

// IssueRegistrationToken checks the vault password and stores a fresh
// single-use registration token.
func (s *AuthService) IssueRegistrationToken(ctx context.Context, vaultName, password string) (string, error) {
	v, err := s.vaults.Get(ctx, vaultName)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", &errs.AuthError{Kind: errs.AuthInvalid, Err: fmt.Errorf("unknown vault %q", vaultName)}
		}
		return "", err
	}
	if !auth.VerifyPassword([]byte(password), v.PasswordSalt, v.PasswordHash) {
		return "", &errs.AuthError{Kind: errs.AuthInvalid, Err: errors.New("wrong vault password")}
	}

	value, err := auth.NewRegistrationToken()
	if err != nil {
		return "", err
	}
	tok := &model.RegistrationToken{Value: value, IssuedAt: s.clock.Now().UnixMilli()}
	if err := s.tokens.Create(ctx, tok); err != nil {
		return "", fmt.Errorf("store registration token: %w", err)
	}
	s.logger.Info("registration token issued", zap.String("vault", vaultName))
	return value, nil
}

// Register consumes a registration token and creates a user with epoch 0.
// It returns the user's refresh token.
func (s *AuthService) Register(ctx context.Context, registrationToken, username string) (string, *model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", nil, ErrInvalidUsername
	}
	if registrationToken == "" {
		return "", nil, errs.Auth(errs.AuthMissing)
	}

	tok, err := s.tokens.Consume(ctx, registrationToken)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", nil, &errs.AuthError{Kind: errs.AuthInvalid, Err: errors.New("registration token unknown or already used")}
		}
		return "", nil, err
	}
	if s.registrationTTL > 0 {
		issued := time.UnixMilli(tok.IssuedAt)
		if !s.clock.Now().Before(issued.Add(s.registrationTTL)) {
			return "", nil, &errs.AuthError{Kind: errs.AuthExpired, Err: errors.New("registration token expired")}
		}
	}

	u := &model.User{
		ID:           uuid.NewString(),
		Name:         username,
		RefreshEpoch: 0,
		CreatedAt:    s.clock.Now().UnixMilli(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		return "", nil, fmt.Errorf("create user: %w", err)
	}

	refresh, err := auth.CreateRefreshToken(u.ID, u.RefreshEpoch, s.tokenCfg)
	if err != nil {
		return "", nil, err
	}
	s.logger.Info("user registered", zap.String("user_id", u.ID), zap.String("name", u.Name))
	return refresh, u, nil
}

// RenewAccess exchanges a refresh token for an access token. The token's
// epoch must equal the stored epoch of its user.
func (s *AuthService) RenewAccess(ctx context.Context, refreshToken string) (string, time.Duration, error) {
	claims, err := auth.VerifyToken(refreshToken, auth.KindRefresh, s.tokenCfg)
	if err != nil {
		return "", 0, err
	}
	u, err := s.currentUser(ctx, claims.UserID)
	if err != nil {
		return "", 0, err
	}
	if claims.Epoch != u.RefreshEpoch {
		return "", 0, &errs.AuthError{Kind: errs.AuthRevoked, Err: fmt.Errorf("refresh epoch %d, current %d", claims.Epoch, u.RefreshEpoch)}
	}

	access, _, err := auth.CreateAccessToken(u.ID, u.RefreshEpoch, s.tokenCfg)
	if err != nil {
		return "", 0, err
	}
	return access, s.tokenCfg.AccessExpiry, nil
}

// ValidateAccess returns the user an access token was issued to. Tokens
// renewed before a revocation are rejected with AuthRevoked even when they
// have not expired yet.
func (s *AuthService) ValidateAccess(ctx context.Context, accessToken string) (string, error) {
	claims, err := auth.VerifyToken(accessToken, auth.KindAccess, s.tokenCfg)
	if err != nil {
		return "", err
	}
	u, err := s.currentUser(ctx, claims.UserID)
	if err != nil {
		return "", err
	}
	if claims.Epoch < u.RefreshEpoch {
		return "", &errs.AuthError{Kind: errs.AuthRevoked, Err: fmt.Errorf("access epoch %d, current %d", claims.Epoch, u.RefreshEpoch)}
	}
	return u.ID, nil
}

// Revoke bumps the user's refresh epoch, invalidating every refresh token
// issued before and every access token renewed from them.
func (s *AuthService) Revoke(ctx context.Context, userID string) error {
	epoch, err := s.users.BumpEpoch(ctx, userID)
	if err != nil {
		return fmt.Errorf("revoke %s: %w", userID, err)
	}
	s.logger.Info("refresh tokens revoked", zap.String("user_id", userID), zap.Int64("epoch", epoch))
	return nil
}

func (s *AuthService) currentUser(ctx context.Context, id string) (*model.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, &errs.AuthError{Kind: errs.AuthRevoked, Err: fmt.Errorf("unknown user %s", id)}
		}
		return nil, err
	}
	return u, nil
}
