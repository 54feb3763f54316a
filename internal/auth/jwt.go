package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"aerosol/internal/errs"
)

// Kind separates the two credential tiers carried as JWTs.
type Kind string

const (
	KindRefresh Kind = "refresh"
	KindAccess  Kind = "access"
)

type Claims struct {
	UserID string `json:"sub"`
	Epoch  int64  `json:"epoch"`
	Kind   Kind   `json:"kind"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret       string
	AccessExpiry time.Duration
	Issuer       string

	// Now overrides the clock used for issuing and validating; nil means
	// time.Now.
	Now func() time.Time
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret:       secret,
		AccessExpiry: 60 * time.Second,
		Issuer:       "aerosol",
	}
}

func (cfg TokenConfig) now() time.Time {
	if cfg.Now != nil {
		return cfg.Now()
	}
	return time.Now()
}

// CreateRefreshToken signs a refresh token for userID bound to epoch. It
// carries no expiry; bumping the user's epoch is the only way to revoke it.
func CreateRefreshToken(userID string, epoch int64, cfg TokenConfig) (string, error) {
	return sign(userID, epoch, KindRefresh, time.Time{}, cfg)
}

// CreateAccessToken signs a short-lived access token and returns its expiry.
func CreateAccessToken(userID string, epoch int64, cfg TokenConfig) (string, time.Time, error) {
	if cfg.AccessExpiry <= 0 {
		return "", time.Time{}, errors.New("invalid expiry")
	}
	expiresAt := cfg.now().Add(cfg.AccessExpiry).Truncate(time.Second)
	tok, err := sign(userID, epoch, KindAccess, expiresAt, cfg)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, expiresAt, nil
}

func sign(userID string, epoch int64, kind Kind, expiresAt time.Time, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if userID == "" {
		return "", errors.New("missing userID")
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", err
	}

	claims := Claims{
		UserID: userID,
		Epoch:  epoch,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   cfg.Issuer,
			IssuedAt: jwt.NewNumericDate(cfg.now()),
			ID:       hex.EncodeToString(jtiBytes),
		},
	}
	if !expiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

// VerifyToken checks the signature, expiry and kind of tokenString. Failures
// are *errs.AuthError: AuthExpired once the expiry has passed, AuthInvalid
// for everything else. Epoch checks are left to the caller, which owns the
// user records.
func VerifyToken(tokenString string, kind Kind, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}
	if tokenString == "" {
		return nil, errs.Auth(errs.AuthMissing)
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	}, jwt.WithTimeFunc(cfg.now), jwt.WithIssuer(cfg.Issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &errs.AuthError{Kind: errs.AuthExpired, Err: err}
		}
		return nil, &errs.AuthError{Kind: errs.AuthInvalid, Err: err}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, &errs.AuthError{Kind: errs.AuthInvalid, Err: jwt.ErrSignatureInvalid}
	}
	if claims.Kind != kind {
		return nil, &errs.AuthError{Kind: errs.AuthInvalid, Err: fmt.Errorf("want %s token, got %q", kind, claims.Kind)}
	}
	if claims.UserID == "" {
		return nil, &errs.AuthError{Kind: errs.AuthInvalid, Err: errors.New("missing subject")}
	}
	if kind == KindAccess && claims.ExpiresAt == nil {
		return nil, &errs.AuthError{Kind: errs.AuthInvalid, Err: errors.New("access token without expiry")}
	}
	return claims, nil
}
