package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"aerosol/internal/errs"
	"aerosol/internal/model"
)

// TokenRepo implements RegistrationTokenRepository using PostgreSQL.
type TokenRepo struct{ db *DB }

func NewTokenRepo(db *DB) *TokenRepo { return &TokenRepo{db: db} }

func (r *TokenRepo) Create(ctx context.Context, t *model.RegistrationToken) error {
	const q = `INSERT INTO registration_tokens (token, issued_at) VALUES ($1, $2)`
	_, err := r.db.Pool.Exec(ctx, q, t.Value, t.IssuedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Consume deletes the token and returns the deleted row. Only one of two
// racing callers gets the row back.
func (r *TokenRepo) Consume(ctx context.Context, value string) (*model.RegistrationToken, error) {
	const q = `DELETE FROM registration_tokens WHERE token=$1 RETURNING token, issued_at`
	var t model.RegistrationToken
	if err := r.db.Pool.QueryRow(ctx, q, value).Scan(&t.Value, &t.IssuedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}
