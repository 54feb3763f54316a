package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"aerosol/internal/errs"
	"aerosol/internal/model"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (id, name, refresh_epoch, created_at)
VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, q, u.ID, u.Name, u.RefreshEpoch, u.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	const q = `
SELECT id, name, refresh_epoch, created_at
FROM users WHERE id=$1`
	var u model.User
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.Name, &u.RefreshEpoch, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// BumpEpoch increments refresh_epoch in a single statement, so concurrent
// revocations never lose an increment.
func (r *UserRepo) BumpEpoch(ctx context.Context, id string) (int64, error) {
	const q = `
UPDATE users SET refresh_epoch = refresh_epoch + 1
WHERE id=$1
RETURNING refresh_epoch`
	var epoch int64
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&epoch); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	return epoch, nil
}
