package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"aerosol/internal/errs"
	"aerosol/internal/model"
)

// VaultRepo implements VaultRepository using PostgreSQL.
type VaultRepo struct{ db *DB }

func NewVaultRepo(db *DB) *VaultRepo { return &VaultRepo{db: db} }

func (r *VaultRepo) Get(ctx context.Context, name string) (*model.Vault, error) {
	const q = `
SELECT name, password_hash, password_salt, created_at
FROM vaults WHERE name=$1`
	var v model.Vault
	err := r.db.Pool.QueryRow(ctx, q, name).Scan(&v.Name, &v.PasswordHash, &v.PasswordSalt, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

func (r *VaultRepo) Upsert(ctx context.Context, v *model.Vault) error {
	const q = `
INSERT INTO vaults (name, password_hash, password_salt, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE
SET password_hash = EXCLUDED.password_hash, password_salt = EXCLUDED.password_salt`
	_, err := r.db.Pool.Exec(ctx, q, v.Name, v.PasswordHash, v.PasswordSalt, v.CreatedAt)
	return err
}
