package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"aerosol/internal/checksum"
	"aerosol/internal/errs"
	"aerosol/internal/vaultpath"
)

const selectChecksums = `SELECT path, hash FROM checksums`

const upsertChecksum = `
INSERT INTO checksums (path, hash) VALUES ($1, $2)
ON CONFLICT (path) DO UPDATE SET hash = EXCLUDED.hash`

const (
	deleteChecksum     = `DELETE FROM checksums WHERE path=$1`
	deleteAllChecksums = `DELETE FROM checksums`
	renameChecksum     = `UPDATE checksums SET path=$2 WHERE path=$1`
)

// ChecksumRepo implements ChecksumRepository using PostgreSQL. The
// aggregate row is written in the same transaction as the entry it follows.
type ChecksumRepo struct{ db *DB }

func NewChecksumRepo(db *DB) *ChecksumRepo { return &ChecksumRepo{db: db} }

func (r *ChecksumRepo) Load(ctx context.Context) (checksum.Snapshot, error) {
	rows, err := r.db.Pool.Query(ctx, selectChecksums)
	if err != nil {
		return checksum.Snapshot{}, err
	}
	defer rows.Close()

	entries := checksum.Entries{}
	var aggregate checksum.Fingerprint
	for rows.Next() {
		var raw, hash string
		if err := rows.Scan(&raw, &hash); err != nil {
			return checksum.Snapshot{}, err
		}
		hash = strings.TrimSpace(hash)
		if raw == vaultpath.Aggregate {
			aggregate = checksum.Fingerprint(hash)
			continue
		}
		p, err := vaultpath.Parse(raw)
		if err != nil {
			return checksum.Snapshot{}, fmt.Errorf("checksums row %q: %w", raw, err)
		}
		entries[p] = checksum.Fingerprint(hash)
	}
	if err := rows.Err(); err != nil {
		return checksum.Snapshot{}, err
	}
	if aggregate == "" {
		aggregate = checksum.AggregateOf(entries)
	}
	return checksum.Snapshot{Entries: entries, Aggregate: aggregate}, nil
}

func (r *ChecksumRepo) ReplaceAll(ctx context.Context, s checksum.Snapshot) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteAllChecksums); err != nil {
			return err
		}
		for _, p := range s.Entries.SortedPaths() {
			if _, err := tx.Exec(ctx, upsertChecksum, p.String(), string(s.Entries[p])); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, upsertChecksum, vaultpath.Aggregate, string(s.Aggregate))
		return err
	})
}

func (r *ChecksumRepo) Put(ctx context.Context, p vaultpath.Path, fp, aggregate checksum.Fingerprint) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertChecksum, p.String(), string(fp)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, upsertChecksum, vaultpath.Aggregate, string(aggregate))
		return err
	})
}

func (r *ChecksumRepo) Delete(ctx context.Context, p vaultpath.Path, aggregate checksum.Fingerprint) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteChecksum, p.String()); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, upsertChecksum, vaultpath.Aggregate, string(aggregate))
		return err
	})
}

func (r *ChecksumRepo) Rename(ctx context.Context, oldPath, newPath vaultpath.Path, aggregate checksum.Fingerprint) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, renameChecksum, oldPath.String(), newPath.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		_, err = tx.Exec(ctx, upsertChecksum, vaultpath.Aggregate, string(aggregate))
		return err
	})
}
