package persist

import (
	"context"
	"database/sql"
	"time"
)

type PublicKeyRow struct {
	Fingerprint string
	PublicKey   []byte
	Created     time.Time
}

// KeyRepo stores player public keys used for cross-server identity.
type KeyRepo struct {
	db *DB
}

func NewKeyRepo(db *DB) *KeyRepo {
	return &KeyRepo{db: db}
}

func (r *KeyRepo) Add(ctx context.Context, player int64, fingerprint string, key []byte, now time.Time) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`INSERT INTO public_keys (player, fingerprint, public_key, created) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (player, fingerprint) DO NOTHING`,
		player, fingerprint, key, now.UnixMilli())
	return err
}

// Rotate replaces every key of a player with the given one in a
// single transaction.
func (r *KeyRepo) Rotate(ctx context.Context, player int64, fingerprint string, key []byte, now time.Time) error {
	return r.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM public_keys WHERE player = $1 AND fingerprint <> $2`,
			player, fingerprint); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO public_keys (player, fingerprint, public_key, created) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (player, fingerprint) DO NOTHING`,
			player, fingerprint, key, now.UnixMilli())
		return err
	})
}

func (r *KeyRepo) Remove(ctx context.Context, player int64, fingerprint string) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`DELETE FROM public_keys WHERE player = $1 AND fingerprint = $2`,
		player, fingerprint)
	return err
}

func (r *KeyRepo) List(ctx context.Context, player int64) ([]PublicKeyRow, error) {
	rows, err := r.db.SQL.QueryContext(ctx,
		`SELECT fingerprint, public_key, created FROM public_keys
		 WHERE player = $1 ORDER BY fingerprint`, player)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PublicKeyRow
	for rows.Next() {
		var k PublicKeyRow
		var created int64
		if err := rows.Scan(&k.Fingerprint, &k.PublicKey, &created); err != nil {
			return nil, err
		}
		k.Created = time.UnixMilli(created)
		out = append(out, k)
	}
	return out, rows.Err()
}
