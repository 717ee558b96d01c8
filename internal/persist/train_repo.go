package persist

import (
	"context"
)

// TrainCarRow is one admin-configured train-car realm template.
type TrainCarRow struct {
	Asset        string
	Sequence     int64
	AllowedFirst bool
}

// TrainRepo stores the train-car configuration and per-player
// progress through it.
type TrainRepo struct {
	db *DB
}

func NewTrainRepo(db *DB) *TrainRepo {
	return &TrainRepo{db: db}
}

// Cars returns the configured train, in sequence order.
func (r *TrainRepo) Cars(ctx context.Context) ([]TrainCarRow, error) {
	rows, err := r.db.SQL.QueryContext(ctx,
		`SELECT asset, sequence, allowed_first FROM train_cars ORDER BY sequence`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrainCarRow
	for rows.Next() {
		var c TrainCarRow
		if err := rows.Scan(&c.Asset, &c.Sequence, &c.AllowedFirst); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *TrainRepo) UpsertCar(ctx context.Context, car TrainCarRow) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`INSERT INTO train_cars (asset, sequence, allowed_first) VALUES ($1, $2, $3)
		 ON CONFLICT (asset) DO UPDATE SET sequence = EXCLUDED.sequence,
		     allowed_first = EXCLUDED.allowed_first`,
		car.Asset, car.Sequence, car.AllowedFirst)
	return err
}

func (r *TrainRepo) RemoveCar(ctx context.Context, assetID string) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`DELETE FROM train_cars WHERE asset = $1`, assetID)
	return err
}

// Completed returns the set of train-car assets a player has finished.
func (r *TrainRepo) Completed(ctx context.Context, player int64) (map[string]bool, error) {
	rows, err := r.db.SQL.QueryContext(ctx,
		`SELECT asset FROM train_progress WHERE player = $1`, player)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var assetID string
		if err := rows.Scan(&assetID); err != nil {
			return nil, err
		}
		out[assetID] = true
	}
	return out, rows.Err()
}

// MarkCompleted records that a player finished one car.
func (r *TrainRepo) MarkCompleted(ctx context.Context, player int64, assetID string) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`INSERT INTO train_progress (player, asset) VALUES ($1, $2)
		 ON CONFLICT (player, asset) DO NOTHING`,
		player, assetID)
	return err
}
