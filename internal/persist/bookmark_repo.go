package persist

import (
	"context"
)

type BookmarkRow struct {
	Kind  string
	Value string
}

type CalendarSubRow struct {
	Owner  string
	Asset  string
	Server string
}

// BookmarkRepo stores player bookmarks and calendar subscriptions.
type BookmarkRepo struct {
	db *DB
}

func NewBookmarkRepo(db *DB) *BookmarkRepo {
	return &BookmarkRepo{db: db}
}

func (r *BookmarkRepo) Upsert(ctx context.Context, player int64, b BookmarkRow) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`INSERT INTO bookmarks (player, kind, value) VALUES ($1, $2, $3)
		 ON CONFLICT (player, kind, value) DO NOTHING`,
		player, b.Kind, b.Value)
	return err
}

func (r *BookmarkRepo) Remove(ctx context.Context, player int64, b BookmarkRow) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`DELETE FROM bookmarks WHERE player = $1 AND kind = $2 AND value = $3`,
		player, b.Kind, b.Value)
	return err
}

func (r *BookmarkRepo) List(ctx context.Context, player int64) ([]BookmarkRow, error) {
	rows, err := r.db.SQL.QueryContext(ctx,
		`SELECT kind, value FROM bookmarks WHERE player = $1 ORDER BY kind, value`, player)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BookmarkRow
	for rows.Next() {
		var b BookmarkRow
		if err := rows.Scan(&b.Kind, &b.Value); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *BookmarkRepo) Subscribe(ctx context.Context, player int64, sub CalendarSubRow) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`INSERT INTO calendar_subs (player, owner, asset, server) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (player, owner, asset, server) DO NOTHING`,
		player, sub.Owner, sub.Asset, sub.Server)
	return err
}

func (r *BookmarkRepo) Unsubscribe(ctx context.Context, player int64, sub CalendarSubRow) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`DELETE FROM calendar_subs WHERE player = $1 AND owner = $2 AND asset = $3 AND server = $4`,
		player, sub.Owner, sub.Asset, sub.Server)
	return err
}

func (r *BookmarkRepo) Subscriptions(ctx context.Context, player int64) ([]CalendarSubRow, error) {
	rows, err := r.db.SQL.QueryContext(ctx,
		`SELECT owner, asset, server FROM calendar_subs WHERE player = $1 ORDER BY server, owner, asset`,
		player)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CalendarSubRow
	for rows.Next() {
		var s CalendarSubRow
		if err := rows.Scan(&s.Owner, &s.Asset, &s.Server); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
