package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/spadina/server/internal/acl"
)

// BanDescriptor names a peer server ban. The full descriptor, encoded
// as JSON, is the primary key, so two bans differing in any field
// coexist.
type BanDescriptor struct {
	Server string `json:"server"`
	Reason string `json:"reason,omitempty"`
}

// BanRepo stores peer bans and the server-wide access lists.
type BanRepo struct {
	db *DB
}

func NewBanRepo(db *DB) *BanRepo {
	return &BanRepo{db: db}
}

func (r *BanRepo) Add(ctx context.Context, ban BanDescriptor) error {
	data, err := json.Marshal(ban)
	if err != nil {
		return err
	}
	_, err = r.db.SQL.ExecContext(ctx,
		`INSERT INTO banned_peers (ban) VALUES ($1) ON CONFLICT (ban) DO NOTHING`,
		string(data))
	return err
}

func (r *BanRepo) Remove(ctx context.Context, ban BanDescriptor) error {
	data, err := json.Marshal(ban)
	if err != nil {
		return err
	}
	_, err = r.db.SQL.ExecContext(ctx,
		`DELETE FROM banned_peers WHERE ban = $1`, string(data))
	return err
}

// List returns every ban descriptor.
func (r *BanRepo) List(ctx context.Context) ([]BanDescriptor, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `SELECT ban FROM banned_peers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BanDescriptor
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ban BanDescriptor
		if err := json.Unmarshal([]byte(raw), &ban); err != nil {
			return nil, err
		}
		out = append(out, ban)
	}
	return out, rows.Err()
}

// ServerACL loads a server-wide rule list by kind; missing rows yield
// the default.
func (r *BanRepo) ServerACL(ctx context.Context, kind acl.Kind, def acl.List) (acl.List, error) {
	var raw string
	err := r.db.SQL.QueryRowContext(ctx,
		`SELECT acl FROM server_acls WHERE kind = $1`, string(kind)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return acl.List{}, err
	}
	return acl.Decode([]byte(raw), def)
}

func (r *BanRepo) SetServerACL(ctx context.Context, kind acl.Kind, list acl.List) error {
	data, err := acl.Encode(list)
	if err != nil {
		return err
	}
	_, err = r.db.SQL.ExecContext(ctx,
		`INSERT INTO server_acls (kind, acl) VALUES ($1, $2)
		 ON CONFLICT (kind) DO UPDATE SET acl = EXCLUDED.acl`,
		string(kind), string(data))
	return err
}
