package persist

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/spadina/server/internal/acl"
)

type RealmRow struct {
	ID           int64
	Owner        int64
	Asset        string
	Seed         int64
	Name         string
	InDirectory  bool
	Settings     []byte
	AccessACL    acl.List
	AdminACL     acl.List
	State        []byte
	Train        *int64
	PuzzleBroken bool
	Created      time.Time
}

type RealmRepo struct {
	db *DB
}

func NewRealmRepo(db *DB) *RealmRepo {
	return &RealmRepo{db: db}
}

const realmColumns = `id, owner, asset, seed, name, in_directory, settings,
	        access_acl, admin_acl, state, train, puzzle_broken, created`

func scanRealm(row *sql.Row) (*RealmRow, error) {
	r := &RealmRow{}
	var accessACL, adminACL string
	var train sql.NullInt64
	var created int64
	err := row.Scan(
		&r.ID, &r.Owner, &r.Asset, &r.Seed, &r.Name, &r.InDirectory, &r.Settings,
		&accessACL, &adminACL, &r.State, &train, &r.PuzzleBroken, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.AccessACL, err = acl.Decode([]byte(accessACL), acl.DefaultAccess()); err != nil {
		return nil, err
	}
	if r.AdminACL, err = acl.Decode([]byte(adminACL), acl.DefaultAccess()); err != nil {
		return nil, err
	}
	if train.Valid {
		r.Train = &train.Int64
	}
	r.Created = time.UnixMilli(created)
	return r, nil
}

func (r *RealmRepo) Load(ctx context.Context, owner int64, assetID string) (*RealmRow, error) {
	return scanRealm(r.db.SQL.QueryRowContext(ctx,
		`SELECT `+realmColumns+` FROM realms WHERE owner = $1 AND asset = $2`,
		owner, assetID))
}

func (r *RealmRepo) LoadByID(ctx context.Context, id int64) (*RealmRow, error) {
	return scanRealm(r.db.SQL.QueryRowContext(ctx,
		`SELECT `+realmColumns+` FROM realms WHERE id = $1`, id))
}

// Create inserts a realm row. The (owner, asset) unique key makes a
// concurrent duplicate creation fail rather than fork state.
func (r *RealmRepo) Create(ctx context.Context, owner int64, assetID string, seed int64, name string, train *int64, now time.Time) (*RealmRow, error) {
	_, err := r.db.SQL.ExecContext(ctx,
		`INSERT INTO realms (owner, asset, seed, name, train, created)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		owner, assetID, seed, name, train, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	return r.Load(ctx, owner, assetID)
}

// SaveState journals the runtime state after a stable fixpoint.
func (r *RealmRepo) SaveState(ctx context.Context, id int64, state []byte) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE realms SET state = $2 WHERE id = $1`, id, state)
	return err
}

func (r *RealmRepo) SetPuzzleBroken(ctx context.Context, id int64, broken bool) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE realms SET puzzle_broken = $2 WHERE id = $1`, id, broken)
	return err
}

func (r *RealmRepo) SetName(ctx context.Context, id int64, name string) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE realms SET name = $2 WHERE id = $1`, id, name)
	return err
}

func (r *RealmRepo) SetInDirectory(ctx context.Context, id int64, in bool) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE realms SET in_directory = $2 WHERE id = $1`, id, in)
	return err
}

func (r *RealmRepo) SaveSettings(ctx context.Context, id int64, settings []byte) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE realms SET settings = $2 WHERE id = $1`, id, settings)
	return err
}

func (r *RealmRepo) SetACL(ctx context.Context, id int64, kind acl.Kind, list acl.List) error {
	data, err := acl.Encode(list)
	if err != nil {
		return err
	}
	var column string
	switch kind {
	case acl.KindAccess:
		column = "access_acl"
	case acl.KindAdmin:
		column = "admin_acl"
	default:
		return errors.New("persist: realm has no such acl kind")
	}
	_, err = r.db.SQL.ExecContext(ctx,
		`UPDATE realms SET `+column+` = $2 WHERE id = $1`, id, string(data))
	return err
}

// Delete removes a realm and its dependents; explicit deletion is the
// only way a realm dies.
func (r *RealmRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.SQL.ExecContext(ctx, `DELETE FROM realms WHERE id = $1`, id)
	return err
}

// ReferencedAssets lists every template asset referenced by any realm,
// for the store's eviction sweep.
func (r *RealmRepo) ReferencedAssets(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `SELECT DISTINCT asset FROM realms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ── Announcements ──────────────────────────────────────────────────

type AnnouncementRow struct {
	ID      int64
	Realm   int64
	Title   string
	Body    string
	When    int64
	Expires int64
}

func (r *RealmRepo) Announcements(ctx context.Context, realm int64) ([]AnnouncementRow, error) {
	rows, err := r.db.SQL.QueryContext(ctx,
		`SELECT id, realm, title, body, when_at, expires
		 FROM realm_announcements WHERE realm = $1 ORDER BY id`, realm)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnnouncementRow
	for rows.Next() {
		var a AnnouncementRow
		if err := rows.Scan(&a.ID, &a.Realm, &a.Title, &a.Body, &a.When, &a.Expires); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *RealmRepo) AddAnnouncement(ctx context.Context, a AnnouncementRow) (int64, error) {
	var id int64
	err := r.db.SQL.QueryRowContext(ctx,
		`INSERT INTO realm_announcements (realm, title, body, when_at, expires)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		a.Realm, a.Title, a.Body, a.When, a.Expires).Scan(&id)
	return id, err
}

func (r *RealmRepo) ClearAnnouncement(ctx context.Context, realm, id int64) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`DELETE FROM realm_announcements WHERE realm = $1 AND id = $2`, realm, id)
	return err
}
