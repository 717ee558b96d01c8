package persist

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/spadina/server/internal/acl"
	"golang.org/x/text/unicode/norm"
)

type PlayerRow struct {
	ID              int64
	Name            string
	Avatar          string
	MessageACL      acl.List
	OnlineACL       acl.List
	LocationACL     acl.List
	NewRealmACL     acl.List
	WaitingForTrain bool
	Debuted         bool
	LastLogin       *time.Time
	Created         time.Time
}

type PlayerRepo struct {
	db *DB
}

func NewPlayerRepo(db *DB) *PlayerRepo {
	return &PlayerRepo{db: db}
}

// NormalizeName canonicalises a player name for the uniqueness
// constraint: NFKC so visually identical names collide.
func NormalizeName(name string) string {
	return norm.NFKC.String(name)
}

func scanPlayer(row *sql.Row) (*PlayerRow, error) {
	p := &PlayerRow{}
	var msgACL, onACL, locACL, nrACL string
	var lastLogin sql.NullInt64
	var created int64
	err := row.Scan(
		&p.ID, &p.Name, &p.Avatar, &msgACL, &onACL, &locACL, &nrACL,
		&p.WaitingForTrain, &p.Debuted, &lastLogin, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.MessageACL, err = acl.Decode([]byte(msgACL), acl.DefaultMessage()); err != nil {
		return nil, err
	}
	if p.OnlineACL, err = acl.Decode([]byte(onACL), acl.DefaultMessage()); err != nil {
		return nil, err
	}
	if p.LocationACL, err = acl.Decode([]byte(locACL), acl.DefaultAccess()); err != nil {
		return nil, err
	}
	if p.NewRealmACL, err = acl.Decode([]byte(nrACL), acl.DefaultAccess()); err != nil {
		return nil, err
	}
	p.Created = time.UnixMilli(created)
	if lastLogin.Valid {
		t := time.UnixMilli(lastLogin.Int64)
		p.LastLogin = &t
	}
	return p, nil
}

const playerColumns = `id, name, avatar, message_acl, online_acl, location_acl, new_realm_acl,
	        waiting_for_train, debuted, last_login, created`

func (r *PlayerRepo) Load(ctx context.Context, name string) (*PlayerRow, error) {
	return scanPlayer(r.db.SQL.QueryRowContext(ctx,
		`SELECT `+playerColumns+` FROM players WHERE name = $1`, NormalizeName(name)))
}

func (r *PlayerRepo) LoadByID(ctx context.Context, id int64) (*PlayerRow, error) {
	return scanPlayer(r.db.SQL.QueryRowContext(ctx,
		`SELECT `+playerColumns+` FROM players WHERE id = $1`, id))
}

// Create inserts a new, undebuted player.
func (r *PlayerRepo) Create(ctx context.Context, name string, now time.Time) (*PlayerRow, error) {
	name = NormalizeName(name)
	_, err := r.db.SQL.ExecContext(ctx,
		`INSERT INTO players (name, created) VALUES ($1, $2)`,
		name, now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return r.Load(ctx, name)
}

func (r *PlayerRepo) TouchLogin(ctx context.Context, id int64, now time.Time) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE players SET last_login = $2 WHERE id = $1`, id, now.UnixMilli())
	return err
}

func (r *PlayerRepo) SetAvatar(ctx context.Context, id int64, avatar string) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE players SET avatar = $2 WHERE id = $1`, id, avatar)
	return err
}

// SetACL stores one of the player's rule lists.
func (r *PlayerRepo) SetACL(ctx context.Context, id int64, kind acl.Kind, list acl.List) error {
	data, err := acl.Encode(list)
	if err != nil {
		return err
	}
	var column string
	switch kind {
	case acl.KindMessage:
		column = "message_acl"
	case acl.KindOnline:
		column = "online_acl"
	case acl.KindLocation:
		column = "location_acl"
	case acl.KindNewRealm:
		column = "new_realm_acl"
	default:
		return errors.New("persist: player has no such acl kind")
	}
	_, err = r.db.SQL.ExecContext(ctx,
		`UPDATE players SET `+column+` = $2 WHERE id = $1`, id, string(data))
	return err
}

// MarkDebuted flips the debut flag and releases any train wait in one
// transaction.
func (r *PlayerRepo) MarkDebuted(ctx context.Context, id int64) error {
	return r.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE players SET debuted = TRUE WHERE id = $1`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE players SET waiting_for_train = FALSE WHERE id = $1`, id)
		return err
	})
}

func (r *PlayerRepo) SetWaitingForTrain(ctx context.Context, id int64, waiting bool) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE players SET waiting_for_train = $2 WHERE id = $1`, id, waiting)
	return err
}

// Marks loads a player's mark vector for one realm; missing rows are
// an empty vector.
func (r *PlayerRepo) Marks(ctx context.Context, player, realm int64) ([]byte, error) {
	var marks []byte
	err := r.db.SQL.QueryRowContext(ctx,
		`SELECT marks FROM player_marks WHERE player = $1 AND realm = $2`,
		player, realm).Scan(&marks)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return marks, err
}

func (r *PlayerRepo) SaveMarks(ctx context.Context, player, realm int64, marks []byte) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`INSERT INTO player_marks (player, realm, marks) VALUES ($1, $2, $3)
		 ON CONFLICT (player, realm) DO UPDATE SET marks = EXCLUDED.marks`,
		player, realm, marks)
	return err
}
