package persist

import (
	"context"
	"time"
)

// ChatRepo records the three chat families. Primary keys dedupe
// replays; RecordX bumps the created stamp forward when a sender posts
// twice inside one millisecond, keeping created strictly monotonic per
// pair.
type ChatRepo struct {
	db *DB
}

func NewChatRepo(db *DB) *ChatRepo {
	return &ChatRepo{db: db}
}

type RealmChatRow struct {
	Realm     int64
	Principal string
	Created   int64 // unix ms
	Body      string
}

type LocalChatRow struct {
	Sender    int64
	Recipient int64
	Created   int64
	Body      string
}

type RemoteChatRow struct {
	Player    int64
	Inbound   bool
	Remote    string
	Created   int64
	Body      string
	Delivered bool
}

func monotonic(now time.Time, last int64) int64 {
	ts := now.UnixMilli()
	if ts <= last {
		ts = last + 1
	}
	return ts
}

// RecordRealm inserts one realm chat line and returns its stamp.
func (r *ChatRepo) RecordRealm(ctx context.Context, realm int64, principal, body string, now time.Time) (int64, error) {
	var last int64
	r.db.SQL.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created), 0) FROM realm_chats WHERE realm = $1 AND principal = $2`,
		realm, principal).Scan(&last)
	ts := monotonic(now, last)
	_, err := r.db.SQL.ExecContext(ctx,
		`INSERT INTO realm_chats (realm, principal, created, body) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (realm, principal, created) DO NOTHING`,
		realm, principal, ts, body)
	return ts, err
}

// RealmTail returns the most recent n lines, oldest first.
func (r *ChatRepo) RealmTail(ctx context.Context, realm int64, n int) ([]RealmChatRow, error) {
	rows, err := r.db.SQL.QueryContext(ctx,
		`SELECT realm, principal, created, body FROM realm_chats
		 WHERE realm = $1 ORDER BY created DESC LIMIT $2`, realm, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RealmChatRow
	for rows.Next() {
		var c RealmChatRow
		if err := rows.Scan(&c.Realm, &c.Principal, &c.Created, &c.Body); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RealmRange returns lines between two stamps inclusive.
func (r *ChatRepo) RealmRange(ctx context.Context, realm int64, from, to int64) ([]RealmChatRow, error) {
	rows, err := r.db.SQL.QueryContext(ctx,
		`SELECT realm, principal, created, body FROM realm_chats
		 WHERE realm = $1 AND created >= $2 AND created <= $3 ORDER BY created`, realm, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RealmChatRow
	for rows.Next() {
		var c RealmChatRow
		if err := rows.Scan(&c.Realm, &c.Principal, &c.Created, &c.Body); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordLocal inserts one direct message between two local players.
func (r *ChatRepo) RecordLocal(ctx context.Context, sender, recipient int64, body string, now time.Time) (int64, error) {
	var last int64
	r.db.SQL.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created), 0) FROM local_chats WHERE sender = $1 AND recipient = $2`,
		sender, recipient).Scan(&last)
	ts := monotonic(now, last)
	_, err := r.db.SQL.ExecContext(ctx,
		`INSERT INTO local_chats (sender, recipient, created, body) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (sender, recipient, created) DO NOTHING`,
		sender, recipient, ts, body)
	return ts, err
}

// RecordRemote inserts one cross-server message row. For outbound rows
// the stamp comes from the monotonic clock; inbound rows keep the
// sender's stamp so the primary key dedupes redelivery after a
// reconnect. Reports whether the row was new.
func (r *ChatRepo) RecordRemote(ctx context.Context, row RemoteChatRow) (bool, error) {
	res, err := r.db.SQL.ExecContext(ctx,
		`INSERT INTO remote_chats (player, inbound, remote, created, body, delivered)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (player, inbound, remote, created) DO NOTHING`,
		row.Player, row.Inbound, row.Remote, row.Created, row.Body, row.Delivered)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// NextRemoteStamp returns a strictly monotonic stamp for an outbound
// message to one remote principal.
func (r *ChatRepo) NextRemoteStamp(ctx context.Context, player int64, remote string, now time.Time) (int64, error) {
	var last int64
	err := r.db.SQL.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created), 0) FROM remote_chats
		 WHERE player = $1 AND remote = $2 AND inbound = FALSE`,
		player, remote).Scan(&last)
	if err != nil {
		return 0, err
	}
	return monotonic(now, last), nil
}

// Undelivered lists outbound rows not yet acknowledged to a server,
// oldest first; the peer layer replays them on reconnect.
func (r *ChatRepo) Undelivered(ctx context.Context, serverSuffix string) ([]RemoteChatRow, error) {
	rows, err := r.db.SQL.QueryContext(ctx,
		`SELECT player, inbound, remote, created, body, delivered FROM remote_chats
		 WHERE inbound = FALSE AND delivered = FALSE AND remote LIKE $1 ORDER BY created`,
		"%@"+serverSuffix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RemoteChatRow
	for rows.Next() {
		var c RemoteChatRow
		if err := rows.Scan(&c.Player, &c.Inbound, &c.Remote, &c.Created, &c.Body, &c.Delivered); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkDelivered flags one outbound row after the peer accepts it.
func (r *ChatRepo) MarkDelivered(ctx context.Context, player int64, remote string, created int64) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE remote_chats SET delivered = TRUE
		 WHERE player = $1 AND remote = $2 AND created = $3 AND inbound = FALSE`,
		player, remote, created)
	return err
}
