package persist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spadina/server/internal/acl"
	"github.com/spadina/server/internal/config"
	"go.uber.org/zap"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "spadina.db")
	db, err := NewDB(context.Background(), config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          dsn,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDB() error: %v", err)
	}
	t.Cleanup(db.Close)
	if err := RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("RunMigrations() error: %v", err)
	}
	return db
}

var testNow = time.UnixMilli(1_700_000_000_000)

func newTestPlayer(t *testing.T, db *DB, name string) *PlayerRow {
	t.Helper()
	p, err := NewPlayerRepo(db).Create(context.Background(), name, testNow)
	if err != nil {
		t.Fatalf("Create(%s) error: %v", name, err)
	}
	return p
}

func TestPlayerLifecycle(t *testing.T) {
	db := newTestDB(t)
	repo := NewPlayerRepo(db)
	ctx := context.Background()

	p := newTestPlayer(t, db, "alice")
	if p.Debuted {
		t.Error("new players start undebuted")
	}
	if _, err := repo.Create(ctx, "alice", testNow); err == nil {
		t.Error("duplicate name should violate the unique constraint")
	}

	if err := repo.MarkDebuted(ctx, p.ID); err != nil {
		t.Fatalf("MarkDebuted() error: %v", err)
	}
	p2, err := repo.LoadByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("LoadByID() error: %v", err)
	}
	if !p2.Debuted || p2.WaitingForTrain {
		t.Errorf("after debut: debuted=%v waiting=%v", p2.Debuted, p2.WaitingForTrain)
	}

	missing, err := repo.Load(ctx, "nobody")
	if err != nil || missing != nil {
		t.Errorf("Load(nobody) = %v, %v, want nil, nil", missing, err)
	}
}

func TestPlayerACLRoundTrip(t *testing.T) {
	db := newTestDB(t)
	repo := NewPlayerRepo(db)
	ctx := context.Background()
	p := newTestPlayer(t, db, "bob")

	deny, _ := acl.Parse("*@spam.example", false)
	list := acl.List{Rules: []acl.Rule{deny}, Default: true}
	if err := repo.SetACL(ctx, p.ID, acl.KindMessage, list); err != nil {
		t.Fatalf("SetACL() error: %v", err)
	}
	p2, _ := repo.LoadByID(ctx, p.ID)
	if p2.MessageACL.Check("anyone", "spam.example") {
		t.Error("stored deny rule did not apply")
	}
	if !p2.MessageACL.Check("friend", "other.example") {
		t.Error("stored default allow did not apply")
	}
}

func TestRealmUniquePerOwnerAsset(t *testing.T) {
	db := newTestDB(t)
	repo := NewRealmRepo(db)
	ctx := context.Background()
	p := newTestPlayer(t, db, "carol")

	realm, err := repo.Create(ctx, p.ID, "aabb", 7, "home", nil, testNow)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := repo.Create(ctx, p.ID, "aabb", 8, "dup", nil, testNow); err == nil {
		t.Error("second realm for the same (owner, asset) should fail")
	}

	if err := repo.SaveState(ctx, realm.ID, []byte{1, 2, 3}); err != nil {
		t.Fatalf("SaveState() error: %v", err)
	}
	r2, _ := repo.LoadByID(ctx, realm.ID)
	if len(r2.State) != 3 {
		t.Errorf("state = %v, want 3 bytes", r2.State)
	}
}

func TestRealmChatMonotonicAndDeduped(t *testing.T) {
	db := newTestDB(t)
	players := NewPlayerRepo(db)
	realms := NewRealmRepo(db)
	chats := NewChatRepo(db)
	ctx := context.Background()

	p := newTestPlayer(t, db, "dave")
	realm, _ := realms.Create(ctx, p.ID, "cc00", 1, "", nil, testNow)
	_ = players

	ts1, err := chats.RecordRealm(ctx, realm.ID, "dave", "one", testNow)
	if err != nil {
		t.Fatalf("RecordRealm() error: %v", err)
	}
	// Same millisecond: stamp must advance, not collide.
	ts2, err := chats.RecordRealm(ctx, realm.ID, "dave", "two", testNow)
	if err != nil {
		t.Fatalf("RecordRealm() error: %v", err)
	}
	if ts2 <= ts1 {
		t.Errorf("stamps not monotonic: %d then %d", ts1, ts2)
	}

	tail, err := chats.RealmTail(ctx, realm.ID, 10)
	if err != nil {
		t.Fatalf("RealmTail() error: %v", err)
	}
	if len(tail) != 2 || tail[0].Body != "one" || tail[1].Body != "two" {
		t.Errorf("tail = %+v", tail)
	}
}

// Scenario: outbound row exists while the peer is down; redelivery
// after reconnect dedupes on the primary key.
func TestRemoteChatExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	chats := NewChatRepo(db)
	ctx := context.Background()
	p := newTestPlayer(t, db, "alice")

	ts, err := chats.NextRemoteStamp(ctx, p.ID, "bob@s2.example", testNow)
	if err != nil {
		t.Fatalf("NextRemoteStamp() error: %v", err)
	}
	out := RemoteChatRow{Player: p.ID, Inbound: false, Remote: "bob@s2.example", Created: ts, Body: "hi"}
	fresh, err := chats.RecordRemote(ctx, out)
	if err != nil || !fresh {
		t.Fatalf("RecordRemote() = %v, %v, want fresh", fresh, err)
	}

	pending, err := chats.Undelivered(ctx, "s2.example")
	if err != nil || len(pending) != 1 {
		t.Fatalf("Undelivered() = %+v, %v, want one row", pending, err)
	}

	// The peer acknowledges; a replay of the same row must be a no-op.
	if err := chats.MarkDelivered(ctx, p.ID, "bob@s2.example", ts); err != nil {
		t.Fatalf("MarkDelivered() error: %v", err)
	}
	fresh, err = chats.RecordRemote(ctx, out)
	if err != nil {
		t.Fatalf("replay RecordRemote() error: %v", err)
	}
	if fresh {
		t.Error("replayed row was treated as new")
	}
	if pending, _ := chats.Undelivered(ctx, "s2.example"); len(pending) != 0 {
		t.Errorf("still undelivered after ack: %+v", pending)
	}
}

func TestBookmarksAndSubscriptions(t *testing.T) {
	db := newTestDB(t)
	repo := NewBookmarkRepo(db)
	ctx := context.Background()
	p := newTestPlayer(t, db, "erin")

	mark := BookmarkRow{Kind: "realm", Value: "alice/aabb@s1.example"}
	if err := repo.Upsert(ctx, p.ID, mark); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if err := repo.Upsert(ctx, p.ID, mark); err != nil {
		t.Fatalf("double Upsert() error: %v", err)
	}
	list, _ := repo.List(ctx, p.ID)
	if len(list) != 1 {
		t.Errorf("List() = %+v, want one row", list)
	}
	if err := repo.Remove(ctx, p.ID, mark); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if list, _ = repo.List(ctx, p.ID); len(list) != 0 {
		t.Errorf("List() after remove = %+v", list)
	}

	sub := CalendarSubRow{Owner: "alice", Asset: "aabb", Server: "s2.example"}
	if err := repo.Subscribe(ctx, p.ID, sub); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	subs, _ := repo.Subscriptions(ctx, p.ID)
	if len(subs) != 1 || subs[0] != sub {
		t.Errorf("Subscriptions() = %+v", subs)
	}
}

func TestBans(t *testing.T) {
	db := newTestDB(t)
	repo := NewBanRepo(db)
	ctx := context.Background()

	ban := BanDescriptor{Server: "evil.example", Reason: "spam"}
	if err := repo.Add(ctx, ban); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := repo.Add(ctx, ban); err != nil {
		t.Fatalf("duplicate Add() error: %v", err)
	}
	bans, _ := repo.List(ctx)
	if len(bans) != 1 || bans[0].Server != "evil.example" {
		t.Errorf("List() = %+v", bans)
	}
	if err := repo.Remove(ctx, ban); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if bans, _ = repo.List(ctx); len(bans) != 0 {
		t.Errorf("List() after remove = %+v", bans)
	}
}

func TestTrainConfigAndProgress(t *testing.T) {
	db := newTestDB(t)
	repo := NewTrainRepo(db)
	ctx := context.Background()
	p := newTestPlayer(t, db, "frank")

	for i, assetID := range []string{"car0", "car1", "car2"} {
		if err := repo.UpsertCar(ctx, TrainCarRow{Asset: assetID, Sequence: int64(i), AllowedFirst: i == 0}); err != nil {
			t.Fatalf("UpsertCar() error: %v", err)
		}
	}
	cars, err := repo.Cars(ctx)
	if err != nil || len(cars) != 3 {
		t.Fatalf("Cars() = %+v, %v", cars, err)
	}
	if cars[0].Asset != "car0" || !cars[0].AllowedFirst {
		t.Errorf("cars[0] = %+v", cars[0])
	}

	if err := repo.MarkCompleted(ctx, p.ID, "car0"); err != nil {
		t.Fatalf("MarkCompleted() error: %v", err)
	}
	done, _ := repo.Completed(ctx, p.ID)
	if !done["car0"] || done["car1"] {
		t.Errorf("Completed() = %v", done)
	}
}

func TestAuthRepos(t *testing.T) {
	db := newTestDB(t)
	repo := NewAuthRepo(db)
	ctx := context.Background()

	if err := repo.UpsertOTP(ctx, OTPRow{Name: "alice", SecretHash: "x"}); err != nil {
		t.Fatalf("UpsertOTP() error: %v", err)
	}
	row, err := repo.LoadOTP(ctx, "alice")
	if err != nil || row == nil || row.SecretHash != "x" {
		t.Fatalf("LoadOTP() = %+v, %v", row, err)
	}
	if err := repo.SetOTPLocked(ctx, "alice", true); err != nil {
		t.Fatalf("SetOTPLocked() error: %v", err)
	}
	row, _ = repo.LoadOTP(ctx, "alice")
	if !row.Locked {
		t.Error("lock did not persist")
	}

	if err := repo.UpsertOIDC(ctx, OIDCRow{Name: "bob", Issuer: "https://idp.example", Subject: "s-1"}); err != nil {
		t.Fatalf("UpsertOIDC() error: %v", err)
	}
	oidc, _ := repo.LoadOIDC(ctx, "bob")
	if oidc == nil || oidc.Subject != "s-1" {
		t.Errorf("LoadOIDC() = %+v", oidc)
	}
}
