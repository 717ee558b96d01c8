package realm

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spadina/server/internal/acl"
	"github.com/spadina/server/internal/config"
	"github.com/spadina/server/internal/manifold"
	"github.com/spadina/server/internal/persist"
	"github.com/spadina/server/internal/puzzle"
	"github.com/spadina/server/internal/wire"
	"go.uber.org/zap"
)

// fakeOutbox records everything delivered to one player.
type fakeOutbox struct {
	mu       sync.Mutex
	messages []wire.ServerMessage
	dropped  string
}

func (f *fakeOutbox) Deliver(msg wire.ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeOutbox) Drop(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = reason
}

func (f *fakeOutbox) find(kind wire.ServerKind) (wire.ServerMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].Kind == kind {
			return f.messages[i], true
		}
	}
	return wire.ServerMessage{}, false
}

type fakeMover struct {
	mu    sync.Mutex
	moves []wire.Link
}

func (f *fakeMover) MoveAlong(principal string, localID int64, link wire.Link) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, link)
}

func (f *fakeMover) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.moves)
}

type harness struct {
	db      *persist.DB
	realm   *Instance
	mover   *fakeMover
	owner   *persist.PlayerRow
	cancel  context.CancelFunc
	players *persist.PlayerRepo
}

func pt(x, y uint32) wire.Point { return wire.Point{Surface: 0, X: x, Y: y} }

// doorManifold: spawn (0,0) -1-> (1,0) -2[gate 5]-> (2,0), with area 1
// covering the spawn column.
func doorManifold() manifold.Def {
	return manifold.Def{
		Edges: []manifold.Edge{
			{ID: 1, From: pt(0, 0), To: pt(1, 0), Duration: 10},
			{ID: 2, From: pt(1, 0), To: pt(2, 0), Duration: 10,
				Gate: &manifold.GateRef{Kind: manifold.GatePuzzle, ID: 5}},
		},
		Spawns: []wire.Point{pt(0, 0)},
		Areas:  []manifold.Area{{ID: 1, Surface: 0, MinX: 0, MinY: 0, MaxX: 0, MaxY: 0}},
	}
}

func newHarness(t *testing.T, tpl *puzzle.Template, grace time.Duration, onIdle func(*Instance)) *harness {
	t.Helper()
	allowAll, _ := acl.Parse("*", true)
	return newHarnessACL(t, tpl, grace, onIdle, acl.List{Rules: []acl.Rule{allowAll}})
}

func newHarnessACL(t *testing.T, tpl *puzzle.Template, grace time.Duration, onIdle func(*Instance), access acl.List) *harness {
	t.Helper()
	db, err := persist.NewDB(context.Background(), config.DatabaseConfig{
		Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 1, MaxIdleConns: 1,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDB() error: %v", err)
	}
	t.Cleanup(db.Close)
	if err := persist.RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("RunMigrations() error: %v", err)
	}

	players := persist.NewPlayerRepo(db)
	realms := persist.NewRealmRepo(db)
	owner, err := players.Create(context.Background(), "owner", time.Now())
	if err != nil {
		t.Fatalf("Create(owner) error: %v", err)
	}
	row, err := realms.Create(context.Background(), owner.ID, "aabb", 7, "test realm", nil, time.Now())
	if err != nil {
		t.Fatalf("Create(realm) error: %v", err)
	}
	if err := realms.SetACL(context.Background(), row.ID, acl.KindAccess, access); err != nil {
		t.Fatalf("SetACL() error: %v", err)
	}
	row.AccessACL = access

	rt, err := tpl.Build(row.Seed)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	man, err := manifold.Compile(&tpl.Manifold)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	mover := &fakeMover{}
	inst := New(row, "owner", rt, man, Deps{
		ServerName: "s1.example",
		Realms:     realms,
		Players:    players,
		Chats:      persist.NewChatRepo(db),
		Mover:      mover,
		OnIdle:     onIdle,
		Log:        zap.NewNop(),
		ChatTail:   20,
		IdleGrace:  grace,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go inst.Run(ctx)
	t.Cleanup(cancel)
	return &harness{db: db, realm: inst, mover: mover, owner: owner, cancel: cancel, players: players}
}

func (h *harness) join(t *testing.T, principal string, localID int64) *fakeOutbox {
	t.Helper()
	out := &fakeOutbox{}
	status := make(chan wire.ResponseStatus, 1)
	h.realm.Submit(Input{
		Kind: InPlayerJoined, Principal: principal, LocalID: localID, Outbox: out,
		Reply: func(s wire.ResponseStatus, _ string) { status <- s },
	})
	select {
	case s := <-status:
		if s != wire.StatusSuccess {
			t.Fatalf("join %s: status %d", principal, s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("join %s: timed out", principal)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// doorPuzzle: Button 1 drives Switch 2 drives Sink 3 bound to gate 5.
func doorPuzzle() *puzzle.Template {
	return &puzzle.Template{
		Manifold: doorManifold(),
		Pieces: []puzzle.PieceDef{
			{ID: 1, Kind: "Button"},
			{ID: 2, Kind: "Switch"},
			{ID: 3, Kind: "Sink", Settings: map[string]any{"type": "bool"}},
		},
		Propagation: []puzzle.PropagationRule{
			{Src: 1, Event: puzzle.EventChanged, Transformer: puzzle.Transformer{Kind: puzzle.TransformDiscard}, Dst: 2, Command: "Toggle"},
			{Src: 2, Event: puzzle.EventChanged, Transformer: puzzle.Transformer{Kind: puzzle.TransformCopy}, Dst: 3, Command: "Set"},
		},
		Consequence: []puzzle.ConsequenceRule{
			{Src: 3, Event: puzzle.EventChanged, Kind: puzzle.ConsequenceGate, Gate: 5},
		},
	}
}

func TestJoinSnapshotAndPresence(t *testing.T) {
	h := newHarness(t, doorPuzzle(), 0, nil)
	alice := h.join(t, "alice", 2)

	waitFor(t, func() bool {
		_, ok := alice.find(wire.SRealmSnapshot)
		return ok
	}, "snapshot")
	snap, _ := alice.find(wire.SRealmSnapshot)
	if snap.Snap.Name != "test realm" || snap.Snap.Asset != "aabb" {
		t.Errorf("snapshot = %+v", snap.Snap)
	}
	if len(snap.Snap.Gates) != 1 || snap.Snap.Gates[0].Edge != 2 || snap.Snap.Gates[0].Open {
		t.Errorf("snapshot gates = %+v, want edge 2 closed", snap.Snap.Gates)
	}

	bob := h.join(t, "bob@s2.example", 0)
	waitFor(t, func() bool {
		msg, ok := alice.find(wire.SPresenceChanged)
		return ok && msg.Player == "bob@s2.example" && msg.Online
	}, "presence broadcast")
	_ = bob
}

func TestAccessDenied(t *testing.T) {
	deny, _ := acl.Parse("*@s3.example", false)
	allow, _ := acl.Parse("*", true)
	h := newHarnessACL(t, doorPuzzle(), 0, nil,
		acl.List{Rules: []acl.Rule{deny, allow}})

	out := &fakeOutbox{}
	status := make(chan wire.ResponseStatus, 1)
	detail := make(chan string, 1)
	h.realm.Submit(Input{
		Kind: InPlayerJoined, Principal: "mallory@s3.example", Outbox: out,
		Reply: func(s wire.ResponseStatus, d string) { status <- s; detail <- d },
	})
	select {
	case s := <-status:
		if s != wire.StatusNotAllowed {
			t.Fatalf("status = %d, want NotAllowed", s)
		}
		if d := <-detail; d != "access denied" {
			t.Errorf("detail = %q", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	// The first-match deny is selective, not a blanket refusal.
	h.join(t, "trudy@s4.example", 0)
}

func TestButtonOpensGateAndCommitsPending(t *testing.T) {
	h := newHarness(t, doorPuzzle(), 0, nil)
	alice := h.join(t, "alice", 2)

	// Walk toward the gated point: edge 1 commits, edge 2 pends.
	h.realm.Submit(Input{
		Kind: InPlayerAction, Principal: "alice",
		Actions: []wire.Action{{Kind: wire.ActionMove, To: pt(2, 0)}},
	})
	waitFor(t, func() bool {
		msg, ok := alice.find(wire.SCommittedPath)
		return ok && len(msg.Steps) == 1 && msg.Steps[0].Edge == 1
	}, "committed prefix")

	// Press the button; the gate opens and the pending suffix commits.
	h.realm.Submit(Input{
		Kind: InPlayerAction, Principal: "alice",
		Actions: []wire.Action{{Kind: wire.ActionInteraction, Target: 1, Name: "Press", Value: wire.Empty()}},
	})
	waitFor(t, func() bool {
		msg, ok := alice.find(wire.SGateChanged)
		return ok && len(msg.Gates) == 1 && msg.Gates[0].Open
	}, "gate broadcast")
	waitFor(t, func() bool {
		msg, ok := alice.find(wire.SCommittedPath)
		return ok && msg.Steps[len(msg.Steps)-1].Edge == 2
	}, "pending suffix commit")
}

func TestBudgetBreakEjectsHome(t *testing.T) {
	tpl := doorPuzzle()
	tpl.Pieces = append(tpl.Pieces,
		puzzle.PieceDef{ID: 10, Kind: "Counter", Settings: map[string]any{"max": int64(1 << 30)}},
		puzzle.PieceDef{ID: 11, Kind: "Counter", Settings: map[string]any{"max": int64(1 << 30)}},
	)
	tpl.Propagation = append(tpl.Propagation,
		puzzle.PropagationRule{Src: 10, Event: puzzle.EventChanged, Transformer: puzzle.Transformer{Kind: puzzle.TransformDiscard}, Dst: 11, Command: "Up"},
		puzzle.PropagationRule{Src: 11, Event: puzzle.EventChanged, Transformer: puzzle.Transformer{Kind: puzzle.TransformDiscard}, Dst: 10, Command: "Up"},
	)
	h := newHarness(t, tpl, 0, nil)
	h.join(t, "alice", 2)

	h.realm.Submit(Input{
		Kind: InPlayerAction, Principal: "alice",
		Actions: []wire.Action{{Kind: wire.ActionInteraction, Target: 10, Name: "Up", Value: wire.Empty()}},
	})
	waitFor(t, func() bool { return h.mover.count() >= 1 }, "home ejection")
	h.mover.mu.Lock()
	defer h.mover.mu.Unlock()
	if h.mover.moves[0].Kind != wire.LinkHome {
		t.Errorf("ejection link = %+v, want home", h.mover.moves[0])
	}

	// A broken realm refuses new admissions.
	status := make(chan wire.ResponseStatus, 1)
	h.realm.Submit(Input{
		Kind: InPlayerJoined, Principal: "owner", LocalID: h.owner.ID, Outbox: &fakeOutbox{},
		Reply: func(s wire.ResponseStatus, _ string) { status <- s },
	})
	if s := <-status; s != wire.StatusNotAllowed {
		t.Errorf("broken realm join status = %d, want NotAllowed", s)
	}
}

// Proximity link: the third player entering the area sends everyone
// home.
func TestProximityEjection(t *testing.T) {
	tpl := &puzzle.Template{
		Manifold: doorManifold(),
		Pieces: []puzzle.PieceDef{
			{ID: 1, Kind: "Proximity", Settings: map[string]any{"area": int64(1)}},
			{ID: 2, Kind: "Sink", Settings: map[string]any{"type": "int"}},
		},
		Propagation: []puzzle.PropagationRule{
			{Src: 1, Event: puzzle.EventChanged, Transformer: puzzle.Transformer{Kind: puzzle.TransformFilter, Op: "ge", Rhs: 3}, Dst: 2, Command: "Set"},
			{Src: 2, Event: puzzle.EventChanged, Transformer: puzzle.Transformer{Kind: puzzle.TransformLiteral, Literal: wire.ToLink(wire.Link{Kind: wire.LinkHome})}, Dst: 1, Command: "Send"},
		},
	}
	h := newHarness(t, tpl, 0, nil)
	h.join(t, "alice", 2)
	h.join(t, "bob@s2.example", 0)
	if h.mover.count() != 0 {
		t.Fatal("ejected before the third player arrived")
	}
	h.join(t, "carol", 3)
	waitFor(t, func() bool { return h.mover.count() == 3 }, "three ejections")
}

func TestRealmChat(t *testing.T) {
	h := newHarness(t, doorPuzzle(), 0, nil)
	alice := h.join(t, "alice", 2)
	bob := h.join(t, "bob@s2.example", 0)

	status := make(chan wire.ResponseStatus, 1)
	h.realm.Submit(Input{
		Kind: InChatPosted, Principal: "alice", Body: "hello",
		Reply: func(s wire.ResponseStatus, _ string) { status <- s },
	})
	if s := <-status; s != wire.StatusSuccess {
		t.Fatalf("chat status = %d", s)
	}
	for _, out := range []*fakeOutbox{alice, bob} {
		waitFor(t, func() bool {
			msg, ok := out.find(wire.SChat)
			return ok && msg.Realm && msg.Line.Body == "hello" && msg.Line.Sender == "alice"
		}, "chat broadcast")
	}
}

func TestAnnouncementsRequireAdmin(t *testing.T) {
	h := newHarness(t, doorPuzzle(), 0, nil)
	h.join(t, "alice", 2)

	status := make(chan wire.ResponseStatus, 1)
	h.realm.Submit(Input{
		Kind: InAnnouncementMutated, Principal: "alice", LocalID: 2,
		Announce: wire.Announcement{Title: "party", Body: "tonight"},
		Reply:    func(s wire.ResponseStatus, _ string) { status <- s },
	})
	if s := <-status; s != wire.StatusNotAllowed {
		t.Fatalf("non-admin announcement status = %d, want NotAllowed", s)
	}

	owner := h.join(t, "owner", h.owner.ID)
	h.realm.Submit(Input{
		Kind: InAnnouncementMutated, Principal: "owner", LocalID: h.owner.ID,
		Announce: wire.Announcement{Title: "party", Body: "tonight"},
		Reply:    func(s wire.ResponseStatus, _ string) { status <- s },
	})
	if s := <-status; s != wire.StatusSuccess {
		t.Fatalf("owner announcement status = %d", s)
	}
	waitFor(t, func() bool {
		msg, ok := owner.find(wire.SAnnouncements)
		return ok && len(msg.Notices) == 1 && msg.Notices[0].Title == "party"
	}, "announcement broadcast")
}

func TestIdleUnload(t *testing.T) {
	var mu sync.Mutex
	idled := false
	h := newHarness(t, doorPuzzle(), 20*time.Millisecond, func(*Instance) {
		mu.Lock()
		idled = true
		mu.Unlock()
	})
	h.join(t, "alice", 2)
	h.realm.Submit(Input{Kind: InPlayerLeft, Principal: "alice"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return idled
	}, "idle callback")
}

func TestAccessMutationApplies(t *testing.T) {
	h := newHarness(t, doorPuzzle(), 0, nil)
	h.join(t, "owner", h.owner.ID)

	// The owner tightens the list to deny everyone else.
	status := make(chan wire.ResponseStatus, 1)
	h.realm.Submit(Input{
		Kind: InAccessMutated, Principal: "owner", LocalID: h.owner.ID,
		ACLKind: acl.KindAccess, ACL: acl.List{},
		Reply: func(s wire.ResponseStatus, _ string) { status <- s },
	})
	if s := <-status; s != wire.StatusSuccess {
		t.Fatalf("AccessMutated status = %d", s)
	}

	joined := make(chan wire.ResponseStatus, 1)
	h.realm.Submit(Input{
		Kind: InPlayerJoined, Principal: "mallory@s3.example", Outbox: &fakeOutbox{},
		Reply: func(s wire.ResponseStatus, _ string) { joined <- s },
	})
	if s := <-joined; s != wire.StatusNotAllowed {
		t.Errorf("join after deny-all = %d, want NotAllowed", s)
	}
}
