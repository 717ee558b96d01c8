package realm

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/spadina/server/internal/acl"
	"github.com/spadina/server/internal/manifold"
	"github.com/spadina/server/internal/metrics"
	"github.com/spadina/server/internal/persist"
	"github.com/spadina/server/internal/puzzle"
	"github.com/spadina/server/internal/wire"
	"go.uber.org/zap"
)

// Deps wires a realm instance to the rest of the server.
type Deps struct {
	ServerName string
	Realms     *persist.RealmRepo
	Players    *persist.PlayerRepo
	Chats      *persist.ChatRepo
	Mover      Mover
	// OnIdle fires after the idle grace with an empty roster; the
	// directory unloads the instance.
	OnIdle func(r *Instance)
	// OnDebut fires when a consequence rule sets a local player's
	// debut mark.
	OnDebut func(localID int64)
	// OnComplete fires when a local player completes this realm.
	OnComplete func(localID int64, assetID string)
	Log        *zap.Logger
	ChatTail   int
	IdleGrace  time.Duration
}

type playerState struct {
	roster    wire.PlayerID
	principal string
	localID   int64
	admin     bool
	outbox    Outbox
	marks     markSet
	at        wire.Point
	facing    wire.Direction
	pending   []wire.PathStep
	gen       uint64
	arrival   time.Time // when the committed path ends
	// jitterMs is a rolling average of inbox queueing delay, exported
	// so clients can pad their walk animations.
	jitterMs uint32
}

// Instance is one loaded realm. All fields past the channel are owned
// by the Run goroutine.
type Instance struct {
	ID    int64
	Owner int64
	// OwnerName and Asset identify the realm across the federation.
	OwnerName string
	Asset     string
	Seed      int64
	// Train is the baked-in train-car sequence number, nil for
	// ordinary realms.
	Train *int64

	inbox chan Input

	name     string
	settings map[string]wire.Value
	access   acl.List
	admin    acl.List
	broken   bool

	rt  *puzzle.Runtime
	man *manifold.Manifold
	occ *manifold.Occupancy

	players    map[wire.PlayerID]*playerState
	byName     map[string]*playerState
	nextRoster wire.PlayerID

	wheel *wheel
	deps  Deps
	log   *zap.Logger
	dirty bool
}

type settingsDoc struct {
	_msgpack struct{} `msgpack:",as_array"`
	Settings []wire.Setting
}

// New assembles an instance around a constructed (and, when waking
// from the journal, restored) runtime.
func New(row *persist.RealmRow, ownerName string, rt *puzzle.Runtime, man *manifold.Manifold, deps Deps) *Instance {
	r := &Instance{
		ID:        row.ID,
		Owner:     row.Owner,
		OwnerName: ownerName,
		Asset:     row.Asset,
		Seed:      row.Seed,
		Train:     row.Train,
		inbox:     make(chan Input, 256),
		name:      row.Name,
		settings:  make(map[string]wire.Value),
		access:    row.AccessACL,
		admin:     row.AdminACL,
		broken:    row.PuzzleBroken,
		rt:        rt,
		man:       man,
		occ:       manifold.NewOccupancy(man),
		players:   make(map[wire.PlayerID]*playerState),
		byName:    make(map[string]*playerState),
		deps:      deps,
		log: deps.Log.With(
			zap.Int64("realm", row.ID),
			zap.String("asset", shortID(row.Asset)),
		),
	}
	if len(row.Settings) > 0 {
		var doc settingsDoc
		if err := wire.Unmarshal(row.Settings, &doc); err == nil {
			for _, s := range doc.Settings {
				r.settings[s.Name] = s.Value
			}
		}
	}
	return r
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Run drains the inbox until Shutdown or context cancellation. It owns
// every mutation of realm state, so the runtime and manifold observe a
// total order of stimuli.
func (r *Instance) Run(ctx context.Context) {
	r.wheel = newWheel(ctx)
	defer r.wheel.Stop()

	// Prime time-driven pieces and schedule their first wheel entries.
	if res, err := r.rt.Prime(time.Now()); err != nil {
		r.breakRealm(ctx, err)
	} else {
		r.applyResult(ctx, res, nil)
		r.journal(ctx)
	}

	for {
		select {
		case in := <-r.inbox:
			if in.Kind == InShutdown {
				r.shutdown(ctx, in)
				return
			}
			r.handle(ctx, in)
			if r.dirty {
				r.journal(ctx)
				r.dirty = false
			}
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *Instance) handle(ctx context.Context, in Input) {
	switch in.Kind {
	case InPlayerJoined:
		r.join(ctx, in)
	case InPlayerLeft:
		r.leave(ctx, in.Principal, "")
	case InPlayerAction:
		r.perform(ctx, in)
	case InSchedulerTick:
		r.tick(ctx, in.Piece)
	case InInteractionTick:
		if p := r.byName[in.Principal]; p != nil {
			r.runCommand(ctx, in.Piece, in.Command, in.Value, p, in.Reply)
		}
	case InPeerEvent:
		r.runCommand(ctx, in.Piece, in.Command, in.Value, nil, in.Reply)
	case InSettingChanged:
		r.changeSetting(ctx, in)
	case InKick:
		r.kick(in)
	case InChatPosted:
		r.chat(ctx, in)
	case InChatHistory:
		r.chatHistory(ctx, in)
	case InAnnouncementMutated:
		r.announce(ctx, in)
	case InAccessMutated:
		r.accessMutate(ctx, in)
	case inAdvance:
		r.advance(ctx, in)
	case inIdleCheck:
		if len(r.players) == 0 {
			r.flush()
			if r.deps.OnIdle != nil {
				r.deps.OnIdle(r)
			}
		}
	}
}

// ── Admission ──────────────────────────────────────────────────────

func (r *Instance) allowed(principal string, localID int64, isAdmin bool) (bool, string) {
	if r.broken {
		return false, "realm is out of order"
	}
	if isAdmin || localID == r.Owner {
		return true, ""
	}
	name, server := splitPrincipal(principal)
	if r.access.Check(name, server) {
		return true, ""
	}
	return false, "access denied"
}

func splitPrincipal(principal string) (name, server string) {
	for i := 0; i < len(principal); i++ {
		if principal[i] == '@' {
			return principal[:i], principal[i+1:]
		}
	}
	return principal, ""
}

func (r *Instance) join(ctx context.Context, in Input) {
	if ok, reason := r.allowed(in.Principal, in.LocalID, in.Admin); !ok {
		if in.Reply != nil {
			in.Reply(wire.StatusNotAllowed, reason)
		}
		return
	}
	if old := r.byName[in.Principal]; old != nil {
		// A reconnect supersedes the old session.
		old.outbox.Drop("superseded by a new session")
		r.remove(ctx, old)
	}

	r.nextRoster++
	p := &playerState{
		roster:    r.nextRoster,
		principal: in.Principal,
		localID:   in.LocalID,
		admin:     in.Admin,
		outbox:    in.Outbox,
		marks:     decodeMarks(in.Marks),
		at:        r.man.Spawn(0),
	}
	r.players[p.roster] = p
	r.byName[p.principal] = p

	snap := r.snapshot(ctx, p)
	p.outbox.Deliver(wire.ServerMessage{Kind: wire.SRealmSnapshot, Snap: snap})
	r.broadcastExcept(p, wire.ServerMessage{
		Kind: wire.SPresenceChanged, Player: p.principal, Online: true, At: p.at,
	})
	r.refreshOccupancy(ctx, r.occ.Update(p.roster, p.at))
	if in.Reply != nil {
		in.Reply(wire.StatusSuccess, "")
	}
	r.log.Info("player joined", zap.String("principal", in.Principal))
}

func (r *Instance) leave(ctx context.Context, principal, reason string) {
	p := r.byName[principal]
	if p == nil {
		return
	}
	if reason != "" {
		p.outbox.Drop(reason)
	}
	r.remove(ctx, p)
}

func (r *Instance) remove(ctx context.Context, p *playerState) {
	delete(r.players, p.roster)
	delete(r.byName, p.principal)
	r.saveMarks(ctx, p)
	r.refreshOccupancy(ctx, r.occ.Remove(p.roster))
	r.broadcastExcept(p, wire.ServerMessage{
		Kind: wire.SPresenceChanged, Player: p.principal, Online: false,
	})
	if len(r.players) == 0 && r.deps.IdleGrace > 0 {
		r.wheel.After(r.deps.IdleGrace, func(ctx context.Context) {
			r.submit(ctx, Input{Kind: inIdleCheck})
		})
	}
}

func (r *Instance) snapshot(ctx context.Context, p *playerState) wire.Snapshot {
	snap := wire.Snapshot{
		Name:       r.name,
		Asset:      r.Asset,
		Seed:       r.Seed,
		Properties: r.rt.Properties(),
		Gates:      r.man.GatedEdges(r.rt.Gates()),
		Spawn:      p.at,
		JitterMs:   p.jitterMs,
	}
	for name, v := range r.settings {
		snap.Settings = append(snap.Settings, wire.Setting{Name: name, Value: v})
	}
	sort.Slice(snap.Settings, func(i, j int) bool { return snap.Settings[i].Name < snap.Settings[j].Name })
	for _, other := range r.players {
		snap.Players = append(snap.Players, other.principal)
	}
	sort.Strings(snap.Players)
	if rows, err := r.deps.Chats.RealmTail(ctx, r.ID, r.deps.ChatTail); err == nil {
		for _, row := range rows {
			snap.Chat = append(snap.Chat, wire.ChatLine{Sender: row.Principal, Created: row.Created, Body: row.Body})
		}
	}
	if rows, err := r.deps.Realms.Announcements(ctx, r.ID); err == nil {
		for _, row := range rows {
			snap.Announcements = append(snap.Announcements, wire.Announcement{
				ID: uint32(row.ID), Title: row.Title, Body: row.Body, When: row.When, Expires: row.Expires,
			})
		}
	}
	return snap
}

// ── Actions and movement ───────────────────────────────────────────

func (r *Instance) perform(ctx context.Context, in Input) {
	p := r.byName[in.Principal]
	if p == nil {
		if in.Reply != nil {
			in.Reply(wire.StatusNotAllowed, "not in this realm")
		}
		return
	}
	if !in.At.IsZero() {
		delay := time.Since(in.At)
		if delay < 0 {
			delay = 0
		}
		// Rolling average, weighted 7:1 toward history.
		p.jitterMs = uint32((uint64(p.jitterMs)*7 + uint64(delay.Milliseconds())) / 8)
	}
	for _, action := range in.Actions {
		switch action.Kind {
		case wire.ActionMove:
			r.move(ctx, p, action.To)
		case wire.ActionRotate:
			p.facing = action.Facing
		case wire.ActionInteraction:
			r.interact(ctx, p, action)
		case wire.ActionEmote:
			r.broadcast(wire.ServerMessage{
				Kind: wire.SEmote, Player: p.principal,
				Animation: action.Animation, Duration: action.Duration,
			})
		}
	}
	if in.Reply != nil {
		in.Reply(wire.StatusSuccess, "")
	}
}

func (r *Instance) move(ctx context.Context, p *playerState, to wire.Point) {
	plan := r.man.PlanPath(p.at, to, p.marks, r.rt.Gates())
	p.gen++
	p.pending = plan.Pending
	if len(plan.Committed) == 0 && len(plan.Pending) > 0 {
		// Standing at a closed gate; wait for it.
		return
	}
	r.commitSteps(ctx, p, plan.Committed)
	// An open gate directly ahead commits through immediately.
	r.recheckPending(ctx, p)
}

// commitSteps broadcasts a committed chunk and schedules the position
// advances that drive occupancy.
func (r *Instance) commitSteps(ctx context.Context, p *playerState, steps []wire.PathStep) {
	if len(steps) == 0 {
		return
	}
	base := time.Now()
	r.broadcast(wire.ServerMessage{
		Kind: wire.SCommittedPath, Player: p.principal,
		Base: base.UnixMilli(), Steps: steps,
	})
	p.arrival = base.Add(time.Duration(steps[len(steps)-1].At) * time.Millisecond)
	gen := p.gen
	principal := p.principal
	for _, step := range steps {
		at := step.To
		r.wheel.After(time.Duration(step.At)*time.Millisecond, func(ctx context.Context) {
			r.submit(ctx, Input{Kind: inAdvance, Principal: principal, Point: at, Gen: gen})
		})
	}
}

func (r *Instance) advance(ctx context.Context, in Input) {
	p := r.byName[in.Principal]
	if p == nil || p.gen != in.Gen {
		return
	}
	p.at = in.Point
	r.refreshOccupancy(ctx, r.occ.Update(p.roster, p.at))
}

// recheckAllPending re-examines stored suffixes after gate changes, in
// roster order so simultaneous arrivals resolve deterministically.
func (r *Instance) recheckAllPending(ctx context.Context) {
	ids := make([]wire.PlayerID, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		r.recheckPending(ctx, r.players[id])
	}
}

func (r *Instance) recheckPending(ctx context.Context, p *playerState) {
	if len(p.pending) == 0 {
		return
	}
	// The generation stays: a committed chunk extends the same walk,
	// and the prefix's scheduled advances must keep applying.
	commit, rest := r.man.NextChunk(p.pending, p.marks, r.rt.Gates())
	p.pending = rest
	if len(commit) == 0 {
		return
	}
	r.commitSteps(ctx, p, commit)
}

func (r *Instance) interact(ctx context.Context, p *playerState, action wire.Action) {
	piece, ok := r.rt.Piece(action.Target)
	if !ok {
		return
	}
	if want, ok := piece.CommandType(action.Name); !ok || want != action.Value.Kind {
		return
	}
	if action.Name == puzzle.CommandOccupants {
		return
	}
	// Interactions are time-addressed: they fire when the walking
	// player arrives, not when the packet does.
	delay := r.arrivalDelay(p)
	if delay <= 0 {
		r.runCommand(ctx, action.Target, action.Name, action.Value, p, nil)
		return
	}
	principal := p.principal
	target, name, value := action.Target, action.Name, action.Value
	r.wheel.After(delay, func(ctx context.Context) {
		r.submit(ctx, Input{
			Kind: InInteractionTick, Principal: principal,
			Piece: target, Command: name, Value: value,
		})
	})
}

// arrivalDelay is how long until the player's committed path ends;
// zero when no walk is in flight.
func (r *Instance) arrivalDelay(p *playerState) time.Duration {
	d := time.Until(p.arrival)
	if d < 0 {
		return 0
	}
	return d
}

// ── Puzzle stimulation ─────────────────────────────────────────────

func (r *Instance) tick(ctx context.Context, piece uint32) {
	if r.broken {
		return
	}
	res, err := r.rt.DeliverTick(time.Now(), piece)
	if err != nil {
		if errors.Is(err, puzzle.ErrBudgetExceeded) {
			r.breakRealm(ctx, err)
		}
		return
	}
	metrics.Fixpoints.Inc()
	r.applyResult(ctx, res, nil)
	r.dirty = true
}

func (r *Instance) runCommand(ctx context.Context, target uint32, cmd string, v wire.Value, actor *playerState, reply Reply) {
	if r.broken {
		if reply != nil {
			reply(wire.StatusNotAllowed, "realm is out of order")
		}
		return
	}
	res, err := r.rt.DeliverCommand(time.Now(), target, cmd, v)
	switch {
	case errors.Is(err, puzzle.ErrBudgetExceeded):
		r.breakRealm(ctx, err)
		if reply != nil {
			reply(wire.StatusInternalError, "")
		}
		return
	case errors.Is(err, puzzle.ErrBadCommand):
		if reply != nil {
			reply(wire.StatusNotAllowed, "no such interaction")
		}
		return
	case err != nil:
		r.log.Error("stimulus failed", zap.Error(err))
		if reply != nil {
			reply(wire.StatusInternalError, "")
		}
		return
	}
	metrics.Fixpoints.Inc()
	r.applyResult(ctx, res, actor)
	r.dirty = true
	if reply != nil {
		reply(wire.StatusSuccess, "")
	}
}

// applyResult fans a fixpoint's diffs out: property and gate
// broadcasts, mark persistence, player moves, wheel entries, and
// pending-path rechecks.
func (r *Instance) applyResult(ctx context.Context, res *puzzle.Result, actor *playerState) {
	for _, prop := range res.Properties {
		r.broadcast(wire.ServerMessage{Kind: wire.SPropertyChanged, Prop: prop})
	}
	if len(res.Gates) > 0 {
		// Broadcast the full gated-edge assignment; clients treat it
		// as authoritative state, not a delta.
		r.broadcast(wire.ServerMessage{Kind: wire.SGateChanged, Gates: r.man.GatedEdges(r.rt.Gates())})
		r.recheckAllPending(ctx)
	}
	if actor != nil && len(res.Marks) > 0 {
		for _, mc := range res.Marks {
			if mc.Set {
				actor.marks[mc.Bit] = true
			} else {
				delete(actor.marks, mc.Bit)
			}
			if mc.Set && actor.localID != 0 {
				switch mc.Bit {
				case MarkDebut:
					if r.deps.OnDebut != nil {
						r.deps.OnDebut(actor.localID)
					}
				case MarkComplete:
					if r.deps.OnComplete != nil {
						r.deps.OnComplete(actor.localID, r.Asset)
					}
				}
			}
		}
		r.saveMarks(ctx, actor)
	}
	for _, mv := range res.Moves {
		p, ok := r.players[mv.Player]
		if !ok {
			continue
		}
		if mv.Link.Kind == wire.LinkSpawn {
			// Spawn links stay inside this realm: teleport in place.
			p.gen++
			p.pending = nil
			p.at = r.man.Spawn(int(mv.Link.Spawn))
			r.broadcast(wire.ServerMessage{
				Kind: wire.SPresenceChanged, Player: p.principal, Online: true, At: p.at,
			})
			r.refreshOccupancy(ctx, r.occ.Update(p.roster, p.at))
			continue
		}
		if r.deps.Mover != nil {
			r.deps.Mover.MoveAlong(p.principal, p.localID, mv.Link)
		}
	}
	for _, s := range res.Schedules {
		piece := s.Piece
		r.wheel.After(s.After, func(ctx context.Context) {
			r.submit(ctx, Input{Kind: InSchedulerTick, Piece: piece})
		})
	}
}

func (r *Instance) refreshOccupancy(ctx context.Context, changed []uint32) {
	if len(changed) == 0 || r.broken {
		return
	}
	areas := make(map[uint32]bool, len(changed))
	for _, a := range changed {
		areas[a] = true
	}
	for _, id := range r.rt.PieceIDs() {
		piece, _ := r.rt.Piece(id)
		prox, ok := piece.(*puzzle.Proximity)
		if !ok || !areas[prox.Area()] {
			continue
		}
		occupants := r.occ.Occupants(prox.Area())
		ids := make([]int32, len(occupants))
		for i, o := range occupants {
			ids[i] = int32(o)
		}
		r.runCommand(ctx, id, puzzle.CommandOccupants, wire.Ints(ids), nil, nil)
	}
}

// breakRealm implements the Corrupt error path: roll back happened in
// the runtime already, so mark, log, and send everyone home.
func (r *Instance) breakRealm(ctx context.Context, err error) {
	if r.broken {
		return
	}
	r.broken = true
	metrics.BudgetAborts.Inc()
	r.log.Error("puzzle broken, ejecting players", zap.Error(err))
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if dberr := r.deps.Realms.SetPuzzleBroken(saveCtx, r.ID, true); dberr != nil {
		r.log.Error("could not persist broken flag", zap.Error(dberr))
	}
	for _, p := range r.players {
		if r.deps.Mover != nil {
			r.deps.Mover.MoveAlong(p.principal, p.localID, wire.Link{Kind: wire.LinkHome})
		}
	}
}

// ── Chat, announcements, settings, access ──────────────────────────

func (r *Instance) chat(ctx context.Context, in Input) {
	if r.byName[in.Principal] == nil {
		if in.Reply != nil {
			in.Reply(wire.StatusNotAllowed, "not in this realm")
		}
		return
	}
	ts, err := r.deps.Chats.RecordRealm(ctx, r.ID, in.Principal, in.Body, time.Now())
	if err != nil {
		r.log.Error("chat write failed", zap.Error(err))
		if in.Reply != nil {
			in.Reply(wire.StatusInternalError, "")
		}
		return
	}
	r.broadcast(wire.ServerMessage{
		Kind:  wire.SChat,
		Line:  wire.ChatLine{Sender: in.Principal, Created: ts, Body: in.Body},
		Realm: true,
	})
	if in.Reply != nil {
		in.Reply(wire.StatusSuccess, "")
	}
}

func (r *Instance) chatHistory(ctx context.Context, in Input) {
	p := r.byName[in.Principal]
	if p == nil {
		if in.Reply != nil {
			in.Reply(wire.StatusNotAllowed, "not in this realm")
		}
		return
	}
	rows, err := r.deps.Chats.RealmRange(ctx, r.ID, in.From, in.To)
	if err != nil {
		if in.Reply != nil {
			in.Reply(wire.StatusInternalError, "")
		}
		return
	}
	for _, row := range rows {
		p.outbox.Deliver(wire.ServerMessage{
			Kind:  wire.SChat,
			Line:  wire.ChatLine{Sender: row.Principal, Created: row.Created, Body: row.Body},
			Realm: true,
		})
	}
	if in.Reply != nil {
		in.Reply(wire.StatusSuccess, "")
	}
}

// mayAdministrate gates announcement, setting, ACL, and kick requests.
func (r *Instance) mayAdministrate(in Input) bool {
	if in.Admin || in.LocalID == r.Owner {
		return true
	}
	name, server := splitPrincipal(in.Principal)
	return r.admin.Check(name, server)
}

func (r *Instance) announce(ctx context.Context, in Input) {
	if in.AnnounceList {
		if p := r.byName[in.Principal]; p != nil {
			p.outbox.Deliver(wire.ServerMessage{Kind: wire.SAnnouncements, Notices: r.announcements(ctx)})
		}
		if in.Reply != nil {
			in.Reply(wire.StatusSuccess, "")
		}
		return
	}
	if !r.mayAdministrate(in) {
		if in.Reply != nil {
			in.Reply(wire.StatusNotAllowed, "not a realm admin")
		}
		return
	}
	if in.AnnounceClear != 0 {
		if err := r.deps.Realms.ClearAnnouncement(ctx, r.ID, int64(in.AnnounceClear)); err != nil {
			if in.Reply != nil {
				in.Reply(wire.StatusInternalError, "")
			}
			return
		}
	} else {
		if _, err := r.deps.Realms.AddAnnouncement(ctx, persist.AnnouncementRow{
			Realm: r.ID, Title: in.Announce.Title, Body: in.Announce.Body,
			When: in.Announce.When, Expires: in.Announce.Expires,
		}); err != nil {
			if in.Reply != nil {
				in.Reply(wire.StatusInternalError, "")
			}
			return
		}
	}
	r.broadcast(wire.ServerMessage{Kind: wire.SAnnouncements, Notices: r.announcements(ctx)})
	if in.Reply != nil {
		in.Reply(wire.StatusSuccess, "")
	}
}

func (r *Instance) announcements(ctx context.Context) []wire.Announcement {
	rows, err := r.deps.Realms.Announcements(ctx, r.ID)
	if err != nil {
		return nil
	}
	out := make([]wire.Announcement, 0, len(rows))
	for _, row := range rows {
		out = append(out, wire.Announcement{
			ID: uint32(row.ID), Title: row.Title, Body: row.Body, When: row.When, Expires: row.Expires,
		})
	}
	return out
}

func (r *Instance) changeSetting(ctx context.Context, in Input) {
	if !r.mayAdministrate(in) {
		if in.Reply != nil {
			in.Reply(wire.StatusNotAllowed, "not a realm admin")
		}
		return
	}
	r.settings[in.Setting.Name] = in.Setting.Value
	doc := settingsDoc{}
	for name, v := range r.settings {
		doc.Settings = append(doc.Settings, wire.Setting{Name: name, Value: v})
	}
	sort.Slice(doc.Settings, func(i, j int) bool { return doc.Settings[i].Name < doc.Settings[j].Name })
	data, err := wire.Marshal(&doc)
	if err == nil {
		err = r.deps.Realms.SaveSettings(ctx, r.ID, data)
	}
	if err != nil {
		r.log.Error("settings write failed", zap.Error(err))
		if in.Reply != nil {
			in.Reply(wire.StatusInternalError, "")
		}
		return
	}
	r.broadcast(wire.ServerMessage{Kind: wire.SSettingChanged, Change: in.Setting})
	if in.Reply != nil {
		in.Reply(wire.StatusSuccess, "")
	}
}

func (r *Instance) accessMutate(ctx context.Context, in Input) {
	if in.ACLKind != acl.KindAccess && in.ACLKind != acl.KindAdmin {
		if in.Reply != nil {
			in.Reply(wire.StatusNotAllowed, "no such acl")
		}
		return
	}
	if !r.mayAdministrate(in) {
		if in.Reply != nil {
			in.Reply(wire.StatusNotAllowed, "not a realm admin")
		}
		return
	}
	if !in.ACLGet {
		if err := r.deps.Realms.SetACL(ctx, r.ID, in.ACLKind, in.ACL); err != nil {
			if in.Reply != nil {
				in.Reply(wire.StatusInternalError, "")
			}
			return
		}
		if in.ACLKind == acl.KindAccess {
			r.access = in.ACL
		} else {
			r.admin = in.ACL
		}
	}
	list := r.access
	if in.ACLKind == acl.KindAdmin {
		list = r.admin
	}
	if p := r.byName[in.Principal]; p != nil {
		rules := make([]wire.AccessRule, len(list.Rules))
		for i, rule := range list.Rules {
			rules[i] = wire.AccessRule{Subject: rule.Subject(), Allow: rule.Allow}
		}
		p.outbox.Deliver(wire.ServerMessage{
			Kind: wire.SAccessCurrent, ACLKind: string(in.ACLKind),
			Rules: rules, Default: list.Default,
		})
	}
	if in.Reply != nil {
		in.Reply(wire.StatusSuccess, "")
	}
}

func (r *Instance) kick(in Input) {
	if !r.mayAdministrate(in) {
		if in.Reply != nil {
			in.Reply(wire.StatusNotAllowed, "not a realm admin")
		}
		return
	}
	if r.deps.Mover != nil {
		if p := r.byName[in.Target]; p != nil {
			r.deps.Mover.MoveAlong(p.principal, p.localID, wire.Link{Kind: wire.LinkHome})
		}
	}
	if in.Reply != nil {
		in.Reply(wire.StatusSuccess, "")
	}
}

// ── Broadcast and shutdown ─────────────────────────────────────────

func (r *Instance) broadcast(msg wire.ServerMessage) {
	for _, p := range r.players {
		p.outbox.Deliver(msg)
	}
}

func (r *Instance) broadcastExcept(skip *playerState, msg wire.ServerMessage) {
	for _, p := range r.players {
		if p != skip {
			p.outbox.Deliver(msg)
		}
	}
}

func (r *Instance) saveMarks(ctx context.Context, p *playerState) {
	if p.localID == 0 {
		return // remote marks live on the player's home server
	}
	if err := r.deps.Players.SaveMarks(ctx, p.localID, r.ID, encodeMarks(p.marks)); err != nil {
		r.log.Error("marks write failed", zap.Error(err))
	}
}

// journal persists the runtime state after a stable fixpoint.
func (r *Instance) journal(ctx context.Context) {
	data, err := r.rt.SnapshotState()
	if err != nil {
		r.log.Error("journal snapshot failed", zap.Error(err))
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.deps.Realms.SaveState(saveCtx, r.ID, data); err != nil {
		r.log.Error("journal write failed", zap.Error(err))
	}
}

// flush writes the final journal on unload.
func (r *Instance) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.journal(ctx)
}

func (r *Instance) shutdown(ctx context.Context, in Input) {
	for _, p := range r.players {
		p.outbox.Drop("realm shutting down")
		r.saveMarks(ctx, p)
	}
	r.players = make(map[wire.PlayerID]*playerState)
	r.byName = make(map[string]*playerState)
	r.wheel.Stop()
	r.flush()
	if in.Done != nil {
		close(in.Done)
	}
}
