// Package directory maps (owner, asset) pairs to loaded realm
// instances, admits players into local and remote realms, sequences
// train cars, and observes debut marks.
package directory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/spadina/server/internal/asset"
	"github.com/spadina/server/internal/manifold"
	"github.com/spadina/server/internal/metrics"
	"github.com/spadina/server/internal/persist"
	"github.com/spadina/server/internal/puzzle"
	"github.com/spadina/server/internal/realm"
	"github.com/spadina/server/internal/wire"
	"go.uber.org/zap"
)

// RemoteRealm is a live remote-player session on a peer server.
type RemoteRealm interface {
	// Forward re-encodes an in-realm client message onto the peer
	// stream.
	Forward(msg *wire.ClientMessage)
	Leave()
}

// PeerHub opens remote-realm sessions; the federation layer implements
// it. Nil disables federation.
type PeerHub interface {
	JoinRemote(principal, owner, assetID, server string, outbox realm.Outbox) (RemoteRealm, error)
}

// Deps wires the directory to storage and federation.
type Deps struct {
	ServerName   string
	Capabilities []string
	DefaultRealm string
	Resolver     *asset.Resolver
	Realms       *persist.RealmRepo
	Players      *persist.PlayerRepo
	Chats        *persist.ChatRepo
	Trains       *persist.TrainRepo
	Peers        PeerHub
	Log          *zap.Logger
	IdleGrace    time.Duration
	ChatTail     int
}

type realmKey struct {
	owner int64
	asset string
}

type realmEntry struct {
	inst   *realm.Instance
	cancel context.CancelFunc
}

// binding is one attached player's current location.
type binding struct {
	outbox  realm.Outbox
	localID int64
	admin   bool
	local   *realmEntry
	remote  RemoteRealm
}

type Directory struct {
	deps Deps
	caps map[string]bool
	ctx  context.Context
	stop context.CancelFunc
	log  *zap.Logger

	mu       sync.Mutex
	realms   map[realmKey]*realmEntry
	bindings map[string]*binding
}

func New(deps Deps) *Directory {
	ctx, cancel := context.WithCancel(context.Background())
	caps := make(map[string]bool, len(deps.Capabilities))
	for _, c := range deps.Capabilities {
		caps[c] = true
	}
	return &Directory{
		deps:     deps,
		caps:     caps,
		ctx:      ctx,
		stop:     cancel,
		log:      deps.Log,
		realms:   make(map[realmKey]*realmEntry),
		bindings: make(map[string]*binding),
	}
}

// Attach registers a session before its first location change.
func (d *Directory) Attach(principal string, localID int64, admin bool, outbox realm.Outbox) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindings[principal] = &binding{outbox: outbox, localID: localID, admin: admin}
}

// Detach leaves any current realm and forgets the session.
func (d *Directory) Detach(principal string) {
	d.mu.Lock()
	b := d.bindings[principal]
	delete(d.bindings, principal)
	d.mu.Unlock()
	if b == nil {
		return
	}
	d.leaveLocked(principal, b)
}

func (d *Directory) leaveLocked(principal string, b *binding) {
	if b.local != nil {
		b.local.inst.Submit(realm.Input{Kind: realm.InPlayerLeft, Principal: principal})
		b.local = nil
	}
	if b.remote != nil {
		b.remote.Leave()
		b.remote = nil
	}
}

// DeliverInRealm routes an in-realm request to the player's current
// realm: local inputs to the inbox, remote ones re-encoded onto the
// peer stream. Reports false when the player is nowhere.
func (d *Directory) DeliverInRealm(principal string, in realm.Input, raw *wire.ClientMessage) bool {
	d.mu.Lock()
	b := d.bindings[principal]
	d.mu.Unlock()
	if b == nil {
		return false
	}
	if b.local != nil {
		return b.local.inst.Submit(in)
	}
	if b.remote != nil && raw != nil {
		b.remote.Forward(raw)
		return true
	}
	return false
}

// RealmOf reports the player's current local realm, for follow
// requests and calendar lookups.
func (d *Directory) RealmOf(principal string) (owner, assetID string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b := d.bindings[principal]; b != nil && b.local != nil {
		return b.local.inst.OwnerName, b.local.inst.Asset, true
	}
	return "", "", false
}

// currentTrain reports the train sequence of the player's current
// realm, if any.
func (d *Directory) currentTrain(principal string) *int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b := d.bindings[principal]; b != nil && b.local != nil {
		return b.local.inst.Train
	}
	return nil
}

// ChangeLocation detaches the player from their current realm and
// admits them to the target. The reply reports the admission outcome.
func (d *Directory) ChangeLocation(principal string, target wire.LocationTarget, reply realm.Reply) {
	d.mu.Lock()
	b := d.bindings[principal]
	d.mu.Unlock()
	if b == nil {
		if reply != nil {
			reply(wire.StatusInternalError, "")
		}
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	var row *persist.PlayerRow
	if b.localID != 0 {
		var err error
		row, err = d.deps.Players.LoadByID(ctx, b.localID)
		if err != nil || row == nil {
			if reply != nil {
				reply(wire.StatusInternalError, "")
			}
			return
		}
	}

	// Undebuted players stay home until a consequence rule frees them.
	if row != nil && !row.Debuted && target.Kind != wire.TargetHome && target.Kind != wire.TargetNoWhere {
		if reply != nil {
			reply(wire.StatusNotAllowed, "not yet debuted")
		}
		return
	}

	prevTrain := d.currentTrain(principal)
	d.leaveLocked(principal, b)

	switch target.Kind {
	case wire.TargetNoWhere:
		if reply != nil {
			reply(wire.StatusSuccess, "")
		}
	case wire.TargetHome:
		if row == nil {
			if reply != nil {
				reply(wire.StatusNotAllowed, "remote players go home via their own server")
			}
			return
		}
		d.joinLocal(ctx, principal, b, row.ID, row.Name, d.deps.DefaultRealm, nil, true, reply)
	case wire.TargetRealm:
		if target.Server != "" && target.Server != d.deps.ServerName {
			d.joinRemote(principal, b, target, reply)
			return
		}
		owner, err := d.deps.Players.Load(ctx, target.Owner)
		if err != nil || owner == nil {
			if reply != nil {
				reply(wire.StatusNotAllowed, "unknown realm owner")
			}
			return
		}
		d.joinLocal(ctx, principal, b, owner.ID, owner.Name, target.Asset, nil, owner.ID == b.localID, reply)
	case wire.TargetTrainNext:
		d.joinTrain(ctx, principal, b, row, prevTrain, reply)
	}
}

// MoveAlong implements realm.Mover for puzzle-driven travel.
func (d *Directory) MoveAlong(principal string, localID int64, link wire.Link) {
	var target wire.LocationTarget
	switch link.Kind {
	case wire.LinkHome:
		target = wire.LocationTarget{Kind: wire.TargetHome}
	case wire.LinkNoWhere:
		target = wire.LocationTarget{Kind: wire.TargetNoWhere}
	case wire.LinkTrainNext:
		target = wire.LocationTarget{Kind: wire.TargetTrainNext}
	case wire.LinkRealm:
		target = wire.LocationTarget{Kind: wire.TargetRealm, Owner: link.Owner, Asset: link.Asset, Server: link.Server}
	default:
		return
	}
	// Puzzle links bypass the debut gate, like the home ejection of a
	// broken realm; run them off the realm goroutine.
	go func() {
		d.mu.Lock()
		b := d.bindings[principal]
		d.mu.Unlock()
		if b == nil {
			return
		}
		ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
		defer cancel()
		prevTrain := d.currentTrain(principal)
		d.leaveLocked(principal, b)
		switch target.Kind {
		case wire.TargetNoWhere:
		case wire.TargetHome:
			if row, err := d.deps.Players.LoadByID(ctx, localID); err == nil && row != nil {
				d.joinLocal(ctx, principal, b, row.ID, row.Name, d.deps.DefaultRealm, nil, true, nil)
			}
		case wire.TargetTrainNext:
			if row, err := d.deps.Players.LoadByID(ctx, localID); err == nil && row != nil {
				d.joinTrain(ctx, principal, b, row, prevTrain, nil)
			}
		case wire.TargetRealm:
			if target.Server != "" && target.Server != d.deps.ServerName {
				d.joinRemote(principal, b, target, nil)
				return
			}
			if owner, err := d.deps.Players.Load(ctx, target.Owner); err == nil && owner != nil {
				d.joinLocal(ctx, principal, b, owner.ID, owner.Name, target.Asset, nil, owner.ID == localID, nil)
			}
		}
	}()
}

// joinLocal loads (or creates, for the owner) the realm and admits the
// player.
func (d *Directory) joinLocal(ctx context.Context, principal string, b *binding, ownerID int64, ownerName, assetID string, train *int64, mayCreate bool, reply realm.Reply) {
	if assetID == "" {
		if reply != nil {
			reply(wire.StatusNotAllowed, "no realm configured")
		}
		return
	}
	entry, err := d.loadRealm(ctx, ownerID, ownerName, assetID, train, mayCreate)
	if err != nil {
		d.log.Warn("realm load failed",
			zap.String("owner", ownerName), zap.String("asset", assetID), zap.Error(err))
		if reply != nil {
			reply(wire.StatusNotAllowed, "realm unavailable")
		}
		return
	}

	var marks []byte
	if b.localID != 0 {
		marks, _ = d.deps.Players.Marks(ctx, b.localID, entry.inst.ID)
	}
	done := make(chan struct{})
	ok := entry.inst.Submit(realm.Input{
		Kind:      realm.InPlayerJoined,
		Principal: principal,
		LocalID:   b.localID,
		Admin:     b.admin,
		Outbox:    b.outbox,
		Marks:     marks,
		Reply: func(status wire.ResponseStatus, detail string) {
			if status == wire.StatusSuccess {
				d.mu.Lock()
				b.local = entry
				d.mu.Unlock()
			}
			if reply != nil {
				reply(status, detail)
			}
			close(done)
		},
	})
	if !ok {
		if reply != nil {
			reply(wire.StatusInternalError, "")
		}
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
		// The instance idled out between lookup and admission, or the
		// load deadline passed; the client can simply retry.
		if reply != nil {
			reply(wire.StatusInternalError, "")
		}
	}
}

func (d *Directory) joinRemote(principal string, b *binding, target wire.LocationTarget, reply realm.Reply) {
	if d.deps.Peers == nil {
		if reply != nil {
			reply(wire.StatusNotAllowed, "federation disabled")
		}
		return
	}
	remote, err := d.deps.Peers.JoinRemote(principal, target.Owner, target.Asset, target.Server, b.outbox)
	if err != nil {
		if reply != nil {
			reply(wire.StatusNotAllowed, "peer unavailable")
		}
		return
	}
	d.mu.Lock()
	b.remote = remote
	d.mu.Unlock()
	if reply != nil {
		reply(wire.StatusSuccess, "")
	}
}

// loadRealm returns the live instance for (owner, asset), waking it
// from the journal or creating the row on first entry by its owner.
func (d *Directory) loadRealm(ctx context.Context, ownerID int64, ownerName, assetID string, train *int64, mayCreate bool) (*realmEntry, error) {
	key := realmKey{owner: ownerID, asset: assetID}
	d.mu.Lock()
	if entry, ok := d.realms[key]; ok {
		d.mu.Unlock()
		return entry, nil
	}
	d.mu.Unlock()

	row, err := d.deps.Realms.Load(ctx, ownerID, assetID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		if !mayCreate {
			return nil, fmt.Errorf("no realm %s for owner %d", assetID, ownerID)
		}
		row, err = d.deps.Realms.Create(ctx, ownerID, assetID, rand.Int63(), "", train, time.Now())
		if err != nil {
			return nil, err
		}
	}

	raw, err := d.deps.Resolver.Resolve(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	tpl, man, err := puzzle.DecodeTemplate(raw, d.caps)
	if err != nil {
		return nil, err
	}
	rt, err := tpl.Build(row.Seed)
	if err != nil {
		return nil, err
	}
	if len(row.State) > 0 {
		if err := rt.RestoreState(row.State); err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
	}

	inst := d.newInstance(row, ownerName, rt, man)

	d.mu.Lock()
	if existing, ok := d.realms[key]; ok {
		// Lost a load race; use the winner.
		d.mu.Unlock()
		return existing, nil
	}
	runCtx, cancel := context.WithCancel(d.ctx)
	entry := &realmEntry{inst: inst, cancel: cancel}
	d.realms[key] = entry
	d.mu.Unlock()

	go inst.Run(runCtx)
	metrics.RealmsLoaded.Inc()
	d.log.Info("realm loaded",
		zap.Int64("realm", row.ID), zap.String("owner", ownerName))
	return entry, nil
}

func (d *Directory) newInstance(row *persist.RealmRow, ownerName string, rt *puzzle.Runtime, man *manifold.Manifold) *realm.Instance {
	return realm.New(row, ownerName, rt, man, realm.Deps{
		ServerName: d.deps.ServerName,
		Realms:     d.deps.Realms,
		Players:    d.deps.Players,
		Chats:      d.deps.Chats,
		Mover:      d,
		OnIdle:     d.unload,
		OnDebut:    d.onDebut,
		OnComplete: d.onComplete,
		Log:        d.log,
		ChatTail:   d.deps.ChatTail,
		IdleGrace:  d.deps.IdleGrace,
	})
}

func (d *Directory) unload(inst *realm.Instance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := realmKey{owner: inst.Owner, asset: inst.Asset}
	if entry, ok := d.realms[key]; ok && entry.inst == inst {
		entry.cancel()
		delete(d.realms, key)
		metrics.RealmsLoaded.Dec()
		d.log.Info("realm idled out", zap.Int64("realm", inst.ID))
	}
}

func (d *Directory) onDebut(localID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.deps.Players.MarkDebuted(ctx, localID); err != nil {
		d.log.Error("debut write failed", zap.Int64("player", localID), zap.Error(err))
	}
}

func (d *Directory) onComplete(localID int64, assetID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.deps.Trains.MarkCompleted(ctx, localID, assetID); err != nil {
		d.log.Error("train progress write failed", zap.Int64("player", localID), zap.Error(err))
	}
}

// Close shuts every realm down, flushing journals.
func (d *Directory) Close() {
	d.mu.Lock()
	entries := make([]*realmEntry, 0, len(d.realms))
	for _, e := range d.realms {
		entries = append(entries, e)
	}
	d.realms = make(map[realmKey]*realmEntry)
	d.mu.Unlock()

	for _, e := range entries {
		done := make(chan struct{})
		if e.inst.Submit(realm.Input{Kind: realm.InShutdown, Done: done}) {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
			}
		}
		e.cancel()
	}
	d.stop()
}
