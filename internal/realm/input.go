// Package realm implements the realm instance: one goroutine owning a
// puzzle runtime, a walk manifold, a player roster, chat, and
// announcements, fed exclusively through an inbox so every stimulus is
// totally ordered.
package realm

import (
	"context"
	"time"

	"github.com/spadina/server/internal/acl"
	"github.com/spadina/server/internal/wire"
)

// Outbox is the realm's handle to one player's outbound pump. Deliver
// must never block; the session layer drops slow consumers itself.
type Outbox interface {
	Deliver(msg wire.ServerMessage)
	Drop(reason string)
}

// Mover relocates a player according to a link. Implemented by the
// directory; called from the realm goroutine, so it must only enqueue.
type Mover interface {
	MoveAlong(principal string, localID int64, link wire.Link)
}

// InputKind tags realm inbox messages.
type InputKind uint8

const (
	InPlayerJoined InputKind = iota
	InPlayerLeft
	InPlayerAction
	InSchedulerTick
	InInteractionTick
	InPeerEvent
	InSettingChanged
	InKick
	InChatPosted
	InChatHistory
	InAnnouncementMutated
	InAccessMutated
	InShutdown
	// inAdvance is internal: a committed-path head reaching a point.
	inAdvance
	// inIdleCheck is internal: the idle grace timer firing.
	inIdleCheck
)

// Reply reports a request's outcome back to its session. May be nil
// for inputs nobody waits on.
type Reply func(status wire.ResponseStatus, detail string)

// Input is one realm inbox message.
type Input struct {
	Kind InputKind

	// At is when the session read the message off the wire; the realm
	// keeps a rolling queue-delay window per player from it.
	At time.Time

	Principal string // acting player, as name@server or local name
	LocalID   int64  // local player row id; 0 for remote players
	Admin     bool   // server-admin override (unix socket sessions)
	Outbox    Outbox // PlayerJoined
	Marks     []byte // PlayerJoined: persisted mark vector

	Actions []wire.Action // PlayerAction

	Piece   uint32     // SchedulerTick, InteractionTick, PeerEvent
	Command string     // InteractionTick, PeerEvent
	Value   wire.Value // InteractionTick, PeerEvent

	Setting wire.Setting // SettingChanged

	Target string // Kick: principal to eject

	Body     string // ChatPosted
	From, To int64  // ChatHistory

	Announce      wire.Announcement // AnnouncementMutated (add)
	AnnounceClear uint32            // AnnouncementMutated: id to clear, 0 = add
	AnnounceList  bool              // AnnouncementMutated: list only

	ACLKind acl.Kind // AccessMutated
	ACL     acl.List // AccessMutated
	ACLGet  bool     // AccessMutated: read back only

	Point wire.Point // inAdvance
	Gen   uint64     // inAdvance: path generation guard

	Reply Reply

	// Done is closed by Shutdown once the journal is flushed.
	Done chan struct{}
}

// Submit enqueues an input, never blocking the caller; a realm whose
// inbox is full rejects the request instead of stalling a session or
// peer.
func (r *Instance) Submit(in Input) bool {
	select {
	case r.inbox <- in:
		return true
	default:
		if in.Reply != nil {
			in.Reply(wire.StatusInternalError, "")
		}
		return false
	}
}

// submit is Submit for the realm's own scheduled callbacks, which
// may block briefly but must give up on shutdown.
func (r *Instance) submit(ctx context.Context, in Input) {
	select {
	case r.inbox <- in:
	case <-ctx.Done():
	}
}
