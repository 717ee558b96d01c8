package federation

import (
	"context"
	"time"

	"github.com/spadina/server/internal/asset"
	"github.com/spadina/server/internal/persist"
	"github.com/spadina/server/internal/realm"
	"github.com/spadina/server/internal/wire"
	"go.uber.org/zap"
)

// outboundSession is a local player visiting a realm on the peer.
type outboundSession struct {
	peer      *Peer
	stream    uint32
	principal string
	owner     string
	assetID   string
	outbox    realm.Outbox
}

// Forward implements directory.RemoteRealm.
func (s *outboundSession) Forward(msg *wire.ClientMessage) {
	data, err := wire.Marshal(msg)
	if err != nil {
		return
	}
	s.peer.send(wire.PeerEnvelope{Stream: s.stream, Message: wire.PeerMessage{
		Kind: wire.PSessionInput, Input: data,
	}})
}

func (s *outboundSession) Leave() {
	s.peer.send(wire.PeerEnvelope{Stream: s.stream, Message: wire.PeerMessage{
		Kind: wire.PSessionClose, Reason: "left",
	}})
	s.peer.mu.Lock()
	delete(s.peer.outbound, s.stream)
	s.peer.mu.Unlock()
}

// openSession allocates a stream and announces the visit.
func (p *Peer) openSession(principal, owner, assetID string, outbox realm.Outbox) (*outboundSession, error) {
	p.mu.Lock()
	stream := p.nextStream
	p.nextStream += 2
	s := &outboundSession{peer: p, stream: stream, principal: principal, owner: owner, assetID: assetID, outbox: outbox}
	p.outbound[stream] = s
	p.mu.Unlock()
	p.send(wire.PeerEnvelope{Stream: stream, Message: wire.PeerMessage{
		Kind: wire.PSessionOpen, Player: principal, Owner: owner, Realm: assetID,
	}})
	return s, nil
}

// inboundSession hosts a remote player in one of our realms. Its
// outbox re-encodes realm traffic onto the peer stream.
type inboundSession struct {
	peer      *Peer
	stream    uint32
	principal string
}

func (s *inboundSession) Deliver(msg wire.ServerMessage) {
	data, err := wire.Marshal(&msg)
	if err != nil {
		return
	}
	s.peer.send(wire.PeerEnvelope{Stream: s.stream, Message: wire.PeerMessage{
		Kind: wire.PSessionOutput, Output: data,
	}})
}

func (s *inboundSession) Drop(reason string) {
	s.peer.send(wire.PeerEnvelope{Stream: s.stream, Message: wire.PeerMessage{
		Kind: wire.PSessionClose, Reason: reason,
	}})
	s.peer.mu.Lock()
	delete(s.peer.inbound, s.stream)
	s.peer.mu.Unlock()
	s.peer.hub.dir.Detach(s.principal)
}

// handle demultiplexes one inbound frame.
func (p *Peer) handle(env *wire.PeerEnvelope) {
	m := &env.Message
	switch m.Kind {
	case wire.PAssetWant:
		p.serveWant(m.Asset)
	case wire.PAssetHave:
		// informational
	case wire.PAssetBlob:
		p.hub.offerBlob(m.Asset, m.Bytes)
	case wire.PSessionOpen:
		p.sessionOpen(env.Stream, m)
	case wire.PSessionInput:
		p.sessionInput(env.Stream, m)
	case wire.PSessionOutput:
		p.sessionOutput(env.Stream, m)
	case wire.PSessionClose:
		p.sessionClose(env.Stream, m)
	case wire.PChatDeliver:
		p.chatDeliver(m)
	case wire.PCalendarFetch:
		p.calendarFetch(m)
	case wire.PCalendarEntries:
		// Entries answering our earlier fetch; push to the waiting
		// player if they are still online.
		if p.hub.sink != nil && len(m.Entries) > 0 {
			p.hub.sink.DeliverCalendar(m.Player, m.Entries)
		}
	case wire.PACLProbe:
		p.aclProbe(m)
	case wire.PACLResult:
		// probes are fire-and-forget for now; results inform logs
		p.log.Debug("acl probe result", zap.Bool("allowed", m.Allowed))
	case wire.PBanAnnounce:
		p.log.Warn("peer announced a ban against us", zap.String("reason", m.Reason))
	}
}

func (p *Peer) serveWant(id string) {
	ctx, cancel := context.WithTimeout(p.hub.ctx, 5*time.Second)
	defer cancel()
	data, err := p.hub.store.Get(ctx, id)
	if err != nil {
		return
	}
	p.send(wire.PeerEnvelope{Stream: wire.StreamControl, Message: wire.PeerMessage{
		Kind: wire.PAssetHave, Asset: id,
	}})
	p.send(wire.PeerEnvelope{Stream: wire.StreamControl, Message: wire.PeerMessage{
		Kind: wire.PAssetBlob, Asset: id, Bytes: data,
	}})
}

// sessionOpen admits a remote player into a local realm: the server
// ACL gates first, then the realm's own access list during admission.
func (p *Peer) sessionOpen(stream uint32, m *wire.PeerMessage) {
	principal := m.Player
	ctx, cancel := context.WithTimeout(p.hub.ctx, 10*time.Second)
	defer cancel()

	name, server := splitPrincipal(principal)
	if server != p.server {
		p.send(wire.PeerEnvelope{Stream: stream, Message: wire.PeerMessage{
			Kind: wire.PSessionClose, Reason: "principal does not match peer",
		}})
		return
	}
	if !p.hub.serverAllowed(ctx, name, server) {
		p.send(wire.PeerEnvelope{Stream: stream, Message: wire.PeerMessage{
			Kind: wire.PSessionClose, Reason: "server access denied",
		}})
		return
	}

	s := &inboundSession{peer: p, stream: stream, principal: principal}
	p.mu.Lock()
	p.inbound[stream] = s
	p.mu.Unlock()

	p.hub.dir.Attach(principal, 0, false, s)
	p.hub.dir.ChangeLocation(principal, wire.LocationTarget{
		Kind: wire.TargetRealm, Owner: m.Owner, Asset: m.Realm, Server: p.hub.ServerName,
	}, func(status wire.ResponseStatus, detail string) {
		if status != wire.StatusSuccess {
			s.Drop(detail)
		}
	})
}

// sessionInput carries a remote player's in-realm requests. Only the
// realm-facing subset of the client protocol is meaningful here; the
// rest belongs to the player's home server.
func (p *Peer) sessionInput(stream uint32, m *wire.PeerMessage) {
	p.mu.Lock()
	s := p.inbound[stream]
	p.mu.Unlock()
	if s == nil {
		return
	}
	var msg wire.ClientMessage
	if err := wire.Unmarshal(m.Input, &msg); err != nil {
		return
	}
	at := time.Now()
	var in realm.Input
	switch msg.Kind {
	case wire.CInLocation:
		switch msg.Request.Kind {
		case wire.RealmPerform:
			in = realm.Input{Kind: realm.InPlayerAction, At: at, Actions: msg.Request.Actions}
		case wire.RealmAnnouncementList:
			in = realm.Input{Kind: realm.InAnnouncementMutated, AnnounceList: true}
		default:
			s.respond(msg.ID, wire.StatusNotAllowed, "visitors cannot administrate")
			return
		}
	case wire.CLocationMessageSend:
		in = realm.Input{Kind: realm.InChatPosted, Body: msg.Body}
	case wire.CLocationMessagesGet:
		in = realm.Input{Kind: realm.InChatHistory, From: msg.From, To: msg.To}
	default:
		s.respond(msg.ID, wire.StatusNotAllowed, "not available to visitors")
		return
	}
	in.Principal = s.principal
	id := msg.ID
	in.Reply = func(status wire.ResponseStatus, detail string) {
		s.respond(id, status, detail)
	}
	if !p.hub.dir.DeliverInRealm(s.principal, in, nil) {
		s.respond(id, wire.StatusNotAllowed, "not in a realm")
	}
}

func (s *inboundSession) respond(id string, status wire.ResponseStatus, detail string) {
	s.Deliver(wire.ServerMessage{Kind: wire.SResponse, ID: id, Status: status, Detail: detail})
}

// sessionOutput carries realm traffic for one of our players visiting
// the peer.
func (p *Peer) sessionOutput(stream uint32, m *wire.PeerMessage) {
	p.mu.Lock()
	s := p.outbound[stream]
	p.mu.Unlock()
	if s == nil {
		return
	}
	var msg wire.ServerMessage
	if err := wire.Unmarshal(m.Output, &msg); err != nil {
		return
	}
	s.outbox.Deliver(msg)
}

func (p *Peer) sessionClose(stream uint32, m *wire.PeerMessage) {
	p.mu.Lock()
	out := p.outbound[stream]
	in := p.inbound[stream]
	delete(p.outbound, stream)
	delete(p.inbound, stream)
	p.mu.Unlock()
	if out != nil {
		out.outbox.Drop("remote realm: " + m.Reason)
	}
	if in != nil {
		p.hub.dir.Detach(in.principal)
	}
}

// chatDeliver stores and forwards one inbound federated message. The
// primary key on (player, inbound, remote, created) makes redelivery
// after a reconnect exactly-once.
func (p *Peer) chatDeliver(m *wire.PeerMessage) {
	ctx, cancel := context.WithTimeout(p.hub.ctx, 10*time.Second)
	defer cancel()
	recipient, err := p.hub.players.Load(ctx, m.Recipient)
	if err != nil || recipient == nil {
		return
	}
	sender := wire.Principal(m.Player, p.server)
	name, server := splitPrincipal(sender)
	if !recipient.MessageACL.Check(name, server) {
		return
	}
	fresh, err := p.hub.chats.RecordRemote(ctx, persist.RemoteChatRow{
		Player: recipient.ID, Inbound: true, Remote: sender,
		Created: m.Created, Body: m.Body, Delivered: true,
	})
	if err != nil {
		p.log.Warn("inbound chat write failed", zap.Error(err))
		return
	}
	if fresh && p.hub.sink != nil {
		p.hub.sink.DeliverChat(m.Recipient, sender, m.Created, m.Body)
	}
}

// calendarFetch answers a peer's request for a local realm calendar.
func (p *Peer) calendarFetch(m *wire.PeerMessage) {
	ctx, cancel := context.WithTimeout(p.hub.ctx, 10*time.Second)
	defer cancel()
	ownerRow, err := p.hub.players.Load(ctx, m.Owner)
	if err != nil || ownerRow == nil {
		return
	}
	realmRow, err := p.hub.realms.Load(ctx, ownerRow.ID, m.Realm)
	if err != nil || realmRow == nil {
		return
	}
	rows, err := p.hub.realms.Announcements(ctx, realmRow.ID)
	if err != nil {
		return
	}
	var entries []wire.CalendarEntry
	for _, row := range rows {
		if row.When == 0 {
			continue
		}
		entries = append(entries, wire.CalendarEntry{
			Realm: m.Owner + "/" + m.Realm, Title: row.Title, Start: row.When, End: row.Expires,
		})
	}
	p.send(wire.PeerEnvelope{Stream: wire.StreamControl, Message: wire.PeerMessage{
		Kind: wire.PCalendarEntries, Player: m.Player, Entries: entries,
	}})
}

// aclProbe answers server_acl AND realm_acl for a principal without
// opening a session.
func (p *Peer) aclProbe(m *wire.PeerMessage) {
	ctx, cancel := context.WithTimeout(p.hub.ctx, 10*time.Second)
	defer cancel()
	name, server := splitPrincipal(m.Player)
	allowed := p.hub.serverAllowed(ctx, name, server)
	reason := ""
	if allowed {
		if ownerRow, err := p.hub.players.Load(ctx, m.Owner); err == nil && ownerRow != nil {
			if realmRow, err := p.hub.realms.Load(ctx, ownerRow.ID, m.Realm); err == nil && realmRow != nil {
				allowed = realmRow.AccessACL.Check(name, server)
			} else {
				allowed = false
			}
		} else {
			allowed = false
		}
	}
	if !allowed {
		reason = "access denied"
	}
	p.send(wire.PeerEnvelope{Stream: wire.StreamControl, Message: wire.PeerMessage{
		Kind: wire.PACLResult, Probe: m.Probe, Allowed: allowed, Reason: reason,
	}})
}

func splitPrincipal(principal string) (name, server string) {
	for i := 0; i < len(principal); i++ {
		if principal[i] == '@' {
			return principal[:i], principal[i+1:]
		}
	}
	return principal, ""
}

var _ realm.Outbox = (*inboundSession)(nil)
var _ asset.PullClient = (*Hub)(nil)
