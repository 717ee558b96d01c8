// Package federation maintains one multiplexed connection per peer
// server, carrying remote-player sessions, the asset swarm, chat
// deliveries, calendar fetches, ACL probes, and ban announcements.
package federation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spadina/server/internal/acl"
	"github.com/spadina/server/internal/asset"
	"github.com/spadina/server/internal/config"
	"github.com/spadina/server/internal/directory"
	"github.com/spadina/server/internal/persist"
	"github.com/spadina/server/internal/realm"
	"github.com/spadina/server/internal/wire"
	"go.uber.org/zap"
)

// ChatSink delivers an inbound federated chat line to a local player's
// live session, if any. The session router implements it.
type ChatSink interface {
	DeliverChat(recipient string, sender string, created int64, body string)
	DeliverCalendar(principal string, entries []wire.CalendarEntry)
}

// Hub owns the peer connection table and the ban list.
type Hub struct {
	ServerName string
	cfg        config.FederationConfig

	store   asset.Store
	chats   *persist.ChatRepo
	players *persist.PlayerRepo
	realms  *persist.RealmRepo
	bansDB  *persist.BanRepo
	dir     *directory.Directory
	sink    ChatSink
	log     *zap.Logger

	ctx  context.Context
	stop context.CancelFunc

	mu    sync.Mutex
	peers map[string]*Peer
	bans  map[string]bool

	wantMu sync.Mutex
	wants  map[string][]chan []byte
}

func NewHub(serverName string, cfg config.FederationConfig, store asset.Store, db *persist.DB, dir *directory.Directory, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		ServerName: serverName,
		cfg:        cfg,
		store:      store,
		chats:      persist.NewChatRepo(db),
		players:    persist.NewPlayerRepo(db),
		realms:     persist.NewRealmRepo(db),
		bansDB:     persist.NewBanRepo(db),
		dir:        dir,
		log:        log,
		ctx:        ctx,
		stop:       cancel,
		peers:      make(map[string]*Peer),
		bans:       make(map[string]bool),
		wants:      make(map[string][]chan []byte),
	}
}

// SetChatSink installs the local delivery hook after the router is
// built (hub and router reference each other).
func (h *Hub) SetChatSink(sink ChatSink) { h.sink = sink }

// RefreshBans reloads the authoritative ban table. Mutations take
// effect on the next frame each peer handles.
func (h *Hub) RefreshBans(ctx context.Context) error {
	bans, err := h.bansDB.List(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]bool, len(bans))
	for _, b := range bans {
		next[b.Server] = true
	}
	h.mu.Lock()
	h.bans = next
	// Sever live connections to freshly banned peers.
	for server, p := range h.peers {
		if next[server] {
			p.close("banned")
			delete(h.peers, server)
		}
	}
	h.mu.Unlock()
	return nil
}

// Ban records and applies a ban. A connected peer gets a ban
// announcement queued just before the link is severed; it reaches the
// peer only if the writer sends it before the connection closes.
func (h *Hub) Ban(ctx context.Context, server, reason string) error {
	if err := h.bansDB.Add(ctx, persist.BanDescriptor{Server: server, Reason: reason}); err != nil {
		return err
	}
	h.mu.Lock()
	if p := h.peers[server]; p != nil {
		p.send(wire.PeerEnvelope{Stream: wire.StreamControl, Message: wire.PeerMessage{
			Kind: wire.PBanAnnounce, Reason: reason,
		}})
	}
	h.mu.Unlock()
	return h.RefreshBans(ctx)
}

func (h *Hub) banned(server string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bans[server]
}

// Peer returns the live (or reconnecting) peer handle for a server,
// dialing on first use. Banned servers get no handle.
func (h *Hub) Peer(server string) (*Peer, error) {
	if server == h.ServerName || server == "" {
		return nil, fmt.Errorf("federation: %q is not a peer", server)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bans[server] {
		return nil, fmt.Errorf("federation: %s is banned", server)
	}
	if p, ok := h.peers[server]; ok {
		return p, nil
	}
	p := newPeer(h, server, true)
	h.peers[server] = p
	go p.dialLoop()
	return p, nil
}

// AcceptInbound adopts a connection a peer opened to us. The edge
// layer authenticates the TLS channel and extracts the server name.
func (h *Hub) AcceptInbound(server string, conn *websocket.Conn) {
	if h.banned(server) {
		conn.Close()
		return
	}
	h.mu.Lock()
	p, ok := h.peers[server]
	if !ok {
		p = newPeer(h, server, false)
		h.peers[server] = p
	}
	h.mu.Unlock()
	p.adopt(conn)
}

// ── Asset swarm ────────────────────────────────────────────────────

// Pull implements asset.PullClient: broadcast a want to every
// connected peer, first hash-valid blob wins.
func (h *Hub) Pull(ctx context.Context, id string) ([]byte, error) {
	h.mu.Lock()
	live := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		if p.connected() {
			live = append(live, p)
		}
	}
	h.mu.Unlock()
	if len(live) == 0 {
		return nil, fmt.Errorf("federation: no connected peers")
	}

	ch := make(chan []byte, 1)
	h.wantMu.Lock()
	h.wants[id] = append(h.wants[id], ch)
	h.wantMu.Unlock()
	defer h.forgetWant(id, ch)

	for _, p := range live {
		p.send(wire.PeerEnvelope{Stream: wire.StreamControl, Message: wire.PeerMessage{
			Kind: wire.PAssetWant, Asset: id,
		}})
	}

	window := h.cfg.AssetTimeout
	if window <= 0 {
		window = 2 * time.Second
	}
	select {
	case data := <-ch:
		return data, nil
	case <-time.After(window):
		return nil, fmt.Errorf("federation: no peer produced %s", id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) forgetWant(id string, ch chan []byte) {
	h.wantMu.Lock()
	defer h.wantMu.Unlock()
	waiters := h.wants[id]
	for i, w := range waiters {
		if w == ch {
			h.wants[id] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(h.wants[id]) == 0 {
		delete(h.wants, id)
	}
}

// offerBlob hands a peer-supplied blob to waiters. Duplicate arrivals
// find no waiters and are discarded.
func (h *Hub) offerBlob(id string, data []byte) {
	if err := asset.CheckID(id, data); err != nil {
		h.log.Warn("peer sent mismatched blob", zap.String("id", id))
		return
	}
	h.wantMu.Lock()
	waiters := h.wants[id]
	delete(h.wants, id)
	h.wantMu.Unlock()
	for _, w := range waiters {
		select {
		case w <- data:
		default:
		}
	}
}

// ── Outbound chat and calendars ────────────────────────────────────

// SendChat implements the router's PeerChat: deliver one direct
// message, already recorded as undelivered, to its recipient's server.
func (h *Hub) SendChat(recipient, sender string, created int64, body string) {
	_, server, ok := strings.Cut(recipient, "@")
	if !ok {
		return
	}
	p, err := h.Peer(server)
	if err != nil {
		return
	}
	name := recipient[:strings.IndexByte(recipient, '@')]
	p.send(wire.PeerEnvelope{Stream: wire.StreamControl, Message: wire.PeerMessage{
		Kind: wire.PChatDeliver, Player: sender, Recipient: name, Created: created, Body: body,
	}})
}

// FetchCalendar asks a peer for a realm's calendar; entries come back
// asynchronously and are pushed to the requesting principal.
func (h *Hub) FetchCalendar(server, owner, assetID, forPrincipal string) {
	p, err := h.Peer(server)
	if err != nil {
		return
	}
	p.send(wire.PeerEnvelope{Stream: wire.StreamControl, Message: wire.PeerMessage{
		Kind: wire.PCalendarFetch, Owner: owner, Realm: assetID, Player: forPrincipal,
	}})
}

// serverAllowed evaluates the server-wide access list for a remote
// principal, the first half of server_acl AND realm_acl.
func (h *Hub) serverAllowed(ctx context.Context, player, server string) bool {
	if h.banned(server) {
		return false
	}
	list, err := h.bansDB.ServerACL(ctx, acl.KindAccess, acl.DefaultMessage())
	if err != nil {
		return false
	}
	return list.Check(player, server)
}

// JoinRemote implements directory.PeerHub: open a remote-player
// session for a local player entering a realm on another server.
func (h *Hub) JoinRemote(principal, owner, assetID, server string, outbox realm.Outbox) (directory.RemoteRealm, error) {
	p, err := h.Peer(server)
	if err != nil {
		return nil, err
	}
	return p.openSession(principal, owner, assetID, outbox)
}

// Close severs every peer link.
func (h *Hub) Close() {
	h.stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	for server, p := range h.peers {
		p.close("shutdown")
		delete(h.peers, server)
	}
}
