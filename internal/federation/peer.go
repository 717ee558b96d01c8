package federation

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/spadina/server/internal/metrics"
	"github.com/spadina/server/internal/wire"
	"go.uber.org/zap"
)

// Peer is the single multiplexed link to one remote server. Streams
// opened by the dialing side are odd, by the accepting side even, so
// both ends can allocate without coordination.
type Peer struct {
	hub    *Hub
	server string
	dialer bool
	log    *zap.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	out        chan wire.PeerEnvelope
	closed     bool
	nextStream uint32

	// sessions our players opened on the peer
	outbound map[uint32]*outboundSession
	// sessions the peer's players hold in our realms
	inbound map[uint32]*inboundSession
}

func newPeer(hub *Hub, server string, dialer bool) *Peer {
	first := uint32(2)
	if dialer {
		first = 1
	}
	return &Peer{
		hub:        hub,
		server:     server,
		dialer:     dialer,
		log:        hub.log.With(zap.String("peer", server)),
		out:        make(chan wire.PeerEnvelope, 512),
		nextStream: first,
		outbound:   make(map[uint32]*outboundSession),
		inbound:    make(map[uint32]*inboundSession),
	}
}

func (p *Peer) connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// send queues a frame; frames queued while disconnected ride out the
// reconnect. A full queue drops the oldest frame rather than blocking
// a realm.
func (p *Peer) send(env wire.PeerEnvelope) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	select {
	case p.out <- env:
	default:
		select {
		case <-p.out:
		default:
		}
		select {
		case p.out <- env:
		default:
		}
	}
}

// dialLoop keeps the link up with jittered exponential backoff.
func (p *Peer) dialLoop() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.hub.cfg.RetryFloor
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = time.Second
	}
	policy.MaxInterval = p.hub.cfg.RetryCap
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = 5 * time.Minute
	}
	policy.MaxElapsedTime = 0

	for {
		if p.hub.ctx.Err() != nil || p.isClosed() {
			return
		}
		conn, err := p.dial()
		if err != nil {
			wait := policy.NextBackOff()
			p.log.Debug("dial failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-time.After(wait):
				continue
			case <-p.hub.ctx.Done():
				return
			}
		}
		policy.Reset()
		p.run(conn)
	}
}

func (p *Peer) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: p.hub.cfg.DialTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: p.hub.cfg.Insecure},
	}
	header := http.Header{}
	header.Set("X-Spadina-Server", p.hub.ServerName)
	conn, _, err := dialer.Dial("wss://"+p.server+"/federation", header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.server, err)
	}
	return conn, nil
}

// adopt installs an inbound connection, replacing any current link.
func (p *Peer) adopt(conn *websocket.Conn) {
	p.mu.Lock()
	old := p.conn
	p.conn = nil
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	go p.run(conn)
}

// run owns one live connection until it drops.
func (p *Peer) run(conn *websocket.Conn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conn = conn
	p.mu.Unlock()
	metrics.PeerReconnects.Inc()
	p.log.Info("peer link up")

	p.onReconnect()

	done := make(chan struct{})
	go p.writeLoop(conn, done)
	p.readLoop(conn)
	close(done)

	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	conn.Close()
	p.log.Info("peer link down")
}

// onReconnect replays state the peer must re-learn: live outbound
// sessions, outstanding asset wants, and undelivered chat rows.
func (p *Peer) onReconnect() {
	p.mu.Lock()
	sessions := make([]*outboundSession, 0, len(p.outbound))
	for _, s := range p.outbound {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()
	for _, s := range sessions {
		p.send(wire.PeerEnvelope{Stream: s.stream, Message: wire.PeerMessage{
			Kind: wire.PSessionOpen, Player: s.principal, Owner: s.owner, Realm: s.assetID,
		}})
	}

	p.hub.wantMu.Lock()
	wanted := make([]string, 0, len(p.hub.wants))
	for id := range p.hub.wants {
		wanted = append(wanted, id)
	}
	p.hub.wantMu.Unlock()
	for _, id := range wanted {
		p.send(wire.PeerEnvelope{Stream: wire.StreamControl, Message: wire.PeerMessage{
			Kind: wire.PAssetWant, Asset: id,
		}})
	}

	ctx, cancel := context.WithTimeout(p.hub.ctx, 10*time.Second)
	defer cancel()
	rows, err := p.hub.chats.Undelivered(ctx, p.server)
	if err != nil {
		p.log.Warn("undelivered scan failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		sender, err := p.hub.players.LoadByID(ctx, row.Player)
		if err != nil || sender == nil {
			continue
		}
		name := row.Remote[:len(row.Remote)-len("@"+p.server)]
		p.send(wire.PeerEnvelope{Stream: wire.StreamControl, Message: wire.PeerMessage{
			Kind: wire.PChatDeliver, Player: sender.Name, Recipient: name,
			Created: row.Created, Body: row.Body,
		}})
	}
}

func (p *Peer) writeLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case env := <-p.out:
			data, err := wire.Marshal(&env)
			if err != nil {
				p.log.Error("encode failed", zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
			p.afterWrite(&env)
		case <-done:
			return
		case <-p.hub.ctx.Done():
			return
		}
	}
}

// afterWrite marks chat rows delivered once they hit the wire; the
// receiving side's primary key absorbs any replay.
func (p *Peer) afterWrite(env *wire.PeerEnvelope) {
	if env.Message.Kind != wire.PChatDeliver {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sender, err := p.hub.players.Load(ctx, env.Message.Player)
	if err != nil || sender == nil {
		return
	}
	remote := env.Message.Recipient + "@" + p.server
	if err := p.hub.chats.MarkDelivered(ctx, sender.ID, remote, env.Message.Created); err != nil {
		p.log.Warn("delivered flag write failed", zap.Error(err))
	}
}

func (p *Peer) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if p.hub.banned(p.server) {
			// Ban applied mid-connection: discard and sever.
			p.close("banned")
			return
		}
		var env wire.PeerEnvelope
		if err := wire.Unmarshal(data, &env); err != nil {
			p.log.Warn("undecodable peer frame", zap.Error(err))
			continue
		}
		p.handle(&env)
	}
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) close(reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conn := p.conn
	p.conn = nil
	inbound := p.inbound
	outbound := p.outbound
	p.inbound = make(map[uint32]*inboundSession)
	p.outbound = make(map[uint32]*outboundSession)
	p.mu.Unlock()

	for _, s := range inbound {
		p.hub.dir.Detach(s.principal)
	}
	for _, s := range outbound {
		s.outbox.Drop("peer " + reason)
	}
	if conn != nil {
		conn.Close()
	}
}
