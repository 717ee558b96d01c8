package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/spadina/server/internal/metrics"
	"github.com/spadina/server/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler routes one decoded inbound message. The router implements
// it; tests substitute fakes.
type Handler interface {
	HandleMessage(s *Session, msg *wire.ClientMessage, at time.Time)
	// SessionClosed runs once when the session dies, for roster
	// cleanup.
	SessionClosed(s *Session)
}

// Session is one authenticated player connection. Network I/O runs in
// two goroutines; realm state never touches them directly. Realms
// talk to the session only through Deliver.
type Session struct {
	ID        uint64
	Principal string // local name, or name@server for remote players
	LocalID   int64  // player row id; 0 for remote players
	Admin     bool   // unix-socket sessions are admin-promotable

	transport Transport
	handler   Handler

	out chan wire.ServerMessage
	seq atomic.Uint64

	limiter *rate.Limiter

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	log *zap.Logger
}

func New(id uint64, principal string, localID int64, admin bool, transport Transport, handler Handler, outSize int, limiter *rate.Limiter, log *zap.Logger) *Session {
	return &Session{
		ID:        id,
		Principal: principal,
		LocalID:   localID,
		Admin:     admin,
		transport: transport,
		handler:   handler,
		out:       make(chan wire.ServerMessage, outSize),
		limiter:   limiter,
		closeCh:   make(chan struct{}),
		log:       log.With(zap.Uint64("session", id), zap.String("principal", principal)),
	}
}

// Start launches the reader and writer pumps.
func (s *Session) Start() {
	metrics.SessionsOpen.Inc()
	go s.readLoop()
	go s.writeLoop()
}

// Deliver queues an outbound message, stamping the session sequence.
// Never blocks: an overflowing session is dropped, with Lost(reason)
// claiming the final slot so the client learns why.
func (s *Session) Deliver(msg wire.ServerMessage) {
	if s.closed.Load() {
		return
	}
	msg.Seq = s.seq.Add(1)
	// The last slot stays free for Lost.
	if c := cap(s.out); c > 1 && len(s.out) >= c-1 {
		s.log.Warn("outbound queue overflow, dropping session")
		s.Drop("outbound overflow")
		return
	}
	select {
	case s.out <- msg:
	default:
		s.log.Warn("outbound queue overflow, dropping session")
		s.Drop("outbound overflow")
	}
}

// Drop terminates the session with an explicit reason. The Lost
// message rides the reserved headroom of the queue when possible.
func (s *Session) Drop(reason string) {
	if s.closed.Swap(true) {
		return
	}
	select {
	case s.out <- wire.ServerMessage{Kind: wire.SLost, Seq: s.seq.Add(1), Detail: reason}:
	default:
	}
	s.shutdown()
}

// Close terminates without a reason (transport already gone).
func (s *Session) Close() {
	s.closed.Store(true)
	s.shutdown()
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		metrics.SessionsOpen.Dec()
		close(s.closeCh)
		// Give the writer a moment to flush Lost, then cut the pipe.
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.transport.Close()
			s.handler.SessionClosed(s)
		}()
	})
}

func (s *Session) IsClosed() bool { return s.closed.Load() }

// readLoop decodes inbound frames and dispatches them in arrival
// order. Inbound is unbounded by design; the transport's flow control
// provides the backpressure.
func (s *Session) readLoop() {
	defer s.Close()
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}
		data, err := s.transport.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		at := time.Now()
		if s.limiter != nil && !s.limiter.Allow() {
			s.log.Warn("inbound rate limit exceeded")
			s.Drop("rate limit exceeded")
			return
		}
		var msg wire.ClientMessage
		if err := wire.Unmarshal(data, &msg); err != nil {
			s.log.Debug("undecodable frame", zap.Error(err))
			s.Drop("protocol error")
			return
		}
		s.handler.HandleMessage(s, &msg, at)
	}
}

// writeLoop drains the outbound queue onto the transport.
func (s *Session) writeLoop() {
	for {
		select {
		case msg := <-s.out:
			data, err := wire.Marshal(&msg)
			if err != nil {
				s.log.Error("encode failed", zap.Error(err))
				continue
			}
			if err := s.transport.WriteMessage(data); err != nil {
				if !s.closed.Load() {
					s.log.Debug("write failed", zap.Error(err))
				}
				s.Close()
				return
			}
		case <-s.closeCh:
			// Flush anything already queued (Lost included).
			for {
				select {
				case msg := <-s.out:
					if data, err := wire.Marshal(&msg); err == nil {
						s.transport.WriteMessage(data)
					}
				default:
					return
				}
			}
		}
	}
}
