// Package edge is the thin HTTP boundary: it authenticates clients,
// upgrades WebSockets, hands peers to the federation hub, and serves
// the unauthenticated admin unix socket. Everything interesting
// happens behind it.
package edge

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spadina/server/internal/auth"
	"github.com/spadina/server/internal/config"
	"github.com/spadina/server/internal/federation"
	"github.com/spadina/server/internal/persist"
	"github.com/spadina/server/internal/session"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Server struct {
	cfg     *config.Config
	router  *session.Router
	hub     *federation.Hub
	auth    auth.Authenticator
	players *persist.PlayerRepo
	nextID  atomic.Uint64
	log     *zap.Logger

	httpServer *http.Server
	adminSrv   *http.Server

	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, router *session.Router, hub *federation.Hub, authn auth.Authenticator, players *persist.PlayerRepo, log *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		router:  router,
		hub:     hub,
		auth:    authn,
		players: players,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers are not a supported client; skip origin games.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleClient)
	mux.HandleFunc("/federation", s.handlePeer)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.BindAddress,
		Handler:      mux,
		ReadTimeout:  0, // websockets hold the connection open
		WriteTimeout: 0,
	}
	return s
}

// ListenAndServe blocks until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	if s.cfg.Server.UnixSocket != "" {
		if err := s.serveUnix(); err != nil {
			return err
		}
	}
	if s.cfg.Server.Certificate != "" {
		return s.httpServer.ListenAndServeTLS(s.cfg.Server.Certificate, s.cfg.Server.Key)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) {
	s.httpServer.Shutdown(ctx)
	if s.adminSrv != nil {
		s.adminSrv.Shutdown(ctx)
	}
}

// handleClient authenticates with basic auth and starts a session.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	name, secret, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="spadina"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	allowed, err := s.auth.Authenticate(ctx, name, secret)
	if err != nil {
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	if !allowed {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
		return
	}
	s.startSession(w, r, name, false)
}

// startSession loads (or creates) the player row and wires the pumps.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, name string, admin bool) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	row, err := s.players.Load(ctx, name)
	if err == nil && row == nil {
		row, err = s.players.Create(ctx, name, time.Now())
	}
	if err != nil || row == nil {
		cancel()
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	s.players.TouchLogin(ctx, row.ID, time.Now())
	cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var limiter *rate.Limiter
	if s.cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit.MessagesPerSecond), s.cfg.RateLimit.Burst)
	}
	sess := session.New(
		s.nextID.Add(1), row.Name, row.ID, admin,
		&session.WSTransport{Conn: conn, WriteTimeout: 10 * time.Second},
		s.router, 256, limiter, s.log,
	)
	s.router.Register(sess)
	sess.Start()
}

// handlePeer adopts an inbound federation link.
func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	peerName := r.Header.Get("X-Spadina-Server")
	if peerName == "" || peerName == s.cfg.Server.Name {
		http.Error(w, "peer identity required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.log.Info("inbound peer", zap.String("server", peerName))
	s.hub.AcceptInbound(peerName, conn)
}

// serveUnix exposes the unauthenticated admin endpoint. Sessions from
// it bypass auth and are admin-promotable.
func (s *Server) serveUnix() error {
	ln, err := net.Listen("unix", s.cfg.Server.UnixSocket)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			name = "admin"
		}
		s.startSession(w, r, name, true)
	})
	s.adminSrv = &http.Server{Handler: mux}
	go func() {
		if err := s.adminSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin socket failed", zap.Error(err))
		}
	}()
	return nil
}
