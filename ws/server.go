// Package ws is the websocket transport: the HTTP surface that upgrades
// sockets, the handshake that authenticates them, and the pump pair that
// moves frames between the peer and the gateway runtime.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"crewlink/auth"
	"crewlink/contract"
	"crewlink/domain"
	"crewlink/domain/event"
	"crewlink/errors"
	"crewlink/observability"
)

const shutdownTimeout = 5 * time.Second

// Gateway is the runtime surface the transport drives.
type Gateway interface {
	Connect(ctx context.Context, conn *domain.Connection, sink contract.EventSink, refreshed *auth.TokenPair)
	Dispatch(ctx context.Context, conn *domain.Connection, sink contract.EventSink, frame event.Frame)
	Disconnect(ctx context.Context, socketID domain.SocketID, reason string)
	Online(userID string) bool
}

// Config is the transport's slice of the gateway configuration.
type Config struct {
	Addr       string
	SinkBuffer int
}

// Server terminates websockets and the small HTTP surface next to them:
// health, stats, and the mounted auth API.
type Server struct {
	log        *slog.Logger
	cfg        Config
	gateway    Gateway
	gate       *auth.Gate
	metrics    *observability.Metrics
	api        http.Handler
	upgrader   websocket.Upgrader
	httpServer *http.Server

	// lifeCtx outlives individual requests: the request context dies when
	// the upgrade handler returns, but the pumps keep running.
	lifeCtx context.Context
}

func NewServer(log *slog.Logger, cfg Config, gateway Gateway, gate *auth.Gate,
	metrics *observability.Metrics, api http.Handler) *Server {
	return &Server{
		log:     log,
		cfg:     cfg,
		gateway: gateway,
		gate:    gate,
		metrics: metrics,
		api:     api,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth rides on bearer tokens, not cookies, so cross-origin
			// upgrades carry no ambient credentials to protect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving in the background. ctx bounds the lifetime of every
// connection accepted from here on.
func (s *Server) Start(ctx context.Context) error {
	s.lifeCtx = ctx
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.Info("Gateway listening", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop refuses new connections. Live sockets are closed by the runtime's
// drain, not here: their close frame should say going-away, not be cut
// mid-write.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleSocket)
	r.Get("/healthz", s.handleHealth)
	r.Get("/statsz", s.handleStats)
	if s.api != nil {
		r.Mount("/v1", s.api)
	}
	return r
}

// handleSocket is the websocket handshake: upgrade first, then
// authenticate on the open socket so rejections arrive as a readable
// error event instead of an opaque HTTP status.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id, refreshed, err := s.gate.Authenticate(r.Context(), handshakeCredentials(r))
	if err != nil {
		s.log.Info("Handshake rejected", "remote", r.RemoteAddr, "error", err)
		s.rejectSocket(wsConn, err)
		return
	}

	socketID := domain.SocketID(uuid.NewString())
	conn := domain.NewConnection(socketID, id, time.Now(), s.gateway.Online(id.UserID))
	sink := NewSink(socketID, s.cfg.SinkBuffer)
	client := &clientConn{log: s.log, ws: wsConn, conn: conn, sink: sink, gateway: s.gateway}

	go client.writePump()
	s.gateway.Connect(s.lifeCtx, conn, sink, refreshed)
	go client.readPump(s.lifeCtx)
}

// rejectSocket sends one error event and a policy-violation close frame,
// then hangs up.
func (s *Server) rejectSocket(wsConn *websocket.Conn, err error) {
	defer wsConn.Close()
	_ = wsConn.SetWriteDeadline(time.Now().Add(writeWait))
	if data, merr := json.Marshal(event.New(event.Error, errors.Wire(err))); merr == nil {
		_ = wsConn.WriteMessage(websocket.TextMessage, data)
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
	_ = wsConn.WriteMessage(websocket.CloseMessage, msg)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		s.log.Error("Failed to write health check response", "error", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.metrics.Latest()); err != nil {
		s.log.Error("Stats encoding failed", "error", err)
	}
}

// handshakeCredentials reads the token pair from headers, falling back to
// query parameters for clients that cannot set headers on the upgrade.
func handshakeCredentials(r *http.Request) auth.Credentials {
	creds := auth.Credentials{
		AccessToken:  r.URL.Query().Get("access_token"),
		RefreshToken: r.URL.Query().Get("refresh_token"),
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		creds.AccessToken = strings.TrimPrefix(h, "Bearer ")
	}
	if h := r.Header.Get("X-Refresh-Token"); h != "" {
		creds.RefreshToken = h
	}
	return creds
}
