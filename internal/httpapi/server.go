// Package httpapi exposes the core's HTTP surface: the WebSocket upgrade
// endpoint SessionHub connections enter through, plus health and metrics
// routes. Grounded in the teacher's internal/wss/server.go (upgrader,
// per-connection read loop, cleanup-on-read-error) and its cmd/main.go
// (gorilla/mux route registration), generalized from the teacher's
// payload-sniffed userId/challengeId tracking to an authn.Verifier bearer
// token checked once at upgrade time.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lijuuu/ArenaMatchCore/internal/authn"
	"github.com/lijuuu/ArenaMatchCore/internal/metrics"
	"github.com/lijuuu/ArenaMatchCore/internal/sessionhub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the Hub and Dispatcher behind an HTTP mux.
type Server struct {
	hub    *sessionhub.Hub
	disp   *sessionhub.Dispatcher
	verify *authn.Verifier
	mtr    *metrics.Metrics
	log    *zap.Logger

	router *mux.Router
}

func New(hub *sessionhub.Hub, disp *sessionhub.Dispatcher, verify *authn.Verifier, mtr *metrics.Metrics, log *zap.Logger) *Server {
	s := &Server{hub: hub, disp: disp, verify: verify, mtr: mtr, log: log}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/ws", s.handleUpgrade)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if mtr != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(mtr.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleUpgrade authenticates the connecting client via its bearer token,
// upgrades to a WebSocket, and runs the per-connection read loop until the
// client disconnects.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	claims, err := s.verify.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.Warn("websocket upgrade failed", zap.Error(err))
		}
		return
	}
	defer conn.Close()

	connID := s.hub.Register(r.Context(), conn, claims.PlayerID)
	if s.mtr != nil {
		s.mtr.ConnectionsActive.Inc()
	}
	defer func() {
		unregCtx, unregCancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.hub.Unregister(unregCtx, connID)
		unregCancel()
		if s.mtr != nil {
			s.mtr.ConnectionsActive.Dec()
		}
	}()

	if s.log != nil {
		s.log.Info("connection established", zap.String("player_id", claims.PlayerID), zap.String("conn_id", connID))
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if s.log != nil {
				s.log.Debug("connection closed", zap.String("conn_id", connID), zap.Error(err))
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.disp.HandleInbound(ctx, connID, claims.PlayerID, raw); err != nil && s.log != nil {
			s.log.Warn("dispatch failed", zap.String("conn_id", connID), zap.Error(err))
		}
		cancel()
	}
}
