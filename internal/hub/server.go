package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Server exposes the hub over a WebSocket endpoint at /ws plus a plain
// /health probe.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// NewServer wraps a hub with its HTTP surface.
func NewServer(h *Hub) *Server {
	s := &Server{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Service clients and the CLI connect from localhost or over
			// the tailnet; there is no browser origin to police.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.mux = s.buildMux()
	return s
}

// Hub returns the routed hub, for shutdown broadcasts.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	c := newConn(uuid.New().String(), ws, s.hub)
	slog.Debug("connection accepted", "conn", c.id, "remote", r.RemoteAddr)
	s.hub.addConn(c)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.hub.opts.Version,
		"uptime":  int64(time.Since(s.hub.startedAt).Seconds()),
	})
}

// ServeHTTP lets the server run behind any listener, including tsnet.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start blocks serving the hub on addr until ctx is cancelled, then drains
// connections and shuts the listener down.
func (s *Server) Start(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.mux}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down gateway server")
		s.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("gateway listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Serve runs the hub on an already bound listener. The tailnet path binds
// its own tsnet listener and hands it over here.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{Handler: s.mux}

	go func() {
		<-ctx.Done()
		s.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// StartTestHub runs a hub on an ephemeral localhost port for tests.
// It returns the ws:// URL and a stop function.
func StartTestHub(t interface {
	Fatalf(format string, args ...any)
	Cleanup(func())
}, opts *Options) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewServer(New(opts))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return fmt.Sprintf("ws://%s/ws", ln.Addr().String())
}
