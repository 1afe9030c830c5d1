// Package gateway is the thin network surface: a WebSocket endpoint that
// bridges event bus topics to clients, plus a health check. The REST API
// proper lives in front of this service; the gateway only streams.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgelab/toolforge/internal/bus"
	"github.com/forgelab/toolforge/internal/config"
	"github.com/forgelab/toolforge/pkg/protocol"
)

// Server handles WebSocket subscriptions to run and stream topics.
type Server struct {
	cfg *config.Config
	bus *bus.Bus

	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, b *bus.Bus) *Server {
	s := &Server{
		cfg:     cfg,
		bus:     b,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Topic subscriptions are read-only; cross-origin reads leak
		// nothing the token does not already guard.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// authorised checks the gateway token, from the token query parameter or a
// bearer Authorization header. An empty configured token means open access.
func (s *Server) authorised(r *http.Request) bool {
	token := s.cfg.Gateway.Token
	if token == "" {
		return true
	}
	if r.URL.Query().Get("token") == token {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == token && auth != ""
}

// handleWebSocket upgrades the connection and bridges one bus topic to it.
// The topic query parameter selects a run id topic; absent means the global
// stream topic.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorised(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = protocol.TopicStream
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, topic, s.cfg.Gateway.RateLimitRPS)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.bus.Subscribe(c.topic, c.id, func(topic, msg string) {
		c.Enqueue(msg)
	})
	slog.Info("client connected", "id", c.id, "topic", c.topic)
}

func (s *Server) unregisterClient(c *Client) {
	s.bus.Unsubscribe(c.topic, c.id)
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	slog.Info("client disconnected", "id", c.id, "topic", c.topic)
}
