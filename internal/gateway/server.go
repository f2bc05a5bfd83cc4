package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/KyouP/llm-ron-bot/internal/bus"
	"github.com/KyouP/llm-ron-bot/internal/config"
	"github.com/KyouP/llm-ron-bot/pkg/protocol"
)

const serverBusID = "gateway-server"

// Server hosts the WebSocket RPC endpoint: it upgrades connections,
// authenticates them, routes request frames, and fans bus events out to
// the sessions each connection subscribed to.
type Server struct {
	cfg    func() *config.Config
	events bus.EventPublisher
	router *Router
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
	subs    *SubscriptionIndex

	httpServer *http.Server
}

// NewServer wires the gateway HTTP/WS server around a method router.
func NewServer(cfg func() *config.Config, events bus.EventPublisher, router *Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		events:  events,
		router:  router,
		logger:  logger,
		clients: make(map[string]*client),
		subs:    NewSubscriptionIndex(),
	}
	router.server = s
	return s
}

// Subscriptions exposes the session fan-out index.
func (s *Server) Subscriptions() *SubscriptionIndex { return s.subs }

func (s *Server) upgrader() websocket.Upgrader {
	allowed := s.cfg().Gateway.AllowedOrigins
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			for _, a := range allowed {
				if strings.EqualFold(a, origin) || a == "*" {
					return true
				}
			}
			return false
		},
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.events != nil {
		s.events.Subscribe(serverBusID, s.onBusEvent)
		defer s.events.Unsubscribe(serverBusID)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ok":true,"protocol":%d}`, protocol.ProtocolVersion)
	})

	gw := s.cfg().Gateway
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.broadcastShutdown()
		s.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if token := s.cfg().Gateway.Token; token != "" {
		got := r.Header.Get("Authorization")
		got = strings.TrimPrefix(got, "Bearer ")
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		if got != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	gw := s.cfg().Gateway
	var limiter *rate.Limiter
	if gw.RatePerSecond > 0 {
		burst := gw.RateBurst
		if burst <= 0 {
			burst = int(gw.RatePerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(gw.RatePerSecond), burst)
	}

	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		server:  s,
		limiter: limiter,
		logger:  s.logger,
	}

	s.mu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("client connected", "client", c.id, "clients", count)

	go c.writePump()
	go c.readPump()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.id)
	count := len(s.clients)
	s.mu.Unlock()

	s.subs.UnsubscribeAll(c.id)
	close(c.send)
	s.logger.Info("client disconnected", "client", c.id, "clients", count)
}

// onBusEvent forwards a server-side event to connected clients. Events
// carrying a sessionKey go only to subscribers of that session; the rest
// go to every connection.
func (s *Server) onBusEvent(ev bus.Event) {
	frame := protocol.NewEvent(ev.Name, ev.Payload)
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("event marshal failed", "event", ev.Name, "error", err)
		return
	}

	if sessionKey := sessionKeyOf(ev.Payload); sessionKey != "" {
		s.sendToSession(sessionKey, data)
		return
	}
	// Chat traffic must reach connector processes that hold no
	// subscriptions; other unkeyed events only interest connections
	// that subscribed to something.
	if ev.Name == protocol.EventChat {
		s.sendToAllConnected(data)
		return
	}
	s.sendToAllSubscribed(data)
}

// sendToSession fans a serialized frame out to the session's subscribers.
func (s *Server) sendToSession(sessionKey string, data []byte) {
	for _, id := range s.subs.Subscribers(sessionKey) {
		s.mu.Lock()
		c, ok := s.clients[id]
		s.mu.Unlock()
		if ok {
			c.enqueue(data)
		}
	}
}

// sendToAllConnected fans a serialized frame out regardless of
// subscriptions.
func (s *Server) sendToAllConnected(data []byte) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.enqueue(data)
	}
}

// sendToAllSubscribed fans a serialized frame out to every connection
// holding at least one subscription.
func (s *Server) sendToAllSubscribed(data []byte) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		if len(s.subs.Sessions(c.id)) > 0 {
			c.enqueue(data)
		}
	}
}

func (s *Server) broadcastShutdown() {
	frame := protocol.NewEvent(protocol.EventShutdown, nil)
	if data, err := json.Marshal(frame); err == nil {
		s.sendToAllConnected(data)
	}
}

// sessionKeyOf extracts a sessionKey field from an event payload, if the
// payload shape carries one.
func sessionKeyOf(payload interface{}) string {
	switch p := payload.(type) {
	case bus.AgentEvent:
		return p.SessionKey
	case *bus.AgentEvent:
		return p.SessionKey
	case map[string]interface{}:
		if v, ok := p["sessionKey"].(string); ok {
			return v
		}
	}
	return ""
}
