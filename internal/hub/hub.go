// Package hub fans enriched market data out to client WebSocket
// sessions. A single bus reader receives every published snapshot and
// bar; per-client delivery is strictly non-blocking so a slow client
// drops its own messages instead of delaying everyone else.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"options-gateway/internal/bus"
	"options-gateway/internal/metrics"
	"options-gateway/pkg/types"
)

// SymbolResolver maps an underlying symbol to its token so bars can be
// fanned out through the token index.
type SymbolResolver func(symbol string) (uint32, bool)

// Options bounds client sessions.
type Options struct {
	SendBufferSize      int
	MaxConsecutiveDrops int
	AllowedOrigins      []string // empty means same-origin only is not enforced (development)
}

// Hub is the fan-out core.
type Hub struct {
	opts     Options
	verifier *Verifier
	revoked  *Revocations
	resolve  SymbolResolver
	metrics  *metrics.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	clients     map[string]*client
	subscribers map[uint32]map[string]*client
}

// New creates a hub.
func New(opts Options, verifier *Verifier, revoked *Revocations, resolve SymbolResolver, m *metrics.Registry, logger *slog.Logger) *Hub {
	h := &Hub{
		opts:        opts,
		verifier:    verifier,
		revoked:     revoked,
		resolve:     resolve,
		metrics:     m,
		logger:      logger.With("component", "hub"),
		clients:     make(map[string]*client),
		subscribers: make(map[uint32]map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{"bearer"},
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeWS upgrades an HTTP request into a client session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	if token == "" {
		http.Error(w, "missing identity token", http.StatusUnauthorized)
		return
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid identity token", http.StatusUnauthorized)
		return
	}
	if h.revoked.IsRevoked(identity.TokenHash) {
		http.Error(w, "token revoked", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:       uuid.NewString(),
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, h.opts.SendBufferSize),
		subs:     make(map[uint32]struct{}),
		done:     make(chan struct{}),
		hub:      h,
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.ClientsActive.Inc()
	h.logger.Info("client connected", "conn", c.id, "user", identity.UserID)

	c.sendFrame(serverFrame{Type: "connected", ConnID: c.id})
	go c.writePump()
	go c.readPump()
}

// Start subscribes the hub's single reader to the data topics. Message
// payloads may be single objects or batch arrays.
func (h *Hub) Start(conn bus.Conn) error {
	for _, topic := range []string{bus.TopicOptions, bus.TopicFutures} {
		if _, err := conn.Subscribe(topic, func(msg *nats.Msg) {
			h.fanOutSnapshots(msg.Data)
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	if _, err := conn.Subscribe(bus.TopicUnderlying, func(msg *nats.Msg) {
		h.fanOutBars(msg.Data)
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicUnderlying, err)
	}
	return nil
}

func (h *Hub) fanOutSnapshots(data []byte) {
	var snaps []types.OptionSnapshot
	if len(data) > 0 && data[0] == '{' {
		snaps = make([]types.OptionSnapshot, 1)
		if err := json.Unmarshal(data, &snaps[0]); err != nil {
			return
		}
	} else if err := json.Unmarshal(data, &snaps); err != nil {
		return
	}
	for i := range snaps {
		h.Broadcast(snaps[i].Token, tickFrame(&snaps[i]))
	}
}

func (h *Hub) fanOutBars(data []byte) {
	var barList []types.UnderlyingBar
	if len(data) > 0 && data[0] == '{' {
		barList = make([]types.UnderlyingBar, 1)
		if err := json.Unmarshal(data, &barList[0]); err != nil {
			return
		}
	} else if err := json.Unmarshal(data, &barList); err != nil {
		return
	}
	for i := range barList {
		token, ok := h.resolve(barList[i].Symbol)
		if !ok {
			continue
		}
		h.Broadcast(token, barFrame(&barList[i]))
	}
}

// Broadcast delivers a prepared frame to every subscriber of token.
// Delivery is non-blocking: a full client buffer drops the frame for
// that client only.
func (h *Hub) Broadcast(token uint32, frame []byte) {
	h.mu.RLock()
	subs := h.subscribers[token]
	targets := make([]*client, 0, len(subs))
	for _, c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.deliver(frame)
	}
}

func (h *Hub) subscribe(c *client, tokens []uint32) {
	h.mu.Lock()
	for _, t := range tokens {
		c.subs[t] = struct{}{}
		if h.subscribers[t] == nil {
			h.subscribers[t] = make(map[string]*client)
		}
		h.subscribers[t][c.id] = c
	}
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(c *client, tokens []uint32) {
	h.mu.Lock()
	for _, t := range tokens {
		delete(c.subs, t)
		if set := h.subscribers[t]; set != nil {
			delete(set, c.id)
			if len(set) == 0 {
				delete(h.subscribers, t)
			}
		}
	}
	h.mu.Unlock()
}

// remove detaches a client from both indices.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	for t := range c.subs {
		if set := h.subscribers[t]; set != nil {
			delete(set, c.id)
			if len(set) == 0 {
				delete(h.subscribers, t)
			}
		}
	}
	h.mu.Unlock()
	h.metrics.ClientsActive.Dec()
	h.logger.Info("client disconnected", "conn", c.id)
}

// CloseRevoked closes every connection bound to a revoked token hash.
func (h *Hub) CloseRevoked() {
	h.mu.RLock()
	var doomed []*client
	for _, c := range h.clients {
		if h.revoked.IsRevoked(c.identity.TokenHash) {
			doomed = append(doomed, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range doomed {
		c.close(websocket.ClosePolicyViolation, "token revoked")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client with a going-away frame.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}
