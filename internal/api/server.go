// Package api is the REST and WebSocket surface of the gateway:
// subscription management, order entry, history, health, metrics and
// the /ws/ticks fan-out endpoint.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"options-gateway/internal/breaker"
	"options-gateway/internal/config"
	"options-gateway/internal/hub"
	"options-gateway/internal/upstream"
	"options-gateway/pkg/types"
)

// SubscriptionStore is the slice of the persistence layer the API needs.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub types.Subscription) error
	ListSubscriptions(ctx context.Context, status types.SubscriptionStatus) ([]types.Subscription, error)
	DeactivateSubscription(ctx context.Context, token uint32) error
	ActiveSubscriptionCount(ctx context.Context) (int, error)
	Healthy(ctx context.Context) bool
}

// OrderService is the order engine surface exposed over REST.
type OrderService interface {
	Submit(ctx context.Context, op types.OrderOperation, params map[string]string, accountID string) (*types.OrderTask, error)
	Get(ctx context.Context, taskID string) (*types.OrderTask, error)
	Replay(ctx context.Context, taskID string) (*types.OrderTask, error)
	DeadLetters(ctx context.Context, limit int) ([]types.OrderTask, error)
}

// InstrumentSource resolves tokens against the instrument registry.
type InstrumentSource interface {
	Get(token uint32) (types.Instrument, bool)
	Len() int
	LoadedAt() time.Time
}

// MarketSource hands out a read-side broker client.
type MarketSource interface {
	Market() (upstream.MarketAPI, error)
}

// CandleEnricher fills greeks on historical candles.
type CandleEnricher interface {
	EnrichCandles(inst types.Instrument, candles []types.Candle, spots map[int64]float64) []types.Candle
}

// Deps wires the server to the rest of the gateway.
type Deps struct {
	Store       SubscriptionStore
	Orders      OrderService
	Instruments InstrumentSource
	Market      MarketSource
	Enricher    CandleEnricher
	Verifier    *hub.Verifier
	Revoked     *hub.Revocations
	WS          http.HandlerFunc // /ws/ticks, hub does its own auth
	Metrics     http.Handler

	BusHealthy       func() bool
	BreakerStates    func() map[string]breaker.State
	TriggerReconcile func()
	TriggerRefresh   func()
}

// storeDownCritical is how long the store may stay unreachable before
// health degrades from degraded to critical.
const storeDownCritical = time.Minute

// Server is the HTTP listener.
type Server struct {
	deps         Deps
	env          config.Environment
	allowOrigins []string
	verifier     *hub.Verifier
	revoked      *hub.Revocations
	server       *http.Server
	logger       *slog.Logger

	mu          sync.Mutex
	storeDownAt time.Time
}

// NewServer builds the route table and listener.
func NewServer(cfg config.ServerConfig, env config.Environment, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:         deps,
		env:          env,
		allowOrigins: cfg.AllowOrigins,
		verifier:     deps.Verifier,
		revoked:      deps.Revoked,
		logger:       logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", deps.Metrics)

	mux.HandleFunc("POST /subscriptions", s.authed(s.handleSubscribe))
	mux.HandleFunc("GET /subscriptions", s.authed(s.handleListSubscriptions))
	mux.HandleFunc("DELETE /subscriptions/{token}", s.authed(s.handleUnsubscribe))

	mux.HandleFunc("POST /orders/regular", s.authed(s.handlePlaceOrder))
	mux.HandleFunc("PUT /orders/regular/{id}", s.authed(s.handleModifyOrder))
	mux.HandleFunc("DELETE /orders/regular/{id}", s.authed(s.handleCancelOrder))
	mux.HandleFunc("GET /orders/regular/{id}", s.authed(s.handleGetTask))

	mux.HandleFunc("GET /history", s.authed(s.handleHistory))

	mux.HandleFunc("POST /admin/instrument-refresh", s.admin(s.handleInstrumentRefresh))
	mux.HandleFunc("GET /admin/dead-letters", s.admin(s.handleDeadLetters))
	mux.HandleFunc("POST /admin/dead-letters/{id}/replay", s.admin(s.handleReplay))

	if deps.WS != nil {
		mux.HandleFunc("GET /ws/ticks", deps.WS)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.requestID(s.httpsRedirect(s.cors(mux))),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the full middleware-wrapped route table for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start blocks serving requests until Stop.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping api server")
	return s.server.Shutdown(ctx)
}
