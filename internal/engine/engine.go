// Package engine wires the gateway together and owns its lifecycle:
// boot in dependency order, supervised background loops, and a reverse
// shutdown with a bounded drain.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"options-gateway/internal/api"
	"options-gateway/internal/bars"
	"options-gateway/internal/breaker"
	"options-gateway/internal/bus"
	"options-gateway/internal/config"
	"options-gateway/internal/hub"
	"options-gateway/internal/metrics"
	"options-gateway/internal/mockgen"
	"options-gateway/internal/orders"
	"options-gateway/internal/pipeline"
	"options-gateway/internal/reconciler"
	"options-gateway/internal/registry"
	"options-gateway/internal/reload"
	"options-gateway/internal/session"
	"options-gateway/internal/store"
	"options-gateway/internal/supervisor"
	"options-gateway/pkg/types"
)

const shutdownTimeout = 30 * time.Second

// Engine is the assembled gateway.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Registry
	sup     *supervisor.Supervisor

	db      *store.Store
	cipher  *store.Cipher
	busConn *nats.Conn
	pub     *bus.Publisher
	batcher *bus.Batcher

	reg  *registry.Registry
	sess *session.Orchestrator
	pl   *pipeline.Pipeline
	agg  *bars.Aggregator
	mock *mockgen.Generator
	hub  *hub.Hub
	ord  *orders.Engine
	rec  *reconciler.Reconciler

	recTrigger *reload.Debouncer
	api        *api.Server
	loc        *time.Location
}

// New builds every component in dependency order. Nothing runs yet;
// Run starts the loops.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		metrics: metrics.New(),
		sup:     supervisor.New(logger),
	}

	loc, err := time.LoadLocation(cfg.Greeks.MarketTimezone)
	if err != nil {
		return nil, fmt.Errorf("load market timezone: %w", err)
	}
	e.loc = loc

	// Store and credential cipher.
	e.db, err = store.New(ctx, cfg.DB.URL, cfg.DB.MinConns, cfg.DB.MaxConns, logger)
	if err != nil {
		return nil, err
	}
	if err := e.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	e.cipher, err = store.NewCipher(cfg.DB.EncryptionKey)
	if err != nil {
		return nil, err
	}

	// Pub/sub bus, publisher, batcher.
	busURL := cfg.Bus.URL
	if busURL == "" {
		busURL = nats.DefaultURL
	}
	e.busConn, err = bus.Connect(busURL, logger)
	if err != nil {
		return nil, err
	}
	busBreaker := breaker.New(cfg.Bus.FailureThreshold, cfg.Bus.RecoveryTimeout, 0)
	e.pub = bus.NewPublisher(e.busConn, busBreaker, cfg.Bus.PublishRetries, cfg.Bus.RetryBackoff, e.metrics, logger)
	e.batcher = bus.NewBatcher(e.pub, cfg.Pipeline.BatchMaxSize, cfg.Pipeline.BatchWindow)

	// Accounts. Feed ticks flow into the pipeline, which is built below;
	// the indirection through e.pl keeps the wiring acyclic.
	e.sess = session.New(session.Options{
		RESTBaseURL:      cfg.Upstream.RESTBaseURL,
		WSURL:            cfg.Upstream.WSURL,
		DryRun:           cfg.DryRun,
		MaxPerConn:       cfg.Pool.MaxInstrumentsPerConn,
		MaxConns:         cfg.Pool.MaxConnsPerAccount,
		StallTimeout:     cfg.Upstream.StallTimeout,
		BreakerThreshold: cfg.Orders.FailureThreshold,
		BreakerRecovery:  cfg.Orders.RecoveryTimeout,
	}, e.cipher, func(account string, ticks []types.RawTick) {
		if e.pl != nil {
			e.pl.Ingest(context.Background(), account, ticks)
		}
	}, e.metrics, logger)
	if err := e.sess.Load(ctx, e.db); err != nil {
		return nil, err
	}

	// Instrument registry. A failed initial load leaves the gateway
	// serving with an empty registry until the refresher succeeds.
	e.reg = registry.New(registry.LoaderFunc(e.sess.Instruments), logger)
	if err := e.reg.Refresh(ctx); err != nil {
		e.logger.Warn("initial instrument load failed, serving empty registry", "error", err)
	}

	// Mock generator feeds the pipeline like a real account would.
	e.mock = mockgen.New(mockgen.Options{
		MaxSize:         cfg.Mock.MaxSize,
		CleanupInterval: time.Duration(cfg.Mock.CleanupIntervalSeconds) * time.Second,
		TickInterval:    time.Second,
		PriceVarBps:     cfg.Mock.PriceVarBps,
		VolVarPct:       cfg.Mock.VolVarPct,
	}, func(ticks []types.RawTick) {
		if e.pl != nil {
			e.pl.IngestMock(context.Background(), ticks)
		}
	}, e.metrics, logger)

	// Bar aggregator and tick pipeline.
	e.agg = bars.New(time.Duration(cfg.Stream.IntervalSeconds)*time.Second, e.pub, e.metrics, logger)
	seeder := pipeline.Seeder(nil)
	if cfg.Mock.Enabled {
		seeder = e.mock.Seed
	}
	e.pl, err = pipeline.New(pipeline.Options{
		InterestRate:    cfg.Greeks.InterestRate,
		DividendYield:   cfg.Greeks.DividendYield,
		ExpiryTimeOfDay: cfg.Greeks.ExpiryTimeOfDay,
		MarketTimezone:  cfg.Greeks.MarketTimezone,
		BatchEnabled:    cfg.Pipeline.BatchEnabled,
	}, e.reg, e.pub, e.batcher, e.agg.OnTick, seeder, e.metrics, logger)
	if err != nil {
		return nil, err
	}

	// Client fan-out hub.
	verifier := hub.NewVerifier(cfg.Server.JWTSecret)
	revoked := hub.NewRevocations()
	e.hub = hub.New(hub.Options{
		SendBufferSize:      cfg.Hub.SendBufferSize,
		MaxConsecutiveDrops: cfg.Hub.MaxConsecutiveDrops,
		AllowedOrigins:      cfg.Server.AllowOrigins,
	}, verifier, revoked, func(symbol string) (uint32, bool) {
		inst, ok := e.reg.GetBySymbol(symbol)
		return inst.Token, ok
	}, e.metrics, logger)

	// Order engine.
	e.ord = orders.New(orders.Options{
		Workers:     cfg.Orders.Workers,
		MaxAttempts: uint32(cfg.Orders.MaxAttempts),
		BaseBackoff: cfg.Orders.BaseBackoff,
		MaxBackoff:  cfg.Orders.MaxBackoff,
		Retention:   cfg.Orders.Retention,
	}, e.db, e.sess, e.metrics, logger)

	// Reconciler behind a debouncer so bursts of subscription changes
	// coalesce into few passes.
	tokenCap := cfg.Pool.MaxInstrumentsPerConn * cfg.Pool.MaxConnsPerAccount
	e.recTrigger = reload.New(2*time.Second, 0, func(ctx context.Context) {
		if err := e.rec.Reconcile(ctx); err != nil {
			e.logger.Error("reconcile failed", "error", err)
		}
	}, logger)
	e.rec = reconciler.New(e.db, e.sess, tokenCap, e.recTrigger.Trigger, e.metrics, logger)

	e.api = api.NewServer(cfg.Server, cfg.Environment, api.Deps{
		Store:            e.db,
		Orders:           e.ord,
		Instruments:      e.reg,
		Market:           e.sess,
		Enricher:         e.pl,
		Verifier:         verifier,
		Revoked:          revoked,
		WS:               e.hub.ServeWS,
		Metrics:          e.metrics.Handler(),
		BusHealthy:       e.pub.Healthy,
		BreakerStates:    e.sess.BreakerStates,
		TriggerReconcile: e.recTrigger.Trigger,
		TriggerRefresh:   e.reg.Refresher.Trigger,
	}, logger)

	return e, nil
}

// Run starts every loop, performs the initial reconcile, and blocks
// until ctx is canceled. Shutdown runs in reverse order with a bounded
// drain.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.hub.Start(e.busConn); err != nil {
		return fmt.Errorf("start hub fan-out: %w", err)
	}

	onError := func(name string, err error) {
		e.logger.Error("supervised unit failed", "unit", name, "error", err)
		e.publishEvent(context.Background(), "unit_failure", name+": "+err.Error())
	}
	e.sup.Loop(runCtx, "batcher", e.batcher.Run, onError)
	e.sup.Loop(runCtx, "bars", e.agg.Run, onError)
	e.sup.Loop(runCtx, "orders", e.ord.Run, onError)
	e.sup.Loop(runCtx, "reconcile-debounce", e.recTrigger.Run, onError)
	e.sup.Loop(runCtx, "registry-refresh", e.reg.Refresher.Run, onError)
	e.sup.Loop(runCtx, "registry-daily", func(ctx context.Context) error {
		return e.reg.RunDailyRefresh(ctx, "08:30", e.loc)
	}, onError)
	e.sup.Loop(runCtx, "pool-health", func(ctx context.Context) error {
		e.sess.RunHealth(ctx, time.Duration(e.cfg.Pool.HealthIntervalSeconds)*time.Second)
		return nil
	}, onError)
	if e.cfg.Mock.Enabled {
		e.sup.Loop(runCtx, "mockgen", e.mock.Run, onError)
		e.sup.Loop(runCtx, "market-clock", e.runMarketClock, onError)
	}
	e.sup.Go(runCtx, "api", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutCancel()
			e.api.Stop(shutCtx)
		}()
		return e.api.Start()
	}, onError)

	if err := e.rec.Reconcile(runCtx); err != nil {
		e.logger.Error("initial reconcile failed", "error", err)
	}

	e.logger.Info("gateway ready",
		"env", e.cfg.Environment,
		"accounts", len(e.sess.Available()),
		"instruments", e.reg.Len(),
		"dry_run", e.cfg.DryRun)

	<-ctx.Done()
	e.shutdown()
	return nil
}

// shutdown tears components down in reverse boot order.
func (e *Engine) shutdown() {
	e.logger.Info("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	e.hub.Shutdown(drainCtx)
	e.mock.SetActive(false)
	e.batcher.Flush(drainCtx)
	e.sess.Close()

	e.sup.Wait()

	e.busConn.Close()
	e.db.Close()
	e.logger.Info("shutdown complete")
}

// publishEvent emits an out-of-band notification on the events topic.
func (e *Engine) publishEvent(ctx context.Context, kind, detail string) {
	data, err := json.Marshal(types.ControlEvent{
		Kind:   kind,
		Detail: detail,
		TsMs:   uint64(time.Now().UnixMilli()),
	})
	if err != nil {
		return
	}
	e.pub.Publish(ctx, bus.TopicEvents, data)
}

// runMarketClock flips the mock generator on outside exchange hours and
// off while the market trades.
func (e *Engine) runMarketClock(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		if want := !e.marketOpen(time.Now()); e.mock.Active() != want {
			e.mock.SetActive(want)
			detail := "off"
			if want {
				detail = "on"
			}
			e.publishEvent(ctx, "mock_mode", detail)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// marketOpen reports whether the exchange is in its regular session
// (Mon-Fri 09:15-15:30 market time).
func (e *Engine) marketOpen(now time.Time) bool {
	t := now.In(e.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= 9*60+15 && minutes < 15*60+30
}
