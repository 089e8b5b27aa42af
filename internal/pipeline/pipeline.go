// Package pipeline validates, enriches and publishes raw ticks. Option
// ticks gain implied volatility and greeks computed against the latest
// underlying spot; underlying ticks update the spot cache and feed the
// bar aggregator. A bad tick is dropped and counted, never fatal.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"options-gateway/internal/bus"
	"options-gateway/internal/greeks"
	"options-gateway/internal/metrics"
	"options-gateway/internal/registry"
	"options-gateway/pkg/types"
)

// Options carries the enrichment parameters.
type Options struct {
	InterestRate    float64
	DividendYield   float64
	ExpiryTimeOfDay string // "HH:MM" wall clock in MarketTimezone
	MarketTimezone  string
	BatchEnabled    bool
}

// UnderlyingHandler receives validated underlying ticks (bar aggregator).
// account identifies the feed that delivered the tick so duplicates from
// overlapping subscriptions can be collapsed downstream.
type UnderlyingHandler func(account string, inst types.Instrument, tick types.RawTick, isMock bool)

// Seeder receives real ticks for mock-state seeding.
type Seeder func(inst types.Instrument, tick types.RawTick)

// Pipeline is the per-tick processing stage between the pool and the bus.
type Pipeline struct {
	opts         Options
	reg          *registry.Registry
	pub          *bus.Publisher
	batch        *bus.Batcher // nil when batching is disabled
	onUnderlying UnderlyingHandler
	seed         Seeder
	metrics      *metrics.Registry
	logger       *slog.Logger

	loc          *time.Location
	expiryHour   int
	expiryMinute int

	spotMu sync.RWMutex
	spots  map[uint32]float64 // underlying token -> last price

	now func() time.Time
}

// New creates a pipeline. batch may be nil to publish ticks individually.
func New(opts Options, reg *registry.Registry, pub *bus.Publisher, batch *bus.Batcher,
	onUnderlying UnderlyingHandler, seed Seeder, m *metrics.Registry, logger *slog.Logger) (*Pipeline, error) {

	loc, err := time.LoadLocation(opts.MarketTimezone)
	if err != nil {
		return nil, fmt.Errorf("load market timezone %q: %w", opts.MarketTimezone, err)
	}
	t, err := time.Parse("15:04", opts.ExpiryTimeOfDay)
	if err != nil {
		return nil, fmt.Errorf("parse expiry time %q: %w", opts.ExpiryTimeOfDay, err)
	}
	if !opts.BatchEnabled {
		batch = nil
	}
	return &Pipeline{
		opts:         opts,
		reg:          reg,
		pub:          pub,
		batch:        batch,
		onUnderlying: onUnderlying,
		seed:         seed,
		metrics:      m,
		logger:       logger.With("component", "pipeline"),
		loc:          loc,
		expiryHour:   t.Hour(),
		expiryMinute: t.Minute(),
		spots:        make(map[uint32]float64),
		now:          time.Now,
	}, nil
}

// Ingest processes a batch of real ticks from one account's feed.
func (p *Pipeline) Ingest(ctx context.Context, account string, ticks []types.RawTick) {
	p.metrics.TicksReceived.WithLabelValues(account).Add(float64(len(ticks)))
	p.process(ctx, account, ticks, false)
}

// IngestMock processes synthetic ticks from the mock generator.
func (p *Pipeline) IngestMock(ctx context.Context, ticks []types.RawTick) {
	p.process(ctx, "mock", ticks, true)
}

func (p *Pipeline) process(ctx context.Context, account string, ticks []types.RawTick, isMock bool) {
	for i := range ticks {
		tick := ticks[i]
		if reason := validate(tick); reason != "" {
			p.metrics.TicksRejected.WithLabelValues(reason).Inc()
			continue
		}

		inst, ok := p.reg.Get(tick.Token)
		if !ok {
			p.metrics.UnknownTokens.Inc()
			continue
		}
		if tick.TimestampMs == 0 {
			tick.TimestampMs = uint64(p.now().UnixMilli())
		}
		if !isMock && p.seed != nil {
			p.seed(inst, tick)
		}

		switch inst.Segment {
		case types.SegmentOption:
			p.publishSnapshot(ctx, bus.TopicOptions, p.enrichOption(inst, tick, isMock))
		case types.SegmentFuture:
			p.publishSnapshot(ctx, bus.TopicFutures, baseSnapshot(inst, tick, isMock))
		default:
			p.setSpot(tick.Token, tick.Last)
			if p.onUnderlying != nil {
				p.onUnderlying(account, inst, tick, isMock)
			}
		}
	}
}

// validate returns a rejection reason, or "" for a good tick.
func validate(tick types.RawTick) string {
	switch {
	case tick.Token == 0:
		return "missing_token"
	case math.IsNaN(tick.Last) || math.IsInf(tick.Last, 0):
		return "invalid_price"
	case tick.Last < 0:
		return "negative_price"
	case math.IsNaN(tick.Bid) || math.IsInf(tick.Bid, 0) ||
		math.IsNaN(tick.Ask) || math.IsInf(tick.Ask, 0):
		return "invalid_quote"
	}
	return ""
}

func baseSnapshot(inst types.Instrument, tick types.RawTick, isMock bool) types.OptionSnapshot {
	return types.OptionSnapshot{
		Token:  tick.Token,
		Symbol: inst.Symbol,
		Last:   tick.Last,
		Bid:    tick.Bid,
		Ask:    tick.Ask,
		BidQty: tick.BidQty,
		AskQty: tick.AskQty,
		Depth:  tick.Depth,
		Volume: tick.Volume,
		OI:     tick.OI,
		TsMs:   tick.TimestampMs,
		IsMock: isMock,
	}
}

// enrichOption attaches IV and greeks. Enrichment failure is soft: the
// snapshot still publishes with NoGreeks set.
func (p *Pipeline) enrichOption(inst types.Instrument, tick types.RawTick, isMock bool) types.OptionSnapshot {
	snap := baseSnapshot(inst, tick, isMock)

	spot, haveSpot := p.Spot(inst.UnderlyingToken)
	T := p.timeToExpiry(inst)
	if !haveSpot || T <= 0 || tick.Last <= 0 {
		snap.NoGreeks = true
		p.metrics.EnrichFailures.Inc()
		return snap
	}

	params := greeks.Params{
		Spot:         spot,
		Strike:       inst.Strike,
		TimeToExpiry: T,
		Rate:         p.opts.InterestRate,
		Dividend:     p.opts.DividendYield,
		Type:         inst.OptionType,
	}

	iv := tick.IV
	if iv <= 0 {
		derived, err := greeks.ImpliedVol(tick.Last, params)
		if err != nil {
			snap.NoGreeks = true
			p.metrics.EnrichFailures.Inc()
			return snap
		}
		iv = derived
	}

	g := greeks.Compute(params, iv)
	snap.IV = iv
	snap.Delta = g.Delta
	snap.Gamma = g.Gamma
	snap.Theta = g.Theta
	snap.Vega = g.Vega
	p.metrics.TicksEnriched.Inc()
	return snap
}

// timeToExpiry returns years until the instrument's expiry instant
// (expiry date at the configured wall-clock time in the market zone).
func (p *Pipeline) timeToExpiry(inst types.Instrument) float64 {
	if inst.Expiry.IsZero() {
		return 0
	}
	e := inst.Expiry.In(p.loc)
	expiryAt := time.Date(e.Year(), e.Month(), e.Day(), p.expiryHour, p.expiryMinute, 0, 0, p.loc)
	remaining := expiryAt.Sub(p.now())
	if remaining <= 0 {
		return 0
	}
	return remaining.Hours() / 24 / 365
}

func (p *Pipeline) publishSnapshot(ctx context.Context, topic string, snap types.OptionSnapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		p.logger.Error("marshal snapshot", "token", snap.Token, "error", err)
		return
	}
	if p.batch != nil {
		p.batch.Add(ctx, topic, payload)
		return
	}
	p.pub.Publish(ctx, topic, payload)
}

// Spot returns the last seen underlying price for a token.
func (p *Pipeline) Spot(token uint32) (float64, bool) {
	p.spotMu.RLock()
	defer p.spotMu.RUnlock()
	spot, ok := p.spots[token]
	return spot, ok
}

func (p *Pipeline) setSpot(token uint32, price float64) {
	if price <= 0 {
		return
	}
	p.spotMu.Lock()
	p.spots[token] = price
	p.spotMu.Unlock()
}

// EnrichCandles fills greeks fields on historical candles for an option,
// pricing each bar's close against the underlying's close at the same
// instant.
func (p *Pipeline) EnrichCandles(inst types.Instrument, candles []types.Candle, spots map[int64]float64) []types.Candle {
	if !inst.IsOption() {
		return candles
	}
	for i := range candles {
		spot, ok := spots[candles[i].Date.Unix()]
		if !ok || candles[i].Close <= 0 {
			continue
		}
		e := inst.Expiry.In(p.loc)
		expiryAt := time.Date(e.Year(), e.Month(), e.Day(), p.expiryHour, p.expiryMinute, 0, 0, p.loc)
		T := expiryAt.Sub(candles[i].Date).Hours() / 24 / 365
		if T <= 0 {
			continue
		}
		params := greeks.Params{
			Spot:         spot,
			Strike:       inst.Strike,
			TimeToExpiry: T,
			Rate:         p.opts.InterestRate,
			Dividend:     p.opts.DividendYield,
			Type:         inst.OptionType,
		}
		iv, err := greeks.ImpliedVol(candles[i].Close, params)
		if err != nil {
			continue
		}
		g := greeks.Compute(params, iv)
		candles[i].IV = iv
		candles[i].Delta = g.Delta
		candles[i].Gamma = g.Gamma
		candles[i].Theta = g.Theta
		candles[i].Vega = g.Vega
	}
	return candles
}
