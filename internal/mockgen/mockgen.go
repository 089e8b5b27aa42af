// Package mockgen synthesizes ticks for subscribed instruments while the
// market is closed, so downstream consumers keep receiving data in
// development and after hours. Every synthetic tick is flagged IsMock.
//
// State is bounded two ways: an LRU cap on the number of tracked tokens,
// and a periodic sweep that evicts expired instruments and stale entries.
package mockgen

import (
	"container/list"
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"options-gateway/internal/metrics"
	"options-gateway/pkg/types"
)

// Options bounds the generator.
type Options struct {
	MaxSize         int           // LRU cap on tracked tokens
	CleanupInterval time.Duration // expiry sweep period
	TickInterval    time.Duration // synthetic tick period
	PriceVarBps     float64       // max per-tick price move, basis points
	VolVarPct       float64       // max per-tick volume increment, percent
	StaleAfter      time.Duration // entries untouched this long are swept
}

// Emit receives generated ticks. The engine wires it into the pipeline
// intake alongside real feed ticks.
type Emit func(ticks []types.RawTick)

type state struct {
	token    uint32
	last     float64
	volume   uint64
	oi       uint64
	expiry   time.Time
	seededAt time.Time
}

// Generator produces synthetic ticks by random-walking each token's last
// seen real price.
type Generator struct {
	opts    Options
	emit    Emit
	metrics *metrics.Registry
	logger  *slog.Logger
	active  atomic.Bool

	mu     sync.Mutex
	rng    *rand.Rand
	lru    *list.List // front = most recently touched, values are *state
	states map[uint32]*list.Element
}

// New creates a generator. It starts inactive; the engine activates it
// when the market closes.
func New(opts Options, emit Emit, m *metrics.Registry, logger *slog.Logger) *Generator {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 24 * time.Hour
	}
	return &Generator{
		opts:    opts,
		emit:    emit,
		metrics: m,
		logger:  logger.With("component", "mockgen"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		lru:     list.New(),
		states:  make(map[uint32]*list.Element),
	}
}

// SetActive flips generation on or off. Seeding works either way.
func (g *Generator) SetActive(on bool) {
	was := g.active.Swap(on)
	if was != on {
		g.logger.Info("mock generation toggled", "active", on)
	}
}

// Active reports whether synthetic ticks are being produced.
func (g *Generator) Active() bool { return g.active.Load() }

// Seed records the last real tick for a token so synthetic ticks walk
// from a realistic baseline. Inserting beyond the size cap first sweeps
// expired and stale entries, then evicts the least recently touched
// token if the generator is still full.
func (g *Generator) Seed(inst types.Instrument, tick types.RawTick) {
	if tick.Last <= 0 {
		return
	}
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if el, ok := g.states[tick.Token]; ok {
		s := el.Value.(*state)
		s.last = tick.Last
		s.volume = tick.Volume
		s.oi = tick.OI
		s.seededAt = now
		g.lru.MoveToFront(el)
		return
	}

	if len(g.states) >= g.opts.MaxSize {
		g.sweepLocked(now)
	}
	for len(g.states) >= g.opts.MaxSize {
		g.evictLocked(g.lru.Back(), "lru")
	}
	s := &state{
		token:    tick.Token,
		last:     tick.Last,
		volume:   tick.Volume,
		oi:       tick.OI,
		expiry:   inst.Expiry,
		seededAt: now,
	}
	g.states[tick.Token] = g.lru.PushFront(s)
}

func (g *Generator) evictLocked(el *list.Element, reason string) {
	if el == nil {
		return
	}
	s := el.Value.(*state)
	g.lru.Remove(el)
	delete(g.states, s.token)
	g.metrics.MockEvictions.WithLabelValues(reason).Inc()
}

// Forget drops a token, typically on unsubscribe.
func (g *Generator) Forget(token uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if el, ok := g.states[token]; ok {
		g.lru.Remove(el)
		delete(g.states, token)
	}
}

// Size returns the number of tracked tokens.
func (g *Generator) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.states)
}

// generate walks every tracked token one step and returns the batch.
func (g *Generator) generate(now time.Time) []types.RawTick {
	g.mu.Lock()
	defer g.mu.Unlock()

	ticks := make([]types.RawTick, 0, len(g.states))
	for _, el := range g.states {
		s := el.Value.(*state)

		// Symmetric walk within +/- PriceVarBps of the current price.
		move := (g.rng.Float64()*2 - 1) * g.opts.PriceVarBps / 10000
		s.last *= 1 + move
		if s.last <= 0 {
			s.last = 0.05
		}
		s.volume += uint64(g.rng.Float64() * g.opts.VolVarPct / 100 * float64(s.volume+1))

		spread := s.last * 0.0005
		ticks = append(ticks, types.RawTick{
			Token:       s.token,
			Last:        s.last,
			Bid:         s.last - spread,
			Ask:         s.last + spread,
			Volume:      s.volume,
			OI:          s.oi,
			TimestampMs: uint64(now.UnixMilli()),
		})
	}
	return ticks
}

// sweep evicts expired instruments and entries not reseeded recently.
func (g *Generator) sweep(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sweepLocked(now)
}

func (g *Generator) sweepLocked(now time.Time) {
	var next *list.Element
	for el := g.lru.Front(); el != nil; el = next {
		next = el.Next()
		s := el.Value.(*state)
		expired := !s.expiry.IsZero() && now.After(s.expiry)
		stale := now.Sub(s.seededAt) > g.opts.StaleAfter
		if expired || stale {
			g.evictLocked(el, "expiry")
		}
	}
}

// Run drives tick generation and the cleanup sweep until ctx ends.
func (g *Generator) Run(ctx context.Context) error {
	tick := time.NewTicker(g.opts.TickInterval)
	defer tick.Stop()
	cleanup := time.NewTicker(g.opts.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tick.C:
			if !g.active.Load() {
				continue
			}
			batch := g.generate(now)
			if len(batch) == 0 {
				continue
			}
			g.metrics.MockTicks.Add(float64(len(batch)))
			g.emit(batch)
		case now := <-cleanup.C:
			g.sweep(now)
		}
	}
}
