// Package bars aggregates underlying ticks into fixed-interval OHLCV
// bars and publishes them on the underlying topic. Tick timestamps are
// floored to the interval; a bar closes when its window ends and is
// flushed by the timer loop (or by a window-crossing tick, whichever
// comes first).
//
// Multiple accounts can stream the same underlying. A tick identical in
// (account, timestamp, price) to one already folded into the current bar
// is a duplicate delivery and is skipped so volume is not double counted.
package bars

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"options-gateway/internal/bus"
	"options-gateway/internal/metrics"
	"options-gateway/pkg/types"
)

type dedupeKey struct {
	account string
	tsMs    uint64
	price   float64
}

type building struct {
	bar  types.UnderlyingBar
	seen map[dedupeKey]struct{}
}

// Aggregator builds one bar per underlying symbol per interval.
type Aggregator struct {
	interval time.Duration
	pub      *bus.Publisher
	metrics  *metrics.Registry
	logger   *slog.Logger

	mu   sync.Mutex
	open map[string]*building // by symbol

	now func() time.Time
}

// New creates an aggregator emitting bars every interval.
func New(interval time.Duration, pub *bus.Publisher, m *metrics.Registry, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		interval: interval,
		pub:      pub,
		metrics:  m,
		logger:   logger.With("component", "bars"),
		open:     make(map[string]*building),
		now:      time.Now,
	}
}

// OnTick folds one underlying tick into its symbol's current bar. Wired
// as the pipeline's UnderlyingHandler.
func (a *Aggregator) OnTick(account string, inst types.Instrument, tick types.RawTick, isMock bool) {
	tsSec := int64(tick.TimestampMs / 1000)
	if tsSec == 0 {
		tsSec = a.now().Unix()
	}
	window := uint64(tsSec - tsSec%int64(a.interval.Seconds()))
	key := dedupeKey{account: account, tsMs: tick.TimestampMs, price: tick.Last}

	var closed *types.UnderlyingBar
	a.mu.Lock()
	b, ok := a.open[inst.Symbol]
	if ok && window > b.bar.TsSec {
		done := b.bar
		closed = &done
		delete(a.open, inst.Symbol)
		b = nil
		ok = false
	}
	if !ok {
		a.open[inst.Symbol] = &building{
			bar: types.UnderlyingBar{
				Symbol: inst.Symbol,
				Open:   tick.Last,
				High:   tick.Last,
				Low:    tick.Last,
				Close:  tick.Last,
				Volume: tick.QtyDelta,
				TsSec:  window,
				IsMock: isMock,
			},
			seen: map[dedupeKey]struct{}{key: {}},
		}
		a.mu.Unlock()
		if closed != nil {
			a.publish(context.Background(), *closed)
		}
		return
	}

	if _, dup := b.seen[key]; dup {
		a.mu.Unlock()
		return
	}
	b.seen[key] = struct{}{}
	if tick.Last > b.bar.High {
		b.bar.High = tick.Last
	}
	if tick.Last < b.bar.Low {
		b.bar.Low = tick.Last
	}
	b.bar.Close = tick.Last
	b.bar.Volume += tick.QtyDelta
	b.bar.IsMock = b.bar.IsMock && isMock
	a.mu.Unlock()
}

// Run flushes completed bars until ctx ends, then flushes everything so
// shutdown does not lose the open bars.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.flush(context.Background(), true)
			return ctx.Err()
		case <-ticker.C:
			a.flush(ctx, false)
		}
	}
}

// flush publishes bars whose window has ended; all of them when force is
// set.
func (a *Aggregator) flush(ctx context.Context, force bool) {
	nowWindow := uint64(a.now().Unix())
	nowWindow -= nowWindow % uint64(a.interval.Seconds())

	a.mu.Lock()
	var done []types.UnderlyingBar
	for symbol, b := range a.open {
		if force || b.bar.TsSec < nowWindow {
			done = append(done, b.bar)
			delete(a.open, symbol)
		}
	}
	a.mu.Unlock()

	for _, bar := range done {
		a.publish(ctx, bar)
	}
}

func (a *Aggregator) publish(ctx context.Context, bar types.UnderlyingBar) {
	payload, err := json.Marshal(bar)
	if err != nil {
		a.logger.Error("marshal bar", "symbol", bar.Symbol, "error", err)
		return
	}
	a.pub.Publish(ctx, bus.TopicUnderlying, payload)
	a.metrics.BarsEmitted.Inc()
}
