// Package reload coalesces bursts of reload requests into single
// executions. The subscription reconciler is driven through a Debouncer
// so that a storm of subscription changes produces one reconcile pass.
//
// Trigger is non-blocking. The worker sleeps the debounce window after a
// wake, then tops up to the minimum inter-run interval, then runs the
// reload function under an implicit semaphore of one (the worker is the
// only runner).
package reload

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Debouncer owns a single worker goroutine that executes fn at most once
// per burst of triggers and no more often than minInterval.
type Debouncer struct {
	debounce    time.Duration
	minInterval time.Duration
	fn          func(ctx context.Context)
	logger      *slog.Logger

	mu        sync.Mutex
	pending   bool
	lastRunAt time.Time

	wake chan struct{}
}

// New creates a debouncer. Run must be started for triggers to take effect.
func New(debounce, minInterval time.Duration, fn func(ctx context.Context), logger *slog.Logger) *Debouncer {
	return &Debouncer{
		debounce:    debounce,
		minInterval: minInterval,
		fn:          fn,
		logger:      logger.With("component", "reload"),
		wake:        make(chan struct{}, 1),
	}
}

// Trigger requests a reload. Non-blocking; concurrent triggers during any
// wait collapse into one execution.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	d.pending = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run is the worker loop. Blocks until ctx is cancelled.
func (d *Debouncer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		}

		// Debounce: let the burst finish.
		if !sleep(ctx, d.debounce) {
			return ctx.Err()
		}

		// Enforce minimum spacing between runs.
		d.mu.Lock()
		wait := d.minInterval - time.Since(d.lastRunAt)
		d.mu.Unlock()
		if wait > 0 && !sleep(ctx, wait) {
			return ctx.Err()
		}

		d.mu.Lock()
		if !d.pending {
			d.mu.Unlock()
			continue
		}
		d.pending = false
		d.mu.Unlock()

		d.fn(ctx)

		d.mu.Lock()
		d.lastRunAt = time.Now()
		d.mu.Unlock()
	}
}

func sleep(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(dur):
		return true
	}
}
