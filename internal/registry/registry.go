// Package registry caches instrument metadata keyed by token. The
// pipeline resolves every tick through it, so lookups are lock-free
// reads of an atomically swapped snapshot; refreshes build a new map and
// swap it in whole.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"options-gateway/internal/reload"
	"options-gateway/pkg/types"
)

// Loader fetches the full instrument dump. The production loader reads
// the vendor's daily instrument file; tests use a slice-backed fake.
type Loader interface {
	LoadInstruments(ctx context.Context) ([]types.Instrument, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context) ([]types.Instrument, error)

func (f LoaderFunc) LoadInstruments(ctx context.Context) ([]types.Instrument, error) {
	return f(ctx)
}

type snapshot struct {
	byToken  map[uint32]types.Instrument
	bySymbol map[string]uint32
	loadedAt time.Time
}

// Registry is the instrument cache.
type Registry struct {
	loader Loader
	logger *slog.Logger
	snap   atomic.Pointer[snapshot]

	// Refresher coalesces admin-triggered refreshes. Wired by the engine
	// into a supervised worker.
	Refresher *reload.Debouncer
}

// New creates an empty registry. Call Refresh before serving lookups.
func New(loader Loader, logger *slog.Logger) *Registry {
	r := &Registry{
		loader: loader,
		logger: logger.With("component", "registry"),
	}
	r.snap.Store(&snapshot{
		byToken:  map[uint32]types.Instrument{},
		bySymbol: map[string]uint32{},
	})
	r.Refresher = reload.New(2*time.Second, time.Minute, func(ctx context.Context) {
		if err := r.Refresh(ctx); err != nil {
			r.logger.Error("instrument refresh failed", "error", err)
		}
	}, logger)
	return r
}

// Refresh loads the full instrument set and swaps it in atomically. A
// load failure keeps the previous snapshot serving.
func (r *Registry) Refresh(ctx context.Context) error {
	instruments, err := r.loader.LoadInstruments(ctx)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	if len(instruments) == 0 {
		return fmt.Errorf("loader returned no instruments, keeping previous snapshot")
	}

	byToken := make(map[uint32]types.Instrument, len(instruments))
	bySymbol := make(map[string]uint32, len(instruments))
	for _, inst := range instruments {
		byToken[inst.Token] = inst
		bySymbol[inst.Symbol] = inst.Token
	}
	r.snap.Store(&snapshot{byToken: byToken, bySymbol: bySymbol, loadedAt: time.Now()})
	r.logger.Info("instrument registry refreshed", "instruments", len(instruments))
	return nil
}

// Get resolves a token to its instrument.
func (r *Registry) Get(token uint32) (types.Instrument, bool) {
	inst, ok := r.snap.Load().byToken[token]
	return inst, ok
}

// GetBySymbol resolves a trading symbol to its instrument.
func (r *Registry) GetBySymbol(symbol string) (types.Instrument, bool) {
	s := r.snap.Load()
	token, ok := s.bySymbol[symbol]
	if !ok {
		return types.Instrument{}, false
	}
	return s.byToken[token], true
}

// Underlying resolves an option's underlying instrument.
func (r *Registry) Underlying(inst types.Instrument) (types.Instrument, bool) {
	if inst.UnderlyingToken == 0 {
		return types.Instrument{}, false
	}
	return r.Get(inst.UnderlyingToken)
}

// Len returns the number of cached instruments.
func (r *Registry) Len() int {
	return len(r.snap.Load().byToken)
}

// LoadedAt returns when the current snapshot was loaded; zero if the
// registry has never loaded.
func (r *Registry) LoadedAt() time.Time {
	return r.snap.Load().loadedAt
}

// RunDailyRefresh refreshes the registry once per day at the given local
// wall-clock time (the vendor republishes the instrument dump pre-open).
func (r *Registry) RunDailyRefresh(ctx context.Context, at string, loc *time.Location) error {
	target, err := time.Parse("15:04", at)
	if err != nil {
		return fmt.Errorf("parse refresh time %q: %w", at, err)
	}
	for {
		now := time.Now().In(loc)
		next := time.Date(now.Year(), now.Month(), now.Day(), target.Hour(), target.Minute(), 0, 0, loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next.Sub(now)):
			r.Refresher.Trigger()
		}
	}
}
