// Package supervisor wraps long-lived goroutines with panic capture,
// naming, and optional restart. Every background unit in the gateway is
// created through Go or Loop so that an escaped panic becomes a critical
// log plus callback instead of a process crash.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const maxRestartBackoff = 30 * time.Second

// Supervisor launches and tracks named work units. Wait blocks until all
// units started through this supervisor have returned.
type Supervisor struct {
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a supervisor.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{logger: logger.With("component", "supervisor")}
}

// Go runs fn as an independently supervised unit. A panic is captured and
// logged with the unit name and stack; onError (if non-nil) is invoked
// with the recovered error. Context cancellation is a clean exit, not an
// error. Sibling units are unaffected either way.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context) error, onError func(name string, err error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.runOnce(ctx, name, fn)
		if err != nil && onError != nil {
			onError(name, err)
		}
	}()
}

// Loop runs fn like Go but restarts it after failures with exponential
// backoff (1s doubling to 30s, reset on a clean run of at least one
// backoff period). It returns permanently when ctx is cancelled or fn
// returns nil.
func (s *Supervisor) Loop(ctx context.Context, name string, fn func(ctx context.Context) error, onError func(name string, err error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := time.Second
		for {
			started := time.Now()
			err := s.runOnce(ctx, name, fn)
			if ctx.Err() != nil || err == nil {
				return
			}
			if onError != nil {
				onError(name, err)
			}
			if time.Since(started) > backoff {
				backoff = time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxRestartBackoff {
				backoff = maxRestartBackoff
			}
		}
	}()
}

// runOnce executes fn once with panic capture. Returns nil for clean exit
// and for context cancellation.
func (s *Supervisor) runOnce(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
			s.logger.Error("task panicked",
				"task", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	err = fn(ctx)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	s.logger.Error("task failed", "task", name, "error", err)
	return err
}

// Wait blocks until every unit started through this supervisor returns.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
