// Package orders executes broker order operations as persistent,
// idempotent tasks. Submission deduplicates on a canonical idempotency
// key; a worker pool drains the queue with per-account circuit breakers
// and exponential retry; exhausted retries land in a dead-letter state
// that an operator can replay.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"options-gateway/internal/breaker"
	"options-gateway/internal/metrics"
	"options-gateway/internal/upstream"
	"options-gateway/pkg/types"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("order task not found")

// Store is the task persistence surface. Create must enforce uniqueness
// on the idempotency key and return the existing row on conflict.
type Store interface {
	CreateTask(ctx context.Context, task *types.OrderTask) (*types.OrderTask, bool, error)
	GetTask(ctx context.Context, taskID string) (*types.OrderTask, error)
	UpdateTask(ctx context.Context, task *types.OrderTask) error
	// ClaimDue atomically claims the next pending or retrying task whose
	// NextRunAt has passed, marking it running.
	ClaimDue(ctx context.Context, now time.Time) (*types.OrderTask, error)
	TasksByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]types.OrderTask, error)
	PruneTerminal(ctx context.Context, before time.Time) (int, error)
}

// Accounts supplies broker clients and per-account breakers.
type Accounts interface {
	OrderClient(accountID string) (upstream.OrderAPI, error)
	Breaker(accountID string) *breaker.Breaker
}

// Options tunes the engine.
type Options struct {
	Workers     int
	MaxAttempts uint32
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Retention   time.Duration
	PollEvery   time.Duration
}

// Engine is the order task executor.
type Engine struct {
	opts     Options
	store    Store
	accounts Accounts
	metrics  *metrics.Registry
	logger   *slog.Logger

	wake chan struct{}
	now  func() time.Time
}

// New creates an engine. Run starts the workers.
func New(opts Options, store Store, accounts Accounts, m *metrics.Registry, logger *slog.Logger) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = 250 * time.Millisecond
	}
	return &Engine{
		opts:     opts,
		store:    store,
		accounts: accounts,
		metrics:  m,
		logger:   logger.With("component", "orders"),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Submit canonicalizes the request and enqueues a task. A request whose
// idempotency key matches an existing task returns that task unchanged.
func (e *Engine) Submit(ctx context.Context, op types.OrderOperation, params map[string]string, accountID string) (*types.OrderTask, error) {
	switch op {
	case types.OpPlaceOrder, types.OpModifyOrder, types.OpCancelOrder:
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	canonical := Canonicalize(params)
	now := e.now()
	task := &types.OrderTask{
		TaskID:         uuid.NewString(),
		IdempotencyKey: IdempotencyKey(op, accountID, canonical),
		Operation:      op,
		Params:         canonical,
		AccountID:      accountID,
		Status:         types.TaskPending,
		MaxAttempts:    e.opts.MaxAttempts,
		NextRunAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, created, err := e.store.CreateTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("persist order task: %w", err)
	}
	if created {
		e.logger.Info("order task enqueued",
			"task", stored.TaskID, "op", op, "account", accountID)
		e.kick()
	}
	return stored, nil
}

// Replay requeues a dead-letter task from scratch: attempts reset to
// zero and the task re-enters the queue as pending.
func (e *Engine) Replay(ctx context.Context, taskID string) (*types.OrderTask, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskDeadLetter {
		return nil, fmt.Errorf("task %s is %s, only dead_letter tasks replay", taskID, task.Status)
	}
	task.Status = types.TaskPending
	task.Attempts = 0
	task.LastError = ""
	task.NextRunAt = e.now()
	task.UpdatedAt = e.now()
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	e.logger.Info("dead-letter task replayed", "task", taskID)
	e.kick()
	return task, nil
}

// Get returns a task by id.
func (e *Engine) Get(ctx context.Context, taskID string) (*types.OrderTask, error) {
	return e.store.GetTask(ctx, taskID)
}

// DeadLetters lists dead-letter tasks for the admin surface.
func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]types.OrderTask, error) {
	return e.store.TasksByStatus(ctx, types.TaskDeadLetter, limit)
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run starts the worker pool and the retention sweeper; blocks until ctx
// ends and all workers drain.
func (e *Engine) Run(ctx context.Context) error {
	done := make(chan struct{})
	for i := 0; i < e.opts.Workers; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			e.worker(ctx, n)
		}(i)
	}
	go e.retentionLoop(ctx)

	for i := 0; i < e.opts.Workers; i++ {
		<-done
	}
	return ctx.Err()
}

func (e *Engine) worker(ctx context.Context, n int) {
	ticker := time.NewTicker(e.opts.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}
		for {
			task, err := e.store.ClaimDue(ctx, e.now())
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Error("claim task", "worker", n, "error", err)
				}
				break
			}
			if task == nil {
				break
			}
			e.execute(ctx, task)
		}
	}
}

// execute runs one claimed task to its next state. The task arrives
// already marked running with attempts incremented by ClaimDue.
func (e *Engine) execute(ctx context.Context, task *types.OrderTask) {
	e.metrics.OrdersRunning.Inc()
	defer e.metrics.OrdersRunning.Dec()

	brk := e.accounts.Breaker(task.AccountID)
	if !brk.CanExecute() {
		e.requeue(ctx, task, "circuit_open", false)
		return
	}

	client, err := e.accounts.OrderClient(task.AccountID)
	if err != nil {
		e.fail(ctx, task, fmt.Sprintf("no client for account: %v", err))
		return
	}

	orderID, err := e.dispatch(ctx, client, task)
	if err == nil {
		brk.RecordSuccess()
		task.Status = types.TaskCompleted
		task.Result = map[string]string{"order_id": orderID}
		task.LastError = ""
		task.UpdatedAt = e.now()
		e.persist(ctx, task)
		e.metrics.OrderTasks.WithLabelValues(string(types.TaskCompleted)).Inc()
		e.logger.Info("order task completed", "task", task.TaskID, "order_id", orderID, "attempts", task.Attempts)
		return
	}

	if upstream.FeedsBreaker(err) {
		brk.RecordFailure(err)
	}
	if upstream.Retryable(err) {
		e.requeue(ctx, task, err.Error(), true)
		return
	}
	e.fail(ctx, task, err.Error())
}

func (e *Engine) dispatch(ctx context.Context, client upstream.OrderAPI, task *types.OrderTask) (string, error) {
	switch task.Operation {
	case types.OpPlaceOrder:
		return client.PlaceOrder(ctx, task.Params)
	case types.OpModifyOrder:
		return client.ModifyOrder(ctx, task.Params["order_id"], task.Params)
	case types.OpCancelOrder:
		return client.CancelOrder(ctx, task.Params["order_id"])
	default:
		return "", upstream.NewError(upstream.KindValidation, "dispatch",
			fmt.Errorf("unknown operation %q", task.Operation))
	}
}

// requeue schedules a retry, or parks the task when attempts are
// exhausted: dead_letter for upstream failures, failed for sustained
// circuit rejection.
func (e *Engine) requeue(ctx context.Context, task *types.OrderTask, reason string, deadLetter bool) {
	task.LastError = reason
	task.UpdatedAt = e.now()
	if task.Attempts >= task.MaxAttempts {
		if deadLetter {
			task.Status = types.TaskDeadLetter
		} else {
			task.Status = types.TaskFailed
		}
		e.persist(ctx, task)
		e.metrics.OrderTasks.WithLabelValues(string(task.Status)).Inc()
		e.logger.Warn("order task exhausted retries",
			"task", task.TaskID, "status", task.Status, "reason", reason)
		return
	}
	task.Status = types.TaskRetrying
	task.NextRunAt = e.now().Add(e.backoff(task.Attempts))
	e.persist(ctx, task)
}

// backoff doubles per attempt, capped: min(base * 2^(n-1), max).
func (e *Engine) backoff(attempts uint32) time.Duration {
	d := e.opts.BaseBackoff
	for i := uint32(1); i < attempts; i++ {
		d *= 2
		if d >= e.opts.MaxBackoff {
			return e.opts.MaxBackoff
		}
	}
	if d > e.opts.MaxBackoff {
		return e.opts.MaxBackoff
	}
	return d
}

func (e *Engine) fail(ctx context.Context, task *types.OrderTask, reason string) {
	task.Status = types.TaskFailed
	task.LastError = reason
	task.UpdatedAt = e.now()
	e.persist(ctx, task)
	e.metrics.OrderTasks.WithLabelValues(string(types.TaskFailed)).Inc()
	e.logger.Warn("order task failed", "task", task.TaskID, "reason", reason)
}

func (e *Engine) persist(ctx context.Context, task *types.OrderTask) {
	if err := e.store.UpdateTask(ctx, task); err != nil {
		e.logger.Error("persist order task", "task", task.TaskID, "error", err)
	}
}

func (e *Engine) retentionLoop(ctx context.Context) {
	if e.opts.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.store.PruneTerminal(ctx, e.now().Add(-e.opts.Retention))
			if err != nil {
				e.logger.Error("prune terminal tasks", "error", err)
				continue
			}
			if n > 0 {
				e.logger.Info("pruned terminal order tasks", "count", n)
			}
		}
	}
}
