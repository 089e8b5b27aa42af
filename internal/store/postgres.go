// Package store is the PostgreSQL persistence layer: desired-state
// subscriptions, trading accounts with encrypted credentials, and the
// order task queue.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"options-gateway/internal/orders"
	"options-gateway/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS instrument_subscriptions (
	token          BIGINT PRIMARY KEY,
	symbol         TEXT NOT NULL DEFAULT '',
	segment        TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'active',
	requested_mode TEXT NOT NULL DEFAULT 'FULL',
	account_id     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trading_accounts (
	account_id   TEXT PRIMARY KEY,
	api_key      BYTEA NOT NULL,
	api_secret   BYTEA NOT NULL,
	access_token BYTEA,
	totp_seed    BYTEA,
	last_auth_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS order_tasks (
	task_id         TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	operation       TEXT NOT NULL,
	params          JSONB NOT NULL DEFAULT '{}',
	account_id      TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INT NOT NULL DEFAULT 0,
	max_attempts    INT NOT NULL DEFAULT 5,
	last_error      TEXT NOT NULL DEFAULT '',
	result          JSONB,
	next_run_at     TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS order_tasks_due_idx
	ON order_tasks (next_run_at) WHERE status IN ('pending', 'retrying');
`

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to the database and verifies reachability.
func New(ctx context.Context, url string, minConns, maxConns int, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	cfg.MinConns = int32(minConns)
	cfg.MaxConns = int32(maxConns)
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, logger: logger.With("component", "store")}, nil
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Healthy reports database reachability for the health endpoint.
func (s *Store) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx) == nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// --- subscriptions ---

// UpsertSubscription creates or reactivates a subscription.
func (s *Store) UpsertSubscription(ctx context.Context, sub types.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instrument_subscriptions
			(token, symbol, segment, status, requested_mode, account_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (token) DO UPDATE SET
			status = EXCLUDED.status,
			requested_mode = EXCLUDED.requested_mode,
			account_id = CASE WHEN EXCLUDED.account_id <> '' THEN EXCLUDED.account_id
			                  ELSE instrument_subscriptions.account_id END,
			updated_at = now()`,
		sub.Token, sub.Symbol, sub.Segment, sub.Status, sub.Mode, sub.AccountID)
	if err != nil {
		return fmt.Errorf("upsert subscription %d: %w", sub.Token, err)
	}
	return nil
}

// DeactivateSubscription soft-deletes a subscription.
func (s *Store) DeactivateSubscription(ctx context.Context, token uint32) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE instrument_subscriptions
		SET status = 'inactive', updated_at = now()
		WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("deactivate subscription %d: %w", token, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSubscriptions returns subscriptions, optionally filtered by status.
func (s *Store) ListSubscriptions(ctx context.Context, status types.SubscriptionStatus) ([]types.Subscription, error) {
	query := `
		SELECT token, symbol, segment, status, requested_mode, account_id, created_at, updated_at
		FROM instrument_subscriptions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY token`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []types.Subscription
	for rows.Next() {
		var sub types.Subscription
		if err := rows.Scan(&sub.Token, &sub.Symbol, &sub.Segment, &sub.Status,
			&sub.Mode, &sub.AccountID, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ActiveSubscriptions implements the reconciler's store surface.
func (s *Store) ActiveSubscriptions(ctx context.Context) ([]types.Subscription, error) {
	return s.ListSubscriptions(ctx, types.SubscriptionActive)
}

// SetSubscriptionAccount persists a reconciler placement decision.
func (s *Store) SetSubscriptionAccount(ctx context.Context, token uint32, accountID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE instrument_subscriptions
		SET account_id = $2, updated_at = now()
		WHERE token = $1`, token, accountID)
	if err != nil {
		return fmt.Errorf("set subscription account %d: %w", token, err)
	}
	return nil
}

// --- trading accounts ---

// ListAccounts returns every trading account with encrypted credentials.
func (s *Store) ListAccounts(ctx context.Context) ([]types.TradingAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, api_key, api_secret, access_token, totp_seed, last_auth_at
		FROM trading_accounts ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []types.TradingAccount
	for rows.Next() {
		var a types.TradingAccount
		var lastAuth *time.Time
		if err := rows.Scan(&a.AccountID, &a.APIKey, &a.APISecret, &a.AccessToken, &a.TOTPSeed, &lastAuth); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if lastAuth != nil {
			a.LastAuthAt = *lastAuth
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateAccountToken stores a freshly rotated (encrypted) access token.
func (s *Store) UpdateAccountToken(ctx context.Context, accountID string, encToken []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE trading_accounts
		SET access_token = $2, last_auth_at = now()
		WHERE account_id = $1`, accountID, encToken)
	if err != nil {
		return fmt.Errorf("update account token %s: %w", accountID, err)
	}
	return nil
}

// --- order tasks ---

// CreateTask inserts a task, honoring the idempotency-key unique
// constraint: on conflict the existing row is returned with created
// false.
func (s *Store) CreateTask(ctx context.Context, task *types.OrderTask) (*types.OrderTask, bool, error) {
	params, err := json.Marshal(task.Params)
	if err != nil {
		return nil, false, fmt.Errorf("marshal params: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO order_tasks
			(task_id, idempotency_key, operation, params, account_id, status,
			 attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		task.TaskID, task.IdempotencyKey, task.Operation, params, task.AccountID,
		task.Status, task.Attempts, task.MaxAttempts, task.NextRunAt, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert order task: %w", err)
	}
	if tag.RowsAffected() == 1 {
		cp := *task
		return &cp, true, nil
	}

	existing, err := s.taskByKey(ctx, task.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

const taskColumns = `task_id, idempotency_key, operation, params, account_id, status,
	attempts, max_attempts, last_error, result, next_run_at, created_at, updated_at`

func scanTask(row pgx.Row) (*types.OrderTask, error) {
	var task types.OrderTask
	var params, result []byte
	if err := row.Scan(&task.TaskID, &task.IdempotencyKey, &task.Operation, &params,
		&task.AccountID, &task.Status, &task.Attempts, &task.MaxAttempts,
		&task.LastError, &result, &task.NextRunAt, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &task.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &task.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return &task, nil
}

func (s *Store) taskByKey(ctx context.Context, key string) (*types.OrderTask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM order_tasks WHERE idempotency_key = $1`, key)
	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("task by key: %w", err)
	}
	return task, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*types.OrderTask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM order_tasks WHERE task_id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// UpdateTask persists mutable task fields.
func (s *Store) UpdateTask(ctx context.Context, task *types.OrderTask) error {
	result, err := json.Marshal(task.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE order_tasks
		SET status = $2, attempts = $3, last_error = $4, result = $5,
		    next_run_at = $6, updated_at = $7
		WHERE task_id = $1`,
		task.TaskID, task.Status, task.Attempts, task.LastError, result,
		task.NextRunAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.TaskID, err)
	}
	return nil
}

// ClaimDue atomically claims the next due task for a worker, marking it
// running with attempts incremented. Returns (nil, nil) when the queue
// is empty.
func (s *Store) ClaimDue(ctx context.Context, now time.Time) (*types.OrderTask, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE order_tasks
		SET status = 'running', attempts = attempts + 1, updated_at = $1
		WHERE task_id = (
			SELECT task_id FROM order_tasks
			WHERE status IN ('pending', 'retrying') AND next_run_at <= $1
			ORDER BY next_run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED)
		RETURNING `+taskColumns, now)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim due task: %w", err)
	}
	return task, nil
}

// TasksByStatus lists tasks in one status, newest first.
func (s *Store) TasksByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]types.OrderTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM order_tasks
		WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("tasks by status: %w", err)
	}
	defer rows.Close()

	var tasks []types.OrderTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// PruneTerminal deletes terminal tasks untouched since before.
func (s *Store) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM order_tasks
		WHERE status IN ('completed', 'failed', 'dead_letter') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune terminal tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ActiveSubscriptionCount supports the health endpoint.
func (s *Store) ActiveSubscriptionCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM instrument_subscriptions WHERE status = 'active'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active subscriptions: %w", err)
	}
	return n, nil
}
