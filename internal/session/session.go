// Package session manages trading accounts: decrypting stored
// credentials, building the per-account broker REST client and feed
// connection pool, and tracking per-account circuit breakers. The
// reconciler and the order engine both see accounts only through this
// layer.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"options-gateway/internal/breaker"
	"options-gateway/internal/metrics"
	"options-gateway/internal/pool"
	"options-gateway/internal/reconciler"
	"options-gateway/internal/store"
	"options-gateway/internal/upstream"
	"options-gateway/pkg/types"
)

// AccountStore lists stored trading accounts.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]types.TradingAccount, error)
}

// Options configures the orchestrator.
type Options struct {
	RESTBaseURL      string
	WSURL            string
	DryRun           bool
	MaxPerConn       int
	MaxConns         int
	StallTimeout     time.Duration
	BreakerThreshold int
	BreakerRecovery  time.Duration
}

// TickSink receives raw tick batches tagged with the owning account.
type TickSink func(account string, ticks []types.RawTick)

type account struct {
	id     string
	client *upstream.Client
	pool   *pool.Pool
	brk    *breaker.Breaker
}

// Orchestrator owns the live account set.
type Orchestrator struct {
	opts    Options
	cipher  *store.Cipher
	onTicks TickSink
	metrics *metrics.Registry
	logger  *slog.Logger

	// newDialer is swappable so tests can run without a live vendor.
	newDialer func(creds upstream.Credentials) upstream.Dialer

	mu       sync.RWMutex
	accounts map[string]*account
	order    []string
}

// New creates an orchestrator; Load populates it from the store.
func New(opts Options, cipher *store.Cipher, onTicks TickSink, m *metrics.Registry, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		opts:     opts,
		cipher:   cipher,
		onTicks:  onTicks,
		metrics:  m,
		logger:   logger.With("component", "session"),
		accounts: make(map[string]*account),
	}
	o.newDialer = func(creds upstream.Credentials) upstream.Dialer {
		return upstream.NewFeedDialer(opts.WSURL, creds, logger)
	}
	return o
}

// Load builds clients and pools for every stored account that has a
// usable access token. Accounts that fail to decrypt are skipped with a
// log line, not fatal.
func (o *Orchestrator) Load(ctx context.Context, accounts AccountStore) error {
	stored, err := accounts.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list trading accounts: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rec := range stored {
		if _, exists := o.accounts[rec.AccountID]; exists {
			continue
		}
		creds, err := o.decrypt(rec)
		if err != nil {
			o.logger.Error("skipping account with bad credentials", "account", rec.AccountID, "error", err)
			continue
		}
		if creds.AccessToken == "" {
			o.logger.Warn("skipping account without access token", "account", rec.AccountID)
			continue
		}
		o.addLocked(creds)
	}
	sort.Strings(o.order)
	o.logger.Info("accounts loaded", "count", len(o.accounts))
	return nil
}

func (o *Orchestrator) decrypt(rec types.TradingAccount) (upstream.Credentials, error) {
	apiKey, err := o.cipher.DecryptString(rec.APIKey)
	if err != nil {
		return upstream.Credentials{}, fmt.Errorf("decrypt api key: %w", err)
	}
	var token string
	if len(rec.AccessToken) > 0 {
		token, err = o.cipher.DecryptString(rec.AccessToken)
		if err != nil {
			return upstream.Credentials{}, fmt.Errorf("decrypt access token: %w", err)
		}
	}
	return upstream.Credentials{AccountID: rec.AccountID, APIKey: apiKey, AccessToken: token}, nil
}

func (o *Orchestrator) addLocked(creds upstream.Credentials) {
	id := creds.AccountID
	a := &account{
		id:     id,
		client: upstream.NewClient(o.opts.RESTBaseURL, creds, o.opts.DryRun, o.logger),
		brk:    breaker.New(o.opts.BreakerThreshold, o.opts.BreakerRecovery, 0),
	}
	a.pool = pool.New(pool.Options{
		AccountID:    id,
		MaxPerConn:   o.opts.MaxPerConn,
		MaxConns:     o.opts.MaxConns,
		StallTimeout: o.opts.StallTimeout,
		OnTicks: func(ticks []types.RawTick) {
			o.onTicks(id, ticks)
		},
	}, o.newDialer(creds), o.metrics, o.logger)
	o.accounts[id] = a
	o.order = append(o.order, id)
}

// Available returns account ids with a non-open breaker, in stable
// (lexicographic) order.
func (o *Orchestrator) Available() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.order))
	for _, id := range o.order {
		if o.accounts[id].brk.State() != breaker.Open {
			out = append(out, id)
		}
	}
	return out
}

// Pool returns the connection pool for an account.
func (o *Orchestrator) Pool(accountID string) (reconciler.AccountPool, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.accounts[accountID]
	if !ok {
		return nil, false
	}
	return a.pool, true
}

// OrderClient returns the broker REST client for an account.
func (o *Orchestrator) OrderClient(accountID string) (upstream.OrderAPI, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", accountID)
	}
	return a.client, nil
}

// Breaker returns the per-account circuit breaker, creating one for
// unknown accounts so callers always get a gate.
func (o *Orchestrator) Breaker(accountID string) *breaker.Breaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.accounts[accountID]; ok {
		return a.brk
	}
	// Unknown account: a dedicated breaker that the first failure opens
	// is still better than a nil deref in the caller.
	a := &account{id: accountID, brk: breaker.New(1, o.opts.BreakerRecovery, 0)}
	o.accounts[accountID] = a
	return a.brk
}

// Market returns a read-side client from any available account.
func (o *Orchestrator) Market() (upstream.MarketAPI, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, id := range o.order {
		a := o.accounts[id]
		if a.client != nil && a.brk.State() != breaker.Open {
			return a.client, nil
		}
	}
	return nil, fmt.Errorf("no account available")
}

// Instruments downloads the instrument dump through any available
// account. This is the loader behind the instrument registry.
func (o *Orchestrator) Instruments(ctx context.Context) ([]types.Instrument, error) {
	o.mu.RLock()
	var client *upstream.Client
	for _, id := range o.order {
		a := o.accounts[id]
		if a.client != nil && a.brk.State() != breaker.Open {
			client = a.client
			break
		}
	}
	o.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("no account available for instrument dump")
	}
	return client.Instruments(ctx)
}

// RunHealth supervises every pool's stall detector.
func (o *Orchestrator) RunHealth(ctx context.Context, interval time.Duration) {
	o.mu.RLock()
	pools := make([]*pool.Pool, 0, len(o.accounts))
	for _, a := range o.accounts {
		if a.pool != nil {
			pools = append(pools, a.pool)
		}
	}
	o.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *pool.Pool) {
			defer wg.Done()
			p.RunHealth(ctx, interval)
		}(p)
	}
	wg.Wait()
}

// PoolStats snapshots every account pool for the health endpoint.
func (o *Orchestrator) PoolStats() []pool.Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]pool.Stats, 0, len(o.order))
	for _, id := range o.order {
		if p := o.accounts[id].pool; p != nil {
			out = append(out, p.Stats())
		}
	}
	return out
}

// BreakerStates reports per-account breaker state for health levels.
func (o *Orchestrator) BreakerStates() map[string]breaker.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]breaker.State, len(o.order))
	for _, id := range o.order {
		out[id] = o.accounts[id].brk.State()
	}
	return out
}

// Close shuts every pool down.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range o.accounts {
		if a.pool != nil {
			a.pool.Close()
		}
	}
}
