// Package reconciler converges the live upstream subscription set onto
// the desired set persisted in the store. It is driven through the
// reload debouncer so bursts of subscription changes produce one pass.
//
// Placement is sticky: a subscription stays on its recorded account while
// that account is available and has capacity. Otherwise it moves to the
// account with the most remaining capacity, ties broken by the stable
// account order the session layer reports.
package reconciler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"options-gateway/internal/metrics"
	"options-gateway/pkg/types"
)

// Store is the persistence surface the reconciler needs.
type Store interface {
	ActiveSubscriptions(ctx context.Context) ([]types.Subscription, error)
	SetSubscriptionAccount(ctx context.Context, token uint32, accountID string) error
}

// AccountPool is the per-account connection pool surface.
type AccountPool interface {
	Subscribed() map[uint32]types.Mode
	Subscribe(ctx context.Context, tokens []uint32, mode types.Mode) error
	Unsubscribe(ctx context.Context, tokens []uint32) error
}

// Accounts exposes the available trading accounts and their pools.
// Available returns accounts with valid credentials and a closed breaker,
// in a stable order.
type Accounts interface {
	Available() []string
	Pool(accountID string) (AccountPool, bool)
}

// Reconciler computes and applies per-account subscription deltas.
type Reconciler struct {
	store     Store
	accounts  Accounts
	tokenCap  int // maxPerConn * maxConnsPerAccount
	budget    time.Duration
	retrigger func()
	metrics   *metrics.Registry
	logger    *slog.Logger

	mu           sync.Mutex // one reconcile at a time
	inactiveTemp map[uint32]struct{}
}

// New creates a reconciler. retrigger schedules a follow-up pass (wired
// to the debouncer's Trigger) and may be nil in tests.
func New(store Store, accounts Accounts, tokenCap int, retrigger func(), m *metrics.Registry, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:        store,
		accounts:     accounts,
		tokenCap:     tokenCap,
		budget:       60 * time.Second,
		retrigger:    retrigger,
		metrics:      m,
		logger:       logger.With("component", "reconciler"),
		inactiveTemp: make(map[uint32]struct{}),
	}
}

// Reconcile runs one full pass: load desired, place, diff against live,
// apply. Safe to call concurrently; passes serialize.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := time.Now()
	r.inactiveTemp = make(map[uint32]struct{})

	subs, err := r.store.ActiveSubscriptions(ctx)
	if err != nil {
		r.metrics.ReconcileErrors.Inc()
		return err
	}
	available := r.accounts.Available()
	if len(available) == 0 {
		r.logger.Warn("no accounts available, skipping reconcile", "desired", len(subs))
		r.metrics.ReconcileErrors.Inc()
		return nil
	}

	assignment, moved := r.place(subs, available)

	needRetry := false
	for _, account := range available {
		p, ok := r.accounts.Pool(account)
		if !ok {
			continue
		}
		if !r.apply(ctx, account, p, assignment[account]) {
			needRetry = true
		}
	}

	// Persist placements that changed.
	for token, account := range moved {
		if err := r.store.SetSubscriptionAccount(ctx, token, account); err != nil {
			r.logger.Error("persist subscription placement", "token", token, "error", err)
		}
	}

	r.metrics.Reconciles.Inc()
	if elapsed := time.Since(started); elapsed > r.budget {
		r.logger.Warn("reconcile exceeded budget", "elapsed", elapsed)
		needRetry = true
	}
	if needRetry && r.retrigger != nil {
		r.retrigger()
	}
	return nil
}

type placed struct {
	tokens map[uint32]types.Mode
}

// place assigns every desired subscription to an account. Returns the
// per-account assignment and the tokens whose account changed.
func (r *Reconciler) place(subs []types.Subscription, available []string) (map[string]placed, map[uint32]string) {
	assignment := make(map[string]placed, len(available))
	remaining := make(map[string]int, len(available))
	availSet := make(map[string]struct{}, len(available))
	for _, a := range available {
		assignment[a] = placed{tokens: make(map[uint32]types.Mode)}
		remaining[a] = r.tokenCap
		availSet[a] = struct{}{}
	}

	// Deterministic placement order.
	ordered := append([]types.Subscription(nil), subs...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Token < ordered[j].Token })

	moved := make(map[uint32]string)
	var homeless []types.Subscription

	// Sticky pass.
	for _, sub := range ordered {
		_, avail := availSet[sub.AccountID]
		if sub.AccountID != "" && avail && remaining[sub.AccountID] > 0 {
			assignment[sub.AccountID].tokens[sub.Token] = modeOf(sub)
			remaining[sub.AccountID]--
			continue
		}
		homeless = append(homeless, sub)
	}

	// Fallback: most remaining capacity, stable tie-break.
	for _, sub := range homeless {
		best := ""
		for _, a := range available {
			if remaining[a] > 0 && (best == "" || remaining[a] > remaining[best]) {
				best = a
			}
		}
		if best == "" {
			r.logger.Warn("no capacity for subscription", "token", sub.Token)
			r.inactiveTemp[sub.Token] = struct{}{}
			continue
		}
		assignment[best].tokens[sub.Token] = modeOf(sub)
		remaining[best]--
		if sub.AccountID != best {
			moved[sub.Token] = best
		}
	}

	if len(r.inactiveTemp) > 0 && r.retrigger != nil {
		r.retrigger()
	}
	return assignment, moved
}

func modeOf(sub types.Subscription) types.Mode {
	if sub.Mode == "" {
		return types.ModeFull
	}
	return sub.Mode
}

// apply diffs one account's live set against its assignment and issues
// unsubscribes then subscribes. Returns false when a follow-up reconcile
// is needed.
func (r *Reconciler) apply(ctx context.Context, account string, p AccountPool, want placed) bool {
	live := p.Subscribed()

	var toUnsub []uint32
	for token := range live {
		if _, keep := want.tokens[token]; !keep {
			toUnsub = append(toUnsub, token)
		}
	}
	toSub := make(map[types.Mode][]uint32)
	for token, mode := range want.tokens {
		if _, have := live[token]; !have {
			toSub[mode] = append(toSub[mode], token)
		}
	}

	if len(toUnsub) > 0 {
		if err := p.Unsubscribe(ctx, toUnsub); err != nil {
			r.logger.Error("unsubscribe delta failed", "account", account, "tokens", len(toUnsub), "error", err)
			r.metrics.ReconcileErrors.Inc()
		}
	}
	ok := true
	for mode, tokens := range toSub {
		sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
		if err := p.Subscribe(ctx, tokens, mode); err != nil {
			r.logger.Error("subscribe delta failed", "account", account, "tokens", len(tokens), "error", err)
			r.metrics.ReconcileErrors.Inc()
			for _, t := range tokens {
				r.inactiveTemp[t] = struct{}{}
			}
			ok = false
		}
	}
	return ok
}

// Deferred returns the tokens parked by the last pass (capacity or
// account failures); they retry on the next reconcile.
func (r *Reconciler) Deferred() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, 0, len(r.inactiveTemp))
	for t := range r.inactiveTemp {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
