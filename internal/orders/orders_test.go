package orders

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"options-gateway/internal/breaker"
	"options-gateway/internal/metrics"
	"options-gateway/internal/upstream"
	"options-gateway/pkg/types"
)

// memStore is an in-memory Store with the same uniqueness semantics as
// the SQL schema.
type memStore struct {
	mu    sync.Mutex
	byID  map[string]*types.OrderTask
	byKey map[string]string // idempotency key -> task id
}

func newMemStore() *memStore {
	return &memStore{byID: make(map[string]*types.OrderTask), byKey: make(map[string]string)}
}

func (s *memStore) CreateTask(ctx context.Context, task *types.OrderTask) (*types.OrderTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[task.IdempotencyKey]; ok {
		existing := *s.byID[id]
		return &existing, false, nil
	}
	cp := *task
	s.byID[task.TaskID] = &cp
	s.byKey[task.IdempotencyKey] = task.TaskID
	out := cp
	return &out, true, nil
}

func (s *memStore) GetTask(ctx context.Context, taskID string) (*types.OrderTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.byID[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *memStore) UpdateTask(ctx context.Context, task *types.OrderTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.byID[task.TaskID] = &cp
	return nil
}

func (s *memStore) ClaimDue(ctx context.Context, now time.Time) (*types.OrderTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.byID {
		due := task.Status == types.TaskPending || task.Status == types.TaskRetrying
		if due && !task.NextRunAt.After(now) {
			task.Status = types.TaskRunning
			task.Attempts++
			cp := *task
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) TasksByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]types.OrderTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.OrderTask
	for _, task := range s.byID {
		if task.Status == status {
			out = append(out, *task)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, task := range s.byID {
		if task.Status.Terminal() && task.UpdatedAt.Before(before) {
			delete(s.byID, id)
			delete(s.byKey, task.IdempotencyKey)
			n++
		}
	}
	return n, nil
}

// fakeBroker scripts per-call outcomes.
type fakeBroker struct {
	mu      sync.Mutex
	calls   int
	outcome func(call int) (string, error)
}

func (b *fakeBroker) do() (string, error) {
	b.mu.Lock()
	b.calls++
	n := b.calls
	b.mu.Unlock()
	return b.outcome(n)
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, params map[string]string) (string, error) {
	return b.do()
}
func (b *fakeBroker) ModifyOrder(ctx context.Context, orderID string, params map[string]string) (string, error) {
	return b.do()
}
func (b *fakeBroker) CancelOrder(ctx context.Context, orderID string) (string, error) {
	return b.do()
}

func (b *fakeBroker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakeAccounts struct {
	broker *fakeBroker
	brk    *breaker.Breaker
}

func (a *fakeAccounts) OrderClient(accountID string) (upstream.OrderAPI, error) {
	return a.broker, nil
}
func (a *fakeAccounts) Breaker(accountID string) *breaker.Breaker { return a.brk }

func newTestEngine(t *testing.T, broker *fakeBroker) (*Engine, *memStore, *fakeAccounts) {
	t.Helper()
	store := newMemStore()
	accounts := &fakeAccounts{broker: broker, brk: breaker.New(3, time.Minute, 3)}
	e := New(Options{
		Workers:     1,
		MaxAttempts: 5,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  60 * time.Second,
		Retention:   24 * time.Hour,
	}, store, accounts, metrics.New(), slog.Default())
	return e, store, accounts
}

// drain claims and executes tasks until the queue is empty, advancing a
// synthetic clock past retry backoffs.
func drain(t *testing.T, e *Engine, store *memStore) {
	t.Helper()
	now := time.Now()
	e.now = func() time.Time { return now }
	for i := 0; i < 100; i++ {
		task, err := store.ClaimDue(context.Background(), now.Add(2*time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if task == nil {
			return
		}
		e.execute(context.Background(), task)
		now = now.Add(2 * time.Minute)
		e.now = func() time.Time { return now }
	}
	t.Fatal("queue did not drain")
}

var placeParams = map[string]string{
	"tradingsymbol":    "NIFTY25NOVFUT",
	"quantity":         "50",
	"transaction_type": "BUY",
	"exchange":         "NFO",
	"product":          "NRML",
	"order_type":       "MARKET",
}

func TestSubmitIdempotent(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{outcome: func(int) (string, error) { return "X1", nil }}
	e, store, _ := newTestEngine(t, broker)
	ctx := context.Background()

	t1, err := e.Submit(ctx, types.OpPlaceOrder, placeParams, "A1")
	if err != nil {
		t.Fatal(err)
	}
	t2, err := e.Submit(ctx, types.OpPlaceOrder, placeParams, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if t1.TaskID != t2.TaskID {
		t.Errorf("task ids differ: %s vs %s", t1.TaskID, t2.TaskID)
	}

	drain(t, e, store)
	if got := broker.callCount(); got != 1 {
		t.Errorf("broker called %d times, want 1", got)
	}
	final, _ := store.GetTask(ctx, t1.TaskID)
	if final.Status != types.TaskCompleted {
		t.Errorf("status = %s, want completed", final.Status)
	}
	if final.Result["order_id"] != "X1" {
		t.Errorf("result = %v", final.Result)
	}
}

func TestCanonicalizationCollapsesSpellings(t *testing.T) {
	t.Parallel()
	a := Canonicalize(map[string]string{"qty": "50.0", "Symbol": "NIFTY25NOVFUT", "side": "buy"})
	b := Canonicalize(map[string]string{"quantity": "50", "tradingsymbol": "NIFTY25NOVFUT", "transactiontype": "BUY"})

	ka := IdempotencyKey(types.OpPlaceOrder, "A1", a)
	kb := IdempotencyKey(types.OpPlaceOrder, "A1", b)
	if ka != kb {
		t.Errorf("keys differ for equivalent params:\n%s\n%s", ka, kb)
	}

	if k := IdempotencyKey(types.OpPlaceOrder, "A2", a); k == ka {
		t.Error("different accounts must produce different keys")
	}
	if k := IdempotencyKey(types.OpCancelOrder, "A1", a); k == ka {
		t.Error("different operations must produce different keys")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{outcome: func(call int) (string, error) {
		if call <= 2 {
			return "", upstream.NewError(upstream.KindTransient, "place_order", errors.New("connection reset"))
		}
		return "X", nil
	}}
	e, store, accounts := newTestEngine(t, broker)

	task, err := e.Submit(context.Background(), types.OpPlaceOrder, placeParams, "A1")
	if err != nil {
		t.Fatal(err)
	}
	drain(t, e, store)

	final, _ := store.GetTask(context.Background(), task.TaskID)
	if final.Status != types.TaskCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", final.Attempts)
	}
	if final.Result["order_id"] != "X" {
		t.Errorf("result = %v", final.Result)
	}
	if accounts.brk.State() != breaker.Closed {
		t.Errorf("breaker = %v, want Closed", accounts.brk.State())
	}
}

func TestValidationErrorFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{outcome: func(int) (string, error) {
		return "", upstream.NewError(upstream.KindValidation, "place_order", errors.New("bad quantity"))
	}}
	e, store, accounts := newTestEngine(t, broker)

	task, _ := e.Submit(context.Background(), types.OpPlaceOrder, placeParams, "A1")
	drain(t, e, store)

	final, _ := store.GetTask(context.Background(), task.TaskID)
	if final.Status != types.TaskFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}
	if final.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries)", final.Attempts)
	}
	if got := broker.callCount(); got != 1 {
		t.Errorf("broker called %d times, want 1", got)
	}
	if accounts.brk.Stats().Failures != 0 {
		t.Error("validation errors must not feed the breaker")
	}
}

func TestExhaustedRetriesDeadLetterThenReplay(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{outcome: func(call int) (string, error) {
		if call <= 5 {
			return "", upstream.NewError(upstream.KindRateLimit, "place_order", errors.New("429"))
		}
		return "X", nil
	}}
	e, store, accounts := newTestEngine(t, broker)
	// A generous threshold keeps the breaker closed so every attempt
	// reaches the broker and exhaustion lands in dead_letter.
	accounts.brk = breaker.New(100, time.Minute, 3)
	ctx := context.Background()

	task, _ := e.Submit(ctx, types.OpPlaceOrder, placeParams, "A1")
	drain(t, e, store)

	final, _ := store.GetTask(ctx, task.TaskID)
	if final.Status != types.TaskDeadLetter {
		t.Fatalf("status = %s, want dead_letter", final.Status)
	}
	if final.Attempts != 5 {
		t.Errorf("attempts = %d, want max 5", final.Attempts)
	}

	dead, err := e.DeadLetters(ctx, 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("dead letters = %v, %v", dead, err)
	}

	replayed, err := e.Replay(ctx, task.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if replayed.Status != types.TaskPending || replayed.Attempts != 0 {
		t.Errorf("replayed = %s/%d, want pending/0", replayed.Status, replayed.Attempts)
	}
	drain(t, e, store)
	final, _ = store.GetTask(ctx, task.TaskID)
	if final.Status != types.TaskCompleted {
		t.Errorf("status after replay = %s, want completed", final.Status)
	}
}

func TestReplayRejectsNonDeadLetter(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{outcome: func(int) (string, error) { return "X", nil }}
	e, store, _ := newTestEngine(t, broker)
	ctx := context.Background()

	task, _ := e.Submit(ctx, types.OpPlaceOrder, placeParams, "A1")
	drain(t, e, store)
	if _, err := e.Replay(ctx, task.TaskID); err == nil {
		t.Error("replaying a completed task must fail")
	}
	if _, err := e.Replay(ctx, "no-such-task"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCircuitOpenFailsAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{outcome: func(int) (string, error) { return "X", nil }}
	e, store, accounts := newTestEngine(t, broker)

	// Force the breaker open and keep it open across the drain.
	for i := 0; i < 3; i++ {
		accounts.brk.RecordFailure(errors.New("down"))
	}

	task, _ := e.Submit(context.Background(), types.OpPlaceOrder, placeParams, "A1")
	drain(t, e, store)

	final, _ := store.GetTask(context.Background(), task.TaskID)
	if final.Status != types.TaskFailed {
		t.Errorf("status = %s, want failed (circuit_open)", final.Status)
	}
	if final.LastError != "circuit_open" {
		t.Errorf("last error = %q, want circuit_open", final.LastError)
	}
	if got := broker.callCount(); got != 0 {
		t.Errorf("broker called %d times behind an open breaker, want 0", got)
	}
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, nil)

	cases := []struct {
		attempts uint32
		want     time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{10, 60 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := e.backoff(tc.attempts); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestPruneTerminal(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{outcome: func(int) (string, error) { return "X", nil }}
	e, store, _ := newTestEngine(t, broker)
	ctx := context.Background()

	task, _ := e.Submit(ctx, types.OpPlaceOrder, placeParams, "A1")
	drain(t, e, store)

	n, err := store.PruneTerminal(ctx, time.Now().Add(24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("pruned %d, %v, want 1", n, err)
	}
	if _, err := store.GetTask(ctx, task.TaskID); !errors.Is(err, ErrNotFound) {
		t.Error("pruned task still retrievable")
	}
}
