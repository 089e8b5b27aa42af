package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"options-gateway/internal/breaker"
	"options-gateway/internal/config"
	"options-gateway/internal/hub"
	"options-gateway/internal/metrics"
	"options-gateway/internal/orders"
	"options-gateway/internal/store"
	"options-gateway/internal/upstream"
	"options-gateway/pkg/types"
)

type fakeStore struct {
	healthy  bool
	upserted []types.Subscription
	subs     []types.Subscription
	listErr  error
	active   int
}

func (f *fakeStore) UpsertSubscription(ctx context.Context, sub types.Subscription) error {
	f.upserted = append(f.upserted, sub)
	return nil
}

func (f *fakeStore) ListSubscriptions(ctx context.Context, status types.SubscriptionStatus) ([]types.Subscription, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if status == "" {
		return f.subs, nil
	}
	var out []types.Subscription
	for _, s := range f.subs {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) DeactivateSubscription(ctx context.Context, token uint32) error {
	for i := range f.subs {
		if f.subs[i].Token == token {
			f.subs[i].Status = types.SubscriptionInactive
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) ActiveSubscriptionCount(ctx context.Context) (int, error) { return f.active, nil }
func (f *fakeStore) Healthy(ctx context.Context) bool                         { return f.healthy }

type submitted struct {
	op      types.OrderOperation
	params  map[string]string
	account string
}

type fakeOrders struct {
	calls []submitted
	tasks map[string]*types.OrderTask
}

func (f *fakeOrders) Submit(ctx context.Context, op types.OrderOperation, params map[string]string, accountID string) (*types.OrderTask, error) {
	f.calls = append(f.calls, submitted{op: op, params: params, account: accountID})
	return &types.OrderTask{TaskID: "task-1", Status: types.TaskPending}, nil
}

func (f *fakeOrders) Get(ctx context.Context, taskID string) (*types.OrderTask, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return t, nil
}

func (f *fakeOrders) Replay(ctx context.Context, taskID string) (*types.OrderTask, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, orders.ErrNotFound
	}
	if t.Status != types.TaskDeadLetter {
		return nil, fmt.Errorf("task %s is %s, only dead_letter tasks replay", taskID, t.Status)
	}
	t.Status = types.TaskPending
	return t, nil
}

func (f *fakeOrders) DeadLetters(ctx context.Context, limit int) ([]types.OrderTask, error) {
	var out []types.OrderTask
	for _, t := range f.tasks {
		if t.Status == types.TaskDeadLetter {
			out = append(out, *t)
		}
	}
	return out, nil
}

type fakeInstruments struct {
	byToken map[uint32]types.Instrument
}

func (f *fakeInstruments) Get(token uint32) (types.Instrument, bool) {
	inst, ok := f.byToken[token]
	return inst, ok
}
func (f *fakeInstruments) Len() int            { return len(f.byToken) }
func (f *fakeInstruments) LoadedAt() time.Time { return time.Now() }

type fakeMarket struct {
	candles map[uint32][]types.Candle
}

func (f *fakeMarket) Market() (upstream.MarketAPI, error) { return f, nil }

func (f *fakeMarket) GetQuote(ctx context.Context, token uint32) (*types.RawTick, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeMarket) HistoricalCandles(ctx context.Context, token uint32, from, to time.Time, interval string, oi bool) ([]types.Candle, error) {
	return f.candles[token], nil
}

type fakeEnricher struct{ called bool }

func (f *fakeEnricher) EnrichCandles(inst types.Instrument, candles []types.Candle, spots map[int64]float64) []types.Candle {
	f.called = true
	for i := range candles {
		candles[i].IV = 0.15
	}
	return candles
}

type testServer struct {
	srv       *Server
	store     *fakeStore
	orders    *fakeOrders
	market    *fakeMarket
	enricher  *fakeEnricher
	verifier  *hub.Verifier
	reconcile int
	refresh   int
}

func newTestServer(t *testing.T, env config.Environment) *testServer {
	t.Helper()
	ts := &testServer{
		store: &fakeStore{healthy: true, active: 2},
		orders: &fakeOrders{tasks: map[string]*types.OrderTask{
			"dead-1": {TaskID: "dead-1", Status: types.TaskDeadLetter},
			"done-1": {TaskID: "done-1", Status: types.TaskCompleted, Result: map[string]string{"order_id": "X1"}},
		}},
		market:   &fakeMarket{candles: map[uint32][]types.Candle{}},
		enricher: &fakeEnricher{},
		verifier: hub.NewVerifier("test-secret"),
	}
	nifty := types.Instrument{Token: 256265, Symbol: "NIFTY 50", Segment: types.SegmentIndex}
	opt := types.Instrument{
		Token: 9604354, Symbol: "NIFTY25SEP24000CE", Segment: types.SegmentOption,
		OptionType: types.OptionCall, Strike: 24000,
		Expiry:          time.Now().Add(30 * 24 * time.Hour),
		UnderlyingToken: 256265,
	}
	breakers := map[string]breaker.State{"A1": breaker.Closed}
	ts.srv = NewServer(
		config.ServerConfig{Port: 0, AllowOrigins: []string{"https://app.example.com"}},
		env,
		Deps{
			Store:            ts.store,
			Orders:           ts.orders,
			Instruments:      &fakeInstruments{byToken: map[uint32]types.Instrument{nifty.Token: nifty, opt.Token: opt}},
			Market:           ts.market,
			Enricher:         ts.enricher,
			Verifier:         ts.verifier,
			Revoked:          hub.NewRevocations(),
			Metrics:          metrics.New().Handler(),
			BusHealthy:       func() bool { return true },
			BreakerStates:    func() map[string]breaker.State { return breakers },
			TriggerReconcile: func() { ts.reconcile++ },
			TriggerRefresh:   func() { ts.refresh++ },
		},
		slog.Default(),
	)
	return ts
}

func (ts *testServer) request(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) token(t *testing.T, role string) string {
	t.Helper()
	tok, err := ts.verifier.Sign("user-1", role, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
	return v
}

func TestHealthLevels(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvDevelopment)

	rec := ts.request(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeBody[healthResponse](t, rec)
	if resp.Status != "ok" || resp.ActiveSubscriptions != 2 {
		t.Errorf("health = %+v, want ok with 2 active", resp)
	}

	ts.store.healthy = false
	resp = decodeBody[healthResponse](t, ts.request(t, http.MethodGet, "/health", "", nil))
	if resp.Status != "degraded" {
		t.Errorf("store down: status = %q, want degraded", resp.Status)
	}
	if resp.Deps["store"] != "down" {
		t.Errorf("deps.store = %q, want down", resp.Deps["store"])
	}
}

func TestHealthCriticalWhenAllBreakersOpen(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvDevelopment)
	brk := breaker.New(1, time.Minute, 1)
	brk.RecordFailure(errors.New("down"))
	ts.srv.deps.BreakerStates = func() map[string]breaker.State {
		return map[string]breaker.State{"A1": brk.State()}
	}

	rec := ts.request(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	resp := decodeBody[healthResponse](t, rec)
	if resp.Status != "critical" {
		t.Errorf("status = %q, want critical", resp.Status)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvDevelopment)

	rec := ts.request(t, http.MethodGet, "/subscriptions", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	rec = ts.request(t, http.MethodGet, "/subscriptions", "bogus", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}

	rec = ts.request(t, http.MethodPost, "/admin/instrument-refresh", ts.token(t, "user"), nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-admin on admin route: status = %d, want 403", rec.Code)
	}
}

func TestSubscribeLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvDevelopment)
	token := ts.token(t, "user")

	rec := ts.request(t, http.MethodPost, "/subscriptions", token,
		subscribeRequest{Token: 256265, Mode: "quote"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	if len(ts.store.upserted) != 1 {
		t.Fatalf("upserted %d subscriptions, want 1", len(ts.store.upserted))
	}
	sub := ts.store.upserted[0]
	if sub.Symbol != "NIFTY 50" || sub.Mode != types.ModeQuote || sub.Status != types.SubscriptionActive {
		t.Errorf("upserted sub = %+v", sub)
	}
	if ts.reconcile != 1 {
		t.Errorf("reconcile triggered %d times, want 1", ts.reconcile)
	}

	rec = ts.request(t, http.MethodPost, "/subscriptions", token, subscribeRequest{Token: 999})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown token: status = %d, want 404", rec.Code)
	}

	rec = ts.request(t, http.MethodPost, "/subscriptions", token,
		subscribeRequest{Token: 256265, Mode: "DEEP"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad mode: status = %d, want 400", rec.Code)
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvDevelopment)
	ts.store.subs = []types.Subscription{{Token: 256265, Status: types.SubscriptionActive}}
	token := ts.token(t, "user")

	rec := ts.request(t, http.MethodDelete, "/subscriptions/256265", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if ts.store.subs[0].Status != types.SubscriptionInactive {
		t.Error("subscription not soft-deleted")
	}
	if ts.reconcile != 1 {
		t.Errorf("reconcile triggered %d times, want 1", ts.reconcile)
	}

	rec = ts.request(t, http.MethodDelete, "/subscriptions/777", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown subscription: status = %d, want 404", rec.Code)
	}
}

func TestListSubscriptionsFilter(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvDevelopment)
	ts.store.subs = []types.Subscription{
		{Token: 1, Status: types.SubscriptionActive},
		{Token: 2, Status: types.SubscriptionInactive},
	}
	token := ts.token(t, "user")

	rec := ts.request(t, http.MethodGet, "/subscriptions?status=active", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeBody[map[string][]types.Subscription](t, rec)
	if got := resp["subscriptions"]; len(got) != 1 || got[0].Token != 1 {
		t.Errorf("filtered list = %+v, want token 1 only", got)
	}

	rec = ts.request(t, http.MethodGet, "/subscriptions?status=bogus", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: status = %d, want 400", rec.Code)
	}
}

func TestPlaceOrder(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvDevelopment)
	token := ts.token(t, "user")

	body := map[string]any{
		"tradingsymbol":    "NIFTY25NOVFUT",
		"quantity":         50,
		"transaction_type": "BUY",
		"exchange":         "NFO",
		"product":          "NRML",
		"order_type":       "MARKET",
		"account_id":       "A1",
	}
	rec := ts.request(t, http.MethodPost, "/orders/regular", token, body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[taskResponse](t, rec)
	if resp.TaskID != "task-1" {
		t.Errorf("task_id = %q", resp.TaskID)
	}

	if len(ts.orders.calls) != 1 {
		t.Fatalf("submitted %d orders, want 1", len(ts.orders.calls))
	}
	call := ts.orders.calls[0]
	if call.op != types.OpPlaceOrder || call.account != "A1" {
		t.Errorf("call = %+v", call)
	}
	if call.params["quantity"] != "50" {
		t.Errorf("quantity = %q, want \"50\" without float mangling", call.params["quantity"])
	}
	if _, ok := call.params["account_id"]; ok {
		t.Error("account_id leaked into broker params")
	}
}

func TestPlaceOrderRequiresAccount(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvDevelopment)

	rec := ts.request(t, http.MethodPost, "/orders/regular", ts.token(t, "user"),
		map[string]any{"tradingsymbol": "NIFTY25NOVFUT"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestModifyAndCancelCarryOrderID(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvDevelopment)
	token := ts.token(t, "user")

	rec := ts.request(t, http.MethodPut, "/orders/regular/ORD123", token,
		map[string]any{"quantity": 75, "account_id": "A1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("modify: status = %d", rec.Code)
	}
	rec = ts.request(t, http.MethodDelete, "/orders/regular/ORD123?account_id=A1", token, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel: status = %d", rec.Code)
	}

	if len(ts.orders.calls) != 2 {
		t.Fatalf("submitted %d orders, want 2", len(ts.orders.calls))
	}
	if ts.orders.calls[0].op != types.OpModifyOrder || ts.orders.calls[0].params["order_id"] != "ORD123" {
		t.Errorf("modify call = %+v", ts.orders.calls[0])
	}
	if ts.orders.calls[1].op != types.OpCancelOrder || ts.orders.calls[1].params["order_id"] != "ORD123" {
		t.Errorf("cancel call = %+v", ts.orders.calls[1])
	}
}

func TestGetTask(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvDevelopment)
	token := ts.token(t, "user")

	rec := ts.request(t, http.MethodGet, "/orders/regular/done-1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	task := decodeBody[types.OrderTask](t, rec)
	if task.Result["order_id"] != "X1" {
		t.Errorf("order_id = %q, want X1", task.Result["order_id"])
	}

	rec = ts.request(t, http.MethodGet, "/orders/regular/missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing task: status = %d, want 404", rec.Code)
	}
}

func TestHistoryWithGreeks(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvDevelopment)
	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	ts.market.candles[9604354] = []types.Candle{{Date: day, Close: 150}}
	ts.market.candles[256265] = []types.Candle{{Date: day, Close: 24000}}
	token := ts.token(t, "user")

	rec := ts.request(t, http.MethodGet,
		"/history?token=9604354&from=2026-08-18&to=2026-08-21&interval=day&greeks=1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if !ts.enricher.called {
		t.Error("enricher not invoked for option with greeks=1")
	}
	resp := decodeBody[map[string][]types.Candle](t, rec)
	if got := resp["candles"]; len(got) != 1 || got[0].IV != 0.15 {
		t.Errorf("candles = %+v, want one enriched row", got)
	}
}

func TestHistoryValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvDevelopment)
	token := ts.token(t, "user")

	rec := ts.request(t, http.MethodGet, "/history?token=256265&from=bogus&to=2026-08-21", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad from: status = %d, want 400", rec.Code)
	}
	rec = ts.request(t, http.MethodGet, "/history?token=555&from=2026-08-18&to=2026-08-21", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown token: status = %d, want 404", rec.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvDevelopment)
	adminToken := ts.token(t, "admin")

	rec := ts.request(t, http.MethodPost, "/admin/instrument-refresh", adminToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("refresh: status = %d, want 204", rec.Code)
	}
	if ts.refresh != 1 {
		t.Errorf("refresh triggered %d times, want 1", ts.refresh)
	}

	rec = ts.request(t, http.MethodGet, "/admin/dead-letters", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dead letters: status = %d", rec.Code)
	}
	resp := decodeBody[map[string][]types.OrderTask](t, rec)
	if len(resp["tasks"]) != 1 || resp["tasks"][0].TaskID != "dead-1" {
		t.Errorf("dead letters = %+v", resp["tasks"])
	}

	rec = ts.request(t, http.MethodPost, "/admin/dead-letters/dead-1/replay", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: status = %d (body %s)", rec.Code, rec.Body.String())
	}

	rec = ts.request(t, http.MethodPost, "/admin/dead-letters/done-1/replay", adminToken, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("replay completed task: status = %d, want 409", rec.Code)
	}
}

func TestHTTPSRedirectOutsideDevelopment(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvProduction)

	req := httptest.NewRequest(http.MethodGet, "http://gw.example.com/subscriptions", nil)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://gw.example.com/subscriptions" {
		t.Errorf("Location = %q", loc)
	}

	// Health stays reachable over plain HTTP for load balancers.
	req = httptest.NewRequest(http.MethodGet, "http://gw.example.com/health", nil)
	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health over http: status = %d, want 200", rec.Code)
	}

	// Forwarded HTTPS traffic passes through.
	req = httptest.NewRequest(http.MethodGet, "http://gw.example.com/subscriptions", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code == http.StatusMovedPermanently {
		t.Error("forwarded https request was redirected")
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvProduction)

	req := httptest.NewRequest(http.MethodOptions, "https://gw.example.com/subscriptions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got == "" || got == "*" {
		t.Errorf("Allow-Methods = %q, want a closed list", got)
	}

	// Unknown origin gets no CORS headers.
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unknown origin received Allow-Origin header")
	}
}

func TestProductionErrorEnvelope(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvProduction)
	ts.store.listErr = fmt.Errorf("pq: connection refused at 10.0.0.5")
	token := ts.token(t, "user")

	req := httptest.NewRequest(http.MethodGet, "https://gw.example.com/subscriptions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := decodeBody[errorBody](t, rec)
	if body.Type != "InternalServerError" {
		t.Errorf("type = %q, want InternalServerError", body.Type)
	}
	if body.RequestID == "" {
		t.Error("request_id missing from error envelope")
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("10.0.0.5")) {
		t.Error("production error leaked internal detail")
	}
}

func TestRequestIDPropagates(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.EnvDevelopment)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "trace-42" {
		t.Errorf("X-Request-ID = %q, want trace-42", got)
	}

	rec = ts.request(t, http.MethodGet, "/health", "", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("no request id assigned")
	}
}
