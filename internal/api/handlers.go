package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"options-gateway/internal/breaker"
	"options-gateway/internal/orders"
	"options-gateway/internal/store"
	"options-gateway/pkg/types"
)

// --- health ---

type healthResponse struct {
	Status              string            `json:"status"`
	Deps                map[string]string `json:"deps"`
	ActiveSubscriptions int               `json:"active_subscriptions"`
}

// handleHealth reports three levels: ok, degraded (store unreachable,
// bus circuit open, or one account breaker open), critical (store down
// past the threshold or every account breaker open).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deps := make(map[string]string)

	storeOK := s.deps.Store.Healthy(ctx)
	if storeOK {
		deps["store"] = "ok"
	} else {
		deps["store"] = "down"
	}

	busOK := s.deps.BusHealthy == nil || s.deps.BusHealthy()
	if busOK {
		deps["bus"] = "ok"
	} else {
		deps["bus"] = "circuit_open"
	}

	var open, total int
	if s.deps.BreakerStates != nil {
		for account, state := range s.deps.BreakerStates() {
			total++
			deps["account:"+account] = string(state)
			if state == breaker.Open {
				open++
			}
		}
	}

	status := "ok"
	if !storeOK || !busOK || open > 0 {
		status = "degraded"
	}
	if (total > 0 && open == total) || s.storeDownPast(storeOK, storeDownCritical) {
		status = "critical"
	}

	active := 0
	if storeOK {
		active, _ = s.deps.Store.ActiveSubscriptionCount(ctx)
	}

	code := http.StatusOK
	if status == "critical" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{Status: status, Deps: deps, ActiveSubscriptions: active})
}

// storeDownPast tracks how long the store has been unreachable.
func (s *Server) storeDownPast(storeOK bool, threshold time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if storeOK {
		s.storeDownAt = time.Time{}
		return false
	}
	if s.storeDownAt.IsZero() {
		s.storeDownAt = time.Now()
		return false
	}
	return time.Since(s.storeDownAt) >= threshold
}

// --- subscriptions ---

type subscribeRequest struct {
	Token     uint32 `json:"token"`
	Mode      string `json:"mode,omitempty"`
	AccountID string `json:"accountId,omitempty"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}
	if req.Token == 0 {
		s.writeError(w, r, http.StatusBadRequest, "validation_error", "token is required")
		return
	}
	mode := types.ModeFull
	if req.Mode != "" {
		switch m := types.Mode(strings.ToUpper(req.Mode)); m {
		case types.ModeFull, types.ModeQuote, types.ModeLTP:
			mode = m
		default:
			s.writeError(w, r, http.StatusBadRequest, "validation_error", "mode must be FULL, QUOTE or LTP")
			return
		}
	}
	inst, ok := s.deps.Instruments.Get(req.Token)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("unknown instrument token %d", req.Token))
		return
	}

	sub := types.Subscription{
		Token:     req.Token,
		Symbol:    inst.Symbol,
		Segment:   inst.Segment,
		Status:    types.SubscriptionActive,
		Mode:      mode,
		AccountID: req.AccountID,
	}
	if err := s.deps.Store.UpsertSubscription(r.Context(), sub); err != nil {
		s.logger.Error("upsert subscription failed", "token", req.Token, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if s.deps.TriggerReconcile != nil {
		s.deps.TriggerReconcile()
	}
	writeJSON(w, http.StatusCreated, map[string]uint32{"token": req.Token})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	status := types.SubscriptionStatus(r.URL.Query().Get("status"))
	switch status {
	case "", types.SubscriptionActive, types.SubscriptionInactive:
	default:
		s.writeError(w, r, http.StatusBadRequest, "validation_error", "status must be active or inactive")
		return
	}
	subs, err := s.deps.Store.ListSubscriptions(r.Context(), status)
	if err != nil {
		s.logger.Error("list subscriptions failed", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if subs == nil {
		subs = []types.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string][]types.Subscription{"subscriptions": subs})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token, err := strconv.ParseUint(r.PathValue("token"), 10, 32)
	if err != nil || token == 0 {
		s.writeError(w, r, http.StatusBadRequest, "validation_error", "token must be a positive integer")
		return
	}
	if err := s.deps.Store.DeactivateSubscription(r.Context(), uint32(token)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, "not_found", "no such subscription")
			return
		}
		s.logger.Error("deactivate subscription failed", "token", token, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if s.deps.TriggerReconcile != nil {
		s.deps.TriggerReconcile()
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- orders ---

// decodeOrderParams reads a flat JSON object into string params, so
// numeric broker fields like quantity arrive without float mangling.
func decodeOrderParams(r *http.Request) (map[string]string, error) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	params := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			params[k] = val
		case json.Number:
			params[k] = val.String()
		case bool:
			params[k] = strconv.FormatBool(val)
		case nil:
		default:
			return nil, fmt.Errorf("field %q must be a scalar", k)
		}
	}
	return params, nil
}

type taskResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status,omitempty"`
	OrderID string `json:"order_id,omitempty"`
}

func taskBody(task *types.OrderTask) taskResponse {
	resp := taskResponse{TaskID: task.TaskID, Status: string(task.Status)}
	if task.Result != nil {
		resp.OrderID = task.Result["order_id"]
	}
	return resp
}

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request, op types.OrderOperation, params map[string]string) {
	accountID := params["account_id"]
	delete(params, "account_id")
	if accountID == "" {
		accountID = r.URL.Query().Get("account_id")
	}
	if accountID == "" {
		s.writeError(w, r, http.StatusBadRequest, "validation_error", "account_id is required")
		return
	}

	task, err := s.deps.Orders.Submit(r.Context(), op, params, accountID)
	if err != nil {
		s.logger.Error("order submit failed", "op", op, "account", accountID, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, taskBody(task))
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	params, err := decodeOrderParams(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	s.submitOrder(w, r, types.OpPlaceOrder, params)
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	params, err := decodeOrderParams(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	params["order_id"] = r.PathValue("id")
	s.submitOrder(w, r, types.OpModifyOrder, params)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	params := map[string]string{"order_id": r.PathValue("id")}
	s.submitOrder(w, r, types.OpCancelOrder, params)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, "not_found", "no such task")
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- history ---

func parseHistoryTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	token, err := strconv.ParseUint(q.Get("token"), 10, 32)
	if err != nil || token == 0 {
		s.writeError(w, r, http.StatusBadRequest, "validation_error", "token must be a positive integer")
		return
	}
	from, err := parseHistoryTime(q.Get("from"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation_error", "from must be RFC3339 or YYYY-MM-DD")
		return
	}
	to, err := parseHistoryTime(q.Get("to"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation_error", "to must be RFC3339 or YYYY-MM-DD")
		return
	}
	if !to.After(from) {
		s.writeError(w, r, http.StatusBadRequest, "validation_error", "to must be after from")
		return
	}
	interval := q.Get("interval")
	if interval == "" {
		interval = "day"
	}
	oi := q.Get("oi") == "1" || q.Get("oi") == "true"
	wantGreeks := q.Get("greeks") == "1" || q.Get("greeks") == "true"

	inst, ok := s.deps.Instruments.Get(uint32(token))
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("unknown instrument token %d", token))
		return
	}

	market, err := s.deps.Market.Market()
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "upstream_transient_error", "no broker account available")
		return
	}
	candles, err := market.HistoricalCandles(r.Context(), uint32(token), from, to, interval, oi)
	if err != nil {
		s.logger.Error("historical candles failed", "token", token, "error", err)
		s.writeError(w, r, http.StatusBadGateway, "upstream_transient_error", err.Error())
		return
	}

	if wantGreeks && inst.IsOption() && inst.UnderlyingToken != 0 {
		underlying, err := market.HistoricalCandles(r.Context(), inst.UnderlyingToken, from, to, interval, false)
		if err != nil {
			s.logger.Warn("underlying candles unavailable, greeks skipped",
				"token", token, "underlying", inst.UnderlyingToken, "error", err)
		} else {
			spots := make(map[int64]float64, len(underlying))
			for _, c := range underlying {
				spots[c.Date.Unix()] = c.Close
			}
			candles = s.deps.Enricher.EnrichCandles(inst, candles, spots)
		}
	}

	if candles == nil {
		candles = []types.Candle{}
	}
	writeJSON(w, http.StatusOK, map[string][]types.Candle{"candles": candles})
}

// --- admin ---

func (s *Server) handleInstrumentRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.TriggerRefresh != nil {
		s.deps.TriggerRefresh()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return
		}
		limit = n
	}
	tasks, err := s.deps.Orders.DeadLetters(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if tasks == nil {
		tasks = []types.OrderTask{}
	}
	writeJSON(w, http.StatusOK, map[string][]types.OrderTask{"tasks": tasks})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Orders.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, "not_found", "no such task")
			return
		}
		s.writeError(w, r, http.StatusConflict, "validation_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, taskBody(task))
}
