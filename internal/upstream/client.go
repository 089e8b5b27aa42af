// Package upstream implements the vendor broker adapters: an
// authenticated REST client for order management and market reads, and a
// WebSocket feed for streaming ticks. The rest of the gateway consumes
// both through small interfaces so tests can substitute fakes and so the
// vendor protocol stays contained here.
package upstream

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"options-gateway/pkg/types"
)

// OrderAPI is the slice of the REST client the order engine depends on.
type OrderAPI interface {
	PlaceOrder(ctx context.Context, params map[string]string) (string, error)
	ModifyOrder(ctx context.Context, orderID string, params map[string]string) (string, error)
	CancelOrder(ctx context.Context, orderID string) (string, error)
}

// MarketAPI is the read-side REST surface used by the history endpoint
// and the mock generator's seeding.
type MarketAPI interface {
	GetQuote(ctx context.Context, token uint32) (*types.RawTick, error)
	HistoricalCandles(ctx context.Context, token uint32, from, to time.Time, interval string, oi bool) ([]types.Candle, error)
}

// Credentials is the decrypted per-account credential set.
type Credentials struct {
	AccountID   string
	APIKey      string
	AccessToken string
}

// Client is the broker REST API client for one account. It wraps resty
// with rate limiting, bounded retry on 5xx, and header auth.
type Client struct {
	http   *resty.Client
	creds  Credentials
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client. When dryRun is set, mutating methods
// return fake success without any HTTP call.
func NewClient(baseURL string, creds Credentials, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetHeader("Authorization", fmt.Sprintf("token %s:%s", creds.APIKey, creds.AccessToken))

	return &Client{
		http:   httpClient,
		creds:  creds,
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "upstream_rest", "account", creds.AccountID),
	}
}

type orderResult struct {
	Status string `json:"status"`
	Data   struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
	Message string `json:"message"`
}

// PlaceOrder submits a new order and returns the broker order id.
func (c *Client) PlaceOrder(ctx context.Context, params map[string]string) (string, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "symbol", params["tradingsymbol"])
		return fmt.Sprintf("dry-run-%d", time.Now().UnixNano()), nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}
	return c.orderCall(ctx, "place_order", func(r *resty.Request) (*resty.Response, error) {
		return r.SetFormDataFromValues(toValues(params)).Post("/orders/regular")
	})
}

// ModifyOrder amends a resting order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, params map[string]string) (string, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would modify order", "order_id", orderID)
		return orderID, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}
	return c.orderCall(ctx, "modify_order", func(r *resty.Request) (*resty.Response, error) {
		return r.SetFormDataFromValues(toValues(params)).Put("/orders/regular/" + orderID)
	})
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (string, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return orderID, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}
	return c.orderCall(ctx, "cancel_order", func(r *resty.Request) (*resty.Response, error) {
		return r.Delete("/orders/regular/" + orderID)
	})
}

func (c *Client) orderCall(ctx context.Context, op string, do func(*resty.Request) (*resty.Response, error)) (string, error) {
	var result orderResult
	resp, err := do(c.http.R().SetContext(ctx).SetResult(&result).SetError(&result))
	if err != nil {
		return "", NewError(KindTransient, op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		kind := classifyStatus(resp.StatusCode())
		return "", NewError(kind, op, fmt.Errorf("status %d: %s", resp.StatusCode(), result.Message))
	}
	return result.Data.OrderID, nil
}

// GetQuote fetches a point-in-time quote for one token.
func (c *Client) GetQuote(ctx context.Context, token uint32) (*types.RawTick, error) {
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Data map[string]struct {
			LastPrice     float64 `json:"last_price"`
			Volume        uint64  `json:"volume"`
			OI            uint64  `json:"oi"`
			LastTradeTime string  `json:"last_trade_time"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("i", strconv.FormatUint(uint64(token), 10)).
		SetResult(&result).
		Get("/quote")
	if err != nil {
		return nil, NewError(KindTransient, "get_quote", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, NewError(classifyStatus(resp.StatusCode()), "get_quote", fmt.Errorf("status %d", resp.StatusCode()))
	}
	for _, q := range result.Data {
		return &types.RawTick{
			Token:       token,
			Last:        q.LastPrice,
			Volume:      q.Volume,
			OI:          q.OI,
			TimestampMs: uint64(time.Now().UnixMilli()),
		}, nil
	}
	return nil, NewError(KindPermanent, "get_quote", fmt.Errorf("empty quote for token %d", token))
}

type candleRow struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume uint64  `json:"volume"`
	OI     uint64  `json:"oi"`
}

// HistoricalCandles fetches OHLCV rows for a token over [from, to].
func (c *Client) HistoricalCandles(ctx context.Context, token uint32, from, to time.Time, interval string, oi bool) ([]types.Candle, error) {
	if err := c.rl.Hist.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Data struct {
			Candles []candleRow `json:"candles"`
		} `json:"data"`
	}
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("from", from.Format("2006-01-02 15:04:05")).
		SetQueryParam("to", to.Format("2006-01-02 15:04:05")).
		SetResult(&result)
	if oi {
		req.SetQueryParam("oi", "1")
	}
	resp, err := req.Get(fmt.Sprintf("/instruments/historical/%d/%s", token, interval))
	if err != nil {
		return nil, NewError(KindTransient, "historical", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, NewError(classifyStatus(resp.StatusCode()), "historical", fmt.Errorf("status %d", resp.StatusCode()))
	}

	candles := make([]types.Candle, 0, len(result.Data.Candles))
	for _, row := range result.Data.Candles {
		ts, err := time.Parse(time.RFC3339, row.Date)
		if err != nil {
			continue
		}
		candles = append(candles, types.Candle{
			Date:   ts,
			Open:   row.Open,
			High:   row.High,
			Low:    row.Low,
			Close:  row.Close,
			Volume: row.Volume,
			OI:     row.OI,
		})
	}
	return candles, nil
}

// Instruments downloads the full instrument dump (CSV, one row per
// tradeable token) and links each derivative to its underlying index by
// name. This is the loader behind the instrument registry.
func (c *Client) Instruments(ctx context.Context) ([]types.Instrument, error) {
	resp, err := c.http.R().SetContext(ctx).SetDoNotParseResponse(true).Get("/instruments")
	if err != nil {
		return nil, NewError(KindTransient, "instruments", err)
	}
	defer resp.RawBody().Close()
	if resp.StatusCode() != http.StatusOK {
		return nil, NewError(classifyStatus(resp.StatusCode()), "instruments", fmt.Errorf("status %d", resp.StatusCode()))
	}

	r := csv.NewReader(resp.RawBody())
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, NewError(KindPermanent, "instruments", fmt.Errorf("read header: %w", err))
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var out []types.Instrument
	var names []string                     // per-row underlying name, "" when n/a
	underlyings := make(map[string]uint32) // index name -> token
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, NewError(KindPermanent, "instruments", fmt.Errorf("read row: %w", err))
		}
		token, err := strconv.ParseUint(field(row, "instrument_token"), 10, 32)
		if err != nil || token == 0 {
			continue
		}
		inst := types.Instrument{
			Token:  uint32(token),
			Symbol: field(row, "tradingsymbol"),
		}
		inst.Strike, _ = strconv.ParseFloat(field(row, "strike"), 64)
		inst.TickSize, _ = strconv.ParseFloat(field(row, "tick_size"), 64)
		if lot, err := strconv.ParseUint(field(row, "lot_size"), 10, 32); err == nil {
			inst.LotSize = uint32(lot)
		}
		if exp := field(row, "expiry"); exp != "" {
			inst.Expiry, _ = time.Parse("2006-01-02", exp)
		}

		switch field(row, "instrument_type") {
		case "CE":
			inst.Segment = types.SegmentOption
			inst.OptionType = types.OptionCall
		case "PE":
			inst.Segment = types.SegmentOption
			inst.OptionType = types.OptionPut
		case "FUT":
			inst.Segment = types.SegmentFuture
		default:
			if strings.Contains(field(row, "segment"), "INDICES") {
				inst.Segment = types.SegmentIndex
				if name := field(row, "name"); name != "" {
					underlyings[name] = inst.Token
				}
			} else {
				inst.Segment = types.SegmentEquity
			}
		}

		out = append(out, inst)
		if inst.Segment == types.SegmentOption || inst.Segment == types.SegmentFuture {
			names = append(names, field(row, "name"))
		} else {
			names = append(names, "")
		}
	}

	for i := range out {
		if names[i] != "" {
			out[i].UnderlyingToken = underlyings[names[i]]
		}
	}
	return out, nil
}

func toValues(params map[string]string) map[string][]string {
	values := make(map[string][]string, len(params))
	for k, v := range params {
		values[k] = []string{v}
	}
	return values
}
