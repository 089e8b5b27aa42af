// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the gateway: instruments,
// raw broker ticks, enriched wire snapshots, persistent subscription and
// order-task records. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"time"
)

// Segment identifies the instrument class on the exchange.
type Segment string

const (
	SegmentOption Segment = "OPT"
	SegmentFuture Segment = "FUT"
	SegmentEquity Segment = "EQ"
	SegmentIndex  Segment = "IDX"
)

// OptionType is CE (call) or PE (put).
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Mode is the upstream streaming depth requested for an instrument.
type Mode string

const (
	ModeFull  Mode = "FULL"  // full depth + OI
	ModeQuote Mode = "QUOTE" // top-of-book
	ModeLTP   Mode = "LTP"   // last price only
)

// Instrument is the immutable metadata record for one tradeable token.
// Identity is Token. Options carry non-zero OptionType/Strike/Expiry/
// UnderlyingToken; indices and equities leave them empty.
type Instrument struct {
	Token           uint32     `json:"token"`
	Symbol          string     `json:"symbol"`
	Segment         Segment    `json:"segment"`
	OptionType      OptionType `json:"option_type,omitempty"`
	Strike          float64    `json:"strike,omitempty"`
	Expiry          time.Time  `json:"expiry,omitempty"`
	LotSize         uint32     `json:"lot_size"`
	TickSize        float64    `json:"tick_size"`
	UnderlyingToken uint32     `json:"underlying_token,omitempty"`
}

// IsOption reports whether the instrument takes the option enrichment path.
func (i Instrument) IsOption() bool {
	return i.Segment == SegmentOption
}

// SubscriptionStatus is the persistent lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
)

// Subscription is the persistent desired-state record consumed by the
// reconciler. Primary key is Token.
type Subscription struct {
	Token     uint32             `json:"token"`
	Symbol    string             `json:"symbol"`
	Segment   Segment            `json:"segment"`
	Status    SubscriptionStatus `json:"status"`
	Mode      Mode               `json:"requested_mode"`
	AccountID string             `json:"account_id,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// TradingAccount holds one broker account's credentials. The encrypted
// fields are AES-GCM envelopes as stored; the session layer decrypts them
// on demand and never logs plaintext.
type TradingAccount struct {
	AccountID   string    `json:"account_id"`
	APIKey      []byte    `json:"-"` // encrypted
	APISecret   []byte    `json:"-"` // encrypted
	AccessToken []byte    `json:"-"` // encrypted
	TOTPSeed    []byte    `json:"-"` // encrypted, optional
	LastAuthAt  time.Time `json:"last_auth_at"`
}

// DepthLevel is one side level of market depth: price, quantity, orders.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity uint32  `json:"qty"`
	Orders   uint32  `json:"orders"`
}

// RawTick is a single tick as delivered by an upstream broker connection,
// before validation and enrichment.
type RawTick struct {
	Token       uint32       `json:"token"`
	Last        float64      `json:"last"`
	Bid         float64      `json:"bid,omitempty"`
	Ask         float64      `json:"ask,omitempty"`
	BidQty      uint32       `json:"bid_qty,omitempty"`
	AskQty      uint32       `json:"ask_qty,omitempty"`
	Depth       []DepthLevel `json:"depth,omitempty"`
	Volume      uint64       `json:"volume"`
	OI          uint64       `json:"oi"`
	IV          float64      `json:"iv,omitempty"` // upstream-provided, usually absent
	QtyDelta    uint64       `json:"qty_delta,omitempty"`
	TimestampMs uint64       `json:"ts_ms"`
}

// OptionSnapshot is the enriched wire payload published on the options
// and futures topics and fanned out to clients.
type OptionSnapshot struct {
	Token    uint32       `json:"token"`
	Symbol   string       `json:"symbol"`
	Last     float64      `json:"last"`
	Bid      float64      `json:"bid,omitempty"`
	Ask      float64      `json:"ask,omitempty"`
	BidQty   uint32       `json:"bid_qty,omitempty"`
	AskQty   uint32       `json:"ask_qty,omitempty"`
	Depth    []DepthLevel `json:"depth,omitempty"`
	Volume   uint64       `json:"volume"`
	OI       uint64       `json:"oi"`
	IV       float64      `json:"iv"`
	Delta    float64      `json:"delta"`
	Gamma    float64      `json:"gamma"`
	Theta    float64      `json:"theta"`
	Vega     float64      `json:"vega"`
	TsMs     uint64       `json:"ts_ms"`
	IsMock   bool         `json:"is_mock"`
	NoGreeks bool         `json:"no_greeks,omitempty"` // spot unavailable or IV derivation failed
}

// UnderlyingBar is one OHLCV bar for an underlying index, emitted by the
// bar aggregator at a fixed interval.
type UnderlyingBar struct {
	Symbol string  `json:"symbol"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume uint64  `json:"volume"`
	TsSec  uint64  `json:"ts_sec"`
	IsMock bool    `json:"is_mock"`
}

// OrderOperation enumerates the broker order operations the task queue
// executes.
type OrderOperation string

const (
	OpPlaceOrder  OrderOperation = "place_order"
	OpModifyOrder OrderOperation = "modify_order"
	OpCancelOrder OrderOperation = "cancel_order"
)

// TaskStatus is the order-task lifecycle state. Transitions form the DAG
// pending -> running -> {completed | retrying -> running | failed |
// dead_letter}; completed, failed and dead_letter are terminal.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskRunning    TaskStatus = "running"
	TaskRetrying   TaskStatus = "retrying"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskDeadLetter TaskStatus = "dead_letter"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskDeadLetter
}

// OrderTask is the persistent, idempotent unit of order work.
// IdempotencyKey is a canonical hash of (operation, accountId, params);
// the store enforces uniqueness on it.
type OrderTask struct {
	TaskID         string            `json:"task_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Operation      OrderOperation    `json:"operation"`
	Params         map[string]string `json:"params"`
	AccountID      string            `json:"account_id"`
	Status         TaskStatus        `json:"status"`
	Attempts       uint32            `json:"attempts"`
	MaxAttempts    uint32            `json:"max_attempts"`
	LastError      string            `json:"last_error,omitempty"`
	Result         map[string]string `json:"result,omitempty"`
	NextRunAt      time.Time         `json:"next_run_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ControlEvent is published on the events topic for out-of-band
// notifications (reconnects, mock-mode flips, breaker transitions).
type ControlEvent struct {
	Kind      string `json:"kind"`
	AccountID string `json:"account_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
	TsMs      uint64 `json:"ts_ms"`
}

// Candle is one historical OHLCV row returned by the history endpoint.
// Greeks fields are populated only when enrichment is requested.
type Candle struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume uint64    `json:"v"`
	OI     uint64    `json:"oi,omitempty"`
	IV     float64   `json:"iv,omitempty"`
	Delta  float64   `json:"delta,omitempty"`
	Gamma  float64   `json:"gamma,omitempty"`
	Theta  float64   `json:"theta,omitempty"`
	Vega   float64   `json:"vega,omitempty"`
}
