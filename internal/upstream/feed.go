package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"options-gateway/pkg/types"
)

// TickHandler receives decoded ticks from a feed connection.
type TickHandler func(ticks []types.RawTick)

// StateHandler receives connection lifecycle notifications. connected is
// false on close; err is nil on clean close.
type StateHandler func(connected bool, err error)

// Conn is a single upstream streaming connection as seen by the pool.
// Implementations must be safe for concurrent use.
type Conn interface {
	ID() string
	Subscribe(ctx context.Context, tokens []uint32, mode types.Mode) error
	Unsubscribe(ctx context.Context, tokens []uint32) error
	LastTickAt() time.Time
	Healthy() bool
	Close() error
}

// Dialer creates feed connections. The pool holds a Dialer so tests can
// substitute in-memory fakes.
type Dialer interface {
	Dial(ctx context.Context, connID string, onTicks TickHandler, onState StateHandler) (Conn, error)
}

// FeedDialer dials real vendor WebSocket feeds for one account.
type FeedDialer struct {
	wsURL  string
	creds  Credentials
	logger *slog.Logger
}

// NewFeedDialer creates a dialer bound to one account's credentials.
func NewFeedDialer(wsURL string, creds Credentials, logger *slog.Logger) *FeedDialer {
	return &FeedDialer{
		wsURL:  wsURL,
		creds:  creds,
		logger: logger.With("component", "upstream_feed", "account", creds.AccountID),
	}
}

// Dial opens a feed connection and starts its read and ping loops. The
// connection reconnects on its own until Close is called.
func (d *FeedDialer) Dial(ctx context.Context, connID string, onTicks TickHandler, onState StateHandler) (Conn, error) {
	f := &feed{
		id:      connID,
		url:     fmt.Sprintf("%s?api_key=%s&access_token=%s", d.wsURL, d.creds.APIKey, d.creds.AccessToken),
		onTicks: onTicks,
		onState: onState,
		logger:  d.logger.With("conn", connID),
		done:    make(chan struct{}),
		subs:    make(map[uint32]types.Mode),
	}
	if err := f.connect(ctx); err != nil {
		return nil, NewError(KindTransient, "dial", err)
	}
	go f.run()
	return f, nil
}

// feed is one live WebSocket connection with auto-reconnect. On
// reconnect it replays the subscription set so the pool's view of the
// connection stays valid across drops.
type feed struct {
	id      string
	url     string
	onTicks TickHandler
	onState StateHandler
	logger  *slog.Logger

	mu         sync.Mutex
	ws         *websocket.Conn
	subs       map[uint32]types.Mode
	lastTick   time.Time
	closed     bool
	reconnects int

	done chan struct{}
}

const (
	writeTimeout    = 10 * time.Second
	pongTimeout     = 60 * time.Second
	pingInterval    = 25 * time.Second
	reconnectMin    = time.Second
	reconnectMax    = 30 * time.Second
)

func (f *feed) ID() string { return f.id }

func (f *feed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, f.url, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
		return err
	}
	ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	f.mu.Lock()
	f.ws = ws
	f.lastTick = time.Now()
	f.mu.Unlock()
	return nil
}

// run owns the read loop and reconnection. It exits only on Close.
func (f *feed) run() {
	go f.pingLoop()

	for {
		f.mu.Lock()
		ws := f.ws
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return
		}

		err := f.readLoop(ws)

		f.mu.Lock()
		closed = f.closed
		f.mu.Unlock()
		if closed {
			return
		}

		f.logger.Warn("feed disconnected, reconnecting", "error", err)
		if f.onState != nil {
			f.onState(false, err)
		}
		if !f.reconnect() {
			return
		}
	}
}

func (f *feed) readLoop(ws *websocket.Conn) error {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 || data[0] != '[' && data[0] != '{' {
			continue
		}

		ticks, err := decodeTicks(data)
		if err != nil {
			f.logger.Debug("undecodable frame", "error", err)
			continue
		}
		if len(ticks) == 0 {
			continue
		}

		f.mu.Lock()
		f.lastTick = time.Now()
		f.mu.Unlock()

		if f.onTicks != nil {
			f.onTicks(ticks)
		}
	}
}

// decodeTicks accepts either a single tick object or an array of ticks.
func decodeTicks(data []byte) ([]types.RawTick, error) {
	if data[0] == '{' {
		var t types.RawTick
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return []types.RawTick{t}, nil
	}
	var ticks []types.RawTick
	if err := json.Unmarshal(data, &ticks); err != nil {
		return nil, err
	}
	return ticks, nil
}

func (f *feed) reconnect() bool {
	backoff := reconnectMin
	for {
		select {
		case <-f.done:
			return false
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := f.connect(ctx)
		cancel()
		if err == nil {
			f.mu.Lock()
			f.reconnects++
			n := f.reconnects
			f.mu.Unlock()
			f.logger.Info("feed reconnected", "attempt", n)
			if err := f.resubscribe(); err != nil {
				f.logger.Error("resubscribe after reconnect failed", "error", err)
				continue
			}
			if f.onState != nil {
				f.onState(true, nil)
			}
			return true
		}

		f.logger.Warn("reconnect failed", "error", err, "backoff", backoff)
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// resubscribe replays the tracked subscription set, grouped by mode.
func (f *feed) resubscribe() error {
	f.mu.Lock()
	byMode := make(map[types.Mode][]uint32)
	for token, mode := range f.subs {
		byMode[mode] = append(byMode[mode], token)
	}
	f.mu.Unlock()

	for mode, tokens := range byMode {
		if err := f.send(subscribeFrame(tokens, mode)); err != nil {
			return err
		}
	}
	return nil
}

func (f *feed) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.mu.Lock()
			ws := f.ws
			f.mu.Unlock()
			if ws == nil {
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

type wireFrame struct {
	Action string   `json:"a"`
	Tokens []uint32 `json:"v"`
	Mode   string   `json:"mode,omitempty"`
}

func subscribeFrame(tokens []uint32, mode types.Mode) wireFrame {
	return wireFrame{Action: "subscribe", Tokens: tokens, Mode: strings.ToLower(string(mode))}
}

func (f *feed) send(frame wireFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ws == nil {
		return fmt.Errorf("not connected")
	}
	f.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.ws.WriteMessage(websocket.TextMessage, payload)
}

// Subscribe registers tokens at the given mode and sends the subscribe
// frame. Tokens stay tracked so reconnects replay them.
func (f *feed) Subscribe(ctx context.Context, tokens []uint32, mode types.Mode) error {
	if len(tokens) == 0 {
		return nil
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return NewError(KindPermanent, "subscribe", fmt.Errorf("connection closed"))
	}
	for _, t := range tokens {
		f.subs[t] = mode
	}
	f.mu.Unlock()

	if err := f.send(subscribeFrame(tokens, mode)); err != nil {
		f.mu.Lock()
		for _, t := range tokens {
			delete(f.subs, t)
		}
		f.mu.Unlock()
		return NewError(KindTransient, "subscribe", err)
	}
	return nil
}

// Unsubscribe removes tokens and sends the unsubscribe frame. A send
// failure is non-fatal: the tokens are already untracked and the next
// reconnect will not replay them.
func (f *feed) Unsubscribe(ctx context.Context, tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}
	f.mu.Lock()
	for _, t := range tokens {
		delete(f.subs, t)
	}
	f.mu.Unlock()

	if err := f.send(wireFrame{Action: "unsubscribe", Tokens: tokens}); err != nil {
		f.logger.Warn("unsubscribe send failed", "error", err, "tokens", len(tokens))
	}
	return nil
}

// LastTickAt returns the receive time of the most recent tick.
func (f *feed) LastTickAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTick
}

// Healthy reports whether the socket is open.
func (f *feed) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && f.ws != nil
}

// Close shuts the connection down permanently; it will not reconnect.
func (f *feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	ws := f.ws
	f.mu.Unlock()

	close(f.done)
	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return ws.Close()
	}
	return nil
}
