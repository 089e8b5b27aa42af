package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"options-gateway/pkg/types"
)

const (
	clientWriteTimeout = 10 * time.Second
	clientPongTimeout  = 60 * time.Second
	clientPingInterval = 25 * time.Second
	maxClientFrame     = 64 * 1024
)

// clientFrame is the inbound client protocol.
type clientFrame struct {
	Action string   `json:"action"`
	Tokens []uint32 `json:"tokens,omitempty"`
}

// serverFrame is the outbound envelope.
type serverFrame struct {
	Type   string      `json:"type"`
	ConnID string      `json:"conn_id,omitempty"`
	Tokens []uint32    `json:"tokens,omitempty"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func tickFrame(snap *types.OptionSnapshot) []byte {
	payload, _ := json.Marshal(serverFrame{Type: "tick", Data: snap})
	return payload
}

func barFrame(bar *types.UnderlyingBar) []byte {
	payload, _ := json.Marshal(serverFrame{Type: "tick", Data: bar})
	return payload
}

// client is one WebSocket session.
type client struct {
	id       string
	identity Identity
	ws       *websocket.Conn
	send     chan []byte
	subs     map[uint32]struct{} // guarded by hub.mu
	hub      *Hub

	dropMu sync.Mutex
	drops  int // consecutive
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// deliver queues a frame without blocking. A full buffer drops the frame
// and, after MaxConsecutiveDrops in a row, kicks the client.
func (c *client) deliver(frame []byte) {
	c.dropMu.Lock()
	if c.closed {
		c.dropMu.Unlock()
		return
	}
	c.dropMu.Unlock()

	select {
	case c.send <- frame:
		c.dropMu.Lock()
		c.drops = 0
		c.dropMu.Unlock()
	default:
		c.hub.metrics.ClientDropped.Inc()
		c.dropMu.Lock()
		c.drops++
		kicked := c.drops >= c.hub.opts.MaxConsecutiveDrops
		c.dropMu.Unlock()
		if kicked {
			c.hub.metrics.ClientsKicked.Inc()
			c.hub.logger.Warn("kicking slow client", "conn", c.id, "drops", c.hub.opts.MaxConsecutiveDrops)
			c.close(websocket.CloseTryAgainLater, "client too slow")
		}
	}
}

func (c *client) sendFrame(frame serverFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.deliver(payload)
}

func (c *client) readPump() {
	defer c.close(websocket.CloseNormalClosure, "")

	c.ws.SetReadLimit(maxClientFrame)
	c.ws.SetReadDeadline(time.Now().Add(clientPongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(clientPongTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(clientPongTimeout))

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendFrame(serverFrame{Type: "error", Error: "malformed frame"})
			continue
		}
		c.handle(frame)
	}
}

func (c *client) handle(frame clientFrame) {
	switch frame.Action {
	case "subscribe":
		// The identity bound at connect must still be valid.
		if c.hub.revoked.IsRevoked(c.identity.TokenHash) {
			c.close(websocket.ClosePolicyViolation, "token revoked")
			return
		}
		c.hub.subscribe(c, frame.Tokens)
		c.sendFrame(serverFrame{Type: "subscribed", Tokens: frame.Tokens})
	case "unsubscribe":
		c.hub.unsubscribe(c, frame.Tokens)
		c.sendFrame(serverFrame{Type: "unsubscribed", Tokens: frame.Tokens})
	case "ping":
		c.sendFrame(serverFrame{Type: "pong"})
	default:
		c.sendFrame(serverFrame{Type: "error", Error: "unknown action"})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(clientPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close(websocket.CloseInternalServerErr, "")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseInternalServerErr, "")
				return
			}
		}
	}
}

// close tears the session down exactly once.
func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.dropMu.Lock()
		c.closed = true
		c.dropMu.Unlock()

		c.hub.remove(c)
		if code != websocket.CloseNormalClosure {
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(time.Second))
		}
		c.ws.Close()
		close(c.done)
	})
}
