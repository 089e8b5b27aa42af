package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"options-gateway/internal/metrics"
	"options-gateway/pkg/types"
)

func newTestHub(t *testing.T, opts Options) (*Hub, *Verifier) {
	t.Helper()
	if opts.SendBufferSize == 0 {
		opts.SendBufferSize = 16
	}
	if opts.MaxConsecutiveDrops == 0 {
		opts.MaxConsecutiveDrops = 50
	}
	verifier := NewVerifier("test-secret")
	resolve := func(symbol string) (uint32, bool) {
		if symbol == "NIFTY 50" {
			return 256265, true
		}
		return 0, false
	}
	return New(opts, verifier, NewRevocations(), resolve, metrics.New(), slog.Default()), verifier
}

func dialWS(t *testing.T, h *Hub, token string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	if token != "" {
		header.Set("Sec-WebSocket-Protocol", "bearer, "+token)
	}
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) serverFrame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame serverFrame
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return frame
}

func TestVerifierRoundTrip(t *testing.T) {
	t.Parallel()
	v := NewVerifier("secret")
	token, err := v.Sign("user-1", "admin", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	id, err := v.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "user-1" || id.Role != "admin" {
		t.Errorf("identity = %+v", id)
	}
	if id.TokenHash == "" {
		t.Error("token hash not computed")
	}

	if _, err := NewVerifier("other").Verify(token); err == nil {
		t.Error("token signed with a different secret must be rejected")
	}
	expired, _ := v.Sign("user-1", "", -time.Minute)
	if _, err := v.Verify(expired); err == nil {
		t.Error("expired token must be rejected")
	}
}

func TestConnectRequiresToken(t *testing.T) {
	t.Parallel()
	h, _ := newTestHub(t, Options{})
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", resp)
	}
}

func TestConnectSubscribeAndPing(t *testing.T) {
	t.Parallel()
	h, v := newTestHub(t, Options{})
	token, _ := v.Sign("user-1", "", time.Minute)
	ws := dialWS(t, h, token)

	if frame := readFrame(t, ws); frame.Type != "connected" || frame.ConnID == "" {
		t.Fatalf("greeting = %+v", frame)
	}

	ws.WriteJSON(clientFrame{Action: "subscribe", Tokens: []uint32{256265}})
	if frame := readFrame(t, ws); frame.Type != "subscribed" {
		t.Fatalf("frame = %+v, want subscribed", frame)
	}

	ws.WriteJSON(clientFrame{Action: "ping"})
	if frame := readFrame(t, ws); frame.Type != "pong" {
		t.Fatalf("frame = %+v, want pong", frame)
	}

	// Broadcast reaches the subscribed client.
	h.Broadcast(256265, tickFrame(&types.OptionSnapshot{Token: 256265, Last: 24100}))
	frame := readFrame(t, ws)
	if frame.Type != "tick" {
		t.Fatalf("frame = %+v, want tick", frame)
	}
}

func TestUnknownActionKeepsConnectionOpen(t *testing.T) {
	t.Parallel()
	h, v := newTestHub(t, Options{})
	token, _ := v.Sign("user-1", "", time.Minute)
	ws := dialWS(t, h, token)
	readFrame(t, ws) // connected

	ws.WriteJSON(clientFrame{Action: "bogus"})
	if frame := readFrame(t, ws); frame.Type != "error" {
		t.Fatalf("frame = %+v, want error", frame)
	}

	ws.WriteMessage(websocket.TextMessage, []byte("{not json"))
	if frame := readFrame(t, ws); frame.Type != "error" {
		t.Fatalf("frame = %+v, want error", frame)
	}

	// Still serviceable.
	ws.WriteJSON(clientFrame{Action: "ping"})
	if frame := readFrame(t, ws); frame.Type != "pong" {
		t.Fatalf("frame = %+v, want pong after errors", frame)
	}
}

func TestQueryStringTokenFallback(t *testing.T) {
	t.Parallel()
	h, v := newTestHub(t, Options{})
	token, _ := v.Sign("user-1", "", time.Minute)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	if frame := readFrame(t, ws); frame.Type != "connected" {
		t.Fatalf("greeting = %+v", frame)
	}
}

// bareClient builds a registered client without pumps so delivery
// semantics can be driven directly.
func bareClient(t *testing.T, h *Hub, bufSize int) *client {
	return bareClientID(t, h, "test-conn", bufSize)
}

func bareClientID(t *testing.T, h *Hub, id string, bufSize int) *client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Server side just parks; the test drives the hub side.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })

	c := &client{
		id:   id,
		ws:   ws,
		send: make(chan []byte, bufSize),
		subs: make(map[uint32]struct{}),
		done: make(chan struct{}),
		hub:  h,
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.ClientsActive.Inc()
	return c
}

func TestSlowClientKickedAfterConsecutiveDrops(t *testing.T) {
	t.Parallel()
	h, _ := newTestHub(t, Options{SendBufferSize: 2, MaxConsecutiveDrops: 3})
	c := bareClient(t, h, 2)
	h.subscribe(c, []uint32{1})

	frame := tickFrame(&types.OptionSnapshot{Token: 1, Last: 100})
	// Two fill the buffer, three more are consecutive drops.
	for i := 0; i < 5; i++ {
		h.Broadcast(1, frame)
	}
	if got := h.ClientCount(); got != 0 {
		t.Errorf("client count = %d after sustained backpressure, want 0", got)
	}
}

func TestDropCounterResetsOnDelivery(t *testing.T) {
	t.Parallel()
	h, _ := newTestHub(t, Options{SendBufferSize: 1, MaxConsecutiveDrops: 3})
	c := bareClient(t, h, 1)
	h.subscribe(c, []uint32{1})

	frame := tickFrame(&types.OptionSnapshot{Token: 1, Last: 100})
	for round := 0; round < 5; round++ {
		h.Broadcast(1, frame) // fills the buffer
		h.Broadcast(1, frame) // drop 1
		h.Broadcast(1, frame) // drop 2
		<-c.send              // drain, resetting the counter on the next delivery
	}
	if got := h.ClientCount(); got != 1 {
		t.Errorf("client kicked despite never reaching the consecutive-drop cap")
	}
}

func TestSlowClientDoesNotAffectFastClient(t *testing.T) {
	t.Parallel()
	h, _ := newTestHub(t, Options{SendBufferSize: 4, MaxConsecutiveDrops: 1000})
	slow := bareClientID(t, h, "slow-conn", 1)
	fast := bareClientID(t, h, "fast-conn", 64)

	h.subscribe(slow, []uint32{1})
	h.subscribe(fast, []uint32{1})

	frame := tickFrame(&types.OptionSnapshot{Token: 1, Last: 100})
	for i := 0; i < 10; i++ {
		h.Broadcast(1, frame)
	}
	if got := len(fast.send); got != 10 {
		t.Errorf("fast client queued %d frames, want 10", got)
	}
	if got := len(slow.send); got != 1 {
		t.Errorf("slow client queued %d frames, want its buffer size 1", got)
	}
}

func TestRevokedTokenClosesOnSubscribe(t *testing.T) {
	t.Parallel()
	h, v := newTestHub(t, Options{})
	token, _ := v.Sign("user-1", "", time.Minute)
	ws := dialWS(t, h, token)
	readFrame(t, ws) // connected

	id, _ := v.Verify(token)
	h.revoked.Revoke(id.TokenHash)

	ws.WriteJSON(clientFrame{Action: "subscribe", Tokens: []uint32{1}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("revoked client still connected")
}

func TestUnsubscribeRemovesFromIndex(t *testing.T) {
	t.Parallel()
	h, _ := newTestHub(t, Options{})
	c := bareClient(t, h, 16)

	h.subscribe(c, []uint32{1, 2})
	h.unsubscribe(c, []uint32{1})

	h.Broadcast(1, []byte(`{"type":"tick"}`))
	h.Broadcast(2, []byte(`{"type":"tick"}`))
	if got := len(c.send); got != 1 {
		t.Errorf("queued %d frames, want 1 (token 1 unsubscribed)", got)
	}

	h.mu.RLock()
	_, stale := h.subscribers[1]
	h.mu.RUnlock()
	if stale {
		t.Error("empty subscriber set not pruned")
	}
}

func TestFanOutBatchPayload(t *testing.T) {
	t.Parallel()
	h, _ := newTestHub(t, Options{})
	c := bareClient(t, h, 16)
	h.subscribe(c, []uint32{10, 11})

	batch, _ := json.Marshal([]types.OptionSnapshot{
		{Token: 10, Last: 1},
		{Token: 11, Last: 2},
		{Token: 12, Last: 3}, // nobody subscribed
	})
	h.fanOutSnapshots(batch)
	if got := len(c.send); got != 2 {
		t.Errorf("queued %d frames from batch, want 2", got)
	}
}

func TestFanOutBarResolvesSymbol(t *testing.T) {
	t.Parallel()
	h, _ := newTestHub(t, Options{})
	c := bareClient(t, h, 16)
	h.subscribe(c, []uint32{256265})

	bar, _ := json.Marshal(types.UnderlyingBar{Symbol: "NIFTY 50", Close: 24100, TsSec: 1})
	h.fanOutBars(bar)
	if got := len(c.send); got != 1 {
		t.Errorf("queued %d frames, want 1", got)
	}
}
