package bus

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// Batcher buffers payloads per topic and publishes them as a single
// JSON-array payload when the buffer reaches maxSize, when the oldest
// buffered message reaches maxAge, or on an explicit Flush.
type Batcher struct {
	pub     *Publisher
	maxSize int
	maxAge  time.Duration

	mu      sync.Mutex
	buffers map[string]*topicBuffer
}

type topicBuffer struct {
	payloads [][]byte
	firstAt  time.Time
}

// NewBatcher creates a batcher. Run must be started for age-based flushing.
func NewBatcher(pub *Publisher, maxSize int, maxAge time.Duration) *Batcher {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if maxAge <= 0 {
		maxAge = 100 * time.Millisecond
	}
	return &Batcher{
		pub:     pub,
		maxSize: maxSize,
		maxAge:  maxAge,
		buffers: make(map[string]*topicBuffer),
	}
}

// Add appends payload to the topic buffer, flushing if the size threshold
// is reached.
func (b *Batcher) Add(ctx context.Context, topic string, payload []byte) {
	b.mu.Lock()
	buf, ok := b.buffers[topic]
	if !ok {
		buf = &topicBuffer{firstAt: time.Now()}
		b.buffers[topic] = buf
	}
	if len(buf.payloads) == 0 {
		buf.firstAt = time.Now()
	}
	buf.payloads = append(buf.payloads, payload)
	full := len(buf.payloads) >= b.maxSize
	b.mu.Unlock()

	if full {
		b.flushTopic(ctx, topic)
	}
}

// Flush publishes every non-empty buffer immediately.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	topics := make([]string, 0, len(b.buffers))
	for topic, buf := range b.buffers {
		if len(buf.payloads) > 0 {
			topics = append(topics, topic)
		}
	}
	b.mu.Unlock()

	for _, topic := range topics {
		b.flushTopic(ctx, topic)
	}
}

// Run flushes aged buffers until ctx is cancelled, then performs a final
// flush so shutdown does not strand buffered ticks.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.maxAge / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush(context.Background())
			return ctx.Err()
		case <-ticker.C:
			b.flushAged(ctx)
		}
	}
}

func (b *Batcher) flushAged(ctx context.Context) {
	now := time.Now()
	b.mu.Lock()
	topics := make([]string, 0, len(b.buffers))
	for topic, buf := range b.buffers {
		if len(buf.payloads) > 0 && now.Sub(buf.firstAt) >= b.maxAge {
			topics = append(topics, topic)
		}
	}
	b.mu.Unlock()

	for _, topic := range topics {
		b.flushTopic(ctx, topic)
	}
}

func (b *Batcher) flushTopic(ctx context.Context, topic string) {
	b.mu.Lock()
	buf, ok := b.buffers[topic]
	if !ok || len(buf.payloads) == 0 {
		b.mu.Unlock()
		return
	}
	payloads := buf.payloads
	buf.payloads = nil
	b.mu.Unlock()

	b.pub.Publish(ctx, topic, joinJSONArray(payloads))
}

// joinJSONArray frames already-serialized JSON objects as one array
// without re-marshalling.
func joinJSONArray(payloads [][]byte) []byte {
	var out bytes.Buffer
	out.WriteByte('[')
	for i, p := range payloads {
		if i > 0 {
			out.WriteByte(',')
		}
		out.Write(p)
	}
	out.WriteByte(']')
	return out.Bytes()
}
