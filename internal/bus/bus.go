// Package bus is the internal pub/sub layer. Enriched snapshots and bars
// are published here and the client fan-out hub subscribes on the other
// side.
//
// Topic scheme (NATS subjects, dot-separated):
//
//	ticker.options     OptionSnapshot JSON (option instruments)
//	ticker.futures     OptionSnapshot JSON (futures)
//	ticker.underlying  UnderlyingBar JSON
//	ticker.events      ControlEvent JSON
//
// Publishing is wrapped in a circuit breaker: while the breaker is open,
// messages are dropped and counted rather than blocking the tick
// pipeline. A failed publish is retried a bounded number of times with a
// short backoff before it feeds the breaker.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"options-gateway/internal/breaker"
	"options-gateway/internal/metrics"
)

const (
	TopicOptions    = "ticker.options"
	TopicFutures    = "ticker.futures"
	TopicUnderlying = "ticker.underlying"
	TopicEvents     = "ticker.events"
)

// Conn is the slice of the NATS connection the publisher needs. *nats.Conn
// satisfies it; tests substitute a fake.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	IsConnected() bool
	Close()
}

// Connect dials the bus with reconnect options tuned for a long-lived
// gateway process.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("bus reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}
	return conn, nil
}

// Publisher publishes payloads with retry and breaker protection.
// Publish never returns an error to the data plane: failures are counted
// and absorbed so a sick bus cannot stall tick processing.
type Publisher struct {
	conn    Conn
	brk     *breaker.Breaker
	retries int
	backoff time.Duration
	met     *metrics.Registry
	logger  *slog.Logger
}

// NewPublisher wraps conn. retries is the number of re-attempts after the
// first failure (default 2 when <= 0).
func NewPublisher(conn Conn, brk *breaker.Breaker, retries int, backoff time.Duration, met *metrics.Registry, logger *slog.Logger) *Publisher {
	if retries <= 0 {
		retries = 2
	}
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	return &Publisher{
		conn:    conn,
		brk:     brk,
		retries: retries,
		backoff: backoff,
		met:     met,
		logger:  logger.With("component", "bus"),
	}
}

// Publish sends payload on topic. While the breaker is open the message
// is dropped (counted) and nil is returned. Exhausted retries record a
// breaker failure and also return nil: the pipeline must keep moving.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if !p.brk.CanExecute() {
		p.met.BusDropped.WithLabelValues(topic).Inc()
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff):
			}
		}
		if lastErr = p.conn.Publish(topic, payload); lastErr == nil {
			p.brk.RecordSuccess()
			p.met.BusPublished.WithLabelValues(topic).Inc()
			return nil
		}
	}

	p.brk.RecordFailure(lastErr)
	p.met.BusFailures.Inc()
	p.logger.Warn("publish failed after retries", "topic", topic, "error", lastErr)
	return nil
}

// Breaker exposes the publish breaker for health reporting.
func (p *Publisher) Breaker() *breaker.Breaker {
	return p.brk
}

// Healthy reports whether the underlying connection is up and the breaker
// is not open.
func (p *Publisher) Healthy() bool {
	return p.conn.IsConnected() && p.brk.State() != breaker.Open
}
