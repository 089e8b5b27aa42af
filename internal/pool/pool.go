// Package pool manages the upstream WebSocket connections for one
// trading account. Instruments are packed first-fit onto connections up
// to a per-connection cap; new connections open on demand up to the
// account's connection limit.
//
// Locking follows a plan/dispatch/commit shape: placement decisions and
// bookkeeping happen under the pool mutex, network calls happen outside
// it, and failures roll the reservation back. Nothing network-bound ever
// runs while the mutex is held.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"options-gateway/internal/metrics"
	"options-gateway/internal/upstream"
	"options-gateway/pkg/types"
)

// ErrCapacity is returned when a subscribe request does not fit within
// maxConns * maxPerConn.
var ErrCapacity = errors.New("pool at capacity")

// Options configures a Pool.
type Options struct {
	AccountID    string
	MaxPerConn   int
	MaxConns     int
	StallTimeout time.Duration
	OnTicks      upstream.TickHandler
}

// Pool owns the feed connections for one account.
type Pool struct {
	opts    Options
	dialer  upstream.Dialer
	metrics *metrics.Registry
	logger  *slog.Logger

	mu     sync.Mutex
	conns  []*member
	nextID int
	closed bool
}

// member pairs a connection with the tokens placed on it. A token
// present in the map counts against the connection's capacity even while
// its subscribe call is still in flight. conn stays nil while the member
// is pending: the dial and initial subscribe have not committed yet, and
// only the Subscribe call that created the member may touch it.
type member struct {
	id     string
	conn   upstream.Conn
	tokens map[uint32]types.Mode
}

// New creates a pool. Connections are dialed lazily on the first
// subscribe that needs them.
func New(opts Options, dialer upstream.Dialer, m *metrics.Registry, logger *slog.Logger) *Pool {
	return &Pool{
		opts:    opts,
		dialer:  dialer,
		metrics: m,
		logger:  logger.With("component", "pool", "account", opts.AccountID),
	}
}

// placement is one planned subscribe dispatch: tokens destined for an
// established member, or for a connection that still needs dialing.
type placement struct {
	member  *member // nil until reservation; pending placements get a fresh member
	tokens  []uint32
	pending bool // member was created by this call and needs dialing
}

// Subscribe places tokens onto connections and subscribes them at the
// given mode. Tokens already subscribed are skipped. Returns ErrCapacity
// without side effects when the remainder cannot fit.
func (p *Pool) Subscribe(ctx context.Context, tokens []uint32, mode types.Mode) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pool closed")
	}

	fresh := p.filterNewLocked(tokens)
	if len(fresh) == 0 {
		p.mu.Unlock()
		return nil
	}

	plan, err := p.planLocked(fresh)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	// Reserve capacity before releasing the lock so a concurrent
	// Subscribe cannot double-book the same slots. Tokens headed for a
	// new connection are parked on a pending member so they are owned
	// before the dial starts.
	for i := range plan {
		pl := &plan[i]
		if pl.member == nil {
			p.nextID++
			pl.member = &member{
				id:     fmt.Sprintf("%s-%d", p.opts.AccountID, p.nextID),
				tokens: make(map[uint32]types.Mode),
			}
			pl.pending = true
			p.conns = append(p.conns, pl.member)
		}
		for _, t := range pl.tokens {
			pl.member.tokens[t] = mode
		}
	}
	p.mu.Unlock()

	var firstErr error
	for i := range plan {
		pl := &plan[i]
		if pl.pending {
			conn, err := p.dialer.Dial(ctx, pl.member.id, p.opts.OnTicks, p.onState(pl.member.id))
			if err != nil {
				firstErr = fmt.Errorf("dial %s: %w", pl.member.id, err)
				p.dropMember(pl.member)
				continue
			}
			if err := conn.Subscribe(ctx, pl.tokens, mode); err != nil {
				firstErr = err
				conn.Close()
				p.dropMember(pl.member)
				continue
			}
			p.mu.Lock()
			pl.member.conn = conn
			p.mu.Unlock()
			p.logger.Info("opened feed connection", "conn", pl.member.id)
		} else if err := pl.member.conn.Subscribe(ctx, pl.tokens, mode); err != nil {
			firstErr = err
			p.rollback(pl.tokens, pl.member)
			continue
		}
		p.metrics.PoolSubscribed.WithLabelValues(p.opts.AccountID).Add(float64(len(pl.tokens)))
	}

	p.mu.Lock()
	p.metrics.PoolConnections.WithLabelValues(p.opts.AccountID).Set(float64(len(p.conns)))
	p.mu.Unlock()
	return firstErr
}

// filterNewLocked drops tokens already placed on some connection.
func (p *Pool) filterNewLocked(tokens []uint32) []uint32 {
	fresh := tokens[:0:0]
	for _, t := range tokens {
		if p.findMemberLocked(t) == nil {
			fresh = append(fresh, t)
		}
	}
	return fresh
}

// planLocked packs tokens first-fit onto established connections, then
// onto as many new connections as the account limit allows. Pending
// members still count against the connection limit but accept no new
// placements until their dial commits.
func (p *Pool) planLocked(tokens []uint32) ([]placement, error) {
	var plan []placement
	remaining := tokens

	for _, m := range p.conns {
		if len(remaining) == 0 {
			break
		}
		if m.conn == nil {
			continue
		}
		room := p.opts.MaxPerConn - len(m.tokens)
		if room <= 0 {
			continue
		}
		n := min(room, len(remaining))
		plan = append(plan, placement{member: m, tokens: remaining[:n]})
		remaining = remaining[n:]
	}

	newConns := 0
	for len(remaining) > 0 {
		if len(p.conns)+newConns >= p.opts.MaxConns {
			return nil, fmt.Errorf("%w: %d tokens do not fit (%d conns of %d each)",
				ErrCapacity, len(remaining), p.opts.MaxConns, p.opts.MaxPerConn)
		}
		n := min(p.opts.MaxPerConn, len(remaining))
		plan = append(plan, placement{member: nil, tokens: remaining[:n]})
		remaining = remaining[n:]
		newConns++
	}
	return plan, nil
}

// dropMember removes a member whose dial or initial subscribe failed,
// releasing its token reservation and connection slot.
func (p *Pool) dropMember(m *member) {
	p.mu.Lock()
	kept := p.conns[:0]
	for _, c := range p.conns {
		if c != m {
			kept = append(kept, c)
		}
	}
	p.conns = kept
	p.mu.Unlock()
}

func (p *Pool) onState(connID string) upstream.StateHandler {
	return func(connected bool, err error) {
		if connected {
			p.logger.Info("feed connection restored", "conn", connID)
		} else {
			p.logger.Warn("feed connection lost", "conn", connID, "error", err)
		}
	}
}

// rollback undoes a failed reservation on an established connection.
func (p *Pool) rollback(tokens []uint32, m *member) {
	p.mu.Lock()
	for _, t := range tokens {
		delete(m.tokens, t)
	}
	p.mu.Unlock()
}

// Unsubscribe removes tokens from their connections. Connections left
// empty are closed and removed so capacity is reclaimed.
func (p *Pool) Unsubscribe(ctx context.Context, tokens []uint32) error {
	p.mu.Lock()
	byMember := make(map[*member][]uint32)
	for _, t := range tokens {
		// Pending members are left alone; their owning Subscribe call
		// still has the subscribe in flight.
		if m := p.findMemberLocked(t); m != nil && m.conn != nil {
			delete(m.tokens, t)
			byMember[m] = append(byMember[m], t)
		}
	}
	var drained []*member
	kept := p.conns[:0]
	for _, m := range p.conns {
		if len(m.tokens) == 0 && len(byMember[m]) > 0 {
			drained = append(drained, m)
		} else {
			kept = append(kept, m)
		}
	}
	p.conns = kept
	p.mu.Unlock()

	var firstErr error
	for m, ts := range byMember {
		if err := m.conn.Unsubscribe(ctx, ts); err != nil && firstErr == nil {
			firstErr = err
		}
		p.metrics.PoolSubscribed.WithLabelValues(p.opts.AccountID).Sub(float64(len(ts)))
	}
	for _, m := range drained {
		if err := m.conn.Close(); err != nil {
			p.logger.Warn("close drained connection", "conn", m.conn.ID(), "error", err)
		} else {
			p.logger.Info("closed drained connection", "conn", m.conn.ID())
		}
	}

	p.mu.Lock()
	p.metrics.PoolConnections.WithLabelValues(p.opts.AccountID).Set(float64(len(p.conns)))
	p.mu.Unlock()
	return firstErr
}

func (p *Pool) findMemberLocked(token uint32) *member {
	for _, m := range p.conns {
		if _, ok := m.tokens[token]; ok {
			return m
		}
	}
	return nil
}

// Subscribed returns the full set of tokens currently placed on this
// pool's connections.
func (p *Pool) Subscribed() map[uint32]types.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint32]types.Mode)
	for _, m := range p.conns {
		for t, mode := range m.tokens {
			out[t] = mode
		}
	}
	return out
}

// Capacity returns how many more tokens this pool can accept.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	used := 0
	for _, m := range p.conns {
		used += len(m.tokens)
	}
	return p.opts.MaxConns*p.opts.MaxPerConn - used
}

// Stats is a point-in-time view for the health endpoint.
type Stats struct {
	AccountID   string      `json:"account_id"`
	Connections []ConnStats `json:"connections"`
	Subscribed  int         `json:"subscribed"`
}

// ConnStats describes one connection.
type ConnStats struct {
	ID         string    `json:"id"`
	Tokens     int       `json:"tokens"`
	Healthy    bool      `json:"healthy"`
	LastTickAt time.Time `json:"last_tick_at"`
}

// Stats snapshots the pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{AccountID: p.opts.AccountID}
	for _, m := range p.conns {
		cs := ConnStats{ID: m.id, Tokens: len(m.tokens)}
		if m.conn != nil {
			cs.Healthy = m.conn.Healthy()
			cs.LastTickAt = m.conn.LastTickAt()
		}
		s.Connections = append(s.Connections, cs)
		s.Subscribed += len(m.tokens)
	}
	return s
}

// RunHealth watches for stalled connections. A connection that has open
// subscriptions but no ticks within the stall timeout is bounced: closed
// and its tokens resubscribed on a fresh connection.
func (p *Pool) RunHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkStalls(ctx)
		}
	}
}

func (p *Pool) checkStalls(ctx context.Context) {
	p.mu.Lock()
	var stalled *member
	for _, m := range p.conns {
		if m.conn == nil || len(m.tokens) == 0 {
			continue
		}
		if !m.conn.Healthy() || time.Since(m.conn.LastTickAt()) > p.opts.StallTimeout {
			stalled = m
			break
		}
	}
	if stalled == nil {
		p.mu.Unlock()
		return
	}
	tokens := make(map[types.Mode][]uint32)
	for t, mode := range stalled.tokens {
		tokens[mode] = append(tokens[mode], t)
	}
	kept := p.conns[:0]
	for _, m := range p.conns {
		if m != stalled {
			kept = append(kept, m)
		}
	}
	p.conns = kept
	p.mu.Unlock()

	p.logger.Warn("bouncing stalled connection", "conn", stalled.conn.ID())
	stalled.conn.Close()
	for mode, ts := range tokens {
		if err := p.Subscribe(ctx, ts, mode); err != nil {
			p.logger.Error("resubscribe after stall bounce failed", "error", err, "tokens", len(ts))
		}
	}
}

// Close shuts every connection down.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, m := range conns {
		if m.conn != nil {
			m.conn.Close()
		}
	}
}
