// Package pool implements the Command Pool: a bounded multiplexer of
// internal/channel.Channel connections to one running VM's command
// endpoint, with idle eviction, liveness checks, and fair FIFO waiting.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aivahq/aiva/internal/channel"
)

// Dialer opens one new Command Channel to the pool's target. It is supplied
// by the Platform Driver: a VsockTransport-backed dialer on Linux, a
// TcpTransport-backed one through the nested-host forwarder on macOS/Windows.
type Dialer func(connectTimeout time.Duration) (*channel.Channel, error)

// Outcome tells Release whether the returned channel is healthy.
type Outcome int

const (
	// Healthy channels are pushed back onto the idle stack.
	Healthy Outcome = iota
	// Unhealthy channels (any transport-level failure during use) are
	// closed and never reused.
	Unhealthy
)

type idleEntry struct {
	ch      *channel.Channel
	idleAt  time.Time
}

// Pool multiplexes concurrent Execute calls onto at most MaxConnections
// channels to one VM's command endpoint.
type Pool struct {
	dial           Dialer
	maxConnections int
	idleTimeout    time.Duration
	connectTimeout time.Duration

	mu      sync.Mutex
	idle    []*idleEntry // LIFO: last element is most-recently-idle
	waiters *list.List   // FIFO of chan acquireResult
	count   int          // channels open (idle + in-use)
	closed  bool

	sweepCancel context.CancelFunc
	sweepGroup  *errgroup.Group
}

type acquireResult struct {
	ch  *channel.Channel
	err error
}

// Config bounds a Pool's behavior.
type Config struct {
	MaxConnections int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	// SweepInterval controls how often the idle sweep runs. Defaults to
	// IdleTimeout/2 if zero.
	SweepInterval time.Duration
}

// New creates a Pool bound to one VM's command endpoint and starts its
// background idle sweep.
func New(dial Dialer, cfg Config) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = cfg.IdleTimeout / 2
		if sweepInterval <= 0 {
			sweepInterval = time.Second
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	p := &Pool{
		dial:           dial,
		maxConnections: cfg.MaxConnections,
		idleTimeout:    cfg.IdleTimeout,
		connectTimeout: cfg.ConnectTimeout,
		waiters:        list.New(),
		sweepCancel:    cancel,
		sweepGroup:     g,
	}

	g.Go(func() error {
		p.sweepLoop(gctx, sweepInterval)
		return nil
	})

	return p
}

// Acquire returns an idle channel if one passes a liveness check, opens a
// new one if under the cap, or waits FIFO-order for a release, all bounded
// by deadline.
func (p *Pool) Acquire(deadline time.Time) (*channel.Channel, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, newErr(KindPoolClosed, "pool is closed")
		}

		if n := len(p.idle); n > 0 {
			e := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()

			if p.probe(e.ch, deadline) {
				return e.ch, nil
			}
			// Dead on liveness check: drop and retry.
			e.ch.Close()
			p.mu.Lock()
			p.count--
			p.mu.Unlock()
			continue
		}

		if p.count < p.maxConnections {
			p.count++
			p.mu.Unlock()

			ch, err := p.dial(p.dialTimeout(deadline))
			if err != nil {
				p.mu.Lock()
				p.count--
				p.mu.Unlock()
				return nil, err
			}
			return ch, nil
		}

		result := make(chan acquireResult, 1)
		elem := p.waiters.PushBack(result)
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		select {
		case r := <-result:
			timer.Stop()
			if r.err != nil {
				return nil, r.err
			}
			return r.ch, nil
		case <-timer.C:
			p.mu.Lock()
			p.waiters.Remove(elem)
			p.mu.Unlock()
			return nil, newErr(KindAcquireTimeout, "no channel available within deadline")
		}
	}
}

func (p *Pool) dialTimeout(deadline time.Time) time.Duration {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return p.connectTimeout
	}
	if remaining < p.connectTimeout {
		return remaining
	}
	return p.connectTimeout
}

// probe performs a cheap liveness check: a ping with a short budget carved
// out of the remaining deadline.
func (p *Pool) probe(ch *channel.Channel, deadline time.Time) bool {
	probeDeadline := time.Now().Add(2 * time.Second)
	if probeDeadline.After(deadline) {
		probeDeadline = deadline
	}
	return ch.Ping(probeDeadline) == nil
}

// Release returns ch to the idle set, or discards it if outcome is
// Unhealthy. If a waiter is queued, it is handed the channel directly.
func (p *Pool) Release(ch *channel.Channel, outcome Outcome) {
	p.mu.Lock()
	if outcome == Unhealthy || p.closed {
		p.mu.Unlock()
		ch.Close()
		p.mu.Lock()
		p.count--
		p.mu.Unlock()
		return
	}

	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		result := front.Value.(chan acquireResult)
		p.mu.Unlock()
		result <- acquireResult{ch: ch}
		return
	}

	p.idle = append(p.idle, &idleEntry{ch: ch, idleAt: time.Now()})
	p.mu.Unlock()
}

// Execute acquires a channel, runs req, and releases the channel, marking it
// Unhealthy on any channel.Error whose Kind indicates a transport-level
// failure rather than a remote application error.
func (p *Pool) Execute(req channel.Request, deadline time.Time) (*channel.Response, error) {
	ch, err := p.Acquire(deadline)
	if err != nil {
		return nil, err
	}

	resp, err := ch.Execute(req, deadline)
	outcome := Healthy
	if err != nil {
		if cerr, ok := err.(*channel.Error); ok {
			switch cerr.Kind {
			case channel.KindRemoteError, channel.KindBusy:
				// Application-level outcome; the channel itself is fine.
			default:
				outcome = Unhealthy
			}
		} else {
			outcome = Unhealthy
		}
	}
	p.Release(ch, outcome)
	return resp, err
}

// Shutdown prevents new acquisitions, fails all waiters with PoolClosed, and
// closes every idle channel. It does not forcibly interrupt channels
// currently in use; callers should stop issuing new Execute calls and let
// in-flight ones drain before calling Shutdown, or accept that Release on an
// in-flight channel after Shutdown simply closes it.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil

	for e := p.waiters.Front(); e != nil; e = e.Next() {
		result := e.Value.(chan acquireResult)
		result <- acquireResult{err: newErr(KindPoolClosed, "pool shut down while waiting")}
	}
	p.waiters.Init()
	p.mu.Unlock()

	for _, e := range idle {
		e.ch.Close()
	}

	p.sweepCancel()
	p.sweepGroup.Wait()
}

func (p *Pool) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	now := time.Now()
	p.mu.Lock()
	kept := p.idle[:0]
	var expired []*idleEntry
	for _, e := range p.idle {
		if now.Sub(e.idleAt) >= p.idleTimeout {
			expired = append(expired, e)
		} else {
			kept = append(kept, e)
		}
	}
	p.idle = kept
	p.count -= len(expired)
	p.mu.Unlock()

	for _, e := range expired {
		e.ch.Close()
	}
}
