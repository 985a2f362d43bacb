// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package connpool provides a capacity-bounded pool of backing-store sessions.
//
// Sessions are created lazily on first demand, lent to exactly one holder at a
// time, reused after release, and discarded when they come back broken. Waiting
// for a free slot is FIFO. Without a timeout an acquire waits indefinitely,
// including on a pool whose capacity is zero.
package connpool

import (
	"context"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"querygate/server/internal/errors"
)

// closeTimeout bounds how long discarding a single session may take.
const closeTimeout = 5 * time.Second

// Session is one live connection to the backing store.
type Session interface {
	Close(ctx context.Context) error
	IsClosed() bool
}

// Dialer opens new sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context) (Session, error)

// Dial calls f(ctx).
func (f DialFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

// Options configures a Pool.
type Options struct {
	// Capacity is the maximum number of sessions checked out at once.
	// Negative values are treated as zero.
	Capacity int
	// AcquireTimeout bounds the wait for a free slot. Zero waits until the
	// caller's context ends.
	AcquireTimeout time.Duration
}

// DefaultCapacity returns the default pool size for this machine.
func DefaultCapacity() int {
	return runtime.NumCPU() * 2 * 4
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Capacity  int
	InUse     int64
	Idle      int
	Open      int64
	Created   uint64
	Discarded uint64
	Exhausted uint64
}

// Pool is a capacity-bounded session pool. It is safe for concurrent use.
type Pool struct {
	dialer Dialer
	opts   Options
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	idle   []Session
	closed bool

	inUse     atomic.Int64
	open      atomic.Int64
	created   atomic.Uint64
	discarded atomic.Uint64
	exhausted atomic.Uint64
}

// New creates a pool over d. No session is opened until the first Acquire.
func New(d Dialer, opts Options) *Pool {
	if opts.Capacity < 0 {
		opts.Capacity = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		dialer: d,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.Capacity)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Capacity returns the configured maximum number of checked-out sessions.
func (p *Pool) Capacity() int { return p.opts.Capacity }

// Acquire waits for a free slot and returns a leased session. The returned
// Conn must be handed back with Release or Destroy exactly once.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if p.isClosed() {
		return nil, errors.New(errors.KindShuttingDown, "connection pool is closed")
	}

	waitCtx := ctx
	if p.opts.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.opts.AcquireTimeout)
		defer cancel()
	}
	waitCtx, cancelWait := context.WithCancel(waitCtx)
	defer cancelWait()
	stop := context.AfterFunc(p.ctx, cancelWait)
	defer stop()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		return nil, p.waitError(ctx, err)
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, errors.New(errors.KindShuttingDown, "connection pool is closed")
		}
		n := len(p.idle)
		if n == 0 {
			p.mu.Unlock()
			break
		}
		s := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()

		if s.IsClosed() {
			p.discard(s)
			continue
		}
		p.inUse.Add(1)
		return &Conn{pool: p, sess: s}, nil
	}

	s, err := p.dialer.Dial(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, errors.Wrap(errors.KindBackendUnavailable, "failed to open connection", err)
	}
	p.created.Add(1)
	p.open.Add(1)
	p.inUse.Add(1)
	return &Conn{pool: p, sess: s}, nil
}

func (p *Pool) waitError(ctx context.Context, err error) error {
	switch {
	case p.ctx.Err() != nil:
		return errors.New(errors.KindShuttingDown, "connection pool closed while waiting")
	case ctx.Err() == context.Canceled:
		return errors.Wrap(errors.KindCanceled, "gave up waiting for a connection", err)
	default:
		p.exhausted.Add(1)
		return errors.Wrap(errors.KindPoolExhausted, "no connection became available", err)
	}
}

// put returns a session to the pool and frees its slot.
func (p *Pool) put(s Session, destroy bool) {
	p.inUse.Add(-1)
	keep := !destroy && !s.IsClosed()
	if keep {
		p.mu.Lock()
		if p.closed {
			keep = false
		} else {
			p.idle = append(p.idle, s)
		}
		p.mu.Unlock()
	}
	if !keep {
		p.discard(s)
	}
	p.sem.Release(1)
}

func (p *Pool) discard(s Session) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = s.Close(ctx)
	p.open.Add(-1)
	p.discarded.Add(1)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return Stats{
		Capacity:  p.opts.Capacity,
		InUse:     p.inUse.Load(),
		Idle:      idle,
		Open:      p.open.Load(),
		Created:   p.created.Load(),
		Discarded: p.discarded.Load(),
		Exhausted: p.exhausted.Load(),
	}
}

// Close wakes every waiter with a shutting-down error and closes idle
// sessions. Sessions still checked out are closed when they are returned.
// If the dialer implements io.Closer it is closed too.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	p.cancel()
	for _, s := range idle {
		p.discard(s)
	}
	if c, ok := p.dialer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Conn is a leased session.
type Conn struct {
	pool *Pool
	sess Session
	done atomic.Bool
}

// Session returns the underlying session.
func (c *Conn) Session() Session { return c.sess }

// Release returns the session to the pool. A session that reports itself
// closed is discarded instead. Calls after the first are no-ops.
func (c *Conn) Release() {
	if c.done.CompareAndSwap(false, true) {
		c.pool.put(c.sess, false)
	}
}

// Destroy closes the session and frees its slot. Use it when the session's
// state cannot be trusted, for example after a panic mid-query.
func (c *Conn) Destroy() {
	if c.done.CompareAndSwap(false, true) {
		c.pool.put(c.sess, true)
	}
}
