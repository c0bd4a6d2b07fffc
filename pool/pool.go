// Package pool implements a bounded connection pool: a lazily-filled idle
// queue with minsize/maxsize bounds and health checks on acquire/release.
// It is modeled on aiorpc/pool.py's ConnectionPool, with connection
// creation retried through an exponential backoff the way the teacher's
// rpc/transport/tcp/client.go retries dials — an enrichment over the
// original's "stop if creation fails" (spec.md §4.7).
package pool

import (
	"fmt"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/retry/exponential"

	"github.com/choleraehyq/aiorpc/rpcconn"
)

// Factory creates a new ready-to-use connection.
type Factory func(ctx context.Context) (*rpcconn.Conn, error)

// Pool is a bounded queue of idle connections plus a set of connections
// currently checked out, matching spec.md §3's Pool state and invariants
// (size = |idle| + |in_use|, size ≤ maxsize).
type Pool struct {
	factory Factory
	minsize int
	maxsize int
	backoff *exponential.Backoff

	mu       sync.Mutex
	idle     []*rpcconn.Conn
	inUse    map[*rpcconn.Conn]struct{}
	size     int
	notEmpty chan struct{}
}

// Option configures a Pool.
type Option func(*poolOpts)

type poolOpts struct {
	policy exponential.Policy
}

// WithRetryPolicy overrides the backoff policy used when filling toward
// minsize (default exponential.FastRetryPolicy(), the teacher's default
// for connection dials).
func WithRetryPolicy(p exponential.Policy) Option {
	return func(o *poolOpts) { o.policy = p }
}

// New returns a Pool that creates connections via factory, bounded between
// minsize and maxsize.
func New(factory Factory, minsize, maxsize int, opts ...Option) (*Pool, error) {
	if minsize < 0 || maxsize <= 0 || minsize > maxsize {
		return nil, fmt.Errorf("pool: invalid bounds minsize=%d maxsize=%d", minsize, maxsize)
	}

	o := &poolOpts{policy: exponential.FastRetryPolicy()}
	for _, opt := range opts {
		opt(o)
	}
	backoff, err := exponential.New(exponential.WithPolicy(o.policy))
	if err != nil {
		return nil, err
	}

	return &Pool{
		factory:  factory,
		minsize:  minsize,
		maxsize:  maxsize,
		backoff:  backoff,
		inUse:    make(map[*rpcconn.Conn]struct{}),
		notEmpty: make(chan struct{}, 1),
	}, nil
}

// Acquire returns a healthy connection, creating one if the pool has not
// yet reached maxsize and none is idle, or blocking until one is released
// otherwise. It implements spec.md §4.7's acquire(): fill to minsize first,
// then pop-check-retry from idle, then create-or-wait.
func (p *Pool) Acquire(ctx context.Context) (*rpcconn.Conn, error) {
	if err := p.fillToMinsize(ctx); err != nil {
		return nil, err
	}

	for {
		p.mu.Lock()
		for len(p.idle) > 0 {
			conn := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if !conn.Probe() {
				conn.Close()
				p.size--
				continue
			}
			p.inUse[conn] = struct{}{}
			p.mu.Unlock()
			return conn, nil
		}

		if p.size < p.maxsize {
			p.size++
			p.mu.Unlock()
			conn, err := p.create(ctx)
			if err != nil {
				p.mu.Lock()
				p.size--
				p.mu.Unlock()
				return nil, err
			}
			p.mu.Lock()
			p.inUse[conn] = struct{}{}
			p.mu.Unlock()
			return conn, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notEmpty:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns conn to the idle queue, or closes it and shrinks the
// pool if conn is no longer healthy.
func (p *Pool) Release(conn *rpcconn.Conn) {
	p.mu.Lock()
	delete(p.inUse, conn)

	if !conn.Probe() {
		conn.Close()
		p.size--
	} else {
		p.idle = append(p.idle, conn)
	}
	p.mu.Unlock()

	select {
	case p.notEmpty <- struct{}{}:
	default:
	}
}

// Clear drains and closes every idle connection, matching
// aiorpc/pool.py's clear().
func (p *Pool) Clear() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.size -= len(idle)
	p.mu.Unlock()

	for _, conn := range idle {
		conn.Close()
	}
}

// Size reports the current total pool size (idle + in use).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Pool) fillToMinsize(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.size >= p.minsize {
			p.mu.Unlock()
			return nil
		}
		p.size++
		p.mu.Unlock()

		conn, err := p.create(ctx)
		if err != nil {
			p.mu.Lock()
			p.size--
			p.mu.Unlock()
			// spec.md §4.7 step 1: "stop if creation fails" — after
			// retrying through the backoff policy, give up on filling
			// further rather than blocking Acquire forever.
			return nil
		}
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
}

func (p *Pool) create(ctx context.Context) (*rpcconn.Conn, error) {
	var conn *rpcconn.Conn
	err := p.backoff.Retry(ctx, func(retryCtx context.Context, _ exponential.Record) error {
		c, err := p.factory(retryCtx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
