package client

import (
	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/choleraehyq/aiorpc/codec"
	"github.com/choleraehyq/aiorpc/rpcconn"
	"github.com/choleraehyq/aiorpc/rpcerr"
)

// pendingResult is what a call's completion channel receives: either a
// decoded result or the error the frame (or the reader's own failure)
// carried.
type pendingResult struct {
	result any
	err    error
}

// PipelinedClient allows multiple in-flight calls on one connection,
// demultiplexing responses by message id with a single background reader
// goroutine. It is modeled on the teacher's rpc/client/sync.go SyncClient
// (a pending map guarded by a mutex, drained by one reader), generalized
// from claw's session-based RPC to spec.md §4.6's plain message-id
// demultiplexing.
type PipelinedClient struct {
	dial Dialer
	cfg  *config

	mu            sync.Mutex
	conn          *rpcconn.Conn
	counter       uint64
	pending       map[uint64]chan pendingResult
	readerRunning bool
}

// NewPipelined returns a PipelinedClient that lazily dials via dial on
// first Call and starts its background reader at the same time.
func NewPipelined(dial Dialer, opts ...Option) *PipelinedClient {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &PipelinedClient{
		dial:    dial,
		cfg:     cfg,
		pending: make(map[uint64]chan pendingResult),
	}
}

// Call assigns a fresh message id, registers a completion for it, sends
// the request, and blocks until the background reader delivers a matching
// response, ctx is canceled, or the reader itself fails (in which case
// every outstanding call completes with the reader's failure). Multiple
// goroutines may call concurrently; spec.md §4.6's ordering guarantee
// ("the reader MAY deliver completions out of order") holds — callers must
// not assume response order equals call order.
func (c *PipelinedClient) Call(ctx context.Context, method string, args ...any) (any, error) {
	ch, msgID, err := c.send(ctx, method, args)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msgID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *PipelinedClient) send(ctx context.Context, method string, args []any) (chan pendingResult, uint64, error) {
	c.mu.Lock()

	if c.conn == nil {
		nc, derr := c.dial(ctx, c.cfg.dialTimeout)
		if derr != nil {
			c.mu.Unlock()
			return nil, 0, rpcerr.E(ctx, rpcerr.CategoryIO, derr)
		}
		c.conn = rpcconn.New(nc, c.cfg.codecOpts)
	}

	if !c.readerRunning {
		c.readerRunning = true
		conn := c.conn
		pool := context.Pool(ctx)
		pool.Submit(ctx, func() { c.readLoop(conn) })
	}

	c.counter++
	msgID := c.counter
	ch := make(chan pendingResult, 1)
	c.pending[msgID] = ch
	conn := c.conn
	c.mu.Unlock()

	if err := conn.SendAll(ctx, c.cfg.timeout, codec.TypeRequest, msgID, method, args); err != nil {
		c.mu.Lock()
		delete(c.pending, msgID)
		c.mu.Unlock()
		return nil, 0, err
	}
	return ch, msgID, nil
}

// readLoop is the background reader: it owns exclusive read access to conn
// and runs until conn fails, demultiplexing every response frame to its
// pending completion by message id.
func (c *PipelinedClient) readLoop(conn *rpcconn.Conn) {
	ctx := context.Background()
	for {
		frames, err := conn.RecvFrames(ctx, 0)
		if err != nil {
			c.failAllPending(err)
			return
		}
		for _, frame := range frames {
			c.dispatch(frame)
		}
	}
}

func (c *PipelinedClient) dispatch(frame []any) {
	if len(frame) != 4 {
		return
	}
	typ, ok := codec.ToUint64(frame[0])
	if !ok || typ != codec.TypeResponse {
		return
	}
	msgID, ok := codec.ToUint64(frame[1])
	if !ok {
		return
	}

	c.mu.Lock()
	ch, found := c.pending[msgID]
	if found {
		delete(c.pending, msgID)
	}
	c.mu.Unlock()
	if !found {
		// The caller abandoned this completion (ctx canceled before
		// the response arrived); spec.md §5 allows garbage-collecting
		// it here rather than treating this as an error.
		return
	}

	var res pendingResult
	if remoteErr := rpcerr.DecodeRemote(frame[2]); remoteErr != nil {
		res.err = remoteErr
	} else {
		res.result = frame[3]
	}
	select {
	case ch <- res:
	default:
	}
}

func (c *PipelinedClient) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan pendingResult)
	c.readerRunning = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- pendingResult{err: err}:
		default:
		}
	}
}

// Close closes the underlying connection, which in turn causes the
// background reader to exit and fail any outstanding calls.
func (c *PipelinedClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
