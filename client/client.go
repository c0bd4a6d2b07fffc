// Package client implements the MessagePack-RPC client, both in its simple
// (one in-flight request per connection) and pipelined (many in-flight,
// demultiplexed by message id) modes. It is modeled on aiorpc/client.py's
// RPCClient for the simple-mode call contract and on the teacher's
// rpc/client/sync.go for the pipelined demultiplexing pattern (a pending
// map of message id to a completion channel, drained by one background
// reader goroutine).
package client

import (
	"log/slog"
	"net"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/choleraehyq/aiorpc/codec"
	"github.com/choleraehyq/aiorpc/rpcconn"
	"github.com/choleraehyq/aiorpc/rpcerr"
)

// defaultTimeout matches aiorpc/client.py's default 3 second socket
// timeout.
const defaultTimeout = 3 * time.Second

// Dialer opens the underlying transport. TCPDialer and UnixDialer below
// are the two spec.md §6 transports; tests substitute a Dialer backed by
// net.Pipe().
type Dialer func(ctx context.Context, dialTimeout time.Duration) (net.Conn, error)

// TCPDialer returns a Dialer connecting to a TCP host:port, enabling
// SO_KEEPALIVE on the resulting connection per spec.md §6.
func TCPDialer(addr string) Dialer {
	return func(ctx context.Context, dialTimeout time.Duration) (net.Conn, error) {
		d := net.Dialer{Timeout: dialTimeout, KeepAlive: 3 * time.Second}
		return d.DialContext(ctx, "tcp", addr)
	}
}

// UnixDialer returns a Dialer connecting to a Unix domain socket path.
func UnixDialer(path string) Dialer {
	return func(ctx context.Context, dialTimeout time.Duration) (net.Conn, error) {
		d := net.Dialer{Timeout: dialTimeout}
		return d.DialContext(ctx, "unix", path)
	}
}

type config struct {
	timeout     time.Duration
	dialTimeout time.Duration
	codecOpts   codec.Options
	logger      *slog.Logger
	meterProv   metric.MeterProvider
}

func defaultConfig() *config {
	return &config{
		timeout:     defaultTimeout,
		dialTimeout: defaultTimeout,
		logger:      slog.Default(),
		meterProv:   otel.GetMeterProvider(),
	}
}

// Option configures a Client or PipelinedClient, matching the teacher's
// rpc/client.Option functional-options pattern.
type Option func(*config)

// WithTimeout sets the per-call I/O timeout (default 3s).
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithDialTimeout sets the connect timeout for lazy-open (default 3s).
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) { c.dialTimeout = d }
}

// WithCodecOptions sets the passthrough codec options.
func WithCodecOptions(o codec.Options) Option {
	return func(c *config) { c.codecOpts = o }
}

// WithLogger overrides the structured logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMeterProvider overrides the otel MeterProvider used for the
// per-call duration histogram.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) { c.meterProv = mp }
}

// Client is the simple-mode client: one in-flight request at a time per
// connection, matching aiorpc/client.py's RPCClient.
type Client struct {
	dial Dialer
	cfg  *config

	mu      sync.Mutex
	conn    *rpcconn.Conn
	counter uint64

	callDuration metric.Float64Histogram
}

// New returns a Client that lazily dials via dial on first Call.
func New(dial Dialer, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	c := &Client{dial: dial, cfg: cfg}

	meter := cfg.meterProv.Meter("github.com/choleraehyq/aiorpc/client")
	hist, err := meter.Float64Histogram(
		"rpc.client.duration",
		metric.WithDescription("client call round-trip duration"),
		metric.WithUnit("us"),
	)
	if err == nil {
		c.callDuration = hist
	}
	return c
}

// Call invokes method with args and returns the result, opening the
// connection lazily on first use or after a prior close. It implements
// spec.md §4.5 steps 1-6.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	return c.call(ctx, method, args, false)
}

// CallOnce is Call with close=true: the connection is closed after the
// round trip regardless of outcome, matching aiorpc/client.py's
// call_once().
func (c *Client) CallOnce(ctx context.Context, method string, args ...any) (any, error) {
	return c.call(ctx, method, args, true)
}

// Close closes the underlying connection if one is open. Safe to call
// even if no call has been made yet.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsClosed reports whether the client currently has no open connection,
// either because none was ever opened or because the last call closed it.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == nil
}

func (c *Client) call(ctx context.Context, method string, args []any, closeAfter bool) (result any, err error) {
	start := time.Now()
	defer func() {
		c.recordDuration(ctx, start, method, err)
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		nc, derr := c.dial(ctx, c.cfg.dialTimeout)
		if derr != nil {
			return nil, rpcerr.E(ctx, rpcerr.CategoryIO, derr)
		}
		c.conn = rpcconn.New(nc, c.cfg.codecOpts)
	}

	c.counter++
	msgID := c.counter

	if closeAfter {
		defer c.closeLocked()
	}

	if err := c.conn.SendAll(ctx, c.cfg.timeout, codec.TypeRequest, msgID, method, args); err != nil {
		c.closeLocked()
		return nil, err
	}

	resp, err := c.conn.RecvFrame(ctx, c.cfg.timeout)
	if err != nil {
		c.closeLocked()
		return nil, err
	}
	// Simple mode reads exactly one response per request via the
	// single-frame recvFrame variant (spec.md §4.2): if a read happened to
	// surface more than one frame's worth of bytes, the rest stay buffered
	// in the connection's decoder for the next call instead of being
	// dropped, matching aiorpc's _parse_response reading a single message
	// off the unpacker without discarding whatever else it buffered.

	if len(resp) != 4 {
		return nil, rpcerr.Protocol(ctx, "malformed response frame")
	}
	typ, ok := codec.ToUint64(resp[0])
	if !ok || typ != codec.TypeResponse {
		return nil, rpcerr.Protocol(ctx, "malformed response frame")
	}
	respID, ok := codec.ToUint64(resp[1])
	if !ok || respID != msgID {
		// spec.md §4.5 step 5: a msg_id mismatch is a legacy RPCError,
		// not a protocol error — it means something else answered on
		// this connection, which the simple client's one-in-flight
		// contract treats as caller error, not a wire-shape error.
		return nil, &rpcerr.RPCError{Message: "Invalid Message ID"}
	}

	if remoteErr := rpcerr.DecodeRemote(resp[2]); remoteErr != nil {
		return nil, remoteErr
	}
	return resp[3], nil
}

func (c *Client) recordDuration(ctx context.Context, start time.Time, method string, err error) {
	if c.callDuration == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	us := float64(time.Since(start).Microseconds())
	c.callDuration.Record(ctx, us, metric.WithAttributes(
		attribute.String("rpc.method", method),
		attribute.String("rpc.outcome", outcome),
	))
}
