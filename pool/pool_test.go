package pool

import (
	"context"
	"net"
	"testing"

	"github.com/choleraehyq/aiorpc/codec"
	"github.com/choleraehyq/aiorpc/rpcconn"
)

// newPipeFactory returns a Factory backed by net.Pipe, plus the matching
// server-side ends so a test can drive or close each connection.
func newPipeFactory(t *testing.T) (Factory, *[]net.Conn) {
	t.Helper()
	var servers []net.Conn
	f := func(_ context.Context) (*rpcconn.Conn, error) {
		client, server := net.Pipe()
		servers = append(servers, server)
		return rpcconn.New(client, codec.Options{}), nil
	}
	return f, &servers
}

func TestAcquireFillsToMinsize(t *testing.T) {
	factory, _ := newPipeFactory(t)
	p, err := New(factory, 2, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := p.Size(); got != 0 {
		t.Fatalf("Size before Acquire = %d, want 0", got)
	}

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := p.Size(); got != 2 {
		t.Errorf("Size after first Acquire = %d, want 2 (filled to minsize)", got)
	}
	p.Release(conn)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	factory, _ := newPipeFactory(t)
	p, err := New(factory, 0, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c1)

	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if c1 != c2 {
		t.Errorf("expected the released connection to be reused")
	}
	p.Release(c2)
}

func TestAcquireRespectsMaxsize(t *testing.T) {
	factory, _ := newPipeFactory(t)
	p, err := New(factory, 0, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	if _, err := p.Acquire(ctx); err == nil {
		t.Errorf("Acquire: expected blocking (and then canceled) call to error at maxsize")
	}
	p.Release(conn)
}

func TestReleaseClosesUnhealthyConnection(t *testing.T) {
	factory, servers := newPipeFactory(t)
	p, err := New(factory, 0, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Close the peer so Probe observes EOF on release.
	(*servers)[0].Close()

	p.Release(conn)
	if got := p.Size(); got != 0 {
		t.Errorf("Size after releasing an unhealthy connection = %d, want 0", got)
	}
}

func TestClearDrainsIdle(t *testing.T) {
	factory, _ := newPipeFactory(t)
	p, err := New(factory, 2, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(conn)

	p.Clear()
	if got := p.Size(); got != 0 {
		t.Errorf("Size after Clear = %d, want 0", got)
	}
}
