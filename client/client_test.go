package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/choleraehyq/aiorpc/codec"
	"github.com/choleraehyq/aiorpc/registry"
	"github.com/choleraehyq/aiorpc/rpcconn"
	"github.com/choleraehyq/aiorpc/rpcerr"
	"github.com/choleraehyq/aiorpc/server"
)

// pipeDialer returns a Dialer that hands back one fixed net.Conn on its
// first call and errors on any subsequent call, standing in for a real
// TCP/Unix dial in tests.
func pipeDialer(conn net.Conn) Dialer {
	used := false
	return func(_ context.Context, _ time.Duration) (net.Conn, error) {
		if used {
			return nil, errors.New("pipeDialer: already dialed")
		}
		used = true
		return conn, nil
	}
}

func startTestServer(t *testing.T, reg *registry.Registry) net.Conn {
	t.Helper()
	client, srv := net.Pipe()
	s := server.New(reg)
	go func() { _ = s.Serve(context.Background(), srv) }()
	return client
}

func TestClientCallEcho(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(context.Background(), "echo", func(_ context.Context, args []any) (any, error) {
		return args[0], nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	client := startTestServer(t, reg)
	c := New(pipeDialer(client))

	got, err := c.Call(context.Background(), "echo", "message")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "message" {
		t.Errorf("got %v, want message", got)
	}
}

func TestClientCallServerException(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(context.Background(), "raise_error", func(_ context.Context, _ []any) (any, error) {
		return nil, errors.New("error msg")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	client := startTestServer(t, reg)
	c := New(pipeDialer(client))

	_, err := c.Call(context.Background(), "raise_error")
	var enh *rpcerr.EnhancedError
	if !errors.As(err, &enh) {
		t.Fatalf("Call error = %v, want *rpcerr.EnhancedError", err)
	}
	if enh.Kind != "Error" || enh.Message != "error msg" {
		t.Errorf("enhanced error = %+v, want Kind=Error Message=%q", enh, "error msg")
	}
}

func TestClientCallOnceReopensAfterClose(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(context.Background(), "echo", func(_ context.Context, args []any) (any, error) {
		return args[0], nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Two independent pipes: CallOnce must reopen on the second call, so
	// it needs a Dialer that can serve more than one dial.
	var pairs []net.Conn
	dial := func(_ context.Context, _ time.Duration) (net.Conn, error) {
		client, srv := net.Pipe()
		s := server.New(reg)
		go func() { _ = s.Serve(context.Background(), srv) }()
		pairs = append(pairs, client)
		return client, nil
	}

	c := New(dial)
	if !c.IsClosed() {
		t.Fatalf("new client should start closed")
	}

	got, err := c.CallOnce(context.Background(), "echo", "one")
	if err != nil {
		t.Fatalf("CallOnce: %v", err)
	}
	if got != "one" {
		t.Errorf("got %v, want one", got)
	}
	if !c.IsClosed() {
		t.Errorf("CallOnce should close the connection after returning")
	}

	got, err = c.CallOnce(context.Background(), "echo", "two")
	if err != nil {
		t.Fatalf("CallOnce (second): %v", err)
	}
	if got != "two" {
		t.Errorf("got %v, want two", got)
	}
}

func TestPipelinedClientOrdering(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(context.Background(), "echo", func(_ context.Context, args []any) (any, error) {
		return args[0], nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(context.Background(), "echo_delayed", func(ctx context.Context, args []any) (any, error) {
		delayNS, _ := args[1].(int64)
		delay := time.Duration(delayNS)
		select {
		case <-time.After(delay):
			return args[0], nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	client := startTestServer(t, reg)
	c := NewPipelined(pipeDialer(client))
	defer c.Close()

	type outcome struct {
		who string
		at  time.Time
	}
	results := make(chan outcome, 2)

	go func() {
		v, err := c.Call(context.Background(), "echo_delayed", "A", 100*time.Millisecond)
		if err != nil {
			t.Errorf("Call(echo_delayed): %v", err)
			return
		}
		if v != "A" {
			t.Errorf("echo_delayed result = %v, want A", v)
		}
		results <- outcome{who: "A", at: time.Now()}
	}()

	time.Sleep(10 * time.Millisecond)

	go func() {
		v, err := c.Call(context.Background(), "echo", "B")
		if err != nil {
			t.Errorf("Call(echo): %v", err)
			return
		}
		if v != "B" {
			t.Errorf("echo result = %v, want B", v)
		}
		results <- outcome{who: "B", at: time.Now()}
	}()

	first := <-results
	second := <-results

	if first.who != "B" || second.who != "A" {
		t.Errorf("resolution order = %s then %s, want B then A", first.who, second.who)
	}
}

// TestClientDoesNotDropCoalescedFrame covers spec.md §4.2's requirement
// that the single-frame-at-a-time recvFrame variant "must not drop
// already-decoded frames": a peer that writes two response frames in one
// underlying Write can hand the simple client's single Read both frames at
// once. Only the first may be consumed by the call that is waiting on it;
// the second must stay buffered in the connection's decoder rather than
// being discarded, ready for whichever later call asks for it.
func TestClientDoesNotDropCoalescedFrame(t *testing.T) {
	rawClient, rawServer := net.Pipe()
	defer rawServer.Close()

	serverConn := rpcconn.New(rawServer, codec.Options{})
	ready := make(chan struct{})

	go func() {
		// Drain the first real request, then answer it and a second,
		// not-yet-sent call's request in one coalesced write.
		if _, err := serverConn.RecvFrame(context.Background(), time.Second); err != nil {
			return
		}
		b1, _ := codec.Pack(codec.TypeResponse, uint64(1), nil, "first")
		b2, _ := codec.Pack(codec.TypeResponse, uint64(2), nil, "second")
		if _, err := rawServer.Write(append(b1, b2...)); err != nil {
			return
		}
		close(ready)

		// Keep draining so the second call's own request write doesn't
		// block forever on an unread peer.
		for {
			if _, err := serverConn.RecvFrame(context.Background(), 0); err != nil {
				return
			}
		}
	}()

	c := New(pipeDialer(rawClient))
	defer c.Close()

	got1, err := c.Call(context.Background(), "echo", "one")
	if err != nil {
		t.Fatalf("Call (first): %v", err)
	}
	if got1 != "first" {
		t.Fatalf("first call result = %v, want first", got1)
	}

	<-ready

	got2, err := c.Call(context.Background(), "echo", "two")
	if err != nil {
		t.Fatalf("Call (second): %v", err)
	}
	if got2 != "second" {
		t.Errorf("second call result = %v, want second (the coalesced frame must not be dropped)", got2)
	}
}

// TestClientCallReadTimeout covers spec.md §8 scenario 3: a server that
// never answers must cause Call to fail with a timeout once cfg.timeout
// elapses, rather than hanging forever.
func TestClientCallReadTimeout(t *testing.T) {
	rawClient, rawServer := net.Pipe()
	defer rawServer.Close()

	// A peer that reads the request (so SendAll doesn't block) but never
	// responds.
	serverConn := rpcconn.New(rawServer, codec.Options{})
	go func() {
		_, _ = serverConn.RecvFrame(context.Background(), time.Second)
	}()

	c := New(pipeDialer(rawClient), WithTimeout(20*time.Millisecond))
	defer c.Close()

	_, err := c.Call(context.Background(), "echo", "hello")
	if err == nil {
		t.Fatalf("Call: expected a timeout error, got nil")
	}
	var rerr *rpcerr.Error
	if !errors.As(err, &rerr) || rerr.Category != rpcerr.CategoryTimeout {
		t.Errorf("Call error = %v, want CategoryTimeout", err)
	}
}
