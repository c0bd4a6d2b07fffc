package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/choleraehyq/aiorpc/rpcerr"
)

func echoHandler(_ context.Context, args []any) (any, error) {
	return args, nil
}

func TestRegisterAndLookupMethod(t *testing.T) {
	ctx := context.Background()
	r := New()

	if err := r.Register(ctx, "echo", echoHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}

	fn, err := r.Lookup(ctx, "echo")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	got, err := fn(ctx, []any{"x"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got.([]any)[0] != "x" {
		t.Errorf("got %v, want [x]", got)
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	r := New()
	if err := r.Register(ctx, "echo", echoHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(ctx, "echo", echoHandler)
	if err == nil {
		t.Fatalf("Register: expected error on duplicate")
	}
	var rerr *rpcerr.Error
	if !errors.As(err, &rerr) || rerr.Category != rpcerr.CategoryMethodRegistered {
		t.Errorf("Register error = %v, want CategoryMethodRegistered", err)
	}
}

func TestLookupUnknownMethod(t *testing.T) {
	ctx := context.Background()
	r := New()
	_, err := r.Lookup(ctx, "nope")
	var rerr *rpcerr.Error
	if !errors.As(err, &rerr) || rerr.Category != rpcerr.CategoryMethodNotFound {
		t.Errorf("Lookup error = %v, want CategoryMethodNotFound", err)
	}
}

type greeter struct {
	prefix string
}

func (g *greeter) Hello(_ context.Context, args []any) (any, error) {
	name, _ := args[0].(string)
	return g.prefix + name, nil
}

func TestRegisterClassDispatch(t *testing.T) {
	ctx := context.Background()
	r := New()
	if err := r.RegisterClass(ctx, "Greeter", &greeter{prefix: "hi "}); err != nil {
		t.Fatalf("RegisterClass: %v", err)
	}

	fn, err := r.Lookup(ctx, "Greeter.Hello")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	got, err := fn(ctx, []any{"sam"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got != "hi sam" {
		t.Errorf("got %v, want %q", got, "hi sam")
	}
}

func TestRegisterClassUnknownMethod(t *testing.T) {
	ctx := context.Background()
	r := New()
	if err := r.RegisterClass(ctx, "Greeter", &greeter{}); err != nil {
		t.Fatalf("RegisterClass: %v", err)
	}
	_, err := r.Lookup(ctx, "Greeter.Missing")
	var rerr *rpcerr.Error
	if !errors.As(err, &rerr) || rerr.Category != rpcerr.CategoryMethodNotFound {
		t.Errorf("Lookup error = %v, want CategoryMethodNotFound", err)
	}
}
