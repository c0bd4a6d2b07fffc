// Package rpcerr defines the error taxonomy shared by the server, client,
// registry and rpcconn packages. It is modeled on the teacher's category-carrying error
// constructor (rpc/client.go, rpc/server/server.go call
// errors.E(ctx, category, ...)), collapsed to a single Category dimension
// since this protocol's error surface is narrower than a full RPC framework.
package rpcerr

import (
	"errors"
	"fmt"

	"github.com/gostdlib/base/context"
	"go.opentelemetry.io/otel/trace"
)

// Category classifies an Error for callers that want to branch on error
// kind (errors.Is still works against the wrapped sentinel/value errors).
type Category int

const (
	CategoryUnknown Category = iota
	// CategoryProtocol covers malformed frames: wrong tuple shape, wrong
	// type discriminant, or bytes that are not valid MessagePack.
	CategoryProtocol
	// CategoryMethodNotFound covers calls to unregistered methods.
	CategoryMethodNotFound
	// CategoryMethodRegistered covers double-registration of a method
	// or class under the same name.
	CategoryMethodRegistered
	// CategoryRemote covers errors a handler or remote peer reported
	// explicitly (RPCError / EnhancedRPCError).
	CategoryRemote
	// CategoryTimeout covers read/write/dial deadlines.
	CategoryTimeout
	// CategoryIO covers closed or broken connections.
	CategoryIO
)

func (c Category) String() string {
	switch c {
	case CategoryProtocol:
		return "protocol"
	case CategoryMethodNotFound:
		return "method_not_found"
	case CategoryMethodRegistered:
		return "method_registered"
	case CategoryRemote:
		return "remote"
	case CategoryTimeout:
		return "timeout"
	case CategoryIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is this package's concrete error type. It wraps an underlying error
// with a Category so callers can use errors.As and branch without string
// matching.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a categorized Error. It mirrors the teacher's
// errors.E(ctx, category, err) shape and, when ctx carries an active otel
// span, records the error on that span the same way
// rpc/server/conn.go/rpc/client/client.go attach failures to their request
// spans.
func E(ctx context.Context, cat Category, err error) *Error {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
	}
	return &Error{Category: cat, Err: err}
}

// Sentinel errors wrapped by E() for errors.Is comparisons that don't need
// a dynamic message.
var (
	ErrTimeout  = errors.New("rpcerr: timeout")
	ErrClosed   = errors.New("rpcerr: connection closed")
	ErrMismatch = errors.New("rpcerr: response message id does not match request")
)

// Protocol builds a CategoryProtocol error from a formatted message.
func Protocol(ctx context.Context, format string, args ...any) *Error {
	return E(ctx, CategoryProtocol, fmt.Errorf(format, args...))
}

// MethodNotFound builds a CategoryMethodNotFound error for the named method.
func MethodNotFound(ctx context.Context, method string) *Error {
	return E(ctx, CategoryMethodNotFound, fmt.Errorf("no such method: %s", method))
}

// MethodRegistered builds a CategoryMethodRegistered error for a duplicate
// registration of name.
func MethodRegistered(ctx context.Context, name string) *Error {
	return E(ctx, CategoryMethodRegistered, fmt.Errorf("method already registered: %s", name))
}

// RPCError is the plain-string remote error shape from spec.md §3: a
// peer failed and reported only a message, no structured kind. The client
// decodes a plain-string error slot into one of these and also returns one
// for a response msg_id mismatch; the server never encodes handler errors
// this way (see EncodeHandlerError).
type RPCError struct {
	Message string
}

func (e *RPCError) Error() string { return e.Message }

// EnhancedError is the structured (kind, message) remote error shape from
// spec.md §3. Handlers that want to report a distinguishable exception kind
// return one of these instead of a plain error.
type EnhancedError struct {
	Kind    string
	Message string
}

func (e *EnhancedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewEnhanced returns an error a handler can return to produce a structured
// (kind, message) pair in the response frame's error slot.
func NewEnhanced(kind, message string) error {
	return &EnhancedError{Kind: kind, Message: message}
}

// DecodeRemote turns a response frame's decoded error slot (nil, a string,
// or a two-element [kind, message] tuple per spec.md §3) back into a Go
// error, or nil if the slot was nil.
func DecodeRemote(errSlot any) error {
	switch e := errSlot.(type) {
	case nil:
		return nil
	case string:
		return &RPCError{Message: e}
	case []any:
		if len(e) == 2 {
			kind, _ := e[0].(string)
			msg, _ := e[1].(string)
			return &EnhancedError{Kind: kind, Message: msg}
		}
		return &RPCError{Message: fmt.Sprintf("%v", e)}
	default:
		return &RPCError{Message: fmt.Sprintf("%v", e)}
	}
}

// EncodeHandlerError turns a handler-raised error into the structured
// (kind, message) wire shape spec.md §9's redesign note calls for: handlers
// that return an *EnhancedError keep their chosen kind; anything else is
// wrapped as ("Error", message), standing in for the reflective exception
// class name the source language has no equivalent of.
func EncodeHandlerError(err error) any {
	var enh *EnhancedError
	if errors.As(err, &enh) {
		return []any{enh.Kind, enh.Message}
	}
	return []any{"Error", err.Error()}
}
