// Package codec implements the MessagePack-RPC wire encoding: a one-shot
// packer and a streaming decoder that turns a growing byte buffer into a
// sequence of frames.
//
// A Frame is the decoded top-level MessagePack value for one request or
// response tuple. Decoder.Next does not validate tuple shape — that happens one
// layer up, where a malformed frame becomes a protocol error response rather
// than a dropped connection. This mirrors aiorpc's Unpacker, which also
// yields whatever the top-level msgpack value decodes to and leaves
// request/response validation to the caller.
package codec

import (
	"bytes"
	"errors"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Message type discriminants, first element of every frame tuple.
const (
	TypeRequest  = 0
	TypeResponse = 1
)

// Options bundles the passthrough knobs the codec forwards to the
// underlying MessagePack library. The zero value is the sane default.
type Options struct {
	// StrictMapKey rejects msgpack maps whose keys aren't strings when
	// decoding into map[string]any. aiorpc's Python unpacker has no such
	// restriction; left off by default for parity.
	StrictMapKey bool
}

// Pack encodes values as a single MessagePack array, i.e. a wire frame.
// Request frames are Pack(TypeRequest, msgID, method, args); response
// frames are Pack(TypeResponse, msgID, errVal, result).
func Pack(values ...any) ([]byte, error) {
	return msgpack.Marshal(values)
}

// Decoder accumulates fed bytes and yields decoded top-level values one at a
// time, the Go analogue of aiorpc's feed()/next() streaming unpacker.
// Decoder is not safe for concurrent use; callers serialize Feed/Next
// themselves (the server and client loops each own a single Decoder driven
// from one goroutine).
type Decoder struct {
	opts Options
	buf  []byte
}

// NewDecoder returns a Decoder ready to accept fed bytes.
func NewDecoder(opts Options) *Decoder {
	return &Decoder{opts: opts}
}

// Feed appends newly read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(b []byte) {
	if len(b) == 0 {
		return
	}
	d.buf = append(d.buf, b...)
}

// Next attempts to decode one top-level value from the buffered bytes. It
// returns ok=false, err=nil when the buffer holds an incomplete frame and
// more bytes must be fed before trying again. A non-nil error means the
// buffered bytes are not valid MessagePack at all — the caller should treat
// the connection as unrecoverable, the same fate a garbled stream meets in
// aiorpc (the unpacker raises and the server loop tears the connection
// down).
func (d *Decoder) Next() (any, bool, error) {
	if len(d.buf) == 0 {
		return nil, false, nil
	}

	r := bytes.NewReader(d.buf)
	dec := msgpack.NewDecoder(r)

	var v any
	var err error
	if d.opts.StrictMapKey {
		v, err = dec.DecodeInterface()
	} else {
		v, err = dec.DecodeInterfaceLoose()
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, false, nil
		}
		return nil, false, err
	}

	consumed := len(d.buf) - r.Len()
	d.buf = d.buf[consumed:]
	return v, true, nil
}

// Buffered reports how many unconsumed bytes remain in the decoder.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// ToUint64 narrows a decoded numeric value to the uint64 message id space.
// msgpack ints decode to int64 (or uint64 for values past the int64 range);
// this collapses both to the wire-level 64-bit message id counter spec.md
// §3 defines, the same coercion aiorpc gets for free from Python's
// unbounded ints.
func ToUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

// AsFrame narrows a decoded value to a frame tuple ([]any of length >= 1).
// Malformed top-level values (bare integers, maps, etc.) return ok=false so
// callers can respond with a protocol error instead of panicking on a type
// assertion.
func AsFrame(v any) (frame []any, ok bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []interface{}:
		return t, true
	default:
		return nil, false
	}
}
