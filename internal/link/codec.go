package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single encoded frame (prefix excluded).
const MaxFrameSize = 64 * 1024

var ErrFrameTooLarge = errors.New("frame too large")

// Frame is one message on the wire.
//
// Wire format: 4-byte big-endian length, then the msgpack-encoded Frame.
type Frame struct {
	Session string `msgpack:"sid"`
	Seq     uint64 `msgpack:"seq"`
	Name    string `msgpack:"name"`
	// Stamp is the sender's monotonic time in microseconds.
	Stamp   int64              `msgpack:"ts"`
	Payload msgpack.RawMessage `msgpack:"data"`
}

// EncodePayload marshals v for use as Frame.Payload.
func EncodePayload(v any) (msgpack.RawMessage, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// DecodePayload unmarshals a frame payload into v.
func (f Frame) DecodePayload(v any) error {
	return msgpack.Unmarshal(f.Payload, v)
}

// AppendFrame appends the length-prefixed encoding of f to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	body, err := msgpack.Marshal(&f)
	if err != nil {
		return dst, fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	dst = append(dst, prefix[:]...)
	return append(dst, body...), nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	var f Frame
	if err := msgpack.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
