package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 16

// Frame types.
const (
	TypeOpen  uint8 = 1
	TypeData  uint8 = 2
	TypeClose uint8 = 3
)

// Stream modes.
const (
	ModeOrdered   uint8 = 1
	ModeUnordered uint8 = 2
)

var (
	ErrMalformedFrame  = errors.New("mux: malformed frame")
	ErrPayloadTooLarge = errors.New("mux: payload too large")
)

// Frame is one complete wire message on the shared channel.
//
// Wire layout, big-endian: type(1) mode(1) reserved(2) stream_id(4)
// sequence(4) payload_len(4), then payload_len bytes of payload.
type Frame struct {
	Type     uint8
	Mode     uint8
	StreamID uint32
	Sequence uint32
	Payload  []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 1024 * 1024}
}

func EncodeFrame(f Frame, limits Limits) ([]byte, error) {
	if uint32(len(f.Payload)) > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	buf[0] = f.Type
	buf[1] = f.Mode
	binary.BigEndian.PutUint32(buf[4:8], f.StreamID)
	binary.BigEndian.PutUint32(buf[8:12], f.Sequence)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(f.Payload)))
	copy(buf[HeaderLen:], f.Payload)
	return buf, nil
}

func DecodeFrame(b []byte, limits Limits) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, fmt.Errorf("%w: short header (%d bytes)", ErrMalformedFrame, len(b))
	}
	f := Frame{
		Type:     b[0],
		Mode:     b[1],
		StreamID: binary.BigEndian.Uint32(b[4:8]),
		Sequence: binary.BigEndian.Uint32(b[8:12]),
	}
	if f.Type < TypeOpen || f.Type > TypeClose {
		return Frame{}, fmt.Errorf("%w: unknown frame type %d", ErrMalformedFrame, f.Type)
	}
	if f.Mode != ModeOrdered && f.Mode != ModeUnordered {
		return Frame{}, fmt.Errorf("%w: unknown stream mode %d", ErrMalformedFrame, f.Mode)
	}
	payloadLen := binary.BigEndian.Uint32(b[12:16])
	if payloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	if uint32(len(b)-HeaderLen) != payloadLen {
		return Frame{}, fmt.Errorf(
			"%w: payload length mismatch: header=%d actual=%d",
			ErrMalformedFrame, payloadLen, len(b)-HeaderLen,
		)
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, b[HeaderLen:])
	}
	return f, nil
}
