// Package frame implements the DATA/ACK/CONTROL/HEARTBEAT wire codec carried
// inside a transport session's AEAD plaintext. The codec is self-delimiting
// and decodes without copying the payload out of the plaintext buffer.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind discriminates the four frame types.
type Kind uint8

const (
	KindData Kind = iota + 1
	KindAck
	KindControl
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindControl:
		return "CONTROL"
	case KindHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

var ErrMalformed = errors.New("frame: malformed")

const (
	kindSize = 1

	// dataHeaderSize: stream_id(8) + sequence(8) + fin(1)
	dataHeaderSize = 17
	// ackSize: stream_id(8) + ack(8) + bitmap(4)
	ackSize = 20
	// controlHeaderSize: type(1)
	controlHeaderSize = 1
	// heartbeatHeaderSize: timestamp(8) + sequence(8)
	heartbeatHeaderSize = 16
)

// Data is a DATA frame. Sequence carries (message_id<<32 | fragment_index)
// when the payload was split by the fragmenter.
type Data struct {
	StreamID uint64
	Sequence uint64
	Fin      bool
	Payload  []byte
}

// MessageID returns the high 32 bits of Sequence.
func (d *Data) MessageID() uint32 { return uint32(d.Sequence >> 32) }

// FragmentIndex returns the low 32 bits of Sequence.
func (d *Data) FragmentIndex() uint32 { return uint32(d.Sequence) }

// Ack is an ACK frame. Bit i of Bitmap set means sequence ack-1-i-1 was
// received selectively above the cumulative ack.
type Ack struct {
	StreamID uint64
	Ack      uint64
	Bitmap   uint32
}

// Control is a CONTROL frame carrying an implementation-defined sub-type.
type Control struct {
	Type    uint8
	Payload []byte
}

// Heartbeat is a HEARTBEAT frame; Payload is shaped to resemble application
// telemetry so its size does not stand out to a passive observer.
type Heartbeat struct {
	TimestampMs uint64
	Sequence    uint64
	Payload     []byte
}

// EncodeData serializes a DATA frame.
func EncodeData(f *Data) []byte {
	buf := make([]byte, kindSize+dataHeaderSize+len(f.Payload))
	buf[0] = byte(KindData)
	binary.BigEndian.PutUint64(buf[1:9], f.StreamID)
	binary.BigEndian.PutUint64(buf[9:17], f.Sequence)
	if f.Fin {
		buf[17] = 1
	}
	copy(buf[18:], f.Payload)
	return buf
}

// DecodeData parses a DATA frame body (buf excludes the kind byte). The
// returned Payload aliases buf; callers must not retain buf beyond the
// plaintext's lifetime without copying.
func DecodeData(buf []byte) (*Data, error) {
	if len(buf) < dataHeaderSize {
		return nil, fmt.Errorf("%w: DATA header too short", ErrMalformed)
	}
	return &Data{
		StreamID: binary.BigEndian.Uint64(buf[0:8]),
		Sequence: binary.BigEndian.Uint64(buf[8:16]),
		Fin:      buf[16] != 0,
		Payload:  buf[17:],
	}, nil
}

// EncodeAck serializes an ACK frame.
func EncodeAck(f *Ack) []byte {
	buf := make([]byte, kindSize+ackSize)
	buf[0] = byte(KindAck)
	binary.BigEndian.PutUint64(buf[1:9], f.StreamID)
	binary.BigEndian.PutUint64(buf[9:17], f.Ack)
	binary.BigEndian.PutUint32(buf[17:21], f.Bitmap)
	return buf
}

// DecodeAck parses an ACK frame body.
func DecodeAck(buf []byte) (*Ack, error) {
	if len(buf) < ackSize {
		return nil, fmt.Errorf("%w: ACK too short", ErrMalformed)
	}
	return &Ack{
		StreamID: binary.BigEndian.Uint64(buf[0:8]),
		Ack:      binary.BigEndian.Uint64(buf[8:16]),
		Bitmap:   binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// EncodeControl serializes a CONTROL frame.
func EncodeControl(f *Control) []byte {
	buf := make([]byte, kindSize+controlHeaderSize+len(f.Payload))
	buf[0] = byte(KindControl)
	buf[1] = f.Type
	copy(buf[2:], f.Payload)
	return buf
}

// DecodeControl parses a CONTROL frame body.
func DecodeControl(buf []byte) (*Control, error) {
	if len(buf) < controlHeaderSize {
		return nil, fmt.Errorf("%w: CONTROL too short", ErrMalformed)
	}
	return &Control{
		Type:    buf[0],
		Payload: buf[1:],
	}, nil
}

// EncodeHeartbeat serializes a HEARTBEAT frame.
func EncodeHeartbeat(f *Heartbeat) []byte {
	buf := make([]byte, kindSize+heartbeatHeaderSize+len(f.Payload))
	buf[0] = byte(KindHeartbeat)
	binary.BigEndian.PutUint64(buf[1:9], f.TimestampMs)
	binary.BigEndian.PutUint64(buf[9:17], f.Sequence)
	copy(buf[17:], f.Payload)
	return buf
}

// DecodeHeartbeat parses a HEARTBEAT frame body.
func DecodeHeartbeat(buf []byte) (*Heartbeat, error) {
	if len(buf) < heartbeatHeaderSize {
		return nil, fmt.Errorf("%w: HEARTBEAT too short", ErrMalformed)
	}
	return &Heartbeat{
		TimestampMs: binary.BigEndian.Uint64(buf[0:8]),
		Sequence:    binary.BigEndian.Uint64(buf[8:16]),
		Payload:     buf[16:],
	}, nil
}

// Decoded is a sum type over the four frame kinds; exactly one field is
// non-nil, matching Kind.
type Decoded struct {
	Kind      Kind
	Data      *Data
	Ack       *Ack
	Control   *Control
	Heartbeat *Heartbeat
}

// Decode reads the kind byte and dispatches to the matching decoder. The
// returned Decoded's payload slices alias buf.
func Decode(buf []byte) (*Decoded, error) {
	if len(buf) < kindSize {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	kind := Kind(buf[0])
	body := buf[1:]

	switch kind {
	case KindData:
		d, err := DecodeData(body)
		if err != nil {
			return nil, err
		}
		return &Decoded{Kind: kind, Data: d}, nil
	case KindAck:
		a, err := DecodeAck(body)
		if err != nil {
			return nil, err
		}
		return &Decoded{Kind: kind, Ack: a}, nil
	case KindControl:
		c, err := DecodeControl(body)
		if err != nil {
			return nil, err
		}
		return &Decoded{Kind: kind, Control: c}, nil
	case KindHeartbeat:
		h, err := DecodeHeartbeat(body)
		if err != nil {
			return nil, err
		}
		return &Decoded{Kind: kind, Heartbeat: h}, nil
	default:
		return nil, fmt.Errorf("%w: unknown frame kind %d", ErrMalformed, kind)
	}
}

// MakeSequence packs a message id and fragment index into a DATA sequence
// field, per spec: high 32 bits = message_id, low 32 = fragment_index.
func MakeSequence(messageID, fragmentIndex uint32) uint64 {
	return uint64(messageID)<<32 | uint64(fragmentIndex)
}
