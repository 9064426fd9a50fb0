package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestDataRoundTrip(t *testing.T) {
	in := &Data{StreamID: 7, Sequence: MakeSequence(3, 1), Fin: true, Payload: []byte("hello")}
	buf := EncodeData(in)

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Kind != KindData {
		t.Fatalf("Kind = %v, want KindData", decoded.Kind)
	}
	out := decoded.Data
	if out.StreamID != in.StreamID || out.Sequence != in.Sequence || out.Fin != in.Fin {
		t.Errorf("got %+v, want %+v", out, in)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("Payload = %q, want %q", out.Payload, in.Payload)
	}
	if out.MessageID() != 3 || out.FragmentIndex() != 1 {
		t.Errorf("MessageID/FragmentIndex = %d/%d, want 3/1", out.MessageID(), out.FragmentIndex())
	}
}

func TestDataEmptyPayload(t *testing.T) {
	in := &Data{StreamID: 1, Sequence: 0, Fin: false, Payload: nil}
	buf := EncodeData(in)
	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.Data.Payload) != 0 {
		t.Errorf("Payload = %v, want empty", decoded.Data.Payload)
	}
}

func TestAckRoundTrip(t *testing.T) {
	in := &Ack{StreamID: 42, Ack: 1000, Bitmap: 0xDEADBEEF}
	buf := EncodeAck(in)

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Kind != KindAck {
		t.Fatalf("Kind = %v, want KindAck", decoded.Kind)
	}
	if *decoded.Ack != *in {
		t.Errorf("got %+v, want %+v", decoded.Ack, in)
	}
}

func TestControlRoundTrip(t *testing.T) {
	in := &Control{Type: 5, Payload: []byte("ctrl-payload")}
	buf := EncodeControl(in)

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Kind != KindControl {
		t.Fatalf("Kind = %v, want KindControl", decoded.Kind)
	}
	if decoded.Control.Type != in.Type || !bytes.Equal(decoded.Control.Payload, in.Payload) {
		t.Errorf("got %+v, want %+v", decoded.Control, in)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	in := &Heartbeat{TimestampMs: 1690000000000, Sequence: 99, Payload: []byte{1, 2, 3, 4}}
	buf := EncodeHeartbeat(in)

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Kind != KindHeartbeat {
		t.Fatalf("Kind = %v, want KindHeartbeat", decoded.Kind)
	}
	if decoded.Heartbeat.TimestampMs != in.TimestampMs || decoded.Heartbeat.Sequence != in.Sequence {
		t.Errorf("got %+v, want %+v", decoded.Heartbeat, in)
	}
	if !bytes.Equal(decoded.Heartbeat.Payload, in.Payload) {
		t.Errorf("Payload = %v, want %v", decoded.Heartbeat.Payload, in.Payload)
	}
}

func TestDecodeEmptyBufferRejected(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrMalformed) {
		t.Errorf("Decode(nil) err = %v, want ErrMalformed", err)
	}
}

func TestDecodeUnknownKindRejected(t *testing.T) {
	buf := []byte{0xFF, 0, 0}
	if _, err := Decode(buf); !errors.Is(err, ErrMalformed) {
		t.Errorf("Decode(unknown kind) err = %v, want ErrMalformed", err)
	}
}

func TestDecodeTruncatedDataRejected(t *testing.T) {
	buf := []byte{byte(KindData), 0, 0, 0}
	if _, err := Decode(buf); !errors.Is(err, ErrMalformed) {
		t.Errorf("Decode(truncated DATA) err = %v, want ErrMalformed", err)
	}
}

func TestMakeSequencePacksHalves(t *testing.T) {
	seq := MakeSequence(0xAABBCCDD, 0x11223344)
	if uint32(seq>>32) != 0xAABBCCDD {
		t.Errorf("high half = %x, want AABBCCDD", seq>>32)
	}
	if uint32(seq) != 0x11223344 {
		t.Errorf("low half = %x, want 11223344", uint32(seq))
	}
}
