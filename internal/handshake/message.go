package handshake

import (
	"encoding/binary"
	"fmt"
)

// Wire layout (spec.md §4.8): every handshake message is encrypted whole,
// as a single UDP datagram: [12-byte random nonce][AEAD ciphertext+tag].
// The two message types below are the AEAD plaintext.

const (
	magicByte0 = 'H'
	magicByte1 = 'S'
	version    = 1

	typeInit     = 1
	typeResponse = 2

	// initFixedLen is magic(2)+version(1)+type(1)+timestamp_ms(8)+
	// ephemeral_pub(32)+hmac(32)+padding_len(2).
	initFixedLen = 2 + 1 + 1 + 8 + 32 + 32 + 2

	// initHMACPayloadLen is everything in an INIT plaintext preceding the
	// HMAC field: magic+version+type+timestamp_ms+ephemeral_pub.
	initHMACPayloadLen = 2 + 1 + 1 + 8 + 32

	// responseFixedLen is magic(2)+version(1)+type(1)+init_ts(8)+
	// resp_ts(8)+session_id(8)+ephemeral_pub(32)+hmac(32)+padding_len(2).
	responseFixedLen = 2 + 1 + 1 + 8 + 8 + 8 + 32 + 32 + 2

	// responseHMACPayloadLen is everything in a RESPONSE plaintext
	// preceding the HMAC field.
	responseHMACPayloadLen = 2 + 1 + 1 + 8 + 8 + 8 + 32
)

// initMessage is the INIT plaintext (spec.md §4.8).
type initMessage struct {
	TimestampMs  uint64
	EphemeralPub [32]byte
	HMAC         [32]byte
	Padding      []byte
}

func encodeInit(m *initMessage) []byte {
	buf := make([]byte, initFixedLen+len(m.Padding))
	buf[0], buf[1] = magicByte0, magicByte1
	buf[2] = version
	buf[3] = typeInit
	binary.BigEndian.PutUint64(buf[4:12], m.TimestampMs)
	copy(buf[12:44], m.EphemeralPub[:])
	copy(buf[44:76], m.HMAC[:])
	binary.BigEndian.PutUint16(buf[76:78], uint16(len(m.Padding)))
	copy(buf[78:], m.Padding)
	return buf
}

func decodeInit(buf []byte) (*initMessage, error) {
	if len(buf) < initFixedLen {
		return nil, fmt.Errorf("%w: INIT too short", ErrMalformed)
	}
	if buf[0] != magicByte0 || buf[1] != magicByte1 {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if buf[2] != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, buf[2])
	}
	if buf[3] != typeInit {
		return nil, fmt.Errorf("%w: not an INIT message", ErrMalformed)
	}

	m := &initMessage{
		TimestampMs: binary.BigEndian.Uint64(buf[4:12]),
	}
	copy(m.EphemeralPub[:], buf[12:44])
	copy(m.HMAC[:], buf[44:76])

	paddingLen := binary.BigEndian.Uint16(buf[76:78])
	if initFixedLen+int(paddingLen) != len(buf) {
		return nil, fmt.Errorf("%w: padding_len does not match message size", ErrMalformed)
	}
	m.Padding = buf[78:]
	return m, nil
}

// responseMessage is the RESPONSE plaintext (spec.md §4.8).
type responseMessage struct {
	InitTimestampMs uint64
	RespTimestampMs uint64
	SessionID       uint64
	EphemeralPub    [32]byte
	HMAC            [32]byte
	Padding         []byte
}

func encodeResponse(m *responseMessage) []byte {
	buf := make([]byte, responseFixedLen+len(m.Padding))
	buf[0], buf[1] = magicByte0, magicByte1
	buf[2] = version
	buf[3] = typeResponse
	binary.BigEndian.PutUint64(buf[4:12], m.InitTimestampMs)
	binary.BigEndian.PutUint64(buf[12:20], m.RespTimestampMs)
	binary.BigEndian.PutUint64(buf[20:28], m.SessionID)
	copy(buf[28:60], m.EphemeralPub[:])
	copy(buf[60:92], m.HMAC[:])
	binary.BigEndian.PutUint16(buf[92:94], uint16(len(m.Padding)))
	copy(buf[94:], m.Padding)
	return buf
}

func decodeResponse(buf []byte) (*responseMessage, error) {
	if len(buf) < responseFixedLen {
		return nil, fmt.Errorf("%w: RESPONSE too short", ErrMalformed)
	}
	if buf[0] != magicByte0 || buf[1] != magicByte1 {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if buf[2] != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, buf[2])
	}
	if buf[3] != typeResponse {
		return nil, fmt.Errorf("%w: not a RESPONSE message", ErrMalformed)
	}

	m := &responseMessage{
		InitTimestampMs: binary.BigEndian.Uint64(buf[4:12]),
		RespTimestampMs: binary.BigEndian.Uint64(buf[12:20]),
		SessionID:       binary.BigEndian.Uint64(buf[20:28]),
	}
	copy(m.EphemeralPub[:], buf[28:60])
	copy(m.HMAC[:], buf[60:92])

	paddingLen := binary.BigEndian.Uint16(buf[92:94])
	if responseFixedLen+int(paddingLen) != len(buf) {
		return nil, fmt.Errorf("%w: padding_len does not match message size", ErrMalformed)
	}
	m.Padding = buf[94:]
	return m, nil
}
