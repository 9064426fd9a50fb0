package handshake

import (
	"testing"
	"time"

	"github.com/veilvpn/veil/internal/registry"
)

func newTestResponder(t *testing.T, psk []byte, clientID string) *Responder {
	t.Helper()
	reg, err := registry.New(nil)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	if err := reg.AddClient(clientID, psk, true); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	r, err := NewResponder(reg, DefaultConfig())
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	return r
}

func TestHandshakeRoundTrip(t *testing.T) {
	psk := []byte("shared-secret-between-client-and-server")
	responder := newTestResponder(t, psk, "laptop-01")
	initiator := NewInitiator(psk, DefaultConfig())

	now := time.Now()
	initWire, err := initiator.BuildInit(now)
	if err != nil {
		t.Fatalf("BuildInit: %v", err)
	}

	respWire, serverResult, err := responder.HandleInit(initWire, now)
	if err != nil {
		t.Fatalf("HandleInit: %v", err)
	}
	if serverResult.ClientID != "laptop-01" {
		t.Errorf("ClientID = %q, want laptop-01", serverResult.ClientID)
	}

	clientResult, err := initiator.ParseResponse(respWire)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if clientResult.SessionID != serverResult.SessionID {
		t.Errorf("SessionID mismatch: client=%d server=%d", clientResult.SessionID, serverResult.SessionID)
	}

	if clientResult.Keys.SendKey != serverResult.Keys.RecvKey {
		t.Error("client SendKey should equal server RecvKey")
	}
	if clientResult.Keys.RecvKey != serverResult.Keys.SendKey {
		t.Error("client RecvKey should equal server SendKey")
	}
	if clientResult.Keys.SendNonceBase != serverResult.Keys.RecvNonceBase {
		t.Error("client SendNonceBase should equal server RecvNonceBase")
	}
}

func TestHandshakeRejectsUnknownPSK(t *testing.T) {
	responder := newTestResponder(t, []byte("server-side-psk-aaaaaaaaaaaaaaaa"), "laptop-01")
	initiator := NewInitiator([]byte("wrong-psk-bbbbbbbbbbbbbbbbbbbbbb"), DefaultConfig())

	now := time.Now()
	initWire, err := initiator.BuildInit(now)
	if err != nil {
		t.Fatalf("BuildInit: %v", err)
	}

	if _, _, err := responder.HandleInit(initWire, now); err != ErrAuthFailed {
		t.Errorf("HandleInit error = %v, want ErrAuthFailed", err)
	}
}

func TestHandshakeFallbackPSK(t *testing.T) {
	fallback := []byte("fallback-psk-cccccccccccccccccccc")
	reg, err := registry.New(fallback)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	responder, err := NewResponder(reg, DefaultConfig())
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}

	initiator := NewInitiator(fallback, DefaultConfig())
	now := time.Now()
	initWire, err := initiator.BuildInit(now)
	if err != nil {
		t.Fatalf("BuildInit: %v", err)
	}

	_, result, err := responder.HandleInit(initWire, now)
	if err != nil {
		t.Fatalf("HandleInit: %v", err)
	}
	if result.ClientID != "" {
		t.Errorf("ClientID = %q, want empty string for fallback auth", result.ClientID)
	}
}

func TestHandshakeRejectsReplay(t *testing.T) {
	psk := []byte("shared-secret-between-client-and-server")
	responder := newTestResponder(t, psk, "laptop-01")
	initiator := NewInitiator(psk, DefaultConfig())

	now := time.Now()
	initWire, err := initiator.BuildInit(now)
	if err != nil {
		t.Fatalf("BuildInit: %v", err)
	}

	if _, _, err := responder.HandleInit(initWire, now); err != nil {
		t.Fatalf("first HandleInit: %v", err)
	}
	if _, _, err := responder.HandleInit(initWire, now); err != ErrReplay {
		t.Errorf("second HandleInit error = %v, want ErrReplay", err)
	}
}

func TestHandshakeRejectsStaleTimestamp(t *testing.T) {
	psk := []byte("shared-secret-between-client-and-server")
	responder := newTestResponder(t, psk, "laptop-01")
	initiator := NewInitiator(psk, DefaultConfig())

	stale := time.Now().Add(-time.Hour)
	initWire, err := initiator.BuildInit(stale)
	if err != nil {
		t.Fatalf("BuildInit: %v", err)
	}

	if _, _, err := responder.HandleInit(initWire, time.Now()); err != ErrClockSkew {
		t.Errorf("HandleInit error = %v, want ErrClockSkew", err)
	}
}

func TestHandshakeRejectsTamperedMessage(t *testing.T) {
	psk := []byte("shared-secret-between-client-and-server")
	responder := newTestResponder(t, psk, "laptop-01")
	initiator := NewInitiator(psk, DefaultConfig())

	now := time.Now()
	initWire, err := initiator.BuildInit(now)
	if err != nil {
		t.Fatalf("BuildInit: %v", err)
	}
	initWire[len(initWire)-1] ^= 0xFF

	if _, _, err := responder.HandleInit(initWire, now); err != ErrAuthFailed {
		t.Errorf("HandleInit error = %v, want ErrAuthFailed", err)
	}
}

func TestHandshakeRateLimiting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 1

	reg, err := registry.New(nil)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	reg.AddClient("laptop-01", []byte("psk-dddddddddddddddddddddddddddddd"), true)
	responder, err := NewResponder(reg, cfg)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}

	initiator := NewInitiator([]byte("psk-dddddddddddddddddddddddddddddd"), DefaultConfig())
	now := time.Now()
	firstWire, _ := initiator.BuildInit(now)
	if _, _, err := responder.HandleInit(firstWire, now); err != nil {
		t.Fatalf("first HandleInit: %v", err)
	}

	secondWire, _ := initiator.BuildInit(now.Add(time.Millisecond))
	if _, _, err := responder.HandleInit(secondWire, now); err != ErrRateLimited {
		t.Errorf("HandleInit error = %v, want ErrRateLimited", err)
	}
}

func TestPaddingWithinConfiguredRange(t *testing.T) {
	cfg := DefaultConfig()
	for i := 0; i < 50; i++ {
		padding, err := randomPadding(cfg)
		if err != nil {
			t.Fatalf("randomPadding: %v", err)
		}
		if len(padding) < cfg.MinPadding || len(padding) > cfg.MaxPadding {
			t.Fatalf("padding length %d outside [%d,%d]", len(padding), cfg.MinPadding, cfg.MaxPadding)
		}
	}
}

func TestInitMessageEncodeDecodeRoundTrip(t *testing.T) {
	m := &initMessage{
		TimestampMs:  123456789,
		EphemeralPub: [32]byte{1, 2, 3},
		HMAC:         [32]byte{4, 5, 6},
		Padding:      []byte("padding-bytes"),
	}
	decoded, err := decodeInit(encodeInit(m))
	if err != nil {
		t.Fatalf("decodeInit: %v", err)
	}
	if decoded.TimestampMs != m.TimestampMs {
		t.Errorf("TimestampMs = %d, want %d", decoded.TimestampMs, m.TimestampMs)
	}
	if decoded.EphemeralPub != m.EphemeralPub {
		t.Error("EphemeralPub mismatch")
	}
	if string(decoded.Padding) != string(m.Padding) {
		t.Errorf("Padding = %q, want %q", decoded.Padding, m.Padding)
	}
}

func TestResponseMessageEncodeDecodeRoundTrip(t *testing.T) {
	m := &responseMessage{
		InitTimestampMs: 1,
		RespTimestampMs: 2,
		SessionID:       0xDEADBEEF,
		EphemeralPub:    [32]byte{9, 9, 9},
		HMAC:            [32]byte{8, 8, 8},
		Padding:         []byte("pad"),
	}
	decoded, err := decodeResponse(encodeResponse(m))
	if err != nil {
		t.Fatalf("decodeResponse: %v", err)
	}
	if decoded.SessionID != m.SessionID {
		t.Errorf("SessionID = %d, want %d", decoded.SessionID, m.SessionID)
	}
}
