// Package handshake implements the encrypted INIT/RESPONSE exchange that
// establishes a transport session's symmetric key schedule (spec.md §4.8).
// Both messages are single UDP datagrams, encrypted whole under a key
// derived from a candidate pre-shared key: [12-byte random nonce][AEAD
// ciphertext]. A responder with no a-priori client_id tries every
// registered candidate PSK (and the fallback) in turn until one
// authenticates.
package handshake

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/veilvpn/veil/internal/crypto"
	"github.com/veilvpn/veil/internal/registry"
)

// sessionKeysInfoPrefix seeds DeriveSessionKeys' info parameter; the two
// ephemeral public keys are appended so the transcript binds the derived
// keys to this specific handshake.
const sessionKeysInfoPrefix = "VEILHS1\x00"

var (
	// ErrMalformed covers any structurally invalid plaintext.
	ErrMalformed = errors.New("handshake: malformed message")
	// ErrAuthFailed means no candidate PSK authenticated the message, or
	// the per-message HMAC did not verify. Deliberately generic: the
	// responder must not reveal which failure occurred.
	ErrAuthFailed = errors.New("handshake: authentication failed")
	// ErrClockSkew means the INIT timestamp fell outside the allowed skew.
	ErrClockSkew = errors.New("handshake: timestamp outside allowed skew")
	// ErrReplay means this exact INIT was already processed.
	ErrReplay = errors.New("handshake: replayed init")
	// ErrRateLimited means the responder's accept-rate limiter rejected
	// this attempt before any cryptographic work was done.
	ErrRateLimited = errors.New("handshake: rate limited")
	// ErrBadPadding means padding_len fell outside [MinPadding, MaxPadding].
	ErrBadPadding = errors.New("handshake: padding length out of range")
)

// Config holds the handshake layer's tunables.
type Config struct {
	MaxClockSkew    time.Duration
	MinPadding      int
	MaxPadding      int
	ReplayCacheSize int
	RateLimit       float64
	RateBurst       int
}

// DefaultConfig returns the spec.md §4.8 defaults.
func DefaultConfig() Config {
	return Config{
		MaxClockSkew:    30 * time.Second,
		MinPadding:      32,
		MaxPadding:      400,
		ReplayCacheSize: 65536,
		RateLimit:       100,
		RateBurst:       100,
	}
}

func randomPadding(cfg Config) ([]byte, error) {
	span := cfg.MaxPadding - cfg.MinPadding + 1
	n, err := crypto.RandomUint64()
	if err != nil {
		return nil, err
	}
	length := cfg.MinPadding + int(n%uint64(span))
	return crypto.RandomBytes(length)
}

func validPaddingLen(cfg Config, n int) bool {
	return n >= cfg.MinPadding && n <= cfg.MaxPadding
}

// Result is the outcome of a completed handshake, from either side.
type Result struct {
	SessionID uint64
	ClientID  string
	Keys      crypto.SessionKeys
}

// Initiator drives the client side of a handshake against one PSK.
type Initiator struct {
	psk []byte
	cfg Config

	ephPriv [32]byte
	ephPub  [32]byte
	sentAt  uint64
}

// NewInitiator creates an Initiator bound to one client's PSK.
func NewInitiator(psk []byte, cfg Config) *Initiator {
	return &Initiator{psk: append([]byte(nil), psk...), cfg: cfg}
}

// BuildInit generates a fresh ephemeral keypair and returns the wire bytes
// for the INIT message. The Initiator retains the ephemeral private key
// and sent timestamp to complete the handshake in ParseResponse.
func (in *Initiator) BuildInit(now time.Time) ([]byte, error) {
	priv, pub, err := crypto.GenerateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("handshake: generate ephemeral keypair: %w", err)
	}
	in.ephPriv = priv
	in.ephPub = pub
	in.sentAt = uint64(now.UnixMilli())

	hmacPayload := make([]byte, 0, initHMACPayloadLen)
	hmacPayload = append(hmacPayload, magicByte0, magicByte1, version, typeInit)
	hmacPayload = binary.BigEndian.AppendUint64(hmacPayload, in.sentAt)
	hmacPayload = append(hmacPayload, pub[:]...)
	mac := crypto.HMACSHA256(in.psk, hmacPayload)

	padding, err := randomPadding(in.cfg)
	if err != nil {
		return nil, fmt.Errorf("handshake: generate padding: %w", err)
	}

	plaintext := encodeInit(&initMessage{
		TimestampMs:  in.sentAt,
		EphemeralPub: pub,
		HMAC:         mac,
		Padding:      padding,
	})

	return sealHandshakeMessage(in.psk, plaintext)
}

// ParseResponse validates a RESPONSE wire message against the INIT this
// Initiator just sent and, on success, derives the session key schedule.
// The initiator's ephemeral private key is zeroized before returning,
// success or failure.
func (in *Initiator) ParseResponse(wire []byte) (*Result, error) {
	defer crypto.ZeroKey(&in.ephPriv)

	plaintext, err := openHandshakeMessage(in.psk, wire)
	if err != nil {
		return nil, ErrAuthFailed
	}

	resp, err := decodeResponse(plaintext)
	if err != nil {
		return nil, err
	}
	if resp.InitTimestampMs != in.sentAt {
		return nil, fmt.Errorf("%w: response does not match our init", ErrMalformed)
	}
	if !validPaddingLen(in.cfg, len(resp.Padding)) {
		return nil, ErrBadPadding
	}

	hmacPayload := make([]byte, 0, responseHMACPayloadLen)
	hmacPayload = append(hmacPayload, magicByte0, magicByte1, version, typeResponse)
	hmacPayload = binary.BigEndian.AppendUint64(hmacPayload, resp.InitTimestampMs)
	hmacPayload = binary.BigEndian.AppendUint64(hmacPayload, resp.RespTimestampMs)
	hmacPayload = binary.BigEndian.AppendUint64(hmacPayload, resp.SessionID)
	hmacPayload = append(hmacPayload, resp.EphemeralPub[:]...)
	expected := crypto.HMACSHA256(in.psk, hmacPayload)
	if !hmac.Equal(expected[:], resp.HMAC[:]) {
		return nil, ErrAuthFailed
	}

	shared, err := crypto.ComputeSharedSecret(in.ephPriv, resp.EphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	defer crypto.ZeroKey(&shared)

	info := sessionInfo(in.ephPub, resp.EphemeralPub)
	keys, err := crypto.DeriveSessionKeys(shared, in.psk, info, true)
	if err != nil {
		return nil, fmt.Errorf("handshake: derive session keys: %w", err)
	}

	return &Result{SessionID: resp.SessionID, Keys: *keys}, nil
}

// Responder is the server side of the handshake: it owns the client
// registry, the accept-rate limiter, and the replay cache (spec.md §4.8).
type Responder struct {
	reg         *registry.Registry
	cfg         Config
	limiter     *rate.Limiter
	replayCache *lru.Cache[[32]byte, struct{}]
}

// NewResponder creates a Responder serving reg's client table.
func NewResponder(reg *registry.Registry, cfg Config) (*Responder, error) {
	cache, err := lru.New[[32]byte, struct{}](cfg.ReplayCacheSize)
	if err != nil {
		return nil, fmt.Errorf("handshake: create replay cache: %w", err)
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return &Responder{reg: reg, cfg: cfg, limiter: limiter, replayCache: cache}, nil
}

// HandleInit processes one INIT wire message and returns the RESPONSE wire
// bytes to send back, along with the negotiated session result. now must
// be a monotonic-safe wall-clock reading (spec.md §4.8 validates the
// client's wall-clock timestamp against it).
func (r *Responder) HandleInit(wire []byte, now time.Time) ([]byte, *Result, error) {
	if r.limiter != nil && !r.limiter.AllowN(now, 1) {
		return nil, nil, ErrRateLimited
	}

	candidate, plaintext, err := r.tryDecrypt(wire)
	if err != nil {
		return nil, nil, err
	}

	init, err := decodeInit(plaintext)
	if err != nil {
		return nil, nil, err
	}

	skew := now.UnixMilli() - int64(init.TimestampMs)
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Millisecond > r.cfg.MaxClockSkew {
		return nil, nil, ErrClockSkew
	}

	// Replay cache check happens BEFORE HMAC verification: an attacker
	// replaying a captured INIT is rejected by a cheap map lookup rather
	// than forcing a fresh HMAC computation each time (spec.md §4.8).
	if _, seen := r.replayCache.Get(init.EphemeralPub); seen {
		return nil, nil, ErrReplay
	}
	r.replayCache.Add(init.EphemeralPub, struct{}{})

	hmacPayload := make([]byte, 0, initHMACPayloadLen)
	hmacPayload = append(hmacPayload, magicByte0, magicByte1, version, typeInit)
	hmacPayload = binary.BigEndian.AppendUint64(hmacPayload, init.TimestampMs)
	hmacPayload = append(hmacPayload, init.EphemeralPub[:]...)
	expected := crypto.HMACSHA256(candidate.PSK, hmacPayload)
	if !hmac.Equal(expected[:], init.HMAC[:]) {
		return nil, nil, ErrAuthFailed
	}

	if !validPaddingLen(r.cfg, len(init.Padding)) {
		return nil, nil, ErrBadPadding
	}

	responderPriv, responderPub, err := crypto.GenerateX25519Keypair()
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: generate ephemeral keypair: %w", err)
	}
	defer crypto.ZeroKey(&responderPriv)

	shared, err := crypto.ComputeSharedSecret(responderPriv, init.EphemeralPub)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: %w", err)
	}
	defer crypto.ZeroKey(&shared)

	info := sessionInfo(init.EphemeralPub, responderPub)
	keys, err := crypto.DeriveSessionKeys(shared, candidate.PSK, info, false)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: derive session keys: %w", err)
	}

	sessionID, err := crypto.RandomUint64()
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: generate session_id: %w", err)
	}

	respTs := uint64(now.UnixMilli())
	respHMACPayload := make([]byte, 0, responseHMACPayloadLen)
	respHMACPayload = append(respHMACPayload, magicByte0, magicByte1, version, typeResponse)
	respHMACPayload = binary.BigEndian.AppendUint64(respHMACPayload, init.TimestampMs)
	respHMACPayload = binary.BigEndian.AppendUint64(respHMACPayload, respTs)
	respHMACPayload = binary.BigEndian.AppendUint64(respHMACPayload, sessionID)
	respHMACPayload = append(respHMACPayload, responderPub[:]...)
	respMAC := crypto.HMACSHA256(candidate.PSK, respHMACPayload)

	padding, err := randomPadding(r.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: generate padding: %w", err)
	}

	respPlaintext := encodeResponse(&responseMessage{
		InitTimestampMs: init.TimestampMs,
		RespTimestampMs: respTs,
		SessionID:       sessionID,
		EphemeralPub:    responderPub,
		HMAC:            respMAC,
		Padding:         padding,
	})

	respWire, err := sealHandshakeMessage(candidate.PSK, respPlaintext)
	if err != nil {
		return nil, nil, err
	}

	return respWire, &Result{SessionID: sessionID, ClientID: candidate.ClientID, Keys: *keys}, nil
}

// tryDecrypt attempts to AEAD-decrypt wire against every registered
// candidate PSK in turn, returning the first one that authenticates.
func (r *Responder) tryDecrypt(wire []byte) (registry.Candidate, []byte, error) {
	for _, c := range r.reg.Candidates() {
		plaintext, err := openHandshakeMessage(c.PSK, wire)
		if err == nil {
			return c, plaintext, nil
		}
	}
	return registry.Candidate{}, nil, ErrAuthFailed
}

// sealHandshakeMessage encrypts plaintext whole under a fresh random nonce
// and a key derived from psk, returning nonce || ciphertext.
func sealHandshakeMessage(psk, plaintext []byte) ([]byte, error) {
	key := crypto.DeriveHandshakeKey(psk)
	defer crypto.ZeroKey(&key)

	nonceBytes, err := crypto.RandomBytes(crypto.NonceSize)
	if err != nil {
		return nil, fmt.Errorf("handshake: generate nonce: %w", err)
	}
	var nonce [crypto.NonceSize]byte
	copy(nonce[:], nonceBytes)

	ciphertext, err := crypto.AEADEncrypt(key, nonce, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("handshake: encrypt: %w", err)
	}

	wire := make([]byte, crypto.NonceSize+len(ciphertext))
	copy(wire[:crypto.NonceSize], nonce[:])
	copy(wire[crypto.NonceSize:], ciphertext)
	return wire, nil
}

// openHandshakeMessage is the inverse of sealHandshakeMessage.
func openHandshakeMessage(psk, wire []byte) ([]byte, error) {
	if len(wire) < crypto.NonceSize+crypto.TagSize {
		return nil, ErrMalformed
	}
	key := crypto.DeriveHandshakeKey(psk)
	defer crypto.ZeroKey(&key)

	var nonce [crypto.NonceSize]byte
	copy(nonce[:], wire[:crypto.NonceSize])

	return crypto.AEADDecrypt(key, nonce, nil, wire[crypto.NonceSize:])
}

// sessionInfo builds the HKDF info string binding the derived session keys
// to this specific handshake's two ephemeral public keys.
func sessionInfo(initiatorPub, responderPub [32]byte) []byte {
	info := make([]byte, 0, len(sessionKeysInfoPrefix)+64)
	info = append(info, []byte(sessionKeysInfoPrefix)...)
	info = append(info, initiatorPub[:]...)
	info = append(info, responderPub[:]...)
	return info
}
