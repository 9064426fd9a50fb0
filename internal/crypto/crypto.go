// Package crypto provides the cryptographic primitives VEIL builds its
// handshake and transport session on: X25519 ECDH, HKDF-SHA256, HMAC-SHA256,
// ChaCha20-Poly1305 AEAD, and the keyed sequence-number obfuscation used to
// hide packet ordering from a passive observer.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of X25519 keys and AEAD keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of the Poly1305 authentication tag in bytes.
	TagSize = 16

	// sessionKeysInfoSuffixInit and sessionKeysInfoSuffixResp distinguish the
	// two directional sub-keys derived from a single shared secret.
	sessionKeysInfoSuffixInit = "initiator-to-responder"
	sessionKeysInfoSuffixResp = "responder-to-initiator"

	// seqObfInfo is the fixed HKDF label for the sequence-obfuscation key.
	seqObfInfo = "VEIL-SEQ-OBF-v1"

	// handshakeKeyInfo is the fixed HKDF label for the handshake-message
	// obfuscation key, shared by every client since it is keyed on the PSK
	// rather than any per-session secret.
	handshakeKeyInfo = "VEIL-HANDSHAKE-OBFUSCATE"

	// feistelRounds is the number of Feistel rounds used by the sequence
	// obfuscation permutation. 4 rounds gives the Luby-Rackoff pseudorandom
	// permutation property against a non-adaptive observer.
	feistelRounds = 4
)

var (
	// ErrLowOrderPoint is returned when an X25519 public key or the
	// resulting shared secret is a low-order point (invalid key material).
	ErrLowOrderPoint = errors.New("crypto: low-order point")

	// ErrAuthFailed is returned when AEAD authentication fails. Callers on
	// the hot path MUST treat this identically to any other malformed
	// input: drop silently, increment a stat, never log above debug.
	ErrAuthFailed = errors.New("crypto: authentication failed")
)

// GenerateX25519Keypair generates a fresh ephemeral X25519 keypair using the
// system CSPRNG.
func GenerateX25519Keypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	return privateKey, publicKey, nil
}

// ComputeSharedSecret performs X25519 Diffie-Hellman. It rejects an
// all-zero peer public key and an all-zero result, both signs of a
// low-order point that would otherwise silently degrade security.
func ComputeSharedSecret(privateKey, peerPublicKey [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte
	var zero [KeySize]byte

	if peerPublicKey == zero {
		return shared, ErrLowOrderPoint
	}

	curve25519.ScalarMult(&shared, &privateKey, &peerPublicKey)

	if shared == zero {
		return shared, ErrLowOrderPoint
	}

	return shared, nil
}

// HKDFExtract implements the RFC 5869 extract step: PRK = HMAC-SHA256(salt, IKM).
func HKDFExtract(salt, ikm []byte) [KeySize]byte {
	var prk [KeySize]byte
	mac := hmac.New(sha256.New, salt)
	mac.Write(ikm)
	copy(prk[:], mac.Sum(nil))
	return prk
}

// HKDFExpand implements the RFC 5869 expand step, producing length bytes of
// output keying material from prk and info. length must be <= 255*32.
func HKDFExpand(prk [KeySize]byte, info []byte, length int) ([]byte, error) {
	if length > 255*sha256.Size {
		return nil, fmt.Errorf("hkdf expand: length %d exceeds maximum", length)
	}

	out := make([]byte, 0, length+sha256.Size)
	var t []byte
	var counter byte = 1

	for len(out) < length {
		mac := hmac.New(sha256.New, prk[:])
		mac.Write(t)
		mac.Write(info)
		mac.Write([]byte{counter})
		t = mac.Sum(nil)
		out = append(out, t...)
		counter++
	}

	return out[:length], nil
}

// HMACSHA256 computes HMAC-SHA256(key, msg).
func HMACSHA256(key, msg []byte) [KeySize]byte {
	var out [KeySize]byte
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	copy(out[:], mac.Sum(nil))
	return out
}

// AEADEncrypt encrypts plaintext with ChaCha20-Poly1305, returning
// len(plaintext)+TagSize bytes. The nonce and key are caller-derived.
func AEADEncrypt(key [KeySize]byte, nonce [NonceSize]byte, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// AEADDecrypt decrypts ciphertext with ChaCha20-Poly1305. On authentication
// failure it returns ErrAuthFailed and a nil slice; callers MUST treat this
// as an ordinary protocol violation (silent drop + stat), never logging the
// plaintext attempt or distinguishing it from a malformed frame.
func AEADDecrypt(key [KeySize]byte, nonce [NonceSize]byte, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("random bytes: %w", err)
	}
	return b, nil
}

// RandomUint64 returns a cryptographically secure random 64-bit value.
func RandomUint64() (uint64, error) {
	b, err := RandomBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// SessionKeys holds the four pieces of symmetric state a transport session
// needs post-handshake: the two AEAD keys and the two nonce-base prefixes,
// already assigned to send/recv according to the caller's role.
type SessionKeys struct {
	SendKey       [KeySize]byte
	RecvKey       [KeySize]byte
	SendNonceBase [NonceSize]byte
	RecvNonceBase [NonceSize]byte
}

// Zero wipes all key material in place. Call when the owning session is
// destroyed or rotated away.
func (sk *SessionKeys) Zero() {
	ZeroKey(&sk.SendKey)
	ZeroKey(&sk.RecvKey)
	ZeroNonce(&sk.SendNonceBase)
	ZeroNonce(&sk.RecvNonceBase)
}

// DeriveSessionKeys derives the initiator->responder and responder->initiator
// sub-keys from a completed ECDH and assigns them to Send/Recv according to
// isInitiator, so that initiator.SendKey == responder.RecvKey and vice versa.
//
// psk is mixed in as the HKDF salt (not just the info string) so that a
// server with per-client PSKs derives a distinct key schedule per client even
// when two clients happen to pick colliding ephemeral keys.
func DeriveSessionKeys(sharedSecret [KeySize]byte, psk []byte, info []byte, isInitiator bool) (*SessionKeys, error) {
	prk := HKDFExtract(psk, sharedSecret[:])

	initToResp, err := deriveDirectional(prk, info, sessionKeysInfoSuffixInit)
	if err != nil {
		return nil, err
	}
	respToInit, err := deriveDirectional(prk, info, sessionKeysInfoSuffixResp)
	if err != nil {
		return nil, err
	}

	sk := &SessionKeys{}
	if isInitiator {
		sk.SendKey, sk.SendNonceBase = initToResp.key, initToResp.nonceBase
		sk.RecvKey, sk.RecvNonceBase = respToInit.key, respToInit.nonceBase
	} else {
		sk.SendKey, sk.SendNonceBase = respToInit.key, respToInit.nonceBase
		sk.RecvKey, sk.RecvNonceBase = initToResp.key, initToResp.nonceBase
	}

	ZeroKey(&prk)
	return sk, nil
}

type directionalKeys struct {
	key       [KeySize]byte
	nonceBase [NonceSize]byte
}

func deriveDirectional(prk [KeySize]byte, info []byte, suffix string) (directionalKeys, error) {
	label := append(append([]byte{}, info...), []byte(suffix)...)
	okm, err := HKDFExpand(prk, label, KeySize+NonceSize)
	if err != nil {
		return directionalKeys{}, err
	}
	var d directionalKeys
	copy(d.key[:], okm[:KeySize])
	copy(d.nonceBase[:], okm[KeySize:])
	ZeroBytes(okm)
	return d, nil
}

// DeriveNonce XORs the low 8 bytes of base with the big-endian packet
// sequence, producing the per-packet AEAD nonce.
func DeriveNonce(base [NonceSize]byte, seq uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	copy(nonce[:], base[:])

	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	for i := 0; i < 8; i++ {
		nonce[NonceSize-8+i] ^= seqBytes[i]
	}

	return nonce
}

// DeriveSequenceObfuscationKey derives the key used to obfuscate the 8-byte
// sequence prefix transmitted with each data packet, independent of the AEAD
// key so that compromising one does not help recover the other.
func DeriveSequenceObfuscationKey(sendKey [KeySize]byte, sendNonceBase [NonceSize]byte) [KeySize]byte {
	prk := HKDFExtract(sendNonceBase[:], sendKey[:])
	okm, err := HKDFExpand(prk, []byte(seqObfInfo), KeySize)
	if err != nil {
		// KeySize is always within HKDFExpand's limit; unreachable.
		panic(fmt.Sprintf("derive sequence obfuscation key: %v", err))
	}
	var key [KeySize]byte
	copy(key[:], okm)
	ZeroKey(&prk)
	ZeroBytes(okm)
	return key
}

// DeriveHandshakeKey derives the AEAD key used to encrypt an entire
// INIT/RESPONSE handshake message, from a candidate client PSK. Every
// client that shares a PSK derives the same handshake key, which is why
// the responder must try each registry candidate in turn rather than
// identify the client up front.
func DeriveHandshakeKey(psk []byte) [KeySize]byte {
	prk := HKDFExtract(nil, psk)
	okm, err := HKDFExpand(prk, []byte(handshakeKeyInfo), KeySize)
	if err != nil {
		// KeySize is always within HKDFExpand's limit; unreachable.
		panic(fmt.Sprintf("derive handshake key: %v", err))
	}
	var key [KeySize]byte
	copy(key[:], okm)
	ZeroKey(&prk)
	ZeroBytes(okm)
	return key
}

// ObfuscateSequence maps a monotonic send sequence through a keyed 64-bit
// permutation so that an on-path observer without obfKey cannot tell that
// successive packets carry increasing sequence numbers. The mapping is a
// bijection: DeobfuscateSequence(ObfuscateSequence(seq, k), k) == seq for
// any seq and any k, and it is deterministic in (seq, key).
func ObfuscateSequence(seq uint64, obfKey [KeySize]byte) uint64 {
	l, r := uint32(seq>>32), uint32(seq)
	for round := byte(0); round < feistelRounds; round++ {
		l, r = r, l^feistelRoundFunction(obfKey, round, r)
	}
	return uint64(l)<<32 | uint64(r)
}

// DeobfuscateSequence inverts ObfuscateSequence.
func DeobfuscateSequence(obfuscated uint64, obfKey [KeySize]byte) uint64 {
	l, r := uint32(obfuscated>>32), uint32(obfuscated)
	for round := byte(feistelRounds); round > 0; round-- {
		l, r = r^feistelRoundFunction(obfKey, round-1, l), l
	}
	return uint64(l)<<32 | uint64(r)
}

// feistelRoundFunction is the keyed round function for the sequence
// obfuscation permutation: a truncated HMAC-SHA256 over the round index and
// the current half-block.
func feistelRoundFunction(key [KeySize]byte, round byte, half uint32) uint32 {
	var msg [5]byte
	msg[0] = round
	binary.BigEndian.PutUint32(msg[1:], half)

	mac := hmac.New(sha256.New, key[:])
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	return binary.BigEndian.Uint32(sum[:4])
}

// ZeroBytes zeroes a byte slice in place. Use it to wipe ephemeral secrets,
// HKDF intermediates, and any other sensitive scratch buffer before it is
// released.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes a KeySize-sized key array in place.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

// ZeroNonce zeroes a NonceSize-sized nonce array in place.
func ZeroNonce(n *[NonceSize]byte) {
	for i := range n {
		n[i] = 0
	}
}
