// Package session implements the per-tunnel transport session (spec.md
// §4.9): encryption/decryption of DATA/ACK/CONTROL/HEARTBEAT frames over a
// completed handshake, fragmentation/reassembly of oversize payloads, ACK
// processing and generation, retransmission, congestion control, and
// session-id rotation.
//
// A Session is not safe for concurrent use. It is owned end-to-end by one
// event-loop goroutine per tunnel endpoint (spec.md §5); the cross-thread
// surfaces are internal/registry and internal/server, not this package.
package session

import (
	"encoding/binary"
	"fmt"
	"math"
	mathrand "math/rand"
	"time"

	"github.com/veilvpn/veil/internal/ack"
	"github.com/veilvpn/veil/internal/congestion"
	"github.com/veilvpn/veil/internal/crypto"
	"github.com/veilvpn/veil/internal/fragment"
	"github.com/veilvpn/veil/internal/frame"
	"github.com/veilvpn/veil/internal/replay"
	"github.com/veilvpn/veil/internal/retransmit"
)

// MaxFragmentSize is the largest DATA frame payload that is sent
// unfragmented; larger writes are split across multiple frames sharing a
// message_id (spec.md §4.9 step 1).
const MaxFragmentSize = 1200

// Config bundles the tunables for every sub-component a Session owns, plus
// the session-level rotation thresholds (spec.md §4.9 should_rotate_session).
type Config struct {
	ReplayWindowSize        int
	Retransmit              retransmit.Config
	Congestion              congestion.Config
	Ack                     ack.Config
	Fragment                fragment.Config
	SessionRotationPackets  uint64
	SessionRotationInterval time.Duration
}

// DefaultConfig returns a Config built from each sub-component's own
// spec.md defaults, plus the session-level rotation defaults.
func DefaultConfig() Config {
	return Config{
		ReplayWindowSize:        replay.DefaultWindowSize,
		Retransmit:              retransmit.DefaultConfig(),
		Congestion:              congestion.DefaultConfig(),
		Ack:                     ack.DefaultConfig(),
		Fragment:                fragment.DefaultConfig(),
		SessionRotationPackets:  1_000_000,
		SessionRotationInterval: 30 * time.Second,
	}
}

// Keys is the symmetric state a Session is built from, produced by a
// completed handshake (spec.md §3 "Handshake session").
type Keys = crypto.SessionKeys

// Stats is a read-only snapshot of a Session's counters, mirrored into
// internal/metrics by the owning event loop.
type Stats struct {
	PacketsDroppedReplay  uint64
	PacketsDroppedDecrypt uint64
	FragmentsReassembled  uint64
	FragmentsExpired      uint64
	SessionsRotated       uint64

	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
}

// StatsSnapshot is the restored status-reporting surface (original_source's
// session statistics snapshot, dropped by the distilled spec): an
// immutable view of a session's throughput, congestion, and RTT state fit
// for cmd/veilstat or a status-change callback, built on demand rather
// than kept as a live running total the caller could observe mid-update.
type StatsSnapshot struct {
	SessionID uint64
	Stats
	Cwnd     int
	Ssthresh int
	State    congestion.State
	SRTT     time.Duration
}

// Session is one tunnel endpoint's mutable transport state.
type Session struct {
	sessionID uint64

	keys       Keys
	obfSendKey [crypto.KeySize]byte
	obfRecvKey [crypto.KeySize]byte
	mss        int

	sendSequence    uint64
	recvSequenceMax uint64
	recvInitialized bool

	replayWindow *replay.Window
	retransmit   *retransmit.Buffer
	congestion   *congestion.Controller
	acks         *ack.Scheduler
	reassembler  *fragment.Reassembler

	messageIDCounter uint32

	rotationPackets      uint64
	rotationInterval     time.Duration
	packetsSinceRotation uint64
	lastRotation         time.Time

	stats Stats
}

// New constructs a Session from completed handshake keys. sessionID is the
// value negotiated during the handshake.
func New(sessionID uint64, keys Keys, cfg Config, now time.Time) *Session {
	s := &Session{
		sessionID:        sessionID,
		keys:             keys,
		mss:              cfg.Congestion.MSS,
		replayWindow:     replay.New(cfg.ReplayWindowSize),
		retransmit:       retransmit.NewBuffer(cfg.Retransmit),
		congestion:       congestion.New(cfg.Congestion),
		acks:             ack.New(cfg.Ack),
		reassembler:      fragment.New(cfg.Fragment),
		messageIDCounter: 1, // message_id 0 is left to unfragmented frames
		rotationPackets:  cfg.SessionRotationPackets,
		rotationInterval: cfg.SessionRotationInterval,
		lastRotation:     now,
	}
	s.obfSendKey = crypto.DeriveSequenceObfuscationKey(keys.SendKey, keys.SendNonceBase)
	s.obfRecvKey = crypto.DeriveSequenceObfuscationKey(keys.RecvKey, keys.RecvNonceBase)
	return s
}

// SessionID returns the currently active session_id (spec.md §4.9:
// rotation changes only this value).
func (s *Session) SessionID() uint64 { return s.sessionID }

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats { return s.stats }

// Close zeroizes all key material. Call when the session is torn down.
func (s *Session) Close() {
	s.keys.Zero()
	crypto.ZeroKey(&s.obfSendKey)
	crypto.ZeroKey(&s.obfRecvKey)
}

// EncryptData fragments plaintext if needed, encrypts each resulting DATA
// frame, and returns the wire packets to send (spec.md §4.9 encrypt_data).
// Each packet is also inserted into the retransmit buffer.
func (s *Session) EncryptData(streamID uint64, plaintext []byte, fin bool, now time.Time) ([][]byte, error) {
	frames := s.splitIntoFrames(streamID, plaintext, fin)

	packets := make([][]byte, 0, len(frames))
	for _, f := range frames {
		encoded := frame.EncodeData(f)
		packet, err := s.sealPacket(encoded, retransmit.PriorityNormal, now)
		if err != nil {
			return nil, err
		}
		packets = append(packets, packet)
	}
	return packets, nil
}

// EncryptControl encrypts a CONTROL frame at Critical retransmit priority
// (session teardown and rekey signals must survive buffer pressure that
// would otherwise drop lower-priority data).
func (s *Session) EncryptControl(controlType uint8, payload []byte, now time.Time) ([]byte, error) {
	encoded := frame.EncodeControl(&frame.Control{Type: controlType, Payload: payload})
	return s.sealPacket(encoded, retransmit.PriorityCritical, now)
}

// EncryptHeartbeat encrypts a HEARTBEAT frame. Heartbeats are not inserted
// into the retransmit buffer: a lost heartbeat is superseded by the next one.
func (s *Session) EncryptHeartbeat(sequence uint64, timestampMs uint64, now time.Time) ([]byte, error) {
	encoded := frame.EncodeHeartbeat(&frame.Heartbeat{TimestampMs: timestampMs, Sequence: sequence})
	return s.sealPacketNoRetransmit(encoded, now)
}

// splitIntoFrames implements spec.md §4.9 step 1: payloads over
// MaxFragmentSize are split across multiple DATA frames sharing a fresh
// message_id, with only the last frame carrying fin.
func (s *Session) splitIntoFrames(streamID uint64, plaintext []byte, fin bool) []*frame.Data {
	if len(plaintext) <= MaxFragmentSize {
		return []*frame.Data{{
			StreamID: streamID,
			Sequence: frame.MakeSequence(0, 0),
			Fin:      fin,
			Payload:  plaintext,
		}}
	}

	messageID := s.messageIDCounter
	s.messageIDCounter++

	var frames []*frame.Data
	offset := 0
	for idx := uint32(0); offset < len(plaintext); idx++ {
		end := offset + MaxFragmentSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		last := end == len(plaintext)
		frames = append(frames, &frame.Data{
			StreamID: streamID,
			Sequence: frame.MakeSequence(messageID, idx),
			Fin:      last && fin,
			Payload:  plaintext[offset:end],
		})
		offset = end
	}
	return frames
}

// sealPacket encrypts one encoded frame body, prepends the obfuscated
// sequence prefix, and inserts the result into the retransmit buffer keyed
// by the pre-increment send sequence.
func (s *Session) sealPacket(encodedFrame []byte, priority retransmit.Priority, now time.Time) ([]byte, error) {
	seq, packet, err := s.encryptAndFrame(encodedFrame)
	if err != nil {
		return nil, err
	}
	s.retransmit.Insert(seq, packet, priority, now)
	return packet, nil
}

// sealPacketNoRetransmit is sealPacket without the retransmit-buffer insert,
// for frame kinds that are not reliably delivered (HEARTBEAT, ACK).
func (s *Session) sealPacketNoRetransmit(encodedFrame []byte, now time.Time) ([]byte, error) {
	_, packet, err := s.encryptAndFrame(encodedFrame)
	return packet, err
}

func (s *Session) encryptAndFrame(encodedFrame []byte) (uint64, []byte, error) {
	if s.sendSequence == math.MaxUint64 {
		return 0, nil, fmt.Errorf("session: send_sequence exhausted, session must terminate")
	}
	seq := s.sendSequence

	nonce := crypto.DeriveNonce(s.keys.SendNonceBase, seq)
	ciphertext, err := crypto.AEADEncrypt(s.keys.SendKey, nonce, nil, encodedFrame)
	if err != nil {
		return 0, nil, fmt.Errorf("session: seal packet: %w", err)
	}

	obfSeq := crypto.ObfuscateSequence(seq, s.obfSendKey)
	packet := make([]byte, 8+len(ciphertext))
	binary.BigEndian.PutUint64(packet[:8], obfSeq)
	copy(packet[8:], ciphertext)

	s.sendSequence++
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(len(packet))
	return seq, packet, nil
}

// NearSequenceExhaustion reports whether send_sequence has crossed
// 2^64-2^32, the point spec.md §5 requires a warning to be logged.
func (s *Session) NearSequenceExhaustion() bool {
	return s.sendSequence >= math.MaxUint64-(1<<32)
}

// SequenceExhausted reports whether send_sequence has reached 2^64-1, the
// point spec.md §5 requires the session to be forcibly terminated.
func (s *Session) SequenceExhausted() bool {
	return s.sendSequence >= math.MaxUint64
}

// DecryptPacket validates, decrypts, and decodes a received wire packet
// (spec.md §4.9 decrypt_packet). The bool return is false when the packet
// was silently dropped (replay, decrypt failure, or malformed plaintext);
// per spec.md §7 these must not be logged above debug.
func (s *Session) DecryptPacket(packet []byte, now time.Time) (*frame.Decoded, bool) {
	if len(packet) < 8+16+1 {
		return nil, false
	}

	obfSeq := binary.BigEndian.Uint64(packet[:8])
	seq := crypto.DeobfuscateSequence(obfSeq, s.obfRecvKey)

	if !s.replayWindow.MarkAndCheck(seq) {
		s.stats.PacketsDroppedReplay++
		return nil, false
	}

	nonce := crypto.DeriveNonce(s.keys.RecvNonceBase, seq)
	plaintext, err := crypto.AEADDecrypt(s.keys.RecvKey, nonce, nil, packet[8:])
	if err != nil {
		s.stats.PacketsDroppedDecrypt++
		s.replayWindow.Unmark(seq)
		return nil, false
	}

	decoded, err := frame.Decode(plaintext)
	if err != nil {
		s.replayWindow.Unmark(seq)
		return nil, false
	}

	if !s.recvInitialized || seq > s.recvSequenceMax {
		s.recvSequenceMax = seq
		s.recvInitialized = true
	}
	s.packetsSinceRotation++
	s.stats.PacketsReceived++
	s.stats.BytesReceived += uint64(len(packet))

	if decoded.Kind == frame.KindData {
		s.acks.OnPacketReceived(decoded.Data.StreamID, seq, decoded.Data.Fin, now)
	}

	return decoded, true
}

// ReassembleIfComplete feeds a DATA frame's payload into the fragment
// reassembler and returns the assembled message once every fragment has
// arrived. Callers should only invoke this for frames whose MessageID is
// nonzero or whose FragmentIndex is nonzero; single-frame messages (the
// common case) can be used directly without reassembly.
func (s *Session) ReassembleIfComplete(d *frame.Data, now time.Time) ([]byte, bool) {
	offset := int(d.FragmentIndex()) * MaxFragmentSize
	if !s.reassembler.Push(d.MessageID(), offset, d.Payload, d.Fin, now) {
		return nil, false
	}
	out, ok := s.reassembler.TryReassemble(d.MessageID())
	if ok {
		s.stats.FragmentsReassembled++
	}
	return out, ok
}

// CleanupFragments expires stale partial messages; call periodically from
// the event loop's timer tick.
func (s *Session) CleanupFragments(now time.Time) int {
	n := s.reassembler.CleanupExpired(now)
	s.stats.FragmentsExpired += uint64(n)
	return n
}

// ProcessAck applies a received ACK frame to the retransmit buffer and
// congestion controller (spec.md §4.9 process_ack): Ack is the cumulative
// "next expected sequence" and Bitmap carries selective acks for the 32
// sequences immediately below Ack-1.
func (s *Session) ProcessAck(a *frame.Ack, now time.Time) {
	ackedCount := 0
	if a.Ack > 0 {
		ackedCount += s.retransmit.AcknowledgeCumulative(a.Ack-1, now)
	}
	for bit := 0; bit < 32; bit++ {
		if a.Bitmap&(1<<uint(bit)) == 0 {
			continue
		}
		seq := a.Ack - 2 - uint64(bit)
		if s.retransmit.Acknowledge(seq, now) {
			ackedCount++
		}
	}

	if ackedCount > 0 {
		s.congestion.OnAck(ackedCount * s.mss)
		s.congestion.RefreshPacer(s.retransmit.SRTT())
		return
	}

	if s.congestion.OnDuplicateAck() == congestion.TriggerFastRetransmit {
		s.congestion.OnFastRetransmitLoss()
	}
}

// GenerateAck returns the pending ACK frame for streamID, if one exists
// (spec.md §4.9 generate_ack), and marks it sent.
func (s *Session) GenerateAck(streamID uint64) (*frame.Ack, bool) {
	pending, ok := s.acks.GetPendingAck(streamID)
	if !ok {
		return nil, false
	}
	s.acks.AckSent(streamID)
	return &frame.Ack{StreamID: pending.StreamID, Ack: pending.Ack, Bitmap: pending.Bitmap}, true
}

// PendingAckStreams returns the stream IDs whose delayed-ack timer has
// expired and which must be acked now even absent a new trigger (spec.md
// §4.5 check_ack_timer). Call from the event loop's timer tick.
func (s *Session) PendingAckStreams(now time.Time) []uint64 {
	return s.acks.CheckAckTimer(now)
}

// ShouldRotateSession reports whether the session_id should be rotated:
// either the packet-count threshold has been reached, or the elapsed time
// since the last rotation exceeds the configured interval plus exponential
// jitter (spec.md §4.9 should_rotate_session — jitter keeps the rotation
// cadence from being a fixed, fingerprintable period).
func (s *Session) ShouldRotateSession(now time.Time) bool {
	if s.rotationPackets > 0 && s.packetsSinceRotation >= s.rotationPackets {
		return true
	}
	if s.rotationInterval <= 0 {
		return false
	}
	jitter := time.Duration(mathrand.ExpFloat64() * float64(s.rotationInterval) / 4)
	return now.Sub(s.lastRotation) >= s.rotationInterval+jitter
}

// RotateSession changes only session_id. It MUST NOT touch send_sequence,
// recv_sequence_max, keys, or the replay window (spec.md §4.9 invariant).
func (s *Session) RotateSession(newSessionID uint64, now time.Time) {
	s.sessionID = newSessionID
	s.lastRotation = now
	s.packetsSinceRotation = 0
	s.stats.SessionsRotated++
}

// GetRetransmitPackets returns wire-ready bytes for every pending entry
// whose retry deadline has elapsed, marking each as retransmitted (spec.md
// §4.9 get_retransmit_packets). Entries that exceed max_retries are
// dropped by MarkRetransmitted and excluded from the result; any timeout
// in this batch also signals the congestion controller.
func (s *Session) GetRetransmitPackets(now time.Time) [][]byte {
	due := s.retransmit.GetPacketsToRetransmit(now)
	if len(due) == 0 {
		return nil
	}

	out := make([][]byte, 0, len(due))
	for _, p := range due {
		if s.retransmit.MarkRetransmitted(p.Seq, now) {
			out = append(out, p.Bytes)
		}
	}
	s.congestion.OnTimeoutLoss()
	return out
}

// CanSend reports whether n additional bytes may be sent without exceeding
// the current congestion window, given the bytes already outstanding in
// the retransmit buffer.
func (s *Session) CanSend(n int) bool {
	return n <= s.congestion.SendableBytes(s.retransmit.Len())
}

// RetransmitStats exposes the retransmit buffer's counters for metrics.
func (s *Session) RetransmitStats() retransmit.Stats { return s.retransmit.Stats() }

// CongestionState exposes the congestion controller's state for metrics.
func (s *Session) CongestionState() (cwnd, ssthresh int, state congestion.State) {
	return s.congestion.Cwnd(), s.congestion.Ssthresh(), s.congestion.State()
}

// StatsSnapshot builds the restored status-reporting view over this
// session's current counters and congestion/RTT state.
func (s *Session) StatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		SessionID: s.sessionID,
		Stats:     s.stats,
		Cwnd:      s.congestion.Cwnd(),
		Ssthresh:  s.congestion.Ssthresh(),
		State:     s.congestion.State(),
		SRTT:      s.retransmit.SRTT(),
	}
}
