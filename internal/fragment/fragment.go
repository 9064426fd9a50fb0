// Package fragment reassembles oversize payloads that were split into
// multiple DATA frames sharing a message_id, bounding both per-message and
// total pending bytes and expiring stale partial messages.
//
// Reassembler is not safe for concurrent use; it is owned by the single
// event-loop goroutine that drives the transport session (spec.md §5).
package fragment

import (
	"sort"
	"time"
)

const (
	// DefaultMaxBytesPerMessage bounds how many fragment bytes a single
	// message_id may accumulate before push starts rejecting it.
	DefaultMaxBytesPerMessage = 64 * 1024
	// DefaultMaxTotalBytes bounds the sum of pending fragment bytes across
	// all in-flight messages.
	DefaultMaxTotalBytes = 4 * 1024 * 1024
	// DefaultTimeout is how long a partial message may sit without its
	// final fragment before cleanup_expired discards it.
	DefaultTimeout = 5 * time.Second
)

// piece is one received fragment of a message.
type piece struct {
	offset int
	data   []byte
	last   bool
}

// partial tracks one in-flight message's fragments.
type partial struct {
	fragments  []piece
	totalBytes int
	hasLast    bool
	firstTime  time.Time
}

// Config holds the tunables for a Reassembler.
type Config struct {
	MaxBytesPerMessage int
	MaxTotalBytes      int
	Timeout            time.Duration
}

// DefaultConfig returns the spec.md §4.7 defaults.
func DefaultConfig() Config {
	return Config{
		MaxBytesPerMessage: DefaultMaxBytesPerMessage,
		MaxTotalBytes:      DefaultMaxTotalBytes,
		Timeout:            DefaultTimeout,
	}
}

// Reassembler reassembles fragmented messages.
type Reassembler struct {
	cfg        Config
	messages   map[uint32]*partial
	totalBytes int
}

// New creates a Reassembler with the given configuration.
func New(cfg Config) *Reassembler {
	return &Reassembler{
		cfg:      cfg,
		messages: make(map[uint32]*partial),
	}
}

// Push records one fragment of messageID at the given byte offset. data is
// copied. last marks this as the final fragment (the one whose fin bit was
// set). Returns false if accepting the fragment would exceed the per-message
// or global byte caps; the caller must treat this as a silent drop.
func (r *Reassembler) Push(messageID uint32, offset int, data []byte, last bool, now time.Time) bool {
	m, ok := r.messages[messageID]
	if !ok {
		if r.totalBytes+len(data) > r.cfg.MaxTotalBytes {
			return false
		}
		m = &partial{firstTime: now}
		r.messages[messageID] = m
	}

	if m.totalBytes+len(data) > r.cfg.MaxBytesPerMessage {
		return false
	}
	if r.totalBytes+len(data) > r.cfg.MaxTotalBytes {
		return false
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	m.fragments = append(m.fragments, piece{offset: offset, data: cp, last: last})
	m.totalBytes += len(data)
	r.totalBytes += len(data)
	if last {
		m.hasLast = true
	}
	return true
}

// TryReassemble returns the assembled bytes for messageID if the fragments
// cover [0, finalOffset] contiguously with no gaps or overlaps and the final
// fragment has been seen. On success the message is removed from pending
// state.
func (r *Reassembler) TryReassemble(messageID uint32) ([]byte, bool) {
	m, ok := r.messages[messageID]
	if !ok || !m.hasLast {
		return nil, false
	}

	sorted := make([]piece, len(m.fragments))
	copy(sorted, m.fragments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].offset < sorted[j].offset })

	out := make([]byte, 0, m.totalBytes)
	expected := 0
	for _, p := range sorted {
		if p.offset != expected {
			return nil, false // gap or overlap
		}
		out = append(out, p.data...)
		expected += len(p.data)
	}
	if !sorted[len(sorted)-1].last {
		return nil, false
	}

	r.totalBytes -= m.totalBytes
	delete(r.messages, messageID)
	return out, true
}

// CleanupExpired drops every pending message whose first fragment arrived
// more than cfg.Timeout ago. Returns the number of messages dropped.
func (r *Reassembler) CleanupExpired(now time.Time) int {
	dropped := 0
	for id, m := range r.messages {
		if now.Sub(m.firstTime) >= r.cfg.Timeout {
			r.totalBytes -= m.totalBytes
			delete(r.messages, id)
			dropped++
		}
	}
	return dropped
}

// Pending returns the number of in-flight (incomplete) messages.
func (r *Reassembler) Pending() int { return len(r.messages) }
