// Package retransmit implements the unacked-packet store backing a
// transport session's reliability layer: RFC 6298 RTO estimation, Karn's
// algorithm for RTT sampling, configurable drop policies under memory
// pressure, and an optional insert rate limit.
//
// Buffer is not safe for concurrent use; it is owned by the single
// event-loop goroutine that owns the transport session (spec.md §5).
package retransmit

import (
	"time"

	"golang.org/x/time/rate"
)

// Priority orders which pending packets are sacrificed first when the
// buffer is at its pending-count or byte cap and the drop policy is
// LowPriority.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// DropPolicy selects which entries make_room evicts to free space.
type DropPolicy int

const (
	// DropOldest evicts the entry with the earliest FirstSent time.
	DropOldest DropPolicy = iota
	// DropNewest evicts the entry with the most recent FirstSent time.
	DropNewest
	// DropLowPriority evicts Low, then Normal, then High priority entries,
	// oldest first within a priority tier. Critical entries are never
	// evicted by this policy.
	DropLowPriority
)

// Config holds the tunables for a retransmit Buffer.
type Config struct {
	InitialRTT     time.Duration
	MinRTO         time.Duration
	MaxRTO         time.Duration
	MaxRetries     int
	MaxBufferBytes int
	MaxPending     int
	// Buffer does not read HighWaterBytes or LowWaterBytes; eviction is
	// triggered only by MaxPending and MaxBufferBytes.
	HighWaterBytes int
	LowWaterBytes  int
	DropPolicy     DropPolicy
	BackoffFactor  float64

	// InsertRate is the maximum sustained inserts per second; InsertBurst
	// is the token bucket's burst allowance. InsertRate <= 0 disables the
	// limit.
	InsertRate  float64
	InsertBurst int
}

// DefaultConfig returns the spec.md §4.3 defaults.
func DefaultConfig() Config {
	return Config{
		InitialRTT:     100 * time.Millisecond,
		MinRTO:         50 * time.Millisecond,
		MaxRTO:         10 * time.Second,
		MaxRetries:     5,
		MaxBufferBytes: 1 << 20, // 1 MiB
		MaxPending:     10000,
		HighWaterBytes: 800 * 1024,
		LowWaterBytes:  500 * 1024,
		DropPolicy:     DropOldest,
		BackoffFactor:  2.0,
		InsertRate:     5000,
		InsertBurst:    5000,
	}
}

// PendingPacket is an unacknowledged packet awaiting retransmission.
type PendingPacket struct {
	Seq       uint64
	Bytes     []byte
	FirstSent time.Time
	LastSent  time.Time
	NextRetry time.Time
	Retries   int
	Priority  Priority
}

// Stats is an immutable snapshot of a Buffer's counters, returned on
// demand (spec.md §9: "each component owns its stats struct").
type Stats struct {
	Inserted         uint64
	RejectedFull     uint64
	RejectedPending  uint64
	RejectedRateLimited uint64
	Dropped          uint64
	Acknowledged     uint64
	Retransmitted    uint64
	RetriesExhausted uint64
}

// Buffer is the unacked-packet store for one transport session direction.
type Buffer struct {
	cfg Config

	packets    map[uint64]*PendingPacket
	totalBytes int

	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	started bool

	limiter *rate.Limiter

	stats Stats
}

// NewBuffer creates a retransmit buffer with the given configuration.
func NewBuffer(cfg Config) *Buffer {
	b := &Buffer{
		cfg:     cfg,
		packets: make(map[uint64]*PendingPacket),
		rto:     clampRTO(cfg.InitialRTT, cfg),
	}
	if cfg.InsertRate > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.InsertRate), cfg.InsertBurst)
	}
	return b
}

// RTO returns the current retransmission timeout estimate.
func (b *Buffer) RTO() time.Duration { return b.rto }

// SRTT returns the current smoothed RTT estimate.
func (b *Buffer) SRTT() time.Duration { return b.srtt }

// Len returns the number of packets currently pending acknowledgment.
func (b *Buffer) Len() int { return len(b.packets) }

// Stats returns an immutable snapshot of the buffer's counters.
func (b *Buffer) Stats() Stats { return b.stats }

// Insert stores bytes as a pending packet keyed by seq. It returns false
// (and increments a stat) if the buffer is over its byte cap, over its
// pending-count cap, or insert-rate-limited; in every rejection case the
// caller MUST treat this as a local, silent failure (spec.md §4.3).
func (b *Buffer) Insert(seq uint64, bytes []byte, priority Priority, now time.Time) bool {
	if b.limiter != nil && !b.limiter.AllowN(now, 1) {
		b.stats.RejectedRateLimited++
		return false
	}

	if len(b.packets) >= b.cfg.MaxPending {
		if !b.makeRoom(1, 0, now) {
			b.stats.RejectedPending++
			return false
		}
	}

	needed := len(bytes)
	if b.totalBytes+needed > b.cfg.MaxBufferBytes {
		if !b.makeRoom(0, needed, now) {
			b.stats.RejectedFull++
			return false
		}
	}

	cp := make([]byte, len(bytes))
	copy(cp, bytes)

	b.packets[seq] = &PendingPacket{
		Seq:       seq,
		Bytes:     cp,
		FirstSent: now,
		LastSent:  now,
		NextRetry: now.Add(b.rto),
		Priority:  priority,
	}
	b.totalBytes += needed
	b.stats.Inserted++
	return true
}

// makeRoom applies the configured drop policy until there is room for one
// more pending entry and extraBytes more buffered bytes.
func (b *Buffer) makeRoom(extraCount, extraBytes int, now time.Time) bool {
	tiers := [][]Priority{{PriorityLow}, {PriorityNormal}, {PriorityHigh}}

	for len(b.packets)+extraCount > b.cfg.MaxPending || b.totalBytes+extraBytes > b.cfg.MaxBufferBytes {
		var victim *PendingPacket

		switch b.cfg.DropPolicy {
		case DropNewest:
			victim = b.pickByTime(func(a, bt time.Time) bool { return a.After(bt) }, nil)
		case DropLowPriority:
			for _, tier := range tiers {
				victim = b.pickByTime(func(a, bt time.Time) bool { return a.Before(bt) }, tier)
				if victim != nil {
					break
				}
			}
		default: // DropOldest
			victim = b.pickByTime(func(a, bt time.Time) bool { return a.Before(bt) }, nil)
		}

		if victim == nil {
			return false
		}
		b.remove(victim.Seq)
		b.stats.Dropped++
	}
	return true
}

// pickByTime finds the entry whose FirstSent "wins" under better(candidate,
// current), optionally restricted to the given priority tier (nil means any
// priority except Critical, which DropLowPriority never evicts).
func (b *Buffer) pickByTime(better func(a, bt time.Time) bool, tier []Priority) *PendingPacket {
	var best *PendingPacket
	for _, p := range b.packets {
		if tier != nil && !containsPriority(tier, p.Priority) {
			continue
		}
		if tier == nil && p.Priority == PriorityCritical {
			continue
		}
		if best == nil || better(p.FirstSent, best.FirstSent) {
			best = p
		}
	}
	return best
}

func containsPriority(tier []Priority, p Priority) bool {
	for _, t := range tier {
		if t == p {
			return true
		}
	}
	return false
}

func (b *Buffer) remove(seq uint64) {
	if p, ok := b.packets[seq]; ok {
		b.totalBytes -= len(p.Bytes)
		delete(b.packets, seq)
	}
}

// Acknowledge removes seq from the buffer if present. If the packet was
// never retransmitted, its RTT is sampled (Karn's algorithm) and the RTO
// estimator is updated per RFC 6298. Returns true if seq was pending.
func (b *Buffer) Acknowledge(seq uint64, now time.Time) bool {
	p, ok := b.packets[seq]
	if !ok {
		return false
	}
	if p.Retries == 0 {
		b.sampleRTT(now.Sub(p.FirstSent))
	}
	b.remove(seq)
	b.stats.Acknowledged++
	return true
}

// AcknowledgeCumulative removes every pending entry whose sequence is <=
// seq, sampling RTT only from entries that were never retransmitted.
// Returns the number of entries removed.
func (b *Buffer) AcknowledgeCumulative(seq uint64, now time.Time) int {
	removed := 0
	for s, p := range b.packets {
		if s > seq {
			continue
		}
		if p.Retries == 0 {
			b.sampleRTT(now.Sub(p.FirstSent))
		}
		b.remove(s)
		b.stats.Acknowledged++
		removed++
	}
	return removed
}

// sampleRTT applies the RFC 6298 SRTT/RTTVAR/RTO update for one new sample.
func (b *Buffer) sampleRTT(sample time.Duration) {
	const alpha = 0.125
	const beta = 0.25

	if !b.started {
		b.srtt = sample
		b.rttvar = sample / 2
		b.started = true
	} else {
		diff := b.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		b.rttvar = time.Duration((1-beta)*float64(b.rttvar) + beta*float64(diff))
		b.srtt = time.Duration((1-alpha)*float64(b.srtt) + alpha*float64(sample))
	}

	b.rto = clampRTO(b.srtt+4*b.rttvar, b.cfg)
}

func clampRTO(d time.Duration, cfg Config) time.Duration {
	if d < cfg.MinRTO {
		return cfg.MinRTO
	}
	if d > cfg.MaxRTO {
		return cfg.MaxRTO
	}
	return d
}

// GetPacketsToRetransmit returns pending entries whose NextRetry has
// elapsed. The returned slice shares backing PendingPacket pointers with the
// buffer; callers must not mutate them outside MarkRetransmitted.
func (b *Buffer) GetPacketsToRetransmit(now time.Time) []*PendingPacket {
	var due []*PendingPacket
	for _, p := range b.packets {
		if !p.NextRetry.After(now) {
			due = append(due, p)
		}
	}
	return due
}

// MarkRetransmitted records that seq was just retransmitted: its retry
// count increments and its next retry deadline backs off exponentially,
// capped at MaxRTO. If retries has exceeded MaxRetries, the entry is
// dropped instead and MarkRetransmitted reports false.
func (b *Buffer) MarkRetransmitted(seq uint64, now time.Time) bool {
	p, ok := b.packets[seq]
	if !ok {
		return false
	}

	if p.Retries >= b.cfg.MaxRetries {
		b.remove(seq)
		b.stats.RetriesExhausted++
		return false
	}

	p.Retries++
	p.LastSent = now

	backoff := b.rto
	for i := 0; i < p.Retries; i++ {
		backoff = time.Duration(float64(backoff) * b.cfg.BackoffFactor)
		if backoff > b.cfg.MaxRTO {
			backoff = b.cfg.MaxRTO
			break
		}
	}
	p.NextRetry = now.Add(backoff)

	b.stats.Retransmitted++
	return true
}
