// Package congestion implements an RFC 5681-style AIMD congestion
// controller (slow start / congestion avoidance / fast recovery) with
// optional pacing, gating how many in-flight bytes a transport session may
// have outstanding at once.
//
// Controller is not safe for concurrent use; it is owned by the
// single event-loop goroutine that drives the transport session.
package congestion

import (
	"time"

	"golang.org/x/time/rate"
)

// State is the AIMD controller's current phase.
type State int

const (
	SlowStart State = iota
	CongestionAvoidance
	FastRecovery
)

func (s State) String() string {
	switch s {
	case SlowStart:
		return "SLOW_START"
	case CongestionAvoidance:
		return "CONGESTION_AVOIDANCE"
	case FastRecovery:
		return "FAST_RECOVERY"
	default:
		return "UNKNOWN"
	}
}

// Config holds the tunables for a Controller.
type Config struct {
	MSS                    int
	InitialCwnd            int
	InitialSsthresh        int
	FastRetransmitThreshold int

	EnablePacing bool
	PacingGain   float64
	BurstPackets int
	MinInterval  time.Duration
}

// DefaultConfig returns the spec.md §4.4 defaults.
func DefaultConfig() Config {
	return Config{
		MSS:                     1400,
		InitialCwnd:             4 * 1400,
		InitialSsthresh:         64 * 1024,
		FastRetransmitThreshold: 3,
		EnablePacing:            false,
		PacingGain:              1.25,
		BurstPackets:            10,
		MinInterval:             100 * time.Microsecond,
	}
}

// Controller is an AIMD congestion controller.
type Controller struct {
	cfg Config

	cwnd     int
	ssthresh int
	state    State
	dupAcks  int

	pacer *rate.Limiter
}

// New creates a Controller starting in SlowStart.
func New(cfg Config) *Controller {
	c := &Controller{
		cfg:      cfg,
		cwnd:     cfg.InitialCwnd,
		ssthresh: cfg.InitialSsthresh,
		state:    SlowStart,
	}
	return c
}

// Cwnd returns the current congestion window in bytes.
func (c *Controller) Cwnd() int { return c.cwnd }

// Ssthresh returns the current slow-start threshold in bytes.
func (c *Controller) Ssthresh() int { return c.ssthresh }

// State returns the controller's current phase.
func (c *Controller) State() State { return c.state }

// CanSend reports whether another packet may be sent given inFlight bytes
// currently outstanding.
func (c *Controller) CanSend(inFlight int) bool {
	return inFlight < c.cwnd
}

// SendableBytes returns how many more bytes may be sent right now.
func (c *Controller) SendableBytes(inFlight int) int {
	if inFlight >= c.cwnd {
		return 0
	}
	return c.cwnd - inFlight
}

// OnAck grows the window for bytes worth of newly-acknowledged data and
// resets the duplicate-ACK counter.
func (c *Controller) OnAck(bytes int) {
	c.dupAcks = 0

	switch c.state {
	case SlowStart:
		grow := bytes
		if grow > c.cfg.MSS {
			grow = c.cfg.MSS
		}
		c.cwnd += grow
		if c.cwnd >= c.ssthresh {
			c.state = CongestionAvoidance
		}
	case CongestionAvoidance:
		if c.cwnd > 0 {
			c.cwnd += c.cfg.MSS * bytes / c.cwnd
		}
	case FastRecovery:
		c.cwnd += bytes
	}

}

// DuplicateAckResult reports what OnDuplicateAck observed.
type DuplicateAckResult int

const (
	// NoAction means the duplicate ACK was counted but nothing else
	// happened.
	NoAction DuplicateAckResult = iota
	// TriggerFastRetransmit means the duplicate-ack threshold was just
	// reached; the caller should retransmit the implied lost segment and
	// call OnFastRetransmitLoss.
	TriggerFastRetransmit
)

// OnDuplicateAck records a duplicate ACK. In FastRecovery it inflates the
// window per RFC 5681; otherwise it reports TriggerFastRetransmit once the
// configured threshold (default 3) is reached.
func (c *Controller) OnDuplicateAck() DuplicateAckResult {
	c.dupAcks++

	if c.state == FastRecovery {
		c.cwnd += c.cfg.MSS
		return NoAction
	}

	if c.dupAcks >= c.cfg.FastRetransmitThreshold {
		return TriggerFastRetransmit
	}
	return NoAction
}

// OnFastRetransmitLoss transitions into FastRecovery after a fast
// retransmit: ssthresh = max(cwnd/2, 2*MSS), cwnd = ssthresh + 3*MSS.
func (c *Controller) OnFastRetransmitLoss() {
	c.ssthresh = max(c.cwnd/2, 2*c.cfg.MSS)
	c.cwnd = c.ssthresh + 3*c.cfg.MSS
	c.state = FastRecovery
}

// OnTimeoutLoss handles an RTO expiry: ssthresh = max(cwnd/2, 2*MSS),
// cwnd = 1*MSS, back to SlowStart.
func (c *Controller) OnTimeoutLoss() {
	c.ssthresh = max(c.cwnd/2, 2*c.cfg.MSS)
	c.cwnd = c.cfg.MSS
	c.state = SlowStart
	c.dupAcks = 0
}

// OnRecoveryComplete leaves FastRecovery once the retransmitted segment is
// acknowledged: cwnd = ssthresh, back to CongestionAvoidance.
func (c *Controller) OnRecoveryComplete() {
	c.cwnd = c.ssthresh
	c.state = CongestionAvoidance
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Pacer returns a token-bucket rate limiter sized from cwnd/srtt*pacingGain,
// or nil if pacing is disabled or no RTT estimate is available yet. Callers
// should call RefreshPacer whenever srtt changes materially.
func (c *Controller) Pacer() *rate.Limiter { return c.pacer }

// RefreshPacer recomputes the pacing token bucket from the current cwnd,
// the caller's latest SRTT estimate, and the configured pacing gain. Pass
// srtt == 0 to disable pacing until an RTT sample is available.
func (c *Controller) RefreshPacer(srtt time.Duration) {
	if !c.cfg.EnablePacing || srtt <= 0 {
		c.pacer = nil
		return
	}

	bytesPerSecond := float64(c.cwnd) / srtt.Seconds() * c.cfg.PacingGain
	packetsPerSecond := bytesPerSecond / float64(c.cfg.MSS)
	if packetsPerSecond <= 0 {
		c.pacer = nil
		return
	}

	limit := rate.Limit(packetsPerSecond)
	burst := c.cfg.BurstPackets
	if burst < 1 {
		burst = 1
	}
	c.pacer = rate.NewLimiter(limit, burst)
}
