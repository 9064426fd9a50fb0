package congestion

import "testing"

func TestNewStartsInSlowStart(t *testing.T) {
	c := New(DefaultConfig())
	if c.State() != SlowStart {
		t.Fatalf("State() = %v, want SlowStart", c.State())
	}
	if c.Cwnd() != DefaultConfig().InitialCwnd {
		t.Errorf("Cwnd() = %d, want initial cwnd", c.Cwnd())
	}
}

func TestCanSendRespectsCwnd(t *testing.T) {
	c := New(DefaultConfig())
	if !c.CanSend(0) {
		t.Error("CanSend(0) should be true")
	}
	if c.CanSend(c.Cwnd()) {
		t.Error("CanSend(cwnd) should be false")
	}
}

func TestOnAckSlowStartGrowsByAckedBytes(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg)
	before := c.Cwnd()
	c.OnAck(cfg.MSS)
	if c.Cwnd() != before+cfg.MSS {
		t.Errorf("Cwnd() = %d, want %d", c.Cwnd(), before+cfg.MSS)
	}
}

func TestOnAckTransitionsToCongestionAvoidance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialCwnd = cfg.MSS
	cfg.InitialSsthresh = cfg.MSS // already at threshold
	c := New(cfg)

	c.OnAck(cfg.MSS)
	if c.State() != CongestionAvoidance {
		t.Errorf("State() = %v, want CongestionAvoidance once cwnd >= ssthresh", c.State())
	}
}

func TestOnAckCongestionAvoidanceGrowsSlowly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialCwnd = 10 * cfg.MSS
	cfg.InitialSsthresh = cfg.MSS // start already past threshold
	c := New(cfg)
	c.state = CongestionAvoidance

	before := c.Cwnd()
	c.OnAck(cfg.MSS)
	grown := c.Cwnd() - before
	if grown <= 0 || grown >= cfg.MSS {
		t.Errorf("congestion-avoidance growth = %d, want roughly MSS*MSS/cwnd (< 1 MSS)", grown)
	}
}

func TestOnDuplicateAckTriggersFastRetransmitAtThreshold(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg)

	for i := 0; i < cfg.FastRetransmitThreshold-1; i++ {
		if r := c.OnDuplicateAck(); r != NoAction {
			t.Fatalf("dup ack %d: got %v, want NoAction", i, r)
		}
	}
	if r := c.OnDuplicateAck(); r != TriggerFastRetransmit {
		t.Errorf("dup ack at threshold: got %v, want TriggerFastRetransmit", r)
	}
}

func TestOnFastRetransmitLoss(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialCwnd = 10 * cfg.MSS
	c := New(cfg)
	c.cwnd = 10 * cfg.MSS

	c.OnFastRetransmitLoss()

	wantSsthresh := max(5*cfg.MSS, 2*cfg.MSS)
	if c.Ssthresh() != wantSsthresh {
		t.Errorf("Ssthresh() = %d, want %d", c.Ssthresh(), wantSsthresh)
	}
	if c.Cwnd() != wantSsthresh+3*cfg.MSS {
		t.Errorf("Cwnd() = %d, want ssthresh+3*MSS", c.Cwnd())
	}
	if c.State() != FastRecovery {
		t.Errorf("State() = %v, want FastRecovery", c.State())
	}
}

// Testable Property 9: starting from cwnd = C, after OnTimeoutLoss(), cwnd =
// MSS and ssthresh = max(C/2, 2*MSS).
func TestOnTimeoutLoss(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg)
	c.cwnd = 20 * cfg.MSS
	const startCwnd = 20

	c.OnTimeoutLoss()

	wantSsthresh := max((startCwnd*cfg.MSS)/2, 2*cfg.MSS)
	if c.Ssthresh() != wantSsthresh {
		t.Errorf("Ssthresh() = %d, want %d", c.Ssthresh(), wantSsthresh)
	}
	if c.Cwnd() != cfg.MSS {
		t.Errorf("Cwnd() = %d, want MSS (%d)", c.Cwnd(), cfg.MSS)
	}
	if c.State() != SlowStart {
		t.Errorf("State() = %v, want SlowStart", c.State())
	}
}

func TestOnTimeoutLossFloorsSsthreshAtTwoMSS(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg)
	c.cwnd = cfg.MSS // C/2 would be below 2*MSS

	c.OnTimeoutLoss()

	if c.Ssthresh() != 2*cfg.MSS {
		t.Errorf("Ssthresh() = %d, want floor of 2*MSS", c.Ssthresh())
	}
}

func TestOnRecoveryCompleteReturnsToCongestionAvoidance(t *testing.T) {
	c := New(DefaultConfig())
	c.state = FastRecovery
	c.ssthresh = 5000
	c.cwnd = 9000

	c.OnRecoveryComplete()

	if c.State() != CongestionAvoidance {
		t.Errorf("State() = %v, want CongestionAvoidance", c.State())
	}
	if c.Cwnd() != 5000 {
		t.Errorf("Cwnd() = %d, want ssthresh (5000)", c.Cwnd())
	}
}

func TestRefreshPacerDisabledByDefault(t *testing.T) {
	c := New(DefaultConfig())
	c.RefreshPacer(100_000_000) // 100ms
	if c.Pacer() != nil {
		t.Error("Pacer() should be nil when EnablePacing is false")
	}
}

func TestRefreshPacerBuildsLimiterWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnablePacing = true
	c := New(cfg)

	c.RefreshPacer(100_000_000) // 100ms
	if c.Pacer() == nil {
		t.Fatal("Pacer() should be non-nil once pacing is enabled and an RTT sample is supplied")
	}
}

func TestRefreshPacerZeroRTTDisablesPacer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnablePacing = true
	c := New(cfg)

	c.RefreshPacer(0)
	if c.Pacer() != nil {
		t.Error("Pacer() should be nil when srtt is 0")
	}
}
