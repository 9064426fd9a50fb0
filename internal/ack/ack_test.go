package ack

import (
	"testing"
	"time"
)

func TestFirstPacketDoesNotForceImmediateAck(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()
	immediate := s.OnPacketReceived(1, 0, false, now)
	if immediate {
		t.Error("first packet alone should not force an immediate ack (AckEveryNPackets=2)")
	}
}

func TestAckEveryNPacketsForcesImmediate(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()
	s.OnPacketReceived(1, 0, false, now)
	if !s.OnPacketReceived(1, 1, false, now) {
		t.Error("second consecutive packet should reach AckEveryNPackets threshold")
	}
}

func TestGapTriggersImmediateAck(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()
	s.OnPacketReceived(1, 0, false, now)
	s.AckSent(1)
	if !s.OnPacketReceived(1, 5, false, now) {
		t.Error("a gap should trigger an immediate ack")
	}
}

func TestFinTriggersImmediateAck(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()
	if !s.OnPacketReceived(1, 0, true, now) {
		t.Error("FIN should trigger an immediate ack even as the first packet")
	}
}

func TestCheckAckTimerRespectsDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckEveryNPackets = 100 // disable count-based coalescing for this test
	s := New(cfg)
	now := time.Now()
	s.OnPacketReceived(1, 0, false, now)

	due := s.CheckAckTimer(now)
	if len(due) != 0 {
		t.Fatalf("nothing should be due immediately, got %v", due)
	}
	due = s.CheckAckTimer(now.Add(cfg.MaxAckDelay + time.Millisecond))
	if len(due) != 1 || due[0] != 1 {
		t.Fatalf("stream 1 should be due after MaxAckDelay, got %v", due)
	}
}

func TestGetPendingAckReflectsHighestAndBitmap(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()
	s.OnPacketReceived(1, 10, false, now)
	s.OnPacketReceived(1, 8, false, now) // received out of order, below highest

	frame, ok := s.GetPendingAck(1)
	if !ok {
		t.Fatal("expected pending ack state for stream 1")
	}
	if frame.Ack != 11 {
		t.Errorf("Ack = %d, want 11 (highest+1)", frame.Ack)
	}
	if frame.Bitmap&(1<<1) == 0 {
		t.Errorf("Bitmap = %b, want bit 1 set for seq 8 (highest-1-i with i=1)", frame.Bitmap)
	}
}

func TestBitmapAdvanceOfExactly32SetsTopBit(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()
	s.OnPacketReceived(1, 0, false, now)
	s.OnPacketReceived(1, 32, false, now)

	frame, ok := s.GetPendingAck(1)
	if !ok {
		t.Fatal("expected pending ack state for stream 1")
	}
	if frame.Ack != 33 {
		t.Fatalf("Ack = %d, want 33 (highest+1)", frame.Ack)
	}
	if frame.Bitmap&(1<<31) == 0 {
		t.Errorf("Bitmap = %b, want bit 31 set for seq 0 (highest-1-i with i=31 after a 32-step advance)", frame.Bitmap)
	}
}

func TestAckSentClearsNeedsAckAndCoalesces(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()
	s.OnPacketReceived(1, 0, false, now)
	s.OnPacketReceived(1, 1, false, now)
	s.OnPacketReceived(1, 2, false, now)

	s.AckSent(1)
	if s.AcksCoalesced(1) != 2 {
		t.Errorf("AcksCoalesced = %d, want 2", s.AcksCoalesced(1))
	}

	due := s.CheckAckTimer(now.Add(time.Hour))
	if len(due) != 0 {
		t.Errorf("no ack should be due after AckSent cleared needsAck, got %v", due)
	}
}
