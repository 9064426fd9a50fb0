package retransmit

import (
	"testing"
	"time"
)

func TestInsertAndAcknowledge(t *testing.T) {
	b := NewBuffer(DefaultConfig())
	now := time.Now()

	if !b.Insert(1, []byte("hello"), PriorityNormal, now) {
		t.Fatal("Insert should succeed")
	}
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}

	if !b.Acknowledge(1, now.Add(10*time.Millisecond)) {
		t.Fatal("Acknowledge should find the inserted packet")
	}
	if b.Len() != 0 {
		t.Fatalf("Len() after ack = %d, want 0", b.Len())
	}
	if b.Acknowledge(1, now) {
		t.Error("Acknowledge of an already-removed packet should return false")
	}
}

func TestAcknowledgeCumulative(t *testing.T) {
	b := NewBuffer(DefaultConfig())
	now := time.Now()

	for _, seq := range []uint64{1, 2, 3, 5} {
		b.Insert(seq, []byte("x"), PriorityNormal, now)
	}

	removed := b.AcknowledgeCumulative(3, now.Add(time.Millisecond))
	if removed != 3 {
		t.Fatalf("AcknowledgeCumulative removed = %d, want 3", removed)
	}
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (seq 5 remains)", b.Len())
	}
}

func TestRTOUpdatesFromSamples(t *testing.T) {
	cfg := DefaultConfig()
	b := NewBuffer(cfg)
	now := time.Now()

	b.Insert(1, []byte("x"), PriorityNormal, now)
	b.Acknowledge(1, now.Add(100*time.Millisecond))

	if b.SRTT() != 100*time.Millisecond {
		t.Errorf("SRTT() = %v, want 100ms after first sample", b.SRTT())
	}

	b.Insert(2, []byte("x"), PriorityNormal, now)
	b.Acknowledge(2, now.Add(200*time.Millisecond))

	if b.SRTT() <= 100*time.Millisecond {
		t.Errorf("SRTT() = %v, expected to move toward the higher sample", b.SRTT())
	}
}

func TestRetransmittedPacketDoesNotSampleRTT(t *testing.T) {
	b := NewBuffer(DefaultConfig())
	now := time.Now()

	b.Insert(1, []byte("x"), PriorityNormal, now)
	b.MarkRetransmitted(1, now.Add(time.Second))
	srttBefore := b.SRTT()

	b.Acknowledge(1, now.Add(2*time.Second))
	if b.SRTT() != srttBefore {
		t.Error("acknowledging a retransmitted packet must not sample RTT (Karn's algorithm)")
	}
}

func TestMarkRetransmittedBacksOffAndExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	b := NewBuffer(cfg)
	now := time.Now()

	b.Insert(1, []byte("x"), PriorityNormal, now)

	if !b.MarkRetransmitted(1, now) {
		t.Fatal("first retransmit should succeed")
	}
	if !b.MarkRetransmitted(1, now) {
		t.Fatal("second retransmit should succeed")
	}
	if b.MarkRetransmitted(1, now) {
		t.Error("retransmit beyond MaxRetries should drop the entry and return false")
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after retries exhausted", b.Len())
	}
}

func TestGetPacketsToRetransmit(t *testing.T) {
	b := NewBuffer(DefaultConfig())
	now := time.Now()
	b.Insert(1, []byte("x"), PriorityNormal, now)

	due := b.GetPacketsToRetransmit(now)
	if len(due) != 0 {
		t.Fatalf("nothing should be due immediately, got %d", len(due))
	}

	due = b.GetPacketsToRetransmit(now.Add(b.RTO() + time.Millisecond))
	if len(due) != 1 {
		t.Fatalf("expected 1 due packet, got %d", len(due))
	}
}

func TestInsertRejectsOverMaxPending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPending = 2
	cfg.DropPolicy = DropOldest
	b := NewBuffer(cfg)
	now := time.Now()

	b.Insert(1, []byte("x"), PriorityNormal, now)
	b.Insert(2, []byte("x"), PriorityNormal, now.Add(time.Millisecond))
	// A 3rd insert must evict the oldest (seq 1) rather than exceed MaxPending.
	ok := b.Insert(3, []byte("x"), PriorityNormal, now.Add(2*time.Millisecond))
	if !ok {
		t.Fatal("Insert should succeed by evicting under DropOldest")
	}
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}
	if _, ok := b.packets[1]; ok {
		t.Error("oldest entry should have been evicted")
	}
}

func TestDropLowPriorityNeverEvictsCritical(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPending = 1
	cfg.DropPolicy = DropLowPriority
	b := NewBuffer(cfg)
	now := time.Now()

	b.Insert(1, []byte("x"), PriorityCritical, now)
	ok := b.Insert(2, []byte("x"), PriorityCritical, now.Add(time.Millisecond))
	if ok {
		t.Error("a second critical insert should be rejected, not evict the first critical entry")
	}
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
	if _, ok := b.packets[1]; !ok {
		t.Error("critical entry should survive")
	}
}

func TestInsertRateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InsertRate = 1
	cfg.InsertBurst = 1
	b := NewBuffer(cfg)
	now := time.Now()

	if !b.Insert(1, []byte("x"), PriorityNormal, now) {
		t.Fatal("first insert within burst should succeed")
	}
	if b.Insert(2, []byte("x"), PriorityNormal, now) {
		t.Error("second insert beyond burst should be rate-limited")
	}
	if b.Stats().RejectedRateLimited != 1 {
		t.Errorf("RejectedRateLimited = %d, want 1", b.Stats().RejectedRateLimited)
	}
}
