package fragment

import (
	"bytes"
	"testing"
	"time"
)

func TestPushAndReassembleInOrder(t *testing.T) {
	r := New(DefaultConfig())
	now := time.Now()

	r.Push(1, 0, []byte("hello "), false, now)
	r.Push(1, 6, []byte("world"), true, now)

	out, ok := r.TryReassemble(1)
	if !ok {
		t.Fatal("TryReassemble should succeed once all fragments including the last are present")
	}
	if !bytes.Equal(out, []byte("hello world")) {
		t.Errorf("reassembled = %q, want %q", out, "hello world")
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after reassembly", r.Pending())
	}
}

func TestPushOutOfOrderStillReassembles(t *testing.T) {
	r := New(DefaultConfig())
	now := time.Now()

	r.Push(2, 5, []byte("world"), true, now)
	r.Push(2, 0, []byte("hello"), false, now)

	out, ok := r.TryReassemble(2)
	if !ok {
		t.Fatal("TryReassemble should tolerate out-of-order pushes")
	}
	if !bytes.Equal(out, []byte("helloworld")) {
		t.Errorf("reassembled = %q, want %q", out, "helloworld")
	}
}

func TestTryReassembleFailsWithoutLastFragment(t *testing.T) {
	r := New(DefaultConfig())
	now := time.Now()
	r.Push(3, 0, []byte("partial"), false, now)

	if _, ok := r.TryReassemble(3); ok {
		t.Error("TryReassemble should fail until the fin fragment arrives")
	}
}

func TestTryReassembleFailsOnGap(t *testing.T) {
	r := New(DefaultConfig())
	now := time.Now()
	r.Push(4, 0, []byte("aaa"), false, now)
	r.Push(4, 10, []byte("bbb"), true, now) // gap between offset 3 and 10

	if _, ok := r.TryReassemble(4); ok {
		t.Error("TryReassemble should fail when fragments leave a gap")
	}
}

func TestPushRejectsOverPerMessageCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBytesPerMessage = 4
	r := New(cfg)
	now := time.Now()

	if !r.Push(5, 0, []byte("aaaa"), false, now) {
		t.Fatal("first push within cap should succeed")
	}
	if r.Push(5, 4, []byte("b"), true, now) {
		t.Error("push exceeding per-message cap should be rejected")
	}
}

func TestPushRejectsOverGlobalCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTotalBytes = 4
	r := New(cfg)
	now := time.Now()

	if !r.Push(6, 0, []byte("aaaa"), false, now) {
		t.Fatal("first push within global cap should succeed")
	}
	if r.Push(7, 0, []byte("b"), false, now) {
		t.Error("push exceeding global cap across messages should be rejected")
	}
}

func TestCleanupExpiredDropsStaleMessages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	r := New(cfg)
	start := time.Now()

	r.Push(8, 0, []byte("partial"), false, start)

	if n := r.CleanupExpired(start.Add(500 * time.Millisecond)); n != 0 {
		t.Errorf("CleanupExpired too early dropped %d, want 0", n)
	}
	if n := r.CleanupExpired(start.Add(2 * time.Second)); n != 1 {
		t.Errorf("CleanupExpired = %d, want 1", n)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after expiry", r.Pending())
	}
}
