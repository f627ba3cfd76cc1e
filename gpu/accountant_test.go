package gpu

import (
	"errors"
	"testing"
)

func TestReserveAtCeiling(t *testing.T) {
	a := newMemoryAccountant(1048576)

	// Three 256 KiB reservations, then a fourth that lands exactly
	// on the ceiling.
	for i := 0; i < 3; i++ {
		if err := a.reserve(262144); err != nil {
			t.Fatalf("reserve %d failed: %v", i, err)
		}
	}
	if a.active != 786432 {
		t.Fatalf("active = %d, want 786432", a.active)
	}
	if err := a.reserve(262144); err != nil {
		t.Fatalf("reserve at exact ceiling failed: %v", err)
	}
	if a.active != 1048576 {
		t.Fatalf("active = %d, want 1048576", a.active)
	}

	// Any further request must fail without touching the counters.
	err := a.reserve(1)
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	if capErr.Ceiling != 1048576 || capErr.Requested != 1 {
		t.Errorf("CapacityError fields wrong: %+v", capErr)
	}
	if a.active != 1048576 {
		t.Errorf("rejected reserve changed active to %d", a.active)
	}
}

func TestPooledBytesCountAgainstCeiling(t *testing.T) {
	a := newMemoryAccountant(1024)
	if err := a.reserve(512); err != nil {
		t.Fatal(err)
	}
	a.toPool(512)
	if a.active != 0 || a.pooled != 512 {
		t.Fatalf("active/pooled = %d/%d, want 0/512", a.active, a.pooled)
	}

	// Pooled memory is still device-resident, so it still counts.
	if err := a.reserve(768); err == nil {
		t.Fatal("reserve over ceiling with pooled bytes should fail")
	}
	if err := a.reserve(512); err != nil {
		t.Fatalf("reserve within remaining headroom failed: %v", err)
	}

	a.fromPool(512)
	if a.active != 1024 || a.pooled != 0 {
		t.Errorf("active/pooled = %d/%d after fromPool, want 1024/0", a.active, a.pooled)
	}
}

func TestSnapshotAndReset(t *testing.T) {
	a := newMemoryAccountant(4096)
	_ = a.reserve(1024)
	a.toPool(256)
	a.hits = 3
	a.misses = 1

	s := a.snapshot()
	if s.ActiveBytes != 768 || s.PooledBytes != 256 || s.AllocatedBytes != 1024 {
		t.Errorf("snapshot = %+v", s)
	}
	if got := s.HitRate(); got != 0.75 {
		t.Errorf("hit rate = %v, want 0.75", got)
	}

	a.reset()
	s = a.snapshot()
	if s.ActiveBytes != 0 || s.PooledBytes != 0 || s.Hits != 0 || s.Misses != 0 {
		t.Errorf("reset left counters: %+v", s)
	}
	if s.HitRate() != 0 {
		t.Errorf("hit rate after reset = %v", s.HitRate())
	}
}
