package gpu

import "log/slog"

// MemoryStats is a point-in-time snapshot of the accountant and pool
// counters.
type MemoryStats struct {
	ActiveBytes    uint64 // bound to registry names
	PooledBytes    uint64 // idle in pool buckets
	AllocatedBytes uint64 // active + pooled
	CeilingBytes   uint64

	Hits      uint64
	Misses    uint64
	Evictions uint64
	Reuses    uint64
}

// HitRate is hits / (hits + misses), or 0 before any acquire.
func (s MemoryStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// LogValue lets MemoryStats be logged as a single structured group.
func (s MemoryStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("active", s.ActiveBytes),
		slog.Uint64("pooled", s.PooledBytes),
		slog.Uint64("ceiling", s.CeilingBytes),
		slog.Float64("hit_rate", s.HitRate()),
	)
}

// memoryAccountant gate-keeps every device allocation against a byte
// ceiling. All calls arrive on the single submission goroutine, so no
// internal locking is needed; reserve is check-and-increment in one
// step from that goroutine's point of view.
type memoryAccountant struct {
	ceiling uint64
	active  uint64
	pooled  uint64

	hits      uint64
	misses    uint64
	evictions uint64
	reuses    uint64
}

func newMemoryAccountant(ceiling uint64) *memoryAccountant {
	return &memoryAccountant{ceiling: ceiling}
}

// reserve accounts bytes as active, or fails with CapacityError leaving
// the counters untouched. A rejected reserve never partially applies.
func (a *memoryAccountant) reserve(bytes uint64) error {
	if a.active+a.pooled+bytes > a.ceiling {
		return &CapacityError{Requested: bytes, Active: a.active + a.pooled, Ceiling: a.ceiling}
	}
	a.active += bytes
	return nil
}

// release returns bytes from active.
func (a *memoryAccountant) release(bytes uint64) {
	if bytes > a.active {
		bytes = a.active
	}
	a.active -= bytes
}

// toPool moves bytes from the active count to the pooled count; the
// memory stays allocated on the device.
func (a *memoryAccountant) toPool(bytes uint64) {
	a.release(bytes)
	a.pooled += bytes
}

// fromPool moves bytes back from pooled to active on a pool hit.
func (a *memoryAccountant) fromPool(bytes uint64) {
	if bytes > a.pooled {
		bytes = a.pooled
	}
	a.pooled -= bytes
	a.active += bytes
}

// evicted drops bytes from the pooled count entirely.
func (a *memoryAccountant) evicted(bytes uint64) {
	if bytes > a.pooled {
		bytes = a.pooled
	}
	a.pooled -= bytes
}

func (a *memoryAccountant) snapshot() MemoryStats {
	return MemoryStats{
		ActiveBytes:    a.active,
		PooledBytes:    a.pooled,
		AllocatedBytes: a.active + a.pooled,
		CeilingBytes:   a.ceiling,
		Hits:           a.hits,
		Misses:         a.misses,
		Evictions:      a.evictions,
		Reuses:         a.reuses,
	}
}

func (a *memoryAccountant) reset() {
	a.active = 0
	a.pooled = 0
	a.hits = 0
	a.misses = 0
	a.evictions = 0
	a.reuses = 0
}
