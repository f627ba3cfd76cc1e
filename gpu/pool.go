package gpu

import (
	"time"
)

// poolKey buckets idle buffers by exact aligned size and capability.
// A request only ever hits an entry that matches both.
type poolKey struct {
	size       uint64
	capability Capability
}

// poolEntry is one idle buffer plus the bookkeeping the eviction and
// sweep policies need.
type poolEntry struct {
	buf            *LogicalBuffer
	lastReleasedAt time.Time
}

// bufferPool caches released non-persistent buffers for reuse. Entries
// live in per-(size, capability) buckets ordered oldest-first; acquire
// takes from the tail (most recently released), eviction drops the
// head (strict LRU).
type bufferPool struct {
	buckets      map[poolKey][]*poolEntry
	maxPerBucket int
	maxIdleAge   time.Duration
	accountant   *memoryAccountant
	now          func() time.Time // swapped out by tests
}

func newBufferPool(acct *memoryAccountant, maxPerBucket int, maxIdleAge time.Duration) *bufferPool {
	return &bufferPool{
		buckets:      make(map[poolKey][]*poolEntry),
		maxPerBucket: maxPerBucket,
		maxIdleAge:   maxIdleAge,
		accountant:   acct,
		now:          time.Now,
	}
}

// acquire returns the most recently released idle buffer matching
// (size, capability) exactly, or nil on a miss. On a hit the buffer's
// bytes move from the pooled to the active count and its reuse counter
// is bumped.
func (p *bufferPool) acquire(size uint64, capability Capability) *LogicalBuffer {
	key := poolKey{size: alignUp(size), capability: capability}
	bucket := p.buckets[key]
	if len(bucket) == 0 {
		p.accountant.misses++
		return nil
	}

	entry := bucket[len(bucket)-1]
	p.buckets[key] = bucket[:len(bucket)-1]

	p.accountant.hits++
	p.accountant.reuses++
	p.accountant.fromPool(entry.buf.ByteSize)

	entry.buf.reuseCount++
	entry.buf.State = StateBound
	return entry.buf
}

// release parks a non-persistent buffer in its bucket. If the bucket is
// already full the oldest entry is evicted and its device memory
// destroyed to make room. Persistent buffers are never pooled; callers
// retire those directly.
func (p *bufferPool) release(buf *LogicalBuffer) {
	key := poolKey{size: buf.ByteSize, capability: buf.Capability}
	bucket := p.buckets[key]

	if len(bucket) >= p.maxPerBucket {
		oldest := bucket[0]
		bucket = bucket[1:]
		p.accountant.evictions++
		p.accountant.evicted(oldest.buf.ByteSize)
		oldest.buf.retire()
		logger().Warn("pool bucket full, evicted oldest",
			"size", oldest.buf.ByteSize, "capability", oldest.buf.Capability.String())
	}

	buf.State = StateFree
	p.accountant.toPool(buf.ByteSize)
	p.buckets[key] = append(bucket, &poolEntry{buf: buf, lastReleasedAt: p.now()})
}

// sweep retires every entry that has sat idle longer than maxIdleAge.
// Abandoned readback staging buffers are reclaimed through this path.
func (p *bufferPool) sweep() int {
	cutoff := p.now().Add(-p.maxIdleAge)
	swept := 0
	for key, bucket := range p.buckets {
		kept := bucket[:0]
		for _, entry := range bucket {
			if entry.lastReleasedAt.Before(cutoff) {
				p.accountant.evictions++
				p.accountant.evicted(entry.buf.ByteSize)
				entry.buf.retire()
				swept++
			} else {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(p.buckets, key)
		} else {
			p.buckets[key] = kept
		}
	}
	if swept > 0 {
		logger().Debug("pool sweep", "retired", swept)
	}
	return swept
}

// drain retires every pooled entry. Used at teardown.
func (p *bufferPool) drain() {
	for key, bucket := range p.buckets {
		for _, entry := range bucket {
			p.accountant.evicted(entry.buf.ByteSize)
			entry.buf.retire()
		}
		delete(p.buckets, key)
	}
}
