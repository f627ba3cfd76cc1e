package gpu

import (
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// Config tunes one engine instance. The zero value gets defaults.
type Config struct {
	// CeilingBytes caps total accounted device memory (active +
	// pooled). Default 64 MiB, far above what a control-sized
	// network needs.
	CeilingBytes uint64
	// PoolMaxPerBucket bounds idle entries per (size, capability)
	// bucket. Default 8.
	PoolMaxPerBucket int
	// PoolMaxIdleAge is how long an idle pooled buffer survives a
	// sweep. Default 30s.
	PoolMaxIdleAge time.Duration
	// ReadbackTimeout bounds each host readback. Default 10s.
	ReadbackTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CeilingBytes == 0 {
		c.CeilingBytes = 64 << 20
	}
	if c.PoolMaxPerBucket == 0 {
		c.PoolMaxPerBucket = 8
	}
	if c.PoolMaxIdleAge == 0 {
		c.PoolMaxIdleAge = 30 * time.Second
	}
	if c.ReadbackTimeout == 0 {
		c.ReadbackTimeout = 10 * time.Second
	}
	return c
}

// abandonedBuffer is a staging buffer whose readback never resolved.
type abandonedBuffer struct {
	buf *LogicalBuffer
	at  time.Time
}

// Engine owns every mutable cache: the device context, accountant,
// buffer pool, resource registry and pipeline catalog. All state is
// instance fields; nothing ambient, nothing global. One logical
// submission goroutine drives it.
type Engine struct {
	cfg Config
	ctx *Context

	accountant *memoryAccountant
	pool       *bufferPool
	registry   *resourceRegistry
	catalog    *pipelineCatalog

	abandoned []abandonedBuffer
	netSeq    int
	torn      bool
	now       func() time.Time // swapped out by tests
}

// New acquires a device and compiles the engine's shader modules.
func New(cfg Config) (*Engine, error) {
	ctx, err := NewContext()
	if err != nil {
		return nil, err
	}
	e, err := newEngineWith(ctx, cfg)
	if err != nil {
		ctx.Release()
		return nil, err
	}
	return e, nil
}

func newEngineWith(ctx *Context, cfg Config) (*Engine, error) {
	e := &Engine{
		cfg: cfg.withDefaults(),
		ctx: ctx,
		now: time.Now,
	}
	e.accountant = newMemoryAccountant(e.cfg.CeilingBytes)
	e.pool = newBufferPool(e.accountant, e.cfg.PoolMaxPerBucket, e.cfg.PoolMaxIdleAge)
	e.registry = newResourceRegistry(e.pool, e.accountant, e.createBuffer)
	e.catalog = newPipelineCatalog(ctx.Device, e.registry)

	if _, err := e.catalog.compile("forward", forwardWGSL, forwardEntryPoints()); err != nil {
		return nil, err
	}
	if _, err := e.catalog.compile("training", trainingWGSL, trainingEntryPoints()); err != nil {
		e.registry.releasePrograms()
		return nil, err
	}

	logger().Info("engine ready", "ceiling", e.cfg.CeilingBytes)
	return e, nil
}

// createBuffer is the registry's factory for fresh device buffers.
func (e *Engine) createBuffer(name string, size uint64, capability Capability) (*wgpu.Buffer, error) {
	return e.ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: name,
		Size:  size,
		Usage: capability.usage(),
	})
}

// MemorySnapshot reports the current accounting and pool counters.
func (e *Engine) MemorySnapshot() MemoryStats {
	return e.accountant.snapshot()
}

// Sweep retires pooled entries and abandoned staging buffers older
// than the configured idle age. Callers run it periodically; the
// engine also runs it opportunistically after readbacks.
func (e *Engine) Sweep() {
	if e.torn {
		return
	}
	e.pool.sweep()

	cutoff := e.now().Add(-e.cfg.PoolMaxIdleAge)
	kept := e.abandoned[:0]
	for _, ab := range e.abandoned {
		if ab.at.Before(cutoff) {
			e.accountant.release(ab.buf.ByteSize)
			ab.buf.retire()
		} else {
			kept = append(kept, ab)
		}
	}
	e.abandoned = kept
}

// Teardown destroys every persistent buffer, drains the pool, releases
// all pipelines and the device chain, and zeroes the counters.
// Idempotent: a second call is a no-op.
func (e *Engine) Teardown() {
	if e.torn {
		return
	}
	e.torn = true

	for _, ab := range e.abandoned {
		ab.buf.retire()
	}
	e.abandoned = nil

	e.registry.releaseAll()
	e.registry.releasePrograms()
	e.accountant.reset()
	e.ctx.Release()

	logger().Info("engine torn down")
}
