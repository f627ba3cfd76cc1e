package gpu

import (
	"fmt"
	"sort"

	"github.com/openfluke/webgpu/wgpu"
)

// createBufferFunc makes a fresh device buffer. The engine supplies the
// real wgpu-backed implementation; tests substitute a stub so pool and
// registry bookkeeping can be exercised without an adapter.
type createBufferFunc func(name string, size uint64, capability Capability) (*wgpu.Buffer, error)

// resourceRegistry is the single source of truth for named buffers,
// programs and binding sets. Everything else in the engine resolves
// resources through it by name.
type resourceRegistry struct {
	buffers  map[string]*LogicalBuffer
	programs map[string]*ProgramHandle
	bindings map[string]*BindingSet

	pool       *bufferPool
	accountant *memoryAccountant
	create     createBufferFunc
}

func newResourceRegistry(pool *bufferPool, acct *memoryAccountant, create createBufferFunc) *resourceRegistry {
	return &resourceRegistry{
		buffers:    make(map[string]*LogicalBuffer),
		programs:   make(map[string]*ProgramHandle),
		bindings:   make(map[string]*BindingSet),
		pool:       pool,
		accountant: acct,
		create:     create,
	}
}

// allocate binds a logical buffer under name, reusing a pooled buffer
// when one matches (size, capability) exactly and falling back to a
// fresh, accountant-gated device allocation on a miss. Allocating over
// an existing name is a caller bug.
func (r *resourceRegistry) allocate(name string, size uint64, capability Capability, persistent, allowReuse bool) (*LogicalBuffer, error) {
	if _, ok := r.buffers[name]; ok {
		return nil, &ValidationError{Op: "allocate", Detail: fmt.Sprintf("buffer %q already bound", name)}
	}

	aligned := alignUp(size)

	if buf := r.acquirePooled(aligned, capability, allowReuse); buf != nil {
		buf.Name = name
		buf.Persistent = persistent
		r.buffers[name] = buf
		logger().Debug("pool hit", "name", name, "size", aligned, "reuse", buf.reuseCount)
		return buf, nil
	}

	if err := r.accountant.reserve(aligned); err != nil {
		return nil, err
	}
	raw, err := r.create(name, aligned, capability)
	if err != nil {
		r.accountant.release(aligned)
		return nil, &DeviceExecutionError{Op: "create buffer " + name, Err: err}
	}

	buf := &LogicalBuffer{
		Name:       name,
		ByteSize:   aligned,
		Capability: capability,
		Persistent: persistent,
		State:      StateBound,
		raw:        raw,
	}
	r.buffers[name] = buf
	logger().Debug("allocated buffer", "name", name, "size", aligned, "capability", capability.String())
	return buf, nil
}

func (r *resourceRegistry) acquirePooled(size uint64, capability Capability, allowReuse bool) *LogicalBuffer {
	if !allowReuse {
		return nil
	}
	return r.pool.acquire(size, capability)
}

// lookup resolves a buffer by name.
func (r *resourceRegistry) lookup(name string) (*LogicalBuffer, error) {
	buf, ok := r.buffers[name]
	if !ok {
		return nil, &MissingResourceError{Kind: "buffer", Name: name, Known: r.knownBuffers()}
	}
	return buf, nil
}

// release unbinds name. Non-persistent buffers go back to the pool;
// persistent ones are destroyed outright when destroyPersistent is set
// (teardown) and stay bound otherwise.
func (r *resourceRegistry) release(name string, destroyPersistent bool) error {
	buf, ok := r.buffers[name]
	if !ok {
		return &MissingResourceError{Kind: "buffer", Name: name, Known: r.knownBuffers()}
	}
	if buf.Persistent {
		if !destroyPersistent {
			return nil
		}
		delete(r.buffers, name)
		r.accountant.release(buf.ByteSize)
		buf.retire()
		return nil
	}
	delete(r.buffers, name)
	buf.Name = ""
	r.pool.release(buf)
	return nil
}

// rollback undoes one allocate made by a failed multi-buffer
// transaction. A pool hit goes back to its bucket with its reuse count
// restored; a fresh creation is retired and its accounting released.
func (r *resourceRegistry) rollback(name string, fromPool bool) {
	buf, ok := r.buffers[name]
	if !ok {
		return
	}
	delete(r.buffers, name)
	if fromPool {
		buf.Name = ""
		buf.reuseCount--
		r.pool.release(buf)
		return
	}
	r.accountant.release(buf.ByteSize)
	buf.retire()
}

// releaseAll clears every binding. Persistent buffers are destroyed,
// pooled buffers drained. Used at teardown.
func (r *resourceRegistry) releaseAll() {
	for name := range r.buffers {
		_ = r.release(name, true)
	}
	r.pool.drain()
}

func (r *resourceRegistry) knownBuffers() []string {
	keys := make([]string, 0, len(r.buffers))
	for k := range r.buffers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// registerProgram stores a compiled program under its entry point name.
func (r *resourceRegistry) registerProgram(h *ProgramHandle) {
	r.programs[h.EntryPoint] = h
}

func (r *resourceRegistry) program(entryPoint string) (*ProgramHandle, error) {
	h, ok := r.programs[entryPoint]
	if !ok {
		keys := make([]string, 0, len(r.programs))
		for k := range r.programs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, &MissingResourceError{Kind: "program", Name: entryPoint, Known: keys}
	}
	return h, nil
}

// registerBinding stores a validated binding set for reuse across
// dispatch cycles.
func (r *resourceRegistry) registerBinding(name string, bs *BindingSet) {
	r.bindings[name] = bs
}

func (r *resourceRegistry) binding(name string) (*BindingSet, error) {
	bs, ok := r.bindings[name]
	if !ok {
		keys := make([]string, 0, len(r.bindings))
		for k := range r.bindings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, &MissingResourceError{Kind: "binding set", Name: name, Known: keys}
	}
	return bs, nil
}

// forget unbinds a name without pooling or destroying the buffer. Used
// for abandoned readback staging, which the engine's sweep owns from
// then on.
func (r *resourceRegistry) forget(name string) {
	delete(r.buffers, name)
}

// dropBindings removes every binding set whose name carries prefix.
// Called when a network's buffer set is released.
func (r *resourceRegistry) dropBindings(prefix string) {
	for name, bs := range r.bindings {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			bs.invalidate()
			delete(r.bindings, name)
		}
	}
}

// releasePrograms drops every compiled pipeline. Used at teardown.
func (r *resourceRegistry) releasePrograms() {
	for name, h := range r.programs {
		h.release()
		delete(r.programs, name)
	}
	for name := range r.bindings {
		delete(r.bindings, name)
	}
}
