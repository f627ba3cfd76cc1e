package gpu

import (
	"github.com/openfluke/webgpu/wgpu"
)

// bufferAlignment is the boundary every logical buffer size is rounded
// up to. 256 bytes satisfies WebGPU's minimum storage and uniform
// binding alignments.
const bufferAlignment = 256

// alignUp rounds n up to the next multiple of bufferAlignment.
func alignUp(n uint64) uint64 {
	return (n + bufferAlignment - 1) &^ uint64(bufferAlignment-1)
}

// Capability is the access mode a buffer is created with. It never
// changes after creation and is checked against binding-slot contracts
// at bind time.
type Capability int

const (
	CapStorageRO Capability = iota // read-only storage
	CapStorageRW                   // read-write storage
	CapStorageWO                   // write-only storage (bound as read_write in WGSL)
	CapUniform                     // uniform parameters
	CapUpload                      // host-visible upload staging
	CapDownload                    // host-visible download staging
)

func (c Capability) String() string {
	switch c {
	case CapStorageRO:
		return "storage-ro"
	case CapStorageRW:
		return "storage-rw"
	case CapStorageWO:
		return "storage-wo"
	case CapUniform:
		return "uniform"
	case CapUpload:
		return "upload-staging"
	case CapDownload:
		return "download-staging"
	}
	return "unknown"
}

// usage maps a capability to the wgpu usage flags a fresh device buffer
// is created with.
func (c Capability) usage() wgpu.BufferUsage {
	switch c {
	case CapStorageRO, CapStorageRW, CapStorageWO:
		return wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc
	case CapUniform:
		return wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
	case CapUpload:
		return wgpu.BufferUsageMapWrite | wgpu.BufferUsageCopySrc
	case CapDownload:
		return wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst
	}
	return 0
}

// satisfies reports whether a buffer with capability c may fill a slot
// that requires want. Read-write storage may stand in for read-only
// slots; everything else must match exactly.
func (c Capability) satisfies(want Capability) bool {
	if c == want {
		return true
	}
	return c == CapStorageRW && want == CapStorageRO
}

// LifecycleState tracks where a logical buffer currently lives.
type LifecycleState int

const (
	StateFree    LifecycleState = iota // idle in a pool bucket
	StateBound                         // owned by the registry under a name
	StateRetired                       // device buffer destroyed
)

// LogicalBuffer is one named device-resident allocation. The engine
// hands these out; raw wgpu buffers are never exposed to callers.
type LogicalBuffer struct {
	Name       string
	ByteSize   uint64 // aligned
	Capability Capability
	Persistent bool
	State      LifecycleState

	raw        *wgpu.Buffer
	reuseCount int
}

// ReuseCount reports how many times this buffer has been handed back
// out of the pool.
func (b *LogicalBuffer) ReuseCount() int { return b.reuseCount }

// retire destroys the backing device buffer, if any.
func (b *LogicalBuffer) retire() {
	if b.raw != nil {
		b.raw.Destroy()
		b.raw = nil
	}
	b.State = StateRetired
}
