package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// BindingSet assigns logical buffers to a program's binding slots. It
// is validated once against the program's slot contract and then
// reused across dispatch cycles; the underlying wgpu bind group is
// created lazily on first dispatch and cached.
type BindingSet struct {
	program *ProgramHandle
	slots   map[int]*LogicalBuffer // binding index -> buffer

	group *wgpu.BindGroup
}

// NewBindingSet builds a binding set for handle. The slot map is keyed
// by binding index; validation happens in Validate, not here, so a set
// can be constructed incrementally.
func NewBindingSet(handle *ProgramHandle, slots map[int]*LogicalBuffer) *BindingSet {
	bs := &BindingSet{
		program: handle,
		slots:   make(map[int]*LogicalBuffer, len(slots)),
	}
	for idx, buf := range slots {
		bs.slots[idx] = buf
	}
	return bs
}

// Validate checks that every contract slot is filled and every bound
// buffer's capability satisfies its slot's requirement. Called before
// any dispatch is recorded; a failure aborts the whole stage sequence.
func (bs *BindingSet) Validate() error {
	for _, spec := range bs.program.Slots {
		buf := bs.slots[spec.Binding]
		if buf == nil {
			return &ValidationError{
				Op:     "bind " + bs.program.EntryPoint,
				Detail: fmt.Sprintf("slot %d of %d is unfilled", spec.Binding, len(bs.program.Slots)),
			}
		}
		if buf.State == StateRetired {
			return &ValidationError{
				Op:     "bind " + bs.program.EntryPoint,
				Detail: fmt.Sprintf("slot %d buffer %q is retired", spec.Binding, buf.Name),
			}
		}
		if !buf.Capability.satisfies(spec.Requires) {
			return &ValidationError{
				Op: "bind " + bs.program.EntryPoint,
				Detail: fmt.Sprintf("slot %d needs %s, buffer %q is %s",
					spec.Binding, spec.Requires.String(), buf.Name, buf.Capability.String()),
			}
		}
	}
	return nil
}

// realize creates (or returns the cached) wgpu bind group. Validate
// must have succeeded first.
func (bs *BindingSet) realize(device *wgpu.Device) (*wgpu.BindGroup, error) {
	if bs.group != nil {
		return bs.group, nil
	}
	entries := make([]wgpu.BindGroupEntry, 0, len(bs.program.Slots))
	for _, spec := range bs.program.Slots {
		buf := bs.slots[spec.Binding]
		entries = append(entries, wgpu.BindGroupEntry{
			Binding: uint32(spec.Binding),
			Buffer:  buf.raw,
			Size:    buf.raw.GetSize(),
		})
	}
	group, err := device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   bs.program.EntryPoint + "_bind",
		Layout:  bs.program.pipeline.GetBindGroupLayout(0),
		Entries: entries,
	})
	if err != nil {
		return nil, &DeviceExecutionError{Op: "create bind group " + bs.program.EntryPoint, Err: err}
	}
	bs.group = group
	return group, nil
}

// invalidate drops the cached bind group, forcing re-creation on the
// next dispatch. Needed if a slot's backing buffer is replaced.
func (bs *BindingSet) invalidate() {
	if bs.group != nil {
		bs.group.Release()
		bs.group = nil
	}
}
