package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// SlotSpec is one entry of a program's binding contract: the @binding
// index within group 0 and the buffer capability that slot requires.
type SlotSpec struct {
	Binding  int
	Requires Capability
}

// EntryPoint declares one compute entry point of a shader source and
// the ordered binding-slot contract its dispatches must satisfy.
// Entry points sharing a source may use disjoint subsets of the
// module's bindings, so each contract carries explicit indices.
type EntryPoint struct {
	Name  string
	Slots []SlotSpec
}

// ProgramHandle is a compiled, dispatch-ready compute pipeline plus the
// slot contract it was declared with. Immutable after creation;
// released only at engine teardown.
type ProgramHandle struct {
	EntryPoint string
	Slots      []SlotSpec

	pipeline *wgpu.ComputePipeline
}

func (h *ProgramHandle) release() {
	if h.pipeline != nil {
		h.pipeline.Release()
		h.pipeline = nil
	}
}

// pipelineCatalog compiles shader sources into ProgramHandles and hands
// them to the registry for named lookup.
type pipelineCatalog struct {
	device   *wgpu.Device
	registry *resourceRegistry
}

func newPipelineCatalog(device *wgpu.Device, registry *resourceRegistry) *pipelineCatalog {
	return &pipelineCatalog{device: device, registry: registry}
}

// compile builds one pipeline per requested entry point from a single
// WGSL source. A failure for one entry point is logged and that entry
// point omitted; producing no pipeline at all from the source is fatal.
func (c *pipelineCatalog) compile(label, source string, entries []EntryPoint) (map[string]*ProgramHandle, error) {
	module, err := c.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: source},
	})
	if err != nil {
		return nil, &PipelineCreationError{Label: label, Failures: map[string]error{"(module)": err}}
	}
	defer module.Release()

	handles := make(map[string]*ProgramHandle, len(entries))
	failures := make(map[string]error)

	for _, entry := range entries {
		pipeline, err := c.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
			Label: fmt.Sprintf("%s/%s", label, entry.Name),
			Compute: wgpu.ProgrammableStageDescriptor{
				Module:     module,
				EntryPoint: entry.Name,
			},
		})
		if err != nil {
			logger().Warn("entry point failed to compile",
				"shader", label, "entry", entry.Name, "err", err)
			failures[entry.Name] = err
			continue
		}
		h := &ProgramHandle{
			EntryPoint: entry.Name,
			Slots:      append([]SlotSpec(nil), entry.Slots...),
			pipeline:   pipeline,
		}
		handles[entry.Name] = h
		c.registry.registerProgram(h)
	}

	if len(handles) == 0 {
		return nil, &PipelineCreationError{Label: label, Failures: failures}
	}
	return handles, nil
}

// get resolves a compiled program by entry point name.
func (c *pipelineCatalog) get(entryPoint string) (*ProgramHandle, error) {
	return c.registry.program(entryPoint)
}
