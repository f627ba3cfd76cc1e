package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// AllocOptions controls how a network's buffer set is allocated.
type AllocOptions struct {
	// Persistent keeps weight and bias buffers alive across
	// Release; they are destroyed only at engine teardown or an
	// explicit destroying Release.
	Persistent bool
	// AllowReuse lets the allocation pass satisfy requests from the
	// buffer pool before creating fresh device memory.
	AllowReuse bool
}

// NetworkBuffers is the named logical buffer set for one network
// instance, together with the binding sets derived once from its
// architecture and reused across dispatch cycles.
type NetworkBuffers struct {
	Arch   Architecture
	prefix string

	engine   *Engine
	released bool

	// forward stages
	bindInHidden  *BindingSet
	bindActivate  *BindingSet
	bindHiddenOut *BindingSet

	// training stages, dispatch order as listed
	bindTDError   *BindingSet
	bindOutWeight *BindingSet
	bindOutBias   *BindingSet
	bindHidWeight *BindingSet
	bindHidBias   *BindingSet
}

// AllocateNetworkBuffers validates arch, allocates its full named
// buffer plan through the registry (pool-first when opts.AllowReuse),
// and derives the forward and training binding sets.
func (e *Engine) AllocateNetworkBuffers(arch Architecture, opts AllocOptions) (*NetworkBuffers, error) {
	if e.torn {
		return nil, &ValidationError{Op: "allocate network", Detail: "engine is torn down"}
	}
	if err := arch.Validate(e.cfg.CeilingBytes); err != nil {
		return nil, err
	}

	net := &NetworkBuffers{
		Arch:   arch,
		prefix: fmt.Sprintf("net%d", e.netSeq),
		engine: e,
	}
	e.netSeq++

	type allocRecord struct {
		name     string
		fromPool bool
	}
	before := e.accountant.snapshot()
	allocated := make([]allocRecord, 0, 20)

	// Transactional rejection: a failure anywhere in the plan undoes
	// every allocation this call made. Pool hits go back to their
	// buckets, fresh creations are retired, and the counters the pass
	// bumped are restored, so a rejected call leaves the registry, pool
	// and accounting exactly as it found them.
	unwind := func() {
		for _, rec := range allocated {
			e.registry.rollback(rec.name, rec.fromPool)
		}
		e.accountant.hits = before.Hits
		e.accountant.misses = before.Misses
		e.accountant.evictions = before.Evictions
		e.accountant.reuses = before.Reuses
	}

	for _, p := range arch.plan(opts.Persistent) {
		name := net.prefix + "/" + p.name
		hits := e.accountant.hits
		if _, err := e.registry.allocate(name, p.size, p.capability, p.persistent, opts.AllowReuse); err != nil {
			unwind()
			return nil, err
		}
		allocated = append(allocated, allocRecord{name: name, fromPool: e.accountant.hits > hits})
	}

	if err := net.deriveBindings(); err != nil {
		unwind()
		return nil, err
	}

	logger().Debug("network buffers allocated",
		"prefix", net.prefix, "footprint", arch.footprint())
	return net, nil
}

// buffer resolves one of this network's logical buffers.
func (n *NetworkBuffers) buffer(base string) (*LogicalBuffer, error) {
	return n.engine.registry.lookup(n.prefix + "/" + base)
}

func (n *NetworkBuffers) mustBuffer(base string) *LogicalBuffer {
	buf, err := n.buffer(base)
	if err != nil {
		panic(err) // plan and lookup are both engine-owned; a miss is an engine bug
	}
	return buf
}

// deriveBindings builds and validates every stage's binding set once.
func (n *NetworkBuffers) deriveBindings() error {
	get := func(entry string) (*ProgramHandle, error) { return n.engine.catalog.get(entry) }

	linear, err := get("linear_forward")
	if err != nil {
		return err
	}
	relu, err := get("relu_activation")
	if err != nil {
		return err
	}

	input := n.mustBuffer(bufInput)
	wHidden := n.mustBuffer(bufWeightsHidden)
	bHidden := n.mustBuffer(bufBiasHidden)
	hidden := n.mustBuffer(bufHidden)
	wOut := n.mustBuffer(bufWeightsOut)
	bOut := n.mustBuffer(bufBiasOut)
	output := n.mustBuffer(bufOutput)

	n.bindInHidden = NewBindingSet(linear, map[int]*LogicalBuffer{
		0: input, 1: wHidden, 2: bHidden, 3: hidden, 4: n.mustBuffer(bufForwardParams),
	})
	n.bindActivate = NewBindingSet(relu, map[int]*LogicalBuffer{
		3: hidden, 4: n.mustBuffer(bufActParams),
	})
	n.bindHiddenOut = NewBindingSet(linear, map[int]*LogicalBuffer{
		0: hidden, 1: wOut, 2: bOut, 3: output, 4: n.mustBuffer(bufOutParams),
	})

	trainSets := []struct {
		entry string
		dst   **BindingSet
		slots map[int]*LogicalBuffer
	}{
		{"td_error", &n.bindTDError, map[int]*LogicalBuffer{
			0:  output,
			1:  n.mustBuffer(bufTargetQ),
			2:  n.mustBuffer(bufActions),
			3:  n.mustBuffer(bufRewards),
			4:  n.mustBuffer(bufDoneFlags),
			5:  n.mustBuffer(bufTDErrors),
			13: n.mustBuffer(bufTrainParams),
		}},
		{"update_output_weights", &n.bindOutWeight, map[int]*LogicalBuffer{
			2:  n.mustBuffer(bufActions),
			5:  n.mustBuffer(bufTDErrors),
			6:  hidden,
			8:  wOut,
			13: n.mustBuffer(bufTrainParams),
		}},
		{"update_output_bias", &n.bindOutBias, map[int]*LogicalBuffer{
			2:  n.mustBuffer(bufActions),
			5:  n.mustBuffer(bufTDErrors),
			9:  bOut,
			13: n.mustBuffer(bufTrainParams),
		}},
		{"update_hidden_weights", &n.bindHidWeight, map[int]*LogicalBuffer{
			2:  n.mustBuffer(bufActions),
			5:  n.mustBuffer(bufTDErrors),
			6:  hidden,
			7:  input,
			10: wHidden,
			12: n.mustBuffer(bufWeightsOutSnap),
			13: n.mustBuffer(bufTrainParams),
		}},
		{"update_hidden_bias", &n.bindHidBias, map[int]*LogicalBuffer{
			2:  n.mustBuffer(bufActions),
			5:  n.mustBuffer(bufTDErrors),
			6:  hidden,
			11: bHidden,
			12: n.mustBuffer(bufWeightsOutSnap),
			13: n.mustBuffer(bufTrainParams),
		}},
	}
	for _, ts := range trainSets {
		handle, err := get(ts.entry)
		if err != nil {
			return err
		}
		bs := NewBindingSet(handle, ts.slots)
		if err := bs.Validate(); err != nil {
			return err
		}
		*ts.dst = bs
		n.engine.registry.registerBinding(n.prefix+"/"+ts.entry, bs)
	}

	for name, bs := range map[string]*BindingSet{
		"in_hidden":  n.bindInHidden,
		"activation": n.bindActivate,
		"hidden_out": n.bindHiddenOut,
	} {
		if err := bs.Validate(); err != nil {
			return err
		}
		n.engine.registry.registerBinding(n.prefix+"/"+name, bs)
	}
	return nil
}

// ensureStaging resolves a staging buffer, reallocating it if an
// abandoned readback caused its name to be forgotten.
func (n *NetworkBuffers) ensureStaging(base string, size uint64) (*LogicalBuffer, error) {
	if buf, err := n.buffer(base); err == nil && buf.State != StateRetired {
		return buf, nil
	}
	return n.engine.registry.allocate(n.prefix+"/"+base, size, CapDownload, false, true)
}

// Weights is a flat-array view of the network parameters, order-matched
// to the architecture's declared shapes: hidden weights input-major
// [in*hidden], output weights hidden-major [hidden*out].
type Weights struct {
	HiddenWeights []float32
	HiddenBias    []float32
	OutputWeights []float32
	OutputBias    []float32
}

// UploadWeights writes flat parameter arrays into the device-resident
// weight buffers.
func (n *NetworkBuffers) UploadWeights(w Weights) error {
	a := n.Arch
	if len(w.HiddenWeights) != a.InputSize*a.HiddenSize ||
		len(w.HiddenBias) != a.HiddenSize ||
		len(w.OutputWeights) != a.HiddenSize*a.OutputSize ||
		len(w.OutputBias) != a.OutputSize {
		return &ValidationError{Op: "upload weights",
			Detail: fmt.Sprintf("shapes do not match architecture %+v", a)}
	}

	queue := n.engine.ctx.Queue
	queue.WriteBuffer(n.mustBuffer(bufWeightsHidden).raw, 0, wgpu.ToBytes(w.HiddenWeights))
	queue.WriteBuffer(n.mustBuffer(bufBiasHidden).raw, 0, wgpu.ToBytes(w.HiddenBias))
	queue.WriteBuffer(n.mustBuffer(bufWeightsOut).raw, 0, wgpu.ToBytes(w.OutputWeights))
	queue.WriteBuffer(n.mustBuffer(bufBiasOut).raw, 0, wgpu.ToBytes(w.OutputBias))
	return nil
}

// DownloadWeights reads the trained parameters back as flat arrays.
func (n *NetworkBuffers) DownloadWeights() (Weights, error) {
	a := n.Arch
	var w Weights
	var err error
	if w.HiddenWeights, err = n.engine.readStorage(n.mustBuffer(bufWeightsHidden), a.InputSize*a.HiddenSize); err != nil {
		return Weights{}, err
	}
	if w.HiddenBias, err = n.engine.readStorage(n.mustBuffer(bufBiasHidden), a.HiddenSize); err != nil {
		return Weights{}, err
	}
	if w.OutputWeights, err = n.engine.readStorage(n.mustBuffer(bufWeightsOut), a.HiddenSize*a.OutputSize); err != nil {
		return Weights{}, err
	}
	if w.OutputBias, err = n.engine.readStorage(n.mustBuffer(bufBiasOut), a.OutputSize); err != nil {
		return Weights{}, err
	}
	return w, nil
}

// Release returns this network's non-persistent buffers to the pool and
// destroys its persistent ones. Idempotent.
func (n *NetworkBuffers) Release() {
	if n.released {
		return
	}
	n.released = true
	for _, p := range n.Arch.plan(true) {
		_ = n.engine.registry.release(n.prefix+"/"+p.name, true)
	}
	n.engine.registry.dropBindings(n.prefix + "/")
}
