package gpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// Hyperparameters for one Q-learning training step.
type Hyperparameters struct {
	LearningRate float32
	Gamma        float32
	Epsilon      float32
	ClipNorm     float32
}

// TrainingBatch carries the externally supplied tensors for one
// training step. TargetQ holds the next-state Q-values
// (batch*outputSize floats); Actions, Rewards and Dones are one entry
// per batch element.
type TrainingBatch struct {
	TargetQ []float32
	Actions []int
	Rewards []float32
	Dones   []bool
}

// shapeParams mirrors the ShapeParams uniform in forwardWGSL.
func shapeParams(m, k, n, size int) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], uint32(m))
	binary.LittleEndian.PutUint32(buf[4:], uint32(k))
	binary.LittleEndian.PutUint32(buf[8:], uint32(n))
	binary.LittleEndian.PutUint32(buf[12:], uint32(size))
	return buf
}

// trainParams mirrors the TrainParams uniform in trainingWGSL.
func trainParams(h Hyperparameters, a Architecture) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(h.LearningRate))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(h.Gamma))
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(h.ClipNorm))
	binary.LittleEndian.PutUint32(buf[12:], math.Float32bits(h.Epsilon))
	binary.LittleEndian.PutUint32(buf[16:], uint32(a.BatchSize))
	binary.LittleEndian.PutUint32(buf[20:], uint32(a.InputSize))
	binary.LittleEndian.PutUint32(buf[24:], uint32(a.HiddenSize))
	binary.LittleEndian.PutUint32(buf[28:], uint32(a.OutputSize))
	return buf
}

// RunForward executes the fixed forward sequence for one batch:
// IN->HIDDEN linear, in-place ReLU, HIDDEN->OUT linear, then a staged
// readback of the output buffer. The readback is the only host/device
// synchronization point; it honors ctx cancellation and the engine's
// readback timeout. Returns exactly batch*outputSize floats.
func (e *Engine) RunForward(ctx context.Context, net *NetworkBuffers, input []float32) ([]float32, error) {
	if e.torn {
		return nil, &ValidationError{Op: "forward", Detail: "engine is torn down"}
	}
	a := net.Arch
	if len(input) != a.BatchSize*a.InputSize {
		return nil, &ValidationError{Op: "forward",
			Detail: fmt.Sprintf("input has %d floats, want %d", len(input), a.BatchSize*a.InputSize)}
	}

	// Validate every stage before anything is written or submitted.
	for _, bs := range []*BindingSet{net.bindInHidden, net.bindActivate, net.bindHiddenOut} {
		if err := bs.Validate(); err != nil {
			return nil, err
		}
	}

	queue := e.ctx.Queue
	queue.WriteBuffer(net.mustBuffer(bufInput).raw, 0, wgpu.ToBytes(input))
	queue.WriteBuffer(net.mustBuffer(bufForwardParams).raw, 0,
		shapeParams(a.BatchSize, a.InputSize, a.HiddenSize, 0))
	queue.WriteBuffer(net.mustBuffer(bufActParams).raw, 0,
		shapeParams(0, 0, 0, a.BatchSize*a.HiddenSize))
	queue.WriteBuffer(net.mustBuffer(bufOutParams).raw, 0,
		shapeParams(a.BatchSize, a.HiddenSize, a.OutputSize, 0))

	enc, err := e.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, &DeviceExecutionError{Op: "create encoder", Err: err}
	}

	stages := []struct {
		bs      *BindingSet
		threads int
	}{
		{net.bindInHidden, a.BatchSize * a.HiddenSize},
		{net.bindActivate, a.BatchSize * a.HiddenSize},
		{net.bindHiddenOut, a.BatchSize * a.OutputSize},
	}
	for _, st := range stages {
		if err := e.dispatch(enc, st.bs, st.threads); err != nil {
			return nil, err
		}
	}

	output := net.mustBuffer(bufOutput)
	staging, err := net.ensureStaging(bufOutputStaging, floats(a.BatchSize*a.OutputSize))
	if err != nil {
		return nil, err
	}
	enc.CopyBufferToBuffer(output.raw, 0, staging.raw, 0, floats(a.BatchSize*a.OutputSize))

	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, &DeviceExecutionError{Op: "finish forward batch", Err: err}
	}
	queue.Submit(cmd)

	return e.readback(ctx, staging, a.BatchSize*a.OutputSize)
}

// RunTrainingStep executes the fixed training sequence. The forward
// pass must already have populated the hidden and output buffers for
// this batch. Stage order within one submission: snapshot of the
// output weights, TD-error, output-weight and output-bias updates,
// then hidden-weight and hidden-bias updates (which read the
// snapshot, so they observe pre-update output weights regardless of
// submission ordering). Returns the per-sample TD errors.
func (e *Engine) RunTrainingStep(ctx context.Context, net *NetworkBuffers, batch TrainingBatch, hyper Hyperparameters) ([]float32, error) {
	if e.torn {
		return nil, &ValidationError{Op: "train", Detail: "engine is torn down"}
	}
	a := net.Arch
	if len(batch.TargetQ) != a.BatchSize*a.OutputSize {
		return nil, &ValidationError{Op: "train",
			Detail: fmt.Sprintf("targetQ has %d floats, want %d", len(batch.TargetQ), a.BatchSize*a.OutputSize)}
	}
	if len(batch.Actions) != a.BatchSize || len(batch.Rewards) != a.BatchSize || len(batch.Dones) != a.BatchSize {
		return nil, &ValidationError{Op: "train",
			Detail: fmt.Sprintf("batch vectors must each have %d entries", a.BatchSize)}
	}
	for i, act := range batch.Actions {
		if act < 0 || act >= a.OutputSize {
			return nil, &ValidationError{Op: "train",
				Detail: fmt.Sprintf("action %d at index %d outside [0, %d)", act, i, a.OutputSize)}
		}
	}

	trainSets := []*BindingSet{
		net.bindTDError, net.bindOutWeight, net.bindOutBias, net.bindHidWeight, net.bindHidBias,
	}
	for _, bs := range trainSets {
		if err := bs.Validate(); err != nil {
			return nil, err
		}
	}

	actions := make([]float32, a.BatchSize)
	dones := make([]float32, a.BatchSize)
	for i := range batch.Actions {
		actions[i] = float32(batch.Actions[i])
		if batch.Dones[i] {
			dones[i] = 1
		}
	}

	queue := e.ctx.Queue
	queue.WriteBuffer(net.mustBuffer(bufTargetQ).raw, 0, wgpu.ToBytes(batch.TargetQ))
	queue.WriteBuffer(net.mustBuffer(bufActions).raw, 0, wgpu.ToBytes(actions))
	queue.WriteBuffer(net.mustBuffer(bufRewards).raw, 0, wgpu.ToBytes(batch.Rewards))
	queue.WriteBuffer(net.mustBuffer(bufDoneFlags).raw, 0, wgpu.ToBytes(dones))
	queue.WriteBuffer(net.mustBuffer(bufTrainParams).raw, 0, trainParams(hyper, a))

	enc, err := e.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, &DeviceExecutionError{Op: "create encoder", Err: err}
	}

	// Snapshot before any update stage runs.
	wOut := net.mustBuffer(bufWeightsOut)
	snap := net.mustBuffer(bufWeightsOutSnap)
	enc.CopyBufferToBuffer(wOut.raw, 0, snap.raw, 0, floats(a.HiddenSize*a.OutputSize))

	stages := []struct {
		bs      *BindingSet
		threads int
	}{
		{net.bindTDError, a.BatchSize},
		{net.bindOutWeight, a.HiddenSize * a.OutputSize},
		{net.bindOutBias, a.OutputSize},
		{net.bindHidWeight, a.InputSize * a.HiddenSize},
		{net.bindHidBias, a.HiddenSize},
	}
	for _, st := range stages {
		if err := e.dispatch(enc, st.bs, st.threads); err != nil {
			return nil, err
		}
	}

	tdErrors := net.mustBuffer(bufTDErrors)
	staging, err := net.ensureStaging(bufTDErrorStaging, floats(a.BatchSize))
	if err != nil {
		return nil, err
	}
	enc.CopyBufferToBuffer(tdErrors.raw, 0, staging.raw, 0, floats(a.BatchSize))

	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, &DeviceExecutionError{Op: "finish training batch", Err: err}
	}
	queue.Submit(cmd)

	return e.readback(ctx, staging, a.BatchSize)
}

// dispatch records one compute pass for a validated binding set.
func (e *Engine) dispatch(enc *wgpu.CommandEncoder, bs *BindingSet, threads int) error {
	group, err := bs.realize(e.ctx.Device)
	if err != nil {
		return err
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(bs.program.pipeline)
	pass.SetBindGroup(0, group, nil)
	pass.DispatchWorkgroups(dispatchGroups(threads), 1, 1)
	pass.End()
	logger().Debug("dispatched", "entry", bs.program.EntryPoint, "threads", threads)
	return nil
}

// readback maps a download staging buffer and copies size floats out.
// It polls the device until the map resolves, ctx is cancelled, or the
// engine's readback timeout elapses. A stalled map is a TimeoutError; a
// caller-initiated cancellation surfaces the wrapped ctx error instead,
// so the two are distinguishable. Either way the buffer is parked on
// the abandoned list and the age-based sweep reclaims it later, so pool
// and accounting state stay consistent.
func (e *Engine) readback(ctx context.Context, staging *LogicalBuffer, size int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		// Nothing is mapped yet; the buffer stays bound and usable.
		return nil, fmt.Errorf("gpu: readback %s: %w", staging.Name, err)
	}
	byteSize := uint64(size * 4)

	done := make(chan struct{})
	var mapErr error
	err := staging.raw.MapAsync(wgpu.MapModeRead, 0, byteSize, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = &DeviceExecutionError{Op: "map " + staging.Name,
				Err: fmt.Errorf("map status %d", status)}
		}
		close(done)
	})
	if err != nil {
		return nil, &DeviceExecutionError{Op: "map " + staging.Name, Err: err}
	}

	timeout := e.cfg.ReadbackTimeout
	deadline := time.After(timeout)
Loop:
	for {
		e.ctx.Device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-ctx.Done():
			e.abandon(staging)
			return nil, fmt.Errorf("gpu: readback %s abandoned: %w", staging.Name, ctx.Err())
		case <-deadline:
			logger().Warn("readback timed out", "buffer", staging.Name, "timeout", timeout)
			e.abandon(staging)
			return nil, &TimeoutError{Op: "readback " + staging.Name, Elapsed: timeout.String()}
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if mapErr != nil {
		return nil, mapErr
	}

	data := staging.raw.GetMappedRange(0, uint(byteSize))
	if data == nil {
		staging.raw.Unmap()
		return nil, &DeviceExecutionError{Op: "map " + staging.Name,
			Err: fmt.Errorf("mapped range is nil")}
	}
	out := make([]float32, size)
	copy(out, wgpu.FromBytes[float32](data))
	staging.raw.Unmap()

	return out, nil
}

// readStorage copies size floats out of any storage buffer through a
// pooled download staging buffer. The staging buffer goes straight back
// to the pool afterwards, so repeated reads of same-sized buffers reuse
// one allocation.
func (e *Engine) readStorage(src *LogicalBuffer, size int) ([]float32, error) {
	byteSize := floats(size)

	staging := e.pool.acquire(byteSize, CapDownload)
	if staging == nil {
		if err := e.accountant.reserve(byteSize); err != nil {
			return nil, err
		}
		raw, err := e.createBuffer("read_staging", byteSize, CapDownload)
		if err != nil {
			e.accountant.release(byteSize)
			return nil, &DeviceExecutionError{Op: "create staging", Err: err}
		}
		staging = &LogicalBuffer{
			Name:       "read_staging",
			ByteSize:   byteSize,
			Capability: CapDownload,
			State:      StateBound,
			raw:        raw,
		}
	}

	enc, err := e.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		e.pool.release(staging)
		return nil, &DeviceExecutionError{Op: "create encoder", Err: err}
	}
	enc.CopyBufferToBuffer(src.raw, 0, staging.raw, 0, uint64(size*4))
	cmd, err := enc.Finish(nil)
	if err != nil {
		e.pool.release(staging)
		return nil, &DeviceExecutionError{Op: "finish readback", Err: err}
	}
	e.ctx.Queue.Submit(cmd)

	out, err := e.readback(context.Background(), staging, size)
	if err == nil {
		e.pool.release(staging)
	} else if _, timedOut := err.(*TimeoutError); !timedOut {
		// Map failed outright; the buffer is safe to reuse.
		e.pool.release(staging)
	}
	return out, err
}

// abandon parks a staging buffer whose map never resolved. Its bytes
// stay accounted as active until the age-based sweep retires it. If the
// buffer was registry-bound its name is forgotten so a retry allocates
// a fresh one.
func (e *Engine) abandon(buf *LogicalBuffer) {
	if buf.Name != "" {
		e.registry.forget(buf.Name)
	}
	e.abandoned = append(e.abandoned, abandonedBuffer{buf: buf, at: e.now()})
}
