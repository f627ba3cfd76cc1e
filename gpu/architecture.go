package gpu

import "fmt"

// MaxBatch bounds the batch dimension of every dispatch.
const MaxBatch = 256

// Architecture is the immutable shape of one network instance. It
// determines the size of every logical buffer the engine allocates for
// that instance.
type Architecture struct {
	InputSize  int
	HiddenSize int
	OutputSize int
	BatchSize  int
}

// Validate rejects non-positive sizes, out-of-range batch sizes, and
// shapes whose total footprint cannot fit under the memory ceiling.
func (a Architecture) Validate(ceiling uint64) error {
	if a.InputSize <= 0 || a.HiddenSize <= 0 || a.OutputSize <= 0 {
		return &ValidationError{Op: "architecture",
			Detail: fmt.Sprintf("sizes must be positive, got %d/%d/%d",
				a.InputSize, a.HiddenSize, a.OutputSize)}
	}
	if a.BatchSize < 1 || a.BatchSize > MaxBatch {
		return &ValidationError{Op: "architecture",
			Detail: fmt.Sprintf("batch size %d outside [1, %d]", a.BatchSize, MaxBatch)}
	}
	if total := a.footprint(); total > ceiling {
		return &ValidationError{Op: "architecture",
			Detail: fmt.Sprintf("footprint %d bytes exceeds ceiling %d", total, ceiling)}
	}
	return nil
}

// bufferPlan names every logical buffer a network instance needs,
// with its aligned size, capability and persistence. Weights and
// biases survive release-to-pool; activations and staging do not.
type bufferPlan struct {
	name       string
	size       uint64
	capability Capability
	persistent bool
}

const (
	bufInput          = "input"
	bufWeightsHidden  = "weights_hidden"
	bufBiasHidden     = "bias_hidden"
	bufHidden         = "hidden"
	bufWeightsOut     = "weights_out"
	bufBiasOut        = "bias_out"
	bufOutput         = "output"
	bufWeightsOutSnap = "weights_out_snapshot"
	bufTargetQ        = "target_q"
	bufActions        = "actions"
	bufRewards        = "rewards"
	bufDoneFlags      = "done_flags"
	bufTDErrors       = "td_errors"
	bufForwardParams  = "forward_params"
	bufActParams      = "activation_params"
	bufOutParams      = "output_params"
	bufTrainParams    = "train_params"
	bufOutputStaging  = "output_staging"
	bufTDErrorStaging = "td_error_staging"
)

func floats(n int) uint64 { return alignUp(uint64(n) * 4) }

func (a Architecture) plan(persistentWeights bool) []bufferPlan {
	b := a.BatchSize
	return []bufferPlan{
		{bufInput, floats(b * a.InputSize), CapStorageRO, false},
		{bufWeightsHidden, floats(a.InputSize * a.HiddenSize), CapStorageRW, persistentWeights},
		{bufBiasHidden, floats(a.HiddenSize), CapStorageRW, persistentWeights},
		{bufHidden, floats(b * a.HiddenSize), CapStorageRW, false},
		{bufWeightsOut, floats(a.HiddenSize * a.OutputSize), CapStorageRW, persistentWeights},
		{bufBiasOut, floats(a.OutputSize), CapStorageRW, persistentWeights},
		{bufOutput, floats(b * a.OutputSize), CapStorageRW, false},
		{bufWeightsOutSnap, floats(a.HiddenSize * a.OutputSize), CapStorageRO, false},
		{bufTargetQ, floats(b * a.OutputSize), CapStorageRO, false},
		{bufActions, floats(b), CapStorageRO, false},
		{bufRewards, floats(b), CapStorageRO, false},
		{bufDoneFlags, floats(b), CapStorageRO, false},
		{bufTDErrors, floats(b), CapStorageRW, false},
		{bufForwardParams, bufferAlignment, CapUniform, false},
		{bufActParams, bufferAlignment, CapUniform, false},
		{bufOutParams, bufferAlignment, CapUniform, false},
		{bufTrainParams, bufferAlignment, CapUniform, false},
		{bufOutputStaging, floats(b * a.OutputSize), CapDownload, false},
		{bufTDErrorStaging, floats(b), CapDownload, false},
	}
}

// footprint is the total accounted size of one network instance.
func (a Architecture) footprint() uint64 {
	var total uint64
	for _, p := range a.plan(true) {
		total += p.size
	}
	return total
}
