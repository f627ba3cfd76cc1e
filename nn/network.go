// Package nn is the sequential CPU reference for the GPU engine: the
// same two-layer Q-network, forward pass and Q-learning update,
// implemented with gonum so device results can be checked against a
// bit-for-bit comparable oracle.
package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Hyperparameters for one Q-learning step. Mirrors the GPU engine's
// uniform block.
type Hyperparameters struct {
	LearningRate float32
	Gamma        float32
	Epsilon      float32
	ClipNorm     float32
}

// Batch is one training batch: next-state Q-values plus per-sample
// action, reward and terminal flag.
type Batch struct {
	TargetQ []float32
	Actions []int
	Rewards []float32
	Dones   []bool
}

// Network is a feed-forward in->hidden->out Q-network with ReLU on the
// hidden layer. Weight layouts match the flat-array export format:
// hidden weights input-major [in*hidden], output weights hidden-major
// [hidden*out].
type Network struct {
	InputSize  int
	HiddenSize int
	OutputSize int

	weightsHidden *mat.Dense // in x hidden
	biasHidden    []float64  // hidden
	weightsOut    *mat.Dense // hidden x out
	biasOut       []float64  // out

	// populated by Forward, consumed by TrainStep
	lastInput  *mat.Dense // batch x in
	lastHidden *mat.Dense // batch x hidden, post-activation
	lastOutput *mat.Dense // batch x out
}

// New creates a network with He-initialized weights.
func New(inputSize, hiddenSize, outputSize int, rng *rand.Rand) *Network {
	n := &Network{
		InputSize:     inputSize,
		HiddenSize:    hiddenSize,
		OutputSize:    outputSize,
		weightsHidden: mat.NewDense(inputSize, hiddenSize, nil),
		biasHidden:    make([]float64, hiddenSize),
		weightsOut:    mat.NewDense(hiddenSize, outputSize, nil),
		biasOut:       make([]float64, outputSize),
	}
	scaleH := math.Sqrt(2.0 / float64(inputSize))
	for i := 0; i < inputSize; i++ {
		for h := 0; h < hiddenSize; h++ {
			n.weightsHidden.Set(i, h, rng.NormFloat64()*scaleH)
		}
	}
	scaleO := math.Sqrt(2.0 / float64(hiddenSize))
	for h := 0; h < hiddenSize; h++ {
		for j := 0; j < outputSize; j++ {
			n.weightsOut.Set(h, j, rng.NormFloat64()*scaleO)
		}
	}
	return n
}

// Weights returns the parameters as flat float32 arrays, order-matched
// to the GPU engine's buffer layout.
func (n *Network) Weights() (hiddenW, hiddenB, outW, outB []float32) {
	hiddenW = toFloat32(n.weightsHidden.RawMatrix().Data)
	hiddenB = toFloat32(n.biasHidden)
	outW = toFloat32(n.weightsOut.RawMatrix().Data)
	outB = toFloat32(n.biasOut)
	return
}

// SetWeights loads flat float32 parameter arrays.
func (n *Network) SetWeights(hiddenW, hiddenB, outW, outB []float32) error {
	if len(hiddenW) != n.InputSize*n.HiddenSize || len(hiddenB) != n.HiddenSize ||
		len(outW) != n.HiddenSize*n.OutputSize || len(outB) != n.OutputSize {
		return fmt.Errorf("nn: weight shapes do not match %d/%d/%d network",
			n.InputSize, n.HiddenSize, n.OutputSize)
	}
	n.weightsHidden = mat.NewDense(n.InputSize, n.HiddenSize, toFloat64(hiddenW))
	n.biasHidden = toFloat64(hiddenB)
	n.weightsOut = mat.NewDense(n.HiddenSize, n.OutputSize, toFloat64(outW))
	n.biasOut = toFloat64(outB)
	return nil
}

// Forward computes Q-values for a batch. input holds batch*inputSize
// floats; the result holds batch*outputSize. Hidden activations are
// retained for the next TrainStep.
func (n *Network) Forward(input []float32, batch int) ([]float32, error) {
	if len(input) != batch*n.InputSize {
		return nil, fmt.Errorf("nn: input has %d floats, want %d", len(input), batch*n.InputSize)
	}

	in := mat.NewDense(batch, n.InputSize, toFloat64(input))

	hidden := mat.NewDense(batch, n.HiddenSize, nil)
	hidden.Mul(in, n.weightsHidden)
	for b := 0; b < batch; b++ {
		for h := 0; h < n.HiddenSize; h++ {
			v := hidden.At(b, h) + n.biasHidden[h]
			if v < 0 {
				v = 0
			}
			hidden.Set(b, h, v)
		}
	}

	out := mat.NewDense(batch, n.OutputSize, nil)
	out.Mul(hidden, n.weightsOut)
	for b := 0; b < batch; b++ {
		for j := 0; j < n.OutputSize; j++ {
			out.Set(b, j, out.At(b, j)+n.biasOut[j])
		}
	}

	n.lastInput = in
	n.lastHidden = hidden
	n.lastOutput = out
	return toFloat32(out.RawMatrix().Data), nil
}

// TDErrors computes the per-sample temporal-difference errors for a
// batch given the current Q-values from the latest Forward:
// td = reward + gamma*max(targetQ)*(1-done) - currentQ[action].
func (n *Network) TDErrors(batch Batch, gamma float32) ([]float64, error) {
	if n.lastOutput == nil {
		return nil, fmt.Errorf("nn: TrainStep before Forward")
	}
	size := len(batch.Actions)
	if len(batch.TargetQ) != size*n.OutputSize || len(batch.Rewards) != size || len(batch.Dones) != size {
		return nil, fmt.Errorf("nn: inconsistent batch shapes")
	}

	td := make([]float64, size)
	for b := 0; b < size; b++ {
		target := float64(batch.Rewards[b])
		if !batch.Dones[b] {
			best := float64(batch.TargetQ[b*n.OutputSize])
			for j := 1; j < n.OutputSize; j++ {
				if v := float64(batch.TargetQ[b*n.OutputSize+j]); v > best {
					best = v
				}
			}
			target += float64(gamma) * best
		}
		td[b] = target - n.lastOutput.At(b, batch.Actions[b])
	}
	return td, nil
}

// TrainStep applies one Q-learning update exactly as the GPU engine
// does: TD errors first, then output-layer updates, then hidden-layer
// updates computed against the pre-update output weights. Every
// accumulated batch-averaged gradient is clamped element-wise to
// [-ClipNorm, +ClipNorm] before it is added. Returns the TD errors.
func (n *Network) TrainStep(batch Batch, hyper Hyperparameters) ([]float32, error) {
	td, err := n.TDErrors(batch, hyper.Gamma)
	if err != nil {
		return nil, err
	}
	size := len(batch.Actions)
	lr := float64(hyper.LearningRate)
	clip := float64(hyper.ClipNorm)

	// Hidden backprop reads the snapshot, not the updated values.
	var outSnapshot mat.Dense
	outSnapshot.CloneFrom(n.weightsOut)

	for h := 0; h < n.HiddenSize; h++ {
		for j := 0; j < n.OutputSize; j++ {
			var grad float64
			for b := 0; b < size; b++ {
				if batch.Actions[b] == j {
					grad += td[b] * n.lastHidden.At(b, h)
				}
			}
			grad /= float64(size)
			n.weightsOut.Set(h, j, n.weightsOut.At(h, j)+lr*clampGrad(grad, clip))
		}
	}
	for j := 0; j < n.OutputSize; j++ {
		var grad float64
		for b := 0; b < size; b++ {
			if batch.Actions[b] == j {
				grad += td[b]
			}
		}
		grad /= float64(size)
		n.biasOut[j] += lr * clampGrad(grad, clip)
	}

	hiddenDelta := func(b, h int) float64 {
		if n.lastHidden.At(b, h) <= 0 {
			return 0 // ReLU gate
		}
		return td[b] * outSnapshot.At(h, batch.Actions[b])
	}

	for i := 0; i < n.InputSize; i++ {
		for h := 0; h < n.HiddenSize; h++ {
			var grad float64
			for b := 0; b < size; b++ {
				grad += hiddenDelta(b, h) * n.lastInput.At(b, i)
			}
			grad /= float64(size)
			n.weightsHidden.Set(i, h, n.weightsHidden.At(i, h)+lr*clampGrad(grad, clip))
		}
	}
	for h := 0; h < n.HiddenSize; h++ {
		var grad float64
		for b := 0; b < size; b++ {
			grad += hiddenDelta(b, h)
		}
		grad /= float64(size)
		n.biasHidden[h] += lr * clampGrad(grad, clip)
	}

	return toFloat32(td), nil
}

// clampGrad is the sign-preserving clamp applied to every accumulated
// averaged gradient.
func clampGrad(g, clip float64) float64 {
	if g > clip {
		return clip
	}
	if g < -clip {
		return -clip
	}
	return g
}

func toFloat64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
