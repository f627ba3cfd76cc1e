package gpu

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/driftline/qgrid/nn"
)

// newDeviceEngine spins up a real engine or skips the test when no
// adapter is available (CI machines without a GPU runtime).
func newDeviceEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{})
	if err != nil {
		t.Skipf("no usable GPU device: %v", err)
	}
	t.Cleanup(e.Teardown)
	return e
}

// referencePair builds a CPU reference network and a GPU buffer set
// loaded with identical weights.
func referencePair(t *testing.T, e *Engine, arch Architecture) (*nn.Network, *NetworkBuffers) {
	t.Helper()
	ref := nn.New(arch.InputSize, arch.HiddenSize, arch.OutputSize, rand.New(rand.NewSource(99)))
	hw, hb, ow, ob := ref.Weights()

	net, err := e.AllocateNetworkBuffers(arch, AllocOptions{Persistent: true, AllowReuse: true})
	if err != nil {
		t.Fatal(err)
	}
	err = net.UploadWeights(Weights{
		HiddenWeights: hw, HiddenBias: hb,
		OutputWeights: ow, OutputBias: ob,
	})
	if err != nil {
		t.Fatal(err)
	}
	return ref, net
}

func TestForwardShapeLawAndDeterminism(t *testing.T) {
	e := newDeviceEngine(t)
	arch := Architecture{InputSize: 2, HiddenSize: 8, OutputSize: 3, BatchSize: 1}
	_, net := referencePair(t, e, arch)

	input := []float32{0.1, -0.05}
	first, err := e.RunForward(context.Background(), net, input)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 3 {
		t.Fatalf("forward returned %d floats, want 3", len(first))
	}

	second, err := e.RunForward(context.Background(), net, input)
	if err != nil {
		t.Fatal(err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("output %d not bit-identical across runs: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestForwardMatchesCPUReference(t *testing.T) {
	e := newDeviceEngine(t)
	arch := Architecture{InputSize: 2, HiddenSize: 64, OutputSize: 3, BatchSize: 4}
	ref, net := referencePair(t, e, arch)

	input := make([]float32, arch.BatchSize*arch.InputSize)
	rng := rand.New(rand.NewSource(5))
	for i := range input {
		input[i] = rng.Float32()*2 - 1
	}

	gpuOut, err := e.RunForward(context.Background(), net, input)
	if err != nil {
		t.Fatal(err)
	}
	cpuOut, err := ref.Forward(input, arch.BatchSize)
	if err != nil {
		t.Fatal(err)
	}
	for i := range cpuOut {
		if diff := math.Abs(float64(gpuOut[i] - cpuOut[i])); diff > 1e-4 {
			t.Errorf("output %d: gpu %v vs cpu %v (diff %v)", i, gpuOut[i], cpuOut[i], diff)
		}
	}
}

func TestTrainingStepMatchesCPUReference(t *testing.T) {
	e := newDeviceEngine(t)
	arch := Architecture{InputSize: 2, HiddenSize: 16, OutputSize: 3, BatchSize: 4}
	ref, net := referencePair(t, e, arch)

	rng := rand.New(rand.NewSource(11))
	input := make([]float32, arch.BatchSize*arch.InputSize)
	for i := range input {
		input[i] = rng.Float32()*2 - 1
	}
	targetQ := make([]float32, arch.BatchSize*arch.OutputSize)
	for i := range targetQ {
		targetQ[i] = rng.Float32()
	}
	batch := TrainingBatch{
		TargetQ: targetQ,
		Actions: []int{0, 2, 1, 0},
		Rewards: []float32{1, -0.5, 0.25, 0},
		Dones:   []bool{false, true, false, false},
	}
	hyper := Hyperparameters{LearningRate: 0.01, Gamma: 0.99, Epsilon: 0.1, ClipNorm: 1}

	if _, err := e.RunForward(context.Background(), net, input); err != nil {
		t.Fatal(err)
	}
	gpuTD, err := e.RunTrainingStep(context.Background(), net, batch, hyper)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ref.Forward(input, arch.BatchSize); err != nil {
		t.Fatal(err)
	}
	cpuTD, err := ref.TrainStep(nn.Batch{
		TargetQ: batch.TargetQ,
		Actions: batch.Actions,
		Rewards: batch.Rewards,
		Dones:   batch.Dones,
	}, nn.Hyperparameters{
		LearningRate: hyper.LearningRate,
		Gamma:        hyper.Gamma,
		Epsilon:      hyper.Epsilon,
		ClipNorm:     hyper.ClipNorm,
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := range cpuTD {
		if diff := math.Abs(float64(gpuTD[i] - cpuTD[i])); diff > 1e-4 {
			t.Errorf("td[%d]: gpu %v vs cpu %v", i, gpuTD[i], cpuTD[i])
		}
	}

	// The updated parameters must match the sequential oracle; this is
	// what pins the snapshot policy for hidden-layer backprop.
	gpuW, err := net.DownloadWeights()
	if err != nil {
		t.Fatal(err)
	}
	cpuHW, cpuHB, cpuOW, cpuOB := ref.Weights()
	compare := func(name string, gpu, cpu []float32) {
		for i := range cpu {
			if diff := math.Abs(float64(gpu[i] - cpu[i])); diff > 1e-4 {
				t.Errorf("%s[%d]: gpu %v vs cpu %v", name, i, gpu[i], cpu[i])
				return
			}
		}
	}
	compare("hidden weights", gpuW.HiddenWeights, cpuHW)
	compare("hidden bias", gpuW.HiddenBias, cpuHB)
	compare("output weights", gpuW.OutputWeights, cpuOW)
	compare("output bias", gpuW.OutputBias, cpuOB)
}

func TestTrainingRejectsBadShapes(t *testing.T) {
	e := newDeviceEngine(t)
	arch := Architecture{InputSize: 2, HiddenSize: 8, OutputSize: 3, BatchSize: 2}
	_, net := referencePair(t, e, arch)

	_, err := e.RunTrainingStep(context.Background(), net, TrainingBatch{
		TargetQ: make([]float32, 3), // wrong: needs batch*out = 6
		Actions: []int{0, 1},
		Rewards: []float32{0, 0},
		Dones:   []bool{false, false},
	}, Hyperparameters{LearningRate: 0.01, ClipNorm: 1})
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("want ValidationError, got %v", err)
	}

	_, err = e.RunTrainingStep(context.Background(), net, TrainingBatch{
		TargetQ: make([]float32, 6),
		Actions: []int{0, 7}, // out of range
		Rewards: []float32{0, 0},
		Dones:   []bool{false, false},
	}, Hyperparameters{LearningRate: 0.01, ClipNorm: 1})
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("want ValidationError for bad action, got %v", err)
	}
}

func TestForwardSurfacesCancellation(t *testing.T) {
	e := newDeviceEngine(t)
	arch := Architecture{InputSize: 2, HiddenSize: 8, OutputSize: 3, BatchSize: 1}
	_, net := referencePair(t, e, arch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.RunForward(ctx, net, []float32{0.1, -0.05})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		t.Fatal("cancellation misreported as a readback timeout")
	}

	// The engine stays usable after a cancelled readback.
	if _, err := e.RunForward(context.Background(), net, []float32{0.1, -0.05}); err != nil {
		t.Fatal(err)
	}
}

func TestPoolReuseAcrossNetworkLifecycles(t *testing.T) {
	e := newDeviceEngine(t)
	arch := Architecture{InputSize: 2, HiddenSize: 8, OutputSize: 3, BatchSize: 1}

	first, err := e.AllocateNetworkBuffers(arch, AllocOptions{AllowReuse: true})
	if err != nil {
		t.Fatal(err)
	}
	first.Release()

	before := e.MemorySnapshot()
	second, err := e.AllocateNetworkBuffers(arch, AllocOptions{AllowReuse: true})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Release()

	after := e.MemorySnapshot()
	if after.Hits <= before.Hits {
		t.Errorf("second allocation should hit the pool: hits %d -> %d", before.Hits, after.Hits)
	}
	if after.HitRate() <= 0 {
		t.Errorf("hit rate = %v, want > 0", after.HitRate())
	}
}

func TestTeardownIdempotent(t *testing.T) {
	e, err := New(Config{})
	if err != nil {
		t.Skipf("no usable GPU device: %v", err)
	}
	arch := Architecture{InputSize: 2, HiddenSize: 8, OutputSize: 3, BatchSize: 1}
	if _, err := e.AllocateNetworkBuffers(arch, AllocOptions{Persistent: true, AllowReuse: true}); err != nil {
		t.Fatal(err)
	}

	e.Teardown()
	e.Teardown() // second call must be a no-op

	s := e.MemorySnapshot()
	if s.ActiveBytes != 0 || s.PooledBytes != 0 || s.AllocatedBytes != 0 {
		t.Errorf("post-teardown snapshot not zero: %+v", s)
	}
	if s.Hits != 0 || s.Misses != 0 {
		t.Errorf("post-teardown counters not zero: %+v", s)
	}
}
