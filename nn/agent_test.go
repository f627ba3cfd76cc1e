package nn

import (
	"math"
	"math/rand"
	"testing"
)

func TestNormalizeStateClamps(t *testing.T) {
	in := NormalizeState(math.Pi/6, 5)
	if math.Abs(float64(in[0])-0.5) > 1e-6 || math.Abs(float64(in[1])-0.5) > 1e-6 {
		t.Errorf("normalized = %v, want [0.5 0.5]", in)
	}

	in = NormalizeState(math.Pi, -100)
	if in[0] != 1 || in[1] != -1 {
		t.Errorf("out-of-range state not clamped: %v", in)
	}
}

func TestArgMaxLowestIndexWins(t *testing.T) {
	if got := ArgMax([]float32{0.2, 0.5, -0.1}); got != 1 {
		t.Errorf("ArgMax = %d, want 1", got)
	}
	if got := ArgMax([]float32{0.5, 0.5, 0.1}); got != 0 {
		t.Errorf("ArgMax on tie = %d, want 0", got)
	}
}

func TestSelectActionGreedyWhenEpsilonZero(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 10; i++ {
		if got := SelectAction([]float32{-1, 2, 0}, 0, rng); got != 1 {
			t.Fatalf("greedy selection = %d, want 1", got)
		}
	}
}

func TestMotorTorqueMapping(t *testing.T) {
	want := []float64{-1, 0, 1}
	for a, torque := range want {
		if MotorTorque(a) != torque {
			t.Errorf("MotorTorque(%d) = %v, want %v", a, MotorTorque(a), torque)
		}
	}
	if MotorTorque(5) != 0 {
		t.Errorf("out-of-range action should coast")
	}
}
