package nn

import (
	"math"
	"math/rand"
)

// NormalizeState maps the bot's raw state onto the [-1, 1] inputs the
// network was trained on: tilt angle scaled by pi/3 and angular
// velocity by 10 rad/s, both clamped.
func NormalizeState(angle, angularVelocity float64) [2]float32 {
	return [2]float32{
		float32(clamp(angle/(math.Pi/3), -1, 1)),
		float32(clamp(angularVelocity/10, -1, 1)),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SelectAction picks an action epsilon-greedily from a single sample's
// Q-values.
func SelectAction(q []float32, epsilon float32, rng *rand.Rand) int {
	if rng.Float32() < epsilon {
		return rng.Intn(len(q))
	}
	return ArgMax(q)
}

// ArgMax returns the index of the largest Q-value, lowest index on
// ties.
func ArgMax(q []float32) int {
	best := 0
	for j := 1; j < len(q); j++ {
		if q[j] > q[best] {
			best = j
		}
	}
	return best
}

// MotorTorque maps a discrete action index to the bot's motor command.
// Three actions: full reverse, coast, full forward.
func MotorTorque(action int) float64 {
	torques := [...]float64{-1, 0, 1}
	if action < 0 || action >= len(torques) {
		return 0
	}
	return torques[action]
}
