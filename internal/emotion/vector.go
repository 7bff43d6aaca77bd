// Package emotion holds the emotion vector derived from a typing sample and
// the deterministic mapping from a vector to a music prompt.
package emotion

import "math"

// Vector is the emotional signature of one finalized keystroke buffer.
// It is a value type; callers never share a mutable Vector.
type Vector struct {
	Energy  float64 `json:"energy"`  // [0,1]
	Valence float64 `json:"valence"` // [-1,1]
	Tension float64 `json:"tension"` // [0,1]
	Focus   float64 `json:"focus"`   // [0,1]

	Tempo             float64 `json:"tempo"`
	RhythmConsistency float64 `json:"rhythm_consistency"`
	PauseIntensity    float64 `json:"pause_intensity"`
	Confidence        float64 `json:"confidence"`
}

// NewVector returns the four primary dimensions clamped into range.
func NewVector(energy, valence, tension, focus float64) Vector {
	return Vector{
		Energy:  clamp(energy, 0, 1),
		Valence: clamp(valence, -1, 1),
		Tension: clamp(tension, 0, 1),
		Focus:   clamp(focus, 0, 1),
	}
}

// Clamped returns a copy of v with every field forced into its range.
// NaN becomes the lower bound.
func (v Vector) Clamped() Vector {
	return Vector{
		Energy:            clamp(v.Energy, 0, 1),
		Valence:           clamp(v.Valence, -1, 1),
		Tension:           clamp(v.Tension, 0, 1),
		Focus:             clamp(v.Focus, 0, 1),
		Tempo:             clamp(v.Tempo, 0, 1),
		RhythmConsistency: clamp(v.RhythmConsistency, 0, 1),
		PauseIntensity:    clamp(v.PauseIntensity, 0, 1),
		Confidence:        clamp(v.Confidence, 0, 1),
	}
}

func clamp(x, lo, hi float64) float64 {
	switch {
	case math.IsNaN(x), x < lo:
		return lo
	case x > hi:
		return hi
	default:
		return x
	}
}
