package keystroke

import (
	"context"
	"math"
	"strings"
	"unicode"

	"cadence-service/internal/emotion"
)

// Deriver turns rhythm scores, and optionally the typed text, into an
// emotion vector.
type Deriver interface {
	Derive(ctx context.Context, a Analysis, text string) (emotion.Vector, error)
}

// HeuristicDeriver is the default Deriver: fixed linear blends of the
// rhythm scores plus a small cue-word sentiment lexicon.
type HeuristicDeriver struct{}

var (
	positiveCues = wordSet("happy", "joy", "love", "great", "good", "calm", "bright",
		"hope", "excited", "glad", "peace", "wonderful", "smile", "fun", "warm")
	negativeCues = wordSet("sad", "angry", "hate", "bad", "tired", "worried", "fear",
		"lonely", "stress", "stressed", "awful", "cry", "dark", "lost", "pain")
)

func (HeuristicDeriver) Derive(ctx context.Context, a Analysis, text string) (emotion.Vector, error) {
	if err := ctx.Err(); err != nil {
		return emotion.Vector{}, err
	}

	errScore := math.Min(a.ErrorRate*3, 1)

	energy := 0.6*a.Tempo + 0.4*(1-a.PauseIntensity)
	tension := 0.6*(1-a.RhythmConsistency) + 0.4*errScore
	focus := 0.6*a.RhythmConsistency + 0.4*(1-a.PauseIntensity) - 0.3*errScore
	valence := 0.6*sentiment(text) + 0.4*(a.RhythmConsistency-tension)

	v := emotion.NewVector(energy, valence, tension, focus)
	v.Tempo = a.Tempo
	v.RhythmConsistency = a.RhythmConsistency
	v.PauseIntensity = a.PauseIntensity
	v.Confidence = 1 - math.Exp(-float64(a.EventCount)/50)

	return v.Clamped(), nil
}

// sentiment scores text in [-1,1] by counting cue words.
func sentiment(text string) float64 {
	if text == "" {
		return 0
	}
	var pos, neg int
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		if positiveCues[w] {
			pos++
		}
		if negativeCues[w] {
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
