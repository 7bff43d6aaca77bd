package keystroke

import (
	"context"
	"math"
	"strings"
	"time"
)

const (
	DefaultPauseThreshold = 1000 * time.Millisecond

	// maxKeysPerSecond maps to a tempo score of 1.
	maxKeysPerSecond = 10.0
)

// Analysis holds the rhythm scores of one sorted keystroke sample.
type Analysis struct {
	EventCount int           `json:"event_count"`
	Span       time.Duration `json:"span"`

	KeysPerSecond     float64 `json:"keys_per_second"`
	Tempo             float64 `json:"tempo"`              // [0,1]
	RhythmConsistency float64 `json:"rhythm_consistency"` // [0,1]
	PauseIntensity    float64 `json:"pause_intensity"`    // [0,1]
	MeanHoldMS        float64 `json:"mean_hold_ms"`
	ErrorRate         float64 `json:"error_rate"` // [0,1]
}

// Analyzer computes rhythm scores from events sorted by timestamp.
type Analyzer interface {
	Analyze(ctx context.Context, events []Event) (Analysis, error)
}

// RhythmAnalyzer is the default Analyzer. It looks only at key presses;
// releases contribute their hold durations.
type RhythmAnalyzer struct {
	PauseThreshold time.Duration
}

func (a RhythmAnalyzer) Analyze(ctx context.Context, events []Event) (Analysis, error) {
	res := Analysis{EventCount: len(events)}

	threshold := float64(a.PauseThreshold.Milliseconds())
	if threshold <= 0 {
		threshold = float64(DefaultPauseThreshold.Milliseconds())
	}

	var (
		presses   []float64
		holds     []float64
		errorKeys int
	)
	for _, e := range events {
		if e.Duration != nil {
			holds = append(holds, *e.Duration)
		}
		if e.Type != EventKeyDown {
			continue
		}
		presses = append(presses, e.Timestamp)
		if isCorrection(e.Key) {
			errorKeys++
		}
	}

	// Streams that only report one event type still carry timing.
	if len(presses) < 2 {
		presses = presses[:0]
		for _, e := range events {
			presses = append(presses, e.Timestamp)
		}
	}

	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}

	if n := len(presses); n >= 2 {
		spanMS := presses[n-1] - presses[0]
		res.Span = time.Duration(spanMS * float64(time.Millisecond))
		if spanMS > 0 {
			res.KeysPerSecond = float64(n-1) / (spanMS / 1000)
		}

		gaps := make([]float64, 0, n-1)
		pauses := 0
		for i := 1; i < n; i++ {
			g := presses[i] - presses[i-1]
			gaps = append(gaps, g)
			if g > threshold {
				pauses++
			}
		}
		res.PauseIntensity = float64(pauses) / float64(len(gaps))
		res.RhythmConsistency = consistency(gaps)
	}

	res.Tempo = math.Min(res.KeysPerSecond/maxKeysPerSecond, 1)
	if len(holds) > 0 {
		res.MeanHoldMS = mean(holds)
	}
	if len(presses) > 0 {
		res.ErrorRate = math.Min(float64(errorKeys)/float64(len(presses)), 1)
	}

	return res, nil
}

// consistency is 1 minus the coefficient of variation of gaps, floored at 0.
func consistency(gaps []float64) float64 {
	m := mean(gaps)
	if m <= 0 {
		return 1
	}
	var sq float64
	for _, g := range gaps {
		sq += (g - m) * (g - m)
	}
	cv := math.Sqrt(sq/float64(len(gaps))) / m
	return math.Max(0, 1-cv)
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func isCorrection(key string) bool {
	switch strings.ToLower(key) {
	case "backspace", "delete":
		return true
	}
	return false
}
