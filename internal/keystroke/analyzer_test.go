package keystroke

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evenPresses(n int, gapMS float64) []Event {
	events := make([]Event, n)
	for i := range events {
		events[i] = press("k", float64(i)*gapMS)
	}
	return events
}

func TestRhythmAnalyzer_SteadyTyping(t *testing.T) {
	a, err := RhythmAnalyzer{}.Analyze(context.Background(), evenPresses(11, 200))
	require.NoError(t, err)

	assert.Equal(t, 11, a.EventCount)
	assert.Equal(t, 2*time.Second, a.Span)
	assert.InDelta(t, 5.0, a.KeysPerSecond, 1e-9)
	assert.InDelta(t, 0.5, a.Tempo, 1e-9)
	assert.InDelta(t, 1.0, a.RhythmConsistency, 1e-9)
	assert.InDelta(t, 0.0, a.PauseIntensity, 1e-9)
}

func TestRhythmAnalyzer_PausesAndCorrections(t *testing.T) {
	hold := 80.0
	events := []Event{
		press("h", 0),
		{Key: "h", Timestamp: 80, Duration: &hold, Type: EventKeyUp},
		press("i", 200),
		press("Backspace", 1700), // 1500ms gap counts as a pause
		press("o", 1900),
	}

	a, err := RhythmAnalyzer{PauseThreshold: time.Second}.Analyze(context.Background(), events)
	require.NoError(t, err)

	assert.InDelta(t, 1.0/3.0, a.PauseIntensity, 1e-9)
	assert.InDelta(t, 0.25, a.ErrorRate, 1e-9)
	assert.InDelta(t, 80.0, a.MeanHoldMS, 1e-9)
	assert.Less(t, a.RhythmConsistency, 0.5)
}

func TestRhythmAnalyzer_ReleaseOnlyStream(t *testing.T) {
	events := []Event{
		{Key: "a", Timestamp: 0, Type: EventKeyUp},
		{Key: "b", Timestamp: 500, Type: EventKeyUp},
	}
	a, err := RhythmAnalyzer{}.Analyze(context.Background(), events)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, a.KeysPerSecond, 1e-9)
}

func TestRhythmAnalyzer_DuplicateTimestamps(t *testing.T) {
	events := []Event{press("a", 100), press("b", 100), press("c", 100)}
	a, err := RhythmAnalyzer{}.Analyze(context.Background(), events)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, a.KeysPerSecond, 1e-9)
	assert.InDelta(t, 1.0, a.RhythmConsistency, 1e-9)
}

func TestRhythmAnalyzer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RhythmAnalyzer{}.Analyze(ctx, evenPresses(3, 100))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHeuristicDeriver(t *testing.T) {
	d := HeuristicDeriver{}
	ctx := context.Background()

	steady := Analysis{EventCount: 200, Tempo: 0.9, RhythmConsistency: 0.9, PauseIntensity: 0}
	v, err := d.Derive(ctx, steady, "what a wonderful happy day")
	require.NoError(t, err)
	assert.Greater(t, v.Energy, 0.7)
	assert.Greater(t, v.Valence, 0.3)
	assert.Less(t, v.Tension, 0.3)
	assert.Greater(t, v.Confidence, 0.95)
	assert.InDelta(t, 0.9, v.Tempo, 1e-9)

	erratic := Analysis{EventCount: 5, Tempo: 0.1, RhythmConsistency: 0.1, PauseIntensity: 0.8, ErrorRate: 0.4}
	v, err = d.Derive(ctx, erratic, "so tired and stressed")
	require.NoError(t, err)
	assert.Less(t, v.Energy, 0.3)
	assert.Less(t, v.Valence, -0.3)
	assert.Greater(t, v.Tension, 0.6)
	assert.Less(t, v.Confidence, 0.2)

	for _, x := range []float64{v.Energy, v.Tension, v.Focus, v.Confidence} {
		assert.GreaterOrEqual(t, x, 0.0)
		assert.LessOrEqual(t, x, 1.0)
	}
}

func TestSentiment(t *testing.T) {
	assert.InDelta(t, 0.0, sentiment(""), 0)
	assert.InDelta(t, 0.0, sentiment("the quick brown fox"), 0)
	assert.InDelta(t, 1.0, sentiment("Happy, happy!"), 0)
	assert.InDelta(t, 0.0, sentiment("happy but sad"), 0)
}
