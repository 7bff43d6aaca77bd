package emotion

import (
	"math"
	"strings"
)

// Options are the caller-supplied inputs to Map besides the vector.
type Options struct {
	// UserPrompt is appended verbatim to the generated text.
	UserPrompt string

	// Style overrides rule-based style selection when non-empty.
	Style Style

	// Duration in seconds; zero means DefaultDuration.
	Duration int
}

// rule is one row of an ordered threshold table. Tables are evaluated top
// to bottom and the first matching row wins.
type rule[T any] struct {
	match  func(Vector) bool
	result T
}

func firstMatch[T any](rules []rule[T], v Vector, fallback T) T {
	for _, r := range rules {
		if r.match(v) {
			return r.result
		}
	}
	return fallback
}

var tempoRules = []rule[Tempo]{
	{func(v Vector) bool { return v.Energy < 0.3 }, TempoSlow},
	{func(v Vector) bool { return v.Energy < 0.7 }, TempoMedium},
}

var moodRules = []rule[Mood]{
	{func(v Vector) bool { return v.Valence < -0.3 }, MoodMelancholic},
	{func(v Vector) bool { return v.Valence > 0.3 }, MoodUplifting},
}

var intensityRules = []rule[Intensity]{
	{func(v Vector) bool { return v.Tension < 0.3 }, IntensityCalm},
	{func(v Vector) bool { return v.Tension < 0.6 }, IntensityModerate},
}

// styleRules order is significant: electronic must be tested before
// cinematic, so high-energy tense vectors never reach the cinematic row.
var styleRules = []rule[Style]{
	{func(v Vector) bool { return v.Focus > 0.6 && v.Tension < 0.4 }, StyleClassical},
	{func(v Vector) bool { return v.Energy < 0.4 && v.Tension < 0.3 }, StyleAmbient},
	{func(v Vector) bool { return v.Energy > 0.7 && v.Tension > 0.6 }, StyleElectronic},
	{func(v Vector) bool { return v.Energy > 0.3 && v.Energy < 0.7 && v.Valence > 0.2 }, StyleAcoustic},
	{func(v Vector) bool { return v.Focus > 0.5 && v.Tension > 0.4 && v.Tension < 0.7 }, StyleJazz},
	{func(v Vector) bool { return v.Tension > 0.6 && math.Abs(v.Valence) > 0.4 }, StyleCinematic},
}

// characteristicRules are independent: every matching row contributes.
var characteristicRules = []rule[string]{
	{func(v Vector) bool { return v.Focus > 0.7 }, "clear melodic structure"},
	{func(v Vector) bool { return v.Focus < 0.3 }, "drifting phrases"},
	{func(v Vector) bool { return v.Energy > 0.7 }, "driving rhythms"},
	{func(v Vector) bool { return v.Energy < 0.3 }, "sparse textures"},
	{func(v Vector) bool { return v.Tension > 0.7 }, "dramatic dynamics"},
	{func(v Vector) bool { return v.Tension < 0.2 }, "gentle harmonies"},
}

var intensityPhrase = map[Intensity]string{
	IntensityCalm:     "a calm feel",
	IntensityModerate: "moderate intensity",
	IntensityIntense:  "high intensity",
}

const userPromptConnective = "Inspired by: "

// Map turns v into a music prompt. It is pure: equal inputs always yield
// equal prompts, text included.
func Map(v Vector, opts Options) Prompt {
	v = v.Clamped()

	p := Prompt{
		Tempo:     firstMatch(tempoRules, v, TempoFast),
		Mood:      firstMatch(moodRules, v, MoodContemplative),
		Intensity: firstMatch(intensityRules, v, IntensityIntense),
		Style:     opts.Style,
		Duration:  opts.Duration,
	}
	if p.Style == "" {
		p.Style = firstMatch(styleRules, v, StyleAmbient)
	}
	if p.Duration <= 0 {
		p.Duration = DefaultDuration
	}

	for _, r := range characteristicRules {
		if r.match(v) {
			p.Characteristics = append(p.Characteristics, r.result)
		}
	}

	p.Text = buildText(p, opts.UserPrompt)
	return p
}

func buildText(p Prompt, userPrompt string) string {
	var b strings.Builder

	b.WriteString(capitalize(string(p.Mood)))
	b.WriteString(" ")
	b.WriteString(string(p.Style))
	b.WriteString(" music with a ")
	b.WriteString(string(p.Tempo))
	b.WriteString(" tempo and ")
	b.WriteString(intensityPhrase[p.Intensity])

	if len(p.Characteristics) > 0 {
		b.WriteString(", featuring ")
		b.WriteString(strings.Join(p.Characteristics, ", "))
	}
	b.WriteString(".")

	if strings.TrimSpace(userPrompt) != "" {
		b.WriteString(" ")
		b.WriteString(userPromptConnective)
		b.WriteString(userPrompt)
	}

	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
