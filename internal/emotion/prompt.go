package emotion

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultDuration is the target length of a generated piece, in seconds.
const DefaultDuration = 45

var ErrUnknownStyle = errors.New("unknown style")

type Style string

const (
	StyleClassical  Style = "classical"
	StyleAmbient    Style = "ambient"
	StyleElectronic Style = "electronic"
	StyleAcoustic   Style = "acoustic"
	StyleJazz       Style = "jazz"
	StyleCinematic  Style = "cinematic"
)

var styles = []Style{
	StyleClassical, StyleAmbient, StyleElectronic,
	StyleAcoustic, StyleJazz, StyleCinematic,
}

// ParseStyle resolves a style name case-insensitively. An empty name
// returns "" and no error, meaning no override.
func ParseStyle(name string) (Style, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", nil
	}
	for _, s := range styles {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStyle, name)
}

type Tempo string

const (
	TempoSlow   Tempo = "slow"
	TempoMedium Tempo = "medium"
	TempoFast   Tempo = "fast"
)

type Mood string

const (
	MoodMelancholic   Mood = "melancholic"
	MoodContemplative Mood = "contemplative"
	MoodUplifting     Mood = "uplifting"
)

type Intensity string

const (
	IntensityCalm     Intensity = "calm"
	IntensityModerate Intensity = "moderate"
	IntensityIntense  Intensity = "intense"
)

// Prompt is the structured and textual description handed to a
// synthesizer.
type Prompt struct {
	Text            string    `json:"text"`
	Style           Style     `json:"style"`
	Tempo           Tempo     `json:"tempo"`
	Mood            Mood      `json:"mood"`
	Intensity       Intensity `json:"intensity"`
	Duration        int       `json:"duration"`
	Characteristics []string  `json:"characteristics,omitempty"`
}

// Hash returns a stable hex key for the prompt, suitable for caching
// generation requests.
func (p Prompt) Hash() string {
	b, _ := json.Marshal(p)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
