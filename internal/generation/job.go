// Package generation runs music generation jobs: it validates requests,
// drives each job through pending, processing and a terminal state, stores
// the resulting audio and removes old jobs.
package generation

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"cadence-service/internal/emotion"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("job not found")

	// ErrGenerationFailed prefixes the error recorded on a failed job. It
	// never crosses Submit.
	ErrGenerationFailed = errors.New("generation failed")
)

type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type Format string

const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatFLAC Format = "flac"
)

func (f Format) valid() bool {
	switch f {
	case FormatWAV, FormatMP3, FormatFLAC:
		return true
	}
	return false
}

func (f Format) ContentType() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	case FormatFLAC:
		return "audio/flac"
	default:
		return "audio/wav"
	}
}

const (
	MaxPromptLength = 1000
	MinDuration     = 15
	MaxDuration     = 180
)

// Request is a validated submission.
type Request struct {
	SessionID string
	Prompt    emotion.Prompt
	Format    Format
	UseMock   bool
	Vector    *emotion.Vector // optional snapshot of the source emotion
}

// Validate checks prompt length, duration and format. Failures wrap
// ErrValidation.
func (r Request) Validate() error {
	n := utf8.RuneCountInString(r.Prompt.Text)
	if n < 1 || n > MaxPromptLength {
		return fmt.Errorf("%w: prompt must be 1..%d characters, got %d", ErrValidation, MaxPromptLength, n)
	}
	if r.Prompt.Duration < MinDuration || r.Prompt.Duration > MaxDuration {
		return fmt.Errorf("%w: duration must be %d..%d seconds, got %d", ErrValidation, MinDuration, MaxDuration, r.Prompt.Duration)
	}
	if !r.Format.valid() {
		return fmt.Errorf("%w: unsupported audio format %q", ErrValidation, r.Format)
	}
	return nil
}

// Job is one generation request and its outcome. Callers outside the
// orchestrator only ever see copies.
type Job struct {
	ID        string
	SessionID string
	State     State
	Prompt    emotion.Prompt
	Format    Format
	UseMock   bool
	Vector    *emotion.Vector

	Locator string // set only when completed
	Size    int64
	Error   string // set only when failed

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (j *Job) clone() *Job {
	c := *j
	if j.Vector != nil {
		v := *j.Vector
		c.Vector = &v
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Prompt.Characteristics != nil {
		c.Prompt.Characteristics = append([]string(nil), j.Prompt.Characteristics...)
	}
	return &c
}
