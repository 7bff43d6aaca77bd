// Package keystroke buffers per-session keystroke events and turns a
// finalized buffer into an emotion profile.
package keystroke

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
)

const MaxTextLength = 5000

var (
	// ErrInsufficientData means a buffer held fewer than two events at
	// finalize. The buffer is kept so the client can continue typing.
	ErrInsufficientData = errors.New("insufficient keystroke data")

	ErrValidation = errors.New("validation error")
)

type EventType string

const (
	EventKeyDown EventType = "keydown"
	EventKeyUp   EventType = "keyup"
)

// Event is one key press or release as reported by the client.
type Event struct {
	Key       string    `json:"key" validate:"required,max=64"`
	Timestamp float64   `json:"timestamp" validate:"gte=0"` // ms
	Duration  *float64  `json:"duration,omitempty" validate:"omitempty,gte=0"`
	Type      EventType `json:"type" validate:"required,oneof=keydown keyup"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the event's fields. Failures wrap ErrValidation.
func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("%w: %s failed %s", ErrValidation, f.Field(), f.Tag())
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// sortEvents orders events by timestamp in place. Equal timestamps keep
// their arrival order.
func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
}
