// Package session implements the session authority: anonymous, consented
// sessions identified by bearer tokens, admitted per origin up to a cap and
// retired on expiry, logout or eviction.
package session

import (
	"context"
	"time"
)

// Status is the lifecycle state of a session. A session leaves StatusActive
// exactly once and never returns to it.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Session represents one consented client session.
type Session struct {
	ID    string // uuid
	Token string // bearer token, unique across all sessions ever issued

	// Fingerprint is the salted hash of the client origin. Many sessions
	// may share one.
	Fingerprint string

	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time // CreatedAt + fixed duration
	EndedAt        *time.Time

	Status Status

	TypingTime  time.Duration
	Generations int

	Metadata map[string]any
}

// Expired reports whether the session's fixed lifetime has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Active reports whether the session is still in StatusActive.
func (s *Session) Active() bool {
	return s.Status == StatusActive
}

// Store is the credential store contract used by the Authority.
// Lookups return nil, nil when nothing matches.
type Store interface {
	Create(ctx context.Context, s *Session) error

	Get(ctx context.Context, id string) (*Session, error)

	// GetActiveByToken returns the active session holding token.
	GetActiveByToken(ctx context.Context, token string) (*Session, error)

	// ListActive returns every active session.
	ListActive(ctx context.Context) ([]*Session, error)

	// ListActiveByFingerprint returns the active sessions sharing a
	// fingerprint ordered oldest first (CreatedAt, then ID).
	ListActiveByFingerprint(ctx context.Context, fingerprint string) ([]*Session, error)

	// End moves an active session to status. It reports false when the
	// session was not active, so the transition happens at most once.
	End(ctx context.Context, id string, status Status, at time.Time) (bool, error)

	// Touch records activity on an active session.
	Touch(ctx context.Context, id string, at time.Time) error

	// AddUsage increments the typing time and generation counters.
	AddUsage(ctx context.Context, id string, typing time.Duration, generations int) error
}
