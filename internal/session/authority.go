package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cadence-service/internal/logger"
	"cadence-service/internal/metrics"

	"github.com/google/uuid"
)

const (
	DefaultDuration          = 24 * time.Hour
	DefaultCap               = 10
	DefaultValidationTimeout = 2 * time.Second
)

// End reasons passed to EndFuncs and recorded in metrics.
const (
	ReasonExpired        = "expired"
	ReasonEvicted        = "evicted"
	ReasonLogout         = "logout"
	ReasonOriginMismatch = "origin_mismatch"
)

type Config struct {
	// Duration is the fixed session lifetime measured from creation.
	Duration time.Duration

	// Cap is the admission cap: maximum active sessions per fingerprint.
	Cap int

	// StrictOrigin rejects tokens presented from a different origin than
	// the one that created the session.
	StrictOrigin bool

	ValidationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Duration <= 0 {
		c.Duration = DefaultDuration
	}
	if c.Cap < 1 {
		c.Cap = DefaultCap
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = DefaultValidationTimeout
	}
	return c
}

// EndFunc is called after a session leaves the active state.
type EndFunc func(ctx context.Context, sessionID string, reason string)

// SweepResult summarizes one ExpireSweep pass.
type SweepResult struct {
	Checked int
	Expired int
	Errors  []error
}

// Authority issues, validates and retires session tokens.
//
// The admission cap is a soft limit: Create reads the active sessions for a
// fingerprint and then evicts, without holding a lock across the two
// steps. Concurrent creations from one origin can overshoot the cap by the
// number of racing requests until the next Create from that origin evicts
// again.
type Authority struct {
	store   Store
	fp      *Fingerprinter
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time

	hooksMu sync.RWMutex
	hooks   []EndFunc

	cancel context.CancelFunc
	done   chan struct{}
}

func NewAuthority(store Store, fp *Fingerprinter, cfg Config, m *metrics.Metrics) *Authority {
	return &Authority{
		store:   store,
		fp:      fp,
		cfg:     cfg.withDefaults(),
		metrics: m,
		now:     time.Now,
	}
}

// OnEnd registers fn to run whenever a session ends (expiry, eviction,
// logout, origin mismatch).
func (a *Authority) OnEnd(fn EndFunc) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	a.hooks = append(a.hooks, fn)
}

// Create admits a new session for origin. When the origin's fingerprint
// already holds Cap active sessions, the oldest are abandoned first.
func (a *Authority) Create(ctx context.Context, origin string, metadata map[string]any) (*Session, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	fingerprint := a.fp.Fingerprint(origin)
	now := a.now()

	active, err := a.store.ListActiveByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("session: listing active sessions: %w", err)
	}

	evicted := 0
	for i := 0; len(active)-i >= a.cfg.Cap; i++ {
		victim := active[i]
		ended, err := a.store.End(ctx, victim.ID, StatusAbandoned, now)
		if err != nil {
			return nil, fmt.Errorf("session: evicting %s: %w", victim.ID, err)
		}
		if ended {
			evicted++
			logger.Info("session evicted by admission cap", map[string]any{
				"session_id": victim.ID,
				"created_at": victim.CreatedAt,
				"cap":        a.cfg.Cap,
			})
			a.ended(ctx, victim.ID, ReasonEvicted)
		}
	}

	if metadata == nil {
		metadata = map[string]any{}
	}

	s := &Session{
		ID:             uuid.NewString(),
		Token:          token,
		Fingerprint:    fingerprint,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(a.cfg.Duration),
		Status:         StatusActive,
		Metadata:       metadata,
	}

	if err := a.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("session: persisting: %w", err)
	}

	a.metrics.SessionCreated(evicted > 0)
	logger.Info("session created", map[string]any{
		"session_id": s.ID,
		"expires_at": s.ExpiresAt,
		"evicted":    evicted,
	})

	return s, nil
}

// Validate resolves token to its active session. It fails with ErrNoToken,
// ErrInvalidSession or ErrSecurityViolation; expired sessions and strict
// origin mismatches are abandoned as a side effect.
func (a *Authority) Validate(ctx context.Context, token, origin string) (*Session, error) {
	if token == "" {
		a.metrics.AuthFailed(ErrNoToken.Error())
		return nil, ErrNoToken
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.ValidationTimeout)
	defer cancel()

	s, err := a.store.GetActiveByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("session: lookup: %w", err)
	}
	if s == nil {
		a.metrics.AuthFailed(ErrInvalidSession.Error())
		return nil, ErrInvalidSession
	}

	now := a.now()

	if s.Expired(now) {
		a.end(ctx, s.ID, StatusAbandoned, now, ReasonExpired)
		a.metrics.AuthFailed(ErrInvalidSession.Error())
		return nil, ErrInvalidSession
	}

	if a.cfg.StrictOrigin && !a.fp.Match(origin, s.Fingerprint) {
		logger.Warn("session origin mismatch", map[string]any{"session_id": s.ID})
		a.end(ctx, s.ID, StatusAbandoned, now, ReasonOriginMismatch)
		a.metrics.AuthFailed(ErrSecurityViolation.Error())
		return nil, ErrSecurityViolation
	}

	if err := a.store.Touch(ctx, s.ID, now); err != nil {
		logger.Warn("session touch failed", map[string]any{
			"session_id": s.ID,
			"error":      err,
		})
	} else {
		s.LastActivityAt = now
	}

	return s, nil
}

// Logout completes an active session. It reports false if the session had
// already ended.
func (a *Authority) Logout(ctx context.Context, sessionID string) (bool, error) {
	now := a.now()
	ended, err := a.store.End(ctx, sessionID, StatusCompleted, now)
	if err != nil {
		return false, fmt.Errorf("session: logout: %w", err)
	}
	if ended {
		logger.Info("session logged out", map[string]any{"session_id": sessionID})
		a.ended(ctx, sessionID, ReasonLogout)
	}
	return ended, nil
}

// ExpireSweep abandons every active session past its lifetime. A failure on
// one record is collected and the scan continues.
func (a *Authority) ExpireSweep(ctx context.Context) SweepResult {
	var res SweepResult

	active, err := a.store.ListActive(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("session: listing active sessions: %w", err))
		return res
	}

	now := a.now()
	for _, s := range active {
		res.Checked++
		if !s.Expired(now) {
			continue
		}
		ended, err := a.store.End(ctx, s.ID, StatusAbandoned, now)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("session %s: %w", s.ID, err))
			continue
		}
		if ended {
			res.Expired++
			a.ended(ctx, s.ID, ReasonExpired)
		}
	}

	return res
}

// Get returns a session by id in any status, or nil if unknown.
func (a *Authority) Get(ctx context.Context, id string) (*Session, error) {
	return a.store.Get(ctx, id)
}

// RecordTyping adds analyzed typing time to the session counters.
func (a *Authority) RecordTyping(ctx context.Context, sessionID string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return a.store.AddUsage(ctx, sessionID, d, 0)
}

// RecordGeneration counts one completed generation for the session.
func (a *Authority) RecordGeneration(ctx context.Context, sessionID string) error {
	return a.store.AddUsage(ctx, sessionID, 0, 1)
}

// StartSweeper runs ExpireSweep every interval until Close is called.
func (a *Authority) StartSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res := a.ExpireSweep(ctx)
				if res.Expired > 0 || len(res.Errors) > 0 {
					logger.Info("session sweep finished", map[string]any{
						"checked": res.Checked,
						"expired": res.Expired,
						"errors":  len(res.Errors),
					})
				}
				for _, err := range res.Errors {
					logger.Warn("session sweep error", map[string]any{"error": err})
				}
			}
		}
	}()
}

// Close stops the sweeper. It is safe to call Close even if StartSweeper
// was never called.
func (a *Authority) Close() error {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	return nil
}

func (a *Authority) end(ctx context.Context, id string, status Status, at time.Time, reason string) {
	ended, err := a.store.End(ctx, id, status, at)
	if err != nil {
		logger.Warn("session end failed", map[string]any{
			"session_id": id,
			"reason":     reason,
			"error":      err,
		})
		return
	}
	if ended {
		a.ended(ctx, id, reason)
	}
}

func (a *Authority) ended(ctx context.Context, id, reason string) {
	a.metrics.SessionEnded(reason)

	a.hooksMu.RLock()
	hooks := a.hooks
	a.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, id, reason)
	}
}
