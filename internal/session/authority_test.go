package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence-service/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestAuthority(t *testing.T, store Store, cfg Config) (*Authority, *fakeClock, *metrics.Metrics) {
	t.Helper()

	fp, err := NewFingerprinter([]byte("test-secret"))
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	a := NewAuthority(store, fp, cfg, m)
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	a.now = clock.Now
	return a, clock, m
}

func TestCreate_IssuesActiveSession(t *testing.T) {
	a, clock, _ := newTestAuthority(t, NewMemoryStore(), Config{})

	s, err := a.Create(context.Background(), "203.0.113.7", map[string]any{"ua": "test"})
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.GreaterOrEqual(t, len(s.Token), 43)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, clock.Now().Add(DefaultDuration), s.ExpiresAt)
	assert.NotEqual(t, "203.0.113.7", s.Fingerprint)
	assert.Len(t, s.Fingerprint, 64)
	assert.Equal(t, "test", s.Metadata["ua"])
}

func TestCreate_AdmissionCapEvictsOldest(t *testing.T) {
	store := NewMemoryStore()
	a, clock, m := newTestAuthority(t, store, Config{Cap: 3})
	ctx := context.Background()

	var evicted []string
	a.OnEnd(func(_ context.Context, id, reason string) {
		if reason == ReasonEvicted {
			evicted = append(evicted, id)
		}
	})

	var created []*Session
	for i := 0; i < 5; i++ {
		s, err := a.Create(ctx, "198.51.100.1", nil)
		require.NoError(t, err)
		created = append(created, s)
		clock.Advance(time.Second)

		active, err := store.ListActiveByFingerprint(ctx, s.Fingerprint)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(active), 3, "after create %d", i)
	}

	assert.Equal(t, []string{created[0].ID, created[1].ID}, evicted)

	first, err := store.Get(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, first.Status)
	require.NotNil(t, first.EndedAt)

	assert.InDelta(t, 2, testutil.ToFloat64(m.SessionsCreated.WithLabelValues("true")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.SessionsEnded.WithLabelValues(ReasonEvicted)), 0)
}

func TestCreate_CapIsPerOrigin(t *testing.T) {
	store := NewMemoryStore()
	a, _, _ := newTestAuthority(t, store, Config{Cap: 1})
	ctx := context.Background()

	s1, err := a.Create(ctx, "10.0.0.1", nil)
	require.NoError(t, err)
	_, err = a.Create(ctx, "10.0.0.2", nil)
	require.NoError(t, err)

	got, err := store.Get(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestCreate_TieBreakByID(t *testing.T) {
	store := NewMemoryStore()
	a, _, _ := newTestAuthority(t, store, Config{Cap: 2})
	ctx := context.Background()

	// The clock never advances, so both sessions share CreatedAt.
	s1, err := a.Create(ctx, "10.0.0.9", nil)
	require.NoError(t, err)
	s2, err := a.Create(ctx, "10.0.0.9", nil)
	require.NoError(t, err)
	_, err = a.Create(ctx, "10.0.0.9", nil)
	require.NoError(t, err)

	victim, survivor := s1, s2
	if s2.ID < s1.ID {
		victim, survivor = s2, s1
	}

	v, _ := store.Get(ctx, victim.ID)
	assert.Equal(t, StatusAbandoned, v.Status)
	sv, _ := store.Get(ctx, survivor.ID)
	assert.Equal(t, StatusActive, sv.Status)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()

	t.Run("empty token", func(t *testing.T) {
		a, _, m := newTestAuthority(t, NewMemoryStore(), Config{})
		_, err := a.Validate(ctx, "", "10.0.0.1")
		assert.ErrorIs(t, err, ErrNoToken)
		assert.InDelta(t, 1, testutil.ToFloat64(m.AuthFailures.WithLabelValues("no_token")), 0)
	})

	t.Run("unknown token", func(t *testing.T) {
		a, _, _ := newTestAuthority(t, NewMemoryStore(), Config{})
		_, err := a.Validate(ctx, "nope", "10.0.0.1")
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("valid token touches activity", func(t *testing.T) {
		store := NewMemoryStore()
		a, clock, _ := newTestAuthority(t, store, Config{})
		s, err := a.Create(ctx, "10.0.0.1", nil)
		require.NoError(t, err)

		clock.Advance(time.Minute)
		got, err := a.Validate(ctx, s.Token, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID)
		assert.Equal(t, clock.Now(), got.LastActivityAt)

		stored, _ := store.Get(ctx, s.ID)
		assert.Equal(t, clock.Now(), stored.LastActivityAt)
	})

	t.Run("expired token abandons session", func(t *testing.T) {
		store := NewMemoryStore()
		a, clock, _ := newTestAuthority(t, store, Config{Duration: time.Hour})
		s, err := a.Create(ctx, "10.0.0.1", nil)
		require.NoError(t, err)

		var reasons []string
		a.OnEnd(func(_ context.Context, _ string, reason string) { reasons = append(reasons, reason) })

		clock.Advance(time.Hour + time.Second)
		_, err = a.Validate(ctx, s.Token, "10.0.0.1")
		assert.ErrorIs(t, err, ErrInvalidSession)

		stored, _ := store.Get(ctx, s.ID)
		assert.Equal(t, StatusAbandoned, stored.Status)
		assert.Equal(t, []string{ReasonExpired}, reasons)

		// A second presentation finds nothing active.
		_, err = a.Validate(ctx, s.Token, "10.0.0.1")
		assert.ErrorIs(t, err, ErrInvalidSession)
		assert.Len(t, reasons, 1)
	})

	t.Run("strict origin mismatch", func(t *testing.T) {
		store := NewMemoryStore()
		a, _, _ := newTestAuthority(t, store, Config{StrictOrigin: true})
		s, err := a.Create(ctx, "10.0.0.1", nil)
		require.NoError(t, err)

		_, err = a.Validate(ctx, s.Token, "10.9.9.9")
		assert.ErrorIs(t, err, ErrSecurityViolation)

		stored, _ := store.Get(ctx, s.ID)
		assert.Equal(t, StatusAbandoned, stored.Status)
	})

	t.Run("lenient origin mismatch is accepted", func(t *testing.T) {
		a, _, _ := newTestAuthority(t, NewMemoryStore(), Config{})
		s, err := a.Create(ctx, "10.0.0.1", nil)
		require.NoError(t, err)

		got, err := a.Validate(ctx, s.Token, "10.9.9.9")
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID)
	})

	t.Run("store failure is not an auth sentinel", func(t *testing.T) {
		store := &failingStore{MemoryStore: NewMemoryStore(), failLookup: true}
		a, _, _ := newTestAuthority(t, store, Config{})

		_, err := a.Validate(ctx, "some-token", "10.0.0.1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvalidSession)
		assert.NotErrorIs(t, err, ErrNoToken)
	})
}

func TestLogout_OnlyOnce(t *testing.T) {
	store := NewMemoryStore()
	a, _, _ := newTestAuthority(t, store, Config{})
	ctx := context.Background()

	calls := 0
	a.OnEnd(func(context.Context, string, string) { calls++ })

	s, err := a.Create(ctx, "10.0.0.1", nil)
	require.NoError(t, err)

	ended, err := a.Logout(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ended)

	ended, err = a.Logout(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ended)
	assert.Equal(t, 1, calls)

	stored, _ := store.Get(ctx, s.ID)
	assert.Equal(t, StatusCompleted, stored.Status)

	_, err = a.Validate(ctx, s.Token, "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestExpireSweep(t *testing.T) {
	store := NewMemoryStore()
	a, clock, _ := newTestAuthority(t, store, Config{Duration: time.Hour})
	ctx := context.Background()

	old1, _ := a.Create(ctx, "10.0.0.1", nil)
	old2, _ := a.Create(ctx, "10.0.0.2", nil)
	clock.Advance(50 * time.Minute)
	fresh, _ := a.Create(ctx, "10.0.0.3", nil)
	clock.Advance(15 * time.Minute)

	var discarded []string
	a.OnEnd(func(_ context.Context, id, _ string) { discarded = append(discarded, id) })

	res := a.ExpireSweep(ctx)
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 2, res.Expired)
	assert.Empty(t, res.Errors)
	assert.ElementsMatch(t, []string{old1.ID, old2.ID}, discarded)

	f, _ := store.Get(ctx, fresh.ID)
	assert.Equal(t, StatusActive, f.Status)

	again := a.ExpireSweep(ctx)
	assert.Equal(t, 0, again.Expired)
}

func TestExpireSweep_PartialFailureContinues(t *testing.T) {
	mem := NewMemoryStore()
	store := &failingStore{MemoryStore: mem, failEndFor: map[string]bool{}}
	a, clock, _ := newTestAuthority(t, store, Config{Duration: time.Hour})
	ctx := context.Background()

	s1, _ := a.Create(ctx, "10.0.0.1", nil)
	s2, _ := a.Create(ctx, "10.0.0.2", nil)
	s3, _ := a.Create(ctx, "10.0.0.3", nil)
	store.failEndFor[s2.ID] = true
	clock.Advance(2 * time.Hour)

	res := a.ExpireSweep(ctx)
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 2, res.Expired)
	require.Len(t, res.Errors, 1)
	assert.ErrorContains(t, res.Errors[0], s2.ID)

	for _, id := range []string{s1.ID, s3.ID} {
		got, _ := mem.Get(ctx, id)
		assert.Equal(t, StatusAbandoned, got.Status)
	}
	got, _ := mem.Get(ctx, s2.ID)
	assert.Equal(t, StatusActive, got.Status)
}

func TestExpireSweep_ListFailure(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failList: true}
	a, _, _ := newTestAuthority(t, store, Config{})

	res := a.ExpireSweep(context.Background())
	assert.Equal(t, 0, res.Checked)
	assert.Len(t, res.Errors, 1)
}

func TestRecordUsage(t *testing.T) {
	store := NewMemoryStore()
	a, _, _ := newTestAuthority(t, store, Config{})
	ctx := context.Background()

	s, err := a.Create(ctx, "10.0.0.1", nil)
	require.NoError(t, err)

	require.NoError(t, a.RecordTyping(ctx, s.ID, 3*time.Second))
	require.NoError(t, a.RecordTyping(ctx, s.ID, 0))
	require.NoError(t, a.RecordGeneration(ctx, s.ID))
	require.NoError(t, a.RecordGeneration(ctx, s.ID))

	got, err := a.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, got.TypingTime)
	assert.Equal(t, 2, got.Generations)
}

func TestStartSweeper_Close(t *testing.T) {
	a, _, _ := newTestAuthority(t, NewMemoryStore(), Config{})
	a.StartSweeper(10 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, a.Close())
}

func TestClose_WithoutSweeper(t *testing.T) {
	a, _, _ := newTestAuthority(t, NewMemoryStore(), Config{})
	assert.NoError(t, a.Close())
}

// failingStore wraps MemoryStore and injects errors.
type failingStore struct {
	*MemoryStore
	failLookup bool
	failList   bool
	failEndFor map[string]bool
}

func (f *failingStore) GetActiveByToken(ctx context.Context, token string) (*Session, error) {
	if f.failLookup {
		return nil, errors.New("connection refused")
	}
	return f.MemoryStore.GetActiveByToken(ctx, token)
}

func (f *failingStore) ListActive(ctx context.Context) ([]*Session, error) {
	if f.failList {
		return nil, errors.New("connection refused")
	}
	return f.MemoryStore.ListActive(ctx)
}

func (f *failingStore) End(ctx context.Context, id string, status Status, at time.Time) (bool, error) {
	if f.failEndFor[id] {
		return false, fmt.Errorf("update %s: deadlock detected", id)
	}
	return f.MemoryStore.End(ctx, id, status, at)
}
