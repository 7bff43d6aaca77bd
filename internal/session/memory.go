package session

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. Used for local runs and
// tests; sessions do not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Session
	byToken map[string]string // token -> id, kept for ended sessions too
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Session),
		byToken: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byToken[s.Token]; ok {
		return fmt.Errorf("session: token already issued")
	}
	if _, ok := m.byID[s.ID]; ok {
		return fmt.Errorf("session: id %s already exists", s.ID)
	}

	c := clone(s)
	m.byID[c.ID] = c
	m.byToken[c.Token] = c.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.byID[id]
	if !ok {
		return nil, nil //nolint:nilnil // Store contract: nil, nil when not found
	}
	return clone(s), nil
}

func (m *MemoryStore) GetActiveByToken(_ context.Context, token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byToken[token]
	if !ok {
		return nil, nil //nolint:nilnil // Store contract: nil, nil when not found
	}
	s := m.byID[id]
	if s == nil || !s.Active() {
		return nil, nil //nolint:nilnil // Store contract: nil, nil when not found
	}
	return clone(s), nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		if s.Active() {
			out = append(out, clone(s))
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListActiveByFingerprint(_ context.Context, fingerprint string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.byID {
		if s.Active() && s.Fingerprint == fingerprint {
			out = append(out, clone(s))
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *MemoryStore) End(_ context.Context, id string, status Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[id]
	if !ok || !s.Active() {
		return false, nil
	}
	s.Status = status
	ended := at
	s.EndedAt = &ended
	return true, nil
}

func (m *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.byID[id]; ok && s.Active() {
		s.LastActivityAt = at
	}
	return nil
}

func (m *MemoryStore) AddUsage(_ context.Context, id string, typing time.Duration, generations int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.byID[id]; ok {
		s.TypingTime += typing
		s.Generations += generations
	}
	return nil
}

func clone(s *Session) *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Metadata != nil {
		c.Metadata = maps.Clone(s.Metadata)
	}
	return &c
}

func sortOldestFirst(ss []*Session) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].CreatedAt.Equal(ss[j].CreatedAt) {
			return ss[i].ID < ss[j].ID
		}
		return ss[i].CreatedAt.Before(ss[j].CreatedAt)
	})
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
