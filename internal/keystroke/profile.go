package keystroke

import (
	"context"
	"sort"
	"sync"
	"time"

	"cadence-service/internal/emotion"
)

// Profile is the persisted outcome of one finalize.
type Profile struct {
	ID         string         `json:"pattern_id"`
	SessionID  string         `json:"session_id"`
	Vector     emotion.Vector `json:"emotion"`
	Analysis   Analysis       `json:"analysis"`
	EventCount int            `json:"event_count"`
	TextLength int            `json:"text_length"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ProfileStore persists emotion profiles keyed by session and pattern id.
// Lookups return nil, nil when nothing matches.
type ProfileStore interface {
	Save(ctx context.Context, p *Profile) error
	Get(ctx context.Context, sessionID, id string) (*Profile, error)
	Latest(ctx context.Context, sessionID string) (*Profile, error)
}

// MemoryProfileStore implements ProfileStore in process memory.
type MemoryProfileStore struct {
	mu        sync.RWMutex
	bySession map[string][]*Profile
}

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{bySession: make(map[string][]*Profile)}
}

func (m *MemoryProfileStore) Save(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *p
	list := append(m.bySession[p.SessionID], &c)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	m.bySession[p.SessionID] = list
	return nil
}

func (m *MemoryProfileStore) Get(_ context.Context, sessionID, id string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.bySession[sessionID] {
		if p.ID == id {
			c := *p
			return &c, nil
		}
	}
	return nil, nil //nolint:nilnil // ProfileStore contract: nil, nil when not found
}

func (m *MemoryProfileStore) Latest(_ context.Context, sessionID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.bySession[sessionID]
	if len(list) == 0 {
		return nil, nil //nolint:nilnil // ProfileStore contract: nil, nil when not found
	}
	c := *list[len(list)-1]
	return &c, nil
}

var _ ProfileStore = (*MemoryProfileStore)(nil)
