package generation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists jobs. Only the orchestrator writes to it.
// Get returns nil, nil for unknown ids.
type Store interface {
	Insert(ctx context.Context, j *Job) error

	// Update overwrites a job that is not yet terminal. It returns
	// ErrNotFound when no such job exists, so a terminal state is final.
	Update(ctx context.Context, j *Job) error

	Get(ctx context.Context, id string) (*Job, error)

	// ListRecent returns up to limit jobs, newest first.
	ListRecent(ctx context.Context, limit int) ([]*Job, error)

	// ListRecentBySession is ListRecent restricted to one session's jobs.
	ListRecentBySession(ctx context.Context, sessionID string, limit int) ([]*Job, error)

	// ListTerminalBefore returns completed or failed jobs created before
	// cutoff.
	ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]*Job, error)

	// FailStale marks pending and processing jobs created before cutoff as
	// failed with message and returns how many it changed.
	FailStale(ctx context.Context, cutoff time.Time, message string, at time.Time) (int, error)

	// Delete removes a terminal job and reports whether a row was removed.
	Delete(ctx context.Context, id string) (bool, error)
}

// MemoryStore keeps jobs in a map guarded by a RWMutex, so status polls
// proceed while a job transitions.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) Insert(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j.clone()
	return nil
}

func (m *MemoryStore) Update(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.jobs[j.ID]; !ok || cur.State.Terminal() {
		return ErrNotFound
	}
	m.jobs[j.ID] = j.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil //nolint:nilnil // Store contract: nil, nil when not found
	}
	return j.clone(), nil
}

func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]*Job, error) {
	return m.recent(limit, func(*Job) bool { return true }), nil
}

func (m *MemoryStore) ListRecentBySession(_ context.Context, sessionID string, limit int) ([]*Job, error) {
	return m.recent(limit, func(j *Job) bool { return j.SessionID == sessionID }), nil
}

func (m *MemoryStore) recent(limit int, keep func(*Job) bool) []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j.clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListTerminalBefore(_ context.Context, cutoff time.Time) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Job
	for _, j := range m.jobs {
		if j.State.Terminal() && j.CreatedAt.Before(cutoff) {
			out = append(out, j.clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) FailStale(_ context.Context, cutoff time.Time, message string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.State.Terminal() || !j.CreatedAt.Before(cutoff) {
			continue
		}
		done := at
		j.State = StateFailed
		j.Locator = ""
		j.Size = 0
		j.Error = message
		j.CompletedAt = &done
		n++
	}
	return n, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !j.State.Terminal() {
		return false, nil
	}
	delete(m.jobs, id)
	return true, nil
}

var _ Store = (*MemoryStore)(nil)
