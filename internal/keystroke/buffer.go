package keystroke

import (
	"context"
	"sync"
	"time"

	"cadence-service/internal/logger"
)

// BufferStore holds the unfinalized events of each session. Buffers live
// in the ephemeral store only and disappear after the idle timeout.
type BufferStore interface {
	// Append adds e to the session's buffer, refreshes its idle deadline
	// and returns the new buffer length.
	Append(ctx context.Context, sessionID string, e Event) (int, error)

	// Load returns the buffered events in arrival order.
	Load(ctx context.Context, sessionID string) ([]Event, error)

	// Trim drops the n oldest events, keeping anything appended after
	// the Load that counted them.
	Trim(ctx context.Context, sessionID string, n int) error

	Clear(ctx context.Context, sessionID string) error
}

type memBuffer struct {
	events  []Event
	touched time.Time
}

// MemoryBuffer is an in-process BufferStore. Idle buffers are dropped by
// the sweeper started with StartIdleSweeper, or lazily on Load.
type MemoryBuffer struct {
	mu          sync.Mutex
	buffers     map[string]*memBuffer
	idleTimeout time.Duration
	now         func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewMemoryBuffer(idleTimeout time.Duration) *MemoryBuffer {
	return &MemoryBuffer{
		buffers:     make(map[string]*memBuffer),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

func (m *MemoryBuffer) Append(_ context.Context, sessionID string, e Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[sessionID]
	if !ok || m.idle(b) {
		b = &memBuffer{}
		m.buffers[sessionID] = b
	}
	b.events = append(b.events, e)
	b.touched = m.now()
	return len(b.events), nil
}

func (m *MemoryBuffer) Load(_ context.Context, sessionID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[sessionID]
	if !ok {
		return nil, nil
	}
	if m.idle(b) {
		delete(m.buffers, sessionID)
		return nil, nil
	}
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out, nil
}

func (m *MemoryBuffer) Trim(_ context.Context, sessionID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[sessionID]
	if !ok {
		return nil
	}
	if n >= len(b.events) {
		delete(m.buffers, sessionID)
		return nil
	}
	b.events = append([]Event(nil), b.events[n:]...)
	return nil
}

func (m *MemoryBuffer) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, sessionID)
	return nil
}

// SweepIdle drops every buffer untouched for longer than the idle timeout
// and returns how many were removed.
func (m *MemoryBuffer) SweepIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, b := range m.buffers {
		if m.idle(b) {
			delete(m.buffers, id)
			n++
		}
	}
	return n
}

// StartIdleSweeper runs SweepIdle every interval until Close is called.
func (m *MemoryBuffer) StartIdleSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.SweepIdle(); n > 0 {
					logger.Debug("idle keystroke buffers dropped", map[string]any{"count": n})
				}
			}
		}
	}()
}

func (m *MemoryBuffer) Close() error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	return nil
}

func (m *MemoryBuffer) idle(b *memBuffer) bool {
	return m.idleTimeout > 0 && m.now().Sub(b.touched) > m.idleTimeout
}

var _ BufferStore = (*MemoryBuffer)(nil)
