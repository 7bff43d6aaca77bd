package keystroke

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"cadence-service/internal/emotion"
	"cadence-service/internal/logger"
	"cadence-service/internal/metrics"
)

const DefaultAnalysisTimeout = 5 * time.Second

// UsageRecorder receives the typing time covered by each finalized buffer.
type UsageRecorder interface {
	RecordTyping(ctx context.Context, sessionID string, d time.Duration) error
}

type Options struct {
	Analyzer        Analyzer
	Deriver         Deriver
	Cache           *ProfileCache // optional
	Usage           UsageRecorder // optional
	Metrics         *metrics.Metrics
	AnalysisTimeout time.Duration
}

// Ingestor owns the per-session keystroke buffers and turns them into
// emotion profiles.
type Ingestor struct {
	buffers  BufferStore
	profiles ProfileStore
	analyzer Analyzer
	deriver  Deriver
	cache    *ProfileCache
	usage    UsageRecorder
	metrics  *metrics.Metrics
	timeout  time.Duration
	locks    keyedMutex
	now      func() time.Time
}

func NewIngestor(buffers BufferStore, profiles ProfileStore, opts Options) *Ingestor {
	in := &Ingestor{
		buffers:  buffers,
		profiles: profiles,
		analyzer: opts.Analyzer,
		deriver:  opts.Deriver,
		cache:    opts.Cache,
		usage:    opts.Usage,
		metrics:  opts.Metrics,
		timeout:  opts.AnalysisTimeout,
		locks:    keyedMutex{locks: make(map[string]*refLock)},
		now:      time.Now,
	}
	if in.analyzer == nil {
		in.analyzer = RhythmAnalyzer{PauseThreshold: DefaultPauseThreshold}
	}
	if in.deriver == nil {
		in.deriver = HeuristicDeriver{}
	}
	if in.timeout <= 0 {
		in.timeout = DefaultAnalysisTimeout
	}
	return in
}

// Append validates e and adds it to the session's buffer.
func (in *Ingestor) Append(ctx context.Context, sessionID string, e Event) (int, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}

	n, err := in.buffers.Append(ctx, sessionID, e)
	if err != nil {
		return 0, err
	}
	in.metrics.KeystrokeIngested()
	return n, nil
}

// Finalize analyzes the session's buffer and stores the resulting profile.
// Calls for one session are serialized, so a buffer is never counted twice.
func (in *Ingestor) Finalize(ctx context.Context, sessionID, text string) (*Profile, error) {
	if utf8.RuneCountInString(text) > MaxTextLength {
		return nil, fmt.Errorf("%w: text_content exceeds %d characters", ErrValidation, MaxTextLength)
	}

	unlock := in.locks.lock(sessionID)
	defer unlock()

	events, err := in.buffers.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(events) < 2 {
		in.metrics.AnalysisDone("insufficient_data", 0)
		return nil, ErrInsufficientData
	}
	sortEvents(events)

	start := in.now()
	analysis, vector, err := in.analyze(ctx, events, text)
	if err != nil {
		in.metrics.AnalysisDone("error", 0)
		return nil, err
	}

	p := &Profile{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Vector:     vector,
		Analysis:   analysis,
		EventCount: len(events),
		TextLength: utf8.RuneCountInString(text),
		CreatedAt:  in.now(),
	}

	if err := in.profiles.Save(ctx, p); err != nil {
		in.metrics.AnalysisDone("error", 0)
		return nil, fmt.Errorf("keystroke: saving profile: %w", err)
	}

	if in.cache != nil {
		if err := in.cache.Put(ctx, p); err != nil {
			logger.Warn("profile cache put failed", map[string]any{
				"session_id": sessionID,
				"error":      err,
			})
		}
	}

	// Events appended while the analysis ran stay for the next finalize.
	if err := in.buffers.Trim(ctx, sessionID, len(events)); err != nil {
		logger.Warn("keystroke buffer trim failed", map[string]any{
			"session_id": sessionID,
			"error":      err,
		})
	}

	if in.usage != nil {
		if err := in.usage.RecordTyping(ctx, sessionID, analysis.Span); err != nil {
			logger.Warn("typing time update failed", map[string]any{
				"session_id": sessionID,
				"error":      err,
			})
		}
	}

	in.metrics.AnalysisDone("ok", in.now().Sub(start))
	logger.Info("keystroke buffer finalized", map[string]any{
		"session_id": sessionID,
		"pattern_id": p.ID,
		"events":     p.EventCount,
	})

	return p, nil
}

type analysisResult struct {
	analysis Analysis
	vector   emotion.Vector
	err      error
}

// analyze runs the analyzer and deriver in their own goroutine, bounded by
// the analysis timeout.
func (in *Ingestor) analyze(ctx context.Context, events []Event, text string) (Analysis, emotion.Vector, error) {
	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	ch := make(chan analysisResult, 1)
	go func() {
		a, err := in.analyzer.Analyze(ctx, events)
		if err != nil {
			ch <- analysisResult{err: fmt.Errorf("keystroke: analyze: %w", err)}
			return
		}
		v, err := in.deriver.Derive(ctx, a, text)
		if err != nil {
			ch <- analysisResult{err: fmt.Errorf("keystroke: derive: %w", err)}
			return
		}
		ch <- analysisResult{analysis: a, vector: v}
	}()

	select {
	case res := <-ch:
		return res.analysis, res.vector, res.err
	case <-ctx.Done():
		return Analysis{}, emotion.Vector{}, fmt.Errorf("keystroke: analysis: %w", ctx.Err())
	}
}

// Discard drops the session's buffer without analyzing it.
func (in *Ingestor) Discard(ctx context.Context, sessionID string) {
	if err := in.buffers.Clear(ctx, sessionID); err != nil {
		logger.Warn("keystroke buffer discard failed", map[string]any{
			"session_id": sessionID,
			"error":      err,
		})
	}
}

// Profile returns a stored profile, preferring the cache.
func (in *Ingestor) Profile(ctx context.Context, sessionID, patternID string) (*Profile, error) {
	if in.cache != nil {
		if p, err := in.cache.Get(ctx, sessionID, patternID); err == nil && p != nil {
			return p, nil
		}
	}
	return in.profiles.Get(ctx, sessionID, patternID)
}

// LatestProfile returns the session's most recent profile, or nil.
func (in *Ingestor) LatestProfile(ctx context.Context, sessionID string) (*Profile, error) {
	if in.cache != nil {
		if p, err := in.cache.Latest(ctx, sessionID); err == nil && p != nil {
			return p, nil
		}
	}
	return in.profiles.Latest(ctx, sessionID)
}

// keyedMutex hands out one mutex per key. Entries are reference counted
// and dropped once no caller holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
