package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cadence-service/internal/logger"
	"cadence-service/internal/metrics"
)

const (
	DefaultSynthesisTimeout = 120 * time.Second
	DefaultRetention        = 24 * time.Hour
	DefaultListLimit        = 20

	// terminalWriteAttempts bounds the retries of a completed or failed
	// state write before the job is left for RecoverStale.
	terminalWriteAttempts = 5
	terminalWriteDelay    = 100 * time.Millisecond

	staleJobError = "interrupted before reaching a terminal state"
)

var errClosed = errors.New("generation: orchestrator closed")

var tracer = otel.Tracer("cadence-service/generation")

// CompletionFunc is called once for every job that reaches completed.
type CompletionFunc func(ctx context.Context, j Job)

type Config struct {
	// Synthesizer serves requests with UseMock unset. When nil those jobs
	// fail.
	Synthesizer Synthesizer
	Mock        Synthesizer
	Artifacts   ArtifactStore
	Timeout     time.Duration
	Metrics     *metrics.Metrics
}

// Orchestrator is the only writer of generation jobs. Each job runs in its
// own goroutine from Submit until it reaches a terminal state.
type Orchestrator struct {
	store     Store
	synth     Synthesizer
	mock      Synthesizer
	artifacts ArtifactStore
	timeout   time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time

	listenersMu sync.RWMutex
	listeners   []CompletionFunc

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders runs.Add in Submit against runs.Wait in Close.
	mu     sync.Mutex
	closed bool
	runs   sync.WaitGroup

	retryDelay time.Duration

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

func NewOrchestrator(store Store, cfg Config) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:     store,
		synth:     cfg.Synthesizer,
		mock:      cfg.Mock,
		artifacts: cfg.Artifacts,
		timeout:   cfg.Timeout,
		metrics:   cfg.Metrics,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,

		retryDelay: terminalWriteDelay,
	}
	if o.mock == nil {
		o.mock = MockSynthesizer{Delay: DefaultMockDelay}
	}
	if o.timeout <= 0 {
		o.timeout = DefaultSynthesisTimeout
	}
	return o
}

// OnComplete registers fn to run after a job completes.
func (o *Orchestrator) OnComplete(fn CompletionFunc) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// Submit validates req, records a pending job and starts it. It returns as
// soon as the job is recorded; synthesis failures surface only on the job.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, errClosed
	}
	o.runs.Add(1)
	o.mu.Unlock()

	j := &Job{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		State:     StatePending,
		Prompt:    req.Prompt,
		Format:    req.Format,
		UseMock:   req.UseMock,
		Vector:    req.Vector,
		CreatedAt: o.now(),
	}

	if err := o.store.Insert(ctx, j); err != nil {
		o.runs.Done()
		return nil, fmt.Errorf("generation: recording job: %w", err)
	}
	o.metrics.JobTransition(string(StatePending))

	logger.Info("generation job submitted", map[string]any{
		"job_id":     j.ID,
		"session_id": j.SessionID,
		"use_mock":   j.UseMock,
		"format":     j.Format,
	})

	go o.run(j.clone())

	return j.clone(), nil
}

// Get returns a copy of the job, or ErrNotFound.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Job, error) {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("generation: loading job: %w", err)
	}
	if j == nil {
		return nil, ErrNotFound
	}
	return j, nil
}

// ListRecent returns up to limit jobs, newest first.
func (o *Orchestrator) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return o.store.ListRecent(ctx, limit)
}

// GetForSession is Get restricted to jobs submitted by sessionID. Other
// sessions' jobs are reported as ErrNotFound.
func (o *Orchestrator) GetForSession(ctx context.Context, sessionID, id string) (*Job, error) {
	j, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.SessionID != sessionID {
		return nil, ErrNotFound
	}
	return j, nil
}

// ListRecentForSession returns up to limit of the session's jobs, newest
// first.
func (o *Orchestrator) ListRecentForSession(ctx context.Context, sessionID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return o.store.ListRecentBySession(ctx, sessionID, limit)
}

func (o *Orchestrator) run(j *Job) {
	defer o.runs.Done()

	ctx, span := tracer.Start(o.ctx, "generation.run",
		trace.WithAttributes(
			attribute.String("job.id", j.ID),
			attribute.Bool("job.use_mock", j.UseMock),
			attribute.String("job.format", string(j.Format)),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.fail(context.WithoutCancel(ctx), j, err)
		}
	}()

	started := o.now()
	j.State = StateProcessing
	j.StartedAt = &started
	if err := o.store.Update(ctx, j); err != nil {
		o.fail(context.WithoutCancel(ctx), j, fmt.Errorf("recording processing state: %w", err))
		return
	}
	o.metrics.JobTransition(string(StateProcessing))

	locator, size, err := o.produce(ctx, j)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.fail(context.WithoutCancel(ctx), j, err)
		return
	}

	o.complete(context.WithoutCancel(ctx), j, locator, size)
	span.SetStatus(codes.Ok, "")
}

// produce synthesizes the job's audio and stores it.
func (o *Orchestrator) produce(ctx context.Context, j *Job) (string, int64, error) {
	synth := o.mock
	if !j.UseMock {
		synth = o.synth
	}
	if synth == nil {
		return "", 0, errors.New("no synthesis service configured")
	}

	data, err := o.synthesize(ctx, synth, j)
	if err != nil {
		return "", 0, err
	}
	if o.artifacts == nil {
		return "", 0, errors.New("no artifact store configured")
	}

	name := j.ID + "." + string(j.Format)
	locator, err := o.artifacts.Put(ctx, name, data, j.Format.ContentType())
	if err != nil {
		return "", 0, fmt.Errorf("storing artifact: %w", err)
	}
	return locator, int64(len(data)), nil
}

type synthResult struct {
	data []byte
	err  error
}

// synthesize runs synth in its own goroutine so a call that ignores its
// context still cannot hold the job past the timeout.
func (o *Orchestrator) synthesize(ctx context.Context, synth Synthesizer, j *Job) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ch := make(chan synthResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- synthResult{err: fmt.Errorf("synthesizer panic: %v", r)}
			}
		}()
		data, err := synth.Synthesize(ctx, j.Prompt, j.Format)
		ch <- synthResult{data: data, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("synthesis: %w", res.err)
		}
		if len(res.data) == 0 {
			return nil, errors.New("synthesis returned no audio")
		}
		return res.data, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("synthesis timed out after %s", o.timeout)
		}
		return nil, fmt.Errorf("synthesis cancelled: %w", ctx.Err())
	}
}

func (o *Orchestrator) complete(ctx context.Context, j *Job, locator string, size int64) {
	done := o.now()
	j.State = StateCompleted
	j.Locator = locator
	j.Size = size
	j.Error = ""
	j.CompletedAt = &done

	if err := o.recordTerminal(ctx, j); err != nil {
		logger.Error("recording completed job failed", map[string]any{
			"job_id": j.ID,
			"error":  err,
		})
		return
	}
	o.metrics.JobTransition(string(StateCompleted))
	o.metrics.JobFinished(string(StateCompleted), done.Sub(j.CreatedAt))

	logger.Info("generation job completed", map[string]any{
		"job_id":  j.ID,
		"locator": locator,
		"bytes":   size,
	})

	o.listenersMu.RLock()
	listeners := o.listeners
	o.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, *j.clone())
	}
}

func (o *Orchestrator) fail(ctx context.Context, j *Job, cause error) {
	done := o.now()
	j.State = StateFailed
	j.Locator = ""
	j.Size = 0
	j.Error = fmt.Errorf("%w: %v", ErrGenerationFailed, cause).Error()
	j.CompletedAt = &done

	if err := o.recordTerminal(ctx, j); err != nil {
		logger.Error("recording failed job failed", map[string]any{
			"job_id": j.ID,
			"error":  err,
		})
		return
	}
	o.metrics.JobTransition(string(StateFailed))
	o.metrics.JobFinished(string(StateFailed), done.Sub(j.CreatedAt))

	logger.Warn("generation job failed", map[string]any{
		"job_id": j.ID,
		"error":  j.Error,
	})
}

// recordTerminal writes j's terminal state, retrying store errors with
// doubling delays. ErrNotFound means the job is already terminal.
func (o *Orchestrator) recordTerminal(ctx context.Context, j *Job) error {
	delay := o.retryDelay
	for attempt := 1; ; attempt++ {
		err := o.store.Update(ctx, j)
		if err == nil || errors.Is(err, ErrNotFound) || attempt == terminalWriteAttempts {
			return err
		}
		logger.Warn("recording job state failed; retrying", map[string]any{
			"job_id":  j.ID,
			"state":   j.State,
			"attempt": attempt,
			"error":   err,
		})
		time.Sleep(delay)
		delay *= 2
	}
}

// RecoverStale fails pending and processing jobs created more than twice
// the synthesis timeout ago. No live run lasts that long, so these were
// left behind by a restart or by a terminal write that never landed.
func (o *Orchestrator) RecoverStale(ctx context.Context) (int, error) {
	now := o.now()
	n, err := o.store.FailStale(ctx, now.Add(-2*o.timeout), fmt.Errorf("%w: %s", ErrGenerationFailed, staleJobError).Error(), now)
	if err != nil {
		return 0, fmt.Errorf("generation: failing stale jobs: %w", err)
	}
	for range n {
		o.metrics.JobTransition(string(StateFailed))
	}
	if n > 0 {
		logger.Warn("stale generation jobs failed", map[string]any{"count": n})
	}
	return n, nil
}

// Cleanup removes completed and failed jobs created more than maxAge ago,
// together with their artifacts. Pending and processing jobs are never
// touched. Running it again right away removes nothing.
func (o *Orchestrator) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := o.now().Add(-maxAge)

	jobs, err := o.store.ListTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("generation: listing expired jobs: %w", err)
	}

	removed := 0
	var errs []error
	for _, j := range jobs {
		if j.Locator != "" && o.artifacts != nil {
			if err := o.artifacts.Delete(ctx, j.Locator); err != nil {
				logger.Warn("artifact delete failed", map[string]any{
					"job_id":  j.ID,
					"locator": j.Locator,
					"error":   err,
				})
			}
		}

		ok, err := o.store.Delete(ctx, j.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
			continue
		}
		if ok {
			removed++
		}
	}

	o.metrics.JobsRemoved(removed)
	return removed, errors.Join(errs...)
}

// StartCleanupRoutine runs RecoverStale and Cleanup every interval until
// Close is called.
func (o *Orchestrator) StartCleanupRoutine(interval, maxAge time.Duration) {
	ctx, cancel := context.WithCancel(o.ctx)
	o.cleanupCancel = cancel
	o.cleanupDone = make(chan struct{})

	go func() {
		defer close(o.cleanupDone)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := o.RecoverStale(ctx); err != nil {
					logger.Warn("generation recovery error", map[string]any{"error": err})
				}
				n, err := o.Cleanup(ctx, maxAge)
				if err != nil {
					logger.Warn("generation cleanup error", map[string]any{"error": err})
				}
				if n > 0 {
					logger.Info("generation jobs cleaned up", map[string]any{"removed": n})
				}
			}
		}
	}()
}

// Close cancels in-flight jobs and waits for their goroutines to record a
// terminal state.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	if o.cleanupCancel != nil {
		o.cleanupCancel()
		<-o.cleanupDone
	}
	o.runs.Wait()
	return nil
}
