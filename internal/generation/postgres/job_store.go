// Package postgres provides PostgreSQL storage for generation jobs.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"cadence-service/internal/emotion"
	"cadence-service/internal/generation"
)

var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// jobColumns lists columns returned by job SELECT queries, in scan order.
var jobColumns = []string{
	"id", "session_id", "state", "prompt", "format", "use_mock",
	"locator", "size_bytes", "error_message", "vector",
	"created_at", "started_at", "completed_at",
}

var terminalStates = []string{
	string(generation.StateCompleted),
	string(generation.StateFailed),
}

// JobStore implements generation.Store using PostgreSQL.
type JobStore struct {
	db *sql.DB
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) Insert(ctx context.Context, j *generation.Job) error {
	prompt, err := json.Marshal(j.Prompt)
	if err != nil {
		return fmt.Errorf("encoding prompt: %w", err)
	}
	vector, err := encodeVector(j.Vector)
	if err != nil {
		return err
	}

	query, args, err := psq.Insert("generation_jobs").
		Columns(jobColumns...).
		Values(
			j.ID, j.SessionID, string(j.State), prompt, string(j.Format), j.UseMock,
			j.Locator, j.Size, j.Error, vector,
			j.CreatedAt, j.StartedAt, j.CompletedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building job insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

func (s *JobStore) Update(ctx context.Context, j *generation.Job) error {
	query, args, err := psq.Update("generation_jobs").
		Set("state", string(j.State)).
		Set("locator", j.Locator).
		Set("size_bytes", j.Size).
		Set("error_message", j.Error).
		Set("started_at", j.StartedAt).
		Set("completed_at", j.CompletedAt).
		Where(sq.Eq{"id": j.ID}).
		Where(sq.NotEq{"state": terminalStates}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building job update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return generation.ErrNotFound
	}
	return nil
}

// FailStale fails jobs that never reached a terminal state, typically
// because the process running them stopped.
func (s *JobStore) FailStale(ctx context.Context, cutoff time.Time, message string, at time.Time) (int, error) {
	query, args, err := psq.Update("generation_jobs").
		Set("state", string(generation.StateFailed)).
		Set("locator", "").
		Set("size_bytes", 0).
		Set("error_message", message).
		Set("completed_at", at).
		Where(sq.NotEq{"state": terminalStates}).
		Where(sq.Lt{"created_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building stale job update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failing stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failing stale jobs: %w", err)
	}
	return int(n), nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*generation.Job, error) {
	query, args, err := psq.Select(jobColumns...).
		From("generation_jobs").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building job query: %w", err)
	}

	j, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store contract: nil, nil when not found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	return j, nil
}

func (s *JobStore) ListRecent(ctx context.Context, limit int) ([]*generation.Job, error) {
	qb := psq.Select(jobColumns...).
		From("generation_jobs").
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		qb = qb.Limit(uint64(limit))
	}
	return s.list(ctx, qb)
}

func (s *JobStore) ListRecentBySession(ctx context.Context, sessionID string, limit int) ([]*generation.Job, error) {
	qb := psq.Select(jobColumns...).
		From("generation_jobs").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		qb = qb.Limit(uint64(limit))
	}
	return s.list(ctx, qb)
}

func (s *JobStore) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]*generation.Job, error) {
	qb := psq.Select(jobColumns...).
		From("generation_jobs").
		Where(sq.Eq{"state": terminalStates}).
		Where(sq.Lt{"created_at": cutoff})
	return s.list(ctx, qb)
}

// Delete removes a job only while it is terminal, so a job that is still
// running can never be removed.
func (s *JobStore) Delete(ctx context.Context, id string) (bool, error) {
	query, args, err := psq.Delete("generation_jobs").
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"state": terminalStates}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building job delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("deleting job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting job: %w", err)
	}
	return n == 1, nil
}

func (s *JobStore) list(ctx context.Context, qb sq.SelectBuilder) ([]*generation.Job, error) {
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building job query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*generation.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*generation.Job, error) {
	var (
		j         generation.Job
		state     string
		format    string
		prompt    []byte
		vector    []byte
		started   sql.NullTime
		completed sql.NullTime
	)

	err := row.Scan(
		&j.ID, &j.SessionID, &state, &prompt, &format, &j.UseMock,
		&j.Locator, &j.Size, &j.Error, &vector,
		&j.CreatedAt, &started, &completed,
	)
	if err != nil {
		return nil, err
	}

	j.State = generation.State(state)
	j.Format = generation.Format(format)
	if err := json.Unmarshal(prompt, &j.Prompt); err != nil {
		return nil, fmt.Errorf("decoding prompt: %w", err)
	}
	if len(vector) > 0 {
		var v emotion.Vector
		if err := json.Unmarshal(vector, &v); err != nil {
			return nil, fmt.Errorf("decoding vector: %w", err)
		}
		j.Vector = &v
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func encodeVector(v *emotion.Vector) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding vector: %w", err)
	}
	return b, nil
}

// Verify interface compliance.
var _ generation.Store = (*JobStore)(nil)
