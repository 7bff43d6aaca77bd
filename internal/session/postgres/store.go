// Package postgres provides PostgreSQL storage for sessions.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"cadence-service/internal/session"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// sessionColumns lists columns returned by session SELECT queries, in scan order.
var sessionColumns = []string{
	"id", "token", "fingerprint", "status", "created_at", "last_activity_at",
	"expires_at", "ended_at", "typing_ms", "generations", "metadata",
}

// Store implements session.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL session store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new session.
func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	meta := []byte("{}")
	if sess.Metadata != nil {
		var err error
		if meta, err = json.Marshal(sess.Metadata); err != nil {
			return fmt.Errorf("encoding session metadata: %w", err)
		}
	}

	query, args, err := psq.Insert("sessions").
		Columns(sessionColumns...).
		Values(
			sess.ID, sess.Token, sess.Fingerprint, string(sess.Status),
			sess.CreatedAt, sess.LastActivityAt, sess.ExpiresAt, sess.EndedAt,
			sess.TypingTime.Milliseconds(), sess.Generations, meta,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID in any status.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	query, args, err := psq.Select(sessionColumns...).
		From("sessions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}
	return s.scanOne(s.db.QueryRowContext(ctx, query, args...))
}

// GetActiveByToken retrieves the active session holding token.
func (s *Store) GetActiveByToken(ctx context.Context, token string) (*session.Session, error) {
	query, args, err := psq.Select(sessionColumns...).
		From("sessions").
		Where(sq.Eq{"token": token}).
		Where(sq.Eq{"status": string(session.StatusActive)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}
	return s.scanOne(s.db.QueryRowContext(ctx, query, args...))
}

// ListActive returns every active session, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]*session.Session, error) {
	qb := psq.Select(sessionColumns...).
		From("sessions").
		Where(sq.Eq{"status": string(session.StatusActive)}).
		OrderBy("created_at ASC", "id ASC")
	return s.list(ctx, qb)
}

// ListActiveByFingerprint returns active sessions for a fingerprint, oldest first.
func (s *Store) ListActiveByFingerprint(ctx context.Context, fingerprint string) ([]*session.Session, error) {
	qb := psq.Select(sessionColumns...).
		From("sessions").
		Where(sq.Eq{"fingerprint": fingerprint}).
		Where(sq.Eq{"status": string(session.StatusActive)}).
		OrderBy("created_at ASC", "id ASC")
	return s.list(ctx, qb)
}

// End moves an active session to status. The status guard in the WHERE
// clause makes the transition happen at most once.
func (s *Store) End(ctx context.Context, id string, status session.Status, at time.Time) (bool, error) {
	query, args, err := psq.Update("sessions").
		Set("status", string(status)).
		Set("ended_at", at).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": string(session.StatusActive)}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building session end: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("ending session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ending session: %w", err)
	}
	return n == 1, nil
}

// Touch records activity on an active session.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	query, args, err := psq.Update("sessions").
		Set("last_activity_at", at).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": string(session.StatusActive)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session touch: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// AddUsage increments the usage counters in place.
func (s *Store) AddUsage(ctx context.Context, id string, typing time.Duration, generations int) error {
	query, args, err := psq.Update("sessions").
		Set("typing_ms", sq.Expr("typing_ms + ?", typing.Milliseconds())).
		Set("generations", sq.Expr("generations + ?", generations)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session usage update: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating session usage: %w", err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, qb sq.SelectBuilder) ([]*session.Session, error) {
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

func (*Store) scanOne(row *sql.Row) (*session.Session, error) {
	sess, err := scan(row)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // Store contract: nil, nil when not found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return sess, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*session.Session, error) {
	var (
		sess     session.Session
		status   string
		endedAt  sql.NullTime
		typingMS int64
		meta     []byte
	)

	err := row.Scan(
		&sess.ID, &sess.Token, &sess.Fingerprint, &status,
		&sess.CreatedAt, &sess.LastActivityAt, &sess.ExpiresAt, &endedAt,
		&typingMS, &sess.Generations, &meta,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = session.Status(status)
	sess.TypingTime = time.Duration(typingMS) * time.Millisecond
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	sess.Metadata = make(map[string]any)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decoding session metadata: %w", err)
		}
	}
	return &sess, nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
