// Package postgres provides PostgreSQL storage for emotion profiles.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"cadence-service/internal/keystroke"
)

var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// profileColumns lists columns returned by profile SELECT queries, in scan order.
var profileColumns = []string{
	"id", "session_id", "energy", "valence", "tension", "focus",
	"tempo", "rhythm_consistency", "pause_intensity", "confidence",
	"event_count", "text_length", "created_at",
}

// ProfileStore implements keystroke.ProfileStore using PostgreSQL.
type ProfileStore struct {
	db *sql.DB
}

func NewProfileStore(db *sql.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

func (s *ProfileStore) Save(ctx context.Context, p *keystroke.Profile) error {
	v := p.Vector
	query, args, err := psq.Insert("emotion_profiles").
		Columns(profileColumns...).
		Values(
			p.ID, p.SessionID, v.Energy, v.Valence, v.Tension, v.Focus,
			v.Tempo, v.RhythmConsistency, v.PauseIntensity, v.Confidence,
			p.EventCount, p.TextLength, p.CreatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building profile insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting profile: %w", err)
	}
	return nil
}

func (s *ProfileStore) Get(ctx context.Context, sessionID, id string) (*keystroke.Profile, error) {
	return s.one(ctx, psq.Select(profileColumns...).
		From("emotion_profiles").
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"session_id": sessionID}))
}

func (s *ProfileStore) Latest(ctx context.Context, sessionID string) (*keystroke.Profile, error) {
	return s.one(ctx, psq.Select(profileColumns...).
		From("emotion_profiles").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("created_at DESC").
		Limit(1))
}

func (s *ProfileStore) one(ctx context.Context, qb sq.SelectBuilder) (*keystroke.Profile, error) {
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building profile query: %w", err)
	}

	var p keystroke.Profile
	v := &p.Vector
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&p.ID, &p.SessionID, &v.Energy, &v.Valence, &v.Tension, &v.Focus,
		&v.Tempo, &v.RhythmConsistency, &v.PauseIntensity, &v.Confidence,
		&p.EventCount, &p.TextLength, &p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // ProfileStore contract: nil, nil when not found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning profile: %w", err)
	}

	p.Analysis = keystroke.Analysis{
		EventCount:        p.EventCount,
		Tempo:             v.Tempo,
		RhythmConsistency: v.RhythmConsistency,
		PauseIntensity:    v.PauseIntensity,
	}
	return &p, nil
}

// Verify interface compliance.
var _ keystroke.ProfileStore = (*ProfileStore)(nil)
