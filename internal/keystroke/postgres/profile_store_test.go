package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence-service/internal/emotion"
	"cadence-service/internal/keystroke"
)

func newMock(t *testing.T) (*ProfileStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewProfileStore(db), mock
}

func testProfile() *keystroke.Profile {
	v := emotion.NewVector(0.8, 0.5, 0.7, 0.4)
	v.Tempo, v.RhythmConsistency, v.PauseIntensity, v.Confidence = 0.6, 0.7, 0.1, 0.9
	return &keystroke.Profile{
		ID:         "b3c1a2d4-1111-4222-8333-444455556666",
		SessionID:  "5f0c3c52-8a8e-4b55-9b57-2b1f5f0e8d11",
		Vector:     v,
		EventCount: 120,
		TextLength: 42,
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func profileRow(p *keystroke.Profile) []driver.Value {
	v := p.Vector
	return []driver.Value{
		p.ID, p.SessionID, v.Energy, v.Valence, v.Tension, v.Focus,
		v.Tempo, v.RhythmConsistency, v.PauseIntensity, v.Confidence,
		p.EventCount, p.TextLength, p.CreatedAt,
	}
}

func TestSave(t *testing.T) {
	store, mock := newMock(t)
	p := testProfile()

	mock.ExpectExec("INSERT INTO emotion_profiles").
		WithArgs(profileRow(p)...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Save(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_DBError(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("INSERT INTO emotion_profiles").
		WillReturnError(errors.New("foreign key violation"))

	err := store.Save(context.Background(), testProfile())
	assert.ErrorContains(t, err, "inserting profile")
}

func TestGet(t *testing.T) {
	store, mock := newMock(t)
	p := testProfile()

	mock.ExpectQuery(`SELECT .+ FROM emotion_profiles WHERE id = \$1 AND session_id = \$2`).
		WithArgs(p.ID, p.SessionID).
		WillReturnRows(sqlmock.NewRows(profileColumns).AddRow(profileRow(p)...))

	got, err := store.Get(context.Background(), p.SessionID, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.Vector, got.Vector)
	assert.Equal(t, 120, got.EventCount)
	assert.InDelta(t, 0.7, got.Analysis.RhythmConsistency, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("SELECT .+ FROM emotion_profiles").
		WillReturnRows(sqlmock.NewRows(profileColumns))

	got, err := store.Get(context.Background(), "s", "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestLatest(t *testing.T) {
	store, mock := newMock(t)
	p := testProfile()

	mock.ExpectQuery(`SELECT .+ FROM emotion_profiles WHERE session_id = \$1 ORDER BY created_at DESC LIMIT 1`).
		WithArgs(p.SessionID).
		WillReturnRows(sqlmock.NewRows(profileColumns).AddRow(profileRow(p)...))

	got, err := store.Latest(context.Background(), p.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.ID, got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatest_QueryError(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("SELECT .+ FROM emotion_profiles").
		WillReturnError(errors.New("connection reset"))

	got, err := store.Latest(context.Background(), "s")
	assert.Nil(t, got)
	assert.ErrorContains(t, err, "scanning profile")
}
