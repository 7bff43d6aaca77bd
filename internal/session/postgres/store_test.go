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

	"cadence-service/internal/session"
)

const (
	pgTestSessID = "5f0c3c52-8a8e-4b55-9b57-2b1f5f0e8d11"
	pgTestToken  = "tok-abc"
	pgTestFP     = "fp-123"
)

func newTestSession() *session.Session {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &session.Session{
		ID:             pgTestSessID,
		Token:          pgTestToken,
		Fingerprint:    pgTestFP,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(24 * time.Hour),
		Status:         session.StatusActive,
		Metadata:       map[string]any{"client": "web"},
	}
}

func sessionRow(s *session.Session) []driver.Value {
	return []driver.Value{
		s.ID, s.Token, s.Fingerprint, string(s.Status), s.CreatedAt, s.LastActivityAt,
		s.ExpiresAt, nil, int64(1500), 2, []byte(`{"client":"web"}`),
	}
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestCreate_Success(t *testing.T) {
	store, mock := newMock(t)
	sess := newTestSession()

	mock.ExpectExec("INSERT INTO sessions").WithArgs(
		sess.ID, sess.Token, sess.Fingerprint, "active",
		sess.CreatedAt, sess.LastActivityAt, sess.ExpiresAt, sqlmock.AnyArg(),
		int64(0), 0, []byte(`{"client":"web"}`),
	).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Create(context.Background(), sess))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_DBError(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(errors.New("duplicate key value violates unique constraint"))

	err := store.Create(context.Background(), newTestSession())
	assert.ErrorContains(t, err, "inserting session")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_MetadataNotEncodable(t *testing.T) {
	store, mock := newMock(t)
	sess := newTestSession()
	sess.Metadata = map[string]any{"bad": make(chan int)}

	err := store.Create(context.Background(), sess)
	assert.ErrorContains(t, err, "encoding session metadata")
	assert.NoError(t, mock.ExpectationsWereMet(), "nothing is written")
}

func TestGet_CorruptMetadata(t *testing.T) {
	store, mock := newMock(t)
	sess := newTestSession()

	row := sessionRow(sess)
	row[len(row)-1] = []byte(`{"client":`)
	mock.ExpectQuery("SELECT .+ FROM sessions").
		WithArgs(pgTestSessID).
		WillReturnRows(sqlmock.NewRows(sessionColumns).AddRow(row...))

	_, err := store.Get(context.Background(), pgTestSessID)
	assert.ErrorContains(t, err, "decoding session metadata")
}

func TestGet_Found(t *testing.T) {
	store, mock := newMock(t)
	sess := newTestSession()

	rows := sqlmock.NewRows(sessionColumns).AddRow(sessionRow(sess)...)
	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE id = \$1`).
		WithArgs(pgTestSessID).
		WillReturnRows(rows)

	got, err := store.Get(context.Background(), pgTestSessID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pgTestToken, got.Token)
	assert.Equal(t, session.StatusActive, got.Status)
	assert.Equal(t, 1500*time.Millisecond, got.TypingTime)
	assert.Equal(t, 2, got.Generations)
	assert.Nil(t, got.EndedAt)
	assert.Equal(t, "web", got.Metadata["client"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("SELECT .+ FROM sessions").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sessionColumns))

	got, err := store.Get(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveByToken(t *testing.T) {
	store, mock := newMock(t)
	sess := newTestSession()

	rows := sqlmock.NewRows(sessionColumns).AddRow(sessionRow(sess)...)
	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE token = \$1 AND status = \$2`).
		WithArgs(pgTestToken, "active").
		WillReturnRows(rows)

	got, err := store.GetActiveByToken(context.Background(), pgTestToken)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pgTestSessID, got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveByToken_DBError(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("SELECT .+ FROM sessions").
		WillReturnError(errors.New("db unavailable"))

	got, err := store.GetActiveByToken(context.Background(), pgTestToken)
	assert.Nil(t, got)
	assert.ErrorContains(t, err, "scanning session")
}

func TestListActiveByFingerprint_OrderedOldestFirst(t *testing.T) {
	store, mock := newMock(t)

	older := newTestSession()
	newer := newTestSession()
	newer.ID = "7d6b2c1e-0000-4000-8000-000000000002"
	newer.Token = "tok-def"
	newer.CreatedAt = older.CreatedAt.Add(time.Minute)

	rows := sqlmock.NewRows(sessionColumns).
		AddRow(sessionRow(older)...).
		AddRow(sessionRow(newer)...)
	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE fingerprint = \$1 AND status = \$2 ORDER BY created_at ASC, id ASC`).
		WithArgs(pgTestFP, "active").
		WillReturnRows(rows)

	got, err := store.ListActiveByFingerprint(context.Background(), pgTestFP)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, older.ID, got[0].ID)
	assert.Equal(t, newer.ID, got[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActive_QueryError(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("SELECT .+ FROM sessions").
		WillReturnError(errors.New("timeout"))

	got, err := store.ListActive(context.Background())
	assert.Nil(t, got)
	assert.ErrorContains(t, err, "listing sessions")
}

func TestListActive_ScanError(t *testing.T) {
	store, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"id"}).AddRow("only-one-column")
	mock.ExpectQuery("SELECT .+ FROM sessions").WillReturnRows(rows)

	_, err := store.ListActive(context.Background())
	assert.ErrorContains(t, err, "scanning session row")
}

func TestEnd(t *testing.T) {
	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	t.Run("active session transitions", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectExec(`UPDATE sessions SET status = \$1, ended_at = \$2 WHERE id = \$3 AND status = \$4`).
			WithArgs("abandoned", at, pgTestSessID, "active").
			WillReturnResult(sqlmock.NewResult(0, 1))

		ended, err := store.End(context.Background(), pgTestSessID, session.StatusAbandoned, at)
		require.NoError(t, err)
		assert.True(t, ended)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already ended session is untouched", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectExec("UPDATE sessions").
			WithArgs("completed", at, pgTestSessID, "active").
			WillReturnResult(sqlmock.NewResult(0, 0))

		ended, err := store.End(context.Background(), pgTestSessID, session.StatusCompleted, at)
		require.NoError(t, err)
		assert.False(t, ended)
	})

	t.Run("db error", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectExec("UPDATE sessions").WillReturnError(errors.New("conn reset"))

		_, err := store.End(context.Background(), pgTestSessID, session.StatusCompleted, at)
		assert.ErrorContains(t, err, "ending session")
	})
}

func TestTouch(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE sessions SET last_activity_at = \$1 WHERE id = \$2 AND status = \$3`).
		WithArgs(at, pgTestSessID, "active").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Touch(context.Background(), pgTestSessID, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddUsage(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(`UPDATE sessions SET typing_ms = typing_ms \+ \$1, generations = generations \+ \$2 WHERE id = \$3`).
		WithArgs(int64(2500), 1, pgTestSessID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.AddUsage(context.Background(), pgTestSessID, 2500*time.Millisecond, 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}
