package runlog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateErrors(t *testing.T) {
	assert.Empty(t, TruncateErrors(nil))
	assert.Equal(t, "a; b", TruncateErrors([]string{"a", "b"}))

	many := []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"}
	got := TruncateErrors(many)
	assert.Equal(t, "e1; e2; e3; e4; e5", got)

	long := []string{strings.Repeat("x", 2000)}
	assert.Len(t, TruncateErrors(long), 1000)
}

func TestAppendOnTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO extraction_logs .+`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	entry := Entry{
		ID:               "run-1",
		Status:           StatusSuccess,
		StartedAt:        time.Now().UTC(),
		FinishedAt:       time.Now().UTC(),
		DurationSeconds:  12.5,
		RecordsExtracted: 525,
		RecordsInserted:  500,
		RecordsUpdated:   25,
	}
	require.NoError(t, s.Append(context.Background(), tx, entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendWithoutTransaction(t *testing.T) {
	// Failed runs log after rollback, straight to the pool.
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`INSERT INTO extraction_logs .+`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	require.NoError(t, s.Append(context.Background(), nil, Entry{
		Status:       StatusFailed,
		ErrorMessage: "store: ping: connection refused",
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	started := time.Date(2026, 2, 6, 9, 15, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	mock.ExpectQuery(`SELECT id, status, started_at, finished_at, duration_seconds.+FROM extraction_logs ORDER BY started_at DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "status", "started_at", "finished_at", "duration_seconds",
			"records_extracted", "records_inserted", "records_updated", "records_failed", "error_message",
		}).AddRow("run-9", "partial", started, finished, 90.0, 500, 430, 10, 60, "row errors"))

	e, err := New(db).Latest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, StatusPartial, e.Status)
	assert.Equal(t, 430, e.RecordsInserted)
	assert.Equal(t, "row errors", e.ErrorMessage)
}

func TestLatestNoRuns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT id, status.+FROM extraction_logs.+`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	e, err := New(db).Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, e)
}
