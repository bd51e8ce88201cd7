package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/imu-capture/pkg/reading"
	"github.com/txn2/imu-capture/pkg/sink"
)

const writerTestSession = "sess-1"

func newWriterRecord(t *testing.T) sink.Record {
	t.Helper()
	r, err := reading.Decode([]byte("1000,0.1,0.2,9.8,0.01,-0.02,0.00,512"))
	require.NoError(t, err)
	return sink.Record{
		ServerTime: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
		SessionID:  writerTestSession,
		Label:      "awake",
		Reading:    r,
	}
}

func TestWriter_WriteRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rec := newWriterRecord(t)
	mock.ExpectExec("INSERT INTO readings").
		WithArgs(writerTestSession, rec.ServerTime, int64(1000),
			0.1, 0.2, 9.8, 0.01, -0.02, 0.0, 512.0, "awake").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, New(db).WriteRecord(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriter_WriteRecordError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO readings").WillReturnError(errors.New("connection reset"))

	err = New(db).WriteRecord(context.Background(), newWriterRecord(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inserting reading for session sess-1")
}

func TestWriter_AsManagerMirror(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO readings").WillReturnResult(sqlmock.NewResult(1, 1))

	m := sink.NewManager(sink.Config{Labels: true, Mirrors: []sink.RowWriter{New(db)}})
	h, err := m.Open(t.TempDir()+"/data.csv", writerTestSession)
	require.NoError(t, err)

	require.NoError(t, m.Append(context.Background(), h, newWriterRecord(t)))
	assert.NoError(t, mock.ExpectationsWereMet())
}
