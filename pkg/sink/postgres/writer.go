// Package postgres mirrors capture records into the readings table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/imu-capture/pkg/sink"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var readingColumns = []string{
	"session_id", "server_time", "device_ms",
	"accel_x", "accel_y", "accel_z",
	"gyro_x", "gyro_y", "gyro_z",
	"intensity", "label",
}

// Writer inserts one readings row per record.
type Writer struct {
	db *sql.DB
}

// New creates a reading mirror.
func New(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// WriteRecord inserts rec.
func (w *Writer) WriteRecord(ctx context.Context, rec sink.Record) error {
	r := rec.Reading
	query, args, err := psq.Insert("readings").
		Columns(readingColumns...).
		Values(
			rec.SessionID, rec.ServerTime, r.DeviceMS,
			r.Accel[0], r.Accel[1], r.Accel[2],
			r.Gyro[0], r.Gyro[1], r.Gyro[2],
			r.Intensity, rec.Label,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building reading insert: %w", err)
	}
	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting reading for session %s: %w", rec.SessionID, err)
	}
	return nil
}

// Verify interface compliance.
var _ sink.RowWriter = (*Writer)(nil)
