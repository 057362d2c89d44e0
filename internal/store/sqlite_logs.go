package store

import (
	"context"
	"time"
)

func (s *SQLiteStore) InsertRequestLog(ctx context.Context, l *RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (request_id, auth_index, dialect, model, status, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.RequestID, l.AuthIndex, l.Dialect, l.Model, l.Status, l.DurationMs, l.CreatedAt.Unix())
	return err
}

func (s *SQLiteStore) PurgeOldLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM request_log WHERE created_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
