package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"botwatch/internal/application/port"
	"botwatch/internal/domain"
)

// HistoryRepo keeps every forwarded activation, unbounded, for audit.
type HistoryRepo struct {
	db *sql.DB
}

// NewHistoryRepo 基于已打开的 SQLite 连接创建激活历史仓储
func NewHistoryRepo(db *sql.DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

// Notify records ev. Re-recording the same id is a no-op.
func (hr *HistoryRepo) Notify(ctx context.Context, ev domain.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	meta, err := sonic.Marshal(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = hr.db.ExecContext(ctx, `
		INSERT INTO activation_history(id, type, title, message, metadata, ts_ms, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, ev.ID, string(ev.Type), ev.Title, ev.Message, string(meta), ev.Timestamp.UnixMilli(), time.Now().UnixMilli())
	return err
}

// Recent returns up to limit entries, newest first.
func (hr *HistoryRepo) Recent(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := hr.db.QueryContext(ctx, `
		SELECT id, type, title, message, metadata, ts_ms
		FROM activation_history
		ORDER BY ts_ms DESC, created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			ev   domain.Event
			typ  string
			meta string
			ts   int64
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.Title, &ev.Message, &meta, &ts); err != nil {
			return nil, err
		}
		ev.Type = domain.EventType(typ)
		ev.Timestamp = time.UnixMilli(ts)
		if meta != "" && meta != "null" {
			_ = sonic.Unmarshal([]byte(meta), &ev.Metadata)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

var _ port.Notifier = (*HistoryRepo)(nil)
