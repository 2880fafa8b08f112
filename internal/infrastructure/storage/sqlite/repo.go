package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"botwatch/internal/application/port"
)

const (
	DefaultPollInterval = 500 * time.Millisecond

	// changes rows kept after each write
	changeLogRetain = 1000
)

// Repo is a key/value store in a sqlite file. Processes sharing the file
// see each other's writes through the changes table.
type Repo struct {
	db     *sql.DB
	origin string
	poll   time.Duration
}

// New 打开 SQLite 数据库，使用默认轮询间隔检测其他进程的写入
func New(path string) (*Repo, error) {
	return NewWithPoll(path, DefaultPollInterval)
}

func NewWithPoll(path string, poll time.Duration) (*Repo, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if poll <= 0 {
		poll = DefaultPollInterval
	}
	r := &Repo{db: db, origin: uuid.NewString(), poll: poll}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// dsn lets several processes share the file.
func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) GetDB() *sql.DB { return r.db }

func (r *Repo) Origin() string { return r.origin }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  origin TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS kv_changes (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  key TEXT NOT NULL,
  origin TEXT NOT NULL,
  ts_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_changes_key ON kv_changes(key);

CREATE TABLE IF NOT EXISTS activation_history (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  title TEXT NOT NULL,
  message TEXT NOT NULL,
  metadata TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activation_history_ts ON activation_history(ts_ms);
`)
	return err
}

func (r *Repo) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *Repo) Set(ctx context.Context, key string, value []byte) error {
	now := time.Now().UnixMilli()
	return r.withChange(ctx, key, now, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO kv(key, value, origin, updated_at)
			VALUES(?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
			value=excluded.value, origin=excluded.origin, updated_at=excluded.updated_at
		`, key, value, r.origin, now)
		return err
	})
}

func (r *Repo) Remove(ctx context.Context, key string) error {
	now := time.Now().UnixMilli()
	return r.withChange(ctx, key, now, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return err
	})
}

// withChange runs write and records the change in one transaction.
func (r *Repo) withChange(ctx context.Context, key string, now int64, write func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := write(tx); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kv_changes(key, origin, ts_ms) VALUES(?, ?, ?)`, key, r.origin, now); err != nil {
		return fmt.Errorf("record change %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_changes WHERE seq <= (SELECT MAX(seq) FROM kv_changes) - ?`, changeLogRetain); err != nil {
		return fmt.Errorf("prune changes: %w", err)
	}
	return tx.Commit()
}

// Watch polls the changes table for rows written by other origins.
func (r *Repo) Watch(ctx context.Context) (<-chan port.Change, error) {
	var last int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM kv_changes`).Scan(&last); err != nil {
		return nil, fmt.Errorf("read change cursor: %w", err)
	}

	out := make(chan port.Change, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(r.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			changes, next, err := r.changesSince(ctx, last)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("sqlite change poll failed")
				}
				continue
			}
			last = next
			for _, c := range changes {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Repo) changesSince(ctx context.Context, seq int64) ([]port.Change, int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT seq, key, origin FROM kv_changes WHERE seq > ? ORDER BY seq`, seq)
	if err != nil {
		return nil, seq, err
	}
	defer rows.Close()

	var out []port.Change
	for rows.Next() {
		var c port.Change
		if err := rows.Scan(&seq, &c.Key, &c.Origin); err != nil {
			return nil, seq, err
		}
		if c.Origin == r.origin {
			continue
		}
		out = append(out, c)
	}
	return out, seq, rows.Err()
}

var _ port.KVStore = (*Repo)(nil)
