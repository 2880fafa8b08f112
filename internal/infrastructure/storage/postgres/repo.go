package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"botwatch/internal/application/port"
)

const changeChannel = "botwatch_kv_changes"

// Repo is a key/value table in postgres. Writes raise pg_notify in the same
// transaction; Watch LISTENs on a dedicated connection.
type Repo struct {
	pool   *pgxpool.Pool
	origin string
}

// New 连接 Postgres 并确保 kv 表存在
func New(ctx context.Context, dsn string) (*Repo, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	r := &Repo{pool: pool, origin: uuid.NewString()}
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error {
	r.pool.Close()
	return nil
}

func (r *Repo) Origin() string { return r.origin }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value BYTEA NOT NULL,
  origin TEXT NOT NULL,
  updated_at BIGINT NOT NULL
);
`)
	return err
}

func (r *Repo) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := r.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, port.ErrNotFound
	}
	return v, err
}

func (r *Repo) Set(ctx context.Context, key string, value []byte) error {
	return r.withNotify(ctx, key, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO kv(key, value, origin, updated_at) VALUES($1, $2, $3, $4)
			ON CONFLICT(key) DO UPDATE SET
			value=excluded.value, origin=excluded.origin, updated_at=excluded.updated_at
		`, key, value, r.origin, time.Now().UnixMilli())
		return err
	})
}

func (r *Repo) Remove(ctx context.Context, key string) error {
	return r.withNotify(ctx, key, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
		return err
	})
}

func (r *Repo) withNotify(ctx context.Context, key string, write func(pgx.Tx) error) error {
	payload, _ := sonic.Marshal(port.Change{Key: key, Origin: r.origin})
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := write(tx); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, changeChannel, string(payload)); err != nil {
			return fmt.Errorf("notify %s: %w", key, err)
		}
		return nil
	})
}

// Watch takes one connection out of the pool for the lifetime of ctx.
func (r *Repo) Watch(ctx context.Context) (<-chan port.Change, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		conn.Release()
		return nil, err
	}

	// a listening connection must not go back to the pool
	pc := conn.Hijack()

	out := make(chan port.Change, 16)
	go func() {
		defer close(out)
		defer pc.Close(context.Background())
		for {
			n, err := pc.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("postgres change listener stopped")
				}
				return
			}
			var c port.Change
			if err := sonic.Unmarshal([]byte(n.Payload), &c); err != nil {
				log.Warn().Err(err).Msg("bad change notification")
				continue
			}
			if c.Origin == r.origin {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

var _ port.KVStore = (*Repo)(nil)
