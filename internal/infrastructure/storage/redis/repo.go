package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"botwatch/internal/application/port"
)

// Repo stores each key as a redis string under prefix and announces writes
// on prefix + ":changes".
type Repo struct {
	rdb        *redis.Client
	prefix     string
	ttl        time.Duration
	changeChan string
	origin     string
}

// New 创建 Redis KV 仓储，key 统一加 prefix 前缀，ttl 为 0 表示不过期
func New(rdb *redis.Client, prefix string, ttl time.Duration) *Repo {
	if strings.TrimSpace(prefix) == "" {
		prefix = "botwatch"
	}
	return &Repo{
		rdb:        rdb,
		prefix:     prefix,
		ttl:        ttl,
		changeChan: prefix + ":changes",
		origin:     uuid.NewString(),
	}
}

func (r *Repo) Origin() string { return r.origin }

func (r *Repo) key(k string) string { return r.prefix + ":kv:" + k }

func (r *Repo) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, port.ErrNotFound
	}
	return v, err
}

func (r *Repo) Set(ctx context.Context, key string, value []byte) error {
	msg, _ := sonic.Marshal(port.Change{Key: key, Origin: r.origin})
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, r.key(key), value, r.ttl)
	pipe.Publish(ctx, r.changeChan, msg)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Repo) Remove(ctx context.Context, key string) error {
	msg, _ := sonic.Marshal(port.Change{Key: key, Origin: r.origin})
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.key(key))
	pipe.Publish(ctx, r.changeChan, msg)
	_, err := pipe.Exec(ctx)
	return err
}

// Watch subscribes to the change channel. The subscription is established
// before Watch returns.
func (r *Repo) Watch(ctx context.Context) (<-chan port.Change, error) {
	ps := r.rdb.Subscribe(ctx, r.changeChan)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan port.Change, 16)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var c port.Change
				if err := sonic.Unmarshal([]byte(m.Payload), &c); err != nil {
					log.Warn().Err(err).Str("channel", m.Channel).Msg("bad change message")
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
		}
	}()
	return out, nil
}

// Close is a no-op; the client is owned by the caller.
func (r *Repo) Close() error { return nil }

var _ port.KVStore = (*Repo)(nil)
