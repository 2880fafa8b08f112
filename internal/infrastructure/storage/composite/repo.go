package composite

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"botwatch/internal/application/port"
)

// Repo reads from the primary store and mirrors writes to the others.
// Mirror failures are logged and do not fail the write. Watch follows the
// primary only.
type Repo struct {
	primary port.KVStore
	mirrors []port.KVStore
}

// New 组合主存储与镜像：读走主存储，写同时落到所有镜像
func New(primary port.KVStore, mirrors ...port.KVStore) *Repo {
	// nil mirrors are allowed; filter in constructor
	out := make([]port.KVStore, 0, len(mirrors))
	for _, m := range mirrors {
		if m != nil {
			out = append(out, m)
		}
	}
	return &Repo{primary: primary, mirrors: out}
}

func (r *Repo) Get(ctx context.Context, key string) ([]byte, error) {
	return r.primary.Get(ctx, key)
}

func (r *Repo) Set(ctx context.Context, key string, value []byte) error {
	if err := r.primary.Set(ctx, key, value); err != nil {
		return err
	}
	for i, m := range r.mirrors {
		if err := m.Set(ctx, key, value); err != nil {
			log.Warn().Err(err).Int("mirror", i).Str("key", key).Msg("mirror write failed")
		}
	}
	return nil
}

func (r *Repo) Remove(ctx context.Context, key string) error {
	if err := r.primary.Remove(ctx, key); err != nil {
		return err
	}
	for i, m := range r.mirrors {
		if err := m.Remove(ctx, key); err != nil {
			log.Warn().Err(err).Int("mirror", i).Str("key", key).Msg("mirror remove failed")
		}
	}
	return nil
}

func (r *Repo) Watch(ctx context.Context) (<-chan port.Change, error) {
	return r.primary.Watch(ctx)
}

func (r *Repo) Close() error {
	var errs []error
	for i := len(r.mirrors) - 1; i >= 0; i-- {
		errs = append(errs, r.mirrors[i].Close())
	}
	errs = append(errs, r.primary.Close())
	return errors.Join(errs...)
}

var _ port.KVStore = (*Repo)(nil)
