package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"botwatch/internal/application/port"
	"botwatch/internal/domain"
	"botwatch/internal/infrastructure/metrics"
	"botwatch/internal/pkg/broadcast"
)

const (
	NotificationsKey = "notifications"
	ActivityKey      = "activity_log"

	DefaultCapacity = 100
)

var (
	ErrNotFound    = errors.New("event not found")
	ErrUnknownType = errors.New("unknown event type")
)

type Options struct {
	Name     string // used in logs and metrics
	Key      string // persisted key
	Capacity int
	Types    []domain.EventType
}

func NotificationOptions() Options {
	return Options{Name: "notifications", Key: NotificationsKey, Capacity: DefaultCapacity, Types: domain.NotificationTypes}
}

func ActivityOptions() Options {
	return Options{Name: "activity", Key: ActivityKey, Capacity: DefaultCapacity, Types: domain.ActivityTypes}
}

// Store is a bounded, persisted, newest-first event log. Listeners always
// receive the full collection.
type Store struct {
	opts  Options
	kv    port.KVStore
	types map[domain.EventType]struct{}
	bus   *broadcast.Channel[[]domain.Event]
	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	entries []domain.Event
	version uint64
}

// New builds a store and loads whatever is persisted under opts.Key. A load
// failure is logged and the store starts empty.
func New(ctx context.Context, kv port.KVStore, opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	s := &Store{
		opts:  opts,
		kv:    kv,
		types: make(map[domain.EventType]struct{}, len(opts.Types)),
		bus:   broadcast.New[[]domain.Event](),
		now:   time.Now,
		newID: newEventID,
	}
	for _, t := range opts.Types {
		s.types[t] = struct{}{}
	}
	if err := s.Reload(ctx); err != nil {
		log.Warn().Err(err).Str("store", opts.Name).Msg("initial load failed, starting empty")
	}
	return s
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *Store) Name() string { return s.opts.Name }

// Append adds an event at the head and drops the oldest beyond capacity.
func (s *Store) Append(ctx context.Context, f domain.EventFields) (string, error) {
	if len(s.types) > 0 {
		if _, ok := s.types[f.Type]; !ok {
			return "", fmt.Errorf("%w: %q for %s", ErrUnknownType, f.Type, s.opts.Name)
		}
	}
	ev := domain.Event{
		ID:        s.newID(),
		Timestamp: s.now(),
		Type:      f.Type,
		Title:     f.Title,
		Message:   f.Message,
		Metadata:  f.Metadata,
	}

	s.mutate(ctx, func(cur []domain.Event) ([]domain.Event, bool) {
		next := make([]domain.Event, 0, min(len(cur)+1, s.opts.Capacity))
		next = append(next, ev)
		next = append(next, cur...)
		if len(next) > s.opts.Capacity {
			next = next[:s.opts.Capacity]
		}
		return next, true
	})
	metrics.EventsAppendedTotal.WithLabelValues(s.opts.Name).Inc()
	return ev.ID, nil
}

func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	found := false
	s.mutate(ctx, func(cur []domain.Event) ([]domain.Event, bool) {
		for i := range cur {
			if cur[i].ID != id {
				continue
			}
			found = true
			if cur[i].Read {
				return cur, false
			}
			next := clone(cur)
			next[i].Read = true
			return next, true
		}
		return cur, false
	})
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkAllAsRead(ctx context.Context) {
	s.mutate(ctx, func(cur []domain.Event) ([]domain.Event, bool) {
		changed := false
		next := clone(cur)
		for i := range next {
			if !next[i].Read {
				next[i].Read = true
				changed = true
			}
		}
		return next, changed
	})
}

func (s *Store) Remove(ctx context.Context, id string) error {
	found := false
	s.mutate(ctx, func(cur []domain.Event) ([]domain.Event, bool) {
		next := make([]domain.Event, 0, len(cur))
		for _, ev := range cur {
			if ev.ID == id {
				found = true
				continue
			}
			next = append(next, ev)
		}
		return next, found
	})
	if !found {
		return ErrNotFound
	}
	return nil
}

// Clear drops every event and removes the persisted key.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.entries = nil
	s.version++
	v := s.version
	if err := s.kv.Remove(ctx, s.opts.Key); err != nil {
		s.persistFailed("remove", err)
	}
	s.mu.Unlock()

	s.bus.Publish(v, []domain.Event{})
}

// Entries returns a copy of the collection, newest first.
func (s *Store) Entries() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.entries)
}

func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.entries {
		if !ev.Read {
			n++
		}
	}
	return n
}

// Subscribe registers fn for every change. fn must not mutate the store
// synchronously.
func (s *Store) Subscribe(fn func([]domain.Event)) (unsubscribe func()) {
	return s.bus.Subscribe(fn)
}

// Reload replaces the in-memory collection with the persisted one and
// notifies listeners. A local mutation that lands while the read is in
// flight wins over the blob read before it.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	before := s.version
	s.mu.Unlock()

	raw, err := s.kv.Get(ctx, s.opts.Key)
	var loaded []domain.Event
	switch {
	case errors.Is(err, port.ErrNotFound):
	case err != nil:
		s.persistFailed("read", err)
		return fmt.Errorf("read %s: %w", s.opts.Key, err)
	default:
		if err := sonic.Unmarshal(raw, &loaded); err != nil {
			s.persistFailed("decode", err)
			return fmt.Errorf("decode %s: %w", s.opts.Key, err)
		}
	}
	if len(loaded) > s.opts.Capacity {
		loaded = loaded[:s.opts.Capacity]
	}

	s.mu.Lock()
	if s.version != before {
		s.mu.Unlock()
		log.Debug().Str("store", s.opts.Name).Msg("reload superseded by local change")
		return nil
	}
	s.entries = loaded
	s.version++
	v := s.version
	out := clone(loaded)
	s.mu.Unlock()

	s.bus.Publish(v, out)
	return nil
}

// Watch reloads whenever another context changes this store's key. It
// blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	changes, err := s.kv.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch %s: %w", s.opts.Key, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if c.Key != s.opts.Key {
				continue
			}
			log.Debug().Str("store", s.opts.Name).Str("origin", c.Origin).Msg("external change, reloading")
			if err := s.Reload(ctx); err != nil {
				log.Warn().Err(err).Str("store", s.opts.Name).Msg("reload after external change failed")
			}
		}
	}
}

// mutate applies fn under the lock, persists, and publishes the result.
// Persistence faults are logged and the in-memory change is kept.
func (s *Store) mutate(ctx context.Context, fn func(cur []domain.Event) ([]domain.Event, bool)) {
	s.mu.Lock()
	next, changed := fn(s.entries)
	if !changed {
		s.mu.Unlock()
		return
	}
	s.entries = next
	s.version++
	v := s.version
	out := clone(next)
	if b, err := sonic.Marshal(next); err != nil {
		s.persistFailed("encode", err)
	} else if err := s.kv.Set(ctx, s.opts.Key, b); err != nil {
		s.persistFailed("write", err)
	}
	s.mu.Unlock()

	s.bus.Publish(v, out)
}

func (s *Store) persistFailed(op string, err error) {
	metrics.PersistFailuresTotal.WithLabelValues(s.opts.Name).Inc()
	log.Error().Err(err).Str("store", s.opts.Name).Str("op", op).Msg("event store persistence failed")
}

func clone(in []domain.Event) []domain.Event {
	out := make([]domain.Event, len(in))
	copy(out, in)
	return out
}

var _ port.EventAppender = (*Store)(nil)
