package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"botwatch/internal/application/port"
)

// MemoryHub is an in-process key/value space. Every Open returns a view with
// its own origin, so views behave like separate contexts sharing storage.
type MemoryHub struct {
	mu       sync.Mutex
	data     map[string][]byte
	watchers map[*memoryWatcher]struct{}
}

type memoryWatcher struct {
	origin string
	ch     chan port.Change
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		data:     make(map[string][]byte),
		watchers: make(map[*memoryWatcher]struct{}),
	}
}

// NewMemoryKV returns a single view on a private hub.
func NewMemoryKV() *MemoryKV {
	return NewMemoryHub().Open()
}

func (h *MemoryHub) Open() *MemoryKV {
	return &MemoryKV{hub: h, origin: uuid.NewString()}
}

// notifyLocked fans a change out to watchers of other origins. A watcher
// whose buffer is full misses the signal; it still has an undelivered
// reload signal queued.
func (h *MemoryHub) notifyLocked(c port.Change) {
	for w := range h.watchers {
		if w.origin == c.Origin {
			continue
		}
		select {
		case w.ch <- c:
		default:
		}
	}
}

type MemoryKV struct {
	hub    *MemoryHub
	origin string
}

func (m *MemoryKV) Origin() string { return m.origin }

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	v, ok := m.hub.data[key]
	if !ok {
		return nil, port.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)

	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	m.hub.data[key] = v
	m.hub.notifyLocked(port.Change{Key: key, Origin: m.origin})
	return nil
}

func (m *MemoryKV) Remove(ctx context.Context, key string) error {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	delete(m.hub.data, key)
	m.hub.notifyLocked(port.Change{Key: key, Origin: m.origin})
	return nil
}

func (m *MemoryKV) Watch(ctx context.Context) (<-chan port.Change, error) {
	w := &memoryWatcher{origin: m.origin, ch: make(chan port.Change, 64)}
	m.hub.mu.Lock()
	m.hub.watchers[w] = struct{}{}
	m.hub.mu.Unlock()

	out := make(chan port.Change)
	go func() {
		defer close(out)
		defer func() {
			m.hub.mu.Lock()
			delete(m.hub.watchers, w)
			m.hub.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-w.ch:
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

func (m *MemoryKV) Close() error { return nil }

var _ port.KVStore = (*MemoryKV)(nil)
