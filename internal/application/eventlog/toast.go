package eventlog

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"botwatch/internal/domain"
	"botwatch/internal/pkg/broadcast"
)

const (
	MaxVisibleToasts     = 5
	DefaultToastDuration = 5 * time.Second

	// Forever keeps a toast until it is dismissed.
	Forever time.Duration = -1
)

type Toast struct {
	ID        string           `json:"id"`
	Type      domain.EventType `json:"type"`
	Title     string           `json:"title,omitempty"`
	Message   string           `json:"message"`
	Duration  time.Duration    `json:"duration"`
	CreatedAt time.Time        `json:"createdAt"`
}

type stopper interface{ Stop() bool }

// Toasts is the in-session list of transient notifications. At most
// MaxVisibleToasts are held, newest first; each expires after its own
// duration.
type Toasts struct {
	bus       *broadcast.Channel[[]Toast]
	afterFunc func(d time.Duration, f func()) stopper
	now       func() time.Time

	mu      sync.Mutex
	items   []Toast
	timers  map[string]stopper
	version uint64
}

// NewToasts returns an empty toast queue. Close stops pending timers.
func NewToasts() *Toasts {
	return &Toasts{
		bus: broadcast.New[[]Toast](),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		now:    time.Now,
		timers: make(map[string]stopper),
	}
}

// Show adds a toast and returns its id. A zero duration means
// DefaultToastDuration; Forever disables auto-dismiss.
func (t *Toasts) Show(toast Toast) string {
	if toast.ID == "" {
		toast.ID = uuid.NewString()
	}
	if toast.Duration == 0 {
		toast.Duration = DefaultToastDuration
	}
	toast.CreatedAt = t.now()

	t.mu.Lock()
	next := make([]Toast, 0, MaxVisibleToasts)
	next = append(next, toast)
	next = append(next, t.items...)
	for len(next) > MaxVisibleToasts {
		dropped := next[len(next)-1]
		next = next[:len(next)-1]
		t.stopLocked(dropped.ID)
	}
	t.items = next
	if toast.Duration > 0 {
		id := toast.ID
		t.timers[id] = t.afterFunc(toast.Duration, func() { t.Dismiss(id) })
	}
	v, out := t.bumpLocked()
	t.mu.Unlock()

	t.bus.Publish(v, out)
	return toast.ID
}

// Dismiss removes a toast. It returns false if the toast is not visible.
func (t *Toasts) Dismiss(id string) bool {
	t.mu.Lock()
	idx := -1
	for i, it := range t.items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return false
	}
	next := make([]Toast, 0, len(t.items)-1)
	next = append(next, t.items[:idx]...)
	next = append(next, t.items[idx+1:]...)
	t.items = next
	t.stopLocked(id)
	v, out := t.bumpLocked()
	t.mu.Unlock()

	t.bus.Publish(v, out)
	return true
}

func (t *Toasts) Visible() []Toast {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Toast, len(t.items))
	copy(out, t.items)
	return out
}

func (t *Toasts) Subscribe(fn func([]Toast)) (unsubscribe func()) {
	return t.bus.Subscribe(fn)
}

// FromEvent shows a toast mirroring a notification.
func (t *Toasts) FromEvent(ev domain.Event, d time.Duration) string {
	return t.Show(Toast{Type: ev.Type, Title: ev.Title, Message: ev.Message, Duration: d})
}

// Close stops every pending expiry timer. Visible toasts stay visible.
func (t *Toasts) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.timers {
		t.stopLocked(id)
	}
}

func (t *Toasts) stopLocked(id string) {
	if s, ok := t.timers[id]; ok {
		s.Stop()
		delete(t.timers, id)
	}
}

func (t *Toasts) bumpLocked() (uint64, []Toast) {
	t.version++
	out := make([]Toast, len(t.items))
	copy(out, t.items)
	return t.version, out
}
