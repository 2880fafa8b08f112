package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"botwatch/internal/application/port"
	"botwatch/internal/infrastructure/metrics"
)

var ErrUnknownHandle = errors.New("unknown subscription handle")

// TickHandler receives ticks for the keys its handle is registered on.
type TickHandler func(t port.Tick) error

type Options struct {
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	WriteTimeout time.Duration
}

var DefaultOptions = Options{
	MinBackoff:   500 * time.Millisecond,
	MaxBackoff:   10 * time.Second,
	WriteTimeout: 5 * time.Second,
}

// Handle is one consumer's registration. It is only valid until Unsubscribe.
type Handle struct {
	id       uint64
	channel  string
	interval string
	onTick   TickHandler
	keys     map[port.StreamKey]struct{}
}

func (h *Handle) ID() uint64 { return h.id }

// Diff is the result of changing a handle's symbol set.
type Diff struct {
	Added   []port.StreamKey
	Removed []port.StreamKey
}

type registration struct {
	handles []*Handle // registration order
}

// Multiplexer owns the upstream connection and fans ticks out to handles.
// One upstream stream exists per key while at least one handle holds it.
//
// Unsubscribe is synchronous on the registration table, but a tick already
// being dispatched may still reach a handle removed concurrently.
type Multiplexer struct {
	upstream port.Upstream
	opts     Options

	mu      sync.Mutex
	regs    map[port.StreamKey]*registration
	handles map[uint64]*Handle
	nextID  uint64
	conn    port.UpstreamConn

	warnMu sync.Mutex
	warned map[string]*rate.Sometimes
}

// New returns a multiplexer for upstream. Zero options fall back to
// DefaultOptions. Nothing is dialed until Run.
func New(upstream port.Upstream, opts Options) *Multiplexer {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultOptions.MinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = DefaultOptions.MaxBackoff
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions.WriteTimeout
	}
	return &Multiplexer{
		upstream: upstream,
		opts:     opts,
		regs:     make(map[port.StreamKey]*registration),
		handles:  make(map[uint64]*Handle),
		warned:   make(map[string]*rate.Sometimes),
	}
}

// Subscribe registers onTick for every (symbol, channel, interval) key.
// Keys not tracked yet are opened upstream.
func (m *Multiplexer) Subscribe(symbols []string, channel, interval string, onTick TickHandler) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	h := &Handle{
		id:       m.nextID,
		channel:  channel,
		interval: interval,
		onTick:   onTick,
		keys:     make(map[port.StreamKey]struct{}),
	}
	m.handles[h.id] = h

	opened := m.attachLocked(h, m.servable(keysFor(symbols, channel, interval)))
	m.sendLocked(opened, nil)
	return h
}

// Unsubscribe releases every key held by h. Keys nobody else holds are
// closed upstream. Unknown or already released handles are ignored.
func (m *Multiplexer) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.handles[h.id]; !ok {
		return
	}
	keys := make([]port.StreamKey, 0, len(h.keys))
	for k := range h.keys {
		keys = append(keys, k)
	}
	closed := m.detachLocked(h, keys)
	delete(m.handles, h.id)
	m.sendLocked(nil, closed)
}

// Resubscribe moves h to a new symbol set, touching only the keys that differ.
func (m *Multiplexer) Resubscribe(h *Handle, symbols []string) (Diff, error) {
	if h == nil {
		return Diff{}, ErrUnknownHandle
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.handles[h.id]; !ok {
		return Diff{}, ErrUnknownHandle
	}

	want := make(map[port.StreamKey]struct{})
	var diff Diff
	for _, k := range m.servable(keysFor(symbols, h.channel, h.interval)) {
		want[k] = struct{}{}
		if _, ok := h.keys[k]; !ok {
			diff.Added = append(diff.Added, k)
		}
	}
	for k := range h.keys {
		if _, ok := want[k]; !ok {
			diff.Removed = append(diff.Removed, k)
		}
	}
	sortKeys(diff.Removed)

	opened := m.attachLocked(h, diff.Added)
	closed := m.detachLocked(h, diff.Removed)
	m.sendLocked(opened, closed)
	return diff, nil
}

// RefCount returns the number of handles holding key.
func (m *Multiplexer) RefCount(key port.StreamKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.regs[key]; ok {
		return len(r.handles)
	}
	return 0
}

// ActiveKeys returns the keys with a live upstream stream, sorted.
func (m *Multiplexer) ActiveKeys() []port.StreamKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeKeysLocked()
}

func (m *Multiplexer) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Run keeps the upstream connection alive until ctx is done. After every
// (re)connect the current key set from the registration table is subscribed.
func (m *Multiplexer) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    m.opts.MinBackoff,
		Max:    m.opts.MaxBackoff,
		Factor: 2,
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		log.Info().Str("feed", m.upstream.Name()).Msg("ws connecting")
		conn, err := m.upstream.Connect(ctx)
		if err != nil {
			metrics.ReconnectsTotal.Inc()
			d := b.Duration()
			log.Error().Str("feed", m.upstream.Name()).Err(err).Dur("retry_in", d).Msg("ws dial failed")
			if !sleepCtx(ctx, d) {
				return nil
			}
			continue
		}

		if err := m.attachConn(ctx, conn); err != nil {
			_ = conn.Close()
			metrics.ReconnectsTotal.Inc()
			d := b.Duration()
			log.Error().Str("feed", m.upstream.Name()).Err(err).Dur("retry_in", d).Msg("ws resubscribe failed")
			if !sleepCtx(ctx, d) {
				return nil
			}
			continue
		}
		b.Reset()
		log.Info().Str("feed", m.upstream.Name()).Int("streams", len(m.ActiveKeys())).Msg("ws connected")

		err = conn.ReadLoop(ctx, m.dispatch)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil
		}

		metrics.ReconnectsTotal.Inc()
		d := b.Duration()
		log.Warn().Str("feed", m.upstream.Name()).Err(err).Dur("retry_in", d).Msg("ws disconnected, reconnecting")
		if !sleepCtx(ctx, d) {
			return nil
		}
	}
}

func (m *Multiplexer) attachConn(ctx context.Context, conn port.UpstreamConn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.activeKeysLocked()
	if len(keys) > 0 {
		wctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
		defer cancel()
		if err := conn.Subscribe(wctx, keys); err != nil {
			return fmt.Errorf("subscribe %d streams: %w", len(keys), err)
		}
	}
	m.conn = conn
	return nil
}

func (m *Multiplexer) dispatch(frame []byte) {
	t, ok, err := m.upstream.Decode(frame)
	if err != nil {
		metrics.MalformedTicksTotal.Inc()
		m.warnMalformed(t.Key.Symbol, err)
		return
	}
	if !ok {
		return
	}
	metrics.TicksTotal.WithLabelValues(t.Key.Channel).Inc()

	m.mu.Lock()
	r := m.regs[t.Key]
	var targets []*Handle
	if r != nil {
		targets = make([]*Handle, len(r.handles))
		copy(targets, r.handles)
	}
	m.mu.Unlock()

	for _, h := range targets {
		deliver(h, t)
	}
}

func deliver(h *Handle, t port.Tick) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.CallbackFailuresTotal.Inc()
			log.Error().
				Uint64("handle", h.id).
				Str("stream", t.Key.String()).
				Interface("panic", rec).
				Msg("tick callback panicked")
		}
	}()
	if err := h.onTick(t); err != nil {
		metrics.CallbackFailuresTotal.Inc()
		log.Warn().Uint64("handle", h.id).Str("stream", t.Key.String()).Err(err).Msg("tick callback failed")
	}
}

func (m *Multiplexer) warnMalformed(symbol string, err error) {
	m.warnMu.Lock()
	s, ok := m.warned[symbol]
	if !ok {
		s = &rate.Sometimes{First: 1}
		m.warned[symbol] = s
	}
	m.warnMu.Unlock()

	s.Do(func() {
		log.Warn().Str("symbol", symbol).Err(err).Msg("dropping malformed tick")
	})
}

// attachLocked adds h to keys and returns the keys that became live.
func (m *Multiplexer) attachLocked(h *Handle, keys []port.StreamKey) []port.StreamKey {
	var opened []port.StreamKey
	for _, k := range keys {
		if _, ok := h.keys[k]; ok {
			continue
		}
		h.keys[k] = struct{}{}
		r, ok := m.regs[k]
		if !ok {
			r = &registration{}
			m.regs[k] = r
			opened = append(opened, k)
		}
		r.handles = append(r.handles, h)
	}
	metrics.UpstreamStreams.Set(float64(len(m.regs)))
	return opened
}

// detachLocked removes h from keys and returns the keys nobody holds any more.
func (m *Multiplexer) detachLocked(h *Handle, keys []port.StreamKey) []port.StreamKey {
	var closed []port.StreamKey
	for _, k := range keys {
		if _, ok := h.keys[k]; !ok {
			continue
		}
		delete(h.keys, k)
		r := m.regs[k]
		if r == nil {
			continue
		}
		for i, other := range r.handles {
			if other == h {
				r.handles = append(r.handles[:i:i], r.handles[i+1:]...)
				break
			}
		}
		if len(r.handles) == 0 {
			delete(m.regs, k)
			closed = append(closed, k)
		}
	}
	metrics.UpstreamStreams.Set(float64(len(m.regs)))
	return closed
}

// sendLocked forwards stream changes to the live connection, if any. When
// disconnected the next connect picks the table up as is. A failed write
// leaves the upstream out of step with the table, so the connection is
// dropped and Run resubscribes the whole table on the next one.
func (m *Multiplexer) sendLocked(opened, closed []port.StreamKey) {
	if m.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
	defer cancel()

	if len(closed) > 0 {
		if err := m.conn.Unsubscribe(ctx, closed); err != nil {
			m.dropConnLocked(err, "unsubscribe", len(closed))
			return
		}
	}
	if len(opened) > 0 {
		if err := m.conn.Subscribe(ctx, opened); err != nil {
			m.dropConnLocked(err, "subscribe", len(opened))
		}
	}
}

func (m *Multiplexer) dropConnLocked(err error, op string, n int) {
	log.Warn().
		Str("feed", m.upstream.Name()).
		Err(err).
		Int("streams", n).
		Msgf("upstream %s failed, reconnecting", op)
	_ = m.conn.Close()
	m.conn = nil
}

// servable drops keys the upstream reports it cannot serve.
func (m *Multiplexer) servable(keys []port.StreamKey) []port.StreamKey {
	f, ok := m.upstream.(port.StreamFilter)
	if !ok {
		return keys
	}
	out := keys[:0]
	for _, k := range keys {
		if f.Supports(k) {
			out = append(out, k)
			continue
		}
		log.Warn().Str("feed", m.upstream.Name()).Str("stream", k.String()).Msg("stream not supported by upstream, ignored")
	}
	return out
}

func (m *Multiplexer) activeKeysLocked() []port.StreamKey {
	keys := make([]port.StreamKey, 0, len(m.regs))
	for k := range m.regs {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func keysFor(symbols []string, channel, interval string) []port.StreamKey {
	out := make([]port.StreamKey, 0, len(symbols))
	seen := make(map[port.StreamKey]struct{}, len(symbols))
	for _, s := range symbols {
		k := port.NewStreamKey(s, channel, interval)
		if k.Symbol == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func sortKeys(keys []port.StreamKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
