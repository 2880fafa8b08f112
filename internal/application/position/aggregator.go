package position

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"botwatch/internal/application/multiplexer"
	"botwatch/internal/application/port"
	"botwatch/internal/domain"
	"botwatch/internal/infrastructure/metrics"
	"botwatch/internal/pkg/broadcast"
)

var (
	ErrNotFound        = errors.New("position not found")
	ErrInvalidPosition = errors.New("invalid position")
)

// TickSource is the part of the multiplexer the aggregator uses.
type TickSource interface {
	Subscribe(symbols []string, channel, interval string, onTick multiplexer.TickHandler) *multiplexer.Handle
	Resubscribe(h *multiplexer.Handle, symbols []string) (multiplexer.Diff, error)
	Unsubscribe(h *multiplexer.Handle)
}

// Aggregator owns the canonical position list. Every change yields a new
// immutable Snapshot; a tick that changes nothing returns the previous
// Snapshot pointer.
type Aggregator struct {
	mu   sync.Mutex
	snap *Snapshot
	bus  *broadcast.Channel[*Snapshot]
	now  func() time.Time

	subMu   sync.Mutex
	source  TickSource
	handle  *multiplexer.Handle
	symbols []string
}

// NewAggregator starts from an empty snapshot with sequence 0.
func NewAggregator() *Aggregator {
	return &Aggregator{
		snap: &Snapshot{},
		bus:  broadcast.New[*Snapshot](),
		now:  time.Now,
	}
}

// Positions returns the current snapshot.
func (a *Aggregator) Positions() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// OnSnapshot registers fn for every new snapshot. fn must not mutate the
// aggregator synchronously.
func (a *Aggregator) OnSnapshot(fn func(*Snapshot)) (cancel func()) {
	return a.bus.Subscribe(fn)
}

// OnTick applies a price to every live position on symbol. It produces at
// most one snapshot per call.
func (a *Aggregator) OnTick(symbol string, price float64) *Snapshot {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return a.Positions()
	}

	a.mu.Lock()
	prev := a.snap
	var next []domain.Position
	now := a.now()
	for i := range prev.positions {
		p := &prev.positions[i]
		if p.Symbol != symbol || !p.Status.IsLive() {
			continue
		}
		if domain.PriceEqual(p.CurrentPrice, price) {
			continue
		}
		if next == nil {
			next = clonePositions(prev.positions)
		}
		applyPrice(&next[i], price, now)
	}
	if next == nil {
		a.mu.Unlock()
		return prev
	}
	snap := a.commitLocked(next, now)
	a.mu.Unlock()

	a.publish(snap)
	return snap
}

// HandleTick adapts OnTick to the multiplexer callback.
func (a *Aggregator) HandleTick(t port.Tick) error {
	a.OnTick(t.Key.Symbol, t.PriceNum)
	return nil
}

// Upsert inserts or replaces a position by ID.
func (a *Aggregator) Upsert(p domain.Position) (*Snapshot, error) {
	if err := normalize(&p); err != nil {
		return nil, err
	}

	a.mu.Lock()
	now := a.now()
	i := a.snap.index(p.ID)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
		if i >= 0 {
			p.CreatedAt = a.snap.positions[i].CreatedAt
		}
	}
	p.UpdatedAt = now
	if p.Status.IsLive() && p.CurrentPrice > 0 {
		recompute(&p)
	}

	next := clonePositions(a.snap.positions)
	if i >= 0 {
		next[i] = p
	} else {
		next = append(next, p)
	}
	snap := a.commitLocked(next, now)
	a.mu.Unlock()

	a.publish(snap)
	a.syncSubscription()
	return snap, nil
}

// Replace swaps the whole list, e.g. after loading from the strategy layer.
func (a *Aggregator) Replace(positions []domain.Position) (*Snapshot, error) {
	next := make([]domain.Position, 0, len(positions))
	seen := make(map[string]struct{}, len(positions))
	a.mu.Lock()
	now := a.now()
	for _, p := range positions {
		if err := normalize(&p); err != nil {
			a.mu.Unlock()
			return nil, err
		}
		if _, dup := seen[p.ID]; dup {
			a.mu.Unlock()
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidPosition, p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.Status.IsLive() && p.CurrentPrice > 0 {
			recompute(&p)
		}
		next = append(next, p)
	}
	snap := a.commitLocked(next, now)
	a.mu.Unlock()

	a.publish(snap)
	a.syncSubscription()
	return snap, nil
}

// SetStatus moves a position to a new status. Entering a live status
// recomputes P&L from the last known price.
func (a *Aggregator) SetStatus(id string, status domain.Status) (*Snapshot, error) {
	st := domain.NormalizeStatus(string(status))
	if st == domain.StatusUnknown {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidPosition, status)
	}

	a.mu.Lock()
	i := a.snap.index(id)
	if i < 0 {
		a.mu.Unlock()
		return nil, ErrNotFound
	}
	if a.snap.positions[i].Status == st {
		snap := a.snap
		a.mu.Unlock()
		return snap, nil
	}
	now := a.now()
	next := clonePositions(a.snap.positions)
	next[i].Status = st
	next[i].UpdatedAt = now
	if st.IsLive() && next[i].CurrentPrice > 0 {
		recompute(&next[i])
	}
	snap := a.commitLocked(next, now)
	a.mu.Unlock()

	a.publish(snap)
	a.syncSubscription()
	return snap, nil
}

// Remove purges a position from the list.
func (a *Aggregator) Remove(id string) (*Snapshot, error) {
	a.mu.Lock()
	i := a.snap.index(id)
	if i < 0 {
		a.mu.Unlock()
		return nil, ErrNotFound
	}
	next := make([]domain.Position, 0, len(a.snap.positions)-1)
	next = append(next, a.snap.positions[:i]...)
	next = append(next, a.snap.positions[i+1:]...)
	snap := a.commitLocked(next, a.now())
	a.mu.Unlock()

	a.publish(snap)
	a.syncSubscription()
	return snap, nil
}

// PurgeClosed removes every CLOSED position.
func (a *Aggregator) PurgeClosed() *Snapshot {
	a.mu.Lock()
	next := make([]domain.Position, 0, len(a.snap.positions))
	for _, p := range a.snap.positions {
		if p.Status != domain.StatusClosed {
			next = append(next, p)
		}
	}
	if len(next) == len(a.snap.positions) {
		snap := a.snap
		a.mu.Unlock()
		return snap
	}
	snap := a.commitLocked(next, a.now())
	a.mu.Unlock()

	a.publish(snap)
	a.syncSubscription()
	return snap
}

// Attach subscribes the aggregator to ticker streams for the symbols of its
// live positions. The subscription follows the list from then on.
func (a *Aggregator) Attach(src TickSource) {
	a.subMu.Lock()
	if a.handle != nil {
		a.source.Unsubscribe(a.handle)
	}
	a.source = src
	a.symbols = a.Positions().LiveSymbols()
	a.handle = src.Subscribe(a.symbols, port.ChannelTicker, "", a.HandleTick)
	a.subMu.Unlock()

	log.Info().Strs("symbols", a.symbols).Msg("aggregator attached to ticker streams")
}

// Detach releases the ticker subscription.
func (a *Aggregator) Detach() {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	if a.handle != nil {
		a.source.Unsubscribe(a.handle)
	}
	a.handle, a.source, a.symbols = nil, nil, nil
}

func (a *Aggregator) syncSubscription() {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	if a.handle == nil {
		return
	}
	want := a.Positions().LiveSymbols()
	if equalStrings(want, a.symbols) {
		return
	}
	diff, err := a.source.Resubscribe(a.handle, want)
	if err != nil {
		log.Warn().Err(err).Msg("aggregator resubscribe failed")
		return
	}
	a.symbols = want
	log.Debug().Int("added", len(diff.Added)).Int("removed", len(diff.Removed)).Msg("aggregator streams updated")
}

func (a *Aggregator) commitLocked(next []domain.Position, at time.Time) *Snapshot {
	snap := &Snapshot{positions: next, seq: a.snap.seq + 1, at: at}
	a.snap = snap
	metrics.SnapshotsTotal.Inc()
	return snap
}

func (a *Aggregator) publish(s *Snapshot) {
	a.bus.Publish(s.seq, s)
}

func applyPrice(p *domain.Position, price float64, at time.Time) {
	p.CurrentPrice = price
	p.UpdatedAt = at
	recompute(p)
}

// recompute refreshes P&L from CurrentPrice. Awaiting-fill positions keep
// their previous values.
func recompute(p *domain.Position) {
	pnl, pct, ok := domain.UnrealizedPnL(p.Direction, p.EntryPrice, p.CurrentPrice, p.Leverage, p.Margin)
	if !ok {
		return
	}
	p.PnL, p.PnLPercent = pnl, pct
}

func normalize(p *domain.Position) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidPosition)
	}
	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	if p.Symbol == "" {
		return fmt.Errorf("%w: empty symbol for %s", ErrInvalidPosition, p.ID)
	}
	st := domain.NormalizeStatus(string(p.Status))
	if st == domain.StatusUnknown {
		return fmt.Errorf("%w: status %q for %s", ErrInvalidPosition, p.Status, p.ID)
	}
	p.Status = st
	dir, ok := domain.NormalizeDirection(string(p.Direction))
	if !ok {
		return fmt.Errorf("%w: direction %q for %s", ErrInvalidPosition, p.Direction, p.ID)
	}
	p.Direction = dir
	if p.Leverage < 1 {
		p.Leverage = 1
	}
	if p.Margin < 0 || p.EntryPrice < 0 {
		return fmt.Errorf("%w: negative margin or entry for %s", ErrInvalidPosition, p.ID)
	}
	return nil
}

func clonePositions(in []domain.Position) []domain.Position {
	out := make([]domain.Position, len(in), len(in)+1)
	copy(out, in)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Snapshot is an immutable view of the position list.
type Snapshot struct {
	positions []domain.Position
	seq       uint64
	at        time.Time
}

// Seq increases by one for every snapshot produced.
func (s *Snapshot) Seq() uint64 { return s.seq }

func (s *Snapshot) At() time.Time { return s.at }

func (s *Snapshot) Len() int { return len(s.positions) }

// List returns a copy of the positions.
func (s *Snapshot) List() []domain.Position {
	out := make([]domain.Position, len(s.positions))
	copy(out, s.positions)
	return out
}

func (s *Snapshot) Get(id string) (domain.Position, bool) {
	if i := s.index(id); i >= 0 {
		return s.positions[i], true
	}
	return domain.Position{}, false
}

// LiveSymbols returns the sorted symbols of positions in a live status.
func (s *Snapshot) LiveSymbols() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, p := range s.positions {
		if !p.Status.IsLive() {
			continue
		}
		if _, ok := seen[p.Symbol]; ok {
			continue
		}
		seen[p.Symbol] = struct{}{}
		out = append(out, p.Symbol)
	}
	sort.Strings(out)
	return out
}

func (s *Snapshot) index(id string) int {
	for i := range s.positions {
		if s.positions[i].ID == id {
			return i
		}
	}
	return -1
}
