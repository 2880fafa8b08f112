package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"botwatch/internal/application/activation"
	"botwatch/internal/application/eventlog"
	"botwatch/internal/application/multiplexer"
	"botwatch/internal/application/port"
	"botwatch/internal/application/position"
	"botwatch/internal/domain"
)

type ServiceDeps struct {
	Mux           *multiplexer.Multiplexer
	Positions     *position.Aggregator
	Monitor       *activation.Monitor
	Notifications *eventlog.Store
	Activity      *eventlog.Store
	Toasts        *eventlog.Toasts // optional
	ToastDuration time.Duration
	Sink          port.Sink // optional
	PrintEvery    time.Duration
	Formatter     *Formatter
}

// Service wires the pipeline: upstream ticks into the aggregator, snapshots
// into the activation monitor, and both stores onto storage changes.
type Service struct {
	deps ServiceDeps
}

func NewService(deps ServiceDeps) *Service {
	if deps.Formatter == nil {
		deps.Formatter = NewFormatter(true)
	}
	return &Service{deps: deps}
}

func (s *Service) Run(ctx context.Context) error {
	if s.deps.Mux == nil || s.deps.Positions == nil || s.deps.Monitor == nil {
		return errors.New("watch: mux, positions and monitor are required")
	}

	g, ctx := errgroup.WithContext(ctx)

	// Detection is an in-memory compare and runs on the publishing goroutine
	// so no transition is lost; hand-off does I/O and runs below.
	activations := make(chan []activation.Activation, 64)
	live := make(chan *position.Snapshot, 1)
	// snapshots older than the last detected one are skipped
	var (
		detectMu sync.Mutex
		lastSeq  uint64
		detected bool
	)
	detect := func(snap *position.Snapshot) {
		detectMu.Lock()
		if detected && snap.Seq() <= lastSeq {
			detectMu.Unlock()
			return
		}
		detected, lastSeq = true, snap.Seq()
		acts := s.deps.Monitor.Detect(snap.List())
		detectMu.Unlock()
		if len(acts) > 0 {
			select {
			case activations <- acts:
			case <-ctx.Done():
			}
		}
	}

	// Positions that exist before Run are the baseline. A change published
	// between Prime and OnSnapshot is caught by the detect that follows.
	base := s.deps.Positions.Positions()
	s.deps.Monitor.Prime(base.List())
	cancelSnap := s.deps.Positions.OnSnapshot(func(snap *position.Snapshot) {
		detect(snap)
		offerLatest(live, snap)
	})
	defer cancelSnap()
	if cur := s.deps.Positions.Positions(); cur.Seq() != base.Seq() {
		detect(cur)
	}

	if s.deps.Toasts != nil && s.deps.Notifications != nil {
		defer s.deps.Notifications.Subscribe(s.toastNewest())()
	}

	s.deps.Positions.Attach(s.deps.Mux)
	defer s.deps.Positions.Detach()

	g.Go(func() error { return s.deps.Mux.Run(ctx) })
	for _, st := range []*eventlog.Store{s.deps.Notifications, s.deps.Activity} {
		if st == nil {
			continue
		}
		st := st
		g.Go(func() error {
			// without a change feed the store still works for this process
			if err := st.Watch(ctx); err != nil {
				log.Warn().Err(err).Str("store", st.Name()).Msg("cross-process sync disabled")
			}
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case acts := <-activations:
				s.deps.Monitor.Deliver(ctx, acts)
			}
		}
	})

	g.Go(func() error { return s.render(ctx, live) })

	log.Info().Msg("watch pipeline started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) render(ctx context.Context, live <-chan *position.Snapshot) error {
	if s.deps.Sink == nil {
		<-ctx.Done()
		return nil
	}

	var snapC <-chan time.Time
	if s.deps.PrintEvery > 0 {
		t := time.NewTicker(s.deps.PrintEvery)
		defer t.Stop()
		snapC = t.C
	}

	_ = s.deps.Sink.WriteLive(s.deps.Formatter.Render(s.deps.Positions.Positions().List(), RenderLive))
	for {
		select {
		case <-ctx.Done():
			_ = s.deps.Sink.NewLine()
			return nil
		case now := <-snapC:
			line := s.deps.Formatter.Render(s.deps.Positions.Positions().List(), RenderSnapshot)
			_ = s.deps.Sink.WriteSnapshot(now, line)
		case snap := <-live:
			_ = s.deps.Sink.WriteLive(s.deps.Formatter.Render(snap.List(), RenderLive))
		}
	}
}

// toastNewest shows a toast for each notification that appears at the head
// of the collection.
func (s *Service) toastNewest() func([]domain.Event) {
	seen := ""
	if cur := s.deps.Notifications.Entries(); len(cur) > 0 {
		seen = cur[0].ID
	}
	return func(evs []domain.Event) {
		if len(evs) == 0 || evs[0].ID == seen {
			return
		}
		seen = evs[0].ID
		if evs[0].Read {
			return
		}
		s.deps.Toasts.FromEvent(evs[0], s.deps.ToastDuration)
	}
}

// offerLatest replaces whatever is queued with snap.
func offerLatest(ch chan *position.Snapshot, snap *position.Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
