package watch

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"botwatch/internal/application/activation"
	"botwatch/internal/application/eventlog"
	"botwatch/internal/application/multiplexer"
	"botwatch/internal/application/port"
	"botwatch/internal/application/position"
	"botwatch/internal/domain"
	"botwatch/internal/infrastructure/storage"
)

// frames are "SYMBOL|price" on the ticker channel
type tickerUpstream struct {
	frames chan []byte
}

func (u *tickerUpstream) Name() string { return "FAKE" }

func (u *tickerUpstream) Connect(ctx context.Context) (port.UpstreamConn, error) {
	return &tickerConn{frames: u.frames}, nil
}

func (u *tickerUpstream) Decode(frame []byte) (port.Tick, bool, error) {
	sym, px, ok := strings.Cut(string(frame), "|")
	if !ok {
		return port.Tick{}, false, nil
	}
	n, err := strconv.ParseFloat(px, 64)
	if err != nil {
		return port.Tick{}, false, err
	}
	return port.Tick{Key: port.NewStreamKey(sym, port.ChannelTicker, ""), PriceStr: px, PriceNum: n}, true, nil
}

type tickerConn struct {
	frames chan []byte
}

func (c *tickerConn) Subscribe(ctx context.Context, keys []port.StreamKey) error   { return nil }
func (c *tickerConn) Unsubscribe(ctx context.Context, keys []port.StreamKey) error { return nil }
func (c *tickerConn) Close() error                                                 { return nil }
func (c *tickerConn) ReadLoop(ctx context.Context, onFrame func([]byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-c.frames:
			onFrame(f)
		}
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type recordingSink struct {
	out *syncBuffer
}

func (r recordingSink) WriteLive(line string) error                   { _, err := r.out.Write([]byte(line)); return err }
func (r recordingSink) WriteSnapshot(ts time.Time, line string) error { return r.WriteLive(line) }
func (r recordingSink) NewLine() error                                { return nil }

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServiceRunsPipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := storage.NewMemoryKV()
	notes := eventlog.New(ctx, kv, eventlog.NotificationOptions())
	activity := eventlog.New(ctx, kv, eventlog.ActivityOptions())
	toasts := eventlog.NewToasts()
	up := &tickerUpstream{frames: make(chan []byte, 8)}
	mux := multiplexer.New(up, multiplexer.Options{MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	agg := position.NewAggregator()
	mon := activation.NewMonitor(activation.Deps{Notifications: notes, Activity: activity, Settings: kv})
	out := &syncBuffer{}

	if _, err := agg.Upsert(domain.Position{
		ID: "p1", Symbol: "BTCUSDT", Status: domain.StatusWaiting, Direction: domain.DirectionLong,
		EntryPrice: 65000, Leverage: 10, Margin: 1000, BotType: "rsi", Metadata: map[string]any{"rsi": 28.4},
	}); err != nil {
		t.Fatal(err)
	}

	svc := NewService(ServiceDeps{
		Mux: mux, Positions: agg, Monitor: mon,
		Notifications: notes, Activity: activity,
		Toasts: toasts, ToastDuration: eventlog.Forever,
		Sink: recordingSink{out: out}, Formatter: NewFormatter(false),
	})

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	waitUntil(t, "ws connect", mux.Connected)

	if _, err := agg.SetStatus("p1", domain.StatusActive); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "activation notification", func() bool { return len(notes.Entries()) == 1 })
	if got := notes.Entries()[0]; got.Type != domain.NotificationBotActivated {
		t.Errorf("unexpected notification %+v", got)
	}
	waitUntil(t, "activity entry", func() bool { return len(activity.Entries()) == 1 })
	waitUntil(t, "toast", func() bool { return len(toasts.Visible()) == 1 })

	waitUntil(t, "ticker subscription", func() bool {
		return mux.RefCount(port.NewStreamKey("BTCUSDT", port.ChannelTicker, "")) == 1
	})
	up.frames <- []byte("BTCUSDT|67500")
	waitUntil(t, "price applied", func() bool {
		p, _ := agg.Positions().Get("p1")
		return p.CurrentPrice == 67500
	})
	waitUntil(t, "board line", func() bool { return strings.Contains(out.String(), "+384.62") })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("service did not stop")
	}
	if mux.RefCount(port.NewStreamKey("BTCUSDT", port.ChannelTicker, "")) != 0 {
		t.Errorf("expected aggregator detached after stop")
	}
}

func TestFormatterRendersStates(t *testing.T) {
	f := NewFormatter(false)
	line := f.Render([]domain.Position{
		{Symbol: "BTCUSDT", Direction: domain.DirectionLong, Leverage: 10, Status: domain.StatusActive, CurrentPrice: 67500, PnL: 384.62, PnLPercent: 38.46},
		{Symbol: "ETHUSDT", Direction: domain.DirectionShort, Leverage: 20, Status: domain.StatusWaiting},
		{Symbol: "SOLUSDT", Direction: domain.DirectionLong, Leverage: 5, Status: domain.StatusClosed},
	}, RenderSnapshot)

	want := "[BOTWATCH] BTCUSDT LONG 10x 67500 +384.62 (+38.46%)  ||  ETHUSDT SHORT 20x WAITING"
	if line != want {
		t.Errorf("expected %q, got %q", want, line)
	}

	if got := f.Render(nil, RenderSnapshot); got != "[BOTWATCH] no open positions" {
		t.Errorf("unexpected empty board %q", got)
	}
}
