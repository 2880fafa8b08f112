package multiplexer

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"botwatch/internal/application/port"
)

// frames in tests are "SYMBOL|channel|interval|price"
type fakeUpstream struct {
	mu        sync.Mutex
	conns     []*fakeConn
	connected chan *fakeConn
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{connected: make(chan *fakeConn, 8)}
}

func (u *fakeUpstream) Name() string { return "FAKE" }

func (u *fakeUpstream) Connect(ctx context.Context) (port.UpstreamConn, error) {
	c := &fakeConn{
		live:   make(map[port.StreamKey]int),
		frames: make(chan []byte, 16),
		drop:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	u.mu.Lock()
	u.conns = append(u.conns, c)
	u.mu.Unlock()
	u.connected <- c
	return c, nil
}

func (u *fakeUpstream) Decode(frame []byte) (port.Tick, bool, error) {
	parts := strings.Split(string(frame), "|")
	if len(parts) != 4 {
		return port.Tick{}, false, nil
	}
	t := port.Tick{Key: port.NewStreamKey(parts[0], parts[1], parts[2]), PriceStr: parts[3]}
	px, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return t, false, err
	}
	t.PriceNum = px
	return t, true, nil
}

type fakeConn struct {
	mu      sync.Mutex
	subs    [][]port.StreamKey
	unsubs  [][]port.StreamKey
	live    map[port.StreamKey]int
	maxLive int
	frames  chan []byte
	drop    chan error
	closed  chan struct{}
	once    sync.Once
	failSub error // returned once by the next Subscribe
}

func (c *fakeConn) Subscribe(ctx context.Context, keys []port.StreamKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failSub; err != nil {
		c.failSub = nil
		return err
	}
	c.subs = append(c.subs, append([]port.StreamKey(nil), keys...))
	for _, k := range keys {
		c.live[k]++
		if c.live[k] > c.maxLive {
			c.maxLive = c.live[k]
		}
	}
	return nil
}

func (c *fakeConn) Unsubscribe(ctx context.Context, keys []port.StreamKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs, append([]port.StreamKey(nil), keys...))
	for _, k := range keys {
		c.live[k]--
		if c.live[k] == 0 {
			delete(c.live, k)
		}
	}
	return nil
}

func (c *fakeConn) ReadLoop(ctx context.Context, onFrame func([]byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.drop:
			return err
		case <-c.closed:
			return io.ErrClosedPipe
		case f := <-c.frames:
			onFrame(f)
		}
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) failNextSubscribe(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSub = err
}

// klineless serves every channel except klines.
type klineless struct {
	*fakeUpstream
}

func (klineless) Supports(k port.StreamKey) bool { return k.Channel != port.ChannelKline }

func (c *fakeConn) liveCount(k port.StreamKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[k]
}

func (c *fakeConn) firstSubscribe() []port.StreamKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return nil
	}
	return c.subs[0]
}

func testOptions() Options {
	return Options{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, WriteTimeout: time.Second}
}

func startMux(t *testing.T, m *Multiplexer, up *fakeUpstream) (*fakeConn, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	conn := waitConn(t, up)
	waitFor(t, m.Connected)
	return conn, cancel
}

func waitConn(t *testing.T, up *fakeUpstream) *fakeConn {
	t.Helper()
	select {
	case c := <-up.connected:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream never connected")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func noop(port.Tick) error { return nil }

func TestSubscribeDedupsUpstreamStreams(t *testing.T) {
	up := newFakeUpstream()
	m := New(up, testOptions())
	conn, _ := startMux(t, m, up)

	btc := port.NewStreamKey("btcusdt", port.ChannelTicker, "")

	a := m.Subscribe([]string{"BTCUSDT"}, port.ChannelTicker, "", noop)
	b := m.Subscribe([]string{"btcusdt", "ETHUSDT"}, port.ChannelTicker, "", noop)
	c := m.Subscribe([]string{"BTCUSDT"}, port.ChannelTicker, "", noop)

	if got := m.RefCount(btc); got != 3 {
		t.Fatalf("expected refcount 3, got %d", got)
	}
	if got := conn.liveCount(btc); got != 1 {
		t.Fatalf("expected 1 upstream stream, got %d", got)
	}

	m.Unsubscribe(a)
	m.Unsubscribe(c)
	if got := conn.liveCount(btc); got != 1 {
		t.Fatalf("expected stream kept while b holds it, got %d", got)
	}

	m.Unsubscribe(b)
	if got := conn.liveCount(btc); got != 0 {
		t.Fatalf("expected stream closed, got %d", got)
	}
	if got := m.RefCount(btc); got != 0 {
		t.Fatalf("expected refcount 0, got %d", got)
	}
	if keys := m.ActiveKeys(); len(keys) != 0 {
		t.Errorf("expected no active keys, got %v", keys)
	}
	if conn.maxLive != 1 {
		t.Errorf("a key was subscribed upstream more than once: max %d", conn.maxLive)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	up := newFakeUpstream()
	m := New(up, testOptions())
	conn, _ := startMux(t, m, up)

	h := m.Subscribe([]string{"SOLUSDT"}, port.ChannelTicker, "", noop)
	m.Unsubscribe(h)
	m.Unsubscribe(h)
	m.Unsubscribe(nil)

	if n := len(conn.unsubs); n != 1 {
		t.Errorf("expected one upstream unsubscribe, got %d", n)
	}
}

func TestIntervalIsPartOfKey(t *testing.T) {
	m := New(newFakeUpstream(), testOptions())
	m.Subscribe([]string{"BTCUSDT"}, port.ChannelKline, "1m", noop)
	m.Subscribe([]string{"BTCUSDT"}, port.ChannelKline, "5m", noop)

	if got := len(m.ActiveKeys()); got != 2 {
		t.Errorf("expected 2 keys, got %d", got)
	}
}

func TestUnsubscribeDoesNotAffectOtherConsumers(t *testing.T) {
	m := New(newFakeUpstream(), testOptions())

	var gotA, gotB int
	a := m.Subscribe([]string{"BTCUSDT"}, port.ChannelTicker, "", func(port.Tick) error { gotA++; return nil })
	m.Subscribe([]string{"BTCUSDT"}, port.ChannelTicker, "", func(port.Tick) error { gotB++; return nil })

	m.dispatch([]byte("BTCUSDT|ticker||100"))
	m.Unsubscribe(a)
	m.dispatch([]byte("BTCUSDT|ticker||101"))
	m.dispatch([]byte("BTCUSDT|ticker||102"))

	if gotA != 1 {
		t.Errorf("expected a to see 1 tick, got %d", gotA)
	}
	if gotB != 3 {
		t.Errorf("expected b to see 3 ticks, got %d", gotB)
	}
}

func TestDispatchIsolatesFailingCallbacks(t *testing.T) {
	m := New(newFakeUpstream(), testOptions())

	var order []string
	m.Subscribe([]string{"ETHUSDT"}, port.ChannelTicker, "", func(port.Tick) error {
		order = append(order, "panics")
		panic("boom")
	})
	m.Subscribe([]string{"ETHUSDT"}, port.ChannelTicker, "", func(port.Tick) error {
		order = append(order, "errors")
		return errors.New("bad consumer")
	})
	m.Subscribe([]string{"ETHUSDT"}, port.ChannelTicker, "", func(t port.Tick) error {
		order = append(order, "ok:"+t.PriceStr)
		return nil
	})

	m.dispatch([]byte("ETHUSDT|ticker||3500.5"))
	m.dispatch([]byte("ETHUSDT|ticker||3501"))

	want := []string{"panics", "errors", "ok:3500.5", "panics", "errors", "ok:3501"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
	if got := m.RefCount(port.NewStreamKey("ETHUSDT", port.ChannelTicker, "")); got != 3 {
		t.Errorf("registration table changed after failures: refcount %d", got)
	}
}

func TestDispatchDropsMalformedAndUnknownKeys(t *testing.T) {
	m := New(newFakeUpstream(), testOptions())

	calls := 0
	m.Subscribe([]string{"BTCUSDT"}, port.ChannelTicker, "", func(port.Tick) error { calls++; return nil })

	m.dispatch([]byte("BTCUSDT|ticker||not-a-price"))
	m.dispatch([]byte("BTCUSDT|ticker||nan?"))
	m.dispatch([]byte("ETHUSDT|ticker||3500"))
	m.dispatch([]byte("garbage"))

	if calls != 0 {
		t.Errorf("expected no deliveries, got %d", calls)
	}
}

func TestResubscribeAppliesDiff(t *testing.T) {
	up := newFakeUpstream()
	m := New(up, testOptions())
	conn, _ := startMux(t, m, up)

	other := m.Subscribe([]string{"BTCUSDT"}, port.ChannelTicker, "", noop)
	h := m.Subscribe([]string{"BTCUSDT", "ETHUSDT"}, port.ChannelTicker, "", noop)

	diff, err := m.Resubscribe(h, []string{"ETHUSDT", "SOLUSDT"})
	if err != nil {
		t.Fatalf("Resubscribe failed: %v", err)
	}

	sol := port.NewStreamKey("SOLUSDT", port.ChannelTicker, "")
	btc := port.NewStreamKey("BTCUSDT", port.ChannelTicker, "")
	eth := port.NewStreamKey("ETHUSDT", port.ChannelTicker, "")

	if !reflect.DeepEqual(diff.Added, []port.StreamKey{sol}) {
		t.Errorf("unexpected added: %v", diff.Added)
	}
	if !reflect.DeepEqual(diff.Removed, []port.StreamKey{btc}) {
		t.Errorf("unexpected removed: %v", diff.Removed)
	}
	// BTC is still held by other, so nothing was closed upstream
	if len(conn.unsubs) != 0 {
		t.Errorf("expected no upstream unsubscribe, got %v", conn.unsubs)
	}
	if conn.liveCount(eth) != 1 || conn.liveCount(sol) != 1 || conn.liveCount(btc) != 1 {
		t.Errorf("unexpected upstream state: %v", conn.live)
	}

	m.Unsubscribe(other)
	if conn.liveCount(btc) != 0 {
		t.Errorf("expected BTC closed once nobody holds it")
	}

	diff, err = m.Resubscribe(h, []string{"SOLUSDT", "ETHUSDT"})
	if err != nil {
		t.Fatalf("Resubscribe failed: %v", err)
	}
	if len(diff.Added) != 0 || len(diff.Removed) != 0 {
		t.Errorf("expected empty diff, got %+v", diff)
	}
}

func TestResubscribeUnknownHandle(t *testing.T) {
	m := New(newFakeUpstream(), testOptions())
	h := m.Subscribe([]string{"BTCUSDT"}, port.ChannelTicker, "", noop)
	m.Unsubscribe(h)

	if _, err := m.Resubscribe(h, []string{"ETHUSDT"}); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("expected ErrUnknownHandle, got %v", err)
	}
	if _, err := m.Resubscribe(nil, nil); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("expected ErrUnknownHandle for nil, got %v", err)
	}
}

func TestConnectSubscribesCurrentTable(t *testing.T) {
	up := newFakeUpstream()
	m := New(up, testOptions())

	a := m.Subscribe([]string{"BTCUSDT", "ETHUSDT"}, port.ChannelTicker, "", noop)
	m.Subscribe([]string{"SOLUSDT"}, port.ChannelKline, "1m", noop)
	m.Unsubscribe(a)

	conn, _ := startMux(t, m, up)

	want := []port.StreamKey{port.NewStreamKey("SOLUSDT", port.ChannelKline, "1m")}
	if got := conn.firstSubscribe(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestReconnectResubscribesActiveKeys(t *testing.T) {
	up := newFakeUpstream()
	m := New(up, testOptions())
	first, _ := startMux(t, m, up)

	m.Subscribe([]string{"ETHUSDT", "BTCUSDT"}, port.ChannelTicker, "", noop)
	h := m.Subscribe([]string{"XRPUSDT"}, port.ChannelTicker, "", noop)
	m.Unsubscribe(h)

	first.drop <- io.EOF

	second := waitConn(t, up)
	waitFor(t, m.Connected)

	want := []port.StreamKey{
		port.NewStreamKey("BTCUSDT", port.ChannelTicker, ""),
		port.NewStreamKey("ETHUSDT", port.ChannelTicker, ""),
	}
	if got := second.firstSubscribe(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected resubscribe %v, got %v", want, got)
	}

	got := make(chan string, 1)
	m.Subscribe([]string{"BTCUSDT"}, port.ChannelTicker, "", func(t port.Tick) error {
		got <- t.PriceStr
		return nil
	})
	second.frames <- []byte("BTCUSDT|ticker||67500")
	select {
	case px := <-got:
		if px != "67500" {
			t.Errorf("unexpected price %s", px)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tick not delivered after reconnect")
	}
}

func TestFailedSubscribeReconnectsWithTable(t *testing.T) {
	up := newFakeUpstream()
	m := New(up, testOptions())
	first, _ := startMux(t, m, up)

	first.failNextSubscribe(errors.New("write: broken pipe"))
	m.Subscribe([]string{"BTCUSDT"}, port.ChannelTicker, "", noop)

	second := waitConn(t, up)
	waitFor(t, m.Connected)

	key := port.NewStreamKey("BTCUSDT", port.ChannelTicker, "")
	if m.RefCount(key) != 1 {
		t.Errorf("expected refcount 1, got %d", m.RefCount(key))
	}
	waitFor(t, func() bool { return second.liveCount(key) == 1 })
}

func TestUnsupportedKeysAreNotRegistered(t *testing.T) {
	up := newFakeUpstream()
	m := New(klineless{up}, testOptions())

	h := m.Subscribe([]string{"BTCUSDT"}, port.ChannelKline, "1m", noop)
	if got := m.ActiveKeys(); len(got) != 0 {
		t.Errorf("expected no active keys, got %v", got)
	}
	if _, err := m.Resubscribe(h, []string{"ETHUSDT"}); err != nil {
		t.Fatal(err)
	}
	if got := m.ActiveKeys(); len(got) != 0 {
		t.Errorf("expected no active keys after resubscribe, got %v", got)
	}

	m.Subscribe([]string{"BTCUSDT"}, port.ChannelTicker, "", noop)
	if got := m.ActiveKeys(); len(got) != 1 {
		t.Errorf("expected ticker key only, got %v", got)
	}
}
