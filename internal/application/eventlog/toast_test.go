package eventlog

import (
	"fmt"
	"testing"
	"time"

	"botwatch/internal/domain"
)

type fakeTimer struct {
	d       time.Duration
	fire    func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	was := !f.stopped
	f.stopped = true
	return was
}

type fakeClock struct {
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(d time.Duration, f func()) stopper {
	t := &fakeTimer{d: d, fire: f}
	c.timers = append(c.timers, t)
	return t
}

func newTestToasts() (*Toasts, *fakeClock) {
	clock := &fakeClock{}
	t := NewToasts()
	t.afterFunc = clock.afterFunc
	return t, clock
}

func TestToastsNewestFirstAndCapped(t *testing.T) {
	ts, clock := newTestToasts()

	for i := 0; i < 7; i++ {
		ts.Show(Toast{Type: domain.NotificationInfo, Message: fmt.Sprintf("t%d", i)})
	}

	got := ts.Visible()
	if len(got) != MaxVisibleToasts {
		t.Fatalf("expected %d toasts, got %d", MaxVisibleToasts, len(got))
	}
	if got[0].Message != "t6" || got[4].Message != "t2" {
		t.Errorf("expected t6..t2, got %s..%s", got[0].Message, got[4].Message)
	}
	if !clock.timers[0].stopped || !clock.timers[1].stopped || clock.timers[2].stopped {
		t.Errorf("expected timers of evicted toasts to be stopped")
	}
}

func TestToastExpiresAfterDuration(t *testing.T) {
	ts, clock := newTestToasts()

	id := ts.Show(Toast{Message: "short"})
	ts.Show(Toast{Message: "custom", Duration: 2 * time.Second})

	if clock.timers[0].d != DefaultToastDuration || clock.timers[1].d != 2*time.Second {
		t.Fatalf("unexpected durations %v / %v", clock.timers[0].d, clock.timers[1].d)
	}

	clock.timers[0].fire()
	got := ts.Visible()
	if len(got) != 1 || got[0].Message != "custom" {
		t.Errorf("expected only the custom toast left, got %+v", got)
	}
	if ts.Dismiss(id) {
		t.Errorf("expired toast should no longer be dismissable")
	}
}

func TestForeverToastNeedsDismiss(t *testing.T) {
	ts, clock := newTestToasts()

	var published [][]Toast
	ts.Subscribe(func(v []Toast) { published = append(published, v) })

	id := ts.Show(Toast{Message: "sticky", Duration: Forever})
	if len(clock.timers) != 0 {
		t.Fatalf("expected no timer for a sticky toast")
	}
	if !ts.Dismiss(id) {
		t.Fatalf("expected dismiss to succeed")
	}
	if len(ts.Visible()) != 0 {
		t.Errorf("expected no toasts left")
	}
	if len(published) != 2 || len(published[0]) != 1 || len(published[1]) != 0 {
		t.Errorf("unexpected published sequence %v", published)
	}
}

func TestToastFromEvent(t *testing.T) {
	ts, _ := newTestToasts()
	ts.FromEvent(domain.Event{Type: domain.NotificationBotActivated, Title: "Bot Activated", Message: "RSI reached 28.40"}, 0)

	got := ts.Visible()
	if len(got) != 1 || got[0].Type != domain.NotificationBotActivated || got[0].Title != "Bot Activated" || got[0].Duration != DefaultToastDuration {
		t.Errorf("unexpected toast %+v", got)
	}
}
