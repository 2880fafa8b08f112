// Package notify fans a notification out to several forwarders.
package notify

import (
	"context"
	"errors"

	"botwatch/internal/application/port"
	"botwatch/internal/domain"
)

type Fanout struct {
	targets []port.Notifier
}

// NewFanout drops nil targets. It returns nil when none are left so callers
// can leave the forward slot empty.
func NewFanout(targets ...port.Notifier) port.Notifier {
	out := make([]port.Notifier, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return &Fanout{targets: out}
}

// Notify calls every target and joins their errors.
func (f *Fanout) Notify(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
