package port

import (
	"context"
	"time"

	"botwatch/internal/domain"
)

// AlertPlayer plays an audible alert.
type AlertPlayer interface {
	Play(ctx context.Context, soundID string) error
}

// Notifier forwards a notification outside the process (chat, webhook).
type Notifier interface {
	Notify(ctx context.Context, ev domain.Event) error
}

// EventAppender is the write side of an event store.
type EventAppender interface {
	Append(ctx context.Context, fields domain.EventFields) (string, error)
}

// Sink receives rendered position boards.
type Sink interface {
	WriteLive(line string) error
	WriteSnapshot(ts time.Time, line string) error
	NewLine() error
}
