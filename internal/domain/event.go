package domain

import "time"

type EventType string

// notification types
const (
	NotificationBotActivated EventType = "bot_activated"
	NotificationTradeClosed  EventType = "trade_closed"
	NotificationPriceAlert   EventType = "price_alert"
	NotificationInfo         EventType = "info"
	NotificationWarning      EventType = "warning"
	NotificationError        EventType = "error"
)

// activity log types
const (
	ActivityPositionOpened EventType = "position_opened"
	ActivityPositionClosed EventType = "position_closed"
	ActivityBotStarted     EventType = "bot_started"
	ActivityBotStopped     EventType = "bot_stopped"
	ActivitySignal         EventType = "signal"
	ActivitySystem         EventType = "system"
)

var (
	NotificationTypes = []EventType{
		NotificationBotActivated, NotificationTradeClosed, NotificationPriceAlert,
		NotificationInfo, NotificationWarning, NotificationError,
	}
	ActivityTypes = []EventType{
		ActivityPositionOpened, ActivityPositionClosed, ActivityBotStarted,
		ActivityBotStopped, ActivitySignal, ActivitySystem,
	}
)

// Event is a notification or activity log entry.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Title     string         `json:"title,omitempty"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Read      bool           `json:"read"`
}

// EventFields are the caller-supplied parts of an Event.
type EventFields struct {
	Type     EventType      `json:"type"`
	Title    string         `json:"title,omitempty"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
