package domain

import "strings"

type Status string

const (
	StatusWaiting Status = "WAITING"
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusOpen    Status = "OPEN"
	StatusRunning Status = "RUNNING"
	StatusMoving  Status = "MOVING"
	StatusClosed  Status = "CLOSED"

	StatusUnknown Status = ""
)

// statusAliases maps raw strings seen at ingestion onto the closed set.
// OPEN stays distinct from ACTIVE: both are live, only ACTIVE is an activation target.
var statusAliases = map[string]Status{
	"WAITING": StatusWaiting,
	"WAIT":    StatusWaiting,
	"PENDING": StatusPending,
	"ACTIVE":  StatusActive,
	"FILLED":  StatusActive,
	"OPEN":    StatusOpen,
	"RUNNING": StatusRunning,
	"MOVING":  StatusMoving,
	"CLOSED":  StatusClosed,
	"CLOSE":   StatusClosed,
}

// NormalizeStatus maps a raw status string onto the enumeration.
// Unrecognized values return StatusUnknown.
func NormalizeStatus(raw string) Status {
	s, ok := statusAliases[strings.ToUpper(strings.TrimSpace(raw))]
	if !ok {
		return StatusUnknown
	}
	return s
}

// IsLive reports whether P&L is recomputed for positions in this status.
func (s Status) IsLive() bool {
	switch s {
	case StatusActive, StatusOpen, StatusRunning:
		return true
	default:
		return false
	}
}

// IsAwaitingActivation reports whether s is a pre-activation status.
func (s Status) IsAwaitingActivation() bool {
	return s == StatusWaiting || s == StatusPending
}

type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Sign returns +1 for LONG and -1 otherwise.
func (d Direction) Sign() float64 {
	if d == DirectionLong {
		return 1
	}
	return -1
}

// NormalizeDirection maps generic side labels onto LONG/SHORT.
func NormalizeDirection(raw string) (Direction, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LONG", "BUY":
		return DirectionLong, true
	case "SHORT", "SELL":
		return DirectionShort, true
	default:
		return "", false
	}
}
