package domain

import (
	"math"
	"time"
)

const (
	// PriceEpsilon is the relative price move below which two prices are
	// treated as equal.
	PriceEpsilon = 1e-9
	// PriceEpsilonFloor bounds the tolerance for prices near zero.
	PriceEpsilonFloor = 1e-12
)

// Position is a bot-held open or pending trade.
type Position struct {
	ID           string         `json:"id"`
	Symbol       string         `json:"symbol"`
	Status       Status         `json:"status"`
	Direction    Direction      `json:"direction"`
	EntryPrice   float64        `json:"entryPrice"`
	CurrentPrice float64        `json:"currentPrice"`
	Leverage     float64        `json:"leverage"`
	Margin       float64        `json:"margin"`
	PnL          float64        `json:"pnl"`
	PnLPercent   float64        `json:"pnlPercent"`
	BotType      string         `json:"botType"`
	Source       string         `json:"source,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// AwaitingFill reports whether the entry price is not known yet.
func (p *Position) AwaitingFill() bool {
	return p.EntryPrice <= 0
}

// UnrealizedPnL returns pnl and pnl percent for the given mark price.
// ok is false when the entry price is not set.
func UnrealizedPnL(direction Direction, entry, current, leverage, margin float64) (pnl, pnlPercent float64, ok bool) {
	if entry <= 0 {
		return 0, 0, false
	}
	pctChange := (current - entry) / entry
	pnlPercent = pctChange * direction.Sign() * leverage * 100
	pnl = (pnlPercent / 100) * margin
	return pnl, pnlPercent, true
}

// PriceEqual reports whether two prices are indistinguishable: the gap is
// within PriceEpsilon of the larger magnitude, or within PriceEpsilonFloor.
func PriceEqual(a, b float64) bool {
	tol := PriceEpsilon * math.Max(math.Abs(a), math.Abs(b))
	if tol < PriceEpsilonFloor {
		tol = PriceEpsilonFloor
	}
	return math.Abs(a-b) <= tol
}
