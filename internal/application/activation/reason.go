package activation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"botwatch/internal/domain"
)

// bot type families
const (
	botRSI    = "rsi"
	botStreak = "streak"
	botGrid   = "grid"
)

var botFamilies = map[string]string{
	"rsi":           botRSI,
	"rsi_bot":       botRSI,
	"streak":        botStreak,
	"candle_streak": botStreak,
	"candles":       botStreak,
	"grid":          botGrid,
	"grid_bot":      botGrid,
}

// sideLabels remaps strategy-specific direction labels per bot family.
var sideLabels = map[string]map[string]domain.Direction{
	botStreak: {
		"GREEN CANDLES": domain.DirectionLong,
		"GREEN":         domain.DirectionLong,
		"RED CANDLES":   domain.DirectionShort,
		"RED":           domain.DirectionShort,
	},
	botRSI: {
		"OVERSOLD":   domain.DirectionLong,
		"OVERBOUGHT": domain.DirectionShort,
	},
}

func family(botType string) string {
	k := strings.ToLower(strings.TrimSpace(botType))
	k = strings.ReplaceAll(k, "-", "_")
	k = strings.ReplaceAll(k, " ", "_")
	return botFamilies[k]
}

// TriggerReason describes why a bot entered its position.
func TriggerReason(p domain.Position) string {
	switch family(p.BotType) {
	case botRSI:
		if v, ok := number(p.Metadata["rsi"]); ok {
			if th, ok := number(p.Metadata["rsiThreshold"]); ok {
				return fmt.Sprintf("RSI %.2f crossed threshold %.0f", v, th)
			}
			return fmt.Sprintf("RSI reached %.2f", v)
		}
	case botStreak:
		if n, ok := number(p.Metadata["streak"]); ok {
			label, _ := p.Metadata["side"].(string)
			if strings.TrimSpace(label) == "" {
				label = "candles"
			}
			return fmt.Sprintf("%d consecutive %s", int(n), label)
		}
	case botGrid:
		if lvl, ok := number(p.Metadata["gridLevel"]); ok {
			return fmt.Sprintf("Price reached grid level %d", int(lvl))
		}
	}
	return "Entry conditions met"
}

// NormalizeSide resolves the trade side, honoring the bot family's own labels
// before the generic LONG/SHORT/BUY/SELL set. Falls back to the position's
// direction, then LONG.
func NormalizeSide(p domain.Position) domain.Direction {
	if raw, ok := p.Metadata["side"].(string); ok {
		label := strings.ToUpper(strings.TrimSpace(raw))
		if d, ok := sideLabels[family(p.BotType)][label]; ok {
			return d
		}
		if d, ok := domain.NormalizeDirection(label); ok {
			return d
		}
	}
	if d, ok := domain.NormalizeDirection(string(p.Direction)); ok {
		return d
	}
	return domain.DirectionLong
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
