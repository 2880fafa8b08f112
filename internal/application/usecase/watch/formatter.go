package watch

import (
	"fmt"
	"strings"

	"botwatch/internal/domain"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderSnapshot
)

// Formatter renders positions as one board line.
type Formatter struct {
	// Color disables ANSI codes when false.
	Color bool
}

func NewFormatter(color bool) *Formatter {
	return &Formatter{Color: color}
}

func (f *Formatter) paint(s, c string) string {
	if !f.Color {
		return s
	}
	return colorize(s, c)
}

func (f *Formatter) Render(positions []domain.Position, mode RenderMode) string {
	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}

	sb.WriteString(f.paint("[BOTWATCH] ", ansiDim))

	shown := 0
	for _, p := range positions {
		if p.Status == domain.StatusClosed {
			continue
		}
		if shown > 0 {
			sb.WriteString(f.paint("  ||  ", ansiDim))
		}
		shown++

		sb.WriteString(p.Symbol)
		sb.WriteString(" ")
		sb.WriteString(string(p.Direction))
		fmt.Fprintf(&sb, " %gx ", p.Leverage)

		if !p.Status.IsLive() {
			sb.WriteString(f.paint(string(p.Status), ansiYellow))
			continue
		}

		price := "--"
		if p.CurrentPrice > 0 {
			price = fmt.Sprintf("%g", p.CurrentPrice)
		}
		sb.WriteString(price)
		sb.WriteString(" ")

		col := ansiYellow
		switch {
		case p.PnL > 0:
			col = ansiGreen
		case p.PnL < 0:
			col = ansiRed
		}
		sb.WriteString(f.paint(fmt.Sprintf("%+.2f (%+.2f%%)", p.PnL, p.PnLPercent), col))
	}
	if shown == 0 {
		sb.WriteString(f.paint("no open positions", ansiDim))
	}

	if mode == RenderLive {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}
