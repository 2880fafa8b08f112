package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"botwatch/internal/application/port"
)

// AlertPlayer "plays" a sound by ringing the terminal bell and logging the
// sound id.
type AlertPlayer struct {
	mu  sync.Mutex
	out io.Writer
}

func NewAlertPlayer() *AlertPlayer { return &AlertPlayer{out: os.Stdout} }

func NewAlertPlayerTo(w io.Writer) *AlertPlayer { return &AlertPlayer{out: w} }

func (p *AlertPlayer) Play(ctx context.Context, soundID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprint(p.out, "\a"); err != nil {
		return err
	}
	log.Info().Str("sound", soundID).Msg("alert")
	return nil
}

var _ port.AlertPlayer = (*AlertPlayer)(nil)

// Sink writes boards to stdout. Live lines redraw in place.
type Sink struct {
	mu  sync.Mutex
	out io.Writer
}

func NewSink() *Sink { return &Sink{out: os.Stdout} }

func NewSinkTo(w io.Writer) *Sink { return &Sink{out: w} }

func (s *Sink) WriteLive(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprint(s.out, line) // no newline
	return err
}

// WriteSnapshot prints a dated line and leaves a blank line for the next
// live redraw.
func (s *Sink) WriteSnapshot(ts time.Time, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.out, "\n%s %s\n\n", ts.Format("2006-01-02 15:04:05"), line)
	return err
}

func (s *Sink) NewLine() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprint(s.out, "\n")
	return err
}

var _ port.Sink = (*Sink)(nil)
