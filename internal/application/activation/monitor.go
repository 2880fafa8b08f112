package activation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"

	"botwatch/internal/application/port"
	"botwatch/internal/domain"
	"botwatch/internal/infrastructure/metrics"
)

const (
	SettingsKey    = "notification_settings"
	DefaultSoundID = "chime"
)

// Settings is the persisted per-user notification settings object.
type Settings struct {
	SoundID      string `json:"soundId"`
	SoundEnabled *bool  `json:"soundEnabled,omitempty"`
}

// Activation is one WAITING/PENDING -> ACTIVE transition.
type Activation struct {
	PositionID string           `json:"positionId"`
	Symbol     string           `json:"symbol"`
	BotType    string           `json:"botType"`
	Side       domain.Direction `json:"side"`
	Reason     string           `json:"reason"`
	EntryPrice float64          `json:"entryPrice"`
	Leverage   float64          `json:"leverage"`
}

type Deps struct {
	Notifications port.EventAppender
	Activity      port.EventAppender // optional
	Alerts        port.AlertPlayer   // optional
	Settings      port.KVStore       // optional
	Forward       port.Notifier      // optional
}

// Monitor remembers the last observed status per position and reports
// activations exactly once.
type Monitor struct {
	deps Deps

	mu   sync.Mutex
	last map[string]domain.Status
}

// NewMonitor returns a monitor with no observed positions.
func NewMonitor(deps Deps) *Monitor {
	return &Monitor{
		deps: deps,
		last: make(map[string]domain.Status),
	}
}

// Detect compares positions with the last observed statuses, records the
// new statuses and returns the activations. IDs missing from positions are
// forgotten.
func (m *Monitor) Detect(positions []domain.Position) []Activation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Activation
	next := make(map[string]domain.Status, len(positions))
	for _, p := range positions {
		cur := domain.NormalizeStatus(string(p.Status))
		prev, seen := m.last[p.ID]
		if seen && prev.IsAwaitingActivation() && cur == domain.StatusActive {
			out = append(out, Activation{
				PositionID: p.ID,
				Symbol:     p.Symbol,
				BotType:    p.BotType,
				Side:       NormalizeSide(p),
				Reason:     TriggerReason(p),
				EntryPrice: p.EntryPrice,
				Leverage:   p.Leverage,
			})
		}
		next[p.ID] = cur
	}
	m.last = next
	return out
}

// Prime records the statuses of positions not observed yet without
// reporting anything, so their first change after Prime is compared against
// the primed status. Known ids keep their last status.
func (m *Monitor) Prime(positions []domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range positions {
		if _, ok := m.last[p.ID]; !ok {
			m.last[p.ID] = domain.NormalizeStatus(string(p.Status))
		}
	}
}

// Evaluate runs one pass: detection, then hand-off of every activation and
// a single audible alert for the pass.
func (m *Monitor) Evaluate(ctx context.Context, positions []domain.Position) []Activation {
	acts := m.Detect(positions)
	m.Deliver(ctx, acts)
	return acts
}

// Deliver hands off activations found by Detect and plays one alert.
func (m *Monitor) Deliver(ctx context.Context, acts []Activation) {
	if len(acts) == 0 {
		return
	}

	for _, a := range acts {
		metrics.ActivationsTotal.WithLabelValues(strings.ToLower(a.BotType)).Inc()
		m.handOff(ctx, a)
	}

	sound, enabled := m.soundID(ctx)
	if enabled && m.deps.Alerts != nil {
		if err := m.deps.Alerts.Play(ctx, sound); err != nil {
			log.Warn().Err(err).Str("sound", sound).Msg("alert playback failed")
		}
	}
}

func (m *Monitor) handOff(ctx context.Context, a Activation) {
	title := fmt.Sprintf("%s %s activated", a.Symbol, a.Side)
	meta := map[string]any{
		"positionId": a.PositionID,
		"symbol":     a.Symbol,
		"botType":    a.BotType,
		"side":       string(a.Side),
		"entryPrice": a.EntryPrice,
		"leverage":   a.Leverage,
	}

	log.Info().
		Str("position", a.PositionID).
		Str("symbol", a.Symbol).
		Str("side", string(a.Side)).
		Str("reason", a.Reason).
		Msg("bot activated")

	fields := domain.EventFields{
		Type:     domain.NotificationBotActivated,
		Title:    title,
		Message:  a.Reason,
		Metadata: meta,
	}
	id, err := m.deps.Notifications.Append(ctx, fields)
	if err != nil {
		log.Error().Err(err).Str("position", a.PositionID).Msg("notification append failed")
	}

	if m.deps.Activity != nil {
		_, err := m.deps.Activity.Append(ctx, domain.EventFields{
			Type:     domain.ActivityPositionOpened,
			Message:  fmt.Sprintf("%s opened %s %s: %s", a.BotType, a.Side, a.Symbol, a.Reason),
			Metadata: meta,
		})
		if err != nil {
			log.Error().Err(err).Str("position", a.PositionID).Msg("activity append failed")
		}
	}

	if m.deps.Forward != nil {
		ev := domain.Event{ID: id, Timestamp: time.Now(), Type: fields.Type, Title: fields.Title, Message: fields.Message, Metadata: meta}
		if err := m.deps.Forward.Notify(ctx, ev); err != nil {
			log.Warn().Err(err).Str("position", a.PositionID).Msg("notification forward failed")
		}
	}
}

// soundID reads the configured alert sound. Missing or unparseable settings
// fall back to DefaultSoundID.
func (m *Monitor) soundID(ctx context.Context) (string, bool) {
	if m.deps.Settings == nil {
		return DefaultSoundID, true
	}
	raw, err := m.deps.Settings.Get(ctx, SettingsKey)
	if err != nil {
		if !errors.Is(err, port.ErrNotFound) {
			log.Warn().Err(err).Msg("read notification settings failed")
		}
		return DefaultSoundID, true
	}
	var s Settings
	if err := sonic.Unmarshal(raw, &s); err != nil {
		log.Warn().Err(err).Msg("notification settings unparseable")
		return DefaultSoundID, true
	}
	if s.SoundEnabled != nil && !*s.SoundEnabled {
		return "", false
	}
	if strings.TrimSpace(s.SoundID) == "" {
		return DefaultSoundID, true
	}
	return s.SoundID, true
}
