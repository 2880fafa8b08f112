package pricefeed

import (
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"botwatch/internal/application/port"
)

// Factory builds an upstream for a websocket base URL.
type Factory func(wsURL string) port.Upstream

// registry maps feed names to their factories
var registry = make(map[string]Factory)

// Register is called from the init() of each exchange package.
func Register(name string, factory Factory) {
	name = strings.ToLower(strings.TrimSpace(name))
	if factory == nil {
		log.Warn().Str("feed", name).Msg("invalid upstream factory")
		return
	}
	if _, exists := registry[name]; exists {
		log.Warn().Str("feed", name).Msg("upstream factory already registered, overwriting")
	}
	registry[name] = factory
	log.Debug().Str("feed", name).Msg("upstream factory registered")
}

// Get returns the factory registered for name.
func Get(name string) (Factory, bool) {
	factory, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return factory, ok
}

// Names lists registered feeds, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
