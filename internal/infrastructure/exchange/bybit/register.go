package bybit

import (
	"botwatch/internal/application/port"
	"botwatch/internal/infrastructure/pricefeed"
)

// init registers the Bybit v5 public upstream so config can select it by name.
func init() {
	pricefeed.Register("bybit", func(wsURL string) port.Upstream {
		return NewTickerFeed(wsURL)
	})
}
