package binance

import (
	"botwatch/internal/application/port"
	"botwatch/internal/infrastructure/pricefeed"
)

// init registers the Binance ticker upstream so config can select it by name.
func init() {
	pricefeed.Register("binance", func(wsURL string) port.Upstream {
		return NewTickerFeed(wsURL)
	})
}
