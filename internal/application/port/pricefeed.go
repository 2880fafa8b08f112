package port

import (
	"context"
	"strings"
)

const (
	ChannelTicker     = "ticker"
	ChannelMiniTicker = "miniTicker"
	ChannelKline      = "kline"
	ChannelAggTrade   = "aggTrade"
)

// StreamKey identifies one upstream stream.
type StreamKey struct {
	Symbol   string // upper case, e.g. "BTCUSDT"
	Channel  string
	Interval string // empty unless the channel is interval based
}

func NewStreamKey(symbol, channel, interval string) StreamKey {
	return StreamKey{
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		Channel:  strings.TrimSpace(channel),
		Interval: strings.TrimSpace(interval),
	}
}

// String renders the key as a combined-stream name, e.g. "btcusdt@kline_1m".
func (k StreamKey) String() string {
	s := strings.ToLower(k.Symbol) + "@" + k.Channel
	if k.Interval != "" {
		s += "_" + k.Interval
	}
	return s
}

type Tick struct {
	Key      StreamKey
	Event    string  // upstream event type, may be empty
	PriceStr string  // raw decimal string
	PriceNum float64 // parsed price
	Ts       int64   // unix ms
}

// Upstream is a source of ticker frames that supports per-stream subscription
// on a single connection.
type Upstream interface {
	Name() string
	Connect(ctx context.Context) (UpstreamConn, error)
	// Decode turns one raw frame into a tick. Control frames return ok=false and a nil error.
	Decode(frame []byte) (t Tick, ok bool, err error)
}

// StreamFilter is implemented by upstreams that serve only some keys. Keys
// it rejects are never registered.
type StreamFilter interface {
	Supports(k StreamKey) bool
}

type UpstreamConn interface {
	Subscribe(ctx context.Context, keys []StreamKey) error
	Unsubscribe(ctx context.Context, keys []StreamKey) error
	// ReadLoop blocks, handing every frame to onFrame, until the connection
	// fails or ctx is done.
	ReadLoop(ctx context.Context, onFrame func([]byte)) error
	Close() error
}
