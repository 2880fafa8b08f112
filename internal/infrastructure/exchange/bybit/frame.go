package bybit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"botwatch/internal/application/port"
)

var (
	ErrMalformedTick      = errors.New("malformed tick")
	ErrUnsupportedChannel = errors.New("channel not supported by bybit")
)

// kline intervals, ours -> bybit
var intervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W", "1M": "M",
}

var intervalsBack = func() map[string]string {
	out := make(map[string]string, len(intervals))
	for k, v := range intervals {
		out[v] = k
	}
	return out
}()

// Topic maps a stream key onto a v5 public topic, e.g. "tickers.BTCUSDT"
// or "kline.1.BTCUSDT".
func Topic(k port.StreamKey) (string, error) {
	switch k.Channel {
	case port.ChannelTicker:
		return "tickers." + k.Symbol, nil
	case port.ChannelKline:
		iv, ok := intervals[k.Interval]
		if !ok {
			return "", fmt.Errorf("%w: kline interval %q", ErrUnsupportedChannel, k.Interval)
		}
		return "kline." + iv + "." + k.Symbol, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChannel, k.Channel)
	}
}

// ParseTopic is the inverse of Topic.
func ParseTopic(topic string) (port.StreamKey, bool) {
	parts := strings.Split(strings.TrimSpace(topic), ".")
	switch {
	case len(parts) == 2 && parts[0] == "tickers" && parts[1] != "":
		return port.NewStreamKey(parts[1], port.ChannelTicker, ""), true
	case len(parts) == 3 && parts[0] == "kline" && parts[2] != "":
		iv, ok := intervalsBack[parts[1]]
		if !ok {
			return port.StreamKey{}, false
		}
		return port.NewStreamKey(parts[2], port.ChannelKline, iv), true
	default:
		return port.StreamKey{}, false
	}
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
}

type klineData struct {
	Close string `json:"close"`
}

type message struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
	Op    string          `json:"op,omitempty"`
	Ok    *bool           `json:"success,omitempty"`
}

// DecodeFrame decodes one v5 public frame. Acks, pongs and ticker deltas
// that do not carry a last price return ok=false.
func DecodeFrame(frame []byte) (t port.Tick, ok bool, err error) {
	var msg message
	if err := sonic.Unmarshal(frame, &msg); err != nil {
		return t, false, fmt.Errorf("%w: %v", ErrMalformedTick, err)
	}
	if msg.Op != "" || msg.Ok != nil || msg.Topic == "" {
		return t, false, nil
	}
	key, known := ParseTopic(msg.Topic)
	if !known {
		return t, false, nil
	}

	var raw string
	switch key.Channel {
	case port.ChannelKline:
		var ks []klineData
		if err := sonic.Unmarshal(msg.Data, &ks); err != nil {
			return t, false, fmt.Errorf("%w: %v", ErrMalformedTick, err)
		}
		if len(ks) == 0 {
			return t, false, nil
		}
		raw = ks[len(ks)-1].Close
	default:
		var td tickerData
		if err := sonic.Unmarshal(msg.Data, &td); err != nil {
			return t, false, fmt.Errorf("%w: %v", ErrMalformedTick, err)
		}
		raw = td.LastPrice
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return t, false, nil
	}

	t = port.Tick{Key: key, Event: msg.Type, PriceStr: raw, Ts: msg.Ts}
	if t.Ts == 0 {
		t.Ts = time.Now().UnixMilli()
	}
	px, err := decimal.NewFromString(raw)
	if err != nil {
		return t, false, fmt.Errorf("%w: price %q: %v", ErrMalformedTick, raw, err)
	}
	if !px.IsPositive() {
		return t, false, fmt.Errorf("%w: non-positive price %q", ErrMalformedTick, raw)
	}
	t.PriceNum = px.InexactFloat64()
	return t, true, nil
}
