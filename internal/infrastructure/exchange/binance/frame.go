package binance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"botwatch/internal/application/port"
)

var ErrMalformedTick = errors.New("malformed tick")

// payload covers ticker, miniTicker and kline events. Upper-case siblings
// ("E", "C") are declared so they never fold onto "e"/"c".
type payload struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	CloseTime int64  `json:"C"`
	Kline     *kline `json:"k"`
}

type kline struct {
	Interval string `json:"i"`
	Close    string `json:"c"`
}

type combined struct {
	Stream string   `json:"stream"`
	Data   *payload `json:"data"`
	payload
}

var eventChannels = map[string]string{
	"24hrTicker":     port.ChannelTicker,
	"24hrMiniTicker": port.ChannelMiniTicker,
	"kline":          port.ChannelKline,
}

// DecodeFrame decodes a raw or combined-stream ticker frame. Subscription
// acknowledgements return ok=false. A frame whose price does not parse
// returns ErrMalformedTick with t.Key filled as far as known.
func DecodeFrame(frame []byte) (t port.Tick, ok bool, err error) {
	var msg combined
	if err := sonic.Unmarshal(frame, &msg); err != nil {
		return t, false, fmt.Errorf("%w: %v", ErrMalformedTick, err)
	}

	p := &msg.payload
	if msg.Data != nil {
		p = msg.Data
	}
	if p.Symbol == "" && p.Kline == nil {
		return t, false, nil
	}

	key := keyFromEvent(p)
	if msg.Stream != "" {
		if k, ok := ParseStreamName(msg.Stream); ok {
			key = k
		}
	}

	raw := p.Close
	if key.Channel == port.ChannelKline && p.Kline != nil {
		raw = p.Kline.Close
	}
	raw = strings.TrimSpace(raw)

	t = port.Tick{Key: key, Event: p.Event, PriceStr: raw, Ts: p.EventTime}
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

func keyFromEvent(p *payload) port.StreamKey {
	ch, ok := eventChannels[p.Event]
	if !ok {
		ch = port.ChannelTicker
	}
	interval := ""
	if ch == port.ChannelKline && p.Kline != nil {
		interval = p.Kline.Interval
	}
	return port.NewStreamKey(p.Symbol, ch, interval)
}

// ParseStreamName parses "btcusdt@kline_1m" style stream names.
func ParseStreamName(name string) (port.StreamKey, bool) {
	sym, rest, found := strings.Cut(strings.TrimSpace(name), "@")
	if !found || sym == "" || rest == "" {
		return port.StreamKey{}, false
	}
	rest, _, _ = strings.Cut(rest, "@")
	channel, interval := rest, ""
	if c, i, ok := strings.Cut(rest, "_"); ok && c == port.ChannelKline {
		channel, interval = c, i
	}
	return port.NewStreamKey(sym, channel, interval), true
}
