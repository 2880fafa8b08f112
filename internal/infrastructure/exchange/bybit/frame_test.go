package bybit

import (
	"errors"
	"math"
	"testing"

	"botwatch/internal/application/port"
)

func TestTopicRoundTrip(t *testing.T) {
	tests := []struct {
		key   port.StreamKey
		topic string
	}{
		{port.NewStreamKey("btcusdt", port.ChannelTicker, ""), "tickers.BTCUSDT"},
		{port.NewStreamKey("ETHUSDT", port.ChannelKline, "1h"), "kline.60.ETHUSDT"},
		{port.NewStreamKey("SOLUSDT", port.ChannelKline, "1d"), "kline.D.SOLUSDT"},
	}
	for _, tt := range tests {
		got, err := Topic(tt.key)
		if err != nil {
			t.Fatalf("Topic(%v) failed: %v", tt.key, err)
		}
		if got != tt.topic {
			t.Errorf("expected %q, got %q", tt.topic, got)
		}
		back, ok := ParseTopic(got)
		if !ok || back != tt.key {
			t.Errorf("ParseTopic(%q) = %v, %v", got, back, ok)
		}
	}

	for _, ch := range []string{port.ChannelAggTrade, port.ChannelMiniTicker} {
		if _, err := Topic(port.NewStreamKey("BTCUSDT", ch, "")); !errors.Is(err, ErrUnsupportedChannel) {
			t.Errorf("%s: expected ErrUnsupportedChannel, got %v", ch, err)
		}
	}
	if _, err := Topic(port.NewStreamKey("BTCUSDT", port.ChannelKline, "7m")); !errors.Is(err, ErrUnsupportedChannel) {
		t.Errorf("expected ErrUnsupportedChannel for odd interval, got %v", err)
	}
}

func TestDecodeFrame(t *testing.T) {
	tick, ok, err := DecodeFrame([]byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1700000000000,"data":{"symbol":"BTCUSDT","lastPrice":"67500.10"}}`))
	if err != nil || !ok {
		t.Fatalf("ticker snapshot: ok=%v err=%v", ok, err)
	}
	if tick.Key != port.NewStreamKey("BTCUSDT", port.ChannelTicker, "") || math.Abs(tick.PriceNum-67500.10) > 1e-9 {
		t.Errorf("unexpected tick %+v", tick)
	}
	if tick.Ts != 1700000000000 {
		t.Errorf("expected frame timestamp, got %d", tick.Ts)
	}

	tick, ok, err = DecodeFrame([]byte(`{"topic":"kline.1.ETHUSDT","type":"snapshot","ts":1,"data":[{"start":0,"interval":"1","close":"3450.5"}]}`))
	if err != nil || !ok {
		t.Fatalf("kline: ok=%v err=%v", ok, err)
	}
	if tick.Key != port.NewStreamKey("ETHUSDT", port.ChannelKline, "1m") || tick.PriceNum != 3450.5 {
		t.Errorf("unexpected kline tick %+v", tick)
	}
}

func TestDecodeFrameSkipsControlAndPartialDeltas(t *testing.T) {
	for _, frame := range []string{
		`{"success":true,"ret_msg":"","conn_id":"x","op":"subscribe"}`,
		`{"success":true,"ret_msg":"pong","op":"ping"}`,
		`{"topic":"tickers.BTCUSDT","type":"delta","ts":1,"data":{"symbol":"BTCUSDT","fundingRate":"0.0001"}}`,
	} {
		if _, ok, err := DecodeFrame([]byte(frame)); ok || err != nil {
			t.Errorf("expected skip for %s, got ok=%v err=%v", frame, ok, err)
		}
	}
}

func TestDecodeFrameMalformed(t *testing.T) {
	_, _, err := DecodeFrame([]byte(`{"topic":"tickers.BTCUSDT","data":{"symbol":"BTCUSDT","lastPrice":"abc"}}`))
	if !errors.Is(err, ErrMalformedTick) {
		t.Errorf("expected ErrMalformedTick, got %v", err)
	}
	_, _, err = DecodeFrame([]byte(`not json`))
	if !errors.Is(err, ErrMalformedTick) {
		t.Errorf("expected ErrMalformedTick, got %v", err)
	}
}

func TestTickerFeedSupports(t *testing.T) {
	f := NewTickerFeed("wss://stream.bybit.com/v5/public/linear")
	if !f.Supports(port.NewStreamKey("BTCUSDT", port.ChannelTicker, "")) {
		t.Errorf("ticker should be supported")
	}
	if !f.Supports(port.NewStreamKey("BTCUSDT", port.ChannelKline, "4h")) {
		t.Errorf("4h kline should be supported")
	}
	if f.Supports(port.NewStreamKey("BTCUSDT", port.ChannelMiniTicker, "")) {
		t.Errorf("miniTicker shares the ticker topic and must be rejected")
	}
}
