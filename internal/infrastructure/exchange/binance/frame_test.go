package binance

import (
	"errors"
	"math"
	"testing"

	"botwatch/internal/application/port"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantKey port.StreamKey
		wantPx  float64
	}{
		{
			name:    "raw ticker",
			frame:   `{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"67500.10","C":1700000000000}`,
			wantKey: port.NewStreamKey("BTCUSDT", port.ChannelTicker, ""),
			wantPx:  67500.10,
		},
		{
			name:    "no event type defaults to ticker",
			frame:   `{"s":"ethusdt","c":"3450"}`,
			wantKey: port.NewStreamKey("ETHUSDT", port.ChannelTicker, ""),
			wantPx:  3450,
		},
		{
			name:    "combined mini ticker",
			frame:   `{"stream":"solusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1,"s":"SOLUSDT","c":"145.2"}}`,
			wantKey: port.NewStreamKey("SOLUSDT", port.ChannelMiniTicker, ""),
			wantPx:  145.2,
		},
		{
			name:    "combined kline",
			frame:   `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1,"s":"BTCUSDT","k":{"i":"1m","c":"65000.5"}}}`,
			wantKey: port.NewStreamKey("BTCUSDT", port.ChannelKline, "1m"),
			wantPx:  65000.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, ok, err := DecodeFrame([]byte(tt.frame))
			if err != nil {
				t.Fatalf("DecodeFrame failed: %v", err)
			}
			if !ok {
				t.Fatalf("expected a tick")
			}
			if tick.Key != tt.wantKey {
				t.Errorf("expected key %v, got %v", tt.wantKey, tick.Key)
			}
			if math.Abs(tick.PriceNum-tt.wantPx) > 1e-9 {
				t.Errorf("expected price %v, got %v", tt.wantPx, tick.PriceNum)
			}
		})
	}
}

func TestDecodeFrameIgnoresAcks(t *testing.T) {
	_, ok, err := DecodeFrame([]byte(`{"result":null,"id":3}`))
	if err != nil || ok {
		t.Errorf("expected ack to be skipped, got ok=%v err=%v", ok, err)
	}
}

func TestDecodeFrameMalformedPrice(t *testing.T) {
	for _, frame := range []string{
		`{"s":"BTCUSDT","c":"abc"}`,
		`{"s":"BTCUSDT","c":""}`,
		`{"s":"BTCUSDT","c":"-1"}`,
		`not json`,
	} {
		tick, ok, err := DecodeFrame([]byte(frame))
		if ok {
			t.Errorf("%s: expected no tick", frame)
		}
		if !errors.Is(err, ErrMalformedTick) {
			t.Errorf("%s: expected ErrMalformedTick, got %v", frame, err)
		}
		if frame != `not json` && tick.Key.Symbol != "BTCUSDT" {
			t.Errorf("%s: expected symbol on malformed tick, got %q", frame, tick.Key.Symbol)
		}
	}
}

func TestParseStreamName(t *testing.T) {
	k, ok := ParseStreamName("ethusdt@kline_15m")
	if !ok || k != port.NewStreamKey("ETHUSDT", port.ChannelKline, "15m") {
		t.Errorf("unexpected key %v ok=%v", k, ok)
	}
	if _, ok := ParseStreamName("nostream"); ok {
		t.Errorf("expected parse failure")
	}
	if got := port.NewStreamKey("BTCUSDT", port.ChannelKline, "1h").String(); got != "btcusdt@kline_1h" {
		t.Errorf("unexpected stream name %s", got)
	}
}
