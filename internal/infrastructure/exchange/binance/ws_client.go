package binance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"botwatch/internal/application/port"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	dialTimeout  = 10 * time.Second
)

// TickerFeed connects to the combined-stream endpoint and manages streams
// with SUBSCRIBE/UNSUBSCRIBE control frames on one connection.
type TickerFeed struct {
	wsURL string // e.g. wss://stream.binance.com:9443
}

// NewTickerFeed 创建 Binance 组合流行情源，连接时路径统一改写为 /stream
func NewTickerFeed(wsURL string) *TickerFeed {
	return &TickerFeed{wsURL: strings.TrimSpace(wsURL)}
}

func (f *TickerFeed) Name() string { return "BINANCE" }

func (f *TickerFeed) Connect(ctx context.Context) (port.UpstreamConn, error) {
	u, err := combinedURL(f.wsURL)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(cctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return &wsConn{conn: conn}, nil
}

func (f *TickerFeed) Decode(frame []byte) (port.Tick, bool, error) {
	return DecodeFrame(frame)
}

func combinedURL(base string) (string, error) {
	if base == "" {
		return "", errors.New("binance ws_url empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = "/stream"
	return u.String(), nil
}

type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type wsConn struct {
	conn   *websocket.Conn
	writeM sync.Mutex
	nextID atomic.Int64
}

func (c *wsConn) Subscribe(ctx context.Context, keys []port.StreamKey) error {
	return c.control(ctx, "SUBSCRIBE", keys)
}

func (c *wsConn) Unsubscribe(ctx context.Context, keys []port.StreamKey) error {
	return c.control(ctx, "UNSUBSCRIBE", keys)
}

func (c *wsConn) control(ctx context.Context, method string, keys []port.StreamKey) error {
	if len(keys) == 0 {
		return nil
	}
	params := make([]string, 0, len(keys))
	for _, k := range keys {
		params = append(params, k.String())
	}
	b, err := sonic.Marshal(controlFrame{Method: method, Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	c.writeM.Lock()
	defer c.writeM.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) ReadLoop(ctx context.Context, onFrame func([]byte)) error {
	conn := c.conn
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			onFrame(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

var _ port.Upstream = (*TickerFeed)(nil)
