package bybit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"botwatch/internal/application/port"
)

const (
	readTimeout = 60 * time.Second
	// bybit drops idle connections after 30s without an op ping
	pingInterval = 20 * time.Second
	dialTimeout  = 10 * time.Second

	// args per subscribe request accepted by the public endpoint
	maxArgs = 10
)

// TickerFeed connects to a v5 public endpoint, e.g.
// wss://stream.bybit.com/v5/public/linear.
type TickerFeed struct {
	wsURL string
}

// NewTickerFeed 创建 Bybit v5 公共行情源，仅支持 ticker 与 kline
func NewTickerFeed(wsURL string) *TickerFeed {
	return &TickerFeed{wsURL: strings.TrimSpace(wsURL)}
}

func (f *TickerFeed) Name() string { return "BYBIT" }

func (f *TickerFeed) Connect(ctx context.Context) (port.UpstreamConn, error) {
	if f.wsURL == "" {
		return nil, errors.New("bybit ws_url empty")
	}
	cctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(cctx, f.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", f.wsURL, err)
	}
	return &wsConn{conn: conn}, nil
}

// Supports reports whether k maps onto a bybit topic.
func (f *TickerFeed) Supports(k port.StreamKey) bool {
	_, err := Topic(k)
	return err == nil
}

func (f *TickerFeed) Decode(frame []byte) (port.Tick, bool, error) {
	return DecodeFrame(frame)
}

type opRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

type wsConn struct {
	conn   *websocket.Conn
	writeM sync.Mutex
}

func (c *wsConn) Subscribe(ctx context.Context, keys []port.StreamKey) error {
	return c.request(ctx, "subscribe", keys)
}

func (c *wsConn) Unsubscribe(ctx context.Context, keys []port.StreamKey) error {
	return c.request(ctx, "unsubscribe", keys)
}

// request sends one op per maxArgs topics. Keys without a bybit topic are
// skipped and reported after the rest is sent.
func (c *wsConn) request(ctx context.Context, op string, keys []port.StreamKey) error {
	seen := make(map[string]struct{}, len(keys))
	topics := make([]string, 0, len(keys))
	var errs []error
	for _, k := range keys {
		t, err := Topic(k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		topics = append(topics, t)
	}

	for len(topics) > 0 {
		n := min(len(topics), maxArgs)
		if err := c.write(ctx, opRequest{Op: op, Args: topics[:n]}); err != nil {
			return err
		}
		topics = topics[n:]
	}
	return errors.Join(errs...)
}

func (c *wsConn) write(ctx context.Context, req opRequest) error {
	b, err := sonic.Marshal(req)
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
			if err := c.write(ctx, opRequest{Op: "ping"}); err != nil {
				log.Debug().Err(err).Msg("bybit ping failed")
			}
		}
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

var (
	_ port.Upstream     = (*TickerFeed)(nil)
	_ port.StreamFilter = (*TickerFeed)(nil)
)
