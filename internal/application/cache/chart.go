package cache

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultChartCapacity = 50
	DefaultStaleAfter    = 5 * time.Minute
)

type Candle struct {
	OpenTime int64   `json:"openTime"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

type ChartEntry struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Timestamp time.Time `json:"timestamp"`
	Candles   []Candle  `json:"candles"`
}

// ChartCache holds candle series keyed by symbol and timeframe. When full,
// the earliest inserted entry is evicted; reads do not affect eviction
// order and stale entries are still returned.
type ChartCache struct {
	capacity   int
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]ChartEntry
	order   []string
}

// NewChartCache keeps at most capacity series; entries older than staleAfter
// are served but flagged stale.
func NewChartCache(capacity int, staleAfter time.Duration) *ChartCache {
	if capacity <= 0 {
		capacity = DefaultChartCapacity
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &ChartCache{
		capacity:   capacity,
		staleAfter: staleAfter,
		now:        time.Now,
		entries:    make(map[string]ChartEntry, capacity),
	}
}

func chartKey(symbol, timeframe string) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + "|" + strings.ToLower(strings.TrimSpace(timeframe))
}

func (c *ChartCache) Get(symbol, timeframe string) (ChartEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chartKey(symbol, timeframe)]
	return e, ok
}

// Set stores candles for the key. Overwriting an existing key keeps its
// original insertion position.
func (c *ChartCache) Set(symbol, timeframe string, candles []Candle) {
	k := chartKey(symbol, timeframe)
	cp := make([]Candle, len(candles))
	copy(cp, candles)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[k]; !exists {
		for len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, k)
	}
	c.entries[k] = ChartEntry{
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Timeframe: strings.ToLower(strings.TrimSpace(timeframe)),
		Timestamp: c.now(),
		Candles:   cp,
	}
}

func (c *ChartCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]ChartEntry, c.capacity)
	c.order = nil
}

func (c *ChartCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// IsStale reports whether e is older than the staleness window. It is
// advisory; nothing is evicted because of it.
func (c *ChartCache) IsStale(e ChartEntry) bool {
	return c.now().Sub(e.Timestamp) > c.staleAfter
}
