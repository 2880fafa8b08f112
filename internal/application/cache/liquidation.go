package cache

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultLiquidationThrottle = 10 * time.Second

// DefaultLeverages are the tiers a heatmap shows.
var DefaultLeverages = []int{5, 10, 25, 50, 100}

// DefaultMaintenanceRate is the maintenance margin ratio assumed for every tier.
const DefaultMaintenanceRate = 0.004

type LiquidationLevel struct {
	Leverage   int     `json:"leverage"`
	LongPrice  float64 `json:"longPrice"`
	ShortPrice float64 `json:"shortPrice"`
}

type Levels struct {
	Price       float64            `json:"price"`
	GeneratedAt time.Time          `json:"generatedAt"`
	Levels      []LiquidationLevel `json:"levels"`
}

type Generator func(price float64) []LiquidationLevel

// LiquidationCache is a single slot. Get regenerates only after the
// throttle window has elapsed since the last generation, even if the
// price has moved.
type LiquidationCache struct {
	throttle time.Duration
	generate Generator
	now      func() time.Time

	mu      sync.Mutex
	current *Levels
}

func NewLiquidationCache(throttle time.Duration, gen Generator) *LiquidationCache {
	if throttle <= 0 {
		throttle = DefaultLiquidationThrottle
	}
	if gen == nil {
		gen = LevelGenerator(DefaultLeverages, DefaultMaintenanceRate)
	}
	return &LiquidationCache{throttle: throttle, generate: gen, now: time.Now}
}

func (c *LiquidationCache) Get(currentPrice float64) Levels {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.current != nil && now.Sub(c.current.GeneratedAt) <= c.throttle {
		return *c.current
	}
	c.current = &Levels{Price: currentPrice, GeneratedAt: now, Levels: c.generate(currentPrice)}
	return *c.current
}

// Invalidate forces the next Get to regenerate.
func (c *LiquidationCache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// LevelGenerator returns isolated-margin liquidation prices per leverage:
// long at price*(1-1/L+mmr), short at price*(1+1/L-mmr), rounded to the
// price's tick precision.
func LevelGenerator(leverages []int, maintenance float64) Generator {
	mmr := decimal.NewFromFloat(maintenance)
	return func(price float64) []LiquidationLevel {
		if price <= 0 {
			return nil
		}
		p := decimal.NewFromFloat(price)
		places := precisionFor(p)
		out := make([]LiquidationLevel, 0, len(leverages))
		for _, lev := range leverages {
			if lev < 1 {
				continue
			}
			inv := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(lev)))
			long := p.Mul(decimal.NewFromInt(1).Sub(inv).Add(mmr)).Round(places)
			short := p.Mul(decimal.NewFromInt(1).Add(inv).Sub(mmr)).Round(places)
			lf, _ := long.Float64()
			sf, _ := short.Float64()
			out = append(out, LiquidationLevel{Leverage: lev, LongPrice: lf, ShortPrice: sf})
		}
		return out
	}
}

func precisionFor(p decimal.Decimal) int32 {
	switch {
	case p.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		return 1
	case p.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return 4
	default:
		return 8
	}
}
