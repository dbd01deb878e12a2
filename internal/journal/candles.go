package journal

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/model"
)

// DefaultInterval is the candle width used when none is requested.
const DefaultInterval = 5 * time.Minute

var ErrInvalidInterval = errors.New("journal: candle interval must be between 1m and 1d")

// ParseInterval parses a candle width such as "1m", "15m" or "1h". An
// empty string yields DefaultInterval.
func ParseInterval(s string) (time.Duration, error) {
	if s == "" {
		return DefaultInterval, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < time.Minute || d > 24*time.Hour {
		return 0, ErrInvalidInterval
	}
	return d, nil
}

// FromTrades collapses ledger trades into prints. Both legs of a book fill
// share one timestamp and price, so each (time, price) group counts the
// larger of its buy and sell quantities. Pool fills have a single leg.
func FromTrades(trades []model.Trade) []Print {
	type key struct {
		at    int64
		price string
	}
	type group struct {
		p         Print
		buy, sell decimal.Decimal
	}
	groups := make(map[key]*group)
	var order []key
	for _, t := range trades {
		k := key{t.CreatedAt.UnixNano(), t.Price.String()}
		g, ok := groups[k]
		if !ok {
			g = &group{p: Print{ID: t.ID, AssetID: t.AssetID, Side: t.Side, Price: t.Price, Time: t.CreatedAt}}
			groups[k] = g
			order = append(order, k)
		}
		if t.Side == model.Buy {
			g.buy = g.buy.Add(t.Quantity)
		} else {
			g.sell = g.sell.Add(t.Quantity)
		}
	}

	out := make([]Print, 0, len(order))
	for _, k := range order {
		g := groups[k]
		g.p.Quantity = decimal.Max(g.buy, g.sell)
		out = append(out, g.p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// Candles buckets prints into OHLC candles of the given width, aligned to
// the Unix epoch. Empty buckets are omitted.
func Candles(prints []Print, interval time.Duration) []model.Candle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	var out []model.Candle
	for _, p := range prints {
		bucket := p.Time.UTC().Truncate(interval)
		n := len(out)
		if n == 0 || !out[n-1].Time.Equal(bucket) {
			out = append(out, model.Candle{
				Time: bucket, Open: p.Price, High: p.Price, Low: p.Price, Close: p.Price,
				Volume: p.Quantity,
			})
			continue
		}
		c := &out[n-1]
		c.High = decimal.Max(c.High, p.Price)
		c.Low = decimal.Min(c.Low, p.Price)
		c.Close = p.Price
		c.Volume = c.Volume.Add(p.Quantity)
	}
	return out
}
