package marketdata

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// SynthesizeCandles builds a structurally valid OHLC series of limit candles ending at end,
// random-walking from base. Every candle satisfies low <= open,close <= high and opens at
// the previous close.
func SynthesizeCandles(base decimal.Decimal, interval time.Duration, limit int, end time.Time, rnd RandSource) []Candle {
	if limit <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	price, _ := base.Float64()
	if price <= 0 {
		price = 100
	}

	start := end.Truncate(interval).Add(-time.Duration(limit-1) * interval)
	candles := make([]Candle, 0, limit)
	open := price
	for i := 0; i < limit; i++ {
		closePx := open * (1 + Uniform(rnd, -0.005, 0.005))
		high := math.Max(open, closePx) * (1 + Uniform(rnd, 0, 0.003))
		low := math.Min(open, closePx) * (1 - Uniform(rnd, 0, 0.003))
		volume := Uniform(rnd, 10, 1000)

		candles = append(candles, Candle{
			Time:   start.Add(time.Duration(i) * interval),
			Open:   roundPrice(open),
			High:   roundPrice(high),
			Low:    roundPrice(low),
			Close:  roundPrice(closePx),
			Volume: decimal.NewFromFloat(volume).Round(4),
		})
		open = closePx
	}
	return candles
}

// ParseInterval understands the usual candle interval spellings ("1min", "5m", "1h", "1day").
func ParseInterval(interval string) time.Duration {
	switch interval {
	case "1m", "1min":
		return time.Minute
	case "5m", "5min":
		return 5 * time.Minute
	case "15m", "15min":
		return 15 * time.Minute
	case "30m", "30min":
		return 30 * time.Minute
	case "1h", "60min":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d", "1day":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

func roundPrice(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(8)
}
