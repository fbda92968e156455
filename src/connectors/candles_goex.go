package connectors

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"
	"github.com/shopspring/decimal"

	"marginengine/src/marketdata"
)

// BinanceKlines reads public klines through the goex binance client.
type BinanceKlines struct {
	exchange goex.API
}

func NewBinanceKlines(cfg Config) *BinanceKlines {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	endpoint := cfg.BinanceBaseURL
	if endpoint == "" {
		endpoint = binance.GLOBAL_API_BASE_URL
	}
	return newBinanceKlines(&http.Client{Timeout: timeout}, endpoint)
}

func newBinanceKlines(httpClient *http.Client, endpoint string) *BinanceKlines {
	apiConfig := &goex.APIConfig{
		HttpClient: httpClient,
		Endpoint:   endpoint,
	}
	return &BinanceKlines{exchange: binance.NewWithConfig(apiConfig)}
}

// Klines runs the blocking goex call in a goroutine so ctx can cut it short.
func (b *BinanceKlines) Klines(ctx context.Context, q CandleQuery) ([]marketdata.Candle, error) {
	period, err := goexPeriod(q.Interval)
	if err != nil {
		return nil, err
	}
	base := marketdata.BaseAsset(q.Symbol)
	quote := "USDT"
	if rest := trimSeparators(q.Symbol[len(base):]); rest != "" {
		quote = rest
	}
	pair := goex.NewCurrencyPair(goex.Currency{Symbol: base}, goex.Currency{Symbol: quote})

	type result struct {
		klines []goex.Kline
		err    error
	}
	done := make(chan result, 1)
	go func() {
		klines, err := b.exchange.GetKlineRecords(pair, period, q.Limit)
		done <- result{klines: klines, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("binance klines %s: %w", pair.ToSymbol(""), res.err)
		}
		return toCandles(res.klines), nil
	}
}

func toCandles(klines []goex.Kline) []marketdata.Candle {
	candles := make([]marketdata.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, marketdata.Candle{
			Time:   time.Unix(k.Timestamp, 0).UTC(),
			Open:   decimal.NewFromFloat(k.Open),
			High:   decimal.NewFromFloat(k.High),
			Low:    decimal.NewFromFloat(k.Low),
			Close:  decimal.NewFromFloat(k.Close),
			Volume: decimal.NewFromFloat(k.Vol),
		})
	}
	return candles
}

func goexPeriod(interval string) (goex.KlinePeriod, error) {
	switch interval {
	case "1m", "1min":
		return goex.KLINE_PERIOD_1MIN, nil
	case "5m", "5min":
		return goex.KLINE_PERIOD_5MIN, nil
	case "15m", "15min":
		return goex.KLINE_PERIOD_15MIN, nil
	case "30m", "30min":
		return goex.KLINE_PERIOD_30MIN, nil
	case "1h", "60min":
		return goex.KLINE_PERIOD_1H, nil
	case "4h":
		return goex.KLINE_PERIOD_4H, nil
	case "1d", "1day":
		return goex.KLINE_PERIOD_1DAY, nil
	default:
		return 0, fmt.Errorf("binance klines: unsupported interval %q", interval)
	}
}

func trimSeparators(s string) string {
	for len(s) > 0 && (s[0] == '/' || s[0] == '-' || s[0] == '_') {
		s = s[1:]
	}
	return s
}
