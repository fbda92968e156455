// Package marketdata holds the normalized quote and candle shapes shared by every upstream
// adapter, the static fallback datasets, the spot quote cache and the symbol resolver.
package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Source tags where an individual quote came from.
type Source string

const (
	SourceLiveAPI  Source = "live-api"
	SourceFallback Source = "fallback"
	SourceCached   Source = "cached"
)

// Origin tags a whole adapter result.
type Origin string

const (
	OriginLive     Origin = "live"
	OriginFallback Origin = "fallback"
)

type Quote struct {
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name,omitempty"`
	Price     decimal.Decimal `json:"price"`
	ChangePct decimal.Decimal `json:"change_pct"`
	High24h   decimal.Decimal `json:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Source    Source          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Usable reports whether the quote reflects the market rather than a static table.
func (q Quote) Usable() bool {
	return q.Price.IsPositive() && (q.Source == SourceLiveAPI || q.Source == SourceCached)
}

type Result struct {
	Origin    Origin    `json:"source"`
	Quotes    []Quote   `json:"quotes"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Find returns the quote for symbol, if present.
func (r Result) Find(symbol string) (Quote, bool) {
	for _, q := range r.Quotes {
		if q.Symbol == symbol {
			return q, true
		}
	}
	return Quote{}, false
}

// Fetcher is the contract every price adapter implements.
type Fetcher interface {
	FetchLatest(ctx context.Context, symbols []string) (Result, error)
}

type Candle struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

type CandleSeries struct {
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	Interval  string          `json:"interval"`
	Origin    Origin          `json:"source"`
	Candles   []Candle        `json:"candles"`
	LastPrice decimal.Decimal `json:"last_price"`
}

var (
	one          = decimal.NewFromInt(1)
	hundred      = decimal.NewFromInt(100)
	lowDampening = decimal.RequireFromString("0.8")
)

// DeriveHighLow fills 24h high/low for upstreams that only report a percent change.
// changePct is in percent units.
//
//	high = price / (1 + pct)
//	low  = price * (1 - |pct| * 0.8)
func DeriveHighLow(price, changePct decimal.Decimal) (high, low decimal.Decimal) {
	pct := changePct.Div(hundred)
	denom := one.Add(pct)
	if denom.IsPositive() {
		high = price.DivRound(denom, 8)
	} else {
		high = price
	}
	low = price.Mul(one.Sub(pct.Abs().Mul(lowDampening))).Round(8)
	return high, low
}
