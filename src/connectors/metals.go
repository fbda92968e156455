package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"marginengine/src/errs"
	"marginengine/src/keypool"
	"marginengine/src/marketdata"
	"marginengine/src/model"
)

const (
	metalsFreePath  = "/price/{symbol}"
	metalsKeyedPath = "/{symbol}/USD"
)

type freeMetalResponse struct {
	Name   string          `json:"name"`
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type keyedMetalResponse struct {
	Metal     string          `json:"metal"`
	Price     decimal.Decimal `json:"price"`
	ChangePct decimal.Decimal `json:"chp"`
	High      decimal.Decimal `json:"high_price"`
	Low       decimal.Decimal `json:"low_price"`
	Error     string          `json:"error"`
}

// MetalsConnector resolves precious metal spot prices through a three-tier cascade:
// the free provider, then the keyed provider per missing symbol, then the static table.
type MetalsConnector struct {
	free        *resty.Client
	keyed       *resty.Client
	pool        keypool.Pool
	fallbacks   *marketdata.Fallbacks
	limiter     *rate.Limiter
	maxAttempts int
	symbols     []string
	now         func() time.Time
}

func NewMetalsConnector(cfg Config, pool keypool.Pool, fallbacks *marketdata.Fallbacks) *MetalsConnector {
	return newMetalsConnector(
		newUpstreamClient(cfg.MetalsFreeBaseURL, cfg.HTTPTimeout),
		newUpstreamClient(cfg.MetalsKeyedBaseURL, cfg.HTTPTimeout),
		cfg, pool, fallbacks,
	)
}

func newMetalsConnector(free, keyed *resty.Client, cfg Config, pool keypool.Pool, fallbacks *marketdata.Fallbacks) *MetalsConnector {
	rps := cfg.MetalsKeyedRPS
	if rps <= 0 {
		rps = 2
	}
	c := &MetalsConnector{
		free:        free,
		keyed:       keyed,
		pool:        pool,
		fallbacks:   fallbacks,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		maxAttempts: cfg.MaxKeyAttempts,
		symbols:     upperAll(cfg.MetalsSymbols),
		now:         time.Now,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxKeyAttempts
	}
	if len(c.symbols) == 0 {
		c.symbols = []string{"XAU", "XAG", "XPT", "XPD"}
	}
	return c
}

// FetchLatest quotes metal symbols ("XAU", "GOLD", "XAG/USD"). Each quote carries the tier it
// came from; the result is live when at least one quote is.
func (c *MetalsConnector) FetchLatest(ctx context.Context, symbols []string) (marketdata.Result, error) {
	want := c.metalSymbols(symbols)
	found := make(map[string]marketdata.Quote, len(want))

	// Tier 1: free provider, no key.
	for _, sym := range want {
		q, err := c.fetchFree(ctx, sym)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return marketdata.Result{}, ctxErr
			}
			logger.WithFields(map[string]interface{}{
				"connector": model.ServiceMetals,
				"symbol":    sym,
				"tier":      "free",
			}).WithError(err).Debug("free metals provider missed")
			continue
		}
		found[sym] = q
	}

	// Tier 2: keyed provider, one paced call per symbol still missing.
	keyedDown := false
	for _, sym := range want {
		if _, ok := found[sym]; ok || keyedDown {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return marketdata.Result{}, err
		}
		q, err := keypool.Rotate(ctx, c.pool, model.ServiceMetals, c.maxAttempts,
			func(ctx context.Context, cred keypool.Credential) (marketdata.Quote, error) {
				return c.fetchKeyed(ctx, cred.Secret, sym)
			})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return marketdata.Result{}, ctxErr
			}
			logger.WithFields(map[string]interface{}{
				"connector": model.ServiceMetals,
				"symbol":    sym,
				"tier":      "keyed",
			}).WithError(err).Warn("keyed metals provider failed")
			// An empty pool stays empty for the remaining symbols.
			keyedDown = errors.Is(err, errs.ErrKeyPoolExhausted)
			continue
		}
		found[sym] = q
	}

	// Tier 3: static table for the remainder.
	at := c.now()
	origin := marketdata.OriginFallback
	quotes := make([]marketdata.Quote, 0, len(want))
	for _, sym := range want {
		if q, ok := found[sym]; ok {
			origin = marketdata.OriginLive
			quotes = append(quotes, q)
			continue
		}
		if q, ok := c.fallbacks.MetalQuote(sym, at); ok {
			quotes = append(quotes, q)
		}
	}
	if len(quotes) == 0 {
		return c.fallbacks.MetalsResult(nil, at), nil
	}
	return marketdata.Result{Origin: origin, Quotes: quotes, FetchedAt: at}, nil
}

func (c *MetalsConnector) metalSymbols(symbols []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range symbols {
		if code, ok := marketdata.MetalSymbol(s); ok && !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	if len(out) == 0 {
		return c.symbols
	}
	return out
}

func (c *MetalsConnector) fetchFree(ctx context.Context, symbol string) (marketdata.Quote, error) {
	var body freeMetalResponse
	resp, err := c.free.R().
		SetContext(ctx).
		SetPathParam("symbol", symbol).
		SetResult(&body).
		Get(metalsFreePath)
	if err != nil {
		return marketdata.Quote{}, transportError("metals_free", err)
	}
	if err := statusError("metals_free", resp); err != nil {
		return marketdata.Quote{}, err
	}
	if !body.Price.IsPositive() {
		return marketdata.Quote{}, fmt.Errorf("metals_free: no price for %s", symbol)
	}

	high, low := marketdata.DeriveHighLow(body.Price, decimal.Zero)
	return marketdata.Quote{
		Symbol:    symbol,
		Name:      body.Name,
		Price:     body.Price,
		ChangePct: decimal.Zero,
		High24h:   high,
		Low24h:    low,
		Source:    marketdata.SourceLiveAPI,
		FetchedAt: c.now(),
	}, nil
}

func (c *MetalsConnector) fetchKeyed(ctx context.Context, apiKey, symbol string) (marketdata.Quote, error) {
	var body keyedMetalResponse
	resp, err := c.keyed.R().
		SetContext(ctx).
		SetHeader("x-access-token", apiKey).
		SetPathParam("symbol", symbol).
		SetResult(&body).
		SetError(&body).
		Get(metalsKeyedPath)
	if err != nil {
		return marketdata.Quote{}, transportError(model.ServiceMetals, err)
	}
	if err := statusError(model.ServiceMetals, resp); err != nil {
		return marketdata.Quote{}, err
	}
	if body.Error != "" || !body.Price.IsPositive() {
		return marketdata.Quote{}, fmt.Errorf("%s: %s %q: %w", model.ServiceMetals, symbol, body.Error, errs.ErrUpstreamUnavailable)
	}

	high, low := body.High, body.Low
	if !high.IsPositive() || !low.IsPositive() {
		high, low = marketdata.DeriveHighLow(body.Price, body.ChangePct)
	}
	return marketdata.Quote{
		Symbol:    symbol,
		Price:     body.Price,
		ChangePct: body.ChangePct,
		High24h:   high,
		Low24h:    low,
		Source:    marketdata.SourceLiveAPI,
		FetchedAt: c.now(),
	}, nil
}
