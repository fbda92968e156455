package connectors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"marginengine/src/errs"
	"marginengine/src/keypool"
	"marginengine/src/marketdata"
	"marginengine/src/model"
)

// The key travels in the path for this provider.
const fxLatestPath = "/v6/{key}/latest/{base}"

type fxLatestResponse struct {
	Result          string                     `json:"result"`
	ErrorType       string                     `json:"error-type"`
	BaseCode        string                     `json:"base_code"`
	ConversionRates map[string]decimal.Decimal `json:"conversion_rates"`
}

// FXRatesConnector quotes fiat pairs from one base-currency rate table.
type FXRatesConnector struct {
	http        *resty.Client
	pool        keypool.Pool
	fallbacks   *marketdata.Fallbacks
	maxAttempts int
	base        string
	basket      []string
	now         func() time.Time
}

func NewFXRatesConnector(cfg Config, pool keypool.Pool, fallbacks *marketdata.Fallbacks) *FXRatesConnector {
	return newFXRatesConnector(newUpstreamClient(cfg.FXBaseURL, cfg.HTTPTimeout), cfg, pool, fallbacks)
}

func newFXRatesConnector(client *resty.Client, cfg Config, pool keypool.Pool, fallbacks *marketdata.Fallbacks) *FXRatesConnector {
	c := &FXRatesConnector{
		http:        client,
		pool:        pool,
		fallbacks:   fallbacks,
		maxAttempts: cfg.MaxKeyAttempts,
		base:        strings.ToUpper(cfg.FXBaseCurrency),
		basket:      upperAll(cfg.FXBasket),
		now:         time.Now,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxKeyAttempts
	}
	if c.base == "" {
		c.base = "USD"
	}
	return c
}

// FetchLatest quotes the requested pairs ("EUR/USD", "GBPJPY"). With no pairs it quotes the
// configured basket against the base currency.
func (c *FXRatesConnector) FetchLatest(ctx context.Context, symbols []string) (marketdata.Result, error) {
	pairs := c.pairs(symbols)

	rates, err := keypool.Rotate(ctx, c.pool, model.ServiceFXRates, c.maxAttempts,
		func(ctx context.Context, cred keypool.Credential) (map[string]decimal.Decimal, error) {
			return c.fetchRates(ctx, cred.Secret)
		})
	if err == nil {
		at := c.now()
		quotes := marketdata.CrossRates(rates, pairs, marketdata.SourceLiveAPI, at)
		if len(quotes) > 0 {
			return marketdata.Result{Origin: marketdata.OriginLive, Quotes: quotes, FetchedAt: at}, nil
		}
		err = fmt.Errorf("%s: no rates for %v", model.ServiceFXRates, pairs)
	}

	return degrade(ctx, model.ServiceFXRates, err, func() marketdata.Result {
		return c.fallbacks.FXResult(pairs, c.now())
	})
}

func (c *FXRatesConnector) pairs(symbols []string) []string {
	var pairs []string
	for _, s := range symbols {
		if base, quote, ok := marketdata.SplitPair(s); ok {
			pairs = append(pairs, base+"/"+quote)
		}
	}
	if len(pairs) > 0 {
		return pairs
	}
	for _, ccy := range c.basket {
		if ccy != c.base {
			pairs = append(pairs, ccy+"/"+c.base)
		}
	}
	return pairs
}

func (c *FXRatesConnector) fetchRates(ctx context.Context, apiKey string) (map[string]decimal.Decimal, error) {
	var body fxLatestResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"key":  apiKey,
			"base": c.base,
		}).
		SetResult(&body).
		SetError(&body).
		Get(fxLatestPath)
	if err != nil {
		return nil, transportError(model.ServiceFXRates, err)
	}

	if body.Result == "error" {
		if FXErrorTypes[body.ErrorType] {
			return nil, fmt.Errorf("%s: %s: %w", model.ServiceFXRates, body.ErrorType, errs.ErrUpstreamRateLimited)
		}
		return nil, fmt.Errorf("%s: %s: %w", model.ServiceFXRates, body.ErrorType, errs.ErrUpstreamUnavailable)
	}
	if err := statusError(model.ServiceFXRates, resp); err != nil {
		return nil, err
	}
	if len(body.ConversionRates) == 0 {
		return nil, fmt.Errorf("%s: empty rate table: %w", model.ServiceFXRates, errs.ErrUpstreamUnavailable)
	}

	rates := make(map[string]decimal.Decimal, len(body.ConversionRates)+1)
	for ccy, rate := range body.ConversionRates {
		rates[strings.ToUpper(ccy)] = rate
	}
	rates[c.base] = decimal.NewFromInt(1)
	return rates, nil
}
