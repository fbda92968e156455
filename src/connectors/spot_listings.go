package connectors

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"marginengine/src/errs"
	"marginengine/src/keypool"
	"marginengine/src/marketdata"
	"marginengine/src/model"
)

const spotListingsPath = "/v1/cryptocurrency/listings/latest"

type spotListingsResponse struct {
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
	Data []spotListing `json:"data"`
}

type spotListing struct {
	Name   string                     `json:"name"`
	Symbol string                     `json:"symbol"`
	Quote  map[string]spotListingQuote `json:"quote"`
}

type spotListingQuote struct {
	Price            decimal.Decimal `json:"price"`
	Volume24h        decimal.Decimal `json:"volume_24h"`
	PercentChange24h decimal.Decimal `json:"percent_change_24h"`
}

// SpotListingsConnector fetches many crypto spot quotes per call from the listings endpoint.
type SpotListingsConnector struct {
	http        *resty.Client
	pool        keypool.Pool
	fallbacks   *marketdata.Fallbacks
	maxAttempts int
	limit       int
	convert     string
	now         func() time.Time
}

func NewSpotListingsConnector(cfg Config, pool keypool.Pool, fallbacks *marketdata.Fallbacks) *SpotListingsConnector {
	return newSpotListingsConnector(newUpstreamClient(cfg.SpotListingsBaseURL, cfg.HTTPTimeout), cfg, pool, fallbacks)
}

func newSpotListingsConnector(client *resty.Client, cfg Config, pool keypool.Pool, fallbacks *marketdata.Fallbacks) *SpotListingsConnector {
	c := &SpotListingsConnector{
		http:        client,
		pool:        pool,
		fallbacks:   fallbacks,
		maxAttempts: cfg.MaxKeyAttempts,
		limit:       cfg.SpotListingsLimit,
		convert:     cfg.SpotConvert,
		now:         time.Now,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxKeyAttempts
	}
	if c.limit <= 0 {
		c.limit = 100
	}
	if c.convert == "" {
		c.convert = "USD"
	}
	return c
}

// FetchLatest returns live quotes for symbols (every listed symbol when empty), or the
// static spot table when no live quote could be obtained.
func (c *SpotListingsConnector) FetchLatest(ctx context.Context, symbols []string) (marketdata.Result, error) {
	want := baseAssets(symbols)

	quotes, err := keypool.Rotate(ctx, c.pool, model.ServiceSpotListings, c.maxAttempts,
		func(ctx context.Context, cred keypool.Credential) ([]marketdata.Quote, error) {
			return c.fetchListings(ctx, cred.Secret)
		})
	if err == nil {
		quotes = filterQuotes(quotes, want)
		if len(quotes) > 0 {
			return marketdata.Result{Origin: marketdata.OriginLive, Quotes: quotes, FetchedAt: c.now()}, nil
		}
		err = fmt.Errorf("%s: none of %v listed", model.ServiceSpotListings, want)
	}

	return degrade(ctx, model.ServiceSpotListings, err, func() marketdata.Result {
		return c.fallbacks.SpotResult(want, c.now())
	})
}

func (c *SpotListingsConnector) fetchListings(ctx context.Context, apiKey string) ([]marketdata.Quote, error) {
	var body spotListingsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-CMC_PRO_API_KEY", apiKey).
		SetHeader("Accept", "application/json").
		SetQueryParams(map[string]string{
			"start":   "1",
			"limit":   strconv.Itoa(c.limit),
			"convert": c.convert,
		}).
		SetResult(&body).
		SetError(&body).
		Get(spotListingsPath)
	if err != nil {
		return nil, transportError(model.ServiceSpotListings, err)
	}

	if code := body.Status.ErrorCode; code != 0 {
		if spotListingsKeyRejected(code) {
			return nil, fmt.Errorf("%s: %s: %w", model.ServiceSpotListings, GetSpotListingsErrorMsg(code), errs.ErrUpstreamRateLimited)
		}
		return nil, fmt.Errorf("%s: %s (%s): %w", model.ServiceSpotListings, GetSpotListingsErrorMsg(code), body.Status.ErrorMessage, errs.ErrUpstreamUnavailable)
	}
	if err := statusError(model.ServiceSpotListings, resp); err != nil {
		return nil, err
	}

	at := c.now()
	quotes := make([]marketdata.Quote, 0, len(body.Data))
	for _, row := range body.Data {
		q, ok := row.Quote[c.convert]
		if !ok || !q.Price.IsPositive() {
			continue
		}
		high, low := marketdata.DeriveHighLow(q.Price, q.PercentChange24h)
		quotes = append(quotes, marketdata.Quote{
			Symbol:    row.Symbol,
			Name:      row.Name,
			Price:     q.Price,
			ChangePct: q.PercentChange24h,
			High24h:   high,
			Low24h:    low,
			Volume24h: q.Volume24h,
			Source:    marketdata.SourceLiveAPI,
			FetchedAt: at,
		})
	}
	return quotes, nil
}

func filterQuotes(quotes []marketdata.Quote, want []string) []marketdata.Quote {
	if len(want) == 0 {
		return quotes
	}
	keep := make(map[string]bool, len(want))
	for _, s := range want {
		keep[s] = true
	}
	out := quotes[:0]
	for _, q := range quotes {
		if keep[q.Symbol] {
			out = append(out, q)
		}
	}
	return out
}

func baseAssets(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range upperAll(symbols) {
		out = append(out, marketdata.BaseAsset(s))
	}
	return out
}
