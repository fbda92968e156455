package connectors

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"marginengine/src/errs"
	"marginengine/src/keypool"
	"marginengine/src/marketdata"
	"marginengine/src/model"
)

const (
	candlesSeriesPath = "/time_series"
	candlesPricePath  = "/price"

	maxCandleLimit  = 500
	candleTimestamp = "2006-01-02 15:04:05"
)

// CandleQuery selects one exchange-scoped candle series.
type CandleQuery struct {
	Symbol   string
	Exchange string
	Interval string
	Limit    int
}

type candleSeriesResponse struct {
	Status  string      `json:"status"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Values  []candleRow `json:"values"`
}

type candleRow struct {
	Datetime string          `json:"datetime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

type candlePriceResponse struct {
	Status  string          `json:"status"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Price   decimal.Decimal `json:"price"`
}

// KlineSource serves candles straight from an exchange. The goex binance client implements it.
type KlineSource interface {
	Klines(ctx context.Context, q CandleQuery) ([]marketdata.Candle, error)
}

// CandlesConnector serves OHLC series and latest prices. On total failure it synthesizes a
// structurally valid series so callers always get candles.
type CandlesConnector struct {
	http         *resty.Client
	pool         keypool.Pool
	fallbacks    *marketdata.Fallbacks
	exchanges    map[string]KlineSource
	rnd          marketdata.RandSource
	maxAttempts  int
	defaultLimit int
	now          func() time.Time
}

type CandlesOption func(*CandlesConnector)

// WithExchange routes queries for exchange to src before the keyed provider.
func WithExchange(exchange string, src KlineSource) CandlesOption {
	return func(c *CandlesConnector) { c.exchanges[strings.ToLower(exchange)] = src }
}

func WithCandlesRand(rnd marketdata.RandSource) CandlesOption {
	return func(c *CandlesConnector) { c.rnd = rnd }
}

func NewCandlesConnector(cfg Config, pool keypool.Pool, fallbacks *marketdata.Fallbacks, opts ...CandlesOption) *CandlesConnector {
	return newCandlesConnector(newUpstreamClient(cfg.CandlesBaseURL, cfg.HTTPTimeout), cfg, pool, fallbacks, opts...)
}

func newCandlesConnector(client *resty.Client, cfg Config, pool keypool.Pool, fallbacks *marketdata.Fallbacks, opts ...CandlesOption) *CandlesConnector {
	c := &CandlesConnector{
		http:         client,
		pool:         pool,
		fallbacks:    fallbacks,
		exchanges:    make(map[string]KlineSource),
		rnd:          marketdata.NewTimeSeededRand(),
		maxAttempts:  cfg.MaxKeyAttempts,
		defaultLimit: cfg.CandlesDefaultLimit,
		now:          time.Now,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxKeyAttempts
	}
	if c.defaultLimit <= 0 {
		c.defaultLimit = 30
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchCandles returns the series for q, oldest candle first. The error is non-nil only when
// ctx is done.
func (c *CandlesConnector) FetchCandles(ctx context.Context, q CandleQuery) (marketdata.CandleSeries, error) {
	q = c.normalize(q)
	series := marketdata.CandleSeries{
		Symbol:   q.Symbol,
		Exchange: q.Exchange,
		Interval: q.Interval,
	}

	if src, ok := c.exchanges[q.Exchange]; ok {
		candles, err := src.Klines(ctx, q)
		if err == nil && len(candles) > 0 {
			series.Origin = marketdata.OriginLive
			series.Candles = candles
			series.LastPrice = candles[len(candles)-1].Close
			return series, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return marketdata.CandleSeries{}, ctxErr
		}
		logger.WithFields(map[string]interface{}{
			"connector": model.ServiceCandles,
			"exchange":  q.Exchange,
			"symbol":    q.Symbol,
		}).WithError(err).Warn("exchange klines failed, trying keyed provider")
	}

	candles, err := keypool.Rotate(ctx, c.pool, model.ServiceCandles, c.maxAttempts,
		func(ctx context.Context, cred keypool.Credential) ([]marketdata.Candle, error) {
			return c.fetchSeries(ctx, cred.Secret, q)
		})
	if err == nil && len(candles) > 0 {
		series.Origin = marketdata.OriginLive
		series.Candles = candles
		series.LastPrice = candles[len(candles)-1].Close
		if price, perr := c.latestPrice(ctx, q.Symbol); perr == nil {
			series.LastPrice = price
		}
		return series, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return marketdata.CandleSeries{}, ctxErr
	}
	if err == nil {
		err = fmt.Errorf("%s: empty series for %s", model.ServiceCandles, q.Symbol)
	}

	logger.WithFields(map[string]interface{}{
		"connector": model.ServiceCandles,
		"symbol":    q.Symbol,
	}).WithError(err).Warn("candle fetch failed, synthesizing series")

	candles = marketdata.SynthesizeCandles(c.fallbacks.BasePrice(q.Symbol), marketdata.ParseInterval(q.Interval), q.Limit, c.now(), c.rnd)
	series.Origin = marketdata.OriginFallback
	series.Candles = candles
	series.LastPrice = candles[len(candles)-1].Close
	return series, nil
}

// FetchLatest quotes each symbol's latest price, falling back to the candle seed table.
func (c *CandlesConnector) FetchLatest(ctx context.Context, symbols []string) (marketdata.Result, error) {
	at := c.now()
	origin := marketdata.OriginFallback
	quotes := make([]marketdata.Quote, 0, len(symbols))

	for _, sym := range upperAll(symbols) {
		price, err := c.latestPrice(ctx, sym)
		if err == nil {
			origin = marketdata.OriginLive
			quotes = append(quotes, marketdata.Quote{
				Symbol:    sym,
				Price:     price,
				High24h:   price,
				Low24h:    price,
				Source:    marketdata.SourceLiveAPI,
				FetchedAt: at,
			})
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return marketdata.Result{}, ctxErr
		}
		base := c.fallbacks.BasePrice(sym)
		quotes = append(quotes, marketdata.Quote{
			Symbol:    sym,
			Price:     base,
			High24h:   base,
			Low24h:    base,
			Source:    marketdata.SourceFallback,
			FetchedAt: at,
		})
	}

	return marketdata.Result{Origin: origin, Quotes: quotes, FetchedAt: at}, nil
}

func (c *CandlesConnector) normalize(q CandleQuery) CandleQuery {
	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
	q.Exchange = strings.ToLower(strings.TrimSpace(q.Exchange))
	if q.Interval == "" {
		q.Interval = "1min"
	}
	if q.Limit <= 0 {
		q.Limit = c.defaultLimit
	}
	if q.Limit > maxCandleLimit {
		q.Limit = maxCandleLimit
	}
	return q
}

func (c *CandlesConnector) latestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return keypool.Rotate(ctx, c.pool, model.ServiceCandles, c.maxAttempts,
		func(ctx context.Context, cred keypool.Credential) (decimal.Decimal, error) {
			var body candlePriceResponse
			resp, err := c.http.R().
				SetContext(ctx).
				SetQueryParams(map[string]string{
					"symbol": symbol,
					"apikey": cred.Secret,
				}).
				SetResult(&body).
				SetError(&body).
				Get(candlesPricePath)
			if err != nil {
				return decimal.Zero, transportError(model.ServiceCandles, err)
			}
			if err := bodyCodeError(body.Code, body.Message); err != nil {
				return decimal.Zero, err
			}
			if err := statusError(model.ServiceCandles, resp); err != nil {
				return decimal.Zero, err
			}
			if !body.Price.IsPositive() {
				return decimal.Zero, fmt.Errorf("%s: no price for %s: %w", model.ServiceCandles, symbol, errs.ErrUpstreamUnavailable)
			}
			return body.Price, nil
		})
}

func (c *CandlesConnector) fetchSeries(ctx context.Context, apiKey string, q CandleQuery) ([]marketdata.Candle, error) {
	params := map[string]string{
		"symbol":     q.Symbol,
		"interval":   q.Interval,
		"outputsize": strconv.Itoa(q.Limit),
		"apikey":     apiKey,
	}
	if q.Exchange != "" {
		params["exchange"] = q.Exchange
	}

	var body candleSeriesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&body).
		SetError(&body).
		Get(candlesSeriesPath)
	if err != nil {
		return nil, transportError(model.ServiceCandles, err)
	}
	if err := bodyCodeError(body.Code, body.Message); err != nil {
		return nil, err
	}
	if err := statusError(model.ServiceCandles, resp); err != nil {
		return nil, err
	}

	// The provider lists the newest candle first.
	candles := make([]marketdata.Candle, 0, len(body.Values))
	for i := len(body.Values) - 1; i >= 0; i-- {
		row := body.Values[i]
		ts, err := parseCandleTime(row.Datetime)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", model.ServiceCandles, errs.ErrUpstreamUnavailable, err)
		}
		candles = append(candles, marketdata.Candle{
			Time:   ts,
			Open:   row.Open,
			High:   row.High,
			Low:    row.Low,
			Close:  row.Close,
			Volume: row.Volume,
		})
	}
	return candles, nil
}

// bodyCodeError maps the error code the provider embeds in a 200 body.
func bodyCodeError(code int, message string) error {
	switch {
	case code == 0 || code == 200:
		return nil
	case code == 429 || code == 401 || code == 403:
		return fmt.Errorf("%s: %d %s: %w", model.ServiceCandles, code, message, errs.ErrUpstreamRateLimited)
	default:
		return fmt.Errorf("%s: %d %s: %w", model.ServiceCandles, code, message, errs.ErrUpstreamUnavailable)
	}
}

func parseCandleTime(raw string) (time.Time, error) {
	if ts, err := time.ParseInLocation(candleTimestamp, raw, time.UTC); err == nil {
		return ts, nil
	}
	ts, err := time.ParseInLocation(time.DateOnly, raw, time.UTC)
	if err != nil {
		return time.Time{}, errors.New("unparseable candle time " + strconv.Quote(raw))
	}
	return ts, nil
}
