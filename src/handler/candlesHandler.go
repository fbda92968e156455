package handler

import (
	"context"
	"net/http"
	"strconv"

	"marginengine/src/connectors"
	"marginengine/src/marketdata"

	logger "github.com/sirupsen/logrus"
)

type candleFetcher interface {
	FetchCandles(ctx context.Context, q connectors.CandleQuery) (marketdata.CandleSeries, error)
}

// CandlesHandler serves a candle series for one symbol. The adapter never fails short of a
// cancelled request, so a response always carries a structurally valid series.
func CandlesHandler(candles candleFetcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		symbol := query.Get("symbol")
		if symbol == "" {
			http.Error(w, "symbol is required", http.StatusBadRequest)
			return
		}

		limit := 0
		if limitParam := query.Get("limit"); limitParam != "" {
			parsed, err := strconv.Atoi(limitParam)
			if err != nil || parsed <= 0 || parsed > 500 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		series, err := candles.FetchCandles(r.Context(), connectors.CandleQuery{
			Symbol:   symbol,
			Exchange: query.Get("exchange"),
			Interval: query.Get("interval"),
			Limit:    limit,
		})
		if err != nil {
			logger.WithError(err).WithField("symbol", symbol).Warn("candle request aborted")
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, series)
	}
}
