package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"marginengine/src/connectors"
	"marginengine/src/marketdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCandles struct {
	query connectors.CandleQuery
	err   error
}

func (r *recordingCandles) FetchCandles(ctx context.Context, q connectors.CandleQuery) (marketdata.CandleSeries, error) {
	r.query = q
	return marketdata.CandleSeries{Symbol: q.Symbol, Exchange: q.Exchange, Origin: marketdata.OriginFallback}, r.err
}

func TestCandlesHandler_PassesQuery(t *testing.T) {
	candles := &recordingCandles{}
	handler := CandlesHandler(candles)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/diagnostics/candles?symbol=BTCUSDT&exchange=binance&interval=1h&limit=50", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, connectors.CandleQuery{Symbol: "BTCUSDT", Exchange: "binance", Interval: "1h", Limit: 50}, candles.query)
	assert.Contains(t, rr.Body.String(), `"source":"fallback"`)
}

func TestCandlesHandler_Validation(t *testing.T) {
	handler := CandlesHandler(&recordingCandles{})

	for _, target := range []string{"/diagnostics/candles", "/diagnostics/candles?symbol=BTC&limit=0", "/diagnostics/candles?symbol=BTC&limit=abc"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status 400, got %d", target, rr.Code)
		}
	}
}

func TestCandlesHandler_Cancelled(t *testing.T) {
	handler := CandlesHandler(&recordingCandles{err: context.Canceled})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/diagnostics/candles?symbol=BTC", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
