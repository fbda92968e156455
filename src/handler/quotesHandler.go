package handler

import (
	"context"
	"net/http"

	"marginengine/src/marketdata"

	logger "github.com/sirupsen/logrus"
)

type quoteSnapshotter interface {
	Get(ctx context.Context) (marketdata.Snapshot, error)
}

// QuotesDiagnosticsHandler reports what the spot cache is serving: the source tag, the age of
// the payload and whether it is stale.
func QuotesDiagnosticsHandler(cache quoteSnapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := cache.Get(r.Context())
		if err != nil {
			logger.WithError(err).Warn("quote snapshot unavailable")
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, snap)
	}
}
