package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"marginengine/src/auth"
	"marginengine/src/marketdata"
	"marginengine/src/model"
	"marginengine/src/repository"

	logger "github.com/sirupsen/logrus"
)

type positionSearcher interface {
	Search(ctx context.Context, options repository.PositionSearchOptions) ([]model.Position, error)
}

// SearchPositionsHandler returns a handler that lists positions for the authenticated account.
// Supports pagination and filters (status, symbol, openedFrom, openedTo).
func SearchPositionsHandler(repo positionSearcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := auth.AccountIDFromContext(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var status *string
		if statusParam := r.URL.Query().Get("status"); statusParam != "" {
			if statusParam != model.PositionStatusOpen && statusParam != model.PositionStatusClosed {
				http.Error(w, "invalid status", http.StatusBadRequest)
				return
			}
			status = &statusParam
		}

		var symbol *string
		if symbolParam := r.URL.Query().Get("symbol"); symbolParam != "" {
			canonical := marketdata.CanonicalSymbol(symbolParam)
			symbol = &canonical
		}

		var openedFrom, openedTo *time.Time
		if openedFromParam := r.URL.Query().Get("openedFrom"); openedFromParam != "" {
			parsed, err := time.Parse(time.RFC3339, openedFromParam)
			if err != nil {
				http.Error(w, "invalid openedFrom", http.StatusBadRequest)
				return
			}
			openedFrom = &parsed
		}

		if openedToParam := r.URL.Query().Get("openedTo"); openedToParam != "" {
			parsed, err := time.Parse(time.RFC3339, openedToParam)
			if err != nil {
				http.Error(w, "invalid openedTo", http.StatusBadRequest)
				return
			}
			openedTo = &parsed
		}

		page := 1
		if pageParam := r.URL.Query().Get("page"); pageParam != "" {
			parsedPage, err := strconv.Atoi(pageParam)
			if err != nil || parsedPage <= 0 {
				http.Error(w, "invalid page", http.StatusBadRequest)
				return
			}
			page = parsedPage
		}

		pageSize := 20
		if sizeParam := r.URL.Query().Get("pageSize"); sizeParam != "" {
			parsedSize, err := strconv.Atoi(sizeParam)
			if err != nil || parsedSize <= 0 || parsedSize > 200 {
				http.Error(w, "invalid pageSize", http.StatusBadRequest)
				return
			}
			pageSize = parsedSize
		}

		positions, err := repo.Search(r.Context(), repository.PositionSearchOptions{
			AccountID:    accountID,
			Status:       status,
			Symbol:       symbol,
			OpenedAfter:  openedFrom,
			OpenedBefore: openedTo,
			Limit:        pageSize,
			Offset:       (page - 1) * pageSize,
		})
		if err != nil {
			logger.WithError(err).Error("failed to search positions")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, positions)
	}
}

// DefaultSearchPositionsHandler reads from the replica when one is configured.
func DefaultSearchPositionsHandler() http.HandlerFunc {
	return SearchPositionsHandler(repository.NewPositionReadRepository())
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WithError(err).Error("failed to encode response")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
