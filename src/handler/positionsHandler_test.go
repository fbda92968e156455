package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marginengine/src/auth"
	"marginengine/src/marketdata"
	"marginengine/src/model"
	"marginengine/src/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPositionSearcher struct {
	positions   []model.Position
	err         error
	options     repository.PositionSearchOptions
	calledCount int
}

func (m *mockPositionSearcher) Search(ctx context.Context, options repository.PositionSearchOptions) ([]model.Position, error) {
	m.calledCount++
	m.options = options
	return m.positions, m.err
}

func withAccount(req *http.Request, accountID string) *http.Request {
	return req.WithContext(auth.WithAccountID(req.Context(), accountID))
}

func TestSearchPositionsHandler_Unauthorized(t *testing.T) {
	handler := SearchPositionsHandler(&mockPositionSearcher{})

	req := httptest.NewRequest(http.MethodGet, "/positions", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestSearchPositionsHandler_HeaderMiddleware(t *testing.T) {
	mockRepo := &mockPositionSearcher{}
	handler := auth.AccountFromHeader(SearchPositionsHandler(mockRepo))

	req := httptest.NewRequest(http.MethodGet, "/positions", nil)
	req.Header.Set(auth.AccountHeader, " acct-9 ")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "acct-9", mockRepo.options.AccountID)
}

func TestSearchPositionsHandler_InvalidStatus(t *testing.T) {
	handler := SearchPositionsHandler(&mockPositionSearcher{})

	req := withAccount(httptest.NewRequest(http.MethodGet, "/positions?status=liquidated", nil), "acct-1")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSearchPositionsHandler_RepoError(t *testing.T) {
	mockRepo := &mockPositionSearcher{err: assert.AnError}
	handler := SearchPositionsHandler(mockRepo)

	req := withAccount(httptest.NewRequest(http.MethodGet, "/positions", nil), "acct-1")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	if mockRepo.calledCount != 1 {
		t.Fatalf("expected repository to be called once, got %d", mockRepo.calledCount)
	}
}

func TestSearchPositionsHandler_Success(t *testing.T) {
	positions := []model.Position{{ID: "pos-1", AccountID: "acct-7", Symbol: "BTC", EntryPrice: decimal.NewFromInt(60000)}}
	mockRepo := &mockPositionSearcher{positions: positions}
	handler := SearchPositionsHandler(mockRepo)

	req := httptest.NewRequest(http.MethodGet, "/positions?status=open&symbol=btc/usd&openedFrom=2026-01-01T00:00:00Z&openedTo=2026-02-01T00:00:00Z&page=2&pageSize=5", nil)
	req = withAccount(req, "acct-7")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, mockRepo.calledCount)

	opts := mockRepo.options
	assert.Equal(t, "acct-7", opts.AccountID)
	require.NotNil(t, opts.Status)
	assert.Equal(t, model.PositionStatusOpen, *opts.Status)
	require.NotNil(t, opts.Symbol)
	assert.Equal(t, marketdata.CanonicalSymbol("btc/usd"), *opts.Symbol)
	require.NotNil(t, opts.OpenedAfter)
	require.NotNil(t, opts.OpenedBefore)
	assert.True(t, opts.OpenedAfter.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 5, opts.Limit)
	assert.Equal(t, 5, opts.Offset)

	var body []model.Position
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "pos-1", body[0].ID)
}

func TestSearchPositionsHandler_InvalidPagination(t *testing.T) {
	handler := SearchPositionsHandler(&mockPositionSearcher{})

	for _, query := range []string{"page=0", "pageSize=-1", "pageSize=500", "page=x"} {
		req := withAccount(httptest.NewRequest(http.MethodGet, "/positions?"+query, nil), "acct-1")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status 400, got %d", query, rr.Code)
		}
	}
}

func TestSearchPositionsHandler_InvalidDate(t *testing.T) {
	handler := SearchPositionsHandler(&mockPositionSearcher{})

	req := withAccount(httptest.NewRequest(http.MethodGet, "/positions?openedFrom=invalid", nil), "acct-1")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
