package controller

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginengine/src/database/dbtest"
	"marginengine/src/model"
	"marginengine/src/repository"
)

func TestCapturePersistsException(t *testing.T) {
	db := dbtest.New(t)
	repo := repository.NewExceptionRepositoryWithDB(db)

	Capture(context.Background(), repo, "marginengine", "pricing_engine", "Reprice", LevelError,
		errors.New("connection reset"), map[string]interface{}{"position_id": "pos-1"})

	var rows []model.Exception
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)

	exc := rows[0]
	assert.Equal(t, "marginengine", exc.Service)
	assert.Equal(t, "pricing_engine", exc.Module)
	assert.Equal(t, "Reprice", exc.Method)
	assert.Equal(t, "connection reset", exc.Message)
	assert.Equal(t, LevelError, exc.Level)
	assert.NotEmpty(t, exc.Stack)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(exc.Context), &data))
	assert.Equal(t, "pos-1", data["position_id"])
}

func TestCaptureIgnoresNilError(t *testing.T) {
	db := dbtest.New(t)
	repo := repository.NewExceptionRepositoryWithDB(db)

	Capture(context.Background(), repo, "marginengine", "funding", "LockDeposit", LevelError, nil, nil)

	var count int64
	require.NoError(t, db.Model(&model.Exception{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCaptureWithoutRepositoryOnlyLogs(t *testing.T) {
	assert.NotPanics(t, func() {
		Capture(context.Background(), nil, "marginengine", "connectors", "FetchLatest", LevelWarn, errors.New("boom"), nil)
	})
}

func TestCapturerReport(t *testing.T) {
	db := dbtest.New(t)
	c := NewCapturer(repository.NewExceptionRepositoryWithDB(db), "marginengine").AtLevel(LevelWarn)

	c.Report(context.Background(), "spot_listings", "FetchLatest", errors.New("upstream unavailable"), nil)

	var exc model.Exception
	require.NoError(t, db.First(&exc).Error)
	assert.Equal(t, "spot_listings", exc.Module)
	assert.Equal(t, LevelWarn, exc.Level)
	assert.Empty(t, exc.Context)
}
