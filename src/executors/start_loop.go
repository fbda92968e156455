package executors

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"

	"marginengine/src/model"
)

type openPositionLister interface {
	ListOpen(ctx context.Context) ([]model.Position, error)
}

type positionSyncer interface {
	Sync(open []model.Position)
}

// StartLoop reconciles the pricing engine with the open positions in the database: once at
// start, then every LoopPeriod. Positions opened or closed by another process are picked up
// here. It returns when ctx is done.
func StartLoop(ctx context.Context, positions openPositionLister, engine positionSyncer, config Config) error {
	period := config.LoopPeriod
	if period <= 0 {
		period = 30 * time.Second
	}

	ticker := time.NewTicker(period) // Set up a ticker that fires periodically
	defer ticker.Stop()

	syncOnce(ctx, positions, engine)

	for {
		select {
		case <-ctx.Done():
			logger.Info("sync loop stopped")
			return nil

		case <-ticker.C:
			syncOnce(ctx, positions, engine)
		}
	}
}

func syncOnce(ctx context.Context, positions openPositionLister, engine positionSyncer) {
	open, err := positions.ListOpen(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Error("Failed to ListOpen, keeping current subscriptions")
		}
		return
	}
	engine.Sync(open)
	logger.WithField("open", len(open)).Debug("pricing subscriptions synced")
}
