package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marginengine/src/database"
	"marginengine/src/model"
)

// PositionRepository handles read/write operations for positions.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a repository on the main read/write database.
func NewPositionRepository() *PositionRepository {
	return &PositionRepository{db: database.MainDB}
}

// NewPositionReadRepository creates a repository on the read-only replica, for searches.
func NewPositionReadRepository() *PositionRepository {
	return &PositionRepository{db: database.ReadOnlyDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *PositionRepository) WithDB(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

func (r *PositionRepository) Create(ctx context.Context, position *model.Position) error {
	logger.WithFields(map[string]interface{}{
		"repo":    "PositionRepository",
		"op":      "Create",
		"account": position.AccountID,
		"symbol":  position.Symbol,
		"side":    position.Side,
	}).Debug("Creating position")

	if err := r.db.WithContext(ctx).Create(position).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create position")
		return err
	}
	return nil
}

// FindByID returns (nil, nil) when the position does not exist.
func (r *PositionRepository) FindByID(ctx context.Context, id string) (*model.Position, error) {
	return r.find(ctx, id, false)
}

// FindByIDForUpdate locks the row for the rest of the surrounding transaction.
func (r *PositionRepository) FindByIDForUpdate(ctx context.Context, id string) (*model.Position, error) {
	return r.find(ctx, id, true)
}

func (r *PositionRepository) find(ctx context.Context, id string, lock bool) (*model.Position, error) {
	var position model.Position
	q := r.db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("id = ?", id).First(&position).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch position")
		return nil, err
	}
	return &position, nil
}

// ListOpen returns every open position, oldest first.
func (r *PositionRepository) ListOpen(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position
	err := r.db.WithContext(ctx).
		Where("status = ?", model.PositionStatusOpen).
		Order("opened_at ASC, id ASC").
		Find(&positions).Error
	return positions, err
}

// UpdateMark writes a new mark and PnL only while the position is open and not pinned in
// edited mode. It reports false when the position is missing, closed or edited.
func (r *PositionRepository) UpdateMark(ctx context.Context, id string, mark, pnl decimal.Decimal) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND status = ? AND pricing_mode <> ?", id, model.PositionStatusOpen, model.PricingModeEdited).
		Updates(map[string]interface{}{
			"mark_price": mark,
			"pnl":        pnl,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkClosed performs the one-way open→closed transition.
func (r *PositionRepository) MarkClosed(ctx context.Context, id string, closePrice, pnl decimal.Decimal, closedAt time.Time, closedBy string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND status = ?", id, model.PositionStatusOpen).
		Updates(map[string]interface{}{
			"status":       model.PositionStatusClosed,
			"close_price":  closePrice,
			"mark_price":   closePrice,
			"pnl":          pnl,
			"realized_pnl": pnl,
			"closed_at":    closedAt,
			"closed_by":    closedBy,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateOpenFields applies an administrative edit to an open position.
func (r *PositionRepository) UpdateOpenFields(ctx context.Context, id string, fields map[string]interface{}) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND status = ?", id, model.PositionStatusOpen).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PositionSearchOptions filters Search. Zero Limit means no limit.
type PositionSearchOptions struct {
	AccountID    string
	Status       *string
	Symbol       *string
	OpenedAfter  *time.Time
	OpenedBefore *time.Time
	Limit        int
	Offset       int
}

// Search lists an account's positions, newest first.
func (r *PositionRepository) Search(ctx context.Context, options PositionSearchOptions) ([]model.Position, error) {
	q := r.db.WithContext(ctx).Where("account_id = ?", options.AccountID)

	if options.Status != nil {
		q = q.Where("status = ?", *options.Status)
	}
	if options.Symbol != nil {
		q = q.Where("symbol = ?", *options.Symbol)
	}
	if options.OpenedAfter != nil {
		q = q.Where("opened_at >= ?", *options.OpenedAfter)
	}
	if options.OpenedBefore != nil {
		q = q.Where("opened_at <= ?", *options.OpenedBefore)
	}
	if options.Limit > 0 {
		q = q.Limit(options.Limit)
	}
	if options.Offset > 0 {
		q = q.Offset(options.Offset)
	}

	var positions []model.Position
	if err := q.Order("opened_at DESC, id DESC").Find(&positions).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "PositionRepository",
			"op":      "Search",
			"account": options.AccountID,
		}).WithError(err).Error("Failed to search positions")
		return nil, err
	}
	return positions, nil
}
