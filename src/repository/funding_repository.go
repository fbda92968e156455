package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marginengine/src/database"
	"marginengine/src/model"
)

// FundingRepository persists deposit and withdrawal requests.
type FundingRepository struct {
	db *gorm.DB
}

func NewFundingRepository() *FundingRepository {
	return &FundingRepository{db: database.MainDB}
}

func (r *FundingRepository) WithDB(db *gorm.DB) *FundingRepository {
	return &FundingRepository{db: db}
}

// ---------------------------------------------------
// Deposits
// ---------------------------------------------------

func (r *FundingRepository) CreateDeposit(ctx context.Context, dep *model.DepositRequest) error {
	return r.db.WithContext(ctx).Create(dep).Error
}

// FindDeposit returns (nil, nil) when the request does not exist.
func (r *FundingRepository) FindDeposit(ctx context.Context, id string, lock bool) (*model.DepositRequest, error) {
	var dep model.DepositRequest
	q := r.db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("id = ?", id).First(&dep).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dep, nil
}

// TransitionDeposit moves a request from one of the from statuses to to.
// It reports false when the request was not in any of them.
func (r *FundingRepository) TransitionDeposit(ctx context.Context, id string, from []string, to string, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&model.DepositRequest{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "FundingRepository",
			"op":   "TransitionDeposit",
			"id":   id,
			"to":   to,
		}).WithError(res.Error).Error("Failed to transition deposit")
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PendingDeposits returns pending requests created after since, used to resume lock timers.
func (r *FundingRepository) PendingDeposits(ctx context.Context, since time.Time) ([]model.DepositRequest, error) {
	var deps []model.DepositRequest
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at >= ?", model.DepositStatusPending, since).
		Order("created_at ASC").
		Find(&deps).Error
	return deps, err
}

// ---------------------------------------------------
// Withdrawals
// ---------------------------------------------------

func (r *FundingRepository) CreateWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error {
	return r.db.WithContext(ctx).Create(w).Error
}

func (r *FundingRepository) FindWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

func (r *FundingRepository) TransitionWithdrawal(ctx context.Context, id, from, to string, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&model.WithdrawalRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
