package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marginengine/src/database"
	"marginengine/src/model"
)

// BalanceRepository reads and writes cash balances. Mutating callers run it inside a
// transaction (WithDB) after taking the account lock.
type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository() *BalanceRepository {
	return &BalanceRepository{db: database.MainDB}
}

func (r *BalanceRepository) WithDB(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// Get returns the balance row, or a zero balance when the account has none yet.
func (r *BalanceRepository) Get(ctx context.Context, accountID, currency string) (model.CashBalance, error) {
	var bal model.CashBalance
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND currency = ?", accountID, currency).
		First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.CashBalance{AccountID: accountID, Currency: currency}, nil
	}
	return bal, err
}

// GetForUpdate locks the balance row, creating an empty one first if needed.
func (r *BalanceRepository) GetForUpdate(ctx context.Context, accountID, currency string) (*model.CashBalance, error) {
	empty := model.CashBalance{AccountID: accountID, Currency: currency, Amount: decimal.Zero, Locked: decimal.Zero}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&empty).Error; err != nil {
		return nil, err
	}

	var bal model.CashBalance
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ? AND currency = ?", accountID, currency).
		First(&bal).Error
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

// SetAmounts overwrites both sub-balances of a row read by GetForUpdate.
func (r *BalanceRepository) SetAmounts(ctx context.Context, id uint, amount, locked decimal.Decimal) error {
	return r.db.WithContext(ctx).
		Model(&model.CashBalance{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"amount": amount,
			"locked": locked,
		}).Error
}
