package repository

import (
	"context"

	"gorm.io/gorm"

	"marginengine/src/database"
	"marginengine/src/model"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository() *TransactionRepository {
	return &TransactionRepository{db: database.MainDB}
}

func (r *TransactionRepository) WithDB(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *model.Transaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

// ListByAccount returns an account's ledger in insertion order.
func (r *TransactionRepository) ListByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC, id ASC").
		Find(&txs).Error
	return txs, err
}

func (r *TransactionRepository) ListByReference(ctx context.Context, reference string) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("reference = ?", reference).
		Order("created_at ASC, id ASC").
		Find(&txs).Error
	return txs, err
}
