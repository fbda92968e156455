package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"marginengine/src/database"
	"marginengine/src/model"
)

// APIKeyRepository persists upstream credentials and implements the key pool store.
type APIKeyRepository struct {
	db *gorm.DB
}

func NewAPIKeyRepository() *APIKeyRepository {
	return &APIKeyRepository{db: database.MainDB}
}

func NewAPIKeyRepositoryWithDB(db *gorm.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create inserts a new key. Keys are created active.
func (r *APIKeyRepository) Create(ctx context.Context, key *model.APIKey) error {
	key.Active = true
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "APIKeyRepository",
			"op":      "Create",
			"service": key.Service,
		}).WithError(err).Error("Failed to create api key")
		return err
	}
	return nil
}

// FirstActive returns the active key with the lowest priority for service.
// Returns (nil, nil) when the active set is empty.
func (r *APIKeyRepository) FirstActive(ctx context.Context, service string) (*model.APIKey, error) {
	var key model.APIKey
	err := r.db.WithContext(ctx).
		Where("service = ? AND active = ?", service, true).
		Order("priority ASC, id ASC").
		First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo":    "APIKeyRepository",
			"op":      "FirstActive",
			"service": service,
		}).WithError(err).Error("Failed to fetch active api key")
		return nil, err
	}
	return &key, nil
}

// TouchUsage bumps the usage counter and the last-used timestamp.
func (r *APIKeyRepository) TouchUsage(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.APIKey{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"last_used_at": at,
		}).Error
}

// Deactivate flips an active key to inactive. It reports false when the key was already
// inactive, so concurrent retirements of one key resolve to a single transition.
func (r *APIKeyRepository) Deactivate(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.APIKey{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]interface{}{
			"active":     false,
			"retired_at": at,
		})
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "APIKeyRepository",
			"op":   "Deactivate",
			"id":   id,
		}).WithError(res.Error).Error("Failed to deactivate api key")
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SetActive is the administrative override. It is the only path back to active.
func (r *APIKeyRepository) SetActive(ctx context.Context, id uint, active bool) error {
	updates := map[string]interface{}{"active": active}
	if active {
		updates["retired_at"] = nil
	}
	res := r.db.WithContext(ctx).Model(&model.APIKey{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// List returns keys for service (all services when empty) in rotation order.
func (r *APIKeyRepository) List(ctx context.Context, service string) ([]model.APIKey, error) {
	var keys []model.APIKey
	q := r.db.WithContext(ctx).Order("service ASC, priority ASC, id ASC")
	if service != "" {
		q = q.Where("service = ?", service)
	}
	if err := q.Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}
