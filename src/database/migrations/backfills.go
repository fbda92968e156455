package migrations

import (
	"strings"

	"gorm.io/gorm"
)

// normalizeAPIKeyServices lowercases and trims service names entered by hand so that
// rotation lookups (exact match on service) see every key.
func normalizeAPIKeyServices(db *gorm.DB) error {
	type keyRow struct {
		ID      uint
		Service string
	}

	var rows []keyRow
	if err := db.Table("api_keys").Select("id", "service").Find(&rows).Error; err != nil {
		return err
	}

	for _, row := range rows {
		normalized := strings.ToLower(strings.TrimSpace(row.Service))
		if normalized == row.Service {
			continue
		}
		if err := db.Table("api_keys").Where("id = ?", row.ID).Update("service", normalized).Error; err != nil {
			return err
		}
	}

	return nil
}

// backfillPositionPricingMode fills rows written before pricing modes existed.
func backfillPositionPricingMode(db *gorm.DB) error {
	return db.Table("positions").
		Where("pricing_mode IS NULL OR pricing_mode = ''").
		Update("pricing_mode", "live").Error
}
