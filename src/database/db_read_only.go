package database

import (
	"fmt"

	"marginengine/src/model"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ReadOnlyDB serves diagnostics queries (position search) so they never contend with the
// pricing loop on the primary. The database user should have SELECT-only permissions.
var ReadOnlyDB *gorm.DB

// InitReadOnlyDB opens the replica connection. Without DATABASE_URL_READONLY it reuses
// MainDB, so call InitMainDB first.
func InitReadOnlyDB() error {
	config := GetConfig()
	if config.DatabaseURLReadOnly == "" {
		ReadOnlyDB = MainDB
		logrus.Info("[ReadOnlyDB] no replica configured, using MainDB")
		return nil
	}

	db, err := gorm.Open(postgres.Open(config.DatabaseURLReadOnly),
		&gorm.Config{
			PrepareStmt:    true,
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.LogLevel(config.GormLogLevel)),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to connect to read-only database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB from ReadOnlyDB: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping ReadOnlyDB: %w", err)
	}

	var count int64
	if err := db.Model(&model.Position{}).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to access positions on ReadOnlyDB: %w", err)
	}

	logrus.WithFields(map[string]interface{}{"positions": count}).Info("[ReadOnlyDB] positions table reachable")

	ReadOnlyDB = db

	return nil
}
