package db

import (
	"smartmoney/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Trader{},
		&models.Market{},
		&models.MarketSmartStats{},
		&models.MultiOutcomePosition{},
		&models.IngestionCheckpoint{},
		&models.SystemSetting{},
	)
}
