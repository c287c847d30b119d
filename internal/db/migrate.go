package db

import (
	"gorm.io/gorm"

	"rewardhub/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}
	return Migrate(db.Gorm)
}

// Migrate creates or updates every table the engine owns or reads.
func Migrate(g *gorm.DB) error {
	return g.AutoMigrate(
		&models.User{},
		&models.Setup{},
		&models.Trade{},
		&models.Contest{},
		&models.Candidate{},
		&models.Vote{},
		&models.InstrumentCategory{},
		&models.Instrument{},
		&models.Poll{},
		&models.PollInstrument{},
		&models.Prediction{},
		&models.StakePosition{},
		&models.RewardPayment{},
		&models.SystemSetting{},
	)
}
