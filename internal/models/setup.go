package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Setup is a tracked trading setup. Read-only here.
type Setup struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	UserID        uint64    `gorm:"not null;index"`
	Name          string    `gorm:"type:varchar(200);not null"`
	Description   string    `gorm:"type:text"`
	ScreenshotKey string    `gorm:"type:varchar(255)"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (Setup) TableName() string {
	return "setups"
}

// Trade is one recorded outcome for a setup. ProfitLoss > 0 counts as a success.
type Trade struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement"`
	UserID     uint64          `gorm:"not null;index"`
	SetupID    uint64          `gorm:"not null;index"`
	ProfitLoss decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	OpenedAt   time.Time       `gorm:"not null;index"`
	CreatedAt  time.Time       `gorm:"autoCreateTime"`
}

func (Trade) TableName() string {
	return "trades"
}
