package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type StakePosition struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	UserID        uint64 `gorm:"not null;index;uniqueIndex:uq_stake_positions_active_user,where:staked_amount > 0"`
	ExternalTxRef string `gorm:"type:varchar(80);not null;uniqueIndex"`

	StakedAmount       decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0"`
	StakedValueAtEntry decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	PendingReward      decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0"`

	UnlocksAt        time.Time `gorm:"not null"`
	LastRewardTickAt time.Time `gorm:"not null"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (StakePosition) TableName() string {
	return "stake_positions"
}
