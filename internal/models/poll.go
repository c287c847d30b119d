package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type InstrumentCategory struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Name      string    `gorm:"type:varchar(60);not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (InstrumentCategory) TableName() string {
	return "instrument_categories"
}

type Instrument struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	CategoryID uint64    `gorm:"not null;index"`
	Symbol     string    `gorm:"type:varchar(40);not null;uniqueIndex"`
	Name       string    `gorm:"type:varchar(120)"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (Instrument) TableName() string {
	return "instruments"
}

type Poll struct {
	ID  uint64 `gorm:"primaryKey;autoIncrement"`
	Ref string `gorm:"type:varchar(36);not null;uniqueIndex"`

	OpensAt  time.Time `gorm:"not null"`
	ClosesAt time.Time `gorm:"not null;index"`
	Status   string    `gorm:"type:varchar(20);not null;default:'active';uniqueIndex:uq_polls_single_active,where:status = 'active'"`

	// Last fetched reference price per symbol.
	ReferencePrices JSON
	ResolvedAt      *time.Time
	SettledAt       *time.Time `gorm:"index"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Poll) TableName() string {
	return "polls"
}

type PollInstrument struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	PollID       uint64 `gorm:"not null;uniqueIndex:uq_poll_instruments,priority:1"`
	InstrumentID uint64 `gorm:"not null;uniqueIndex:uq_poll_instruments,priority:2"`
	Symbol       string `gorm:"type:varchar(40);not null"`
}

func (PollInstrument) TableName() string {
	return "poll_instruments"
}

type Prediction struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	PollID       uint64 `gorm:"not null;uniqueIndex:uq_predictions_user_poll_instrument,priority:2;index"`
	UserID       uint64 `gorm:"not null;uniqueIndex:uq_predictions_user_poll_instrument,priority:1"`
	InstrumentID uint64 `gorm:"not null;uniqueIndex:uq_predictions_user_poll_instrument,priority:3"`

	PredictedPrice   decimal.Decimal  `gorm:"type:numeric(30,10);not null"`
	ResolvedPrice    *decimal.Decimal `gorm:"type:numeric(30,10)"`
	DeviationPercent *decimal.Decimal `gorm:"type:numeric(30,10)"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Prediction) TableName() string {
	return "predictions"
}
