package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentPending     = "pending"
	PaymentSubmitting  = "submitting"
	PaymentSubmitted   = "submitted"
	PaymentPaid        = "paid"
	PaymentUnconfirmed = "unconfirmed"
	PaymentFailed      = "failed"
	PaymentSkipped     = "skipped"
)

// RewardPayment is the idempotency record for one logical transfer.
// It is never deleted by contest or poll resets.
type RewardPayment struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	IdempotencyKey string `gorm:"type:varchar(200);not null;uniqueIndex"`

	Identity  string          `gorm:"type:varchar(80);not null;index"`
	Recipient string          `gorm:"type:varchar(64)"`
	Asset     string          `gorm:"type:varchar(16);not null"`
	Amount    decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Reason    string          `gorm:"type:varchar(64);index"`

	Status   string  `gorm:"type:varchar(20);not null;index"`
	TxHash   string  `gorm:"type:varchar(80);index"`
	Nonce    *uint64 `gorm:"type:bigint"`
	Error    string  `gorm:"type:text"`
	Attempts int     `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;index"`
}

func (RewardPayment) TableName() string {
	return "reward_payments"
}
