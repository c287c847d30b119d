package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PremiumSourceSubscription = "subscription"
	PremiumSourceStaking      = "staking"
)

// User is owned by the web layer. The engine reads it and only touches the
// premium flag, weekly points and the custodial wallet columns.
type User struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	Username string `gorm:"type:varchar(80);not null;uniqueIndex"`

	WalletAddress    *string `gorm:"type:varchar(64);index"`
	CustodialAddress *string `gorm:"type:varchar(64);uniqueIndex"`
	// Sealed with custody.Sealer, never plaintext.
	CustodialKey string `gorm:"type:text" json:"-"`

	Premium       bool            `gorm:"not null;default:false;index"`
	PremiumSource string          `gorm:"type:varchar(20)"`
	WeeklyPoints  decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (User) TableName() string {
	return "users"
}

func (u User) PayoutAddress() string {
	if u.WalletAddress == nil {
		return ""
	}
	return *u.WalletAddress
}
