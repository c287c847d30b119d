package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

type Contest struct {
	ID  uint64 `gorm:"primaryKey;autoIncrement"`
	Ref string `gorm:"type:varchar(36);not null;uniqueIndex"`

	OpensAt  time.Time `gorm:"not null"`
	ClosesAt time.Time `gorm:"not null;index"`
	// Partial unique index keeps a single active contest.
	Status      string     `gorm:"type:varchar(20);not null;default:'active';uniqueIndex:uq_contests_single_active,where:status = 'active'"`
	FinalizedAt *time.Time
	// SettledAt is set once every payout of a completed contest was attempted.
	SettledAt *time.Time `gorm:"index"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Contest) TableName() string {
	return "contests"
}

// Candidate is frozen at creation; DisplayRef is copied from the setup.
type Candidate struct {
	ID            uint64          `gorm:"primaryKey;autoIncrement"`
	ContestID     uint64          `gorm:"not null;index"`
	ParticipantID uint64          `gorm:"not null;index"`
	SetupID       uint64          `gorm:"not null"`
	SetupName     string          `gorm:"type:varchar(200)"`
	SampleSize    int             `gorm:"not null"`
	SuccessRate   decimal.Decimal `gorm:"type:numeric(10,4);not null"`
	DisplayRef    string          `gorm:"type:varchar(255)"`
	CreatedAt     time.Time       `gorm:"autoCreateTime"`
}

func (Candidate) TableName() string {
	return "contest_candidates"
}

type Vote struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	ContestID   uint64    `gorm:"not null;uniqueIndex:uq_contest_votes_voter,priority:1"`
	VoterID     uint64    `gorm:"not null;uniqueIndex:uq_contest_votes_voter,priority:2"`
	CandidateID uint64    `gorm:"not null;index"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (Vote) TableName() string {
	return "contest_votes"
}
