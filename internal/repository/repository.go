package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"rewardhub/internal/models"
)

type SettingsRepository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error)
	ListSystemSettings(ctx context.Context, params ListSystemSettingsParams) ([]models.SystemSetting, error)
	UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error
	LockSystemSettingTx(ctx context.Context, tx *gorm.DB, key string) (*models.SystemSetting, error)
	UpsertSystemSettingTx(ctx context.Context, tx *gorm.DB, item *models.SystemSetting) error
}

type ParticipantRepository interface {
	GetUser(ctx context.Context, id uint64) (*models.User, error)
	GetUserByCustodialAddress(ctx context.Context, address string) (*models.User, error)
	GetUserByWalletAddress(ctx context.Context, address string) (*models.User, error)
	ListPremiumUsers(ctx context.Context) ([]models.User, error)
	ListUsersWithCustodialWallet(ctx context.Context) ([]models.User, error)
	SetCustodialWallet(ctx context.Context, userID uint64, address, sealedKey string) (bool, error)
	SetPremiumTx(ctx context.Context, tx *gorm.DB, userID uint64, premium bool, source string) error
	RevokeStakingPremiumTx(ctx context.Context, tx *gorm.DB, userID uint64) error
	ListSetupsByUserIDs(ctx context.Context, userIDs []uint64) ([]models.Setup, error)
	ListSetupStats(ctx context.Context, setupIDs []uint64) ([]SetupStat, error)
	ListDailyTradeCounts(ctx context.Context, userIDs []uint64, since time.Time) ([]DailyTradeCount, error)
	ListUsersWithPoints(ctx context.Context) ([]models.User, error)
	ResetWeeklyPointsTx(ctx context.Context, tx *gorm.DB, userIDs []uint64) error
}

type ContestRepository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	GetActiveContest(ctx context.Context) (*models.Contest, error)
	GetActiveContestTx(ctx context.Context, tx *gorm.DB) (*models.Contest, error)
	ResetContestsTx(ctx context.Context, tx *gorm.DB) error
	CreateContestTx(ctx context.Context, tx *gorm.DB, item *models.Contest) error
	InsertCandidates(ctx context.Context, items []models.Candidate) error
	ListCandidates(ctx context.Context, contestID uint64) ([]models.Candidate, error)
	GetCandidate(ctx context.Context, id uint64) (*models.Candidate, error)
	HasVoted(ctx context.Context, contestID, voterID uint64) (bool, error)
	InsertVote(ctx context.Context, item *models.Vote) error
	ListVotes(ctx context.Context, contestID uint64) ([]models.Vote, error)
	CompleteContest(ctx context.Context, id uint64, at time.Time) (bool, error)
	GetUnsettledContest(ctx context.Context) (*models.Contest, error)
	GetUnsettledContestTx(ctx context.Context, tx *gorm.DB) (*models.Contest, error)
	MarkContestSettled(ctx context.Context, id uint64, at time.Time) (bool, error)
	RewindContestClose(ctx context.Context, id uint64, closesAt time.Time) (bool, error)
}

type PollRepository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	GetActivePoll(ctx context.Context) (*models.Poll, error)
	ListActivePolls(ctx context.Context) ([]models.Poll, error)
	ListDuePolls(ctx context.Context, now time.Time) ([]models.Poll, error)
	CreatePollTx(ctx context.Context, tx *gorm.DB, poll *models.Poll, items []models.PollInstrument) error
	ListCategories(ctx context.Context) ([]models.InstrumentCategory, error)
	ListInstrumentsByCategory(ctx context.Context, categoryID uint64) ([]models.Instrument, error)
	ListPollInstruments(ctx context.Context, pollID uint64) ([]models.PollInstrument, error)
	HasPrediction(ctx context.Context, pollID, userID, instrumentID uint64) (bool, error)
	InsertPrediction(ctx context.Context, item *models.Prediction) error
	ListPredictions(ctx context.Context, pollID uint64) ([]models.Prediction, error)
	UpdatePredictionResolution(ctx context.Context, id uint64, resolved decimal.Decimal, deviation *decimal.Decimal) error
	UpdatePollReferencePrices(ctx context.Context, pollID uint64, raw []byte) error
	CompletePoll(ctx context.Context, id uint64, at time.Time) (bool, error)
	ListUnsettledPolls(ctx context.Context) ([]models.Poll, error)
	MarkPollSettled(ctx context.Context, id uint64, at time.Time) (bool, error)
}

type StakingRepository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	GetActiveStake(ctx context.Context, userID uint64) (*models.StakePosition, error)
	GetStakeByTxRef(ctx context.Context, ref string) (*models.StakePosition, error)
	CreateStakeTx(ctx context.Context, tx *gorm.DB, item *models.StakePosition) error
	ListStakesForUpdateTx(ctx context.Context, tx *gorm.DB, userID uint64) ([]models.StakePosition, error)
	SaveStakeBalancesTx(ctx context.Context, tx *gorm.DB, item *models.StakePosition) error
	CountActiveStakesTx(ctx context.Context, tx *gorm.DB, userID uint64) (int64, error)
	AccrueStakeRewards(ctx context.Context, increment decimal.Decimal) (int64, error)
}

type PaymentRepository interface {
	GetPaymentByKey(ctx context.Context, key string) (*models.RewardPayment, error)
	CreatePayment(ctx context.Context, item *models.RewardPayment) (bool, error)
	TransitionPayment(ctx context.Context, key string, from []string, updates map[string]any) (bool, error)
	UpdatePayment(ctx context.Context, key string, updates map[string]any) error
	ListPayments(ctx context.Context, params ListPaymentsParams) ([]models.RewardPayment, error)
}

// Repository is the full persistence surface used by the engine services.
type Repository interface {
	SettingsRepository
	ParticipantRepository
	ContestRepository
	PollRepository
	StakingRepository
	PaymentRepository
}

type ListSystemSettingsParams struct {
	Limit   int
	Offset  int
	Prefix  *string
	OrderBy string
	Asc     *bool
}

type ListPaymentsParams struct {
	Limit     int
	Offset    int
	Statuses  []string
	Reason    *string
	Identity  *string
	OlderThan *time.Time
	OrderBy   string
	Asc       *bool
}

// SetupStat is the per-setup aggregate used for contest eligibility.
type SetupStat struct {
	SetupID    uint64
	SampleSize int64
	Wins       int64
}

type DailyTradeCount struct {
	UserID uint64
	Day    string
	Trades int64
}

// IsUniqueViolation reports whether err came from a unique constraint.
// Translated errors are preferred; the message check covers drivers
// without a translator.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
