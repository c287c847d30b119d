package gormrepository

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rewardhub/internal/models"
)

func (s *Store) GetActiveStake(ctx context.Context, userID uint64) (*models.StakePosition, error) {
	if s == nil || s.db == nil || userID == 0 {
		return nil, nil
	}
	return first[models.StakePosition](s.db.WithContext(ctx).
		Where("user_id = ? AND staked_amount > ?", userID, decimal.Zero).
		Order("id desc"))
}

func (s *Store) GetStakeByTxRef(ctx context.Context, ref string) (*models.StakePosition, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	ref = strings.ToLower(strings.TrimSpace(ref))
	if ref == "" {
		return nil, nil
	}
	return first[models.StakePosition](s.db.WithContext(ctx).Where("external_tx_ref = ?", ref))
}

func (s *Store) CreateStakeTx(ctx context.Context, tx *gorm.DB, item *models.StakePosition) error {
	if tx == nil || item == nil {
		return nil
	}
	item.ExternalTxRef = strings.ToLower(strings.TrimSpace(item.ExternalTxRef))
	return tx.WithContext(ctx).Create(item).Error
}

// ListStakesForUpdateTx returns the user's active positions locked for the
// rest of tx.
func (s *Store) ListStakesForUpdateTx(ctx context.Context, tx *gorm.DB, userID uint64) ([]models.StakePosition, error) {
	if tx == nil || userID == 0 {
		return nil, nil
	}
	var items []models.StakePosition
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND staked_amount > ?", userID, decimal.Zero).
		Order("id asc").
		Find(&items).Error
	return items, err
}

func (s *Store) SaveStakeBalancesTx(ctx context.Context, tx *gorm.DB, item *models.StakePosition) error {
	if tx == nil || item == nil || item.ID == 0 {
		return nil
	}
	return tx.WithContext(ctx).Model(&models.StakePosition{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{
			"staked_amount":       item.StakedAmount,
			"pending_reward":      item.PendingReward,
			"last_reward_tick_at": item.LastRewardTickAt.UTC(),
			"updated_at":          time.Now().UTC(),
		}).Error
}

func (s *Store) CountActiveStakesTx(ctx context.Context, tx *gorm.DB, userID uint64) (int64, error) {
	if tx == nil || userID == 0 {
		return 0, nil
	}
	var n int64
	err := tx.WithContext(ctx).Model(&models.StakePosition{}).
		Where("user_id = ? AND staked_amount > ?", userID, decimal.Zero).
		Count(&n).Error
	return n, err
}

// AccrueStakeRewards adds a flat increment to every active position in one statement.
func (s *Store) AccrueStakeRewards(ctx context.Context, increment decimal.Decimal) (int64, error) {
	if s == nil || s.db == nil || !increment.IsPositive() {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&models.StakePosition{}).
		Where("staked_amount > ?", decimal.Zero).
		Updates(map[string]any{
			"pending_reward": gorm.Expr("pending_reward + ?", increment),
			"updated_at":     time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}
