package gormrepository

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"rewardhub/internal/models"
	"rewardhub/internal/repository"
)

func (s *Store) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	return first[models.User](s.db.WithContext(ctx).Where("id = ?", id))
}

func (s *Store) GetUserByCustodialAddress(ctx context.Context, address string) (*models.User, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil, nil
	}
	return first[models.User](s.db.WithContext(ctx).Where("LOWER(custodial_address) = ?", address))
}

func (s *Store) GetUserByWalletAddress(ctx context.Context, address string) (*models.User, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil, nil
	}
	return first[models.User](s.db.WithContext(ctx).Where("LOWER(wallet_address) = ?", address).Order("id asc"))
}

func (s *Store) ListPremiumUsers(ctx context.Context) ([]models.User, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.User
	err := s.db.WithContext(ctx).Where("premium = ?", true).Order("id asc").Find(&items).Error
	return items, err
}

func (s *Store) ListUsersWithCustodialWallet(ctx context.Context) ([]models.User, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.User
	err := s.db.WithContext(ctx).
		Where("custodial_address IS NOT NULL AND custodial_address <> ''").
		Order("id asc").
		Find(&items).Error
	return items, err
}

// SetCustodialWallet assigns a wallet only when the user has none yet.
func (s *Store) SetCustodialWallet(ctx context.Context, userID uint64, address, sealedKey string) (bool, error) {
	if s == nil || s.db == nil || userID == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Where("custodial_address IS NULL OR custodial_address = ''").
		Updates(map[string]any{
			"custodial_address": strings.TrimSpace(address),
			"custodial_key":     sealedKey,
			"updated_at":        time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (s *Store) SetPremiumTx(ctx context.Context, tx *gorm.DB, userID uint64, premium bool, source string) error {
	if tx == nil || userID == 0 {
		return nil
	}
	if !premium {
		source = ""
	}
	return tx.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"premium":        premium,
			"premium_source": source,
			"updated_at":     time.Now().UTC(),
		}).Error
}

// RevokeStakingPremiumTx clears premium only if staking granted it.
func (s *Store) RevokeStakingPremiumTx(ctx context.Context, tx *gorm.DB, userID uint64) error {
	if tx == nil || userID == 0 {
		return nil
	}
	return tx.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND premium_source = ?", userID, models.PremiumSourceStaking).
		Updates(map[string]any{
			"premium":        false,
			"premium_source": "",
			"updated_at":     time.Now().UTC(),
		}).Error
}

func (s *Store) ListSetupsByUserIDs(ctx context.Context, userIDs []uint64) ([]models.Setup, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	ids := cleanIDs(userIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	var items []models.Setup
	err := s.db.WithContext(ctx).Where("user_id IN ?", ids).Order("id asc").Find(&items).Error
	return items, err
}

func (s *Store) ListSetupStats(ctx context.Context, setupIDs []uint64) ([]repository.SetupStat, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	ids := cleanIDs(setupIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []repository.SetupStat
	err := s.db.WithContext(ctx).Model(&models.Trade{}).
		Select("setup_id, COUNT(*) AS sample_size, SUM(CASE WHEN profit_loss > 0 THEN 1 ELSE 0 END) AS wins").
		Where("setup_id IN ?", ids).
		Group("setup_id").
		Scan(&rows).Error
	return rows, err
}

// ListDailyTradeCounts buckets trades per user per UTC day in Go so the
// query stays portable across postgres and sqlite.
func (s *Store) ListDailyTradeCounts(ctx context.Context, userIDs []uint64, since time.Time) ([]repository.DailyTradeCount, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	ids := cleanIDs(userIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []struct {
		UserID   uint64
		OpenedAt time.Time
	}
	err := s.db.WithContext(ctx).Model(&models.Trade{}).
		Select("user_id, opened_at").
		Where("user_id IN ?", ids).
		Where("opened_at >= ?", since.UTC()).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	type bucket struct {
		user uint64
		day  string
	}
	counts := map[bucket]int64{}
	order := make([]bucket, 0)
	for _, row := range rows {
		b := bucket{user: row.UserID, day: row.OpenedAt.UTC().Format("2006-01-02")}
		if _, ok := counts[b]; !ok {
			order = append(order, b)
		}
		counts[b]++
	}
	out := make([]repository.DailyTradeCount, 0, len(order))
	for _, b := range order {
		out = append(out, repository.DailyTradeCount{UserID: b.user, Day: b.day, Trades: counts[b]})
	}
	return out, nil
}

func (s *Store) ListUsersWithPoints(ctx context.Context) ([]models.User, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.User
	err := s.db.WithContext(ctx).Where("weekly_points > ?", decimal.Zero).Order("id asc").Find(&items).Error
	return items, err
}

func (s *Store) ResetWeeklyPointsTx(ctx context.Context, tx *gorm.DB, userIDs []uint64) error {
	if tx == nil {
		return nil
	}
	ids := cleanIDs(userIDs)
	if len(ids) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Model(&models.User{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"weekly_points": decimal.Zero, "updated_at": time.Now().UTC()}).Error
}
