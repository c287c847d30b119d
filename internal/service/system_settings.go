package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"rewardhub/internal/custody"
	"rewardhub/internal/models"
	"rewardhub/internal/repository"
)

const (
	FeatureContestFinalize  = "feature.contest_finalize"
	FeaturePollResolve      = "feature.poll_resolve"
	FeaturePriceRefresh     = "feature.price_refresh"
	FeatureStakingAccrual   = "feature.staking_accrual"
	FeatureDepositScan      = "feature.deposit_scan"
	FeaturePayoutReconcile  = "feature.payout_reconcile"
	FeaturePointsDistribute = "feature.points_distribute"
)

const (
	SettingContestPoolSize = "contest.pool_size"
	SettingContestLastOpen = "contest.last_open_at"
	SettingPointsPoolSize  = "points.pool_size"
	SettingDepositCursor   = "staking.deposit_cursor"
)

func DefaultFeatureSwitches() map[string]bool {
	return map[string]bool{
		FeatureContestFinalize:  true,
		FeaturePollResolve:      true,
		FeaturePriceRefresh:     true,
		FeatureStakingAccrual:   true,
		FeatureDepositScan:      false,
		FeaturePayoutReconcile:  true,
		FeaturePointsDistribute: false,
	}
}

// SystemSettingsService reads and writes runtime settings stored as JSON
// values. Secret-looking keys are sealed when a Sealer is set.
type SystemSettingsService struct {
	Repo   repository.SettingsRepository
	Sealer *custody.Sealer
}

func (s *SystemSettingsService) EnsureDefaultSwitches(ctx context.Context) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	now := time.Now().UTC()
	for key, enabled := range DefaultFeatureSwitches() {
		existing, err := s.Repo.GetSystemSettingByKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		raw, _ := json.Marshal(enabled)
		item := &models.SystemSetting{
			Key:         key,
			Value:       models.JSON(raw),
			Description: "feature switch",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.Repo.UpsertSystemSetting(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *SystemSettingsService) IsEnabled(ctx context.Context, key string, fallback bool) bool {
	raw, err := s.raw(ctx, key)
	if err != nil || len(raw) == 0 {
		return fallback
	}
	var enabled bool
	if err := json.Unmarshal(raw, &enabled); err != nil {
		return fallback
	}
	return enabled
}

func (s *SystemSettingsService) SetEnabled(ctx context.Context, key string, enabled bool) error {
	raw, _ := json.Marshal(enabled)
	return s.Put(ctx, key, raw, "feature switch")
}

// Decimal reads a number stored either as a JSON number or a JSON string.
func (s *SystemSettingsService) Decimal(ctx context.Context, key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	raw, err := s.raw(ctx, key)
	if err != nil {
		return fallback, err
	}
	if len(raw) == 0 {
		return fallback, nil
	}
	return parseDecimal(raw)
}

func (s *SystemSettingsService) SetDecimal(ctx context.Context, key string, v decimal.Decimal) error {
	raw, _ := json.Marshal(v.String())
	return s.Put(ctx, key, raw, "")
}

// ContestPoolSize is the token amount a contest distributes.
func (s *SystemSettingsService) ContestPoolSize(ctx context.Context, fallback decimal.Decimal) (decimal.Decimal, error) {
	return s.Decimal(ctx, SettingContestPoolSize, fallback)
}

func (s *SystemSettingsService) PointsPoolSize(ctx context.Context, fallback decimal.Decimal) (decimal.Decimal, error) {
	return s.Decimal(ctx, SettingPointsPoolSize, fallback)
}

// LockedTimeTx reads a timestamp setting holding its row lock until tx ends.
func (s *SystemSettingsService) LockedTimeTx(ctx context.Context, tx *gorm.DB, key string) (*time.Time, error) {
	item, err := s.Repo.LockSystemSettingTx(ctx, tx, key)
	if err != nil || item == nil || len(item.Value) == 0 {
		return nil, err
	}
	var v time.Time
	if err := json.Unmarshal(item.Value, &v); err != nil {
		return nil, fmt.Errorf("setting %s: %w", key, err)
	}
	return &v, nil
}

func (s *SystemSettingsService) SetTimeTx(ctx context.Context, tx *gorm.DB, key string, v time.Time) error {
	raw, _ := json.Marshal(v.UTC())
	return s.Repo.UpsertSystemSettingTx(ctx, tx, &models.SystemSetting{
		Key:       key,
		Value:     models.JSON(raw),
		UpdatedAt: time.Now().UTC(),
	})
}

// Uint64 reads a counter such as a block cursor; ok is false when unset.
func (s *SystemSettingsService) Uint64(ctx context.Context, key string) (uint64, bool, error) {
	raw, err := s.raw(ctx, key)
	if err != nil || len(raw) == 0 {
		return 0, false, err
	}
	var v uint64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, fmt.Errorf("setting %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SystemSettingsService) SetUint64(ctx context.Context, key string, v uint64) error {
	raw, _ := json.Marshal(v)
	return s.Put(ctx, key, raw, "")
}

// Update applies fn to the current value under a row lock. fn receives nil
// when the key is unset.
func (s *SystemSettingsService) Update(ctx context.Context, key string, fn func(cur []byte) ([]byte, error)) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("setting key required")
	}
	return s.Repo.InTx(ctx, func(tx *gorm.DB) error {
		item, err := s.Repo.LockSystemSettingTx(ctx, tx, key)
		if err != nil {
			return err
		}
		var cur []byte
		desc := ""
		if item != nil {
			cur = s.Sealer.RevealSetting(key, item.Value)
			desc = item.Description
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if !json.Valid(next) {
			return fmt.Errorf("setting %s: value is not valid JSON", key)
		}
		sealed, err := s.Sealer.ProtectSetting(key, next)
		if err != nil {
			return err
		}
		return s.Repo.UpsertSystemSettingTx(ctx, tx, &models.SystemSetting{
			Key:         key,
			Value:       models.JSON(sealed),
			Description: desc,
			UpdatedAt:   time.Now().UTC(),
		})
	})
}

// Put stores a JSON value, sealing secret keys.
func (s *SystemSettingsService) Put(ctx context.Context, key string, raw []byte, description string) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("setting key required")
	}
	if !json.Valid(raw) {
		return fmt.Errorf("setting %s: value is not valid JSON", key)
	}
	sealed, err := s.Sealer.ProtectSetting(key, raw)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.Repo.UpsertSystemSetting(ctx, &models.SystemSetting{
		Key:         key,
		Value:       models.JSON(sealed),
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// Get returns the revealed value, or nil when unset.
func (s *SystemSettingsService) Get(ctx context.Context, key string) ([]byte, error) {
	return s.raw(ctx, key)
}

// List returns settings with secret values masked.
func (s *SystemSettingsService) List(ctx context.Context, prefix string, limit, offset int) ([]models.SystemSetting, error) {
	if s == nil || s.Repo == nil {
		return nil, nil
	}
	params := repository.ListSystemSettingsParams{Limit: limit, Offset: offset, OrderBy: "key"}
	if p := strings.TrimSpace(prefix); p != "" {
		params.Prefix = &p
	}
	asc := true
	params.Asc = &asc
	items, err := s.Repo.ListSystemSettings(ctx, params)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if custody.IsSensitiveSetting(items[i].Key) {
			items[i].Value = models.JSON(`"***"`)
		}
	}
	return items, nil
}

func (s *SystemSettingsService) raw(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.Repo == nil {
		return nil, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	item, err := s.Repo.GetSystemSettingByKey(ctx, key)
	if err != nil || item == nil {
		return nil, err
	}
	return s.Sealer.RevealSetting(key, item.Value), nil
}

func parseDecimal(raw []byte) (decimal.Decimal, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return decimal.NewFromString(strings.TrimSpace(str))
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return decimal.Zero, fmt.Errorf("not a number: %s", string(raw))
	}
	if _, err := strconv.ParseFloat(num.String(), 64); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(num.String())
}
