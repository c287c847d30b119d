package gormrepository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm/clause"

	"rewardhub/internal/models"
	"rewardhub/internal/repository"
)

func (s *Store) GetPaymentByKey(ctx context.Context, key string) (*models.RewardPayment, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	return first[models.RewardPayment](s.db.WithContext(ctx).Where("idempotency_key = ?", key))
}

// CreatePayment inserts the record unless the key already exists.
func (s *Store) CreatePayment(ctx context.Context, item *models.RewardPayment) (bool, error) {
	if s == nil || s.db == nil || item == nil {
		return false, nil
	}
	item.IdempotencyKey = strings.TrimSpace(item.IdempotencyKey)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(item)
	return res.RowsAffected == 1, res.Error
}

// TransitionPayment applies updates only when the record is in one of from.
func (s *Store) TransitionPayment(ctx context.Context, key string, from []string, updates map[string]any) (bool, error) {
	if s == nil || s.db == nil || len(from) == 0 {
		return false, nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).Model(&models.RewardPayment{}).
		Where("idempotency_key = ? AND status IN ?", strings.TrimSpace(key), from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

func (s *Store) UpdatePayment(ctx context.Context, key string, updates map[string]any) error {
	if s == nil || s.db == nil || len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Model(&models.RewardPayment{}).
		Where("idempotency_key = ?", strings.TrimSpace(key)).
		Updates(updates).Error
}

func (s *Store) ListPayments(ctx context.Context, params repository.ListPaymentsParams) ([]models.RewardPayment, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.RewardPayment{})
	if len(params.Statuses) > 0 {
		query = query.Where("status IN ?", params.Statuses)
	}
	if params.Reason != nil && strings.TrimSpace(*params.Reason) != "" {
		query = query.Where("reason = ?", strings.TrimSpace(*params.Reason))
	}
	if params.Identity != nil && strings.TrimSpace(*params.Identity) != "" {
		query = query.Where("identity = ?", strings.TrimSpace(*params.Identity))
	}
	if params.OlderThan != nil && !params.OlderThan.IsZero() {
		query = query.Where("updated_at < ?", params.OlderThan.UTC())
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "id")
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.RewardPayment
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
