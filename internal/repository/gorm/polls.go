package gormrepository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"rewardhub/internal/models"
)

func (s *Store) GetActivePoll(ctx context.Context) (*models.Poll, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	return first[models.Poll](s.db.WithContext(ctx).Where("status = ?", models.StatusActive).Order("id desc"))
}

func (s *Store) ListActivePolls(ctx context.Context) ([]models.Poll, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Poll
	err := s.db.WithContext(ctx).Where("status = ?", models.StatusActive).Order("id asc").Find(&items).Error
	return items, err
}

func (s *Store) ListDuePolls(ctx context.Context, now time.Time) ([]models.Poll, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Poll
	err := s.db.WithContext(ctx).
		Where("status = ? AND closes_at <= ?", models.StatusActive, now.UTC()).
		Order("id asc").
		Find(&items).Error
	return items, err
}

func (s *Store) CreatePollTx(ctx context.Context, tx *gorm.DB, poll *models.Poll, items []models.PollInstrument) error {
	if tx == nil || poll == nil {
		return nil
	}
	if err := tx.WithContext(ctx).Create(poll).Error; err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		items[i].PollID = poll.ID
	}
	return tx.WithContext(ctx).Create(&items).Error
}

func (s *Store) ListCategories(ctx context.Context) ([]models.InstrumentCategory, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.InstrumentCategory
	err := s.db.WithContext(ctx).Order("id asc").Find(&items).Error
	return items, err
}

func (s *Store) ListInstrumentsByCategory(ctx context.Context, categoryID uint64) ([]models.Instrument, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Instrument
	err := s.db.WithContext(ctx).Where("category_id = ?", categoryID).Order("id asc").Find(&items).Error
	return items, err
}

func (s *Store) ListPollInstruments(ctx context.Context, pollID uint64) ([]models.PollInstrument, error) {
	if s == nil || s.db == nil || pollID == 0 {
		return nil, nil
	}
	var items []models.PollInstrument
	err := s.db.WithContext(ctx).Where("poll_id = ?", pollID).Order("id asc").Find(&items).Error
	return items, err
}

func (s *Store) HasPrediction(ctx context.Context, pollID, userID, instrumentID uint64) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Prediction{}).
		Where("poll_id = ? AND user_id = ? AND instrument_id = ?", pollID, userID, instrumentID).
		Count(&n).Error
	return n > 0, err
}

func (s *Store) InsertPrediction(ctx context.Context, item *models.Prediction) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListPredictions(ctx context.Context, pollID uint64) ([]models.Prediction, error) {
	if s == nil || s.db == nil || pollID == 0 {
		return nil, nil
	}
	var items []models.Prediction
	err := s.db.WithContext(ctx).Where("poll_id = ?", pollID).Order("id asc").Find(&items).Error
	return items, err
}

func (s *Store) UpdatePredictionResolution(ctx context.Context, id uint64, resolved decimal.Decimal, deviation *decimal.Decimal) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	updates := map[string]any{
		"resolved_price":    resolved,
		"deviation_percent": nil,
		"updated_at":        time.Now().UTC(),
	}
	if deviation != nil {
		updates["deviation_percent"] = *deviation
	}
	return s.db.WithContext(ctx).Model(&models.Prediction{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) UpdatePollReferencePrices(ctx context.Context, pollID uint64, raw []byte) error {
	if s == nil || s.db == nil || pollID == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.Poll{}).
		Where("id = ?", pollID).
		Updates(map[string]any{
			"reference_prices": models.JSON(raw),
			"updated_at":       time.Now().UTC(),
		}).Error
}

func (s *Store) CompletePoll(ctx context.Context, id uint64, at time.Time) (bool, error) {
	if s == nil || s.db == nil || id == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Poll{}).
		Where("id = ? AND status = ?", id, models.StatusActive).
		Updates(map[string]any{
			"status":      models.StatusCompleted,
			"resolved_at": at.UTC(),
			"updated_at":  time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (s *Store) ListUnsettledPolls(ctx context.Context) ([]models.Poll, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Poll
	err := s.db.WithContext(ctx).
		Where("status = ? AND settled_at IS NULL", models.StatusCompleted).
		Order("id asc").
		Find(&items).Error
	return items, err
}

func (s *Store) MarkPollSettled(ctx context.Context, id uint64, at time.Time) (bool, error) {
	if s == nil || s.db == nil || id == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Poll{}).
		Where("id = ? AND status = ? AND settled_at IS NULL", id, models.StatusCompleted).
		Updates(map[string]any{
			"settled_at": at.UTC(),
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}
