package gormrepository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"rewardhub/internal/models"
)

func (s *Store) GetActiveContest(ctx context.Context) (*models.Contest, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	return s.GetActiveContestTx(ctx, s.db)
}

func (s *Store) GetActiveContestTx(ctx context.Context, tx *gorm.DB) (*models.Contest, error) {
	if tx == nil {
		return nil, nil
	}
	return first[models.Contest](tx.WithContext(ctx).Where("status = ?", models.StatusActive).Order("id desc"))
}

// ResetContestsTx drops every contest with its candidates and votes.
// Only the current contest's data is kept between runs.
func (s *Store) ResetContestsTx(ctx context.Context, tx *gorm.DB) error {
	if tx == nil {
		return nil
	}
	q := tx.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})
	if err := q.Delete(&models.Vote{}).Error; err != nil {
		return err
	}
	if err := q.Delete(&models.Candidate{}).Error; err != nil {
		return err
	}
	return q.Delete(&models.Contest{}).Error
}

func (s *Store) CreateContestTx(ctx context.Context, tx *gorm.DB, item *models.Contest) error {
	if tx == nil || item == nil {
		return nil
	}
	return tx.WithContext(ctx).Create(item).Error
}

func (s *Store) InsertCandidates(ctx context.Context, items []models.Candidate) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(items, 100).Error
}

func (s *Store) ListCandidates(ctx context.Context, contestID uint64) ([]models.Candidate, error) {
	if s == nil || s.db == nil || contestID == 0 {
		return nil, nil
	}
	var items []models.Candidate
	err := s.db.WithContext(ctx).Where("contest_id = ?", contestID).Order("id asc").Find(&items).Error
	return items, err
}

func (s *Store) GetCandidate(ctx context.Context, id uint64) (*models.Candidate, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	return first[models.Candidate](s.db.WithContext(ctx).Where("id = ?", id))
}

// HasVoted joins votes through candidates so a vote counts for the contest
// its candidate belongs to.
func (s *Store) HasVoted(ctx context.Context, contestID, voterID uint64) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Vote{}).
		Joins("JOIN contest_candidates ON contest_candidates.id = contest_votes.candidate_id").
		Where("contest_candidates.contest_id = ?", contestID).
		Where("contest_votes.voter_id = ?", voterID).
		Count(&n).Error
	return n > 0, err
}

func (s *Store) InsertVote(ctx context.Context, item *models.Vote) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListVotes(ctx context.Context, contestID uint64) ([]models.Vote, error) {
	if s == nil || s.db == nil || contestID == 0 {
		return nil, nil
	}
	var items []models.Vote
	err := s.db.WithContext(ctx).Model(&models.Vote{}).
		Joins("JOIN contest_candidates ON contest_candidates.id = contest_votes.candidate_id").
		Where("contest_candidates.contest_id = ?", contestID).
		Order("contest_votes.id asc").
		Find(&items).Error
	return items, err
}

// CompleteContest flips active to completed; false means another caller won.
func (s *Store) CompleteContest(ctx context.Context, id uint64, at time.Time) (bool, error) {
	if s == nil || s.db == nil || id == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Contest{}).
		Where("id = ? AND status = ?", id, models.StatusActive).
		Updates(map[string]any{
			"status":       models.StatusCompleted,
			"finalized_at": at.UTC(),
			"updated_at":   time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (s *Store) RewindContestClose(ctx context.Context, id uint64, closesAt time.Time) (bool, error) {
	if s == nil || s.db == nil || id == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Contest{}).
		Where("id = ? AND status = ?", id, models.StatusActive).
		Updates(map[string]any{
			"closes_at":  closesAt.UTC(),
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

// GetUnsettledContest returns the oldest completed contest whose payouts have
// not all been attempted.
func (s *Store) GetUnsettledContest(ctx context.Context) (*models.Contest, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	return s.GetUnsettledContestTx(ctx, s.db)
}

func (s *Store) GetUnsettledContestTx(ctx context.Context, tx *gorm.DB) (*models.Contest, error) {
	if tx == nil {
		return nil, nil
	}
	return first[models.Contest](tx.WithContext(ctx).
		Where("status = ? AND settled_at IS NULL", models.StatusCompleted).
		Order("id asc"))
}

func (s *Store) MarkContestSettled(ctx context.Context, id uint64, at time.Time) (bool, error) {
	if s == nil || s.db == nil || id == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Contest{}).
		Where("id = ? AND status = ? AND settled_at IS NULL", id, models.StatusCompleted).
		Updates(map[string]any{
			"settled_at": at.UTC(),
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}
