// Package points pays the weekly points pool pro rata to users' points.
package points

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"rewardhub/internal/allocation"
	"rewardhub/internal/config"
	"rewardhub/internal/models"
	"rewardhub/internal/paas"
	"rewardhub/internal/repository"
	"rewardhub/internal/service"
	"rewardhub/internal/settlement"
)

type Store interface {
	repository.ParticipantRepository
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type Distributor struct {
	Store     Store
	Settings  *service.SystemSettingsService
	Payer     settlement.Payer
	Notifier  paas.Notifier
	Logger    *zap.Logger
	Config    config.PointsConfig
	Precision int32
}

type Report struct {
	Week        string            `json:"week"`
	Pool        decimal.Decimal   `json:"pool"`
	TotalPoints decimal.Decimal   `json:"total_points"`
	Lines       []settlement.Line `json:"lines"`
	Totals      settlement.Totals `json:"totals"`
	Reset       int               `json:"reset"`
}

// Week labels the ISO week containing t, e.g. "2026-W10".
func Week(t time.Time) string {
	y, w := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

func Key(week string, userID uint64) string {
	return fmt.Sprintf("points:%s:%d", week, userID)
}

// Distribute splits the points pool across users with weekly points and
// resets their points. Users whose payout failed keep their points so a rerun
// in the same week retries under the same key.
func (d *Distributor) Distribute(ctx context.Context, now time.Time) (*Report, error) {
	report := &Report{Week: Week(now)}
	pool, err := d.Settings.PointsPoolSize(ctx, decimal.NewFromFloat(d.Config.DefaultPoolSize))
	if err != nil {
		return nil, err
	}
	report.Pool = pool
	users, err := d.Store.ListUsersWithPoints(ctx)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 || !pool.IsPositive() {
		return report, nil
	}

	byID := make(map[uint64]*models.User, len(users))
	weights := make([]allocation.Weight, 0, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
		weights = append(weights, allocation.Weight{ID: users[i].ID, Weight: users[i].WeeklyPoints})
		report.TotalPoints = report.TotalPoints.Add(users[i].WeeklyPoints)
	}

	failed := map[uint64]bool{}
	for _, share := range allocation.ProRata(pool, weights, d.precision()) {
		u := byID[share.ID]
		req := settlement.Request{
			Identity:       settlement.HoldingIdentity,
			Recipient:      u.PayoutAddress(),
			Amount:         share.Amount,
			IdempotencyKey: Key(report.Week, u.ID),
			Reason:         "points_payout",
		}
		out := d.Payer.Payout(ctx, req)
		l := settlement.LineFor(req, "points", u.ID, out)
		report.Lines = append(report.Lines, l)
		report.Totals.Add(l)
		switch out.Kind {
		case settlement.Paid:
			if d.Notifier != nil {
				d.Notifier.Notify(ctx, paas.Notification{
					Event:     paas.EventPointsPayout,
					UserID:    u.ID,
					Recipient: req.Recipient,
					Amount:    share.Amount,
					TxHash:    out.Receipt.TxHash,
					Key:       req.IdempotencyKey,
				})
			}
		case settlement.Failed:
			failed[u.ID] = true
		}
	}

	reset := make([]uint64, 0, len(users))
	for _, u := range users {
		if !failed[u.ID] {
			reset = append(reset, u.ID)
		}
	}
	err = d.Store.InTx(ctx, func(tx *gorm.DB) error {
		return d.Store.ResetWeeklyPointsTx(ctx, tx, reset)
	})
	if err != nil {
		return report, err
	}
	report.Reset = len(reset)
	d.logger().Info("points distributed",
		zap.String("week", report.Week),
		zap.String("pool", pool.String()),
		zap.Int("paid", report.Totals.Paid),
		zap.Int("skipped", report.Totals.Skipped),
		zap.Int("failed", report.Totals.Failed),
	)
	return report, nil
}

func (d *Distributor) precision() int32 {
	if d.Precision <= 0 {
		return 18
	}
	return d.Precision
}

func (d *Distributor) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
