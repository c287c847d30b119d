package contest

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rewardhub/internal/config"
	"rewardhub/internal/db/dbtest"
	"rewardhub/internal/models"
	gormrepository "rewardhub/internal/repository/gorm"
	"rewardhub/internal/rewarderr"
	"rewardhub/internal/service"
	"rewardhub/internal/settlement"
	"rewardhub/internal/settlement/settlementtest"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	store   *gormrepository.Store
	payer   *settlementtest.Payer
	manager *Manager
	nextID  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	g := dbtest.Open(t)
	store := gormrepository.New(g)
	payer := settlementtest.New()
	settings := &service.SystemSettingsService{Repo: store}
	require.NoError(t, settings.SetDecimal(context.Background(), service.SettingContestPoolSize, decimal.NewFromInt(1000)))
	return &fixture{
		db:    g,
		store: store,
		payer: payer,
		manager: &Manager{
			Store:    store,
			Settings: settings,
			Payer:    payer,
			Config: config.ContestConfig{
				Duration:       7 * 24 * time.Hour,
				Cooldown:       30 * 24 * time.Hour,
				MinSampleSize:  10,
				MinSuccessRate: 65,
				MaxSuccessRate: 90,
				MaxCandidates:  15,
				WinnerShare:    0.70,
				VoterShare:     0.30,
				PlaceShares:    []float64{0.35, 0.25, 0.20},
				SpamFilter:     config.SpamFilterConfig{Enabled: true, WindowDays: 7, TradesPerDay: 10, MaxBusyDays: 2},
			},
		},
	}
}

func address(id uint64) string {
	return common.BigToAddress(new(big.Int).SetUint64(1000 + id)).Hex()
}

func (f *fixture) user(t *testing.T, premium bool) *models.User {
	t.Helper()
	f.nextID++
	u := &models.User{Username: fmt.Sprintf("u%d", f.nextID), Premium: premium}
	require.NoError(t, f.db.Create(u).Error)
	addr := address(u.ID)
	u.WalletAddress = &addr
	require.NoError(t, f.db.Save(u).Error)
	return u
}

// owner creates a premium user with one setup holding trades split into wins
// and losses, all opened at the given times.
func (f *fixture) owner(t *testing.T, trades, wins int, openedAt func(i int) time.Time) *models.User {
	t.Helper()
	u := f.user(t, true)
	setup := &models.Setup{UserID: u.ID, Name: "setup-" + u.Username, ScreenshotKey: "shots/" + u.Username + ".png"}
	require.NoError(t, f.db.Create(setup).Error)
	for i := 0; i < trades; i++ {
		pl := decimal.NewFromInt(-1)
		if i < wins {
			pl = decimal.NewFromInt(1)
		}
		require.NoError(t, f.db.Create(&models.Trade{UserID: u.ID, SetupID: setup.ID, ProfitLoss: pl, OpenedAt: openedAt(i)}).Error)
	}
	return u
}

func monthAgo(int) time.Time { return t0.AddDate(0, 0, -30) }

func TestOpenSelectsEligibleCandidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	top := f.owner(t, 10, 9, monthAgo)
	mid := f.owner(t, 12, 9, monthAgo)
	low := f.owner(t, 20, 13, monthAgo)
	// 100%, a sample of 5, and 60% are all out of range.
	f.owner(t, 10, 10, monthAgo)
	f.owner(t, 5, 5, monthAgo)
	f.owner(t, 10, 6, monthAgo)
	// Two busy days this week mark the owner as a spammer.
	f.owner(t, 20, 16, func(i int) time.Time {
		return t0.AddDate(0, 0, -(i / 10)).Add(-time.Duration(i) * time.Minute)
	})
	outsider := f.user(t, false)
	require.NoError(t, f.db.Create(&models.Setup{UserID: outsider.ID, Name: "free"}).Error)

	c, err := f.manager.Open(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, t0.Add(7*24*time.Hour), c.ClosesAt.UTC())

	standings, err := f.manager.Candidates(ctx)
	require.NoError(t, err)
	require.Len(t, standings, 3)
	require.Equal(t, top.ID, standings[0].ParticipantID)
	require.Equal(t, mid.ID, standings[1].ParticipantID)
	require.Equal(t, low.ID, standings[2].ParticipantID)
	require.Equal(t, "shots/"+top.Username+".png", standings[0].DisplayRef)
	require.True(t, standings[1].SuccessRate.Equal(decimal.NewFromInt(75)))

	_, err = f.manager.Open(ctx, t0.Add(time.Minute))
	require.ErrorIs(t, err, rewarderr.ErrAlreadyActive)
}

func TestSpamFilterCanBeDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.manager.Config.SpamFilter.Enabled = false
	f.owner(t, 20, 16, func(i int) time.Time {
		return t0.AddDate(0, 0, -(i / 10))
	})

	_, err := f.manager.Open(ctx, t0)
	require.NoError(t, err)
	standings, err := f.manager.Candidates(ctx)
	require.NoError(t, err)
	require.Len(t, standings, 1)
}

func TestCooldownBetweenContests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.owner(t, 10, 8, monthAgo)

	_, err := f.manager.Open(ctx, t0)
	require.NoError(t, err)
	_, err = f.manager.ForceFinalize(ctx, t0.Add(time.Hour))
	require.NoError(t, err)

	_, err = f.manager.Open(ctx, t0.Add(2*time.Hour))
	require.ErrorIs(t, err, rewarderr.ErrTooSoon)

	next, err := f.manager.Open(ctx, t0.Add(31*24*time.Hour))
	require.NoError(t, err)
	var contests int64
	require.NoError(t, f.db.Model(&models.Contest{}).Count(&contests).Error)
	require.EqualValues(t, 1, contests, "previous contest is wiped on open")
	standings, err := f.manager.Candidates(ctx)
	require.NoError(t, err)
	require.Len(t, standings, 1)
	require.Equal(t, next.ID, standings[0].ContestID)
}

func TestCastVoteRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.owner(t, 10, 8, monthAgo)
	voter := f.user(t, false)

	_, err := f.manager.CastVote(ctx, voter.ID, 1, t0)
	require.ErrorIs(t, err, rewarderr.ErrNoActiveContest)

	_, err = f.manager.Open(ctx, t0)
	require.NoError(t, err)
	standings, err := f.manager.Candidates(ctx)
	require.NoError(t, err)
	cand := standings[0].ID

	noWallet := &models.User{Username: "nowallet"}
	require.NoError(t, f.db.Create(noWallet).Error)
	_, err = f.manager.CastVote(ctx, noWallet.ID, cand, t0.Add(time.Minute))
	require.ErrorIs(t, err, rewarderr.ErrWalletRequired)

	_, err = f.manager.CastVote(ctx, voter.ID, cand+100, t0.Add(time.Minute))
	require.ErrorIs(t, err, rewarderr.ErrInvalidCandidate)

	_, err = f.manager.CastVote(ctx, voter.ID, cand, t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = f.manager.CastVote(ctx, voter.ID, cand, t0.Add(2*time.Minute))
	require.ErrorIs(t, err, rewarderr.ErrAlreadyVoted)

	_, err = f.manager.CastVote(ctx, f.user(t, false).ID, cand, t0.Add(8*24*time.Hour))
	require.ErrorIs(t, err, rewarderr.ErrNoActiveContest, "voting closes with the contest")
}

func TestFinalizePaysWinnersAndVotersOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Success rates rank the two 10-vote candidates.
	owners := []*models.User{
		f.owner(t, 10, 9, monthAgo),  // 90%
		f.owner(t, 10, 8, monthAgo),  // 80%
		f.owner(t, 12, 9, monthAgo),  // 75%
		f.owner(t, 10, 7, monthAgo),  // 70%
		f.owner(t, 20, 13, monthAgo), // 65%
	}
	_, err := f.manager.Open(ctx, t0)
	require.NoError(t, err)
	standings, err := f.manager.Candidates(ctx)
	require.NoError(t, err)
	require.Len(t, standings, 5)

	votes := []int{10, 10, 7, 3, 1}
	winningVoters := 0
	for i, n := range votes {
		for j := 0; j < n; j++ {
			v := f.user(t, false)
			_, err := f.manager.CastVote(ctx, v.ID, standings[i].ID, t0.Add(time.Hour))
			require.NoError(t, err)
			if i < 3 {
				winningVoters++
			}
		}
	}

	report, err := f.manager.Finalize(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Nil(t, report, "contest still open")

	closeAt := t0.Add(7*24*time.Hour + time.Minute)
	report, err = f.manager.Finalize(ctx, closeAt)
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Len(t, report.Winners, 3)
	require.Equal(t, 27, report.Voters)
	require.Equal(t, 30, report.Totals.Paid)

	require.Equal(t, "245", f.payer.PaidTo(*owners[0].WalletAddress).String())
	require.Equal(t, "175", f.payer.PaidTo(*owners[1].WalletAddress).String())
	require.Equal(t, "140", f.payer.PaidTo(*owners[2].WalletAddress).String())
	require.True(t, f.payer.PaidTo(*owners[3].WalletAddress).IsZero())

	perVoter := decimal.NewFromInt(300).DivRound(decimal.NewFromInt(27), 22).RoundFloor(18)
	require.Equal(t, winningVoters, 27)
	require.True(t, report.Totals.PaidAmount.LessThanOrEqual(decimal.NewFromInt(1000)))
	require.True(t, report.Totals.PaidAmount.Equal(decimal.NewFromInt(560).Add(perVoter.Mul(decimal.NewFromInt(27)))))

	for _, req := range f.payer.Sent() {
		require.Equal(t, settlement.HoldingIdentity, req.Identity)
	}
	require.Equal(t, WinnerKey(report.Ref, 1, owners[0].ID), f.payer.Sent()[0].IdempotencyKey)

	again, err := f.manager.Finalize(ctx, closeAt.Add(time.Minute))
	require.NoError(t, err)
	require.Nil(t, again)
	require.Len(t, f.payer.Sent(), 30)
}

func TestFinalizeWithoutVotesPaysNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.owner(t, 10, 8, monthAgo)
	_, err := f.manager.Open(ctx, t0)
	require.NoError(t, err)

	report, err := f.manager.ForceFinalize(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Empty(t, report.Winners)
	require.Empty(t, report.Lines)
	require.Empty(t, f.payer.Calls())

	_, err = f.manager.ForceFinalize(ctx, t0.Add(2*time.Hour))
	require.ErrorIs(t, err, rewarderr.ErrNoActiveContest)
}

func TestWinnerWithoutWalletIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.owner(t, 10, 8, monthAgo)
	require.NoError(t, f.db.Model(&models.User{}).Where("id = ?", owner.ID).Update("wallet_address", nil).Error)

	_, err := f.manager.Open(ctx, t0)
	require.NoError(t, err)
	standings, err := f.manager.Candidates(ctx)
	require.NoError(t, err)
	_, err = f.manager.CastVote(ctx, f.user(t, false).ID, standings[0].ID, t0.Add(time.Minute))
	require.NoError(t, err)

	report, err := f.manager.ForceFinalize(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, report.Totals.Skipped)
	require.Equal(t, 1, report.Totals.Paid)
	require.Equal(t, "missing_recipient", report.Lines[0].Reason)
	require.Equal(t, RoleVoter, report.Lines[1].Role)
	require.Equal(t, "300", report.Lines[1].Amount.String())
}

func TestFailedSettlementIsRetriedAndBlocksOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.owner(t, 10, 8, monthAgo)
	voter := f.user(t, false)

	_, err := f.manager.Open(ctx, t0)
	require.NoError(t, err)
	standings, err := f.manager.Candidates(ctx)
	require.NoError(t, err)
	_, err = f.manager.CastVote(ctx, voter.ID, standings[0].ID, t0.Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, f.manager.Settings.Put(ctx, service.SettingContestPoolSize, []byte(`"lots"`), ""))
	_, err = f.manager.ForceFinalize(ctx, t0.Add(time.Hour))
	require.Error(t, err)
	require.Empty(t, f.payer.Calls())

	_, err = f.manager.Open(ctx, t0.Add(31*24*time.Hour))
	require.ErrorIs(t, err, rewarderr.ErrNotSettled, "an unpaid contest is not wiped")

	require.NoError(t, f.manager.Settings.SetDecimal(ctx, service.SettingContestPoolSize, decimal.NewFromInt(1000)))
	report, err := f.manager.Finalize(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Equal(t, 2, report.Totals.Paid)
	require.Equal(t, "300", f.payer.PaidTo(*voter.WalletAddress).String())

	again, err := f.manager.Finalize(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	require.Nil(t, again)
	require.Len(t, f.payer.Sent(), 2)

	_, err = f.manager.Open(ctx, t0.Add(31*24*time.Hour))
	require.NoError(t, err)
}
