// Package contest runs the best-setup contest: candidates are drawn from
// premium users' setups, users vote, and the pool is paid to the top setups'
// owners and to the voters who backed them.
package contest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"rewardhub/internal/allocation"
	"rewardhub/internal/config"
	"rewardhub/internal/models"
	"rewardhub/internal/paas"
	"rewardhub/internal/repository"
	"rewardhub/internal/rewarderr"
	"rewardhub/internal/service"
	"rewardhub/internal/settlement"
)

const (
	RoleWinner = "winner"
	RoleVoter  = "voter"
)

type Store interface {
	repository.ContestRepository
	repository.ParticipantRepository
}

type Manager struct {
	Store    Store
	Settings *service.SystemSettingsService
	Payer    settlement.Payer
	Notifier paas.Notifier
	Logger   *zap.Logger
	Config   config.ContestConfig

	// Precision is the token's decimal places; amounts are rounded down to it.
	Precision int32
}

type Standing struct {
	models.Candidate
	Votes int `json:"votes"`
}

type Report struct {
	ContestID uint64             `json:"contest_id"`
	Ref       string             `json:"ref"`
	Pool      decimal.Decimal    `json:"pool"`
	Winners   []allocation.Tally `json:"winners"`
	Voters    int                `json:"voters"`
	Lines     []settlement.Line  `json:"lines"`
	Totals    settlement.Totals  `json:"totals"`
}

func WinnerKey(ref string, place int, userID uint64) string {
	return fmt.Sprintf("contest:%s:winner:%d:%d", ref, place, userID)
}

func VoterKey(ref string, userID uint64) string {
	return fmt.Sprintf("contest:%s:voter:%d", ref, userID)
}

// Open starts a new contest, wiping the previous one. A completed contest
// whose payouts were never attempted blocks it.
func (m *Manager) Open(ctx context.Context, now time.Time) (*models.Contest, error) {
	now = now.UTC()
	var created *models.Contest
	err := m.Store.InTx(ctx, func(tx *gorm.DB) error {
		active, err := m.Store.GetActiveContestTx(ctx, tx)
		if err != nil {
			return err
		}
		if active != nil {
			return rewarderr.ErrAlreadyActive
		}
		pending, err := m.Store.GetUnsettledContestTx(ctx, tx)
		if err != nil {
			return err
		}
		if pending != nil {
			return rewarderr.ErrNotSettled.Wrap(fmt.Errorf("contest %s", pending.Ref))
		}
		last, err := m.Settings.LockedTimeTx(ctx, tx, service.SettingContestLastOpen)
		if err != nil {
			return err
		}
		if last != nil && now.Sub(*last) < m.Config.Cooldown {
			return rewarderr.ErrTooSoon.Wrap(fmt.Errorf("last contest opened at %s", last.Format(time.RFC3339)))
		}
		if err := m.Store.ResetContestsTx(ctx, tx); err != nil {
			return err
		}
		c := &models.Contest{
			Ref:      uuid.NewString(),
			OpensAt:  now,
			ClosesAt: now.Add(m.duration()),
			Status:   models.StatusActive,
		}
		if err := m.Store.CreateContestTx(ctx, tx, c); err != nil {
			if repository.IsUniqueViolation(err) {
				return rewarderr.ErrAlreadyActive
			}
			return err
		}
		if err := m.Settings.SetTimeTx(ctx, tx, service.SettingContestLastOpen, now); err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	n, err := m.PopulateCandidates(ctx, created.ID, now)
	if err != nil {
		return created, fmt.Errorf("populate candidates: %w", err)
	}
	m.logger().Info("contest opened",
		zap.Uint64("contest_id", created.ID),
		zap.String("ref", created.Ref),
		zap.Time("closes_at", created.ClosesAt),
		zap.Int("candidates", n),
	)
	return created, nil
}

// PopulateCandidates freezes the eligible setups into the contest and returns
// how many were stored.
func (m *Manager) PopulateCandidates(ctx context.Context, contestID uint64, now time.Time) (int, error) {
	users, err := m.Store.ListPremiumUsers(ctx)
	if err != nil {
		return 0, err
	}
	userIDs := make([]uint64, 0, len(users))
	for _, u := range users {
		userIDs = append(userIDs, u.ID)
	}
	spammers, err := m.spammers(ctx, userIDs, now)
	if err != nil {
		return 0, err
	}
	eligible := make([]uint64, 0, len(userIDs))
	for _, id := range userIDs {
		if spammers[id] {
			m.logger().Info("contest: spammer excluded", zap.Uint64("user_id", id))
			continue
		}
		eligible = append(eligible, id)
	}
	setups, err := m.Store.ListSetupsByUserIDs(ctx, eligible)
	if err != nil {
		return 0, err
	}
	setupIDs := make([]uint64, 0, len(setups))
	for _, s := range setups {
		setupIDs = append(setupIDs, s.ID)
	}
	stats, err := m.Store.ListSetupStats(ctx, setupIDs)
	if err != nil {
		return 0, err
	}
	byID := make(map[uint64]repository.SetupStat, len(stats))
	for _, st := range stats {
		byID[st.SetupID] = st
	}

	minSample := m.Config.MinSampleSize
	minRate := decimal.NewFromFloat(m.Config.MinSuccessRate)
	maxRate := decimal.NewFromFloat(m.Config.MaxSuccessRate)
	hundred := decimal.NewFromInt(100)

	items := make([]models.Candidate, 0)
	for _, s := range setups {
		st := byID[s.ID]
		if st.SampleSize == 0 || int(st.SampleSize) < minSample {
			continue
		}
		rate := decimal.NewFromInt(st.Wins).Mul(hundred).DivRound(decimal.NewFromInt(st.SampleSize), 4)
		if rate.LessThan(minRate) || rate.GreaterThan(maxRate) {
			continue
		}
		items = append(items, models.Candidate{
			ContestID:     contestID,
			ParticipantID: s.UserID,
			SetupID:       s.ID,
			SetupName:     s.Name,
			SampleSize:    int(st.SampleSize),
			SuccessRate:   rate,
			DisplayRef:    s.ScreenshotKey,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if c := a.SuccessRate.Cmp(b.SuccessRate); c != 0 {
			return c > 0
		}
		if a.SampleSize != b.SampleSize {
			return a.SampleSize > b.SampleSize
		}
		return a.SetupID < b.SetupID
	})
	if limit := m.maxCandidates(); len(items) > limit {
		items = items[:limit]
	}
	if err := m.Store.InsertCandidates(ctx, items); err != nil {
		return 0, err
	}
	return len(items), nil
}

// spammers flags users with too many busy days in the trailing window.
// The window covers whole UTC days ending with today.
func (m *Manager) spammers(ctx context.Context, userIDs []uint64, now time.Time) (map[uint64]bool, error) {
	out := map[uint64]bool{}
	f := m.Config.SpamFilter
	if !f.Enabled || len(userIDs) == 0 {
		return out, nil
	}
	window := f.WindowDays
	if window <= 0 {
		window = 7
	}
	today := now.UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(window - 1))
	counts, err := m.Store.ListDailyTradeCounts(ctx, userIDs, since)
	if err != nil {
		return nil, err
	}
	busy := map[uint64]int{}
	for _, c := range counts {
		if c.Trades >= int64(f.TradesPerDay) {
			busy[c.UserID]++
		}
	}
	for id, days := range busy {
		if days >= f.MaxBusyDays {
			out[id] = true
		}
	}
	return out, nil
}

func (m *Manager) CastVote(ctx context.Context, voterID, candidateID uint64, now time.Time) (*models.Vote, error) {
	c, err := m.Active(ctx, now)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, rewarderr.ErrNoActiveContest
	}
	voter, err := m.Store.GetUser(ctx, voterID)
	if err != nil {
		return nil, err
	}
	if voter == nil || voter.PayoutAddress() == "" {
		return nil, rewarderr.ErrWalletRequired
	}
	cand, err := m.Store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if cand == nil || cand.ContestID != c.ID {
		return nil, rewarderr.ErrInvalidCandidate
	}
	voted, err := m.Store.HasVoted(ctx, c.ID, voterID)
	if err != nil {
		return nil, err
	}
	if voted {
		return nil, rewarderr.ErrAlreadyVoted
	}
	v := &models.Vote{ContestID: c.ID, VoterID: voterID, CandidateID: cand.ID}
	if err := m.Store.InsertVote(ctx, v); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, rewarderr.ErrAlreadyVoted
		}
		return nil, err
	}
	return v, nil
}

// Finalize completes the active contest once it has closed and settles it.
// A completed contest whose settlement failed is settled again on the next
// call; payouts are keyed so paid lines are not repeated. It returns a nil
// report when there is nothing to do.
func (m *Manager) Finalize(ctx context.Context, now time.Time) (*Report, error) {
	now = now.UTC()
	c, err := m.Store.GetActiveContest(ctx)
	if err != nil {
		return nil, err
	}
	if c != nil && !c.ClosesAt.After(now) {
		if _, err := m.Store.CompleteContest(ctx, c.ID, now); err != nil {
			return nil, err
		}
	}
	c, err = m.Store.GetUnsettledContest(ctx)
	if err != nil || c == nil {
		return nil, err
	}
	report, err := m.settle(ctx, c)
	if err != nil {
		m.logger().Error("contest settle failed", zap.Uint64("contest_id", c.ID), zap.Error(err))
		return report, err
	}
	if _, err := m.Store.MarkContestSettled(ctx, c.ID, now); err != nil {
		return report, err
	}
	m.logger().Info("contest finalized",
		zap.Uint64("contest_id", c.ID),
		zap.Int("winners", len(report.Winners)),
		zap.Int("voters", report.Voters),
		zap.Int("paid", report.Totals.Paid),
		zap.Int("failed", report.Totals.Failed),
		zap.Int("skipped", report.Totals.Skipped),
	)
	return report, nil
}

// ForceFinalize closes the active contest now and finalizes it. With no
// active contest it retries an unsettled one.
func (m *Manager) ForceFinalize(ctx context.Context, now time.Time) (*Report, error) {
	c, err := m.Store.GetActiveContest(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		pending, err := m.Store.GetUnsettledContest(ctx)
		if err != nil {
			return nil, err
		}
		if pending == nil {
			return nil, rewarderr.ErrNoActiveContest
		}
		return m.Finalize(ctx, now)
	}
	if _, err := m.Store.RewindContestClose(ctx, c.ID, now.Add(-time.Second)); err != nil {
		return nil, err
	}
	return m.Finalize(ctx, now)
}

func (m *Manager) settle(ctx context.Context, c *models.Contest) (*Report, error) {
	report := &Report{ContestID: c.ID, Ref: c.Ref}
	candidates, err := m.Store.ListCandidates(ctx, c.ID)
	if err != nil {
		return report, err
	}
	votes, err := m.Store.ListVotes(ctx, c.ID)
	if err != nil {
		return report, err
	}
	winners := allocation.Winners(tallies(candidates, votes), len(m.rule().PlaceShares))
	report.Winners = winners

	winning := map[uint64]bool{}
	for _, w := range winners {
		winning[w.CandidateID] = true
	}
	seen := map[uint64]bool{}
	voters := make([]uint64, 0)
	for _, v := range votes {
		if winning[v.CandidateID] && !seen[v.VoterID] {
			seen[v.VoterID] = true
			voters = append(voters, v.VoterID)
		}
	}
	report.Voters = len(voters)

	pool, err := m.Settings.ContestPoolSize(ctx, decimal.NewFromFloat(m.Config.DefaultPoolSize))
	if err != nil {
		return report, err
	}
	report.Pool = pool
	split, err := allocation.SplitContest(pool, len(winners), len(voters), m.rule())
	if err != nil {
		return report, err
	}

	for i, w := range winners {
		m.pay(ctx, report, RoleWinner, w.ParticipantID, split.Places[i], WinnerKey(c.Ref, i+1, w.ParticipantID))
	}
	if split.PerVoter.IsPositive() {
		for _, id := range voters {
			m.pay(ctx, report, RoleVoter, id, split.PerVoter, VoterKey(c.Ref, id))
		}
	}
	return report, nil
}

func (m *Manager) pay(ctx context.Context, report *Report, role string, userID uint64, amount decimal.Decimal, key string) {
	if !amount.IsPositive() {
		return
	}
	recipient := ""
	user, err := m.Store.GetUser(ctx, userID)
	if err != nil {
		out := settlement.Outcome{Kind: settlement.Failed, Reason: "user_lookup", Err: err}
		m.add(report, settlement.LineFor(settlement.Request{IdempotencyKey: key, Amount: amount}, role, userID, out))
		return
	}
	if user != nil {
		recipient = user.PayoutAddress()
	}
	req := settlement.Request{
		Identity:       settlement.HoldingIdentity,
		Recipient:      recipient,
		Amount:         amount,
		IdempotencyKey: key,
		Reason:         "contest_" + role,
	}
	out := m.Payer.Payout(ctx, req)
	m.add(report, settlement.LineFor(req, role, userID, out))
	if out.Kind == settlement.Paid && m.Notifier != nil {
		m.Notifier.Notify(ctx, paas.Notification{
			Event:     paas.EventContestPayout,
			UserID:    userID,
			Recipient: recipient,
			Amount:    amount,
			TxHash:    out.Receipt.TxHash,
			Key:       key,
		})
	}
}

func (m *Manager) add(report *Report, l settlement.Line) {
	report.Lines = append(report.Lines, l)
	report.Totals.Add(l)
}

// Active returns the contest open for voting at now, or nil.
func (m *Manager) Active(ctx context.Context, now time.Time) (*models.Contest, error) {
	c, err := m.Store.GetActiveContest(ctx)
	if err != nil || c == nil {
		return nil, err
	}
	if !c.ClosesAt.After(now) {
		return nil, nil
	}
	return c, nil
}

// Candidates lists the active contest's candidates with their vote counts.
func (m *Manager) Candidates(ctx context.Context) ([]Standing, error) {
	c, err := m.Store.GetActiveContest(ctx)
	if err != nil || c == nil {
		return nil, err
	}
	candidates, err := m.Store.ListCandidates(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	votes, err := m.Store.ListVotes(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	counts := map[uint64]int{}
	for _, v := range votes {
		counts[v.CandidateID]++
	}
	out := make([]Standing, 0, len(candidates))
	for _, cand := range candidates {
		out = append(out, Standing{Candidate: cand, Votes: counts[cand.ID]})
	}
	return out, nil
}

func tallies(candidates []models.Candidate, votes []models.Vote) []allocation.Tally {
	counts := map[uint64]int{}
	for _, v := range votes {
		counts[v.CandidateID]++
	}
	out := make([]allocation.Tally, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, allocation.Tally{
			CandidateID:   c.ID,
			ParticipantID: c.ParticipantID,
			Votes:         counts[c.ID],
			SuccessRate:   c.SuccessRate,
			SampleSize:    c.SampleSize,
		})
	}
	return out
}

func (m *Manager) rule() allocation.ContestRule {
	r := allocation.DefaultContestRule()
	if m.Config.WinnerShare > 0 {
		r.WinnerShare = decimal.NewFromFloat(m.Config.WinnerShare)
	}
	if m.Config.VoterShare > 0 {
		r.VoterShare = decimal.NewFromFloat(m.Config.VoterShare)
	}
	if len(m.Config.PlaceShares) > 0 {
		r.PlaceShares = make([]decimal.Decimal, 0, len(m.Config.PlaceShares))
		for _, s := range m.Config.PlaceShares {
			r.PlaceShares = append(r.PlaceShares, decimal.NewFromFloat(s))
		}
	}
	if m.Precision > 0 {
		r.Precision = m.Precision
	}
	return r
}

func (m *Manager) duration() time.Duration {
	if m.Config.Duration <= 0 {
		return 7 * 24 * time.Hour
	}
	return m.Config.Duration
}

func (m *Manager) maxCandidates() int {
	if m.Config.MaxCandidates <= 0 {
		return 15
	}
	return m.Config.MaxCandidates
}

func (m *Manager) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}
