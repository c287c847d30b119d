// Package poll runs short price-prediction polls over one instrument from
// each of several categories and pays the closest guess per instrument.
package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"rewardhub/internal/allocation"
	"rewardhub/internal/config"
	"rewardhub/internal/models"
	"rewardhub/internal/paas"
	"rewardhub/internal/pricefeed"
	"rewardhub/internal/repository"
	"rewardhub/internal/rewarderr"
	"rewardhub/internal/service"
	"rewardhub/internal/settlement"
)

type Store interface {
	repository.PollRepository
	repository.ParticipantRepository
}

type Manager struct {
	Store    Store
	Settings *service.SystemSettingsService
	Payer    settlement.Payer
	Feed     pricefeed.Feed
	Notifier paas.Notifier
	Logger   *zap.Logger
	Config   config.PollConfig

	// DefaultPool is used when contest.pool_size is unset.
	DefaultPool decimal.Decimal
	Precision   int32

	// Rand drives instrument selection and tie-breaks. Seed it in tests.
	Rand *rand.Rand
	mu   sync.Mutex
}

type ActivePoll struct {
	models.Poll
	Instruments []models.PollInstrument `json:"instruments"`
}

type Winner struct {
	InstrumentID uint64          `json:"instrument_id"`
	Symbol       string          `json:"symbol"`
	PredictionID uint64          `json:"prediction_id"`
	UserID       uint64          `json:"user_id"`
	Deviation    decimal.Decimal `json:"deviation_percent"`
}

type Result struct {
	PollID  uint64            `json:"poll_id"`
	Ref     string            `json:"ref"`
	Pool    decimal.Decimal   `json:"pool"`
	Winners []Winner          `json:"winners"`
	Lines   []settlement.Line `json:"lines"`
	Totals  settlement.Totals `json:"totals"`
}

type Report struct {
	Results   []Result     `json:"results"`
	NextPoll  *models.Poll `json:"next_poll,omitempty"`
	OpenError string       `json:"open_error,omitempty"`
}

type RefreshReport struct {
	Polls       int `json:"polls"`
	Prices      int `json:"prices"`
	Unavailable int `json:"unavailable"`
	Updated     int `json:"updated"`
}

func InstrumentKey(ref string, instrumentID uint64) string {
	return fmt.Sprintf("poll:%s:instrument:%d", ref, instrumentID)
}

// Open creates a poll with one random instrument from each of
// Config.Categories random categories.
func (m *Manager) Open(ctx context.Context, now time.Time) (*ActivePoll, error) {
	now = now.UTC()
	active, err := m.Store.GetActivePoll(ctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, rewarderr.ErrAlreadyActive
	}
	cats, err := m.Store.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	want := m.categories()
	if len(cats) < want {
		return nil, rewarderr.ErrInsufficientCategories.Wrap(fmt.Errorf("have %d, need %d", len(cats), want))
	}

	order := m.perm(len(cats))[:want]
	items := make([]models.PollInstrument, 0, want)
	for _, idx := range order {
		cat := cats[idx]
		instruments, err := m.Store.ListInstrumentsByCategory(ctx, cat.ID)
		if err != nil {
			return nil, err
		}
		if len(instruments) == 0 {
			return nil, rewarderr.ErrNoInstrumentSelected.Wrap(fmt.Errorf("category %s", cat.Name))
		}
		pick := instruments[m.intN(len(instruments))]
		items = append(items, models.PollInstrument{InstrumentID: pick.ID, Symbol: pick.Symbol})
	}

	p := &models.Poll{
		Ref:      uuid.NewString(),
		OpensAt:  now,
		ClosesAt: now.Add(m.duration()),
		Status:   models.StatusActive,
	}
	err = m.Store.InTx(ctx, func(tx *gorm.DB) error {
		return m.Store.CreatePollTx(ctx, tx, p, items)
	})
	if err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, rewarderr.ErrAlreadyActive
		}
		return nil, err
	}
	symbols := make([]string, 0, len(items))
	for _, it := range items {
		symbols = append(symbols, it.Symbol)
	}
	m.logger().Info("poll opened", zap.Uint64("poll_id", p.ID), zap.Strings("symbols", symbols), zap.Time("closes_at", p.ClosesAt))
	return &ActivePoll{Poll: *p, Instruments: items}, nil
}

func (m *Manager) SubmitPrediction(ctx context.Context, userID, instrumentID uint64, price decimal.Decimal, now time.Time) (*models.Prediction, error) {
	ap, err := m.Active(ctx, now)
	if err != nil {
		return nil, err
	}
	if ap == nil {
		return nil, rewarderr.ErrNoActivePoll
	}
	found := false
	for _, it := range ap.Instruments {
		if it.InstrumentID == instrumentID {
			found = true
			break
		}
	}
	if !found {
		return nil, rewarderr.ErrInstrumentNotFound
	}
	if price.IsNegative() {
		return nil, rewarderr.ErrInvalidPrice
	}
	dup, err := m.Store.HasPrediction(ctx, ap.ID, userID, instrumentID)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, rewarderr.ErrAlreadyPredicted
	}
	pred := &models.Prediction{PollID: ap.ID, UserID: userID, InstrumentID: instrumentID, PredictedPrice: price}
	if err := m.Store.InsertPrediction(ctx, pred); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, rewarderr.ErrAlreadyPredicted
		}
		return nil, err
	}
	return pred, nil
}

// Active returns the poll accepting predictions at now, or nil.
func (m *Manager) Active(ctx context.Context, now time.Time) (*ActivePoll, error) {
	p, err := m.Store.GetActivePoll(ctx)
	if err != nil || p == nil {
		return nil, err
	}
	if !p.ClosesAt.After(now) {
		return nil, nil
	}
	items, err := m.Store.ListPollInstruments(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return &ActivePoll{Poll: *p, Instruments: items}, nil
}

// RefreshReferencePrices re-prices every active poll's predictions.
func (m *Manager) RefreshReferencePrices(ctx context.Context) (RefreshReport, error) {
	var report RefreshReport
	polls, err := m.Store.ListActivePolls(ctx)
	if err != nil {
		return report, err
	}
	for i := range polls {
		r, err := m.refresh(ctx, &polls[i])
		if err != nil {
			return report, err
		}
		report.Polls++
		report.Prices += r.Prices
		report.Unavailable += r.Unavailable
		report.Updated += r.Updated
	}
	return report, nil
}

func (m *Manager) refresh(ctx context.Context, p *models.Poll) (RefreshReport, error) {
	var report RefreshReport
	items, err := m.Store.ListPollInstruments(ctx, p.ID)
	if err != nil {
		return report, err
	}
	prices := m.fetch(ctx, items)
	snapshot := map[string]string{}
	if len(p.ReferencePrices) > 0 {
		_ = json.Unmarshal(p.ReferencePrices, &snapshot)
	}
	byInstrument := map[uint64]decimal.Decimal{}
	for i, it := range items {
		if prices[i] == nil {
			report.Unavailable++
			continue
		}
		report.Prices++
		byInstrument[it.InstrumentID] = *prices[i]
		snapshot[it.Symbol] = prices[i].String()
	}
	if len(byInstrument) == 0 {
		return report, nil
	}

	preds, err := m.Store.ListPredictions(ctx, p.ID)
	if err != nil {
		return report, err
	}
	for _, pred := range preds {
		ref, ok := byInstrument[pred.InstrumentID]
		if !ok {
			continue
		}
		dev := allocation.DeviationPercent(ref, pred.PredictedPrice)
		if err := m.Store.UpdatePredictionResolution(ctx, pred.ID, ref, dev); err != nil {
			return report, err
		}
		report.Updated++
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return report, err
	}
	if err := m.Store.UpdatePollReferencePrices(ctx, p.ID, raw); err != nil {
		return report, err
	}
	return report, nil
}

// fetch prices every instrument with bounded parallelism. A nil entry means
// the price is unavailable.
func (m *Manager) fetch(ctx context.Context, items []models.PollInstrument) []*decimal.Decimal {
	out := make([]*decimal.Decimal, len(items))
	if m.Feed == nil {
		return out
	}
	var g errgroup.Group
	g.SetLimit(m.parallelism())
	for i, it := range items {
		g.Go(func() error {
			p, ok, err := m.Feed.Price(ctx, it.Symbol)
			if err != nil {
				m.logger().Warn("reference price unavailable", zap.String("symbol", it.Symbol), zap.Error(err))
				return nil
			}
			if ok {
				out[i] = &p
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Resolve completes every poll past its close, settles completed polls not
// yet settled and opens a poll when none is active. A poll whose settlement
// failed is settled again on the next call.
func (m *Manager) Resolve(ctx context.Context, now time.Time) (*Report, error) {
	now = now.UTC()
	due, err := m.Store.ListDuePolls(ctx, now)
	if err != nil {
		return nil, err
	}
	report := &Report{}
	for i := range due {
		p := &due[i]
		if _, err := m.refresh(ctx, p); err != nil {
			m.logger().Warn("final price refresh failed", zap.Uint64("poll_id", p.ID), zap.Error(err))
		}
		if _, err := m.Store.CompletePoll(ctx, p.ID, now); err != nil {
			return report, err
		}
	}

	pending, err := m.Store.ListUnsettledPolls(ctx)
	if err != nil {
		return report, err
	}
	var settleErr error
	for i := range pending {
		p := &pending[i]
		res, err := m.settle(ctx, p)
		if err != nil {
			m.logger().Error("poll settle failed", zap.Uint64("poll_id", p.ID), zap.Error(err))
			if settleErr == nil {
				settleErr = fmt.Errorf("settle poll %d: %w", p.ID, err)
			}
			continue
		}
		if _, err := m.Store.MarkPollSettled(ctx, p.ID, now); err != nil {
			return report, err
		}
		m.logger().Info("poll resolved",
			zap.Uint64("poll_id", p.ID),
			zap.Int("winners", len(res.Winners)),
			zap.Int("paid", res.Totals.Paid),
			zap.Int("failed", res.Totals.Failed),
		)
		report.Results = append(report.Results, res)
	}

	next, err := m.Open(ctx, now)
	switch {
	case err == nil:
		report.NextPoll = &next.Poll
	case errors.Is(err, rewarderr.ErrAlreadyActive):
	default:
		report.OpenError = err.Error()
		m.logger().Warn("next poll not opened", zap.Error(err))
	}
	return report, settleErr
}

func (m *Manager) settle(ctx context.Context, p *models.Poll) (Result, error) {
	res := Result{PollID: p.ID, Ref: p.Ref}
	items, err := m.Store.ListPollInstruments(ctx, p.ID)
	if err != nil {
		return res, err
	}
	preds, err := m.Store.ListPredictions(ctx, p.ID)
	if err != nil {
		return res, err
	}
	byInstrument := map[uint64][]allocation.Guess{}
	for _, pred := range preds {
		byInstrument[pred.InstrumentID] = append(byInstrument[pred.InstrumentID], allocation.Guess{
			PredictionID: pred.ID,
			UserID:       pred.UserID,
			Deviation:    pred.DeviationPercent,
		})
	}
	for _, it := range items {
		g, ok := m.closest(byInstrument[it.InstrumentID])
		if !ok {
			continue
		}
		res.Winners = append(res.Winners, Winner{
			InstrumentID: it.InstrumentID,
			Symbol:       it.Symbol,
			PredictionID: g.PredictionID,
			UserID:       g.UserID,
			Deviation:    *g.Deviation,
		})
	}
	if len(res.Winners) == 0 {
		return res, nil
	}

	pool, err := m.Settings.ContestPoolSize(ctx, m.DefaultPool)
	if err != nil {
		return res, err
	}
	res.Pool = pool.Mul(decimal.NewFromFloat(m.guessFraction())).RoundFloor(m.precision())
	each := allocation.EvenSplit(res.Pool, len(res.Winners), m.precision())
	if !each.IsPositive() {
		return res, nil
	}
	for _, w := range res.Winners {
		m.pay(ctx, &res, w, each)
	}
	return res, nil
}

func (m *Manager) pay(ctx context.Context, res *Result, w Winner, amount decimal.Decimal) {
	key := InstrumentKey(res.Ref, w.InstrumentID)
	req := settlement.Request{
		Identity:       settlement.HoldingIdentity,
		Amount:         amount,
		IdempotencyKey: key,
		Reason:         "poll_winner",
	}
	user, err := m.Store.GetUser(ctx, w.UserID)
	if err != nil {
		l := settlement.LineFor(req, "winner", w.UserID, settlement.Outcome{Kind: settlement.Failed, Reason: "user_lookup", Err: err})
		res.Lines = append(res.Lines, l)
		res.Totals.Add(l)
		return
	}
	if user != nil {
		req.Recipient = user.PayoutAddress()
	}
	out := m.Payer.Payout(ctx, req)
	l := settlement.LineFor(req, "winner", w.UserID, out)
	res.Lines = append(res.Lines, l)
	res.Totals.Add(l)
	if out.Kind == settlement.Paid && m.Notifier != nil {
		m.Notifier.Notify(ctx, paas.Notification{
			Event:     paas.EventPollPayout,
			UserID:    w.UserID,
			Recipient: req.Recipient,
			Amount:    amount,
			TxHash:    out.Receipt.TxHash,
			Key:       key,
		})
	}
}

func (m *Manager) closest(guesses []allocation.Guess) (allocation.Guess, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return allocation.ClosestGuess(guesses, m.Rand)
}

func (m *Manager) perm(n int) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Rand == nil {
		return rand.Perm(n)
	}
	return m.Rand.Perm(n)
}

func (m *Manager) intN(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Rand == nil {
		return rand.IntN(n)
	}
	return m.Rand.IntN(n)
}

func (m *Manager) categories() int {
	if m.Config.Categories <= 0 {
		return 4
	}
	return m.Config.Categories
}

func (m *Manager) duration() time.Duration {
	if m.Config.Duration <= 0 {
		return 10 * time.Minute
	}
	return m.Config.Duration
}

func (m *Manager) parallelism() int {
	if m.Config.RefreshParallelism <= 0 {
		return 4
	}
	return m.Config.RefreshParallelism
}

func (m *Manager) guessFraction() float64 {
	if m.Config.GuessPoolFraction <= 0 {
		return 0.05
	}
	return m.Config.GuessPoolFraction
}

func (m *Manager) precision() int32 {
	if m.Precision <= 0 {
		return 18
	}
	return m.Precision
}

func (m *Manager) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}
