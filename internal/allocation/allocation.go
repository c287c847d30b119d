// Package allocation splits reward pools. Every function is pure; amounts are
// rounded down to the configured precision so a split never exceeds its pool.
package allocation

import (
	"errors"
	"math/rand/v2"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativePool = errors.New("allocation: pool must not be negative")
	ErrBadShares    = errors.New("allocation: shares exceed the pool")
)

// ContestRule describes how a contest pool is divided.
type ContestRule struct {
	WinnerShare decimal.Decimal
	VoterShare  decimal.Decimal
	// PlaceShares are fractions of the winner pool, 1st place first.
	PlaceShares []decimal.Decimal
	Precision   int32
}

func DefaultContestRule() ContestRule {
	return ContestRule{
		WinnerShare: decimal.RequireFromString("0.70"),
		VoterShare:  decimal.RequireFromString("0.30"),
		PlaceShares: []decimal.Decimal{
			decimal.RequireFromString("0.35"),
			decimal.RequireFromString("0.25"),
			decimal.RequireFromString("0.20"),
		},
		Precision: 18,
	}
}

func (r ContestRule) Validate() error {
	if r.WinnerShare.IsNegative() || r.VoterShare.IsNegative() {
		return ErrBadShares
	}
	if r.WinnerShare.Add(r.VoterShare).GreaterThan(decimal.NewFromInt(1)) {
		return ErrBadShares
	}
	sum := decimal.Zero
	for _, s := range r.PlaceShares {
		if s.IsNegative() {
			return ErrBadShares
		}
		sum = sum.Add(s)
	}
	if sum.GreaterThan(decimal.NewFromInt(1)) {
		return ErrBadShares
	}
	return nil
}

// Tally is one candidate's vote count plus the attributes used to break ties.
type Tally struct {
	CandidateID   uint64
	ParticipantID uint64
	Votes         int
	SuccessRate   decimal.Decimal
	SampleSize    int
}

// RankTallies orders by votes, then success rate, then sample size, all
// descending, and finally by candidate id ascending. The order is total, so
// equal vote counts always rank the same way.
func RankTallies(items []Tally) []Tally {
	out := append([]Tally(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Votes != b.Votes {
			return a.Votes > b.Votes
		}
		if c := a.SuccessRate.Cmp(b.SuccessRate); c != 0 {
			return c > 0
		}
		if a.SampleSize != b.SampleSize {
			return a.SampleSize > b.SampleSize
		}
		return a.CandidateID < b.CandidateID
	})
	return out
}

// Winners returns up to places ranked tallies that received at least one vote.
func Winners(items []Tally, places int) []Tally {
	ranked := RankTallies(items)
	out := make([]Tally, 0, places)
	for _, t := range ranked {
		if len(out) >= places {
			break
		}
		if t.Votes <= 0 {
			break
		}
		out = append(out, t)
	}
	return out
}

type ContestSplit struct {
	WinnerPool decimal.Decimal
	VoterPool  decimal.Decimal
	// Places holds one amount per awarded place.
	Places   []decimal.Decimal
	PerVoter decimal.Decimal
	Total    decimal.Decimal
}

// SplitContest computes place amounts for the awarded places and the equal
// share per distinct voter. Unawarded places are not redistributed.
func SplitContest(pool decimal.Decimal, awarded, voters int, rule ContestRule) (ContestSplit, error) {
	if pool.IsNegative() {
		return ContestSplit{}, ErrNegativePool
	}
	if err := rule.Validate(); err != nil {
		return ContestSplit{}, err
	}
	out := ContestSplit{
		WinnerPool: floor(pool.Mul(rule.WinnerShare), rule.Precision),
		VoterPool:  floor(pool.Mul(rule.VoterShare), rule.Precision),
		PerVoter:   decimal.Zero,
		Total:      decimal.Zero,
	}
	if awarded > len(rule.PlaceShares) {
		awarded = len(rule.PlaceShares)
	}
	for i := 0; i < awarded; i++ {
		amt := floor(out.WinnerPool.Mul(rule.PlaceShares[i]), rule.Precision)
		out.Places = append(out.Places, amt)
		out.Total = out.Total.Add(amt)
	}
	if awarded > 0 && voters > 0 {
		out.PerVoter = EvenSplit(out.VoterPool, voters, rule.Precision)
		out.Total = out.Total.Add(out.PerVoter.Mul(decimal.NewFromInt(int64(voters))))
	}
	return out, nil
}

// EvenSplit divides pool into n equal parts rounded down.
func EvenSplit(pool decimal.Decimal, n int, precision int32) decimal.Decimal {
	if n <= 0 || !pool.IsPositive() {
		return decimal.Zero
	}
	return floor(pool.DivRound(decimal.NewFromInt(int64(n)), precision+4), precision)
}

type Weight struct {
	ID     uint64
	Weight decimal.Decimal
}

type Share struct {
	ID     uint64
	Amount decimal.Decimal
}

// ProRata splits pool proportionally to positive weights.
func ProRata(pool decimal.Decimal, weights []Weight, precision int32) []Share {
	if !pool.IsPositive() {
		return nil
	}
	total := decimal.Zero
	for _, w := range weights {
		if w.Weight.IsPositive() {
			total = total.Add(w.Weight)
		}
	}
	if !total.IsPositive() {
		return nil
	}
	out := make([]Share, 0, len(weights))
	for _, w := range weights {
		if !w.Weight.IsPositive() {
			continue
		}
		amt := floor(pool.Mul(w.Weight).DivRound(total, precision+4), precision)
		if amt.IsPositive() {
			out = append(out, Share{ID: w.ID, Amount: amt})
		}
	}
	return out
}

// Guess is one prediction's deviation; nil Deviation never wins.
type Guess struct {
	PredictionID uint64
	UserID       uint64
	Deviation    *decimal.Decimal
}

// ClosestGuess returns the guess with the smallest absolute deviation. Ties
// are broken uniformly at random with rng (nil uses the global source).
func ClosestGuess(guesses []Guess, rng *rand.Rand) (Guess, bool) {
	var best []Guess
	var bestAbs decimal.Decimal
	for _, g := range guesses {
		if g.Deviation == nil {
			continue
		}
		abs := g.Deviation.Abs()
		switch {
		case len(best) == 0 || abs.LessThan(bestAbs):
			best = []Guess{g}
			bestAbs = abs
		case abs.Equal(bestAbs):
			best = append(best, g)
		}
	}
	if len(best) == 0 {
		return Guess{}, false
	}
	if len(best) == 1 {
		return best[0], true
	}
	if rng == nil {
		return best[rand.IntN(len(best))], true
	}
	return best[rng.IntN(len(best))], true
}

// DeviationPercent is (reference - predicted) / predicted * 100, nil when
// predicted is zero.
func DeviationPercent(reference, predicted decimal.Decimal) *decimal.Decimal {
	if predicted.IsZero() {
		return nil
	}
	d := reference.Sub(predicted).DivRound(predicted, 12).Mul(decimal.NewFromInt(100))
	return &d
}

func floor(d decimal.Decimal, precision int32) decimal.Decimal {
	return d.RoundFloor(precision)
}
