// Package staking keeps project-token stake positions: custodial stakes,
// confirmed deposits, flat reward accrual, claims and unstakes.
package staking

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"rewardhub/internal/config"
	"rewardhub/internal/ledger"
	"rewardhub/internal/models"
	"rewardhub/internal/paas"
	"rewardhub/internal/pricefeed"
	"rewardhub/internal/repository"
	"rewardhub/internal/rewarderr"
	"rewardhub/internal/settlement"
)

type Store interface {
	repository.StakingRepository
	repository.ParticipantRepository
}

// Custody attaches a user's custodial key to the signer and returns the
// identity to pay from. *custody.Wallets implements it.
type Custody interface {
	Attach(user *models.User) (string, common.Address, error)
}

// Chain is the read side of the ledger used to verify deposits.
type Chain interface {
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransfersFromReceipt(receipt *types.Receipt, kind ledger.AssetKind) []ledger.Transfer
	TransfersTo(ctx context.Context, kind ledger.AssetKind, recipient common.Address, from, to uint64) ([]ledger.Transfer, error)
	HeadBlock(ctx context.Context) (uint64, error)
	FromUnits(units *big.Int, kind ledger.AssetKind) decimal.Decimal
}

var _ Chain = (*ledger.Client)(nil)

type Ledger struct {
	Store    Store
	Payer    settlement.Payer
	Custody  Custody
	Chain    Chain
	Feed     pricefeed.Feed
	Notifier paas.Notifier
	Logger   *zap.Logger
	Config   config.StakingConfig

	// Holding receives stakes and pays rewards.
	Holding string
	// Pair is passed to Feed; empty uses the feed's configured pair.
	Pair      string
	Precision int32

	locks keyedMutex
}

type ClaimResult struct {
	UserID    uint64          `json:"user_id"`
	Positions int             `json:"positions"`
	Line      settlement.Line `json:"line"`
}

type UnstakeResult struct {
	UserID    uint64            `json:"user_id"`
	Positions int               `json:"positions"`
	Amount    decimal.Decimal   `json:"amount"`
	Lines     []settlement.Line `json:"lines"`
	// PremiumRevoked is set when no active position remains.
	PremiumRevoked bool `json:"premium_revoked"`
}

// Stake moves usdValue worth of project tokens plus the flat fee from the
// user's custodial wallet to the holding address and opens a position.
func (l *Ledger) Stake(ctx context.Context, userID uint64, usdValue decimal.Decimal, now time.Time) (*models.StakePosition, error) {
	now = now.UTC()
	unlock := l.locks.Lock(userID)
	defer unlock()

	active, err := l.Store.GetActiveStake(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, rewarderr.ErrAlreadyStaked
	}
	user, err := l.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.CustodialAddress == nil || l.Custody == nil {
		return nil, rewarderr.ErrWalletRequired
	}
	identity, _, err := l.Custody.Attach(user)
	if err != nil {
		return nil, rewarderr.ErrWalletRequired.Wrap(err)
	}
	if !usdValue.IsPositive() {
		usdValue = decimal.NewFromFloat(l.Config.StakeUSD)
	}
	if !usdValue.IsPositive() {
		return nil, rewarderr.ErrInvalidAmount
	}
	price, err := l.price(ctx)
	if err != nil {
		return nil, err
	}
	principal := usdValue.DivRound(price, l.precision()+4).RoundFloor(l.precision())
	fee := decimal.NewFromFloat(l.Config.FeeUSD).DivRound(price, l.precision()+4).RoundFloor(l.precision())
	if !principal.IsPositive() {
		return nil, rewarderr.ErrInvalidAmount
	}

	ref := uuid.NewString()
	if fee.IsPositive() {
		req := settlement.Request{
			Identity:       identity,
			Recipient:      l.Holding,
			Amount:         fee,
			Asset:          ledger.AssetProject,
			IdempotencyKey: fmt.Sprintf("stake:%s:fee", ref),
			Reason:         "stake_fee",
		}
		if out := l.Payer.Payout(ctx, req); out.Kind != settlement.Paid {
			return nil, transferError("stake fee", out)
		}
	}
	req := settlement.Request{
		Identity:       identity,
		Recipient:      l.Holding,
		Amount:         principal,
		Asset:          ledger.AssetProject,
		IdempotencyKey: fmt.Sprintf("stake:%s:principal", ref),
		Reason:         "stake_principal",
	}
	out := l.Payer.Payout(ctx, req)
	if out.Kind != settlement.Paid {
		return nil, transferError("stake principal", out)
	}

	pos := &models.StakePosition{
		UserID:             userID,
		ExternalTxRef:      out.Receipt.TxHash,
		StakedAmount:       principal,
		StakedValueAtEntry: usdValue,
		UnlocksAt:          now.Add(l.Config.LockPeriod),
		LastRewardTickAt:   now,
	}
	if err := l.open(ctx, pos); err != nil {
		// The tokens already moved; the tx hash is needed to repair by hand.
		l.logger().Error("stake paid but position not recorded",
			zap.Uint64("user_id", userID),
			zap.String("tx_hash", out.Receipt.TxHash),
			zap.String("amount", principal.String()),
			zap.Error(err),
		)
		return nil, err
	}
	l.logger().Info("stake opened", zap.Uint64("user_id", userID), zap.String("amount", principal.String()), zap.String("usd", usdValue.String()))
	l.notify(ctx, paas.EventStakeCreated, user, principal, out.Receipt.TxHash, req.IdempotencyKey)
	return pos, nil
}

// ConfirmDeposit records a stake the user sent to the holding address
// themselves. txHash can be submitted only once.
func (l *Ledger) ConfirmDeposit(ctx context.Context, userID uint64, txHash string, now time.Time) (*models.StakePosition, error) {
	now = now.UTC()
	unlock := l.locks.Lock(userID)
	defer unlock()

	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if raw, err := hexutil.Decode(txHash); err != nil || len(raw) != common.HashLength {
		return nil, rewarderr.ErrInvalidTxHash.Wrap(fmt.Errorf("invalid tx hash %q", txHash))
	}
	seen, err := l.Store.GetStakeByTxRef(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if seen != nil {
		return nil, rewarderr.ErrAlreadyStaked.Wrap(fmt.Errorf("deposit %s already recorded", txHash))
	}
	active, err := l.Store.GetActiveStake(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, rewarderr.ErrAlreadyStaked
	}
	user, err := l.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	senders := walletsOf(user)
	if len(senders) == 0 {
		return nil, rewarderr.ErrWalletRequired
	}
	if l.Chain == nil || !common.IsHexAddress(l.Holding) {
		return nil, rewarderr.ErrLedgerUnreachable.Wrap(fmt.Errorf("deposit verification not configured"))
	}

	receipt, err := l.Chain.Receipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, rewarderr.ErrLedgerUnreachable.Wrap(err)
	}
	if receipt == nil {
		return nil, rewarderr.ErrUnconfirmed
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, rewarderr.ErrTransferFailed.Wrap(fmt.Errorf("deposit %s reverted", txHash))
	}
	holding := common.HexToAddress(l.Holding)
	units := new(big.Int)
	for _, t := range l.Chain.TransfersFromReceipt(receipt, ledger.AssetProject) {
		if t.To == holding && senders[t.From] {
			units.Add(units, t.Value)
		}
	}
	amount := l.Chain.FromUnits(units, ledger.AssetProject)
	if !amount.IsPositive() {
		return nil, rewarderr.ErrInvalidAmount.Wrap(fmt.Errorf("no deposit from user %d in %s", userID, txHash))
	}
	price, err := l.price(ctx)
	if err != nil {
		return nil, err
	}
	usd := amount.Mul(price).Round(6)
	if usd.LessThan(decimal.NewFromFloat(l.Config.MinDepositUSD)) {
		return nil, rewarderr.ErrInvalidAmount.Wrap(fmt.Errorf("deposit worth %s USD below minimum", usd))
	}

	pos := &models.StakePosition{
		UserID:             userID,
		ExternalTxRef:      txHash,
		StakedAmount:       amount,
		StakedValueAtEntry: usd,
		UnlocksAt:          now.Add(l.Config.LockPeriod),
		LastRewardTickAt:   now,
	}
	if err := l.open(ctx, pos); err != nil {
		return nil, err
	}
	l.logger().Info("deposit confirmed", zap.Uint64("user_id", userID), zap.String("tx_hash", txHash), zap.String("amount", amount.String()))
	l.notify(ctx, paas.EventStakeCreated, user, amount, txHash, "deposit:"+txHash)
	return pos, nil
}

func (l *Ledger) open(ctx context.Context, pos *models.StakePosition) error {
	err := l.Store.InTx(ctx, func(tx *gorm.DB) error {
		if err := l.Store.CreateStakeTx(ctx, tx, pos); err != nil {
			return err
		}
		return l.Store.SetPremiumTx(ctx, tx, pos.UserID, true, models.PremiumSourceStaking)
	})
	if repository.IsUniqueViolation(err) {
		return rewarderr.ErrAlreadyStaked.Wrap(err)
	}
	return err
}

// Accrue adds the flat per-tick reward to every active position.
func (l *Ledger) Accrue(ctx context.Context, now time.Time) (int64, error) {
	inc := decimal.NewFromFloat(l.Config.RewardPerTick)
	n, err := l.Store.AccrueStakeRewards(ctx, inc)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger().Debug("stake rewards accrued", zap.Int64("positions", n), zap.String("increment", inc.String()), zap.Time("at", now))
	}
	return n, nil
}

type debit struct {
	id     uint64
	amount decimal.Decimal
	tick   time.Time
}

// Claim pays out pending rewards of positions whose cooldown has passed.
func (l *Ledger) Claim(ctx context.Context, userID uint64, now time.Time) (*ClaimResult, error) {
	now = now.UTC()
	unlock := l.locks.Lock(userID)
	defer unlock()

	user, err := l.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.PayoutAddress() == "" {
		return nil, rewarderr.ErrNothingToClaim
	}

	var debits []debit
	total := decimal.Zero
	err = l.Store.InTx(ctx, func(tx *gorm.DB) error {
		items, err := l.Store.ListStakesForUpdateTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		for i := range items {
			pos := &items[i]
			if now.Sub(pos.LastRewardTickAt) < l.Config.ClaimCooldown || !pos.PendingReward.IsPositive() {
				continue
			}
			debits = append(debits, debit{id: pos.ID, amount: pos.PendingReward, tick: pos.LastRewardTickAt})
			total = total.Add(pos.PendingReward)
			pos.PendingReward = decimal.Zero
			pos.LastRewardTickAt = now
			if err := l.Store.SaveStakeBalancesTx(ctx, tx, pos); err != nil {
				return err
			}
		}
		if !total.IsPositive() {
			return rewarderr.ErrNothingToClaim
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	req := settlement.Request{
		Identity:       settlement.HoldingIdentity,
		Recipient:      user.PayoutAddress(),
		Amount:         total,
		Asset:          ledger.AssetProject,
		IdempotencyKey: fmt.Sprintf("stake:%d:claim:%d", userID, now.UnixNano()),
		Reason:         "stake_claim",
	}
	out := l.Payer.Payout(ctx, req)
	res := &ClaimResult{UserID: userID, Positions: len(debits), Line: settlement.LineFor(req, "staker", userID, out)}
	switch {
	case out.Kind == settlement.Paid:
		l.notify(ctx, paas.EventStakeClaim, user, total, out.Receipt.TxHash, req.IdempotencyKey)
		return res, nil
	case out.Unconfirmed():
		l.logger().Warn("claim unconfirmed, rewards stay debited", zap.Uint64("user_id", userID), zap.String("key", req.IdempotencyKey))
		return res, out.Err
	}
	if err := l.restoreRewards(ctx, userID, debits); err != nil {
		l.logger().Error("restore claimed rewards failed", zap.Uint64("user_id", userID), zap.Error(err))
		return res, err
	}
	return res, transferError("claim", out)
}

func (l *Ledger) restoreRewards(ctx context.Context, userID uint64, debits []debit) error {
	byID := make(map[uint64]debit, len(debits))
	for _, d := range debits {
		byID[d.id] = d
	}
	return l.Store.InTx(ctx, func(tx *gorm.DB) error {
		items, err := l.Store.ListStakesForUpdateTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		for i := range items {
			d, ok := byID[items[i].ID]
			if !ok {
				continue
			}
			items[i].PendingReward = items[i].PendingReward.Add(d.amount)
			items[i].LastRewardTickAt = d.tick
			if err := l.Store.SaveStakeBalancesTx(ctx, tx, &items[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Unstake returns unlocked principal minus the unstake fee to the user.
func (l *Ledger) Unstake(ctx context.Context, userID uint64, now time.Time) (*UnstakeResult, error) {
	now = now.UTC()
	unlock := l.locks.Lock(userID)
	defer unlock()

	user, err := l.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.PayoutAddress() == "" {
		return nil, rewarderr.ErrWalletRequired
	}

	var taken []models.StakePosition
	total := decimal.Zero
	err = l.Store.InTx(ctx, func(tx *gorm.DB) error {
		items, err := l.Store.ListStakesForUpdateTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		for i := range items {
			pos := items[i]
			if pos.UnlocksAt.After(now) {
				continue
			}
			taken = append(taken, pos)
			total = total.Add(pos.StakedAmount)
			pos.StakedAmount = decimal.Zero
			pos.PendingReward = decimal.Zero
			if err := l.Store.SaveStakeBalancesTx(ctx, tx, &pos); err != nil {
				return err
			}
		}
		if !total.IsPositive() {
			return rewarderr.ErrNothingToUnstake
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fee := total.Mul(decimal.NewFromFloat(l.Config.FeeRate)).RoundCeil(l.precision())
	if fee.GreaterThan(total) {
		fee = total
	}
	payout := total.Sub(fee)
	res := &UnstakeResult{UserID: userID, Positions: len(taken), Amount: total}
	key := fmt.Sprintf("stake:%d:unstake:%d", userID, now.UnixNano())

	if payout.IsPositive() {
		req := settlement.Request{
			Identity:       settlement.HoldingIdentity,
			Recipient:      user.PayoutAddress(),
			Amount:         payout,
			Asset:          ledger.AssetProject,
			IdempotencyKey: key + ":user",
			Reason:         "stake_unstake",
		}
		out := l.Payer.Payout(ctx, req)
		res.Lines = append(res.Lines, settlement.LineFor(req, "staker", userID, out))
		switch {
		case out.Kind == settlement.Paid:
			l.notify(ctx, paas.EventStakeUnstake, user, payout, out.Receipt.TxHash, req.IdempotencyKey)
		case out.Unconfirmed():
			l.logger().Warn("unstake unconfirmed, positions stay closed", zap.Uint64("user_id", userID), zap.String("key", req.IdempotencyKey))
			return res, out.Err
		default:
			if err := l.restorePositions(ctx, taken); err != nil {
				l.logger().Error("restore unstaked positions failed", zap.Uint64("user_id", userID), zap.Error(err))
				return res, err
			}
			return res, transferError("unstake", out)
		}
	}

	if fee.IsPositive() && strings.TrimSpace(l.Config.FeeAddress) != "" {
		req := settlement.Request{
			Identity:       settlement.HoldingIdentity,
			Recipient:      l.Config.FeeAddress,
			Amount:         fee,
			Asset:          ledger.AssetProject,
			IdempotencyKey: key + ":fee",
			Reason:         "unstake_fee",
		}
		out := l.Payer.Payout(ctx, req)
		res.Lines = append(res.Lines, settlement.LineFor(req, "fee", userID, out))
		if out.Kind != settlement.Paid {
			l.logger().Warn("unstake fee transfer not paid", zap.Uint64("user_id", userID), zap.String("reason", out.Reason), zap.Error(out.Err))
		}
	}

	err = l.Store.InTx(ctx, func(tx *gorm.DB) error {
		n, err := l.Store.CountActiveStakesTx(ctx, tx, userID)
		if err != nil || n > 0 {
			return err
		}
		res.PremiumRevoked = true
		return l.Store.RevokeStakingPremiumTx(ctx, tx, userID)
	})
	if err != nil {
		return res, err
	}
	l.logger().Info("unstaked",
		zap.Uint64("user_id", userID),
		zap.String("amount", total.String()),
		zap.String("fee", fee.String()),
		zap.Bool("premium_revoked", res.PremiumRevoked),
	)
	return res, nil
}

func (l *Ledger) restorePositions(ctx context.Context, taken []models.StakePosition) error {
	return l.Store.InTx(ctx, func(tx *gorm.DB) error {
		for i := range taken {
			if err := l.Store.SaveStakeBalancesTx(ctx, tx, &taken[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Ledger) price(ctx context.Context) (decimal.Decimal, error) {
	if l.Feed == nil {
		return decimal.Zero, rewarderr.ErrPriceUnavailable
	}
	p, ok, err := l.Feed.Price(ctx, l.Pair)
	if err != nil {
		return decimal.Zero, rewarderr.ErrPriceUnavailable.Wrap(err)
	}
	if !ok || !p.IsPositive() {
		return decimal.Zero, rewarderr.ErrPriceUnavailable
	}
	return p, nil
}

func (l *Ledger) notify(ctx context.Context, event string, user *models.User, amount decimal.Decimal, txHash, key string) {
	if l.Notifier == nil || user == nil {
		return
	}
	l.Notifier.Notify(ctx, paas.Notification{
		Event:     event,
		UserID:    user.ID,
		Recipient: user.PayoutAddress(),
		Amount:    amount,
		TxHash:    txHash,
		Key:       key,
	})
}

func (l *Ledger) precision() int32 {
	if l.Precision <= 0 {
		return 18
	}
	return l.Precision
}

func (l *Ledger) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

// transferError turns a non-paid outcome into the error returned to callers.
func transferError(what string, out settlement.Outcome) error {
	if out.Unconfirmed() {
		return out.Err
	}
	cause := out.Err
	if cause == nil {
		cause = fmt.Errorf("%s %s: %s", what, out.Kind, out.Reason)
	}
	return rewarderr.ErrTransferFailed.Wrap(cause)
}

func walletsOf(user *models.User) map[common.Address]bool {
	out := map[common.Address]bool{}
	if user == nil {
		return out
	}
	for _, raw := range []*string{user.WalletAddress, user.CustodialAddress} {
		if raw != nil && common.IsHexAddress(*raw) {
			out[common.HexToAddress(*raw)] = true
		}
	}
	return out
}
