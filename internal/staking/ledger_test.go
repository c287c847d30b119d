package staking

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rewardhub/internal/config"
	"rewardhub/internal/custody"
	"rewardhub/internal/db/dbtest"
	"rewardhub/internal/ledger"
	"rewardhub/internal/ledger/ledgertest"
	"rewardhub/internal/models"
	gormrepository "rewardhub/internal/repository/gorm"
	"rewardhub/internal/rewarderr"
	"rewardhub/internal/service"
	"rewardhub/internal/settlement"
	"rewardhub/internal/settlement/settlementtest"
)

var (
	t0      = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	token   = common.HexToAddress("0x00000000000000000000000000000000000070c0")
	holding = common.HexToAddress("0x000000000000000000000000000000000000b01d")
	feeAddr = common.HexToAddress("0x0000000000000000000000000000000000000fee")
	sealKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
)

type tokenFeed struct {
	mu    sync.Mutex
	price *decimal.Decimal
}

func (f *tokenFeed) Price(context.Context, string) (decimal.Decimal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.price == nil {
		return decimal.Zero, false, nil
	}
	return *f.price, true, nil
}

func (f *tokenFeed) set(raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if raw == "" {
		f.price = nil
		return
	}
	p := decimal.RequireFromString(raw)
	f.price = &p
}

type fixture struct {
	db       *gorm.DB
	store    *gormrepository.Store
	payer    *settlementtest.Payer
	backend  *ledgertest.Backend
	feed     *tokenFeed
	wallets  *custody.Wallets
	settings *service.SystemSettingsService
	ledger   *Ledger
	nextID   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	g := dbtest.Open(t)
	store := gormrepository.New(g)
	sealer, err := custody.NewSealer(sealKey, "")
	require.NoError(t, err)
	backend := ledgertest.New(8453)
	client, err := ledger.New(backend, config.LedgerConfig{ChainID: 8453, TokenAddress: token.Hex(), TokenDecimals: 18})
	require.NoError(t, err)
	f := &fixture{
		db:       g,
		store:    store,
		payer:    settlementtest.New(),
		backend:  backend,
		feed:     &tokenFeed{},
		wallets:  custody.NewWallets(store, sealer, nil, nil),
		settings: &service.SystemSettingsService{Repo: store},
	}
	f.feed.set("0.5")
	f.ledger = &Ledger{
		Store:   store,
		Payer:   f.payer,
		Custody: f.wallets,
		Chain:   client,
		Feed:    f.feed,
		Config: config.StakingConfig{
			StakeUSD:      50,
			FeeUSD:        5,
			FeeRate:       0.01,
			LockPeriod:    30 * 24 * time.Hour,
			RewardPerTick: 1.5,
			ClaimCooldown: 24 * time.Hour,
			FeeAddress:    feeAddr.Hex(),
			MinDepositUSD: 50,
		},
		Holding: holding.Hex(),
	}
	return f
}

// user creates a user with a payout wallet and, when custodial is set, a
// custodial wallet.
func (f *fixture) user(t *testing.T, custodial bool) *models.User {
	t.Helper()
	f.nextID++
	u := &models.User{Username: fmt.Sprintf("staker%d", f.nextID)}
	require.NoError(t, f.db.Create(u).Error)
	addr := common.BigToAddress(new(big.Int).SetUint64(9000 + u.ID)).Hex()
	u.WalletAddress = &addr
	require.NoError(t, f.db.Save(u).Error)
	if custodial {
		var err error
		u, err = f.wallets.Ensure(context.Background(), u.ID)
		require.NoError(t, err)
	}
	return u
}

func (f *fixture) reload(t *testing.T, id uint64) *models.User {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, u)
	return u
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func failKeys(suffix string) func(settlement.Request) *settlement.Outcome {
	return func(req settlement.Request) *settlement.Outcome {
		if strings.HasSuffix(req.IdempotencyKey, suffix) {
			return &settlement.Outcome{Kind: settlement.Failed, Reason: "transfer_failed", Err: rewarderr.ErrTransferFailed}
		}
		return nil
	}
}

func TestStakeMovesFeeThenPrincipal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, true)

	pos, err := f.ledger.Stake(ctx, u.ID, decimal.Zero, t0)
	require.NoError(t, err)
	require.Equal(t, "100", pos.StakedAmount.String())
	require.Equal(t, "50", pos.StakedValueAtEntry.String())
	require.Equal(t, t0.Add(30*24*time.Hour), pos.UnlocksAt)

	sent := f.payer.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, custody.Identity(u.ID), sent[0].Identity)
	require.Equal(t, "stake_fee", sent[0].Reason)
	require.Equal(t, "10", sent[0].Amount.String())
	require.Equal(t, "stake_principal", sent[1].Reason)
	require.Equal(t, holding.Hex(), sent[1].Recipient)
	require.Equal(t, ledger.AssetProject, sent[1].Asset)

	stored, err := f.store.GetActiveStake(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, pos.ExternalTxRef, stored.ExternalTxRef)

	reloaded := f.reload(t, u.ID)
	require.True(t, reloaded.Premium)
	require.Equal(t, models.PremiumSourceStaking, reloaded.PremiumSource)

	_, err = f.ledger.Stake(ctx, u.ID, decimal.NewFromInt(50), t0)
	require.ErrorIs(t, err, rewarderr.ErrAlreadyStaked)
}

func TestStakePreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	plain := f.user(t, false)
	_, err := f.ledger.Stake(ctx, plain.ID, decimal.NewFromInt(50), t0)
	require.ErrorIs(t, err, rewarderr.ErrWalletRequired)

	u := f.user(t, true)
	f.feed.set("")
	_, err = f.ledger.Stake(ctx, u.ID, decimal.NewFromInt(50), t0)
	require.ErrorIs(t, err, rewarderr.ErrPriceUnavailable)
	require.Empty(t, f.payer.Calls())
}

func TestStakeTransferFailureLeavesNoPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, true)
	f.payer.Outcome = failKeys(":principal")

	_, err := f.ledger.Stake(ctx, u.ID, decimal.NewFromInt(50), t0)
	require.ErrorIs(t, err, rewarderr.ErrTransferFailed)

	pos, err := f.store.GetActiveStake(ctx, u.ID)
	require.NoError(t, err)
	require.Nil(t, pos)
	require.False(t, f.reload(t, u.ID).Premium)
}

func TestClaimHonorsCooldownAndRestoresOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, true)
	_, err := f.ledger.Stake(ctx, u.ID, decimal.Zero, t0)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		n, err := f.ledger.Accrue(ctx, t0)
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
	}

	_, err = f.ledger.Claim(ctx, u.ID, t0.Add(time.Hour))
	require.ErrorIs(t, err, rewarderr.ErrNothingToClaim)

	at := t0.Add(25 * time.Hour)
	f.payer.Outcome = failKeys(fmt.Sprintf(":claim:%d", at.UnixNano()))
	_, err = f.ledger.Claim(ctx, u.ID, at)
	require.ErrorIs(t, err, rewarderr.ErrTransferFailed)
	pos, err := f.store.GetActiveStake(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "3", pos.PendingReward.String(), "failed claim restores rewards")

	f.payer.Outcome = nil
	res, err := f.ledger.Claim(ctx, u.ID, at)
	require.NoError(t, err)
	require.Equal(t, settlement.Paid, res.Line.Kind)
	require.Equal(t, "3", f.payer.PaidTo(u.PayoutAddress()).String())
	pos, err = f.store.GetActiveStake(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, pos.PendingReward.IsZero())

	_, err = f.ledger.Accrue(ctx, at)
	require.NoError(t, err)
	_, err = f.ledger.Claim(ctx, u.ID, at.Add(time.Hour))
	require.ErrorIs(t, err, rewarderr.ErrNothingToClaim, "claim resets the cooldown")
}

func TestClaimUnconfirmedKeepsRewardsDebited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, true)
	_, err := f.ledger.Stake(ctx, u.ID, decimal.Zero, t0)
	require.NoError(t, err)
	_, err = f.ledger.Accrue(ctx, t0)
	require.NoError(t, err)

	f.payer.Outcome = func(req settlement.Request) *settlement.Outcome {
		return &settlement.Outcome{Kind: settlement.Failed, Reason: "unconfirmed", Err: rewarderr.ErrUnconfirmed}
	}
	_, err = f.ledger.Claim(ctx, u.ID, t0.Add(48*time.Hour))
	require.ErrorIs(t, err, rewarderr.ErrUnconfirmed)

	pos, err := f.store.GetActiveStake(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, pos.PendingReward.IsZero())
}

func TestUnstakeChargesFeeAndRevokesPremium(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, true)
	_, err := f.ledger.Stake(ctx, u.ID, decimal.Zero, t0)
	require.NoError(t, err)

	_, err = f.ledger.Unstake(ctx, u.ID, t0.Add(24*time.Hour))
	require.ErrorIs(t, err, rewarderr.ErrNothingToUnstake)

	at := t0.Add(31 * 24 * time.Hour)
	f.payer.Outcome = failKeys(":user")
	_, err = f.ledger.Unstake(ctx, u.ID, at)
	require.ErrorIs(t, err, rewarderr.ErrTransferFailed)
	pos, err := f.store.GetActiveStake(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, pos, "failed payout restores the position")
	require.Equal(t, "100", pos.StakedAmount.String())

	f.payer.Outcome = nil
	res, err := f.ledger.Unstake(ctx, u.ID, at)
	require.NoError(t, err)
	require.Equal(t, "100", res.Amount.String())
	require.True(t, res.PremiumRevoked)
	require.Len(t, res.Lines, 2)
	require.Equal(t, "99", f.payer.PaidTo(u.PayoutAddress()).String())
	require.Equal(t, "1", f.payer.PaidTo(feeAddr.Hex()).String())

	pos, err = f.store.GetActiveStake(ctx, u.ID)
	require.NoError(t, err)
	require.Nil(t, pos)
	reloaded := f.reload(t, u.ID)
	require.False(t, reloaded.Premium)
	require.Empty(t, reloaded.PremiumSource)
}

func TestUnstakeRequiresPayoutAddress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := &models.User{Username: "nowallet"}
	require.NoError(t, f.db.Create(u).Error)

	_, err := f.ledger.Unstake(ctx, u.ID, t0)
	require.ErrorIs(t, err, rewarderr.ErrWalletRequired)
}

func TestConfirmDeposit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.user(t, false)
	from := common.HexToAddress(u.PayoutAddress())

	hash := f.backend.AddTransfer(token, from, holding, tokens(200))
	pos, err := f.ledger.ConfirmDeposit(ctx, u.ID, hash.Hex(), t0)
	require.NoError(t, err)
	require.Equal(t, "200", pos.StakedAmount.String())
	require.Equal(t, "100", pos.StakedValueAtEntry.String())
	require.Equal(t, strings.ToLower(hash.Hex()), pos.ExternalTxRef)
	require.True(t, f.reload(t, u.ID).Premium)

	_, err = f.ledger.ConfirmDeposit(ctx, u.ID, hash.Hex(), t0)
	require.ErrorIs(t, err, rewarderr.ErrAlreadyStaked, "replay is rejected")

	small := f.user(t, false)
	hash = f.backend.AddTransfer(token, common.HexToAddress(small.PayoutAddress()), holding, tokens(10))
	_, err = f.ledger.ConfirmDeposit(ctx, small.ID, hash.Hex(), t0)
	require.ErrorIs(t, err, rewarderr.ErrInvalidAmount)

	other := f.user(t, false)
	hash = f.backend.AddTransfer(token, common.HexToAddress("0x0000000000000000000000000000000000005555"), holding, tokens(500))
	_, err = f.ledger.ConfirmDeposit(ctx, other.ID, hash.Hex(), t0)
	require.ErrorIs(t, err, rewarderr.ErrInvalidAmount, "someone else's transfer does not count")

	_, err = f.ledger.ConfirmDeposit(ctx, other.ID, "0x"+strings.Repeat("ab", 32), t0)
	require.ErrorIs(t, err, rewarderr.ErrUnconfirmed)

	for _, bad := range []string{"", "0x1234", "0x" + strings.Repeat("zz", 32), strings.Repeat("ab", 33)} {
		_, err = f.ledger.ConfirmDeposit(ctx, other.ID, bad, t0)
		require.ErrorIs(t, err, rewarderr.ErrInvalidTxHash, "hash %q", bad)
		require.NotErrorIs(t, err, rewarderr.ErrMissingKey)
		require.Equal(t, rewarderr.KindDataIntegrity, rewarderr.KindOf(err))
	}
}

func TestListenerScanConfirmsKnownSenders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	byWallet := f.user(t, false)
	byCustody := f.user(t, true)

	f.backend.AddTransfer(token, common.HexToAddress(byWallet.PayoutAddress()), holding, tokens(200))
	f.backend.AddTransfer(token, common.HexToAddress("0x0000000000000000000000000000000000005555"), holding, tokens(300))
	f.backend.AddTransfer(token, common.HexToAddress(*byCustody.CustodialAddress), holding, tokens(150))
	// Not to the holding address.
	f.backend.AddTransfer(token, common.HexToAddress(byWallet.PayoutAddress()), feeAddr, tokens(400))

	listener := &Listener{Ledger: f.ledger, Settings: f.settings}
	report, err := listener.Scan(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, 3, report.Transfers)
	require.Equal(t, 2, report.Confirmed)
	require.Equal(t, 1, report.Ignored)

	cursor, ok, err := f.settings.Uint64(ctx, service.SettingDepositCursor)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, report.To, cursor)

	for _, id := range []uint64{byWallet.ID, byCustody.ID} {
		pos, err := f.store.GetActiveStake(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, pos)
	}

	again, err := listener.Scan(ctx, t0)
	require.NoError(t, err)
	require.Zero(t, again.Transfers)
}
