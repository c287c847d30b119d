package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"rewardhub/internal/config"
	"rewardhub/internal/db/dbtest"
	"rewardhub/internal/ledger"
	"rewardhub/internal/ledger/ledgertest"
	"rewardhub/internal/models"
	gormrepository "rewardhub/internal/repository/gorm"
	"rewardhub/internal/rewarderr"
	"rewardhub/internal/settlement"
)

const (
	tokenHex  = "0x00000000000000000000000000000000000000aa"
	recipient = "0x00000000000000000000000000000000000000bb"
	treasury  = "treasury"
)

type fixture struct {
	backend *ledgertest.Backend
	store   *gormrepository.Store
	exec    *settlement.Executor
	from    common.Address
}

func newFixture(t *testing.T, clock clockwork.Clock) *fixture {
	t.Helper()
	backend := ledgertest.New(1337)
	cfg := config.LedgerConfig{
		ChainID:        1337,
		TokenAddress:   tokenHex,
		TokenDecimals:  18,
		MinTipGwei:     2,
		BumpPercent:    15,
		MaxFeeBumps:    2,
		ConfirmTimeout: 180 * time.Second,
		PollInterval:   3 * time.Second,
		QueueSize:      16,
	}
	client, err := ledger.New(backend, cfg)
	require.NoError(t, err)
	store := gormrepository.New(dbtest.Open(t))
	exec := settlement.NewExecutor(client, store, cfg, settlement.WithClock(clock))
	t.Cleanup(exec.Close)

	hexKey, from, err := ledger.NewKey()
	require.NoError(t, err)
	key, err := ledger.ParseKey(hexKey)
	require.NoError(t, err)
	require.NoError(t, exec.Register(treasury, key))
	return &fixture{backend: backend, store: store, exec: exec, from: from}
}

func request(key string) settlement.Request {
	return settlement.Request{
		Identity:       treasury,
		Recipient:      recipient,
		Amount:         decimal.NewFromInt(5),
		Asset:          ledger.AssetProject,
		IdempotencyKey: key,
		Reason:         "test",
	}
}

func TestPayoutIsIdempotent(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock())
	ctx := context.Background()

	out := f.exec.Payout(ctx, request("contest:r1:voter:7"))
	require.Equal(t, settlement.Paid, out.Kind, "err=%v", out.Err)
	require.NotNil(t, out.Receipt)

	again := f.exec.Payout(ctx, request("contest:r1:voter:7"))
	require.Equal(t, settlement.Paid, again.Kind)
	require.Equal(t, out.Receipt.TxHash, again.Receipt.TxHash)
	require.Len(t, f.backend.Sent(), 1)

	rec, err := f.store.GetPaymentByKey(ctx, "contest:r1:voter:7")
	require.NoError(t, err)
	require.Equal(t, models.PaymentPaid, rec.Status)
	require.Equal(t, 1, rec.Attempts)
}

func TestConcurrentPayoutsUseDistinctIncreasingNonces(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock())
	ctx := context.Background()

	const n = 10
	outs := make([]settlement.Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = f.exec.Payout(ctx, request(fmt.Sprintf("poll:r:instrument:%d", i)))
		}(i)
	}
	wg.Wait()

	nonces := make([]uint64, 0, n)
	for i, out := range outs {
		require.Equal(t, settlement.Paid, out.Kind, "payout %d err=%v", i, out.Err)
		nonces = append(nonces, out.Receipt.Nonce)
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	for i := range nonces {
		require.EqualValues(t, i, nonces[i])
	}

	sent := f.backend.Sent()
	require.Len(t, sent, n)
	for i := 1; i < len(sent); i++ {
		require.Greater(t, sent[i].Tx.Nonce(), sent[i-1].Tx.Nonce())
	}
}

func TestUnderpricedSendIsBumped(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock())
	rejections := 0
	f.backend.SendHook = func(tx *types.Transaction, _ common.Address) error {
		if rejections < 2 {
			rejections++
			return errors.New("replacement transaction underpriced")
		}
		return nil
	}

	out := f.exec.Payout(context.Background(), request("k-bump"))
	require.Equal(t, settlement.Paid, out.Kind, "err=%v", out.Err)
	sent := f.backend.Sent()
	require.Len(t, sent, 1)
	// 2 gwei floor raised by 15% twice.
	require.Equal(t, "2645000000", sent[0].Tx.GasTipCap().String())
	require.EqualValues(t, 0, sent[0].Tx.Nonce())
}

func TestUnderpricedBeyondMaxBumpsFails(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock())
	ctx := context.Background()
	f.backend.SendHook = func(*types.Transaction, common.Address) error {
		return errors.New("transaction underpriced")
	}

	out := f.exec.Payout(ctx, request("k-underpriced"))
	require.Equal(t, settlement.Failed, out.Kind)
	require.ErrorIs(t, out.Err, rewarderr.ErrTransferFailed)
	require.False(t, out.Unconfirmed())

	rec, err := f.store.GetPaymentByKey(ctx, "k-underpriced")
	require.NoError(t, err)
	require.Equal(t, models.PaymentFailed, rec.Status)

	f.backend.SendHook = nil
	retry := f.exec.Payout(ctx, request("k-underpriced"))
	require.Equal(t, settlement.Paid, retry.Kind, "err=%v", retry.Err)
	require.EqualValues(t, 0, retry.Receipt.Nonce)
}

func TestNonceResyncAfterExternalSend(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock())
	ctx := context.Background()

	first := f.exec.Payout(ctx, request("k-1"))
	require.Equal(t, settlement.Paid, first.Kind)
	require.EqualValues(t, 0, first.Receipt.Nonce)

	f.backend.SetNonce(f.from, 5)
	second := f.exec.Payout(ctx, request("k-2"))
	require.Equal(t, settlement.Paid, second.Kind, "err=%v", second.Err)
	require.EqualValues(t, 5, second.Receipt.Nonce)
}

func TestMissingReceiptIsUnconfirmedUntilReconciled(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now().Add(time.Hour))
	f := newFixture(t, clock)
	f.backend.Manual = true
	ctx := context.Background()

	done := make(chan settlement.Outcome, 1)
	go func() { done <- f.exec.Payout(ctx, request("k-slow")) }()

	var out settlement.Outcome
	for received := false; !received; {
		select {
		case out = <-done:
			received = true
			continue
		default:
		}
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := clock.BlockUntilContext(wctx, 1)
		cancel()
		if err != nil {
			out = <-done
			break
		}
		clock.Advance(3 * time.Second)
	}

	require.Equal(t, settlement.Failed, out.Kind)
	require.True(t, out.Unconfirmed(), "err=%v", out.Err)
	require.ErrorIs(t, out.Err, rewarderr.ErrUnconfirmed)
	rec, err := f.store.GetPaymentByKey(ctx, "k-slow")
	require.NoError(t, err)
	require.Equal(t, models.PaymentUnconfirmed, rec.Status)
	require.NotEmpty(t, rec.TxHash)

	f.backend.Mine()
	report, err := f.exec.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Paid)

	again := f.exec.Payout(ctx, request("k-slow"))
	require.Equal(t, settlement.Paid, again.Kind)
	require.Len(t, f.backend.Sent(), 1)
}

func TestRevertedTransferCanBeRetried(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock())
	ctx := context.Background()
	f.backend.Status = func(*types.Transaction) uint64 { return types.ReceiptStatusFailed }

	out := f.exec.Payout(ctx, request("k-revert"))
	require.Equal(t, settlement.Failed, out.Kind)
	require.ErrorIs(t, out.Err, rewarderr.ErrTransferFailed)
	rec, err := f.store.GetPaymentByKey(ctx, "k-revert")
	require.NoError(t, err)
	require.Equal(t, models.PaymentFailed, rec.Status)

	f.backend.Status = nil
	retry := f.exec.Payout(ctx, request("k-revert"))
	require.Equal(t, settlement.Paid, retry.Kind, "err=%v", retry.Err)
	require.EqualValues(t, 1, retry.Receipt.Nonce)
}

func TestBadRecipientIsSkippedWithoutSending(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock())
	ctx := context.Background()

	req := request("k-skip")
	req.Recipient = "0x1234"
	out := f.exec.Payout(ctx, req)
	require.Equal(t, settlement.Skipped, out.Kind)
	require.Equal(t, "malformed_recipient", out.Reason)

	req = request("k-empty")
	req.Recipient = ""
	out = f.exec.Payout(ctx, req)
	require.Equal(t, settlement.Skipped, out.Kind)
	require.Equal(t, "missing_recipient", out.Reason)

	rec, err := f.store.GetPaymentByKey(ctx, "k-skip")
	require.NoError(t, err)
	require.Equal(t, models.PaymentSkipped, rec.Status)
	require.Empty(t, f.backend.Sent())
}

func TestInvalidRequestsFailFast(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock())
	ctx := context.Background()

	req := request("k-zero")
	req.Amount = decimal.Zero
	out := f.exec.Payout(ctx, req)
	require.ErrorIs(t, out.Err, rewarderr.ErrInvalidAmount)

	req = request("")
	out = f.exec.Payout(ctx, req)
	require.ErrorIs(t, out.Err, rewarderr.ErrMissingKey)

	req = request("k-unknown")
	req.Identity = "nobody"
	out = f.exec.Payout(ctx, req)
	require.Equal(t, settlement.Failed, out.Kind)
	require.Empty(t, f.backend.Sent())
}

func TestSubmittingKeyIsRejected(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock())
	ctx := context.Background()
	created, err := f.store.CreatePayment(ctx, &models.RewardPayment{
		IdempotencyKey: "k-busy",
		Identity:       treasury,
		Recipient:      recipient,
		Asset:          string(ledger.AssetProject),
		Amount:         decimal.NewFromInt(5),
		Status:         models.PaymentSubmitting,
	})
	require.NoError(t, err)
	require.True(t, created)

	out := f.exec.Payout(ctx, request("k-busy"))
	require.ErrorIs(t, out.Err, rewarderr.ErrDuplicateKey)
	require.Empty(t, f.backend.Sent())
}

func TestResumePendingAndReleaseStuck(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now().Add(time.Hour))
	f := newFixture(t, clock)
	ctx := context.Background()

	for _, item := range []models.RewardPayment{
		{IdempotencyKey: "k-orphan", Identity: treasury, Recipient: recipient, Asset: "project", Amount: decimal.NewFromInt(2), Status: models.PaymentPending},
		{IdempotencyKey: "k-stuck", Identity: treasury, Recipient: recipient, Asset: "project", Amount: decimal.NewFromInt(2), Status: models.PaymentSubmitting},
	} {
		item := item
		_, err := f.store.CreatePayment(ctx, &item)
		require.NoError(t, err)
	}

	resumed, err := f.exec.ResumePending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resumed)

	report, err := f.exec.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Released)
	rec, err := f.store.GetPaymentByKey(ctx, "k-stuck")
	require.NoError(t, err)
	require.Equal(t, models.PaymentFailed, rec.Status)
}

func lostReply(*types.Transaction) error {
	return errors.New(`Post "http://node:8545": read tcp 10.0.0.2:51234->10.0.0.3:8545: i/o timeout`)
}

func TestLostSendReplyKeepsHashAndIsNotResent(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock())
	ctx := context.Background()
	f.backend.AckHook = lostReply

	out := f.exec.Payout(ctx, request("k-lost"))
	require.Equal(t, settlement.Failed, out.Kind)
	require.True(t, out.Unconfirmed(), "err=%v", out.Err)
	require.NotNil(t, out.Receipt)

	rec, err := f.store.GetPaymentByKey(ctx, "k-lost")
	require.NoError(t, err)
	require.Equal(t, models.PaymentUnconfirmed, rec.Status)
	require.Equal(t, out.Receipt.TxHash, rec.TxHash)
	require.NotNil(t, rec.Nonce)
	require.EqualValues(t, 0, *rec.Nonce)

	f.backend.AckHook = nil
	again := f.exec.Payout(ctx, request("k-lost"))
	require.Equal(t, settlement.Paid, again.Kind, "err=%v", again.Err)
	require.Equal(t, out.Receipt.TxHash, again.Receipt.TxHash)
	require.Len(t, f.backend.Sent(), 1)

	next := f.exec.Payout(ctx, request("k-next"))
	require.Equal(t, settlement.Paid, next.Kind, "err=%v", next.Err)
	require.EqualValues(t, 1, next.Receipt.Nonce)
}

func TestRejectedSendClearsHash(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock())
	ctx := context.Background()
	f.backend.SendHook = func(*types.Transaction, common.Address) error {
		return errors.New("insufficient funds for gas * price + value")
	}

	out := f.exec.Payout(ctx, request("k-poor"))
	require.Equal(t, settlement.Failed, out.Kind)
	require.False(t, out.Unconfirmed())
	require.ErrorIs(t, out.Err, rewarderr.ErrTransferFailed)

	rec, err := f.store.GetPaymentByKey(ctx, "k-poor")
	require.NoError(t, err)
	require.Equal(t, models.PaymentFailed, rec.Status)
	require.Empty(t, rec.TxHash)
}

func TestReconcileFailsRecordWhoseNonceWasTaken(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock())
	ctx := context.Background()
	f.backend.Manual = true
	f.backend.AckHook = lostReply

	lost := f.exec.Payout(ctx, request("k-dropped"))
	require.True(t, lost.Unconfirmed(), "err=%v", lost.Err)
	f.backend.AckHook = nil

	report, err := f.exec.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Pending)
	require.Zero(t, report.Released)

	// The node evicts the transaction and another payout takes its nonce.
	f.backend.Drop()
	f.backend.Manual = false
	req := request("k-other")
	req.Amount = decimal.NewFromInt(7)
	other := f.exec.Payout(ctx, req)
	require.Equal(t, settlement.Paid, other.Kind, "err=%v", other.Err)
	require.EqualValues(t, 0, other.Receipt.Nonce)

	report, err = f.exec.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Released)
	require.Zero(t, report.Pending)

	rec, err := f.store.GetPaymentByKey(ctx, "k-dropped")
	require.NoError(t, err)
	require.Equal(t, models.PaymentFailed, rec.Status)
	require.Empty(t, rec.TxHash)

	retry := f.exec.Payout(ctx, request("k-dropped"))
	require.Equal(t, settlement.Paid, retry.Kind, "err=%v", retry.Err)
	require.EqualValues(t, 1, retry.Receipt.Nonce)
	require.Len(t, f.backend.Sent(), 3)
}
