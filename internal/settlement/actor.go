package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"rewardhub/internal/ledger"
	"rewardhub/internal/models"
	"rewardhub/internal/rewarderr"
)

const (
	jobQueued int32 = iota
	jobTaken
	jobCancelled
)

type job struct {
	ctx   context.Context
	req   Request
	to    common.Address
	units *big.Int
	state atomic.Int32
	done  chan Outcome
}

func newJob(ctx context.Context, req Request, to common.Address, units *big.Int) *job {
	return &job{ctx: ctx, req: req, to: to, units: units, done: make(chan Outcome, 1)}
}

// actor owns one signing identity. Only its goroutine touches nonce.
type actor struct {
	e        *Executor
	identity string
	key      *ecdsa.PrivateKey
	from     common.Address
	jobs     chan *job
	stopped  chan struct{}

	nonce   uint64
	nonceOK bool
}

func (a *actor) run() {
	defer a.e.wg.Done()
	defer close(a.stopped)
	for {
		select {
		case <-a.e.quit:
			return
		case j := <-a.jobs:
			a.e.metrics.AddQueued(a.identity, -1)
			if !j.state.CompareAndSwap(jobQueued, jobTaken) {
				continue
			}
			j.done <- a.handle(j)
		}
	}
}

// submit queues j and waits for its outcome. The caller's context counts only
// until the actor picks the job up.
func (a *actor) submit(ctx context.Context, j *job) Outcome {
	a.e.metrics.AddQueued(a.identity, 1)
	select {
	case a.jobs <- j:
	case <-ctx.Done():
		a.e.metrics.AddQueued(a.identity, -1)
		a.e.release(j.req.IdempotencyKey, ctx.Err())
		return failedOutcome(ctx.Err())
	case <-a.stopped:
		a.e.metrics.AddQueued(a.identity, -1)
		a.e.release(j.req.IdempotencyKey, errors.New("executor closed"))
		return failedOutcome(rewarderr.ErrLedgerUnreachable.Wrap(errors.New("executor closed")))
	}
	select {
	case out := <-j.done:
		return out
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobCancelled) {
			a.e.release(j.req.IdempotencyKey, ctx.Err())
			return failedOutcome(ctx.Err())
		}
		return <-j.done
	case <-a.stopped:
		select {
		case out := <-j.done:
			return out
		default:
		}
		if j.state.CompareAndSwap(jobQueued, jobCancelled) {
			a.e.release(j.req.IdempotencyKey, errors.New("executor closed"))
		}
		return failedOutcome(rewarderr.ErrLedgerUnreachable.Wrap(errors.New("executor closed")))
	}
}

func (a *actor) handle(j *job) Outcome {
	e := a.e
	ctx := context.WithoutCancel(j.ctx)
	key := j.req.IdempotencyKey
	start := e.clock.Now()
	defer func() { e.metrics.ObserveLatency(a.identity, e.clock.Since(start)) }()

	if !a.nonceOK {
		if err := a.syncNonce(ctx); err != nil {
			return a.fail(ctx, key, rewarderr.ErrLedgerUnreachable.Wrap(err))
		}
	}
	fees, err := e.client.SuggestFees(ctx)
	if err != nil {
		return a.fail(ctx, key, rewarderr.ErrLedgerUnreachable.Wrap(err))
	}

	var signed *types.Transaction
	bumps := 0
	resynced := false
	for {
		tx, err := e.client.BuildTransfer(j.req.Asset, j.to, j.units, a.nonce, fees)
		if err != nil {
			return a.fail(ctx, key, rewarderr.ErrTransferFailed.Wrap(err))
		}
		signed, err = e.client.Sign(tx, a.key)
		if err != nil {
			return a.fail(ctx, key, rewarderr.ErrTransferFailed.Wrap(err))
		}
		// The hash is stored before sending so a crash never loses a
		// transaction that reached the node.
		nonce := a.nonce
		if err := e.repo.UpdatePayment(ctx, key, map[string]any{"tx_hash": signed.Hash().Hex(), "nonce": nonce}); err != nil {
			return a.fail(ctx, key, fmt.Errorf("persist tx hash: %w", err))
		}
		err = e.client.Send(ctx, signed)
		if err == nil || ledger.IsAlreadyKnown(err) {
			break
		}
		switch {
		case ledger.IsUnderpriced(err) && bumps < e.maxBumps:
			bumps++
			fees = fees.Bump(e.bumpPercent)
			e.metrics.RecordFeeBump(a.identity)
			e.logger.Info("payout underpriced, bumping fees",
				zap.String("identity", a.identity),
				zap.String("key", key),
				zap.Uint64("nonce", a.nonce),
				zap.Int("bump", bumps),
				zap.String("tip", fees.Tip.String()),
				zap.String("fee_cap", fees.FeeCap.String()),
			)
		case ledger.IsNonceTooLow(err) && !resynced:
			resynced = true
			if serr := a.syncNonce(ctx); serr != nil {
				return a.fail(ctx, key, rewarderr.ErrLedgerUnreachable.Wrap(serr))
			}
			e.logger.Info("payout nonce resynced", zap.String("identity", a.identity), zap.Uint64("nonce", a.nonce))
		case ledger.IsRejected(err):
			a.nonceOK = false
			return a.fail(ctx, key, rewarderr.ErrTransferFailed.Wrap(err))
		default:
			// The node may hold the transaction even though the reply was
			// lost. Keep the hash so retries look for its receipt, and take
			// the next nonce from the node.
			a.nonceOK = false
			return a.lost(ctx, key, signed, nonce, err)
		}
	}

	nonce := a.nonce
	a.nonce++
	hash := signed.Hash()
	if err := e.repo.UpdatePayment(ctx, key, map[string]any{
		"status":  models.PaymentSubmitted,
		"tx_hash": hash.Hex(),
		"nonce":   nonce,
	}); err != nil {
		e.logger.Warn("mark payment submitted failed", zap.String("key", key), zap.Error(err))
	}

	r := Receipt{TxHash: hash.Hex(), Nonce: nonce}
	receipt, err := a.waitReceipt(ctx, hash)
	if err != nil {
		_ = e.repo.UpdatePayment(ctx, key, map[string]any{"status": models.PaymentUnconfirmed, "error": err.Error()})
		out := failedOutcome(rewarderr.ErrUnconfirmed.Wrap(err))
		out.Receipt = &r
		return out
	}
	if receipt.BlockNumber != nil {
		r.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		rerr := fmt.Errorf("transaction %s reverted", hash.Hex())
		_ = e.repo.UpdatePayment(ctx, key, map[string]any{"status": models.PaymentFailed, "error": rerr.Error()})
		out := failedOutcome(rewarderr.ErrTransferFailed.Wrap(rerr))
		out.Receipt = &r
		return out
	}
	if err := e.repo.UpdatePayment(ctx, key, map[string]any{"status": models.PaymentPaid, "error": ""}); err != nil {
		e.logger.Warn("mark payment paid failed", zap.String("key", key), zap.Error(err))
	}
	return paidOutcome(r)
}

func (a *actor) syncNonce(ctx context.Context) error {
	n, err := a.e.client.PendingNonce(ctx, a.from)
	if err != nil {
		a.nonceOK = false
		return fmt.Errorf("pending nonce: %w", err)
	}
	a.nonce = n
	a.nonceOK = true
	return nil
}

func (a *actor) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	e := a.e
	deadline := e.clock.Now().Add(e.confirmTimeout)
	for {
		receipt, err := e.client.Receipt(ctx, hash)
		if err != nil {
			e.logger.Debug("receipt lookup failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		} else if receipt != nil {
			return receipt, nil
		}
		if !e.clock.Now().Before(deadline) {
			return nil, fmt.Errorf("no receipt for %s after %s", hash.Hex(), e.confirmTimeout)
		}
		select {
		case <-e.clock.After(e.pollInterval):
		case <-e.quit:
			return nil, fmt.Errorf("executor closed while waiting for %s", hash.Hex())
		}
	}
}

func (a *actor) lost(ctx context.Context, key string, signed *types.Transaction, nonce uint64, err error) Outcome {
	r := Receipt{TxHash: signed.Hash().Hex(), Nonce: nonce}
	if uerr := a.e.repo.UpdatePayment(ctx, key, map[string]any{
		"status":  models.PaymentUnconfirmed,
		"error":   err.Error(),
		"tx_hash": r.TxHash,
		"nonce":   nonce,
	}); uerr != nil {
		a.e.logger.Warn("mark payment unconfirmed failed", zap.String("key", key), zap.Error(uerr))
	}
	out := failedOutcome(rewarderr.ErrUnconfirmed.Wrap(err))
	out.Receipt = &r
	return out
}

func (a *actor) fail(ctx context.Context, key string, err error) Outcome {
	if uerr := a.e.repo.UpdatePayment(ctx, key, map[string]any{
		"status":  models.PaymentFailed,
		"error":   err.Error(),
		"tx_hash": "",
	}); uerr != nil {
		a.e.logger.Warn("mark payment failed failed", zap.String("key", key), zap.Error(uerr))
	}
	return failedOutcome(err)
}
