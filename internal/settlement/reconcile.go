package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"rewardhub/internal/ledger"
	"rewardhub/internal/models"
	"rewardhub/internal/repository"
	"rewardhub/internal/rewarderr"
)

type ReconcileReport struct {
	Checked  int `json:"checked"`
	Paid     int `json:"paid"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"`
	Released int `json:"released"`
}

// Reconcile re-checks submitted and unconfirmed records against their
// receipts. Records stuck in submitting longer than twice the confirmation
// timeout are settled from their stored hash, or released when no
// transaction was ever sent. A record whose nonce was mined by a different
// transaction is failed so its key can be paid again.
func (e *Executor) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	asc := true
	items, err := e.repo.ListPayments(ctx, repository.ListPaymentsParams{
		Statuses: []string{models.PaymentSubmitted, models.PaymentUnconfirmed},
		OrderBy:  "id",
		Asc:      &asc,
		Limit:    200,
	})
	if err != nil {
		return report, err
	}
	cutoff := e.clock.Now().Add(-2 * e.confirmTimeout)
	stuck, err := e.repo.ListPayments(ctx, repository.ListPaymentsParams{
		Statuses:  []string{models.PaymentSubmitting},
		OlderThan: &cutoff,
		OrderBy:   "id",
		Asc:       &asc,
		Limit:     200,
	})
	if err != nil {
		return report, err
	}
	items = append(items, stuck...)

	for i := range items {
		rec := &items[i]
		if e.inFlight(rec.IdempotencyKey) {
			continue
		}
		if rec.TxHash == "" {
			if rec.Status == models.PaymentSubmitting {
				e.release(rec.IdempotencyKey, errors.New("interrupted before submission"))
				report.Released++
			}
			continue
		}
		report.Checked++
		// The confirmed nonce is read before the receipt: if the slot was
		// already filled and the receipt is still missing, another
		// transaction took it.
		taken, err := e.nonceTaken(ctx, rec)
		if err != nil {
			return report, err
		}
		out := e.recheck(ctx, rec)
		if taken && out.Unconfirmed() {
			if e.dropReplaced(ctx, rec) {
				report.Released++
			}
			continue
		}
		switch {
		case out.Kind == Paid:
			report.Paid++
		case out.Unconfirmed():
			report.Pending++
		case errors.Is(out.Err, rewarderr.ErrLedgerUnreachable):
			return report, out.Err
		default:
			report.Failed++
		}
		e.metrics.RecordOutcome(rec.Identity, out)
	}
	if report.Checked > 0 || report.Released > 0 {
		e.logger.Info("payout reconcile done",
			zap.Int("checked", report.Checked),
			zap.Int("paid", report.Paid),
			zap.Int("failed", report.Failed),
			zap.Int("pending", report.Pending),
			zap.Int("released", report.Released),
		)
	}
	return report, nil
}

func (e *Executor) nonceTaken(ctx context.Context, rec *models.RewardPayment) (bool, error) {
	if rec.Nonce == nil {
		return false, nil
	}
	from, ok := e.Address(rec.Identity)
	if !ok {
		return false, nil
	}
	confirmed, err := e.client.ConfirmedNonce(ctx, from)
	if err != nil {
		return false, rewarderr.ErrLedgerUnreachable.Wrap(err)
	}
	return confirmed > *rec.Nonce, nil
}

// dropReplaced fails a record whose transaction can no longer be mined so the
// next payout with its key sends a fresh one.
func (e *Executor) dropReplaced(ctx context.Context, rec *models.RewardPayment) bool {
	ok, err := e.repo.TransitionPayment(ctx, rec.IdempotencyKey,
		[]string{models.PaymentSubmitted, models.PaymentUnconfirmed, models.PaymentSubmitting},
		map[string]any{
			"status":  models.PaymentFailed,
			"error":   fmt.Sprintf("nonce %d used by another transaction", *rec.Nonce),
			"tx_hash": "",
		})
	if err != nil {
		e.logger.Warn("release replaced payment failed", zap.String("key", rec.IdempotencyKey), zap.Error(err))
		return false
	}
	if ok {
		e.logger.Warn("payout transaction replaced",
			zap.String("key", rec.IdempotencyKey),
			zap.String("tx_hash", rec.TxHash),
			zap.Uint64("nonce", *rec.Nonce),
		)
	}
	return ok
}

// ResumePending re-drives records that were created but never claimed, which
// only happens when the process stopped between the two steps.
func (e *Executor) ResumePending(ctx context.Context) (int, error) {
	asc := true
	cutoff := e.clock.Now().Add(-e.pollInterval)
	items, err := e.repo.ListPayments(ctx, repository.ListPaymentsParams{
		Statuses:  []string{models.PaymentPending},
		OlderThan: &cutoff,
		OrderBy:   "id",
		Asc:       &asc,
		Limit:     100,
	})
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, rec := range items {
		if e.inFlight(rec.IdempotencyKey) {
			continue
		}
		if !e.Registered(rec.Identity) {
			e.logger.Warn("pending payout for unregistered identity", zap.String("identity", rec.Identity), zap.String("key", rec.IdempotencyKey))
			continue
		}
		asset, err := ledger.ParseAsset(rec.Asset)
		if err != nil {
			e.logger.Warn("pending payout with unknown asset", zap.String("key", rec.IdempotencyKey), zap.Error(err))
			continue
		}
		out := e.Payout(ctx, Request{
			Identity:       rec.Identity,
			Recipient:      rec.Recipient,
			Amount:         rec.Amount,
			Asset:          asset,
			IdempotencyKey: rec.IdempotencyKey,
			Reason:         rec.Reason,
		})
		if out.Kind == Paid {
			resumed++
		}
	}
	return resumed, nil
}
