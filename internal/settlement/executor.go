// Package settlement moves reward amounts on chain. Every payout is keyed by an
// idempotency key persisted in reward_payments, and every signing identity is
// driven by a single goroutine so its nonces never collide.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rewardhub/internal/config"
	"rewardhub/internal/ledger"
	"rewardhub/internal/models"
	"rewardhub/internal/repository"
	"rewardhub/internal/rewarderr"
)

// HoldingIdentity signs payouts from the project's holding wallet.
const HoldingIdentity = "holding"

type OutcomeKind string

const (
	Paid    OutcomeKind = "paid"
	Skipped OutcomeKind = "skipped"
	Failed  OutcomeKind = "failed"
)

// Receipt identifies the transaction that settled a payout.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	Nonce       uint64 `json:"nonce"`
	BlockNumber uint64 `json:"block_number,omitempty"`
}

type Outcome struct {
	Kind    OutcomeKind
	Receipt *Receipt
	Reason  string
	Err     error
}

// Unconfirmed reports a submitted transaction whose receipt never arrived.
// It may still land, so callers must not treat it as a clean failure.
func (o Outcome) Unconfirmed() bool {
	return o.Kind == Failed && errors.Is(o.Err, rewarderr.ErrUnconfirmed)
}

func paidOutcome(r Receipt) Outcome {
	return Outcome{Kind: Paid, Receipt: &r}
}

func skippedOutcome(reason string) Outcome {
	return Outcome{Kind: Skipped, Reason: reason}
}

func failedOutcome(err error) Outcome {
	reason := rewarderr.CodeOf(err)
	if reason == "" {
		reason = "error"
	}
	return Outcome{Kind: Failed, Reason: reason, Err: err}
}

// Request is one logical transfer. IdempotencyKey must be stable across retries.
type Request struct {
	Identity       string
	Recipient      string
	Amount         decimal.Decimal
	Asset          ledger.AssetKind
	IdempotencyKey string
	Reason         string
}

// Payer settles a Request. *Executor is the production implementation.
type Payer interface {
	Payout(ctx context.Context, req Request) Outcome
}

var _ Payer = (*Executor)(nil)

type Option func(*Executor)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func WithClock(clock clockwork.Clock) Option {
	return func(e *Executor) { e.clock = clock }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

type Executor struct {
	client  *ledger.Client
	repo    repository.PaymentRepository
	logger  *zap.Logger
	metrics *Metrics
	clock   clockwork.Clock

	bumpPercent    int64
	maxBumps       int
	confirmTimeout time.Duration
	pollInterval   time.Duration
	queueSize      int

	mu       sync.Mutex
	keys     map[string]*ecdsa.PrivateKey
	actors   map[string]*actor
	inflight map[string]struct{}
	closed   bool
	quit     chan struct{}
	wg       sync.WaitGroup
}

func NewExecutor(client *ledger.Client, repo repository.PaymentRepository, cfg config.LedgerConfig, opts ...Option) *Executor {
	e := &Executor{
		client:         client,
		repo:           repo,
		bumpPercent:    cfg.BumpPercent,
		maxBumps:       cfg.MaxFeeBumps,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		queueSize:      cfg.QueueSize,
		keys:           map[string]*ecdsa.PrivateKey{},
		actors:         map[string]*actor{},
		inflight:       map[string]struct{}{},
		quit:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.metrics == nil {
		e.metrics = DefaultMetrics()
	}
	if e.bumpPercent <= 0 {
		e.bumpPercent = 15
	}
	if e.maxBumps < 0 {
		e.maxBumps = 0
	}
	if e.confirmTimeout <= 0 {
		e.confirmTimeout = 180 * time.Second
	}
	if e.pollInterval <= 0 {
		e.pollInterval = 3 * time.Second
	}
	if e.queueSize <= 0 {
		e.queueSize = 64
	}
	return e
}

// Register makes identity available for payouts. Registering the same key
// twice is a no-op; a different key for a known identity is rejected.
func (e *Executor) Register(identity string, key *ecdsa.PrivateKey) error {
	identity = strings.TrimSpace(identity)
	if identity == "" || key == nil {
		return fmt.Errorf("identity and key required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.keys[identity]; ok {
		if ledger.AddressOf(cur) != ledger.AddressOf(key) {
			return fmt.Errorf("identity %s already registered with another key", identity)
		}
		return nil
	}
	e.keys[identity] = key
	return nil
}

func (e *Executor) Registered(identity string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.keys[identity]
	return ok
}

// Address returns the on-chain address signing for identity.
func (e *Executor) Address(identity string) (common.Address, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok := e.keys[identity]
	if !ok {
		return common.Address{}, false
	}
	return ledger.AddressOf(key), true
}

// Close stops all identity goroutines once their current payout finishes.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.quit)
	e.mu.Unlock()
	e.wg.Wait()
}

// Payout settles req and never panics or returns an error; the outcome
// carries the result.
func (e *Executor) Payout(ctx context.Context, req Request) Outcome {
	out := e.payout(ctx, req)
	e.metrics.RecordOutcome(req.Identity, out)
	fields := []zap.Field{
		zap.String("identity", req.Identity),
		zap.String("key", req.IdempotencyKey),
		zap.String("recipient", req.Recipient),
		zap.String("amount", req.Amount.String()),
		zap.String("kind", string(out.Kind)),
	}
	if out.Receipt != nil {
		fields = append(fields, zap.String("tx_hash", out.Receipt.TxHash), zap.Uint64("nonce", out.Receipt.Nonce))
	}
	switch out.Kind {
	case Paid:
		e.logger.Info("payout settled", fields...)
	case Skipped:
		e.logger.Warn("payout skipped", append(fields, zap.String("reason", out.Reason))...)
	default:
		e.logger.Warn("payout failed", append(fields, zap.Error(out.Err))...)
	}
	return out
}

func (e *Executor) payout(ctx context.Context, req Request) Outcome {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.Identity = strings.TrimSpace(req.Identity)
	if req.IdempotencyKey == "" {
		return failedOutcome(rewarderr.ErrMissingKey)
	}
	if !req.Amount.IsPositive() {
		return failedOutcome(rewarderr.ErrInvalidAmount)
	}
	if req.Asset == "" {
		req.Asset = ledger.AssetProject
	}

	rec, err := e.repo.GetPaymentByKey(ctx, req.IdempotencyKey)
	if err != nil {
		return failedOutcome(fmt.Errorf("load payment record: %w", err))
	}
	if rec != nil {
		switch rec.Status {
		case models.PaymentPaid:
			return paidOutcome(receiptOf(rec))
		case models.PaymentSubmitting:
			return failedOutcome(rewarderr.ErrDuplicateKey)
		case models.PaymentSubmitted, models.PaymentUnconfirmed:
			if rec.TxHash != "" {
				return e.recheck(ctx, rec)
			}
		}
	}

	recipient := strings.TrimSpace(req.Recipient)
	if !ledger.ValidAddress(recipient) {
		reason := "malformed_recipient"
		if recipient == "" {
			reason = "missing_recipient"
		}
		if err := e.recordSkip(ctx, rec, req, reason); err != nil {
			return failedOutcome(fmt.Errorf("record skip: %w", err))
		}
		return skippedOutcome(reason)
	}

	key, ok := e.key(req.Identity)
	if !ok {
		return failedOutcome(rewarderr.ErrTransferFailed.Wrap(fmt.Errorf("unknown identity %q", req.Identity)))
	}
	units, err := e.client.ToUnits(req.Amount, req.Asset)
	if err != nil {
		return failedOutcome(rewarderr.ErrInvalidAmount.Wrap(err))
	}

	attempts := 0
	if rec == nil {
		item := &models.RewardPayment{
			IdempotencyKey: req.IdempotencyKey,
			Identity:       req.Identity,
			Recipient:      recipient,
			Asset:          string(req.Asset),
			Amount:         req.Amount,
			Reason:         req.Reason,
			Status:         models.PaymentPending,
		}
		created, err := e.repo.CreatePayment(ctx, item)
		if err != nil {
			return failedOutcome(fmt.Errorf("create payment record: %w", err))
		}
		if !created {
			return failedOutcome(rewarderr.ErrDuplicateKey)
		}
	} else {
		attempts = rec.Attempts
	}

	claimed, err := e.repo.TransitionPayment(ctx, req.IdempotencyKey,
		[]string{models.PaymentPending, models.PaymentFailed, models.PaymentSkipped},
		map[string]any{
			"status":    models.PaymentSubmitting,
			"attempts":  attempts + 1,
			"identity":  req.Identity,
			"recipient": recipient,
			"asset":     string(req.Asset),
			"amount":    req.Amount,
			"error":     "",
			"tx_hash":   "",
		})
	if err != nil {
		return failedOutcome(fmt.Errorf("claim payment record: %w", err))
	}
	if !claimed {
		return failedOutcome(rewarderr.ErrDuplicateKey)
	}

	a, err := e.actorFor(req.Identity, key)
	if err != nil {
		e.release(req.IdempotencyKey, err)
		return failedOutcome(rewarderr.ErrLedgerUnreachable.Wrap(err))
	}
	j := newJob(ctx, req, common.HexToAddress(recipient), units)
	e.track(req.IdempotencyKey, true)
	defer e.track(req.IdempotencyKey, false)
	return a.submit(ctx, j)
}

func (e *Executor) recordSkip(ctx context.Context, rec *models.RewardPayment, req Request, reason string) error {
	if rec == nil {
		_, err := e.repo.CreatePayment(ctx, &models.RewardPayment{
			IdempotencyKey: req.IdempotencyKey,
			Identity:       req.Identity,
			Recipient:      strings.TrimSpace(req.Recipient),
			Asset:          string(req.Asset),
			Amount:         req.Amount,
			Reason:         req.Reason,
			Status:         models.PaymentSkipped,
			Error:          reason,
		})
		return err
	}
	_, err := e.repo.TransitionPayment(ctx, req.IdempotencyKey,
		[]string{models.PaymentPending, models.PaymentFailed, models.PaymentSkipped},
		map[string]any{"status": models.PaymentSkipped, "error": reason, "recipient": strings.TrimSpace(req.Recipient)})
	return err
}

// recheck looks up the receipt of an already submitted transaction instead of
// sending a second one.
func (e *Executor) recheck(ctx context.Context, rec *models.RewardPayment) Outcome {
	hash := common.HexToHash(rec.TxHash)
	receipt, err := e.client.Receipt(ctx, hash)
	if err != nil {
		return failedOutcome(rewarderr.ErrLedgerUnreachable.Wrap(err))
	}
	r := receiptOf(rec)
	from := []string{models.PaymentSubmitted, models.PaymentUnconfirmed, models.PaymentSubmitting}
	if receipt == nil {
		_, _ = e.repo.TransitionPayment(ctx, rec.IdempotencyKey, from, map[string]any{"status": models.PaymentUnconfirmed})
		out := failedOutcome(rewarderr.ErrUnconfirmed)
		out.Receipt = &r
		return out
	}
	if receipt.BlockNumber != nil {
		r.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != 1 {
		err := fmt.Errorf("transaction %s reverted", rec.TxHash)
		_, _ = e.repo.TransitionPayment(ctx, rec.IdempotencyKey, from, map[string]any{"status": models.PaymentFailed, "error": err.Error()})
		return failedOutcome(rewarderr.ErrTransferFailed.Wrap(err))
	}
	if _, err := e.repo.TransitionPayment(ctx, rec.IdempotencyKey, from, map[string]any{"status": models.PaymentPaid}); err != nil {
		e.logger.Warn("mark payment paid failed", zap.String("key", rec.IdempotencyKey), zap.Error(err))
	}
	return paidOutcome(r)
}

// release hands a claimed record back so a later call can retry it.
func (e *Executor) release(key string, cause error) {
	msg := "released"
	if cause != nil {
		msg = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e.repo.TransitionPayment(ctx, key, []string{models.PaymentSubmitting}, map[string]any{
		"status": models.PaymentFailed,
		"error":  msg,
	}); err != nil {
		e.logger.Warn("release payment record failed", zap.String("key", key), zap.Error(err))
	}
}

func (e *Executor) key(identity string) (*ecdsa.PrivateKey, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok := e.keys[identity]
	return key, ok
}

func (e *Executor) actorFor(identity string, key *ecdsa.PrivateKey) (*actor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("executor closed")
	}
	if a, ok := e.actors[identity]; ok {
		return a, nil
	}
	a := &actor{
		e:        e,
		identity: identity,
		key:      key,
		from:     ledger.AddressOf(key),
		jobs:     make(chan *job, e.queueSize),
		stopped:  make(chan struct{}),
	}
	e.actors[identity] = a
	e.wg.Add(1)
	go a.run()
	return a, nil
}

func (e *Executor) track(key string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.inflight[key] = struct{}{}
		return
	}
	delete(e.inflight, key)
}

func (e *Executor) inFlight(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[key]
	return ok
}

func receiptOf(rec *models.RewardPayment) Receipt {
	r := Receipt{TxHash: rec.TxHash}
	if rec.Nonce != nil {
		r.Nonce = *rec.Nonce
	}
	return r
}
