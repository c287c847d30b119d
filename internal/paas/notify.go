package paas

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventContestPayout = "contest_payout"
	EventPollPayout    = "poll_payout"
	EventStakeClaim    = "stake_claim"
	EventStakeUnstake  = "stake_unstake"
	EventStakeCreated  = "stake_created"
	EventPointsPayout  = "points_payout"
)

// Notification describes one settled transfer.
type Notification struct {
	Event     string
	UserID    uint64
	Recipient string
	Amount    decimal.Decimal
	Asset     string
	TxHash    string
	Key       string
}

func (n Notification) message() string {
	asset := n.Asset
	if asset == "" {
		asset = "project"
	}
	return fmt.Sprintf("%s: %s %s to user %d (tx %s)", n.Event, n.Amount.String(), asset, n.UserID, n.TxHash)
}

// Notifier is told about settled payouts. Implementations must not block the
// caller for long and never fail it.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Notify broadcasts the payout and records it in the audit log. Errors are
// dropped.
func (c *Client) Notify(ctx context.Context, n Notification) {
	if c == nil {
		return
	}
	ctx2, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, _ = c.Broadcast(ctx2, BroadcastRequest{Message: n.message(), Event: n.Event})
	_ = c.CreateLog(ctx2, CreateLogRequest{
		Action: n.Event,
		Level:  "info",
		Details: map[string]any{
			"user_id":         n.UserID,
			"recipient":       n.Recipient,
			"amount":          n.Amount.String(),
			"asset":           n.Asset,
			"tx_hash":         n.TxHash,
			"idempotency_key": n.Key,
		},
	})
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	if f != nil {
		f(ctx, n)
	}
}
