// Package settlementtest provides an in-memory settlement.Payer for manager
// tests.
package settlementtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"rewardhub/internal/ledger"
	"rewardhub/internal/settlement"
)

// Payer settles every valid request immediately and remembers paid keys the
// way the executor does. Outcome, when set, can override the result of a
// request before it is paid; returning nil pays normally.
type Payer struct {
	Outcome func(req settlement.Request) *settlement.Outcome

	mu    sync.Mutex
	paid  map[string]settlement.Outcome
	calls []settlement.Request
	sent  []settlement.Request
	nonce uint64
}

func New() *Payer {
	return &Payer{paid: map[string]settlement.Outcome{}}
}

func (p *Payer) Payout(_ context.Context, req settlement.Request) settlement.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if out, ok := p.paid[req.IdempotencyKey]; ok {
		return out
	}
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		return settlement.Outcome{Kind: settlement.Skipped, Reason: "missing_recipient"}
	}
	if !ledger.ValidAddress(recipient) {
		return settlement.Outcome{Kind: settlement.Skipped, Reason: "malformed_recipient"}
	}
	if p.Outcome != nil {
		if out := p.Outcome(req); out != nil {
			return *out
		}
	}
	out := settlement.Outcome{
		Kind:    settlement.Paid,
		Receipt: &settlement.Receipt{TxHash: fmt.Sprintf("0x%064x", p.nonce+1), Nonce: p.nonce},
	}
	p.nonce++
	p.paid[req.IdempotencyKey] = out
	p.sent = append(p.sent, req)
	return out
}

// Sent returns the requests that were paid, in order.
func (p *Payer) Sent() []settlement.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]settlement.Request(nil), p.sent...)
}

// Calls returns every request received, including repeats and skips.
func (p *Payer) Calls() []settlement.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]settlement.Request(nil), p.calls...)
}

// PaidTo sums the amounts paid to recipient.
func (p *Payer) PaidTo(recipient string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := decimal.Zero
	for _, r := range p.sent {
		if strings.EqualFold(r.Recipient, recipient) {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}
