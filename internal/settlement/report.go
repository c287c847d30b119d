package settlement

import (
	"github.com/shopspring/decimal"
)

// Line is one payout as reported back to callers of a distribution.
type Line struct {
	Key    string          `json:"key"`
	Role   string          `json:"role,omitempty"`
	UserID uint64          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
	Kind   OutcomeKind     `json:"kind"`
	Reason string          `json:"reason,omitempty"`
	TxHash string          `json:"tx_hash,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func LineFor(req Request, role string, userID uint64, out Outcome) Line {
	l := Line{
		Key:    req.IdempotencyKey,
		Role:   role,
		UserID: userID,
		Amount: req.Amount,
		Kind:   out.Kind,
		Reason: out.Reason,
	}
	if out.Receipt != nil {
		l.TxHash = out.Receipt.TxHash
	}
	if out.Err != nil {
		l.Error = out.Err.Error()
	}
	return l
}

// Totals counts lines by kind; PaidAmount sums paid lines only.
type Totals struct {
	Paid       int             `json:"paid"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
}

func (t *Totals) Add(l Line) {
	switch l.Kind {
	case Paid:
		t.Paid++
		t.PaidAmount = t.PaidAmount.Add(l.Amount)
	case Skipped:
		t.Skipped++
	default:
		t.Failed++
	}
}
