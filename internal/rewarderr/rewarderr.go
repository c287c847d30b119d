package rewarderr

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindBusinessRule    Kind = "business_rule_violation"
	KindResourceMissing Kind = "resource_missing"
	KindExternal        Kind = "external_unavailable"
	KindSettlement      Kind = "settlement_failure"
	KindDataIntegrity   Kind = "data_integrity_violation"
)

// Error is a classified failure. Sentinels are compared with errors.Is on Code.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return e.Code == t.Code
}

// Wrap returns a copy of the sentinel carrying cause.
func (e *Error) Wrap(cause error) *Error {
	if e == nil {
		return nil
	}
	out := *e
	out.Err = cause
	return &out
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return ""
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// HTTPStatus maps an error to the status code used by the web layer.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindBusinessRule:
		return http.StatusConflict
	case KindResourceMissing:
		return http.StatusNotFound
	case KindExternal:
		return http.StatusServiceUnavailable
	case KindSettlement:
		return http.StatusBadGateway
	case KindDataIntegrity:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrAlreadyActive          = New(KindBusinessRule, "already_active", "already active")
	ErrTooSoon                = New(KindBusinessRule, "too_soon", "cooldown has not elapsed")
	ErrNotSettled             = New(KindBusinessRule, "not_settled", "previous round is not settled yet")
	ErrAlreadyVoted           = New(KindBusinessRule, "already_voted", "already voted in this contest")
	ErrNoActiveContest        = New(KindBusinessRule, "no_active_contest", "no active contest")
	ErrNoActivePoll           = New(KindBusinessRule, "no_active_poll", "no active poll")
	ErrAlreadyPredicted       = New(KindBusinessRule, "already_predicted", "instrument already predicted in this poll")
	ErrInvalidPrice           = New(KindBusinessRule, "invalid_price", "predicted price must not be negative")
	ErrAlreadyStaked          = New(KindBusinessRule, "already_staked", "user already has an active stake")
	ErrNothingToClaim         = New(KindBusinessRule, "nothing_to_claim", "nothing to claim")
	ErrNothingToUnstake       = New(KindBusinessRule, "nothing_to_unstake", "no unlocked stake")
	ErrWalletRequired         = New(KindResourceMissing, "wallet_required", "wallet address required")
	ErrInvalidCandidate       = New(KindResourceMissing, "invalid_candidate", "candidate not found in active contest")
	ErrInstrumentNotFound     = New(KindResourceMissing, "instrument_not_found", "instrument not part of active poll")
	ErrInsufficientCategories = New(KindResourceMissing, "insufficient_categories", "not enough instrument categories")
	ErrNoInstrumentSelected   = New(KindResourceMissing, "no_instrument_selected", "category has no instruments")
	ErrPriceUnavailable       = New(KindExternal, "price_unavailable", "price unavailable")
	ErrLedgerUnreachable      = New(KindExternal, "ledger_unreachable", "ledger unreachable")
	ErrUnconfirmed            = New(KindSettlement, "unconfirmed", "transaction not confirmed in time")
	ErrTransferFailed         = New(KindSettlement, "transfer_failed", "transfer failed")
	ErrDuplicateKey           = New(KindDataIntegrity, "duplicate_key", "idempotency key already in flight")
	ErrInvalidAmount          = New(KindDataIntegrity, "invalid_amount", "amount must be positive")
	ErrMalformedAddress       = New(KindDataIntegrity, "malformed_address", "malformed address")
	ErrMissingKey             = New(KindDataIntegrity, "missing_key", "idempotency key required")
	ErrInvalidTxHash          = New(KindDataIntegrity, "invalid_tx_hash", "malformed transaction hash")
)
