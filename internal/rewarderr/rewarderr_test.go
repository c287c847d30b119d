package rewarderr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsIdentity(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("settle payout: %w", ErrLedgerUnreachable.Wrap(cause))

	if !errors.Is(err, ErrLedgerUnreachable) {
		t.Fatalf("wrapped error lost sentinel identity")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("wrapped error lost cause")
	}
	if errors.Is(err, ErrTransferFailed) {
		t.Fatalf("unexpected match with another sentinel")
	}
	if ErrLedgerUnreachable.Err != nil {
		t.Fatalf("Wrap mutated the sentinel")
	}
	if got := KindOf(err); got != KindExternal {
		t.Fatalf("kind=%q want=%q", got, KindExternal)
	}
	if got := CodeOf(err); got != "ledger_unreachable" {
		t.Fatalf("code=%q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrAlreadyVoted, http.StatusConflict},
		{ErrInvalidCandidate, http.StatusNotFound},
		{ErrPriceUnavailable, http.StatusServiceUnavailable},
		{ErrUnconfirmed, http.StatusBadGateway},
		{ErrInvalidAmount, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("%v: status=%d want=%d", tc.err, got, tc.want)
		}
	}
}
