package staking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"rewardhub/internal/ledger"
	"rewardhub/internal/rewarderr"
	"rewardhub/internal/service"
)

// Listener confirms deposits sent straight to the holding address by walking
// Transfer logs from a stored block cursor.
type Listener struct {
	Ledger   *Ledger
	Settings *service.SystemSettingsService
	Logger   *zap.Logger
	// Blocks bounds one scan window.
	Blocks uint64
}

type ScanReport struct {
	From      uint64 `json:"from"`
	To        uint64 `json:"to"`
	Transfers int    `json:"transfers"`
	Confirmed int    `json:"confirmed"`
	Ignored   int    `json:"ignored"`
}

func (s *Listener) Scan(ctx context.Context, now time.Time) (ScanReport, error) {
	var report ScanReport
	l := s.Ledger
	if l == nil || l.Chain == nil || !common.IsHexAddress(l.Holding) {
		return report, nil
	}
	head, err := l.Chain.HeadBlock(ctx)
	if err != nil {
		return report, rewarderr.ErrLedgerUnreachable.Wrap(err)
	}
	window := s.Blocks
	if window == 0 {
		window = 2000
	}
	cursor, ok, err := s.Settings.Uint64(ctx, service.SettingDepositCursor)
	if err != nil {
		return report, err
	}
	if !ok {
		// First run starts one window behind head.
		if head > window {
			cursor = head - window
		}
	}
	if cursor >= head {
		return report, nil
	}
	report.From = cursor + 1
	report.To = head
	if report.To-report.From+1 > window {
		report.To = report.From + window - 1
	}

	transfers, err := l.Chain.TransfersTo(ctx, ledger.AssetProject, common.HexToAddress(l.Holding), report.From, report.To)
	if err != nil {
		return report, rewarderr.ErrLedgerUnreachable.Wrap(err)
	}
	report.Transfers = len(transfers)
	seen := map[common.Hash]bool{}
	for _, t := range transfers {
		if seen[t.TxHash] {
			continue
		}
		seen[t.TxHash] = true
		userID, err := s.sender(ctx, t.From)
		if err != nil {
			return report, err
		}
		if userID == 0 {
			report.Ignored++
			continue
		}
		_, err = l.ConfirmDeposit(ctx, userID, t.TxHash.Hex(), now)
		switch {
		case err == nil:
			report.Confirmed++
		case rewarderr.KindOf(err) == rewarderr.KindExternal, errors.Is(err, rewarderr.ErrUnconfirmed):
			// Retry the window on the next run.
			return report, err
		default:
			report.Ignored++
			s.logger().Info("deposit not confirmed",
				zap.Uint64("user_id", userID),
				zap.String("tx_hash", t.TxHash.Hex()),
				zap.String("code", rewarderr.CodeOf(err)),
				zap.Error(err),
			)
		}
	}
	if err := s.Settings.SetUint64(ctx, service.SettingDepositCursor, report.To); err != nil {
		return report, err
	}
	if report.Confirmed > 0 || report.Ignored > 0 {
		s.logger().Info("deposit scan", zap.Uint64("from", report.From), zap.Uint64("to", report.To), zap.Int("confirmed", report.Confirmed), zap.Int("ignored", report.Ignored))
	}
	return report, nil
}

func (s *Listener) sender(ctx context.Context, from common.Address) (uint64, error) {
	addr := strings.ToLower(from.Hex())
	u, err := s.Ledger.Store.GetUserByWalletAddress(ctx, addr)
	if err != nil {
		return 0, err
	}
	if u == nil {
		if u, err = s.Ledger.Store.GetUserByCustodialAddress(ctx, addr); err != nil {
			return 0, err
		}
	}
	if u == nil {
		return 0, nil
	}
	return u.ID, nil
}

func (s *Listener) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
