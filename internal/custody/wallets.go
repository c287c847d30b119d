package custody

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"rewardhub/internal/ledger"
	"rewardhub/internal/models"
	"rewardhub/internal/repository"
	"rewardhub/internal/rewarderr"
)

// Registrar receives unsealed keys; settlement.Executor implements it.
type Registrar interface {
	Register(identity string, key *ecdsa.PrivateKey) error
}

// Identity is the signing identity of a user's custodial wallet.
func Identity(userID uint64) string {
	return fmt.Sprintf("user:%d", userID)
}

type Wallets struct {
	repo      repository.ParticipantRepository
	sealer    *Sealer
	registrar Registrar
	logger    *zap.Logger
}

func NewWallets(repo repository.ParticipantRepository, sealer *Sealer, registrar Registrar, logger *zap.Logger) *Wallets {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Wallets{repo: repo, sealer: sealer, registrar: registrar, logger: logger}
}

func custodialAddress(user *models.User) string {
	if user == nil || user.CustodialAddress == nil {
		return ""
	}
	return strings.TrimSpace(*user.CustodialAddress)
}

// Ensure creates a custodial wallet for the user if none exists and returns
// the current user row.
func (w *Wallets) Ensure(ctx context.Context, userID uint64) (*models.User, error) {
	user, err := w.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, rewarderr.ErrWalletRequired.Wrap(fmt.Errorf("user %d not found", userID))
	}
	if custodialAddress(user) != "" {
		return user, nil
	}
	hexKey, addr, err := ledger.NewKey()
	if err != nil {
		return nil, err
	}
	sealed, err := w.sealer.Seal(Identity(userID), []byte(hexKey))
	if err != nil {
		return nil, err
	}
	if _, err := w.repo.SetCustodialWallet(ctx, userID, addr.Hex(), sealed); err != nil {
		return nil, err
	}
	// A concurrent caller may have won; the stored row is authoritative.
	user, err = w.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	w.logger.Info("custodial wallet ready", zap.Uint64("user_id", userID), zap.String("address", custodialAddress(user)))
	return user, nil
}

// Attach unseals the user's custodial key and registers it with the signer.
// It returns the identity to pay from and the wallet address.
func (w *Wallets) Attach(user *models.User) (string, common.Address, error) {
	addr := custodialAddress(user)
	if addr == "" || strings.TrimSpace(user.CustodialKey) == "" {
		return "", common.Address{}, rewarderr.ErrWalletRequired
	}
	identity := Identity(user.ID)
	key, err := w.unseal(identity, user.CustodialKey)
	if err != nil {
		return "", common.Address{}, err
	}
	derived := ledger.AddressOf(key)
	if !strings.EqualFold(derived.Hex(), addr) {
		return "", common.Address{}, fmt.Errorf("custodial key of user %d does not match %s", user.ID, addr)
	}
	if w.registrar != nil {
		if err := w.registrar.Register(identity, key); err != nil {
			return "", common.Address{}, err
		}
	}
	return identity, derived, nil
}

// RegisterAll attaches every stored custodial wallet. Failures are logged and
// counted, not returned, so one bad row does not block startup.
func (w *Wallets) RegisterAll(ctx context.Context) (int, error) {
	users, err := w.repo.ListUsersWithCustodialWallet(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range users {
		if _, _, err := w.Attach(&users[i]); err != nil {
			w.logger.Warn("attach custodial wallet failed", zap.Uint64("user_id", users[i].ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

func (w *Wallets) unseal(identity, sealed string) (*ecdsa.PrivateKey, error) {
	plain, err := w.sealer.Open(identity, sealed)
	if err != nil {
		return nil, err
	}
	return ledger.ParseKey(string(plain))
}
