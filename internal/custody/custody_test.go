package custody

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"rewardhub/internal/db/dbtest"
	"rewardhub/internal/ledger"
	"rewardhub/internal/models"
	gormrepository "rewardhub/internal/repository/gorm"
)

var (
	keyA = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	keyB = base64.StdEncoding.EncodeToString([]byte("fedcba9876543210fedcba9876543210"))
)

func TestSealerRotation(t *testing.T) {
	old, err := NewSealer(keyA, "")
	require.NoError(t, err)
	sealed, err := old.Seal("user:1", []byte("secret"))
	require.NoError(t, err)

	rotated, err := NewSealer(keyB, keyA)
	require.NoError(t, err)
	plain, err := rotated.Open("user:1", sealed)
	require.NoError(t, err)
	require.Equal(t, "secret", string(plain))

	_, err = rotated.Open("user:2", sealed)
	require.Error(t, err, "aad must bind the value to its owner")

	resealed, changed, err := rotated.Reseal("user:1", sealed)
	require.NoError(t, err)
	require.True(t, changed)
	_, changed, err = rotated.Reseal("user:1", resealed)
	require.NoError(t, err)
	require.False(t, changed)

	fresh, err := NewSealer(keyB, "")
	require.NoError(t, err)
	_, err = fresh.Open("user:1", sealed)
	require.Error(t, err)
}

func TestSealerRequiresKey(t *testing.T) {
	_, err := NewSealer("", "")
	require.ErrorIs(t, err, ErrNoKey)
	_, err = NewSealer("short", "")
	require.Error(t, err)
}

func TestProtectSettingOnlySealsSecrets(t *testing.T) {
	s, err := NewSealer(keyA, "")
	require.NoError(t, err)

	raw := []byte(`"1000"`)
	out, err := s.ProtectSetting("contest.pool_size", raw)
	require.NoError(t, err)
	require.Equal(t, raw, out)

	secret := []byte(`"abc"`)
	out, err = s.ProtectSetting("paas.api_key", secret)
	require.NoError(t, err)
	require.NotEqual(t, secret, out)
	require.Equal(t, secret, s.RevealSetting("paas.api_key", out))
	require.Equal(t, secret, s.RevealSetting("paas.api_key", secret))
}

type registrar struct {
	keys map[string]*ecdsa.PrivateKey
}

func (r *registrar) Register(identity string, key *ecdsa.PrivateKey) error {
	r.keys[identity] = key
	return nil
}

func TestWalletsEnsureAndAttach(t *testing.T) {
	ctx := context.Background()
	g := dbtest.Open(t)
	store := gormrepository.New(g)
	user := &models.User{Username: "alice"}
	require.NoError(t, g.Create(user).Error)

	sealer, err := NewSealer(keyA, "")
	require.NoError(t, err)
	reg := &registrar{keys: map[string]*ecdsa.PrivateKey{}}
	wallets := NewWallets(store, sealer, reg, nil)

	got, err := wallets.Ensure(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CustodialAddress)
	require.Contains(t, got.CustodialKey, "aes-gcm-v1")

	again, err := wallets.Ensure(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, *got.CustodialAddress, *again.CustodialAddress)

	identity, addr, err := wallets.Attach(again)
	require.NoError(t, err)
	require.Equal(t, "user:1", identity)
	require.Equal(t, addr, ledger.AddressOf(reg.keys[identity]))

	n, err := wallets.RegisterAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
