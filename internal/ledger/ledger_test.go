package ledger_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"rewardhub/internal/config"
	"rewardhub/internal/ledger"
	"rewardhub/internal/ledger/ledgertest"
)

var (
	token     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func newClient(t *testing.T, backend *ledgertest.Backend) *ledger.Client {
	t.Helper()
	c, err := ledger.New(backend, config.LedgerConfig{
		ChainID:       1337,
		TokenAddress:  token.Hex(),
		TokenDecimals: 6,
		MinTipGwei:    2,
	})
	require.NoError(t, err)
	return c
}

func TestSuggestFeesAppliesTipFloor(t *testing.T) {
	backend := ledgertest.New(1337)
	c := newClient(t, backend)

	fees, err := c.SuggestFees(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2000000000", fees.Tip.String())
	// 2 * 10 gwei base fee + 2 gwei tip
	require.Equal(t, "22000000000", fees.FeeCap.String())

	bumped := fees.Bump(15)
	require.Equal(t, "2300000000", bumped.Tip.String())
	require.Equal(t, "25300000000", bumped.FeeCap.String())
}

func TestBuildTransferEncodesERC20Call(t *testing.T) {
	c := newClient(t, ledgertest.New(1337))
	units, err := c.ToUnits(decimal.RequireFromString("12.5"), ledger.AssetProject)
	require.NoError(t, err)
	require.Equal(t, "12500000", units.String())

	tx, err := c.BuildTransfer(ledger.AssetProject, recipient, units, 7, ledger.Fees{Tip: big.NewInt(1), FeeCap: big.NewInt(2)})
	require.NoError(t, err)
	require.Equal(t, token, *tx.To())
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, uint64(100000), tx.Gas())
	require.Zero(t, tx.Value().Sign())
	require.Len(t, tx.Data(), 4+32+32)
	require.Equal(t, recipient, common.BytesToAddress(tx.Data()[4:36]))
	require.Equal(t, units.String(), new(big.Int).SetBytes(tx.Data()[36:]).String())

	native, err := c.BuildTransfer(ledger.AssetNative, recipient, big.NewInt(5), 0, ledger.Fees{Tip: big.NewInt(1), FeeCap: big.NewInt(2)})
	require.NoError(t, err)
	require.Equal(t, recipient, *native.To())
	require.Equal(t, uint64(21000), native.Gas())
	require.Empty(t, native.Data())

	_, err = c.BuildTransfer(ledger.AssetWrapped, recipient, big.NewInt(5), 0, ledger.Fees{Tip: big.NewInt(1), FeeCap: big.NewInt(2)})
	require.Error(t, err, "wrapped asset is not configured")
}

func TestToUnitsRejectsDust(t *testing.T) {
	c := newClient(t, ledgertest.New(1337))
	_, err := c.ToUnits(decimal.RequireFromString("0.0000001"), ledger.AssetProject)
	require.Error(t, err)
	require.True(t, c.FromUnits(big.NewInt(1_500_000), ledger.AssetProject).Equal(decimal.RequireFromString("1.5")))
}

func TestSignedTransferIsAccepted(t *testing.T) {
	backend := ledgertest.New(1337)
	c := newClient(t, backend)
	hexKey, addr, err := ledger.NewKey()
	require.NoError(t, err)
	key, err := ledger.ParseKey("0x" + hexKey)
	require.NoError(t, err)
	require.Equal(t, addr, ledger.AddressOf(key))

	ctx := context.Background()
	fees, err := c.SuggestFees(ctx)
	require.NoError(t, err)
	tx, err := c.BuildTransfer(ledger.AssetProject, recipient, big.NewInt(10), 0, fees)
	require.NoError(t, err)
	signed, err := c.Sign(tx, key)
	require.NoError(t, err)
	require.NoError(t, c.Send(ctx, signed))

	receipt, err := c.Receipt(ctx, signed.Hash())
	require.NoError(t, err)
	require.NotNil(t, receipt)

	missing, err := c.Receipt(ctx, common.HexToHash("0x01"))
	require.NoError(t, err)
	require.Nil(t, missing)

	err = c.Send(ctx, signed)
	require.True(t, ledger.IsNonceTooLow(err), "replay err=%v", err)
}

func TestTransferDecoding(t *testing.T) {
	backend := ledgertest.New(1337)
	c := newClient(t, backend)
	sender := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	other := common.HexToAddress("0x00000000000000000000000000000000000000dd")

	hash := backend.AddTransfer(token, sender, recipient, big.NewInt(42))
	backend.AddTransfer(token, sender, other, big.NewInt(7))
	backend.AddTransfer(other, sender, recipient, big.NewInt(9))

	ctx := context.Background()
	receipt, err := c.Receipt(ctx, hash)
	require.NoError(t, err)
	transfers := c.TransfersFromReceipt(receipt, ledger.AssetProject)
	require.Len(t, transfers, 1)
	require.Equal(t, sender, transfers[0].From)
	require.Equal(t, "42", transfers[0].Value.String())

	head, err := c.HeadBlock(ctx)
	require.NoError(t, err)
	logs, err := c.TransfersTo(ctx, ledger.AssetProject, recipient, 0, head)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, hash, logs[0].TxHash)
}

func TestBalanceOf(t *testing.T) {
	backend := ledgertest.New(1337)
	c := newClient(t, backend)
	backend.SetTokenBalance(recipient, big.NewInt(3_000_000))

	bal, err := c.Balance(context.Background(), ledger.AssetProject, recipient)
	require.NoError(t, err)
	require.Equal(t, "3000000", bal.String())

	allowance, err := c.Allowance(context.Background(), ledger.AssetProject, recipient, common.HexToAddress("0x00000000000000000000000000000000000000cc"))
	require.NoError(t, err)
	require.Equal(t, "3000000", allowance.String())
	_, err = c.Allowance(context.Background(), ledger.AssetNative, recipient, recipient)
	require.Error(t, err)

	backend.SetBalance(recipient, big.NewInt(42))
	native, err := c.Balance(context.Background(), ledger.AssetNative, recipient)
	require.NoError(t, err)
	require.Equal(t, "42", native.String())

	backend.FailCalls(errors.New("connection refused"))
	_, err = c.Balance(context.Background(), ledger.AssetProject, recipient)
	require.Error(t, err)
}

func TestErrorClassifiers(t *testing.T) {
	require.True(t, ledger.IsUnderpriced(errors.New("replacement transaction underpriced")))
	require.True(t, ledger.IsUnderpriced(errors.New("transaction underpriced")))
	require.False(t, ledger.IsUnderpriced(errors.New("insufficient funds")))
	require.True(t, ledger.IsNonceTooLow(errors.New("nonce too low: next nonce 4")))
	require.True(t, ledger.IsAlreadyKnown(errors.New("already known")))
	require.True(t, ledger.ValidAddress(" 0x00000000000000000000000000000000000000bb "))
	require.False(t, ledger.ValidAddress("0x123"))
	require.False(t, ledger.ValidAddress("0x0000000000000000000000000000000000000000"))

	require.True(t, ledger.IsRejected(errors.New("insufficient funds for gas * price + value")))
	require.True(t, ledger.IsRejected(errors.New("nonce too low")))
	require.True(t, ledger.IsRejected(rpcError{code: -32000, msg: "something new"}))
	require.False(t, ledger.IsRejected(errors.New("Post \"https://rpc\": read tcp: i/o timeout")))
	require.False(t, ledger.IsRejected(context.DeadlineExceeded))
	require.False(t, ledger.IsRejected(nil))

	_, err := ledger.ParseAsset("dogecoin")
	require.Error(t, err)
	kind, err := ledger.ParseAsset("")
	require.NoError(t, err)
	require.Equal(t, ledger.AssetProject, kind)
}

type rpcError struct {
	code int
	msg  string
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }
