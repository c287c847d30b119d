// Package ledger talks to the EVM chain: balances, nonces, fee suggestions,
// transfer construction, receipts and ERC-20 Transfer logs.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"rewardhub/internal/config"
)

type AssetKind string

const (
	AssetNative  AssetKind = "native"
	AssetWrapped AssetKind = "wrapped"
	AssetProject AssetKind = "project"
)

func ParseAsset(raw string) (AssetKind, error) {
	switch AssetKind(strings.ToLower(strings.TrimSpace(raw))) {
	case AssetNative:
		return AssetNative, nil
	case AssetWrapped:
		return AssetWrapped, nil
	case AssetProject, "":
		return AssetProject, nil
	default:
		return "", fmt.Errorf("unknown asset %q", raw)
	}
}

var transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const erc20ABI = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"event","name":"Transfer","anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}]}
]`

// Backend is the subset of the Ethereum RPC used by the client.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Client struct {
	backend   Backend
	closer    func()
	chainID   *big.Int
	token     common.Address
	wrapped   common.Address
	decimals  int32
	gasNative uint64
	gasToken  uint64
	minTip    *big.Int
	erc20     abi.ABI
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to the configured RPC endpoint.
func Dial(cfg config.LedgerConfig) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.RPCURL)
	if endpoint == "" {
		return nil, fmt.Errorf("ledger rpc_url required")
	}
	ec, err := ethclient.Dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	c, err := New(ec, cfg)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close
	return c, nil
}

func New(backend Backend, cfg config.LedgerConfig) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger backend required")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}
	c := &Client{
		backend:   backend,
		chainID:   big.NewInt(cfg.ChainID),
		decimals:  cfg.TokenDecimals,
		gasNative: cfg.GasLimitNative,
		gasToken:  cfg.GasLimitToken,
		minTip:    new(big.Int).Mul(big.NewInt(cfg.MinTipGwei), big.NewInt(1_000_000_000)),
		erc20:     parsed,
	}
	if cfg.ChainID <= 0 {
		c.chainID = big.NewInt(1)
	}
	if c.decimals <= 0 {
		c.decimals = 18
	}
	if c.gasNative == 0 {
		c.gasNative = 21000
	}
	if c.gasToken == 0 {
		c.gasToken = 100000
	}
	if s := strings.TrimSpace(cfg.TokenAddress); s != "" {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid token_address %q", s)
		}
		c.token = common.HexToAddress(s)
	}
	if s := strings.TrimSpace(cfg.WrappedAddress); s != "" {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid wrapped_address %q", s)
		}
		c.wrapped = common.HexToAddress(s)
	}
	return c, nil
}

func (c *Client) Close() {
	if c != nil && c.closer != nil {
		c.closer()
	}
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Contract returns the token contract of an asset; native has none.
func (c *Client) Contract(kind AssetKind) (common.Address, error) {
	switch kind {
	case AssetNative:
		return common.Address{}, nil
	case AssetWrapped:
		if c.wrapped == (common.Address{}) {
			return common.Address{}, fmt.Errorf("wrapped_address not configured")
		}
		return c.wrapped, nil
	case AssetProject:
		if c.token == (common.Address{}) {
			return common.Address{}, fmt.Errorf("token_address not configured")
		}
		return c.token, nil
	}
	return common.Address{}, fmt.Errorf("unknown asset %q", kind)
}

func (c *Client) Decimals(kind AssetKind) int32 {
	if kind == AssetProject {
		return c.decimals
	}
	return 18
}

// ToUnits converts a decimal amount into base units, truncating dust.
func (c *Client) ToUnits(amount decimal.Decimal, kind AssetKind) (*big.Int, error) {
	units := amount.Shift(c.Decimals(kind)).BigInt()
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("amount %s is not positive in base units", amount)
	}
	return units, nil
}

func (c *Client) FromUnits(units *big.Int, kind AssetKind) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -c.Decimals(kind))
}

func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return c.backend.PendingNonceAt(ctx, account)
}

// ConfirmedNonce is the next nonce after the account's mined transactions.
func (c *Client) ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error) {
	return c.backend.NonceAt(ctx, account, nil)
}

func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

// Fees are the EIP-1559 caps of one submission.
type Fees struct {
	Tip    *big.Int
	FeeCap *big.Int
}

// Bump raises both caps by percent, always by at least one wei.
func (f Fees) Bump(percent int64) Fees {
	bump := func(v *big.Int) *big.Int {
		out := new(big.Int).Mul(v, big.NewInt(100+percent))
		out.Div(out, big.NewInt(100))
		if out.Cmp(v) <= 0 {
			out = new(big.Int).Add(v, big.NewInt(1))
		}
		return out
	}
	return Fees{Tip: bump(f.Tip), FeeCap: bump(f.FeeCap)}
}

// SuggestFees returns tip = max(suggested, floor) and cap = 2*baseFee + tip.
func (c *Client) SuggestFees(ctx context.Context) (Fees, error) {
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return Fees{}, fmt.Errorf("suggest tip: %w", err)
	}
	if tip == nil || tip.Cmp(c.minTip) < 0 {
		tip = new(big.Int).Set(c.minTip)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fees{}, fmt.Errorf("fetch head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return Fees{Tip: tip, FeeCap: feeCap}, nil
}

// BuildTransfer builds an unsigned dynamic-fee transaction moving units of
// kind to recipient.
func (c *Client) BuildTransfer(kind AssetKind, to common.Address, units *big.Int, nonce uint64, fees Fees) (*types.Transaction, error) {
	if units == nil || units.Sign() <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive")
	}
	inner := &types.DynamicFeeTx{
		ChainID:   c.ChainID(),
		Nonce:     nonce,
		GasTipCap: new(big.Int).Set(fees.Tip),
		GasFeeCap: new(big.Int).Set(fees.FeeCap),
	}
	if kind == AssetNative {
		recipient := to
		inner.To = &recipient
		inner.Value = new(big.Int).Set(units)
		inner.Gas = c.gasNative
		return types.NewTx(inner), nil
	}
	contract, err := c.Contract(kind)
	if err != nil {
		return nil, err
	}
	data, err := c.erc20.Pack("transfer", to, units)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	inner.To = &contract
	inner.Value = new(big.Int)
	inner.Data = data
	inner.Gas = c.gasToken
	return types.NewTx(inner), nil
}

func (c *Client) Sign(tx *types.Transaction, key *ecdsa.PrivateKey) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
}

func (c *Client) Send(ctx context.Context, tx *types.Transaction) error {
	return c.backend.SendTransaction(ctx, tx)
}

// Receipt returns nil, nil while the transaction is not mined.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return receipt, nil
}

func (c *Client) Balance(ctx context.Context, kind AssetKind, account common.Address) (*big.Int, error) {
	if kind == AssetNative {
		return c.backend.BalanceAt(ctx, account, nil)
	}
	return c.callUint(ctx, kind, "balanceOf", account)
}

func (c *Client) Allowance(ctx context.Context, kind AssetKind, owner, spender common.Address) (*big.Int, error) {
	if kind == AssetNative {
		return nil, fmt.Errorf("native asset has no allowance")
	}
	return c.callUint(ctx, kind, "allowance", owner, spender)
}

func (c *Client) callUint(ctx context.Context, kind AssetKind, method string, args ...any) (*big.Int, error) {
	contract, err := c.Contract(kind)
	if err != nil {
		return nil, err
	}
	data, err := c.erc20.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := c.erc20.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("decode %s: unexpected outputs", method)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode %s: unexpected type %T", method, out[0])
	}
	return v, nil
}

// Transfer is one decoded ERC-20 Transfer event.
type Transfer struct {
	Token       common.Address
	From        common.Address
	To          common.Address
	Value       *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

func decodeTransfer(log *types.Log) (Transfer, bool) {
	if log == nil || len(log.Topics) < 3 || log.Topics[0] != transferEventSignature {
		return Transfer{}, false
	}
	return Transfer{
		Token:       log.Address,
		From:        common.BytesToAddress(log.Topics[1].Bytes()),
		To:          common.BytesToAddress(log.Topics[2].Bytes()),
		Value:       new(big.Int).SetBytes(log.Data),
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
	}, true
}

// TransfersFromReceipt decodes Transfer events emitted by the asset's contract.
func (c *Client) TransfersFromReceipt(receipt *types.Receipt, kind AssetKind) []Transfer {
	if receipt == nil {
		return nil
	}
	contract, err := c.Contract(kind)
	if err != nil || kind == AssetNative {
		return nil
	}
	var out []Transfer
	for _, log := range receipt.Logs {
		if log == nil || log.Address != contract {
			continue
		}
		if t, ok := decodeTransfer(log); ok {
			if t.TxHash == (common.Hash{}) {
				t.TxHash = receipt.TxHash
			}
			out = append(out, t)
		}
	}
	return out
}

// TransfersTo lists Transfer events of kind into recipient within [from, to].
func (c *Client) TransfersTo(ctx context.Context, kind AssetKind, recipient common.Address, from, to uint64) ([]Transfer, error) {
	contract, err := c.Contract(kind)
	if err != nil {
		return nil, err
	}
	if kind == AssetNative {
		return nil, fmt.Errorf("native transfers emit no logs")
	}
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{transferEventSignature}, nil, {common.BytesToHash(recipient.Bytes())}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}
	out := make([]Transfer, 0, len(logs))
	for i := range logs {
		if logs[i].Removed {
			continue
		}
		if t, ok := decodeTransfer(&logs[i]); ok && t.To == recipient {
			out = append(out, t)
		}
	}
	return out, nil
}

// IsUnderpriced matches node rejections that a higher fee can fix.
func IsUnderpriced(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "underpriced")
}

func IsNonceTooLow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low")
}

// IsAlreadyKnown matches a resend of a transaction the node already holds.
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// rejectionMarkers are node replies that refuse a transaction outright.
var rejectionMarkers = []string{
	"nonce too high",
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"gas limit reached",
	"fee cap less than block base fee",
	"max fee per gas less than block base fee",
	"tip higher than fee cap",
	"max priority fee per gas higher than max fee per gas",
	"invalid sender",
	"oversized data",
	"exceeds the configured cap",
	"txpool is full",
}

// IsRejected reports whether the node refused the transaction, so it can
// never be mined. Transport failures are not rejections: the transaction may
// have reached the node before the reply was lost.
func IsRejected(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return true
	}
	if IsUnderpriced(err) || IsNonceTooLow(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rejectionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ValidAddress accepts a hex address other than the zero address.
func ValidAddress(raw string) bool {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return false
	}
	return common.HexToAddress(raw) != (common.Address{})
}

// NewKey generates a secp256k1 key and returns it hex encoded with its address.
func NewKey() (string, common.Address, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", common.Address{}, err
	}
	return common.Bytes2Hex(crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey), nil
}

func ParseKey(raw string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("private key required")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func AddressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
