// Package ledgertest provides an in-memory ledger.Backend for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Backend accepts signed transactions, tracks nonces per sender and mines each
// accepted transaction into its own block unless Manual is set.
type Backend struct {
	ChainID *big.Int
	BaseFee *big.Int
	Tip     *big.Int
	// Manual leaves accepted transactions unmined until Mine is called.
	Manual bool
	// SendHook runs before a transaction is accepted; a non-nil error rejects it.
	SendHook func(tx *types.Transaction, from common.Address) error
	// AckHook runs after a transaction is accepted; a non-nil error is
	// returned to the sender as if the reply was lost on the way back.
	AckHook func(tx *types.Transaction) error
	// Status decides the receipt status of a mined transaction.
	Status func(tx *types.Transaction) uint64

	mu       sync.Mutex
	head     uint64
	nonces   map[common.Address]uint64
	mined    map[common.Address]uint64
	sent     []Sent
	pending  map[common.Hash]Sent
	receipts map[common.Hash]*types.Receipt
	logs     []types.Log
	balances map[common.Address]*big.Int
	token    map[common.Address]*big.Int
	tokenErr error
}

// Sent records an accepted transaction with its recovered sender.
type Sent struct {
	Tx   *types.Transaction
	From common.Address
}

func New(chainID int64) *Backend {
	return &Backend{
		ChainID:  big.NewInt(chainID),
		BaseFee:  big.NewInt(10_000_000_000),
		Tip:      big.NewInt(1_000_000_000),
		head:     100,
		nonces:   map[common.Address]uint64{},
		mined:    map[common.Address]uint64{},
		pending:  map[common.Hash]Sent{},
		receipts: map[common.Hash]*types.Receipt{},
		balances: map[common.Address]*big.Int{},
		token:    map[common.Address]*big.Int{},
	}
}

func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

// NonceAt returns the next nonce after the account's mined transactions.
func (b *Backend) NonceAt(_ context.Context, account common.Address, _ *big.Int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mined[account], nil
}

// SetNonce moves an account's next nonce, e.g. to simulate sends from
// another process.
func (b *Backend) SetNonce(account common.Address, nonce uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonces[account] = nonce
}

func (b *Backend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.Tip), nil
}

func (b *Backend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(b.head), BaseFee: new(big.Int).Set(b.BaseFee)}, nil
}

func (b *Backend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	from, err := types.Sender(types.LatestSignerForChainID(b.ChainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if b.SendHook != nil {
		if err := b.SendHook(tx, from); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	want := b.nonces[from]
	switch {
	case tx.Nonce() < want:
		return errors.New("nonce too low")
	case tx.Nonce() > want:
		return errors.New("nonce too high")
	}
	b.nonces[from] = want + 1
	s := Sent{Tx: tx, From: from}
	b.sent = append(b.sent, s)
	if b.Manual {
		b.pending[tx.Hash()] = s
	} else {
		b.mineLocked(s)
	}
	if b.AckHook != nil {
		return b.AckHook(tx)
	}
	return nil
}

// Mine mines every pending transaction.
func (b *Backend) Mine() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for hash, s := range b.pending {
		b.mineLocked(s)
		delete(b.pending, hash)
	}
}

// Drop discards every pending transaction without mining it, as a node does
// when its mempool evicts them.
func (b *Backend) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for hash, s := range b.pending {
		if b.nonces[s.From] > s.Tx.Nonce() {
			b.nonces[s.From] = s.Tx.Nonce()
		}
		delete(b.pending, hash)
	}
}

func (b *Backend) mineLocked(s Sent) {
	tx := s.Tx
	if n := tx.Nonce() + 1; n > b.mined[s.From] {
		b.mined[s.From] = n
	}
	b.head++
	status := types.ReceiptStatusSuccessful
	if b.Status != nil {
		status = b.Status(tx)
	}
	b.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(b.head),
	}
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *Backend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.balances[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (b *Backend) SetBalance(account common.Address, v *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[account] = new(big.Int).Set(v)
}

// SetTokenBalance answers balanceOf(account) calls on any contract.
func (b *Backend) SetTokenBalance(account common.Address, v *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token[account] = new(big.Int).Set(v)
}

func (b *Backend) FailCalls(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokenErr = err
}

func (b *Backend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokenErr != nil {
		return nil, b.tokenErr
	}
	if len(call.Data) < 36 {
		return nil, errors.New("execution reverted")
	}
	owner := common.BytesToAddress(call.Data[4:36])
	v := b.token[owner]
	if v == nil {
		v = new(big.Int)
	}
	return common.LeftPadBytes(v.Bytes(), 32), nil
}

// AddTransfer records a mined ERC-20 Transfer and returns its transaction hash.
func (b *Backend) AddTransfer(token, from, to common.Address, value *big.Int) common.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head++
	hash := crypto.Keccak256Hash(token.Bytes(), from.Bytes(), to.Bytes(), value.Bytes(), new(big.Int).SetUint64(b.head).Bytes())
	log := types.Log{
		Address:     token,
		Topics:      []common.Hash{transferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: b.head,
		TxHash:      hash,
	}
	b.logs = append(b.logs, log)
	logCopy := log
	b.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(b.head),
		Logs:        []*types.Log{&logCopy},
	}
	return hash
}

func (b *Backend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Log
	for _, log := range b.logs {
		if q.FromBlock != nil && log.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && log.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, log.Address) {
			continue
		}
		if !matchTopics(q.Topics, log.Topics) {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

// Sent returns accepted transactions in order.
func (b *Backend) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, item := range list {
		if item == a {
			return true
		}
	}
	return false
}

func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	for i, options := range filter {
		if len(options) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, o := range options {
			if o == topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
