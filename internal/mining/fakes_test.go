package mining

import (
	"context"
	"math/big"
	"sync"

	"Lighthouse-Miner/internal/chain"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

var testAccount = common.HexToAddress("0xAaaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa")

// fakeChain 是测试用的链桩,记录广播的交易并按预置数据应答查询。
type fakeChain struct {
	mu sync.Mutex

	pendingNonce uint64
	blockNumber  uint64
	factoryNonce *big.Int
	state        chain.LighthouseState
	smma         *big.Int
	emission     *big.Int
	tokenBalance *big.Int
	balance      *big.Int
	gasPrice     *big.Int

	sent      [][]*coretypes.Transaction
	sendErr   map[uint64]error
	receipts  map[common.Hash]*chain.Receipt
	receiptFn func(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
	waitErr   error

	stateErr error
	queryErr error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		factoryNonce: big.NewInt(0),
		smma:         big.NewInt(1_000_000_000),
		emission:     big.NewInt(0),
		tokenBalance: big.NewInt(0),
		balance:      new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
		gasPrice:     big.NewInt(1_000_000_000),
		sendErr:      map[uint64]error{},
		receipts:     map[common.Hash]*chain.Receipt{},
	}
}

func (f *fakeChain) SendBatch(ctx context.Context, txs []*coretypes.Transaction) []chain.SubmitResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, txs)
	out := make([]chain.SubmitResult, len(txs))
	for i, tx := range txs {
		if err := f.sendErr[tx.Nonce()]; err != nil {
			out[i] = chain.SubmitResult{TxHash: tx.Hash(), Status: chain.StatusTransportFailed, Err: err}
			continue
		}
		f.pendingNonce = tx.Nonce() + 1
		out[i] = chain.SubmitResult{TxHash: tx.Hash(), Status: chain.StatusPending}
	}
	return out
}

func (f *fakeChain) WaitReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error) {
	f.mu.Lock()
	fn := f.receiptFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, hash)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return &chain.Receipt{TxHash: hash, BlockNumber: f.blockNumber, GasUsed: 790_000, Success: true}, nil
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, batch := range f.sent {
		n += len(batch)
	}
	return n
}

func (f *fakeChain) batches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockNumber, f.queryErr
}

func (f *fakeChain) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingNonce, f.queryErr
}

func (f *fakeChain) FactoryNonce(ctx context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.factoryNonce), f.queryErr
}

func (f *fakeChain) LighthouseState(ctx context.Context, account common.Address) (chain.LighthouseState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return chain.LighthouseState{}, f.stateErr
	}
	return f.state, nil
}

func (f *fakeChain) AuthoritativeSMMA(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.smma), f.queryErr
}

func (f *fakeChain) EmissionForGas(ctx context.Context, gas uint64) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.emission), f.queryErr
}

func (f *fakeChain) TokenBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.tokenBalance), f.queryErr
}

func (f *fakeChain) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), f.queryErr
}

func (f *fakeChain) GasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.gasPrice), f.queryErr
}

func (f *fakeChain) Close() {}

// dummyTx 构造一笔指定 nonce 的占位交易。
func dummyTx(nonce uint64) *coretypes.Transaction {
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	return coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     nonce,
		To:        &to,
		Gas:       21_000,
		GasFeeCap: big.NewInt(1_000_000_000),
		GasTipCap: big.NewInt(1_000_000_000),
	})
}
