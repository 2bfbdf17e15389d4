package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"Lighthouse-Miner/internal/chain"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// 单笔操作的 gas 上限，取自实测数据。
const (
	GasLimitCreate   = 1_500_000
	GasLimitFinalize = 400_000
	GasPerCreate     = 790_000
	GasPerFinalize   = 268_000
)

var oneGwei = big.NewInt(1_000_000_000)

// TxBuilder 负责构造并签名面向协调者合约的交易。
type TxBuilder struct {
	key        *ecdsa.PrivateKey
	from       common.Address
	signer     coretypes.Signer
	lighthouse common.Address
	reader     chain.Reader

	mu  sync.RWMutex
	tip *big.Int
}

// NewTxBuilder 构造 TxBuilder。tipWei 为 nil 时默认 1 gwei。
func NewTxBuilder(key *ecdsa.PrivateKey, chainID *big.Int, lighthouse common.Address, reader chain.Reader, tipWei *big.Int) *TxBuilder {
	if tipWei == nil || tipWei.Sign() <= 0 {
		tipWei = new(big.Int).Set(oneGwei)
	}
	return &TxBuilder{
		key:        key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
		signer:     coretypes.LatestSignerForChainID(chainID),
		lighthouse: lighthouse,
		reader:     reader,
		tip:        new(big.Int).Set(tipWei),
	}
}

// From 返回签名账户地址。
func (b *TxBuilder) From() common.Address { return b.from }

// SetPriorityFee 调整后续交易的小费，由阶段控制器在换相时调用。
func (b *TxBuilder) SetPriorityFee(tipWei *big.Int) {
	if tipWei == nil || tipWei.Sign() <= 0 {
		return
	}
	b.mu.Lock()
	b.tip = new(big.Int).Set(tipWei)
	b.mu.Unlock()
}

// CreateLiability 构造一笔 createLiability 交易。
func (b *TxBuilder) CreateLiability(ctx context.Context, nonce uint64, demand, offer []byte) (*coretypes.Transaction, error) {
	data, err := lighthouseABI.Pack("createLiability", demand, offer)
	if err != nil {
		return nil, fmt.Errorf("编码 createLiability 失败: %w", err)
	}
	return b.sign(ctx, nonce, GasLimitCreate, data)
}

// FinalizeLiability 构造一笔 finalizeLiability 交易。
func (b *TxBuilder) FinalizeLiability(ctx context.Context, nonce uint64, liability common.Address, result []byte, success bool, signature []byte) (*coretypes.Transaction, error) {
	data, err := lighthouseABI.Pack("finalizeLiability", liability, result, success, signature)
	if err != nil {
		return nil, fmt.Errorf("编码 finalizeLiability 失败: %w", err)
	}
	return b.sign(ctx, nonce, GasLimitFinalize, data)
}

func (b *TxBuilder) sign(ctx context.Context, nonce uint64, gasLimit uint64, data []byte) (*coretypes.Transaction, error) {
	base, err := b.reader.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas 价格失败: %w", err)
	}

	b.mu.RLock()
	tip := new(big.Int).Set(b.tip)
	b.mu.RUnlock()

	feeCap := new(big.Int).Add(base, tip)
	if feeCap.Cmp(oneGwei) < 0 {
		feeCap = new(big.Int).Set(oneGwei)
	}
	if tip.Cmp(feeCap) > 0 {
		tip = new(big.Int).Set(feeCap)
	}

	to := b.lighthouse
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   b.signer.ChainID(),
		Nonce:     nonce,
		To:        &to,
		Gas:       gasLimit,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, b.signer, b.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}
