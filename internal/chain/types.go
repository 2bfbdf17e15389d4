package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// TxStatus 表示单笔交易广播后的最终观测状态。
type TxStatus int

const (
	StatusIncluded TxStatus = iota
	StatusPending
	StatusTransportFailed
)

// String 返回状态的可读名称。
func (s TxStatus) String() string {
	switch s {
	case StatusIncluded:
		return "included"
	case StatusPending:
		return "pending"
	case StatusTransportFailed:
		return "transport_failed"
	default:
		return "unknown"
	}
}

// Receipt 汇总一笔交易的确认结果与解析出的业务字段。
type Receipt struct {
	TxHash            common.Hash
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Success           bool
	// Liability 是回执中 NewLiability 事件携带的合约地址，未出现时为零值。
	Liability common.Address
	// Minted 是回执中解析出的代币铸造量，未出现时为 nil。
	Minted *big.Int
	// Logs 是回执携带的原始事件日志，供调用方解析业务事件。
	Logs []*coretypes.Log
}

// SubmitResult 描述批量广播中单笔交易的投递结果。
type SubmitResult struct {
	TxHash common.Hash
	Status TxStatus
	Err    error
}

// LighthouseState 是外部协调者合约在某一时刻的只读快照。
// 只由协调者合约本身变更，本系统任何组件都不得缓存它跨越挂起点。
type LighthouseState struct {
	Marker         uint64
	Quota          uint64
	KeepAliveBlock uint64
	TimeoutBlocks  uint64
	MinimalStake   *big.Int
	MyStake        *big.Int
	MyIndex        uint64
}

// Broadcaster 负责交易的批量广播与确认等待。
type Broadcaster interface {
	// SendBatch 一次性广播全部交易，不在交易之间等待打包。
	// 返回值与入参一一对应；单笔失败不影响其余交易的投递。
	SendBatch(ctx context.Context, txs []*coretypes.Transaction) []SubmitResult
	// WaitReceipt 阻塞等待指定交易的回执，由调用方通过 ctx 控制超时。
	WaitReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
}

// Reader 暴露决策所需的链上只读查询。
type Reader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	FactoryNonce(ctx context.Context, account common.Address) (*big.Int, error)
	LighthouseState(ctx context.Context, account common.Address) (LighthouseState, error)
	// AuthoritativeSMMA 读取工厂合约维护的权威移动平均值。
	AuthoritativeSMMA(ctx context.Context) (*big.Int, error)
	// EmissionForGas 读取工厂对指定 gas 用量的铸造量估算。
	EmissionForGas(ctx context.Context, gas uint64) (*big.Int, error)
	TokenBalance(ctx context.Context, account common.Address) (*big.Int, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
}

// Chain 聚合广播与读取能力。
type Chain interface {
	Broadcaster
	Reader
	Close()
}
