// Package mining 实现挖矿回合的编排:nonce 排序、配额跟踪、
// 发行量估计、回合调度、清算触发与阶段控制。
package mining

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// LiabilityState 表示单条责任合约的生命周期状态。
type LiabilityState string

const (
	LiabilityPending   LiabilityState = "pending"
	LiabilityCreated   LiabilityState = "created"
	LiabilityFinalized LiabilityState = "finalized"
	LiabilityFailed    LiabilityState = "failed"
	LiabilityAbandoned LiabilityState = "abandoned"
)

// 状态只允许向前推进,不允许回退。
var liabilityTransitions = map[LiabilityState]map[LiabilityState]bool{
	LiabilityPending: {
		LiabilityCreated:   true,
		LiabilityFailed:    true,
		LiabilityAbandoned: true,
	},
	LiabilityCreated: {
		LiabilityFinalized: true,
		LiabilityFailed:    true,
		LiabilityAbandoned: true,
	},
}

// Liability 是一次 create/finalize 配对操作的记录。
type Liability struct {
	ID            string
	State         LiabilityState
	RoundIndex    uint64
	Address       common.Address
	CreateTxHash  common.Hash
	FinalizeTx    common.Hash
	CreateNonce   uint64
	FinalizeNonce uint64
	GasUsed       uint64
	Minted        *big.Int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewLiability 创建一条处于 pending 状态的责任记录。
func NewLiability(round uint64) *Liability {
	now := time.Now()
	return &Liability{
		ID:         uuid.NewString(),
		State:      LiabilityPending,
		RoundIndex: round,
		Minted:     new(big.Int),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Advance 尝试将状态推进到 next,非法迁移返回 false。
func (l *Liability) Advance(next LiabilityState) bool {
	allowed, ok := liabilityTransitions[l.State]
	if !ok || !allowed[next] {
		return false
	}
	l.State = next
	l.UpdatedAt = time.Now()
	return true
}

// Terminal 报告状态是否已到达终态。
func (l *Liability) Terminal() bool {
	switch l.State {
	case LiabilityFinalized, LiabilityFailed, LiabilityAbandoned:
		return true
	}
	return false
}

// Mode 是回合的调度模式。
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeBatch      Mode = "batch"
	ModePipeline   Mode = "pipeline"
)

// Valid 报告模式是否受支持。
func (m Mode) Valid() bool {
	switch m {
	case ModeSequential, ModeBatch, ModePipeline:
		return true
	}
	return false
}

// RoundOutcome 表示一个回合的最终结果。
type RoundOutcome string

const (
	RoundCompleted RoundOutcome = "completed"
	RoundDegraded  RoundOutcome = "degraded"
	RoundAborted   RoundOutcome = "aborted"
)

// Round 是一个调度回合的汇总记录。
type Round struct {
	Index       uint64
	Mode        Mode
	BatchSize   int
	Outcome     RoundOutcome
	Finalized   int
	Failed      int
	GasUsed     uint64
	Minted      *big.Int
	CostWei     *big.Int
	StartedAt   time.Time
	CompletedAt time.Time
}
