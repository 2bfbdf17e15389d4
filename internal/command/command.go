// Package command 提供排队执行的运维指令面:
// 单回合执行、多回合执行、强制换相与状态上报。
package command

import (
	stdErrors "errors"

	xerrors "Lighthouse-Miner/internal/errors"
)

// Kind 表示指令类型。
type Kind string

const (
	// KindRunRound 执行一个挖矿回合。
	KindRunRound Kind = "run_round"
	// KindRunRounds 连续执行 N 个回合,直到阶段终止。
	KindRunRounds Kind = "run_rounds"
	// KindTransition 强制切换阶段。
	KindTransition Kind = "transition"
	// KindReport 上报估计器与灯塔轮换状态。
	KindReport Kind = "report"
)

// Status 表示指令在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Report 保存一次指令执行的结果。
type Report struct {
	Phase             string `json:"phase"`
	Rounds            int    `json:"rounds,omitempty"`
	Finalized         int    `json:"finalized,omitempty"`
	Failed            int    `json:"failed,omitempty"`
	MintedWei         string `json:"minted_wei,omitempty"`
	CostWei           string `json:"cost_wei,omitempty"`
	SMMAWei           string `json:"smma_wei,omitempty"`
	SMMAPeriod        int64  `json:"smma_period,omitempty"`
	RoundsSinceResync int    `json:"rounds_since_resync,omitempty"`
	TurnStatus        string `json:"turn_status,omitempty"`
	Marker            uint64 `json:"marker,omitempty"`
	Quota             uint64 `json:"quota,omitempty"`
}

// Command 描述排队执行的运维指令。
type Command struct {
	ID         string  `json:"id"`
	Kind       Kind    `json:"kind"`
	Rounds     int     `json:"rounds,omitempty"`
	Target     string  `json:"target,omitempty"`
	Status     Status  `json:"status"`
	Attempts   int     `json:"attempts"`
	MaxRetries int     `json:"max_retries"`
	LastError  string  `json:"last_error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Result     *Report `json:"result,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

var (
	// ErrCommandNotFound 表示指定的指令不存在。
	ErrCommandNotFound = xerrors.New(CodeCommandNotFound, "command not found")
	// ErrCommandConflict 表示指令在当前状态下无法进行所请求的操作。
	ErrCommandConflict = xerrors.New(CodeCommandConflict, "command conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrCommandCompleted 表示指令已经成功完成。
	ErrCommandCompleted = xerrors.New(CodeCommandCompleted, "command already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrCommandExhausted 表示指令的重试次数已经耗尽。
	ErrCommandExhausted = xerrors.New(CodeCommandExhausted, "command retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeCommandNotFound   xerrors.Code = "COMMAND_NOT_FOUND"
	CodeCommandConflict   xerrors.Code = "COMMAND_CONFLICT"
	CodeCommandCompleted  xerrors.Code = "COMMAND_COMPLETED"
	CodeCommandExhausted  xerrors.Code = "COMMAND_RETRIES_EXHAUSTED"
	CodeCommandValidation xerrors.Code = "COMMAND_VALIDATION_FAILED"
	CodeCommandPublish    xerrors.Code = "COMMAND_PUBLISH_FAILED"
	CodeCommandProcessing xerrors.Code = "COMMAND_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeCommandNotFound, xerrors.Attributes{
		Message:   "command not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
	})
	xerrors.Register(CodeCommandConflict, xerrors.Attributes{
		Message:   "command conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
	})
	xerrors.Register(CodeCommandCompleted, xerrors.Attributes{
		Message:   "command already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
	})
	xerrors.Register(CodeCommandExhausted, xerrors.Attributes{
		Message:   "command retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
	})
	xerrors.Register(CodeCommandValidation, xerrors.Attributes{
		Message:   "command validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
	})
	xerrors.Register(CodeCommandPublish, xerrors.Attributes{
		Message:   "failed to publish command",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
	xerrors.Register(CodeCommandProcessing, xerrors.Attributes{
		Message:   "command execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// IsCommandError 判断错误是否为统一指令错误。
func IsCommandError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrCommandNotFound) {
		return target == CodeCommandNotFound
	}
	if stdErrors.Is(err, ErrCommandConflict) {
		return target == CodeCommandConflict
	}
	if stdErrors.Is(err, ErrCommandCompleted) {
		return target == CodeCommandCompleted
	}
	if stdErrors.Is(err, ErrCommandExhausted) {
		return target == CodeCommandExhausted
	}
	return false
}

// IsValidKind 检查给定的指令类型是否为支持的枚举值。
func IsValidKind(kind Kind) bool {
	switch kind {
	case KindRunRound, KindRunRounds, KindTransition, KindReport:
		return true
	default:
		return false
	}
}
