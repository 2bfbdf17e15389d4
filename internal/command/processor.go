package command

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"Lighthouse-Miner/internal/chain"
	xerrors "Lighthouse-Miner/internal/errors"
	"Lighthouse-Miner/internal/mining"
	"Lighthouse-Miner/pkg/logger"
)

// Executor 定义了处理器所需的阶段控制能力。
type Executor interface {
	Phase() mining.Phase
	RunOne(ctx context.Context) (*mining.Round, error)
	RunN(ctx context.Context, n int) ([]*mining.Round, error)
	ForceTransition(ctx context.Context, target mining.Phase) error
	EstimatorState() mining.SMMAState
	TurnState(ctx context.Context) (mining.TurnStatus, chain.LighthouseState, error)
}

// Processor 负责从队列消费指令并交给阶段控制器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动指令处理循环。
// 回合指令串行触达链上状态,worker 数应保持为 1。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitialization, "未配置指令消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, env Envelope) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitialization, "处理器未初始化")
	}
	if !env.EnqueuedAt.IsZero() {
		p.logDebug("收到指令",
			slog.String("command_id", env.CommandID),
			slog.Duration("queued_for", time.Since(env.EnqueuedAt)),
			slog.Bool("redelivered", env.Redelivered),
		)
	}
	cmd, err := p.store.Claim(ctx, env.CommandID)
	if err != nil {
		if stdErrors.Is(err, ErrCommandNotFound) || stdErrors.Is(err, ErrCommandCompleted) || stdErrors.Is(err, ErrCommandExhausted) {
			p.logDebug("跳过指令", slog.String("command_id", env.CommandID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取指令失败", slog.Any("error", err), slog.String("command_id", env.CommandID))
		return err
	}

	report, execErr := p.execute(ctx, cmd)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, cmd, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, cmd.ID, report); err != nil {
		logger.L().Error("标记指令成功状态失败", slog.Any("error", err), slog.String("command_id", cmd.ID))
		return err
	}
	logger.L().Info("指令执行成功",
		slog.String("command_id", cmd.ID),
		slog.String("kind", string(cmd.Kind)),
		slog.String("phase", report.Phase),
	)
	return nil
}

func (p *Processor) execute(ctx context.Context, cmd *Command) (Report, error) {
	switch cmd.Kind {
	case KindRunRound:
		round, err := p.executor.RunOne(ctx)
		if err != nil {
			return Report{}, err
		}
		return p.roundsReport([]*mining.Round{round}), nil
	case KindRunRounds:
		rounds, err := p.executor.RunN(ctx, cmd.Rounds)
		if err != nil && len(rounds) == 0 {
			return Report{}, err
		}
		return p.roundsReport(rounds), nil
	case KindTransition:
		if err := p.executor.ForceTransition(ctx, mining.Phase(cmd.Target)); err != nil {
			return Report{}, err
		}
		return Report{Phase: string(p.executor.Phase())}, nil
	case KindReport:
		return p.stateReport(ctx)
	default:
		return Report{}, xerrors.New(CodeCommandValidation,
			fmt.Sprintf("不支持的指令类型: %s", cmd.Kind))
	}
}

func (p *Processor) roundsReport(rounds []*mining.Round) Report {
	report := Report{Phase: string(p.executor.Phase())}
	minted := new(big.Int)
	cost := new(big.Int)
	for _, r := range rounds {
		if r == nil {
			continue
		}
		report.Rounds++
		report.Finalized += r.Finalized
		report.Failed += r.Failed
		if r.Minted != nil {
			minted.Add(minted, r.Minted)
		}
		if r.CostWei != nil {
			cost.Add(cost, r.CostWei)
		}
	}
	report.MintedWei = minted.String()
	report.CostWei = cost.String()
	return report
}

func (p *Processor) stateReport(ctx context.Context) (Report, error) {
	report := Report{Phase: string(p.executor.Phase())}
	smma := p.executor.EstimatorState()
	if smma.Value != nil {
		report.SMMAWei = smma.Value.String()
	}
	report.SMMAPeriod = smma.Period
	report.RoundsSinceResync = smma.RoundsSinceResync

	status, state, err := p.executor.TurnState(ctx)
	if err != nil {
		return Report{}, err
	}
	report.TurnStatus = string(status)
	report.Marker = state.Marker
	report.Quota = state.Quota
	return report, nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, cmd *Command, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeCommandProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := cmd.Attempts >= cmd.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, cmd.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记指令失败状态出错", slog.Any("error", storeErr), slog.String("command_id", cmd.ID))
		return storeErr
	}
	logger.L().Warn("指令执行失败",
		slog.String("command_id", cmd.ID),
		slog.String("kind", string(cmd.Kind)),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", cmd.Attempts),
		slog.Int("max_retries", cmd.MaxRetries),
	)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, cmd.ID); pubErr != nil {
			return xerrors.Wrap(CodeCommandPublish, pubErr, fmt.Sprintf("指令 %s 重投失败", cmd.ID))
		}
		p.logDebug("指令已重新排队", slog.String("command_id", cmd.ID), slog.Int("attempts", cmd.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}
