package mining

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"Lighthouse-Miner/internal/chain"
	xerrors "Lighthouse-Miner/internal/errors"
	"Lighthouse-Miner/pkg/logger"

	"github.com/shopspring/decimal"
)

// Phase 是编排器的顶层阶段。
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePumping    Phase = "pumping"
	PhaseMining     Phase = "mining"
	PhaseTerminated Phase = "terminated"
)

// 阶段只向前推进: idle -> pumping -> mining -> terminated。
var phaseTransitions = map[Phase]map[Phase]bool{
	PhaseIdle:    {PhasePumping: true, PhaseTerminated: true},
	PhasePumping: {PhaseMining: true, PhaseTerminated: true},
	PhaseMining:  {PhaseTerminated: true},
}

// PhaseConfig 是某一阶段下回合的完整参数,换相时整体替换。
type PhaseConfig struct {
	Phase          Phase
	Mode           Mode
	BatchSize      int
	PriorityFeeWei *big.Int
	// RemainingBudgetWei 是会话剩余的 gas 预算,耗尽即终止。
	RemainingBudgetWei *big.Int
	// TargetCeilingWei 是抬升阶段的移动平均目标上限。
	TargetCeilingWei *big.Int
	// TargetFloorWei 是挖矿阶段的移动平均目标下限。
	TargetFloorWei *big.Int
}

func (c PhaseConfig) clone() PhaseConfig {
	out := c
	if c.PriorityFeeWei != nil {
		out.PriorityFeeWei = new(big.Int).Set(c.PriorityFeeWei)
	}
	if c.RemainingBudgetWei != nil {
		out.RemainingBudgetWei = new(big.Int).Set(c.RemainingBudgetWei)
	}
	return out
}

// DecisionState 是纯决策函数在回合之间携带的计数。
type DecisionState struct {
	ConsecUnprofitable int
	ConsecTimeouts     int
	BackoffIdx         int
}

// RoundReport 是一个回合喂给决策函数的观测结果。
type RoundReport struct {
	CostWei  *big.Int
	Profit   Profitability
	Outcome  RoundOutcome
	TimedOut bool
}

// Decide 是阶段控制的纯决策函数:输入上一回合的成本、盈利判定
// 与错误计数,输出下一回合的配置。不做任何网络访问,便于用
// 合成历史单独验证。
func Decide(cur PhaseConfig, report RoundReport, st DecisionState, backoff []int, unprofitableLimit int) (PhaseConfig, DecisionState) {
	next := cur.clone()

	if report.CostWei != nil && next.RemainingBudgetWei != nil {
		next.RemainingBudgetWei.Sub(next.RemainingBudgetWei, report.CostWei)
		if next.RemainingBudgetWei.Sign() <= 0 {
			next.Phase = PhaseTerminated
			return next, st
		}
	}

	if report.TimedOut {
		// 超时后禁止按原批量盲目重试,沿退避序列降档。
		st.ConsecTimeouts++
		if len(backoff) > 0 {
			if st.BackoffIdx < len(backoff)-1 {
				st.BackoffIdx++
			}
			for st.BackoffIdx < len(backoff)-1 && backoff[st.BackoffIdx] >= next.BatchSize {
				st.BackoffIdx++
			}
			next.BatchSize = backoff[st.BackoffIdx]
		}
	} else {
		st.ConsecTimeouts = 0
	}

	if cur.Phase == PhaseMining {
		if report.Profit.Class == Unprofitable {
			st.ConsecUnprofitable++
		} else {
			st.ConsecUnprofitable = 0
		}
		if unprofitableLimit > 0 && st.ConsecUnprofitable >= unprofitableLimit {
			next.Phase = PhaseTerminated
		}
	}
	return next, st
}

// PriceSource 报告单个代币的市价(wei)。
type PriceSource interface {
	Price(ctx context.Context) (*big.Int, error)
}

// FeeSetter 调整后续交易的小费。
type FeeSetter interface {
	SetPriorityFee(tipWei *big.Int)
}

// UsdRater 报告 ETH 的美元参考价。
type UsdRater interface {
	UsdPerETH(ctx context.Context) (decimal.Decimal, error)
}

// GasPricer 报告当前建议的 gas 价格。
type GasPricer interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

// ControllerConfig 是控制器的静态参数。
type ControllerConfig struct {
	PumpConfig        PhaseConfig
	MineConfig        PhaseConfig
	BackoffSequence   []int
	UnprofitableLimit int
	MarginalBandPct   decimal.Decimal
	// EmissionGasPerRound 是估算每回合铸造量时假定的 gas 消耗。
	EmissionGasPerRound uint64
	// AuctionConstantWei 是发行量换算里拍卖定格的成交价。
	AuctionConstantWei *big.Int
	// MaxCostUSDPerLiability 是单笔责任允许的美元成本上限,
	// 为零时不启用按成本压缩批量。
	MaxCostUSDPerLiability decimal.Decimal
	// GasPerLiability 是成本上限换算用的单笔 gas 估值。
	GasPerLiability uint64
}

// ControllerOption 配置 Controller 的可选项。
type ControllerOption func(*Controller)

// WithCostGate 启用按美元成本上限压缩批量,需要美元参考价
// 与 gas 价两个数据源。
func WithCostGate(rater UsdRater, gas GasPricer) ControllerOption {
	return func(c *Controller) {
		c.usd = rater
		c.gas = gas
	}
}

// Controller 是顶层阶段状态机,驱动调度器并消费估计器输出。
type Controller struct {
	sched      *Scheduler
	estimator  *Estimator
	liquidator *Liquidator
	tracker    *Tracker
	price      PriceSource
	fees       FeeSetter
	usd        UsdRater
	gas        GasPricer
	cfg        ControllerConfig
	log        *slog.Logger

	mu    sync.Mutex
	cur   PhaseConfig
	state DecisionState
}

// NewController 构造 Controller,初始处于 idle。
func NewController(
	sched *Scheduler,
	estimator *Estimator,
	liquidator *Liquidator,
	tracker *Tracker,
	price PriceSource,
	fees FeeSetter,
	cfg ControllerConfig,
	opts ...ControllerOption,
) *Controller {
	c := &Controller{
		sched:      sched,
		estimator:  estimator,
		liquidator: liquidator,
		tracker:    tracker,
		price:      price,
		fees:       fees,
		cfg:        cfg,
		log:        logger.Named("controller"),
		cur:        PhaseConfig{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Phase 返回当前阶段。
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur.Phase
}

// Config 返回当前阶段配置的副本。
func (c *Controller) Config() PhaseConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur.clone()
}

// EstimatorState 上报估计器快照。
func (c *Controller) EstimatorState() SMMAState {
	return c.estimator.Snapshot()
}

// ForceTransition 由外部(操作员或命令层)触发换相。
// 抬升到挖矿的切换只能走这里,控制器不会自行决定。
func (c *Controller) ForceTransition(ctx context.Context, target Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	allowed, ok := phaseTransitions[c.cur.Phase]
	if !ok || !allowed[target] {
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("不允许的换相: %s -> %s", c.cur.Phase, target))
	}

	switch target {
	case PhasePumping:
		pump := c.cfg.PumpConfig
		if err := c.tracker.EnsureStake(ctx, RequiredQuota(pump.Mode, pump.BatchSize)); err != nil {
			return err
		}
		c.cur = c.cfg.PumpConfig.clone()
		c.cur.Phase = PhasePumping
	case PhaseMining:
		// 预算余额跨阶段延续,其余参数整体替换。
		remaining := c.cur.RemainingBudgetWei
		c.cur = c.cfg.MineConfig.clone()
		c.cur.Phase = PhaseMining
		if remaining != nil {
			c.cur.RemainingBudgetWei = new(big.Int).Set(remaining)
		}
	case PhaseTerminated:
		c.cur = PhaseConfig{Phase: PhaseTerminated}
	}

	if c.fees != nil && c.cur.PriorityFeeWei != nil {
		c.fees.SetPriorityFee(c.cur.PriorityFeeWei)
	}
	c.state = DecisionState{}
	c.log.Info("换相", "phase", c.cur.Phase, "batch", c.cur.BatchSize)
	return nil
}

// RunOne 在当前阶段下执行一个回合并应用决策结果。
func (c *Controller) RunOne(ctx context.Context) (*Round, error) {
	c.mu.Lock()
	cur := c.cur.clone()
	c.mu.Unlock()

	if cur.Phase != PhasePumping && cur.Phase != PhaseMining {
		return nil, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("阶段 %s 不执行回合", cur.Phase))
	}

	batch := c.effectiveBatch(ctx, cur.BatchSize)
	round, runErr := c.sched.RunRound(ctx, cur.Mode, batch)
	if round == nil {
		return nil, runErr
	}

	report := RoundReport{
		CostWei:  round.CostWei,
		Outcome:  round.Outcome,
		TimedOut: xerrors.CodeOf(runErr) == xerrors.CodeTransportTimeout,
	}
	report.Profit = c.assessProfit(ctx, round)

	if round.Minted.Sign() > 0 {
		if _, err := c.liquidator.Add(ctx, round.Minted); err != nil {
			c.log.Warn("清算推迟", "error", err)
		}
	}

	c.mu.Lock()
	next, st := Decide(cur, report, c.state, c.cfg.BackoffSequence, c.cfg.UnprofitableLimit)
	c.cur = next
	c.state = st
	c.mu.Unlock()

	if next.Phase == PhaseTerminated {
		c.log.Info("阶段终止",
			"consecutive_unprofitable", st.ConsecUnprofitable,
			"remaining_budget", next.RemainingBudgetWei)
	}
	return round, runErr
}

// RunN 连续执行至多 n 个回合,阶段终止或 ctx 取消时提前返回。
// 返回结束后会结清流水线遗留的责任。
func (c *Controller) RunN(ctx context.Context, n int) ([]*Round, error) {
	rounds := make([]*Round, 0, n)
	var lastErr error
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		phase := c.Phase()
		if phase != PhasePumping && phase != PhaseMining {
			break
		}
		round, err := c.RunOne(ctx)
		if round != nil {
			rounds = append(rounds, round)
		}
		if err != nil {
			lastErr = err
			if !xerrors.RetryableError(err) && xerrors.CodeOf(err) != xerrors.CodeTransportTimeout {
				break
			}
		}
	}
	// 遗留的已创建责任即使在中止后也必须结清。
	drainCtx := ctx
	if drainCtx.Err() != nil {
		drainCtx = context.WithoutCancel(ctx)
	}
	if drain, err := c.sched.Drain(drainCtx); err != nil {
		c.log.Error("收尾回合失败", "error", err)
	} else if drain != nil {
		rounds = append(rounds, drain)
	}
	return rounds, lastErr
}

// effectiveBatch 按单笔美元成本上限压缩批量。数据源缺失或查询
// 失败时放行原批量,上限只缩不扩。
func (c *Controller) effectiveBatch(ctx context.Context, batch int) int {
	if batch <= 1 || c.usd == nil || c.gas == nil {
		return batch
	}
	if c.cfg.MaxCostUSDPerLiability.Sign() <= 0 || c.cfg.GasPerLiability == 0 {
		return batch
	}
	gasPrice, err := c.gas.GasPrice(ctx)
	if err != nil || gasPrice == nil || gasPrice.Sign() <= 0 {
		c.log.Warn("查询 gas 价失败,批量不压缩", "error", err)
		return batch
	}
	rate, err := c.usd.UsdPerETH(ctx)
	if err != nil || rate.Sign() <= 0 {
		c.log.Warn("查询美元参考价失败,批量不压缩", "error", err)
		return batch
	}
	costUSD := decimal.NewFromBigInt(gasPrice, -18).
		Mul(decimal.NewFromInt(int64(c.cfg.GasPerLiability))).
		Mul(rate)
	if costUSD.Sign() <= 0 {
		return batch
	}
	limit := int(c.cfg.MaxCostUSDPerLiability.Div(costUSD).IntPart())
	switch {
	case limit < 1:
		limit = 1
	case limit > batch:
		limit = batch
	}
	if limit < batch {
		c.log.Info("按成本上限压缩批量",
			"batch", batch, "effective", limit, "cost_usd", costUSD.StringFixed(4))
	}
	return limit
}

// assessProfit 用估计器与市价评估上一回合的盈利性。
func (c *Controller) assessProfit(ctx context.Context, round *Round) Profitability {
	if c.price == nil || round.GasUsed == 0 {
		return Profitability{Class: Marginal}
	}
	price, err := c.price.Price(ctx)
	if err != nil {
		c.log.Warn("查询市价失败,按边际处理", "error", err)
		return Profitability{Class: Marginal}
	}
	emission := round.Minted
	if emission.Sign() == 0 {
		gas := c.cfg.EmissionGasPerRound
		if gas == 0 {
			gas = round.GasUsed
		}
		emission = EstimateEmission(gas, c.estimator.Value(), c.cfg.AuctionConstantWei)
	}
	return EstimateProfitability(emission, price, round.CostWei, c.cfg.MarginalBandPct)
}

// TurnState 暴露协调者快照,供命令层上报。
func (c *Controller) TurnState(ctx context.Context) (TurnStatus, chain.LighthouseState, error) {
	return c.tracker.Status(ctx)
}
