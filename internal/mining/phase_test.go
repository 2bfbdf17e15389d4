package mining

import (
	"context"
	"math/big"
	"testing"
	"time"

	xerrors "Lighthouse-Miner/internal/errors"

	"github.com/shopspring/decimal"
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func pumpConfig(batch int) PhaseConfig {
	return PhaseConfig{
		Mode:               ModePipeline,
		BatchSize:          batch,
		PriorityFeeWei:     big.NewInt(1_000_000_000),
		RemainingBudgetWei: eth(1),
	}
}

// 三次连续确认超时后,批量沿退避序列 56->20->10 降档。
func TestDecideBackoffStepsDown(t *testing.T) {
	backoff := []int{56, 20, 10, 5, 1}
	cfg := pumpConfig(56)
	cfg.Phase = PhasePumping
	st := DecisionState{}

	timedOut := RoundReport{CostWei: big.NewInt(0), Outcome: RoundDegraded, TimedOut: true}

	cfg, st = Decide(cfg, timedOut, st, backoff, 3)
	if cfg.BatchSize != 20 {
		t.Fatalf("第一次超时应降到 20, 实际 %d", cfg.BatchSize)
	}
	cfg, st = Decide(cfg, timedOut, st, backoff, 3)
	if cfg.BatchSize != 10 {
		t.Fatalf("第二次超时应降到 10, 实际 %d", cfg.BatchSize)
	}
	cfg, st = Decide(cfg, timedOut, st, backoff, 3)
	if cfg.BatchSize != 5 {
		t.Fatalf("第三次超时应降到 5, 实际 %d", cfg.BatchSize)
	}
	if cfg.Phase != PhasePumping {
		t.Fatalf("超时降档不应换相, 实际 %s", cfg.Phase)
	}

	// 成功回合不回升批量,只清零超时计数。
	ok := RoundReport{CostWei: big.NewInt(0), Outcome: RoundCompleted}
	cfg, st = Decide(cfg, ok, st, backoff, 3)
	if cfg.BatchSize != 5 || st.ConsecTimeouts != 0 {
		t.Fatalf("成功后应保持批量并清零计数: batch=%d timeouts=%d", cfg.BatchSize, st.ConsecTimeouts)
	}
}

func TestDecideTerminatesAfterConsecutiveUnprofitable(t *testing.T) {
	cfg := pumpConfig(10)
	cfg.Phase = PhaseMining
	st := DecisionState{}

	bad := RoundReport{CostWei: big.NewInt(1), Profit: Profitability{Class: Unprofitable}}
	good := RoundReport{CostWei: big.NewInt(1), Profit: Profitability{Class: Marginal}}

	cfg, st = Decide(cfg, bad, st, nil, 3)
	cfg, st = Decide(cfg, bad, st, nil, 3)
	// 边际回合重置计数。
	cfg, st = Decide(cfg, good, st, nil, 3)
	if cfg.Phase != PhaseMining || st.ConsecUnprofitable != 0 {
		t.Fatalf("边际回合应重置计数: phase=%s consec=%d", cfg.Phase, st.ConsecUnprofitable)
	}

	cfg, st = Decide(cfg, bad, st, nil, 3)
	cfg, st = Decide(cfg, bad, st, nil, 3)
	cfg, st = Decide(cfg, bad, st, nil, 3)
	if cfg.Phase != PhaseTerminated {
		t.Fatalf("连续三次亏损应终止, 实际 %s", cfg.Phase)
	}
}

func TestDecideTerminatesOnBudgetExhausted(t *testing.T) {
	cfg := pumpConfig(10)
	cfg.Phase = PhasePumping
	cfg.RemainingBudgetWei = big.NewInt(100)

	next, _ := Decide(cfg, RoundReport{CostWei: big.NewInt(150)}, DecisionState{}, nil, 3)
	if next.Phase != PhaseTerminated {
		t.Fatalf("预算耗尽应终止, 实际 %s", next.Phase)
	}
}

func newTestController(fc *fakeChain) *Controller {
	s := newTestScheduler(fc)
	liq := NewLiquidator(&fakeSwapper{rate: 2}, eth(1000), decimal.NewFromInt(5), time.Minute)
	tracker := NewTracker(fc, testAccount)
	pump := pumpConfig(4)
	mine := pumpConfig(4)
	mine.PriorityFeeWei = big.NewInt(100_000_000)
	return NewController(s, s.estimator, liq, tracker, nil, nil, ControllerConfig{
		PumpConfig:        pump,
		MineConfig:        mine,
		BackoffSequence:   []int{56, 20, 10, 5, 1},
		UnprofitableLimit: 3,
		MarginalBandPct:   decimal.NewFromInt(5),
	})
}

func TestControllerPhaseTransitions(t *testing.T) {
	fc := newFakeChain()
	fc.state = activeState(100)
	c := newTestController(fc)
	ctx := context.Background()

	if c.Phase() != PhaseIdle {
		t.Fatalf("初始应为 idle, 实际 %s", c.Phase())
	}
	// idle 阶段不执行回合。
	if _, err := c.RunOne(ctx); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("idle 下执行回合应被拒绝, 实际 %v", err)
	}
	// idle 不能直接进入挖矿。
	if err := c.ForceTransition(ctx, PhaseMining); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("idle->mining 应被拒绝, 实际 %v", err)
	}

	if err := c.ForceTransition(ctx, PhasePumping); err != nil {
		t.Fatalf("idle->pumping 失败: %v", err)
	}
	if err := c.ForceTransition(ctx, PhaseMining); err != nil {
		t.Fatalf("pumping->mining 失败: %v", err)
	}
	if err := c.ForceTransition(ctx, PhaseTerminated); err != nil {
		t.Fatalf("mining->terminated 失败: %v", err)
	}
	// 终态之后不再允许任何换相。
	if err := c.ForceTransition(ctx, PhasePumping); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("terminated 后换相应被拒绝, 实际 %v", err)
	}
}

func TestControllerRunN(t *testing.T) {
	fc := newFakeChain()
	fc.state = activeState(100)
	c := newTestController(fc)
	ctx := context.Background()

	if err := c.ForceTransition(ctx, PhasePumping); err != nil {
		t.Fatalf("换相失败: %v", err)
	}
	rounds, err := c.RunN(ctx, 3)
	if err != nil {
		t.Fatalf("连续回合失败: %v", err)
	}
	// 3 个流水线回合加 1 个收尾回合。
	if len(rounds) != 4 {
		t.Fatalf("应产生 4 个回合, 实际 %d", len(rounds))
	}
	if c.sched.PendingCount() != 0 {
		t.Fatalf("收尾后不应有遗留责任, 实际 %d", c.sched.PendingCount())
	}
}

func TestControllerStakeGateOnPumping(t *testing.T) {
	fc := newFakeChain()
	fc.state = activeState(100)
	fc.state.MinimalStake = big.NewInt(1000)
	fc.state.MyStake = big.NewInt(10)
	c := newTestController(fc)

	err := c.ForceTransition(context.Background(), PhasePumping)
	if xerrors.CodeOf(err) != xerrors.CodeStakeInsufficient {
		t.Fatalf("质押不足应拒绝进入抬升阶段, 实际 %v", err)
	}
	if c.Phase() != PhaseIdle {
		t.Fatalf("失败的换相不应改变阶段, 实际 %s", c.Phase())
	}
}

type fakeUsdRater struct {
	rate decimal.Decimal
	err  error
}

func (f *fakeUsdRater) UsdPerETH(ctx context.Context) (decimal.Decimal, error) {
	return f.rate, f.err
}

type fakeGasPricer struct {
	price *big.Int
	err   error
}

func (f *fakeGasPricer) GasPrice(ctx context.Context) (*big.Int, error) {
	return f.price, f.err
}

func TestControllerEffectiveBatchCostGate(t *testing.T) {
	fc := newFakeChain()
	fc.state = activeState(100)
	c := newTestController(fc)
	ctx := context.Background()

	// 未启用成本上限时放行原批量。
	if got := c.effectiveBatch(ctx, 8); got != 8 {
		t.Fatalf("未启用上限应放行, 实际 %d", got)
	}

	// 1 gwei 的 gas 价下单笔约 0.001 ETH, 按 3000 美元折合 3 美元。
	c.cfg.GasPerLiability = 1_000_000
	c.cfg.MaxCostUSDPerLiability = decimal.NewFromInt(10)
	c.usd = &fakeUsdRater{rate: decimal.NewFromInt(3000)}
	c.gas = &fakeGasPricer{price: big.NewInt(1_000_000_000)}
	if got := c.effectiveBatch(ctx, 8); got != 3 {
		t.Fatalf("10 美元上限应压到 3, 实际 %d", got)
	}

	// 上限宽松时不超过原批量。
	c.cfg.MaxCostUSDPerLiability = decimal.NewFromInt(100)
	if got := c.effectiveBatch(ctx, 8); got != 8 {
		t.Fatalf("宽松上限不应扩批, 实际 %d", got)
	}

	// 数据源故障时放行原批量,绝不因行情查询卡死回合。
	c.cfg.MaxCostUSDPerLiability = decimal.NewFromInt(10)
	c.gas = &fakeGasPricer{err: xerrors.New(xerrors.CodeTransportFailure, "节点不可达")}
	if got := c.effectiveBatch(ctx, 8); got != 8 {
		t.Fatalf("gas 价查询失败应放行, 实际 %d", got)
	}
}
