package mining

import (
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// 代币采用 9 位小数,发行量与价格换算都以此为基准。
var tokenUnit = decimal.New(1, 9)

// SMMAState 是估计器的一次只读快照。
type SMMAState struct {
	Value             *big.Int
	Period            int64
	RoundsSinceResync int
	LastResync        time.Time
}

// Estimator 维护权威移动平均值的本地副本,更新规则与链上一致:
// smma' = (smma*(P-1) + observed) / P。
// 其他参与者也在推动权威值,副本仅反映本进程观测到的交易,
// 必须按既定节奏向权威值对齐。估计结果只用于决策,不参与记账。
type Estimator struct {
	mu          sync.Mutex
	period      decimal.Decimal
	value       decimal.Decimal
	resyncEvery int
	roundsSince int
	lastResync  time.Time
}

// NewEstimator 构造 Estimator。initial 为起始值(wei),
// resyncEvery 为对齐节奏(每多少个回合向权威值对齐一次)。
func NewEstimator(period int64, resyncEvery int, initial *big.Int) *Estimator {
	if period < 2 {
		period = 2
	}
	if resyncEvery <= 0 {
		resyncEvery = 5
	}
	e := &Estimator{
		period:      decimal.NewFromInt(period),
		resyncEvery: resyncEvery,
	}
	if initial != nil {
		e.value = decimal.NewFromBigInt(initial, 0)
	}
	return e
}

// Observe 按链上规则吸收一笔交易的实际生效 gas 价格(wei)。
func (e *Estimator) Observe(effectiveGasPrice *big.Int) {
	if effectiveGasPrice == nil || effectiveGasPrice.Sign() < 0 {
		return
	}
	observed := decimal.NewFromBigInt(effectiveGasPrice, 0)
	e.mu.Lock()
	e.value = e.value.
		Mul(e.period.Sub(decimal.NewFromInt(1))).
		Add(observed).
		Div(e.period)
	e.mu.Unlock()
}

// Resync 将副本直接对齐到权威值。无新观测时重复对齐不改变结果。
func (e *Estimator) Resync(authoritative *big.Int) {
	if authoritative == nil {
		return
	}
	e.mu.Lock()
	e.value = decimal.NewFromBigInt(authoritative, 0)
	e.roundsSince = 0
	e.lastResync = time.Now()
	e.mu.Unlock()
}

// RoundClosed 记录一个回合结束,返回是否到了对齐节奏。
func (e *Estimator) RoundClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roundsSince++
	return e.roundsSince >= e.resyncEvery
}

// Value 返回当前估计值(wei,向最近整数取整)。
func (e *Estimator) Value() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value.Round(0).BigInt()
}

// Decimal 返回当前估计值的精确小数形式。
func (e *Estimator) Decimal() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// Snapshot 返回估计器状态快照,用于上报。
func (e *Estimator) Snapshot() SMMAState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SMMAState{
		Value:             e.value.Round(0).BigInt(),
		Period:            e.period.IntPart(),
		RoundsSinceResync: e.roundsSince,
		LastResync:        e.lastResync,
	}
}

// PredictSMMA 给出以固定生效价格 target 连续更新 n 次后的闭式解:
// target + (start-target) * ((P-1)/P)^n。用于换相前的推演。
func PredictSMMA(start, target decimal.Decimal, period int64, updates int) decimal.Decimal {
	p := decimal.NewFromInt(period)
	decay := p.Sub(decimal.NewFromInt(1)).Div(p).Pow(decimal.NewFromInt(int64(updates)))
	return target.Add(start.Sub(target).Mul(decay))
}

// EstimateEmission 预测消耗 gasUsed 后的代币铸造量。
// auctionConstant 是拍卖定格的成交价(wei),铸造量与其成反比。
func EstimateEmission(gasUsed uint64, smma *big.Int, auctionConstant *big.Int) *big.Int {
	if smma == nil || auctionConstant == nil || auctionConstant.Sign() <= 0 {
		return new(big.Int)
	}
	wn := decimal.NewFromInt(int64(gasUsed)).
		Mul(decimal.NewFromBigInt(smma, 0)).
		Mul(tokenUnit).
		Div(decimal.NewFromBigInt(auctionConstant, 0))
	return wn.Floor().BigInt()
}

// ProfitClass 是盈利性判定结果的类别。
type ProfitClass int

const (
	Unprofitable ProfitClass = iota
	Marginal
	Profitable
)

// String 返回类别的可读名称。
func (c ProfitClass) String() string {
	switch c {
	case Profitable:
		return "profitable"
	case Marginal:
		return "marginal"
	default:
		return "unprofitable"
	}
}

// Profitability 是一次盈利性判定的完整结果。
type Profitability struct {
	Class ProfitClass
	// MarginPct 是 (收入-成本)/成本 的百分比,成本为零时为零。
	MarginPct  decimal.Decimal
	RevenueWei decimal.Decimal
	CostWei    decimal.Decimal
}

// EstimateProfitability 比较预测收入与 gas 成本。
// emission 为铸造量(代币最小单位),marketPrice 为单个代币的市价(wei),
// gasCost 为本回合的 gas 总开销(wei)。落在 ±bandPct 区间内判为边际。
func EstimateProfitability(emission, marketPrice, gasCost *big.Int, bandPct decimal.Decimal) Profitability {
	revenue := decimal.NewFromBigInt(emission, 0).
		Mul(decimal.NewFromBigInt(marketPrice, 0)).
		Div(tokenUnit)
	cost := decimal.NewFromBigInt(gasCost, 0)

	out := Profitability{RevenueWei: revenue, CostWei: cost}
	if cost.Sign() <= 0 {
		out.Class = Profitable
		return out
	}
	out.MarginPct = revenue.Sub(cost).Div(cost).Mul(decimal.NewFromInt(100))
	switch {
	case out.MarginPct.GreaterThan(bandPct):
		out.Class = Profitable
	case out.MarginPct.LessThan(bandPct.Neg()):
		out.Class = Unprofitable
	default:
		out.Class = Marginal
	}
	return out
}
