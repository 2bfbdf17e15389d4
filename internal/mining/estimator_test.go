package mining

import (
	"math"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func gwei(v float64) *big.Int {
	d := decimal.NewFromFloat(v).Mul(decimal.New(1, 9))
	return d.Round(0).BigInt()
}

func asGwei(v *big.Int) float64 {
	f, _ := decimal.NewFromBigInt(v, 0).Div(decimal.New(1, 9)).Float64()
	return f
}

// 以固定生效价格连续观测,模拟结果应与闭式解一致。
func TestEstimatorMatchesClosedForm(t *testing.T) {
	const period = 1000
	e := NewEstimator(period, 5, gwei(1.03))
	target := gwei(10.2)
	for i := 0; i < 448; i++ {
		e.Observe(target)
	}

	got := e.Decimal()
	want := PredictSMMA(
		decimal.NewFromBigInt(gwei(1.03), 0),
		decimal.NewFromBigInt(target, 0),
		period, 448,
	)
	diff := got.Sub(want).Abs().Div(want)
	if diff.GreaterThan(decimal.NewFromFloat(0.001)) {
		t.Fatalf("模拟值与闭式解偏差过大: got=%s want=%s", got, want)
	}

	// 448 次更新后估计值应落在 4.3~4.4 gwei 附近。
	g := asGwei(e.Value())
	if g < 4.25 || g > 4.45 {
		t.Fatalf("估计值超出预期区间: %.4f gwei", g)
	}
}

func TestEstimatorDecayTowardLowerTarget(t *testing.T) {
	const period = 1000
	e := NewEstimator(period, 5, gwei(1.94))
	target := gwei(1.2)
	// 69 个回合,每回合 20 次更新。
	for i := 0; i < 69*20; i++ {
		e.Observe(target)
	}
	g := asGwei(e.Value())
	if g < 1.37 || g > 1.40 {
		t.Fatalf("估计值超出预期区间: %.4f gwei", g)
	}
}

// 半衰期应等于 ln(2)*P/N 个回合。
func TestEstimatorHalfLife(t *testing.T) {
	const (
		period          = 1000
		updatesPerRound = 20
	)
	e := NewEstimator(period, 5, gwei(2.0))
	target := gwei(1.0)
	half := gwei(1.5)

	rounds := 0
	for ; rounds < 1000; rounds++ {
		if e.Value().Cmp(half) <= 0 {
			break
		}
		for i := 0; i < updatesPerRound; i++ {
			e.Observe(target)
		}
	}
	expected := math.Log(2) * period / updatesPerRound
	if math.Abs(float64(rounds)-expected) > 1.0 {
		t.Fatalf("半衰期偏差过大: 实际 %d 回合, 期望 %.2f", rounds, expected)
	}
}

func TestEstimatorResyncIdempotent(t *testing.T) {
	e := NewEstimator(1000, 5, gwei(1.0))
	for i := 0; i < 10; i++ {
		e.Observe(gwei(3.0))
	}

	auth := gwei(2.5)
	e.Resync(auth)
	first := e.Value()
	e.Resync(auth)
	second := e.Value()
	if first.Cmp(second) != 0 {
		t.Fatalf("无新观测时重复对齐应不变: %s vs %s", first, second)
	}
	if first.Cmp(auth) != 0 {
		t.Fatalf("对齐后应等于权威值: %s vs %s", first, auth)
	}
}

func TestEstimatorRoundClosedCadence(t *testing.T) {
	e := NewEstimator(1000, 3, gwei(1.0))
	if e.RoundClosed() || e.RoundClosed() {
		t.Fatal("未到节奏不应要求对齐")
	}
	if !e.RoundClosed() {
		t.Fatal("第三个回合应要求对齐")
	}
	e.Resync(gwei(1.0))
	if e.RoundClosed() {
		t.Fatal("对齐后计数应归零")
	}
}

func TestEstimateEmission(t *testing.T) {
	smma := gwei(1.0)
	auction := gwei(1.0)
	got := EstimateEmission(790_000, smma, auction)
	// gas * smma * 10^9 / auction = 790000 * 10^9 个最小单位。
	want := new(big.Int).Mul(big.NewInt(790_000), big.NewInt(1_000_000_000))
	if got.Cmp(want) != 0 {
		t.Fatalf("铸造量估算不符: got=%s want=%s", got, want)
	}

	if EstimateEmission(790_000, smma, big.NewInt(0)).Sign() != 0 {
		t.Fatal("成交价为零时应返回零")
	}
}

func TestEstimateProfitability(t *testing.T) {
	band := decimal.NewFromInt(5)
	oneToken := big.NewInt(1_000_000_000)
	cases := []struct {
		name   string
		price  int64
		expect ProfitClass
	}{
		{"收入高于成本一成", 110, Profitable},
		{"落在边际区间", 103, Marginal},
		{"成本高于收入", 80, Unprofitable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := EstimateProfitability(oneToken, big.NewInt(tc.price), big.NewInt(100), band)
			if p.Class != tc.expect {
				t.Fatalf("期望 %s, 实际 %s (margin=%s)", tc.expect, p.Class, p.MarginPct)
			}
		})
	}
}
