package mining

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	xerrors "Lighthouse-Miner/internal/errors"
	"Lighthouse-Miner/internal/metrics"
	"Lighthouse-Miner/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Swapper 是外部兑换协作方:给定卖出量、滑点容忍与时限,
// 返回实际所得,滑点超限时以 SlippageExceeded 失败。
type Swapper interface {
	Sell(ctx context.Context, amountIn *big.Int, slippagePct decimal.Decimal, deadline time.Duration) (*big.Int, error)
}

// SaleEvent 是一次清算的只追加记录。
type SaleEvent struct {
	ID          string
	Amount      *big.Int
	Proceeds    *big.Int
	Price       decimal.Decimal
	SlippagePct decimal.Decimal
	At          time.Time
}

// SaleRecorder 持久化清算记录。
type SaleRecorder interface {
	SaveSale(ctx context.Context, e *SaleEvent) error
}

// LiquidatorOption 配置 Liquidator 的可选项。
type LiquidatorOption func(*Liquidator)

// WithSaleRecorder 注入持久化层。
func WithSaleRecorder(rec SaleRecorder) LiquidatorOption {
	return func(l *Liquidator) { l.recorder = rec }
}

// WithLiquidatorMetrics 注入指标。
func WithLiquidatorMetrics(m *metrics.Metrics) LiquidatorOption {
	return func(l *Liquidator) { l.metrics = m }
}

// Liquidator 跟踪已铸造未卖出的余额,达到阈值即触发清算。
// 兑换失败只推迟清算,余额永不丢失。
type Liquidator struct {
	swap      Swapper
	threshold *big.Int
	slippage  decimal.Decimal
	deadline  time.Duration
	recorder  SaleRecorder
	metrics   *metrics.Metrics
	log       *slog.Logger

	mu      sync.Mutex
	balance *big.Int
	events  []SaleEvent
}

// NewLiquidator 构造 Liquidator。threshold 以代币最小单位计。
func NewLiquidator(swap Swapper, threshold *big.Int, slippagePct decimal.Decimal, deadline time.Duration, opts ...LiquidatorOption) *Liquidator {
	l := &Liquidator{
		swap:      swap,
		threshold: new(big.Int).Set(threshold),
		slippage:  slippagePct,
		deadline:  deadline,
		log:       logger.Named("liquidator"),
		balance:   new(big.Int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Balance 返回当前未卖出余额。
func (l *Liquidator) Balance() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance)
}

// Events 返回全部清算记录的副本。
func (l *Liquidator) Events() []SaleEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SaleEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Add 计入新铸造的代币并检查阈值。触发清算时返回本次记录;
// 未达阈值返回 (nil, nil);兑换失败时余额保持不变,留待下次检查。
func (l *Liquidator) Add(ctx context.Context, minted *big.Int) (*SaleEvent, error) {
	if minted != nil && minted.Sign() > 0 {
		l.mu.Lock()
		l.balance.Add(l.balance, minted)
		l.mu.Unlock()
	}
	return l.Check(ctx)
}

// Check 在不计入新铸造的情况下重新检查阈值。
func (l *Liquidator) Check(ctx context.Context) (*SaleEvent, error) {
	l.mu.Lock()
	amount := new(big.Int).Set(l.balance)
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.UnsoldBalance.Set(decimal.NewFromBigInt(amount, 0).InexactFloat64())
	}
	if amount.Cmp(l.threshold) < 0 {
		return nil, nil
	}

	proceeds, err := l.swap.Sell(ctx, amount, l.slippage, l.deadline)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeSlippageExceeded {
			l.log.Warn("滑点超限,推迟清算", "amount", amount, "error", err)
		} else {
			l.log.Warn("清算失败,余额保留", "amount", amount, "error", err)
		}
		return nil, err
	}

	event := SaleEvent{
		ID:          uuid.NewString(),
		Amount:      amount,
		Proceeds:    proceeds,
		SlippagePct: l.slippage,
		At:          time.Now(),
	}
	if amount.Sign() > 0 {
		event.Price = decimal.NewFromBigInt(proceeds, 0).
			Mul(tokenUnit).
			Div(decimal.NewFromBigInt(amount, 0))
	}

	l.mu.Lock()
	l.balance.Sub(l.balance, amount)
	l.events = append(l.events, event)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.SalesTotal.Inc()
		l.metrics.UnsoldBalance.Set(decimal.NewFromBigInt(l.Balance(), 0).InexactFloat64())
	}
	if l.recorder != nil {
		if rerr := l.recorder.SaveSale(ctx, &event); rerr != nil {
			l.log.Error("保存清算记录失败", "sale", event.ID, "error", rerr)
		}
	}
	l.log.Info("清算完成", "amount", amount, "proceeds", proceeds, "price", event.Price)
	return &event, nil
}
