// Package ledger 持久化责任、回合与清算记录。
package ledger

import (
	"context"
	"math/big"

	"Lighthouse-Miner/internal/mining"
)

// Stats 是账本的汇总统计。
type Stats struct {
	Liabilities map[mining.LiabilityState]int
	Rounds      int
	TotalMinted *big.Int
	TotalSold   *big.Int
}

// Store 定义账本的持久化能力,内存实现用于测试与单机运行,
// MySQL 实现用于长期留存。
type Store interface {
	SaveLiability(ctx context.Context, l *mining.Liability) error
	GetLiability(ctx context.Context, id string) (*mining.Liability, error)
	ListLiabilities(ctx context.Context, state mining.LiabilityState, limit int) ([]*mining.Liability, error)

	SaveRound(ctx context.Context, r *mining.Round) error
	ListRounds(ctx context.Context, limit int) ([]*mining.Round, error)

	SaveSale(ctx context.Context, e *mining.SaleEvent) error
	ListSales(ctx context.Context, limit int) ([]*mining.SaleEvent, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
