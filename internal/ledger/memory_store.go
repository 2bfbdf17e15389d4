package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"

	xerrors "Lighthouse-Miner/internal/errors"
	"Lighthouse-Miner/internal/mining"
)

// MemoryStore 将账本保存在进程内存中,进程退出即丢失。
type MemoryStore struct {
	mu          sync.RWMutex
	liabilities map[string]mining.Liability
	rounds      []mining.Round
	sales       []mining.SaleEvent
}

// NewMemoryStore 创建一个新的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{liabilities: make(map[string]mining.Liability)}
}

// SaveLiability 插入或覆盖一条责任记录。
func (s *MemoryStore) SaveLiability(ctx context.Context, l *mining.Liability) error {
	if l == nil || l.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "责任记录不能为空")
	}
	s.mu.Lock()
	s.liabilities[l.ID] = copyLiability(l)
	s.mu.Unlock()
	return nil
}

// GetLiability 按 ID 查询责任记录。
func (s *MemoryStore) GetLiability(ctx context.Context, id string) (*mining.Liability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.liabilities[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "责任记录不存在")
	}
	out := copyLiability(&l)
	return &out, nil
}

// ListLiabilities 按状态过滤责任记录,state 为空表示不过滤。
func (s *MemoryStore) ListLiabilities(ctx context.Context, state mining.LiabilityState, limit int) ([]*mining.Liability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*mining.Liability, 0)
	for _, l := range s.liabilities {
		if state != "" && l.State != state {
			continue
		}
		c := copyLiability(&l)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveRound 追加一条回合记录。
func (s *MemoryStore) SaveRound(ctx context.Context, r *mining.Round) error {
	if r == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "回合记录不能为空")
	}
	s.mu.Lock()
	s.rounds = append(s.rounds, copyRound(r))
	s.mu.Unlock()
	return nil
}

// ListRounds 返回最近的回合记录,按开始时间倒序。
func (s *MemoryStore) ListRounds(ctx context.Context, limit int) ([]*mining.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*mining.Round, 0, len(s.rounds))
	for i := len(s.rounds) - 1; i >= 0; i-- {
		r := copyRound(&s.rounds[i])
		out = append(out, &r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SaveSale 追加一条清算记录。
func (s *MemoryStore) SaveSale(ctx context.Context, e *mining.SaleEvent) error {
	if e == nil || e.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "清算记录不能为空")
	}
	s.mu.Lock()
	s.sales = append(s.sales, copySale(e))
	s.mu.Unlock()
	return nil
}

// ListSales 返回最近的清算记录,按时间倒序。
func (s *MemoryStore) ListSales(ctx context.Context, limit int) ([]*mining.SaleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*mining.SaleEvent, 0, len(s.sales))
	for i := len(s.sales) - 1; i >= 0; i-- {
		e := copySale(&s.sales[i])
		out = append(out, &e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Stats 汇总账本统计。
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Liabilities: make(map[mining.LiabilityState]int),
		Rounds:      len(s.rounds),
		TotalMinted: new(big.Int),
		TotalSold:   new(big.Int),
	}
	for _, l := range s.liabilities {
		st.Liabilities[l.State]++
		if l.Minted != nil {
			st.TotalMinted.Add(st.TotalMinted, l.Minted)
		}
	}
	for _, e := range s.sales {
		if e.Amount != nil {
			st.TotalSold.Add(st.TotalSold, e.Amount)
		}
	}
	return st, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }

func copyLiability(l *mining.Liability) mining.Liability {
	out := *l
	if l.Minted != nil {
		out.Minted = new(big.Int).Set(l.Minted)
	}
	return out
}

func copyRound(r *mining.Round) mining.Round {
	out := *r
	if r.Minted != nil {
		out.Minted = new(big.Int).Set(r.Minted)
	}
	if r.CostWei != nil {
		out.CostWei = new(big.Int).Set(r.CostWei)
	}
	return out
}

func copySale(e *mining.SaleEvent) mining.SaleEvent {
	out := *e
	if e.Amount != nil {
		out.Amount = new(big.Int).Set(e.Amount)
	}
	if e.Proceeds != nil {
		out.Proceeds = new(big.Int).Set(e.Proceeds)
	}
	return out
}
