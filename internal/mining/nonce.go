package mining

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"Lighthouse-Miner/internal/chain"
	xerrors "Lighthouse-Miner/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// Sequencer 为单个账户分配单调递增的交易 nonce,并负责批量广播。
// 同一实例分配的 nonce 两两不同,冲突时从节点重新对齐。
type Sequencer struct {
	broadcaster chain.Broadcaster
	reader      chain.Reader
	account     common.Address

	mu     sync.Mutex
	next   uint64
	synced bool
}

// NewSequencer 构造 Sequencer,首次 Reserve 时从节点同步起始 nonce。
func NewSequencer(broadcaster chain.Broadcaster, reader chain.Reader, account common.Address) *Sequencer {
	return &Sequencer{broadcaster: broadcaster, reader: reader, account: account}
}

// Reserve 预留 n 个连续 nonce 并返回。
func (s *Sequencer) Reserve(ctx context.Context, n int) ([]uint64, error) {
	if n <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "预留数量必须为正")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.synced {
		if err := s.resyncLocked(ctx); err != nil {
			return nil, err
		}
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = s.next + uint64(i)
	}
	s.next += uint64(n)
	return out, nil
}

// Next 返回下一个将被分配的 nonce,仅用于观测。
func (s *Sequencer) Next(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.synced {
		if err := s.resyncLocked(ctx); err != nil {
			return 0, err
		}
	}
	return s.next, nil
}

// Resync 丢弃本地计数,从节点的 pending nonce 重新对齐。
// 对齐后的再次对齐是幂等的。
func (s *Sequencer) Resync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncLocked(ctx)
}

func (s *Sequencer) resyncLocked(ctx context.Context) error {
	pending, err := s.reader.PendingNonce(ctx, s.account)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "同步账户 nonce 失败")
	}
	s.next = pending
	s.synced = true
	return nil
}

// SubmitBatch 以单次批量请求广播交易。任一交易出现 nonce 冲突时,
// 本地计数立即失效,下一次 Reserve 会重新对齐。
func (s *Sequencer) SubmitBatch(ctx context.Context, txs []*coretypes.Transaction) ([]chain.SubmitResult, error) {
	if len(txs) == 0 {
		return nil, nil
	}
	results := s.broadcaster.SendBatch(ctx, txs)

	var conflict error
	for i, res := range results {
		if res.Err == nil {
			continue
		}
		if isNonceConflict(res.Err) {
			conflict = xerrors.Wrap(xerrors.CodeNonceConflict, res.Err,
				fmt.Sprintf("交易 %d nonce 冲突", txs[i].Nonce()))
		}
	}
	if conflict != nil {
		s.mu.Lock()
		s.synced = false
		s.mu.Unlock()
		return results, conflict
	}
	return results, nil
}

func isNonceConflict(err error) bool {
	if xerrors.CodeOf(err) == xerrors.CodeNonceConflict {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "already known")
}
