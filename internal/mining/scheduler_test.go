package mining

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"Lighthouse-Miner/internal/chain"
	xerrors "Lighthouse-Miner/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

type fakeTxFactory struct{}

func (fakeTxFactory) CreateLiability(ctx context.Context, nonce uint64, demand, offer []byte) (*coretypes.Transaction, error) {
	return dummyTx(nonce), nil
}

func (fakeTxFactory) FinalizeLiability(ctx context.Context, nonce uint64, liability common.Address, result []byte, success bool, signature []byte) (*coretypes.Transaction, error) {
	return dummyTx(nonce), nil
}

func (fakeTxFactory) From() common.Address { return testAccount }

type fakePayloads struct {
	resultErr error
}

func (p *fakePayloads) BuildPairs(ctx context.Context, ls []*Liability) ([][]byte, [][]byte, error) {
	demands := make([][]byte, len(ls))
	offers := make([][]byte, len(ls))
	for i := range ls {
		demands[i] = []byte{0x01}
		offers[i] = []byte{0x02}
	}
	return demands, offers, nil
}

func (p *fakePayloads) BuildResult(l *Liability) ([]byte, bool, []byte, error) {
	if p.resultErr != nil {
		return nil, false, nil, p.resultErr
	}
	return []byte{0x03}, true, make([]byte, 65), nil
}

func newTestScheduler(fc *fakeChain, opts ...SchedulerOption) *Scheduler {
	seq := NewSequencer(fc, fc, testAccount)
	tracker := NewTracker(fc, testAccount)
	est := NewEstimator(1000, 1000, big.NewInt(1_000_000_000))
	base := []SchedulerOption{
		WithConfirmTimeout(2 * time.Second),
		WithTurnPoll(time.Millisecond),
	}
	return NewScheduler(seq, tracker, fakeTxFactory{}, &fakePayloads{}, fc, fc, est, append(base, opts...)...)
}

func activeState(quota uint64) chain.LighthouseState {
	return chain.LighthouseState{Marker: 1, MyIndex: 1, Quota: quota}
}

func TestRunRoundBatchCompletes(t *testing.T) {
	fc := newFakeChain()
	fc.state = activeState(100)
	s := newTestScheduler(fc)

	round, err := s.RunRound(context.Background(), ModeBatch, 4)
	if err != nil {
		t.Fatalf("批处理回合失败: %v", err)
	}
	if round.Outcome != RoundCompleted {
		t.Fatalf("期望完成, 实际 %s", round.Outcome)
	}
	if round.Finalized != 4 {
		t.Fatalf("应结清 4 条, 实际 %d", round.Finalized)
	}
	// 批处理模式: 创建突发 + 结清突发, 两次屏障。
	if fc.batches() != 2 {
		t.Fatalf("应广播 2 个突发, 实际 %d", fc.batches())
	}
	if fc.sentCount() != 8 {
		t.Fatalf("应发送 8 笔交易, 实际 %d", fc.sentCount())
	}
}

func TestRunRoundSequential(t *testing.T) {
	fc := newFakeChain()
	fc.state = activeState(100)
	s := newTestScheduler(fc)

	round, err := s.RunRound(context.Background(), ModeSequential, 2)
	if err != nil {
		t.Fatalf("顺序回合失败: %v", err)
	}
	if round.Finalized != 2 {
		t.Fatalf("应结清 2 条, 实际 %d", round.Finalized)
	}
	// 每条责任各一次创建突发与一次结清突发。
	if fc.batches() != 4 {
		t.Fatalf("应广播 4 个突发, 实际 %d", fc.batches())
	}
}

// 稳态下流水线每个屏障结清 B 条,批处理每两个屏障结清 B 条,
// 单位确认周期的吞吐相差一倍。
func TestPipelineDoublesBatchThroughput(t *testing.T) {
	const B = 3
	ctx := context.Background()

	fc := newFakeChain()
	fc.state = activeState(100)
	s := newTestScheduler(fc)

	// 引导回合: 只有创建集, 无结清。
	round, err := s.RunRound(ctx, ModePipeline, B)
	if err != nil {
		t.Fatalf("引导回合失败: %v", err)
	}
	if round.Finalized != 0 || s.PendingCount() != B {
		t.Fatalf("引导回合应只创建: finalized=%d pending=%d", round.Finalized, s.PendingCount())
	}
	if fc.batches() != 1 || fc.sentCount() != B {
		t.Fatalf("引导回合应为单个 %d 笔突发", B)
	}

	// 稳态回合: 上一回合的结清集与本回合的创建集同突发。
	round, err = s.RunRound(ctx, ModePipeline, B)
	if err != nil {
		t.Fatalf("稳态回合失败: %v", err)
	}
	if round.Finalized != B {
		t.Fatalf("稳态回合应结清 %d 条, 实际 %d", B, round.Finalized)
	}
	pipelineBarriers := fc.batches() - 1
	if pipelineBarriers != 1 {
		t.Fatalf("稳态回合应只用 1 个屏障, 实际 %d", pipelineBarriers)
	}

	// 对照: 批处理回合结清同样 B 条需要 2 个屏障。
	fc2 := newFakeChain()
	fc2.state = activeState(100)
	s2 := newTestScheduler(fc2)
	if _, err := s2.RunRound(ctx, ModeBatch, B); err != nil {
		t.Fatalf("对照批处理回合失败: %v", err)
	}
	if fc2.batches() != 2*pipelineBarriers {
		t.Fatalf("流水线吞吐应为批处理两倍: pipeline=%d batch=%d", pipelineBarriers, fc2.batches())
	}

	// 收尾回合: 只结清遗留责任。
	drain, err := s.Drain(ctx)
	if err != nil {
		t.Fatalf("收尾回合失败: %v", err)
	}
	if drain.Finalized != B || s.PendingCount() != 0 {
		t.Fatalf("收尾应结清全部遗留: finalized=%d pending=%d", drain.Finalized, s.PendingCount())
	}
}

func TestRunRoundQuotaExceededBeforeBroadcast(t *testing.T) {
	fc := newFakeChain()
	fc.state = activeState(20)
	s := newTestScheduler(fc)

	round, err := s.RunRound(context.Background(), ModePipeline, 15)
	if xerrors.CodeOf(err) != xerrors.CodeQuotaExceeded {
		t.Fatalf("2x15>20 应被拒绝, 实际 %v", err)
	}
	if round.Outcome != RoundAborted {
		t.Fatalf("期望中止, 实际 %s", round.Outcome)
	}
	if fc.sentCount() != 0 {
		t.Fatal("配额不足的回合不应广播任何交易")
	}
}

func TestRunRoundDegradedOnTimeout(t *testing.T) {
	fc := newFakeChain()
	fc.state = activeState(100)
	fc.receiptFn = func(ctx context.Context, hash common.Hash) (*chain.Receipt, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s := newTestScheduler(fc, WithConfirmTimeout(30*time.Millisecond))

	round, err := s.RunRound(context.Background(), ModeBatch, 3)
	if xerrors.CodeOf(err) != xerrors.CodeTransportTimeout {
		t.Fatalf("应报告确认超时, 实际 %v", err)
	}
	if round.Outcome != RoundDegraded {
		t.Fatalf("期望降级, 实际 %s", round.Outcome)
	}
}

// 创建阶段过半超时导致回合降级时,已确认创建的责任必须回灌
// 待结清队列,由后续回合结清,不允许被丢下。
func TestBatchTimeoutRestoresCreatedToPending(t *testing.T) {
	fc := newFakeChain()
	fc.state = activeState(100)
	var delivered atomic.Bool
	fc.receiptFn = func(ctx context.Context, hash common.Hash) (*chain.Receipt, error) {
		// 只放行第一张回执,其余全部拖到超时。
		if delivered.CompareAndSwap(false, true) {
			return &chain.Receipt{TxHash: hash, BlockNumber: 1, GasUsed: 790_000, Success: true}, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s := newTestScheduler(fc, WithConfirmTimeout(30*time.Millisecond))

	round, err := s.RunRound(context.Background(), ModeBatch, 3)
	if xerrors.CodeOf(err) != xerrors.CodeTransportTimeout {
		t.Fatalf("应报告确认超时, 实际 %v", err)
	}
	if round.Outcome != RoundDegraded {
		t.Fatalf("期望降级, 实际 %s", round.Outcome)
	}
	if got := s.PendingCount(); got != 1 {
		t.Fatalf("已创建的责任应回灌待结清队列, pending=%d", got)
	}

	// 回执恢复后,收尾回合把遗留责任结清。
	fc.mu.Lock()
	fc.receiptFn = nil
	fc.mu.Unlock()
	drain, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("收尾回合失败: %v", err)
	}
	if drain == nil || drain.Finalized != 1 {
		t.Fatalf("收尾应结清 1 条遗留责任, 实际 %+v", drain)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("收尾后不应有遗留责任, 实际 %d", s.PendingCount())
	}
}

func TestRunRoundNonceConflictAborts(t *testing.T) {
	fc := newFakeChain()
	fc.state = activeState(100)
	fc.sendErr[1] = errors.New("nonce too low")
	s := newTestScheduler(fc)

	round, err := s.RunRound(context.Background(), ModeBatch, 3)
	if xerrors.CodeOf(err) != xerrors.CodeNonceConflict {
		t.Fatalf("应报告 nonce 冲突, 实际 %v", err)
	}
	if round.Outcome != RoundAborted {
		t.Fatalf("期望中止, 实际 %s", round.Outcome)
	}
}

// 单条责任的签名失败只废弃该条, 其余照常结清。
func TestFinalizeSkipsAbandonedLiability(t *testing.T) {
	fc := newFakeChain()
	fc.state = activeState(100)
	s := newTestScheduler(fc)

	round, err := s.RunRound(context.Background(), ModeBatch, 3)
	if err != nil || round.Finalized != 3 {
		t.Fatalf("前置回合失败: %v", err)
	}

	payloads := &fakePayloads{resultErr: errors.New("bad key")}
	s2 := newTestScheduler(fc)
	s2.payloads = payloads
	round2, err := s2.RunRound(context.Background(), ModeBatch, 2)
	if err != nil {
		t.Fatalf("回合不应因单条签名失败而中止: %v", err)
	}
	if round2.Finalized != 0 {
		t.Fatalf("全部结果签名失败时不应有结清, 实际 %d", round2.Finalized)
	}
}
