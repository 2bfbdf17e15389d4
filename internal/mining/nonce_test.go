package mining

import (
	"context"
	"errors"
	"testing"

	xerrors "Lighthouse-Miner/internal/errors"

	coretypes "github.com/ethereum/go-ethereum/core/types"
)

func TestSequencerReserveInjective(t *testing.T) {
	fc := newFakeChain()
	fc.pendingNonce = 7
	seq := NewSequencer(fc, fc, testAccount)
	ctx := context.Background()

	seen := map[uint64]bool{}
	for _, n := range []int{1, 4, 2, 8} {
		nonces, err := seq.Reserve(ctx, n)
		if err != nil {
			t.Fatalf("预留 nonce 失败: %v", err)
		}
		if len(nonces) != n {
			t.Fatalf("应返回 %d 个 nonce, 实际 %d", n, len(nonces))
		}
		for i, nonce := range nonces {
			if seen[nonce] {
				t.Fatalf("nonce %d 被重复分配", nonce)
			}
			seen[nonce] = true
			if i > 0 && nonce != nonces[i-1]+1 {
				t.Fatalf("nonce 应连续: %v", nonces)
			}
		}
	}
	if !seen[7] {
		t.Fatal("起始 nonce 应从节点 pending nonce 对齐")
	}
}

func TestSequencerReserveRejectsNonPositive(t *testing.T) {
	fc := newFakeChain()
	seq := NewSequencer(fc, fc, testAccount)
	if _, err := seq.Reserve(context.Background(), 0); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("应返回参数错误, 实际 %v", err)
	}
}

func TestSequencerResyncIdempotent(t *testing.T) {
	fc := newFakeChain()
	fc.pendingNonce = 12
	seq := NewSequencer(fc, fc, testAccount)
	ctx := context.Background()

	if err := seq.Resync(ctx); err != nil {
		t.Fatalf("对齐失败: %v", err)
	}
	first, err := seq.Next(ctx)
	if err != nil {
		t.Fatalf("读取 next 失败: %v", err)
	}
	if err := seq.Resync(ctx); err != nil {
		t.Fatalf("重复对齐失败: %v", err)
	}
	second, err := seq.Next(ctx)
	if err != nil {
		t.Fatalf("读取 next 失败: %v", err)
	}
	if first != second || first != 12 {
		t.Fatalf("连续对齐应幂等: %d vs %d", first, second)
	}
}

func TestSequencerSubmitBatchNonceConflict(t *testing.T) {
	fc := newFakeChain()
	fc.pendingNonce = 3
	fc.sendErr[4] = errors.New("nonce too low")
	seq := NewSequencer(fc, fc, testAccount)
	ctx := context.Background()

	nonces, err := seq.Reserve(ctx, 3)
	if err != nil {
		t.Fatalf("预留失败: %v", err)
	}
	txs := make([]*coretypes.Transaction, len(nonces))
	for i, n := range nonces {
		txs[i] = dummyTx(n)
	}

	results, err := seq.SubmitBatch(ctx, txs)
	if xerrors.CodeOf(err) != xerrors.CodeNonceConflict {
		t.Fatalf("应返回 nonce 冲突, 实际 %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("结果数应与交易数一致, 实际 %d", len(results))
	}

	// 冲突后计数失效,下一次预留从节点重新对齐。
	fc.mu.Lock()
	fc.pendingNonce = 20
	fc.mu.Unlock()
	again, err := seq.Reserve(ctx, 1)
	if err != nil {
		t.Fatalf("冲突后预留失败: %v", err)
	}
	if again[0] != 20 {
		t.Fatalf("冲突后应从节点对齐, 期望 20 实际 %d", again[0])
	}
}
