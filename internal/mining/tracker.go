package mining

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"Lighthouse-Miner/internal/chain"
	xerrors "Lighthouse-Miner/internal/errors"
	"Lighthouse-Miner/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// TurnStatus 表示本账户相对协调者轮转游标的位置。
type TurnStatus string

const (
	// TurnNotMember 表示账户未在协调者的提供方列表中。
	TurnNotMember TurnStatus = "not_member"
	// TurnActive 表示轮转游标指向本账户,可以立即发送。
	TurnActive TurnStatus = "active"
	// TurnClaimable 表示当前持有方已超时,任何成员都可抢占。
	TurnClaimable TurnStatus = "claimable"
	// TurnWaiting 表示游标在别处且尚未超时。
	TurnWaiting TurnStatus = "waiting"
)

// Tracker 跟踪协调者合约的游标与配额。所有判断都基于实时查询,
// 游标与配额由合约变更,本地不跨越挂起点缓存。
type Tracker struct {
	reader  chain.Reader
	account common.Address
	log     *slog.Logger
}

// NewTracker 构造 Tracker。
func NewTracker(reader chain.Reader, account common.Address) *Tracker {
	return &Tracker{reader: reader, account: account, log: logger.Named("tracker")}
}

// Status 查询当前轮转状态与链上快照。
func (t *Tracker) Status(ctx context.Context) (TurnStatus, chain.LighthouseState, error) {
	st, err := t.reader.LighthouseState(ctx, t.account)
	if err != nil {
		return "", st, xerrors.Wrap(xerrors.CodeTransportFailure, err, "查询协调者状态失败")
	}
	if st.MyIndex == 0 {
		return TurnNotMember, st, nil
	}
	if st.Marker == st.MyIndex {
		return TurnActive, st, nil
	}
	block, err := t.reader.BlockNumber(ctx)
	if err != nil {
		return "", st, xerrors.Wrap(xerrors.CodeTransportFailure, err, "查询区块高度失败")
	}
	if block >= st.KeepAliveBlock+st.TimeoutBlocks {
		return TurnClaimable, st, nil
	}
	return TurnWaiting, st, nil
}

// WaitTurn 阻塞直至轮转游标可用(指向本账户或持有方超时)。
// 返回的快照仅在调用返回时刻有效。
func (t *Tracker) WaitTurn(ctx context.Context, poll time.Duration) (chain.LighthouseState, error) {
	if poll <= 0 {
		poll = 3 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, st, err := t.Status(ctx)
		if err != nil {
			return st, err
		}
		switch status {
		case TurnNotMember:
			return st, xerrors.New(xerrors.CodeMarkerNotOwned, "账户不在提供方列表中")
		case TurnActive, TurnClaimable:
			return st, nil
		}
		t.log.Debug("等待轮转游标",
			"marker", st.Marker, "my_index", st.MyIndex,
			"keep_alive_block", st.KeepAliveBlock, "timeout_blocks", st.TimeoutBlocks)

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RequiredQuota 返回给定模式与批量下一个回合消耗的配额。
// 流水线模式同时承载上一回合的结清与本回合的创建,消耗翻倍。
func RequiredQuota(mode Mode, batch int) uint64 {
	if mode == ModePipeline {
		return 2 * uint64(batch)
	}
	return uint64(batch)
}

// CheckQuota 在广播前校验配额是否足以承载整个回合。
// 配额不足时整个回合被拒绝,不允许部分发送。
func (t *Tracker) CheckQuota(ctx context.Context, mode Mode, batch int) (chain.LighthouseState, error) {
	st, err := t.reader.LighthouseState(ctx, t.account)
	if err != nil {
		return st, xerrors.Wrap(xerrors.CodeTransportFailure, err, "查询协调者状态失败")
	}
	need := RequiredQuota(mode, batch)
	if need > st.Quota {
		return st, xerrors.New(xerrors.CodeQuotaExceeded,
			fmt.Sprintf("配额不足: 需要 %d, 剩余 %d", need, st.Quota))
	}
	return st, nil
}

// EnsureStake 校验质押量能否支撑 neededQuota 次操作,
// 每单位配额要求一份最低质押。
func (t *Tracker) EnsureStake(ctx context.Context, neededQuota uint64) error {
	st, err := t.reader.LighthouseState(ctx, t.account)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "查询协调者状态失败")
	}
	if st.MinimalStake == nil || st.MyStake == nil {
		return nil
	}
	if neededQuota == 0 {
		neededQuota = 1
	}
	need := new(big.Int).Mul(st.MinimalStake, new(big.Int).SetUint64(neededQuota))
	if st.MyStake.Cmp(need) < 0 {
		return xerrors.New(xerrors.CodeStakeInsufficient,
			fmt.Sprintf("质押不足: 需要 %s, 当前 %s", need, st.MyStake))
	}
	return nil
}
