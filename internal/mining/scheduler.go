package mining

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"Lighthouse-Miner/internal/chain"
	xerrors "Lighthouse-Miner/internal/errors"
	"Lighthouse-Miner/internal/metrics"
	"Lighthouse-Miner/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
)

// TxFactory 构造并签名面向协调者合约的交易。
type TxFactory interface {
	CreateLiability(ctx context.Context, nonce uint64, demand, offer []byte) (*coretypes.Transaction, error)
	FinalizeLiability(ctx context.Context, nonce uint64, liability common.Address, result []byte, success bool, signature []byte) (*coretypes.Transaction, error)
	From() common.Address
}

// Recorder 持久化责任与回合记录。
type Recorder interface {
	SaveLiability(ctx context.Context, l *Liability) error
	SaveRound(ctx context.Context, r *Round) error
}

// SchedulerOption 配置 Scheduler 的可选项。
type SchedulerOption func(*Scheduler)

// WithRecorder 注入持久化层。
func WithRecorder(rec Recorder) SchedulerOption {
	return func(s *Scheduler) { s.recorder = rec }
}

// WithSchedulerMetrics 注入指标。
func WithSchedulerMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithConfirmTimeout 设置单个回合屏障等待的超时。
func WithConfirmTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.confirmTimeout = d
		}
	}
}

// WithTurnPoll 设置等待轮转游标时的轮询间隔。
func WithTurnPoll(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.turnPoll = d
		}
	}
}

// Scheduler 按三种模式编排回合:顺序、批处理、流水线。
// 同一账户的 nonce 序列只由本实例持有,回合内的广播一次性发出,
// 之后以单个屏障等待全部回执,屏障是调度循环中唯一的挂起点。
type Scheduler struct {
	seq         *Sequencer
	tracker     *Tracker
	txf         TxFactory
	payloads    PayloadBuilder
	broadcaster chain.Broadcaster
	reader      chain.Reader
	estimator   *Estimator
	recorder    Recorder
	metrics     *metrics.Metrics
	log         *slog.Logger

	confirmTimeout time.Duration
	turnPoll       time.Duration

	mu         sync.Mutex
	pending    []*Liability
	roundIndex uint64
}

// NewScheduler 构造 Scheduler。
func NewScheduler(
	seq *Sequencer,
	tracker *Tracker,
	txf TxFactory,
	payloads PayloadBuilder,
	broadcaster chain.Broadcaster,
	reader chain.Reader,
	estimator *Estimator,
	opts ...SchedulerOption,
) *Scheduler {
	s := &Scheduler{
		seq:            seq,
		tracker:        tracker,
		txf:            txf,
		payloads:       payloads,
		broadcaster:    broadcaster,
		reader:         reader,
		estimator:      estimator,
		log:            logger.Named("scheduler"),
		confirmTimeout: 5 * time.Minute,
		turnPoll:       3 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PendingCount 返回已创建但尚未结清的责任数。
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RunRound 执行一个完整回合并返回汇总。配额不足或 nonce 失步时
// 回合被整体中止,未决责任保留待后续回合重试。
func (s *Scheduler) RunRound(ctx context.Context, mode Mode, batch int) (*Round, error) {
	if !mode.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的调度模式: %s", mode))
	}
	if batch <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "批量必须为正")
	}

	round := s.newRound(mode, batch)
	st, err := s.tracker.WaitTurn(ctx, s.turnPoll)
	if err != nil {
		return s.closeRound(ctx, round, nil, err)
	}
	// 配额校验在任何广播之前完成,配额不足的回合一笔都不会发出。
	if need := RequiredQuota(mode, batch); need > st.Quota {
		round.Outcome = RoundAborted
		err := xerrors.New(xerrors.CodeQuotaExceeded,
			fmt.Sprintf("配额不足: 需要 %d, 剩余 %d", need, st.Quota))
		return s.closeRound(ctx, round, nil, err)
	}

	switch mode {
	case ModeSequential:
		return s.runSequential(ctx, round)
	case ModeBatch:
		return s.runBatch(ctx, round)
	default:
		return s.runPipeline(ctx, round)
	}
}

// Drain 结清所有遗留的已创建责任,作为会话的收尾回合。
// 即使收到中止信号也必须执行,否则链上已提交的责任将悬空。
func (s *Scheduler) Drain(ctx context.Context) (*Round, error) {
	prev := s.takePending()
	if len(prev) == 0 {
		return nil, nil
	}
	round := s.newRound(ModePipeline, len(prev))
	txs, err := s.buildFinalizeTxs(ctx, prev)
	if err != nil {
		s.restorePending(remainingCreated(prev))
		return s.closeRound(ctx, round, prev, err)
	}
	if err := s.broadcast(ctx, round, txs, nil, prev); err != nil {
		s.restorePending(remainingCreated(prev))
		return s.closeRound(ctx, round, prev, err)
	}
	return s.closeRound(ctx, round, prev, nil)
}

func (s *Scheduler) newRound(mode Mode, batch int) *Round {
	s.mu.Lock()
	s.roundIndex++
	idx := s.roundIndex
	s.mu.Unlock()
	return &Round{
		Index:     idx,
		Mode:      mode,
		BatchSize: batch,
		Outcome:   RoundCompleted,
		Minted:    new(big.Int),
		CostWei:   new(big.Int),
		StartedAt: time.Now(),
	}
}

func (s *Scheduler) runSequential(ctx context.Context, round *Round) (*Round, error) {
	all := make([]*Liability, 0, round.BatchSize)
	for i := 0; i < round.BatchSize; i++ {
		// 回合只允许在创建与结清的边界之间取消。
		if err := ctx.Err(); err != nil {
			return s.closeRound(ctx, round, all, err)
		}
		l := NewLiability(round.Index)
		all = append(all, l)
		if err := s.createPhase(ctx, round, []*Liability{l}); err != nil {
			return s.closeRound(ctx, round, all, err)
		}
		if l.State != LiabilityCreated {
			continue
		}
		if err := s.finalizePhase(ctx, round, []*Liability{l}); err != nil {
			s.restorePending(remainingCreated([]*Liability{l}))
			return s.closeRound(ctx, round, all, err)
		}
	}
	return s.closeRound(ctx, round, all, nil)
}

func (s *Scheduler) runBatch(ctx context.Context, round *Round) (*Round, error) {
	ls := newLiabilities(round.Index, round.BatchSize)
	if err := s.createPhase(ctx, round, ls); err != nil {
		// 已经上链的创建不能被丢下,回灌待结清队列等下一次收尾。
		s.restorePending(remainingCreated(ls))
		return s.closeRound(ctx, round, ls, err)
	}
	created := remainingCreated(ls)
	if err := ctx.Err(); err != nil {
		s.restorePending(created)
		return s.closeRound(ctx, round, ls, err)
	}
	if len(created) > 0 {
		if err := s.finalizePhase(ctx, round, created); err != nil {
			s.restorePending(remainingCreated(created))
			return s.closeRound(ctx, round, ls, err)
		}
	}
	return s.closeRound(ctx, round, ls, nil)
}

// runPipeline 把上一回合的结清集与本回合的创建集并入同一次突发。
// 首个回合没有结清集,退化为仅创建的引导回合。
func (s *Scheduler) runPipeline(ctx context.Context, round *Round) (*Round, error) {
	prev := s.takePending()
	creates := newLiabilities(round.Index, round.BatchSize)
	all := append(append([]*Liability{}, prev...), creates...)

	finalizeTxs, err := s.buildFinalizeTxs(ctx, prev)
	if err != nil {
		s.restorePending(remainingCreated(prev))
		return s.closeRound(ctx, round, all, err)
	}
	// 结清集先预留低位 nonce,创建集紧随其后,两段保持连续。
	createTxs, err := s.buildCreateTxs(ctx, creates)
	if err != nil {
		s.restorePending(remainingCreated(prev))
		return s.closeRound(ctx, round, all, err)
	}

	// 结清集与创建集一次发出,不存在只发一半的中间态。
	if err := s.broadcast(ctx, round, finalizeTxs, createTxs, all); err != nil {
		s.restorePending(remainingCreated(all))
		return s.closeRound(ctx, round, all, err)
	}
	s.restorePending(remainingCreated(creates))
	return s.closeRound(ctx, round, all, nil)
}

func newLiabilities(round uint64, n int) []*Liability {
	out := make([]*Liability, n)
	for i := range out {
		out[i] = NewLiability(round)
	}
	return out
}

func remainingCreated(ls []*Liability) []*Liability {
	var out []*Liability
	for _, l := range ls {
		if l.State == LiabilityCreated {
			out = append(out, l)
		}
	}
	return out
}

func (s *Scheduler) takePending() []*Liability {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func (s *Scheduler) restorePending(ls []*Liability) {
	if len(ls) == 0 {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, ls...)
	s.mu.Unlock()
}

type waitItem struct {
	liability *Liability
	hash      common.Hash
	finalize  bool
}

// createPhase 构造、广播并确认一组创建交易。
func (s *Scheduler) createPhase(ctx context.Context, round *Round, ls []*Liability) error {
	txs, err := s.buildCreateTxs(ctx, ls)
	if err != nil {
		return err
	}
	return s.broadcast(ctx, round, nil, txs, ls)
}

// finalizePhase 构造、广播并确认一组结清交易。
func (s *Scheduler) finalizePhase(ctx context.Context, round *Round, ls []*Liability) error {
	txs, err := s.buildFinalizeTxs(ctx, ls)
	if err != nil {
		return err
	}
	return s.broadcast(ctx, round, txs, nil, ls)
}

// buildCreateTxs 为 pending 状态的责任构造创建交易。
func (s *Scheduler) buildCreateTxs(ctx context.Context, ls []*Liability) ([]*coretypes.Transaction, error) {
	if len(ls) == 0 {
		return nil, nil
	}
	demands, offers, err := s.payloads.BuildPairs(ctx, ls)
	if err != nil {
		for _, l := range ls {
			l.Advance(LiabilityAbandoned)
		}
		return nil, err
	}
	nonces, err := s.seq.Reserve(ctx, len(ls))
	if err != nil {
		return nil, err
	}
	txs := make([]*coretypes.Transaction, len(ls))
	for i, l := range ls {
		tx, err := s.txf.CreateLiability(ctx, nonces[i], demands[i], offers[i])
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "构造创建交易失败")
		}
		l.CreateNonce = nonces[i]
		l.CreateTxHash = tx.Hash()
		txs[i] = tx
	}
	return txs, nil
}

// buildFinalizeTxs 为已创建的责任构造结清交易。单条责任的签名
// 失败只废弃该条,不影响其余。
func (s *Scheduler) buildFinalizeTxs(ctx context.Context, ls []*Liability) ([]*coretypes.Transaction, error) {
	if len(ls) == 0 {
		return nil, nil
	}
	type item struct {
		l       *Liability
		result  []byte
		success bool
		sig     []byte
	}
	items := make([]item, 0, len(ls))
	for _, l := range ls {
		result, success, sig, err := s.payloads.BuildResult(l)
		if err != nil {
			s.log.Warn("结果签名失败,废弃该责任", "liability", l.ID, "error", err)
			l.Advance(LiabilityAbandoned)
			continue
		}
		items = append(items, item{l: l, result: result, success: success, sig: sig})
	}
	if len(items) == 0 {
		return nil, nil
	}
	nonces, err := s.seq.Reserve(ctx, len(items))
	if err != nil {
		return nil, err
	}
	txs := make([]*coretypes.Transaction, len(items))
	for i, it := range items {
		tx, err := s.txf.FinalizeLiability(ctx, nonces[i], it.l.Address, it.result, it.success, it.sig)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "构造结清交易失败")
		}
		it.l.FinalizeNonce = nonces[i]
		it.l.FinalizeTx = tx.Hash()
		txs[i] = tx
	}
	return txs, nil
}

// broadcast 将结清交易与创建交易按 nonce 顺序并入一次突发发出,
// 然后以单个屏障等待全部回执。
func (s *Scheduler) broadcast(ctx context.Context, round *Round, finalizeTxs, createTxs []*coretypes.Transaction, ls []*Liability) error {
	burst := append(append([]*coretypes.Transaction{}, finalizeTxs...), createTxs...)
	if len(burst) == 0 {
		return nil
	}
	results, err := s.seq.SubmitBatch(ctx, burst)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNonceConflict {
			round.Outcome = RoundAborted
			if s.metrics != nil {
				s.metrics.NonceResyncs.Inc()
			}
			if rerr := s.seq.Resync(ctx); rerr != nil {
				s.log.Error("nonce 对齐失败", "error", rerr)
			}
		}
		return err
	}

	items := make([]waitItem, 0, len(results))
	byHash := indexByHash(ls)
	for _, res := range results {
		l, ok := byHash[res.TxHash]
		if !ok {
			continue
		}
		if res.Err != nil {
			s.log.Warn("交易投递失败", "liability", l.ID, "error", res.Err)
			l.Advance(LiabilityFailed)
			continue
		}
		items = append(items, waitItem{liability: l, hash: res.TxHash, finalize: res.TxHash == l.FinalizeTx})
	}
	return s.awaitReceipts(ctx, round, items)
}

func indexByHash(ls []*Liability) map[common.Hash]*Liability {
	out := make(map[common.Hash]*Liability, len(ls)*2)
	for _, l := range ls {
		if l.CreateTxHash != (common.Hash{}) {
			out[l.CreateTxHash] = l
		}
		if l.FinalizeTx != (common.Hash{}) {
			out[l.FinalizeTx] = l
		}
	}
	return out
}

// awaitReceipts 是调度循环唯一的挂起点:并发等待全部回执,
// 单条失败只影响对应责任,过半超时则整个回合降级。
func (s *Scheduler) awaitReceipts(ctx context.Context, round *Round, items []waitItem) error {
	if len(items) == 0 {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		timeouts int
	)
	g, gctx := errgroup.WithContext(wctx)
	for _, it := range items {
		it := it
		g.Go(func() error {
			receipt, err := s.broadcaster.WaitReceipt(gctx, it.hash)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(gctx.Err(), context.DeadlineExceeded) {
					timeouts++
					if s.metrics != nil {
						s.metrics.ConfirmTimeouts.Inc()
					}
					return nil
				}
				s.log.Warn("等待回执失败", "liability", it.liability.ID, "error", err)
				it.liability.Advance(LiabilityFailed)
				return nil
			}
			s.applyReceipt(round, it, receipt)
			return nil
		})
	}
	_ = g.Wait()

	if timeouts > len(items)/2 {
		round.Outcome = RoundDegraded
		return xerrors.New(xerrors.CodeTransportTimeout,
			fmt.Sprintf("回合确认超时: %d/%d 笔未确认", timeouts, len(items)))
	}
	return nil
}

// applyReceipt 将回执落到责任与回合汇总上,并喂给估计器。
func (s *Scheduler) applyReceipt(round *Round, it waitItem, receipt *chain.Receipt) {
	l := it.liability
	round.GasUsed += receipt.GasUsed
	if receipt.EffectiveGasPrice != nil {
		cost := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
		round.CostWei.Add(round.CostWei, cost)
		s.estimator.Observe(receipt.EffectiveGasPrice)
	}
	if !receipt.Success {
		l.Advance(LiabilityFailed)
		round.Failed++
		return
	}
	if it.finalize {
		l.GasUsed += receipt.GasUsed
		if receipt.Minted != nil {
			l.Minted.Add(l.Minted, receipt.Minted)
			round.Minted.Add(round.Minted, receipt.Minted)
		}
		l.Advance(LiabilityFinalized)
		round.Finalized++
		return
	}
	l.GasUsed += receipt.GasUsed
	if receipt.Liability != (common.Address{}) {
		l.Address = receipt.Liability
	}
	l.Advance(LiabilityCreated)
}

// closeRound 固化回合汇总,持久化并按节奏向权威值对齐。
func (s *Scheduler) closeRound(ctx context.Context, round *Round, ls []*Liability, cause error) (*Round, error) {
	round.CompletedAt = time.Now()
	if cause != nil && round.Outcome == RoundCompleted {
		round.Outcome = RoundAborted
	}

	if s.recorder != nil {
		for _, l := range ls {
			if err := s.recorder.SaveLiability(ctx, l); err != nil {
				s.log.Error("保存责任记录失败", "liability", l.ID, "error", err)
			}
		}
		if err := s.recorder.SaveRound(ctx, round); err != nil {
			s.log.Error("保存回合记录失败", "round", round.Index, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.RoundsTotal.WithLabelValues(string(round.Mode), string(round.Outcome)).Inc()
		s.metrics.GasUsedTotal.Add(float64(round.GasUsed))
		s.metrics.RoundDuration.Observe(round.CompletedAt.Sub(round.StartedAt).Seconds())
		for _, l := range ls {
			if l.Terminal() {
				s.metrics.LiabilitiesTotal.WithLabelValues(string(l.State)).Inc()
			}
		}
		s.metrics.SMMAEstimate.Set(s.estimator.Decimal().InexactFloat64())
	}

	if s.estimator.RoundClosed() {
		auth, err := s.reader.AuthoritativeSMMA(ctx)
		if err != nil {
			s.log.Warn("读取权威移动平均失败,推迟对齐", "error", err)
		} else {
			s.estimator.Resync(auth)
		}
	}

	s.log.Info("回合结束",
		"round", round.Index, "mode", round.Mode, "outcome", round.Outcome,
		"finalized", round.Finalized, "failed", round.Failed,
		"gas_used", round.GasUsed, "minted", round.Minted)
	return round, cause
}
