package mining

import (
	"context"
	"math/big"

	"Lighthouse-Miner/internal/chain"
	xerrors "Lighthouse-Miner/internal/errors"
	"Lighthouse-Miner/internal/signer"

	"github.com/ethereum/go-ethereum/common"
)

// PayloadBuilder 为一个回合构造签名后的需求/报价载荷与结清载荷。
type PayloadBuilder interface {
	// BuildPairs 为回合内的每条责任生成配对的需求与报价字节串。
	BuildPairs(ctx context.Context, liabilities []*Liability) (demands, offers [][]byte, err error)
	// BuildResult 为已创建的责任生成结果字节串与签名。
	BuildResult(l *Liability) (result []byte, success bool, sig []byte, err error)
}

// PairBuilder 以同一账户同时扮演需求方与供给方,配对自足。
// 工厂合约为每个账户维护独立的防重放计数,需求与报价各占一个,
// 每条责任消耗两个连续计数。
type PairBuilder struct {
	signer     *signer.Signer
	reader     chain.Reader
	lighthouse common.Address
	token      common.Address

	model     []byte
	objective []byte
	result    []byte
	cost      *big.Int
	deadline  uint64
}

// NewPairBuilder 构造 PairBuilder。deadlineBlocks 是载荷的有效窗口。
func NewPairBuilder(
	s *signer.Signer,
	reader chain.Reader,
	lighthouse, token common.Address,
	model, objective, result []byte,
	cost *big.Int,
	deadlineBlocks uint64,
) *PairBuilder {
	if cost == nil {
		cost = new(big.Int)
	}
	return &PairBuilder{
		signer:     s,
		reader:     reader,
		lighthouse: lighthouse,
		token:      token,
		model:      model,
		objective:  objective,
		result:     result,
		cost:       cost,
		deadline:   deadlineBlocks,
	}
}

// BuildPairs 实现 PayloadBuilder。防重放计数在回合开始时读取一次,
// 之后按本回合内的序号偏移,避免同一突发内的载荷互相碰撞。
func (b *PairBuilder) BuildPairs(ctx context.Context, liabilities []*Liability) ([][]byte, [][]byte, error) {
	base, err := b.reader.FactoryNonce(ctx, b.signer.Address())
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "查询工厂防重放计数失败")
	}
	block, err := b.reader.BlockNumber(ctx)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "查询区块高度失败")
	}
	deadline := new(big.Int).SetUint64(block + b.deadline)
	sender := b.signer.Address()

	demands := make([][]byte, len(liabilities))
	offers := make([][]byte, len(liabilities))
	for i := range liabilities {
		demandNonce := new(big.Int).Add(base, big.NewInt(int64(2*i)))
		offerNonce := new(big.Int).Add(base, big.NewInt(int64(2*i+1)))

		demand := &signer.Demand{
			Model:        b.model,
			Objective:    b.objective,
			Token:        b.token,
			Cost:         b.cost,
			Lighthouse:   b.lighthouse,
			Validator:    common.Address{},
			ValidatorFee: new(big.Int),
			Deadline:     deadline,
			Nonce:        demandNonce,
			Sender:       sender,
		}
		offer := &signer.Offer{
			Model:         b.model,
			Objective:     b.objective,
			Token:         b.token,
			Cost:          b.cost,
			Validator:     common.Address{},
			Lighthouse:    b.lighthouse,
			LighthouseFee: new(big.Int),
			Deadline:      deadline,
			Nonce:         offerNonce,
			Sender:        sender,
		}

		demands[i], err = b.signer.EncodeDemand(demand)
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeSignatureInvalid, err, "编码需求载荷失败")
		}
		offers[i], err = b.signer.EncodeOffer(offer)
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeSignatureInvalid, err, "编码报价载荷失败")
		}
	}
	return demands, offers, nil
}

// BuildResult 实现 PayloadBuilder。
func (b *PairBuilder) BuildResult(l *Liability) ([]byte, bool, []byte, error) {
	r := &signer.Result{Liability: l.Address, Result: b.result, Success: true}
	sig, err := b.signer.SignResult(r)
	if err != nil {
		return nil, false, nil, err
	}
	return b.result, true, sig, nil
}
