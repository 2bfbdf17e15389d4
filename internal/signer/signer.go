// Package signer 负责对需求、报价与结果消息进行打包编码与签名。
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	xerrors "Lighthouse-Miner/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Demand 描述一条需求消息。字段顺序与链上校验保持一致。
type Demand struct {
	Model        []byte
	Objective    []byte
	Token        common.Address
	Cost         *big.Int
	Lighthouse   common.Address
	Validator    common.Address
	ValidatorFee *big.Int
	Deadline     *big.Int
	Nonce        *big.Int
	Sender       common.Address
}

// Offer 描述一条报价消息。validator 与 lighthouse 的位置与需求消息相反，
// 费用字段换成 lighthouseFee，保证两类消息的签名互不通用。
type Offer struct {
	Model         []byte
	Objective     []byte
	Token         common.Address
	Cost          *big.Int
	Validator     common.Address
	Lighthouse    common.Address
	LighthouseFee *big.Int
	Deadline      *big.Int
	Nonce         *big.Int
	Sender        common.Address
}

// Result 描述一条执行结果消息。
type Result struct {
	Liability common.Address
	Result    []byte
	Success   bool
}

// Signer 持有签名私钥。
type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// New 构造 Signer。
func New(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address 返回签名账户地址。
func (s *Signer) Address() common.Address { return s.addr }

var messageArgs = mustArguments(
	"bytes", "bytes", "address", "uint256", "address",
	"address", "uint256", "uint256", "address", "bytes",
)

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}

func uint256Bytes(v *big.Int) []byte {
	return math.U256Bytes(new(big.Int).Set(v))
}

func demandHash(d *Demand) common.Hash {
	packed := make([]byte, 0, 256)
	packed = append(packed, d.Model...)
	packed = append(packed, d.Objective...)
	packed = append(packed, d.Token.Bytes()...)
	packed = append(packed, uint256Bytes(d.Cost)...)
	packed = append(packed, d.Lighthouse.Bytes()...)
	packed = append(packed, d.Validator.Bytes()...)
	packed = append(packed, uint256Bytes(d.ValidatorFee)...)
	packed = append(packed, uint256Bytes(d.Deadline)...)
	packed = append(packed, uint256Bytes(d.Nonce)...)
	packed = append(packed, d.Sender.Bytes()...)
	return crypto.Keccak256Hash(packed)
}

func offerHash(o *Offer) common.Hash {
	packed := make([]byte, 0, 256)
	packed = append(packed, o.Model...)
	packed = append(packed, o.Objective...)
	packed = append(packed, o.Token.Bytes()...)
	packed = append(packed, uint256Bytes(o.Cost)...)
	packed = append(packed, o.Validator.Bytes()...)
	packed = append(packed, o.Lighthouse.Bytes()...)
	packed = append(packed, uint256Bytes(o.LighthouseFee)...)
	packed = append(packed, uint256Bytes(o.Deadline)...)
	packed = append(packed, uint256Bytes(o.Nonce)...)
	packed = append(packed, o.Sender.Bytes()...)
	return crypto.Keccak256Hash(packed)
}

func resultHash(r *Result) common.Hash {
	packed := make([]byte, 0, 64)
	packed = append(packed, r.Liability.Bytes()...)
	packed = append(packed, r.Result...)
	if r.Success {
		packed = append(packed, 1)
	} else {
		packed = append(packed, 0)
	}
	return crypto.Keccak256Hash(packed)
}

// signHash 对消息哈希加 EIP-191 前缀后签名，v 归一化为 27/28。
func (s *Signer) signHash(h common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(h.Bytes()), s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignatureInvalid, err, "签名失败")
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// SignDemand 返回需求消息的签名。
func (s *Signer) SignDemand(d *Demand) ([]byte, error) {
	return s.signHash(demandHash(d))
}

// SignOffer 返回报价消息的签名。
func (s *Signer) SignOffer(o *Offer) ([]byte, error) {
	return s.signHash(offerHash(o))
}

// SignResult 返回结果消息的签名。
func (s *Signer) SignResult(r *Result) ([]byte, error) {
	return s.signHash(resultHash(r))
}

// EncodeDemand 将需求消息连同签名编码为合约入参字节串。
func (s *Signer) EncodeDemand(d *Demand) ([]byte, error) {
	sig, err := s.SignDemand(d)
	if err != nil {
		return nil, err
	}
	out, err := messageArgs.Pack(
		d.Model, d.Objective, d.Token, d.Cost, d.Lighthouse,
		d.Validator, d.ValidatorFee, d.Deadline, d.Sender, sig,
	)
	if err != nil {
		return nil, fmt.Errorf("编码需求消息失败: %w", err)
	}
	return out, nil
}

// EncodeOffer 将报价消息连同签名编码为合约入参字节串。
func (s *Signer) EncodeOffer(o *Offer) ([]byte, error) {
	sig, err := s.SignOffer(o)
	if err != nil {
		return nil, err
	}
	out, err := messageArgs.Pack(
		o.Model, o.Objective, o.Token, o.Cost, o.Validator,
		o.Lighthouse, o.LighthouseFee, o.Deadline, o.Sender, sig,
	)
	if err != nil {
		return nil, fmt.Errorf("编码报价消息失败: %w", err)
	}
	return out, nil
}

// RecoverDemand 从需求哈希与签名恢复签名者地址。
func RecoverDemand(d *Demand, sig []byte) (common.Address, error) {
	return recoverSigner(demandHash(d), sig)
}

// RecoverOffer 从报价哈希与签名恢复签名者地址。
func RecoverOffer(o *Offer, sig []byte) (common.Address, error) {
	return recoverSigner(offerHash(o), sig)
}

func recoverSigner(h common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, xerrors.New(xerrors.CodeSignatureInvalid, "签名长度不合法")
	}
	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(h.Bytes()), norm)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeSignatureInvalid, err, "恢复签名者失败")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
