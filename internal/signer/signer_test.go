package signer

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成测试私钥失败: %v", err)
	}
	return New(key)
}

func sampleDemand(sender common.Address) *Demand {
	return &Demand{
		Model:        []byte{0x12, 0x20, 0x01, 0x02},
		Objective:    []byte{0x12, 0x20, 0x03, 0x04},
		Token:        common.HexToAddress("0x7de91b204c1c737bcee6f000aaa6569cf7061cb7"),
		Cost:         big.NewInt(1),
		Lighthouse:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Validator:    common.Address{},
		ValidatorFee: big.NewInt(0),
		Deadline:     big.NewInt(15_000_000),
		Nonce:        big.NewInt(42),
		Sender:       sender,
	}
}

func offerFromDemand(d *Demand) *Offer {
	return &Offer{
		Model:         d.Model,
		Objective:     d.Objective,
		Token:         d.Token,
		Cost:          d.Cost,
		Validator:     d.Validator,
		Lighthouse:    d.Lighthouse,
		LighthouseFee: big.NewInt(0),
		Deadline:      d.Deadline,
		Nonce:         big.NewInt(43),
		Sender:        d.Sender,
	}
}

func TestSignDemandRecover(t *testing.T) {
	s := newTestSigner(t)
	d := sampleDemand(s.Address())

	sig, err := s.SignDemand(d)
	if err != nil {
		t.Fatalf("签名需求消息失败: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("签名长度应为 65, 实际 %d", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("v 值应归一化为 27/28, 实际 %d", sig[64])
	}

	got, err := RecoverDemand(d, sig)
	if err != nil {
		t.Fatalf("恢复签名者失败: %v", err)
	}
	if got != s.Address() {
		t.Fatalf("恢复地址不符: 期望 %s, 实际 %s", s.Address(), got)
	}
}

// 需求签名不得被当作报价签名复用,反之亦然。
func TestDemandOfferSignaturesDistinct(t *testing.T) {
	s := newTestSigner(t)
	d := sampleDemand(s.Address())
	o := offerFromDemand(d)
	o.Nonce = d.Nonce

	demandSig, err := s.SignDemand(d)
	if err != nil {
		t.Fatalf("签名需求消息失败: %v", err)
	}
	offerSig, err := s.SignOffer(o)
	if err != nil {
		t.Fatalf("签名报价消息失败: %v", err)
	}
	if bytes.Equal(demandSig, offerSig) {
		t.Fatal("需求与报价的签名不应相同")
	}

	got, err := RecoverOffer(o, demandSig)
	if err == nil && got == s.Address() {
		t.Fatal("需求签名不应被验证为报价签名")
	}
}

func TestSignResultSuccessByte(t *testing.T) {
	s := newTestSigner(t)
	r := &Result{
		Liability: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Result:    []byte{0x12, 0x20, 0x05, 0x06},
		Success:   true,
	}

	okSig, err := s.SignResult(r)
	if err != nil {
		t.Fatalf("签名结果消息失败: %v", err)
	}
	r.Success = false
	failSig, err := s.SignResult(r)
	if err != nil {
		t.Fatalf("签名结果消息失败: %v", err)
	}
	if bytes.Equal(okSig, failSig) {
		t.Fatal("成功标志不同的结果消息签名不应相同")
	}
}

func TestEncodeDemandEmbedsSender(t *testing.T) {
	s := newTestSigner(t)
	d := sampleDemand(s.Address())

	payload, err := s.EncodeDemand(d)
	if err != nil {
		t.Fatalf("编码需求消息失败: %v", err)
	}
	if len(payload) == 0 {
		t.Fatal("编码结果不应为空")
	}
	if !bytes.Contains(payload, s.Address().Bytes()) {
		t.Fatal("编码结果应包含发送者地址")
	}
}
