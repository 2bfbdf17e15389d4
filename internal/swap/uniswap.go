// Package swap 通过 Uniswap V2 将挖出的代币兑换为 ETH,
// 并从 Chainlink 读取 ETH 的美元参考价。
package swap

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"Lighthouse-Miner/internal/chain"
	xerrors "Lighthouse-Miner/internal/errors"
	"Lighthouse-Miner/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const routerABIJSON = `[
  {"constant":true,"inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"name":"getAmountsOut","outputs":[{"name":"amounts","type":"uint256[]"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForETH","outputs":[{"name":"amounts","type":"uint256[]"}],"type":"function"}
]`

const erc20ABIJSON = `[
  {"constant":true,"inputs":[{"name":"_owner","type":"address"},{"name":"_spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"_spender","type":"address"},{"name":"_value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const feedABIJSON = `[
  {"constant":true,"inputs":[],"name":"latestAnswer","outputs":[{"name":"","type":"int256"}],"type":"function"}
]`

var (
	routerABI = mustParseABI(routerABIJSON)
	erc20ABI  = mustParseABI(erc20ABIJSON)
	feedABI   = mustParseABI(feedABIJSON)

	// withdrawalTopic 是 WETH 解包事件的 topic0,路由合约出金时
	// 携带实际成交的 ETH 数量。
	withdrawalTopic = crypto.Keccak256Hash([]byte("Withdrawal(address,uint256)"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

const (
	gasLimitApprove = 60_000
	gasLimitSwap    = 250_000
)

// tokenUnit 与代币的 9 位小数对应。
var tokenUnit = decimal.New(1, 9)

// NonceSource 为兑换交易预留账户 nonce,与挖矿回合共用同一序列。
type NonceSource interface {
	Reserve(ctx context.Context, n int) ([]uint64, error)
}

// Config 是 Uniswap 客户端的静态参数。
type Config struct {
	Router common.Address
	Token  common.Address
	WETH   common.Address
	// PriceFeed 是 ETH/USD 参考价合约,可为零值表示不读美元价。
	PriceFeed common.Address
	ChainID   *big.Int
}

// Uniswap 封装代币到 ETH 的兑换路径 token -> WETH -> ETH。
type Uniswap struct {
	backend     bind.ContractBackend
	broadcaster chain.Broadcaster
	reader      chain.Reader
	nonces      NonceSource
	key         *ecdsa.PrivateKey
	from        common.Address
	signer      coretypes.Signer
	cfg         Config
	log         *slog.Logger
}

// New 构造 Uniswap 客户端。
func New(
	backend bind.ContractBackend,
	broadcaster chain.Broadcaster,
	reader chain.Reader,
	nonces NonceSource,
	key *ecdsa.PrivateKey,
	cfg Config,
) *Uniswap {
	return &Uniswap{
		backend:     backend,
		broadcaster: broadcaster,
		reader:      reader,
		nonces:      nonces,
		key:         key,
		from:        crypto.PubkeyToAddress(key.PublicKey),
		signer:      coretypes.LatestSignerForChainID(cfg.ChainID),
		cfg:         cfg,
		log:         logger.Named("swap"),
	}
}

func (u *Uniswap) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	raw, err := u.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, fmt.Sprintf("调用 %s 失败", method))
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回失败: %w", method, err)
	}
	return out, nil
}

// quoteOut 返回 amountIn 沿 token->WETH 路径的预期所得(wei)。
func (u *Uniswap) quoteOut(ctx context.Context, amountIn *big.Int) (*big.Int, error) {
	path := []common.Address{u.cfg.Token, u.cfg.WETH}
	out, err := u.call(ctx, u.cfg.Router, routerABI, "getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) < 2 {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "getAmountsOut 返回格式异常")
	}
	return amounts[len(amounts)-1], nil
}

// Price 返回单个代币的市价(wei),实现估价接口。
func (u *Uniswap) Price(ctx context.Context) (*big.Int, error) {
	return u.quoteOut(ctx, tokenUnit.BigInt())
}

// UsdPerETH 读取参考价合约的 ETH 美元价,8 位小数。
func (u *Uniswap) UsdPerETH(ctx context.Context) (decimal.Decimal, error) {
	if u.cfg.PriceFeed == (common.Address{}) {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, "未配置美元参考价合约")
	}
	out, err := u.call(ctx, u.cfg.PriceFeed, feedABI, "latestAnswer")
	if err != nil {
		return decimal.Zero, err
	}
	answer, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, xerrors.New(xerrors.CodeTransportFailure, "latestAnswer 返回格式异常")
	}
	return decimal.NewFromBigInt(answer, -8), nil
}

// Sell 将 amountIn 个代币最小单位兑换为 ETH。
// 执行前按当前报价锁定滑点下限,成交价劣于下限即失败并保留余额。
func (u *Uniswap) Sell(ctx context.Context, amountIn *big.Int, slippagePct decimal.Decimal, deadline time.Duration) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换数量必须为正")
	}

	expected, err := u.quoteOut(ctx, amountIn)
	if err != nil {
		return nil, err
	}
	if expected.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeSlippageExceeded, "当前报价为零")
	}
	minOut := decimal.NewFromBigInt(expected, 0).
		Mul(decimal.NewFromInt(100).Sub(slippagePct)).
		Div(decimal.NewFromInt(100)).
		Floor().BigInt()

	if err := u.ensureAllowance(ctx, amountIn); err != nil {
		return nil, err
	}

	path := []common.Address{u.cfg.Token, u.cfg.WETH}
	until := new(big.Int).SetInt64(time.Now().Add(deadline).Unix())
	data, err := routerABI.Pack("swapExactTokensForETH", amountIn, minOut, path, u.from, until)
	if err != nil {
		return nil, fmt.Errorf("编码兑换调用失败: %w", err)
	}
	receipt, err := u.submit(ctx, u.cfg.Router, gasLimitSwap, data)
	if err != nil {
		return nil, err
	}
	if !receipt.Success {
		// 路由合约在成交价劣于下限时回滚。
		return nil, xerrors.New(xerrors.CodeSlippageExceeded,
			fmt.Sprintf("兑换回滚: 下限 %s", minOut))
	}
	proceeds := realizedProceeds(receipt, u.cfg.WETH)
	if proceeds == nil {
		// 回执里没有解包事件时退回报价近似值。
		proceeds = expected
	}
	u.log.Info("兑换完成", "amount_in", amountIn, "proceeds", proceeds, "min_out", minOut)
	return proceeds, nil
}

// realizedProceeds 从回执的 WETH Withdrawal 事件读出实际到手的
// ETH 数量,事件缺失时返回 nil。
func realizedProceeds(receipt *chain.Receipt, weth common.Address) *big.Int {
	var total *big.Int
	for _, log := range receipt.Logs {
		if log.Address != weth || len(log.Topics) == 0 || log.Topics[0] != withdrawalTopic {
			continue
		}
		wad := new(big.Int).SetBytes(log.Data)
		if total == nil {
			total = wad
		} else {
			total = new(big.Int).Add(total, wad)
		}
	}
	return total
}

// ensureAllowance 确保路由合约的授权额度覆盖本次兑换。
func (u *Uniswap) ensureAllowance(ctx context.Context, amountIn *big.Int) error {
	out, err := u.call(ctx, u.cfg.Token, erc20ABI, "allowance", u.from, u.cfg.Router)
	if err != nil {
		return err
	}
	allowance, ok := out[0].(*big.Int)
	if !ok {
		return xerrors.New(xerrors.CodeTransportFailure, "allowance 返回格式异常")
	}
	if allowance.Cmp(amountIn) >= 0 {
		return nil
	}

	// 一次授权到上限,后续兑换不再重复付 approve 的 gas。
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	data, err := erc20ABI.Pack("approve", u.cfg.Router, max)
	if err != nil {
		return fmt.Errorf("编码授权调用失败: %w", err)
	}
	receipt, err := u.submit(ctx, u.cfg.Token, gasLimitApprove, data)
	if err != nil {
		return err
	}
	if !receipt.Success {
		return xerrors.New(xerrors.CodeTransportFailure, "授权交易回滚")
	}
	return nil
}

// submit 签名并广播一笔交易,等待回执。
func (u *Uniswap) submit(ctx context.Context, to common.Address, gasLimit uint64, data []byte) (*chain.Receipt, error) {
	nonces, err := u.nonces.Reserve(ctx, 1)
	if err != nil {
		return nil, err
	}
	gasPrice, err := u.reader.GasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "查询 gas 价格失败")
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   u.signer.ChainID(),
		Nonce:     nonces[0],
		To:        &to,
		Gas:       gasLimit,
		GasFeeCap: new(big.Int).Mul(gasPrice, big.NewInt(2)),
		GasTipCap: gasPrice,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, u.signer, u.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}

	results := u.broadcaster.SendBatch(ctx, []*coretypes.Transaction{signed})
	if len(results) != 1 {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "广播返回数量异常")
	}
	if results[0].Err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, results[0].Err, "广播兑换交易失败")
	}
	return u.broadcaster.WaitReceipt(ctx, results[0].TxHash)
}
