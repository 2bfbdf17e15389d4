package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"Lighthouse-Miner/internal/chain"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

// Config describes how to construct the chain client.
type Config struct {
	RPCURL       string
	WSURL        string
	BatchRPCURL  string
	Factory      common.Address
	Lighthouse   common.Address
	PollInterval time.Duration
	PollRate     int
}

// Client implements the chain.Chain contract against an EVM node.
type Client struct {
	rpcClient   *gethrpc.Client
	batchClient *gethrpc.Client
	eth         *ethclient.Client
	backend     bind.ContractBackend
	sim         *backends.SimulatedBackend

	factory    common.Address
	lighthouse common.Address
	xrt        common.Address

	limiter      *rate.Limiter
	pollInterval time.Duration
	mu           sync.Mutex
}

// receiptReader mirrors the subset of methods required for receipt polling.
type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// NewClient dials the configured RPC endpoints and resolves the token address
// from the factory contract.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			return nil, fmt.Errorf("连接批量交易节点失败: %w", err)
		}
	}

	c := &Client{
		rpcClient:    rpcClient,
		batchClient:  batchClient,
		eth:          eth,
		backend:      eth,
		factory:      cfg.Factory,
		lighthouse:   cfg.Lighthouse,
		limiter:      newLimiter(cfg.PollRate),
		pollInterval: defaultInterval(cfg.PollInterval),
	}
	if c.factory == (common.Address{}) {
		c.factory = DefaultFactoryAddress
	}

	if err := c.resolveToken(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(backend *backends.SimulatedBackend, factory, lighthouse, xrt common.Address) *Client {
	return &Client{
		backend:      backend,
		sim:          backend,
		factory:      factory,
		lighthouse:   lighthouse,
		xrt:          xrt,
		limiter:      newLimiter(0),
		pollInterval: 10 * time.Millisecond,
	}
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		perSec = 10
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

func defaultInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return 3 * time.Second
	}
	return d
}

func (c *Client) resolveToken(ctx context.Context) error {
	var token common.Address
	if err := c.callInto(ctx, c.factory, factoryABI, "xrt", &token); err != nil {
		return fmt.Errorf("解析 XRT 地址失败: %w", err)
	}
	c.xrt = token
	return nil
}

// Token 返回工厂登记的代币地址。
func (c *Client) Token() common.Address { return c.xrt }

// Backend 返回底层合约调用后端,供兑换等外围组件复用。
func (c *Client) Backend() bind.ContractBackend { return c.backend }

// Lighthouse 返回协调者合约地址。
func (c *Client) Lighthouse() common.Address { return c.lighthouse }

// SetLighthouse 切换协调者合约地址。
func (c *Client) SetLighthouse(addr common.Address) {
	c.mu.Lock()
	c.lighthouse = addr
	c.mu.Unlock()
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
}

// call 执行一次合约只读调用并返回解码后的输出。
func (c *Client) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", method, err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 结果失败: %w", method, err)
	}
	return out, nil
}

func (c *Client) callInto(ctx context.Context, to common.Address, parsed abi.ABI, method string, dst any, args ...any) error {
	out, err := c.call(ctx, to, parsed, method, args...)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return fmt.Errorf("%s 无返回值", method)
	}
	switch d := dst.(type) {
	case *common.Address:
		v, ok := out[0].(common.Address)
		if !ok {
			return fmt.Errorf("%s 返回类型不是 address", method)
		}
		*d = v
	case **big.Int:
		v, ok := out[0].(*big.Int)
		if !ok {
			return fmt.Errorf("%s 返回类型不是 uint256", method)
		}
		*d = v
	case *uint64:
		v, ok := out[0].(*big.Int)
		if !ok {
			return fmt.Errorf("%s 返回类型不是 uint256", method)
		}
		*d = v.Uint64()
	default:
		return fmt.Errorf("不支持的解码目标类型 %T", dst)
	}
	return nil
}

// SendBatch broadcasts every transaction without waiting for inclusion in
// between. Results map one-to-one onto the input slice; a failed element never
// blocks the rest of the burst.
func (c *Client) SendBatch(ctx context.Context, txs []*coretypes.Transaction) []chain.SubmitResult {
	results := make([]chain.SubmitResult, len(txs))

	if c.sim != nil {
		for i, tx := range txs {
			results[i].TxHash = tx.Hash()
			if err := c.sim.SendTransaction(ctx, tx); err != nil {
				results[i].Status = chain.StatusTransportFailed
				results[i].Err = err
				continue
			}
			results[i].Status = chain.StatusPending
		}
		c.sim.Commit()
		return results
	}

	elems := make([]gethrpc.BatchElem, len(txs))
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		results[i].TxHash = tx.Hash()
		raw, err := tx.MarshalBinary()
		if err != nil {
			results[i].Status = chain.StatusTransportFailed
			results[i].Err = fmt.Errorf("序列化交易失败: %w", err)
			continue
		}
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{"0x" + hex.EncodeToString(raw)},
			Result: &hashes[i],
		}
	}

	if err := c.batchClient.BatchCallContext(ctx, elems); err != nil {
		for i := range results {
			if results[i].Err == nil {
				results[i].Status = chain.StatusTransportFailed
				results[i].Err = fmt.Errorf("批量广播失败: %w", err)
			}
		}
		return results
	}

	for i := range elems {
		if results[i].Err != nil {
			continue
		}
		if elems[i].Error != nil {
			results[i].Status = chain.StatusTransportFailed
			results[i].Err = elems[i].Error
			continue
		}
		results[i].Status = chain.StatusPending
	}
	return results
}

// WaitReceipt polls for the transaction receipt until the context expires.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error) {
	reader := c.receiptBackend()
	if reader == nil {
		return nil, errors.New("当前客户端不支持回执查询")
	}

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		receipt, err := reader.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return c.parseReceipt(receipt), nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询回执失败: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// parseReceipt 从回执日志中解析责任地址与铸造量。
func (c *Client) parseReceipt(r *coretypes.Receipt) *chain.Receipt {
	parsed := &chain.Receipt{
		TxHash:            r.TxHash,
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
		Success:           r.Status == coretypes.ReceiptStatusSuccessful,
		Logs:              r.Logs,
	}
	if r.BlockNumber != nil {
		parsed.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, log := range r.Logs {
		switch {
		case log.Address == c.factory && len(log.Topics) >= 2 && log.Topics[0] == newLiabilityTopic:
			parsed.Liability = common.BytesToAddress(log.Topics[1].Bytes())
		case log.Address == c.xrt && len(log.Topics) >= 3 && log.Topics[0] == transferTopic:
			amount := new(big.Int).SetBytes(log.Data)
			if parsed.Minted == nil {
				parsed.Minted = amount
			} else {
				parsed.Minted = new(big.Int).Add(parsed.Minted, amount)
			}
		}
	}
	return parsed
}

// BlockNumber 返回最新区块高度。
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if c.eth != nil {
		return c.eth.BlockNumber(ctx)
	}
	if c.sim != nil {
		block, err := c.sim.BlockByNumber(ctx, nil)
		if err != nil {
			return 0, err
		}
		return block.NumberU64(), nil
	}
	return 0, errors.New("客户端缺少链访问后端")
}

// PendingNonce 返回账户在交易池中的下一可用 nonce。
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	if backend, ok := c.backend.(interface {
		PendingNonceAt(context.Context, common.Address) (uint64, error)
	}); ok {
		return backend.PendingNonceAt(ctx, account)
	}
	return 0, errors.New("当前客户端不支持交易计数查询")
}

// FactoryNonce 返回工厂合约为账户维护的签名 nonce。
func (c *Client) FactoryNonce(ctx context.Context, account common.Address) (*big.Int, error) {
	var nonce *big.Int
	if err := c.callInto(ctx, c.factory, factoryABI, "nonceOf", &nonce, account); err != nil {
		return nil, err
	}
	return nonce, nil
}

// LighthouseState 读取协调者合约的当前回合状态快照。
func (c *Client) LighthouseState(ctx context.Context, account common.Address) (chain.LighthouseState, error) {
	var state chain.LighthouseState
	lighthouse := c.lighthouse
	if lighthouse == (common.Address{}) {
		return state, errors.New("未配置协调者合约地址")
	}

	if err := c.callInto(ctx, lighthouse, lighthouseABI, "marker", &state.Marker); err != nil {
		return state, err
	}
	if err := c.callInto(ctx, lighthouse, lighthouseABI, "quota", &state.Quota); err != nil {
		return state, err
	}
	if err := c.callInto(ctx, lighthouse, lighthouseABI, "keepAliveBlock", &state.KeepAliveBlock); err != nil {
		return state, err
	}
	if err := c.callInto(ctx, lighthouse, lighthouseABI, "timeoutInBlocks", &state.TimeoutBlocks); err != nil {
		return state, err
	}
	if err := c.callInto(ctx, lighthouse, lighthouseABI, "minimalStake", &state.MinimalStake); err != nil {
		return state, err
	}
	if err := c.callInto(ctx, lighthouse, lighthouseABI, "stakes", &state.MyStake, account); err != nil {
		return state, err
	}
	if err := c.callInto(ctx, lighthouse, lighthouseABI, "indexOf", &state.MyIndex, account); err != nil {
		return state, err
	}
	return state, nil
}

// AuthoritativeSMMA 读取工厂合约维护的权威移动平均 gas 价格。
func (c *Client) AuthoritativeSMMA(ctx context.Context) (*big.Int, error) {
	var value *big.Int
	if err := c.callInto(ctx, c.factory, factoryABI, "gasPrice", &value); err != nil {
		return nil, err
	}
	return value, nil
}

// EmissionForGas 读取工厂对指定 gas 用量的铸造量估算。
func (c *Client) EmissionForGas(ctx context.Context, gas uint64) (*big.Int, error) {
	var value *big.Int
	if err := c.callInto(ctx, c.factory, factoryABI, "wnFromGas", &value, new(big.Int).SetUint64(gas)); err != nil {
		return nil, err
	}
	return value, nil
}

// TokenBalance 返回账户的代币余额。
func (c *Client) TokenBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	var balance *big.Int
	if err := c.callInto(ctx, c.xrt, erc20ABI, "balanceOf", &balance, account); err != nil {
		return nil, err
	}
	return balance, nil
}

// Balance 返回账户的 ETH 余额。
func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	if backend, ok := c.backend.(interface {
		BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error)
	}); ok {
		return backend.BalanceAt(ctx, account, nil)
	}
	return nil, errors.New("当前客户端不支持余额查询")
}

// GasPrice 返回节点建议的 gas 价格。
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	if c.eth != nil {
		return c.eth.SuggestGasPrice(ctx)
	}
	if backend, ok := c.backend.(interface {
		SuggestGasPrice(context.Context) (*big.Int, error)
	}); ok {
		return backend.SuggestGasPrice(ctx)
	}
	return nil, errors.New("当前客户端不支持 gas 价格查询")
}

func (c *Client) receiptBackend() receiptReader {
	if c.eth != nil {
		return c.eth
	}
	if c.sim != nil {
		return c.sim
	}
	if reader, ok := c.backend.(receiptReader); ok {
		return reader
	}
	return nil
}
