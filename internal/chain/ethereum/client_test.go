package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"Lighthouse-Miner/internal/chain"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func newSimulated(t *testing.T) (*Client, *backends.SimulatedBackend, *bind.TransactOpts) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	chainID := big.NewInt(1337)
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		t.Fatalf("new transactor: %v", err)
	}

	alloc := core.GenesisAlloc{
		auth.From: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	}
	backend := backends.NewSimulatedBackend(alloc, 8_000_000)
	client := NewSimulatedClient(backend,
		common.HexToAddress("0x01"), common.HexToAddress("0x02"), common.HexToAddress("0x03"))
	return client, backend, auth
}

func signedTransfer(t *testing.T, backend *backends.SimulatedBackend, auth *bind.TransactOpts, nonce uint64) *coretypes.Transaction {
	t.Helper()

	head, err := backend.HeaderByNumber(context.Background(), nil)
	if err != nil {
		t.Fatalf("latest header: %v", err)
	}
	tip := big.NewInt(1_000_000_000)
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	}
	to := auth.From
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   big.NewInt(1337),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       21_000,
		To:        &to,
		Value:     big.NewInt(1),
	})
	signed, err := auth.Signer(auth.From, tx)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return signed
}

func TestClientSendBatchAndWaitReceipt(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, backend, auth := newSimulated(t)

	nonce, err := client.PendingNonce(ctx, auth.From)
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	if nonce != 0 {
		t.Fatalf("expected fresh account nonce 0, got %d", nonce)
	}

	txs := []*coretypes.Transaction{
		signedTransfer(t, backend, auth, 0),
		signedTransfer(t, backend, auth, 1),
	}
	results := client.SendBatch(ctx, txs)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Status != chain.StatusPending {
			t.Fatalf("tx %d not pending: %+v", i, res)
		}
		receipt, err := client.WaitReceipt(ctx, res.TxHash)
		if err != nil {
			t.Fatalf("wait receipt %d: %v", i, err)
		}
		if !receipt.Success {
			t.Fatalf("tx %d reverted", i)
		}
		if receipt.GasUsed != 21_000 {
			t.Fatalf("unexpected gas used %d", receipt.GasUsed)
		}
	}

	block, err := client.BlockNumber(ctx)
	if err != nil {
		t.Fatalf("block number: %v", err)
	}
	if block == 0 {
		t.Fatal("expected block number to advance after batch")
	}

	balance, err := client.Balance(ctx, auth.From)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() <= 0 {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestParseReceiptExtractsLiabilityAndMinted(t *testing.T) {
	t.Parallel()

	factory := common.HexToAddress("0x01")
	xrt := common.HexToAddress("0x03")
	client := &Client{factory: factory, xrt: xrt}

	liability := common.HexToAddress("0xabc1")
	receipt := &coretypes.Receipt{
		TxHash:            common.HexToHash("0xdead"),
		Status:            coretypes.ReceiptStatusSuccessful,
		GasUsed:           790_000,
		EffectiveGasPrice: big.NewInt(2_000_000_000),
		BlockNumber:       big.NewInt(42),
		Logs: []*coretypes.Log{
			{
				Address: factory,
				Topics:  []common.Hash{newLiabilityTopic, common.BytesToHash(liability.Bytes())},
			},
			{
				Address: xrt,
				Topics:  []common.Hash{transferTopic, common.Hash{}, common.Hash{}},
				Data:    big.NewInt(1500).FillBytes(make([]byte, 32)),
			},
			{
				Address: xrt,
				Topics:  []common.Hash{transferTopic, common.Hash{}, common.Hash{}},
				Data:    big.NewInt(500).FillBytes(make([]byte, 32)),
			},
		},
	}

	parsed := client.parseReceipt(receipt)
	if !parsed.Success {
		t.Fatal("expected success")
	}
	if parsed.Liability != liability {
		t.Fatalf("unexpected liability %s", parsed.Liability.Hex())
	}
	if parsed.Minted == nil || parsed.Minted.Int64() != 2000 {
		t.Fatalf("expected minted 2000, got %v", parsed.Minted)
	}
	if parsed.BlockNumber != 42 {
		t.Fatalf("unexpected block %d", parsed.BlockNumber)
	}
}

var _ chain.Chain = (*Client)(nil)
