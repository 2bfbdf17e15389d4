package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"Lighthouse-Miner/internal/chain/ethereum"
	"Lighthouse-Miner/internal/command"
	"Lighthouse-Miner/internal/config"
	"Lighthouse-Miner/internal/ledger"
	"Lighthouse-Miner/internal/metrics"
	"Lighthouse-Miner/internal/mining"
	"Lighthouse-Miner/internal/signer"
	"Lighthouse-Miner/internal/swap"
	"Lighthouse-Miner/pkg/logger"
)

// main 是灯塔矿工守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("lighthoused 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("LIGHTHOUSE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "lighthouse.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Path:       cfg.Logger.Path,
		MaxSizeMB:  cfg.Logger.MaxSizeMB,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAgeDays: cfg.Logger.MaxAgeDays,
	}); err != nil {
		return err
	}
	defer logger.Sync()

	keyHex, err := cfg.PrivateKeyHex()
	if err != nil {
		return err
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return fmt.Errorf("解析私钥失败: %w", err)
	}
	account := crypto.PubkeyToAddress(key.PublicKey)

	lighthouseAddr := common.HexToAddress(cfg.Lighthouse.Address)
	client, err := ethereum.NewClient(ctx, ethereum.Config{
		RPCURL:       cfg.Chain.RPCURL,
		WSURL:        cfg.Chain.WSURL,
		BatchRPCURL:  cfg.Chain.BatchRPCURL,
		Factory:      common.HexToAddress(cfg.Lighthouse.Factory),
		Lighthouse:   lighthouseAddr,
		PollInterval: time.Duration(cfg.Chain.ReceiptPollIntervalMS) * time.Millisecond,
		PollRate:     cfg.Chain.ReceiptPollRatePerSec,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	chainID := big.NewInt(cfg.Chain.ChainID)
	seq := mining.NewSequencer(client, client, account)
	tracker := mining.NewTracker(client, account)
	sgn := signer.New(key)

	model, err := payloadBytes(cfg.Mining.ModelHex)
	if err != nil {
		return fmt.Errorf("解析 model 载荷失败: %w", err)
	}
	objective, err := payloadBytes(cfg.Mining.ObjectiveHex)
	if err != nil {
		return fmt.Errorf("解析 objective 载荷失败: %w", err)
	}
	result, err := payloadBytes(cfg.Mining.ResultHex)
	if err != nil {
		return fmt.Errorf("解析 result 载荷失败: %w", err)
	}
	pairs := mining.NewPairBuilder(sgn, client, lighthouseAddr, client.Token(),
		model, objective, result, new(big.Int), uint64(cfg.Mining.DeadlineBlocks))

	txb := ethereum.NewTxBuilder(key, chainID, lighthouseAddr, client,
		gweiToWei(cfg.Mining.PriorityFeeGwei))

	initial, err := client.AuthoritativeSMMA(ctx)
	if err != nil {
		return err
	}
	estimator := mining.NewEstimator(int64(cfg.Mining.SMMAPeriod), cfg.Mining.SMMAResyncRounds, initial)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	if addr := strings.TrimSpace(cfg.Metrics.Address); addr != "" {
		go func() {
			if err := m.Serve(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务退出", slog.Any("error", err))
			}
		}()
	}

	sched := mining.NewScheduler(seq, tracker, txb, pairs, client, client, estimator,
		mining.WithRecorder(store),
		mining.WithSchedulerMetrics(m),
		mining.WithConfirmTimeout(time.Duration(cfg.Chain.ConfirmTimeoutSeconds)*time.Second),
	)

	uni := swap.New(client.Backend(), client, client, seq, key, swap.Config{
		Router:    ethereum.UniswapV2Router,
		Token:     client.Token(),
		WETH:      ethereum.WETHAddress,
		PriceFeed: ethereum.ChainlinkETHUSD,
		ChainID:   chainID,
	})
	liquidator := mining.NewLiquidator(uni,
		new(big.Int).SetUint64(cfg.Liquidation.ThresholdWN),
		decimal.NewFromFloat(cfg.Liquidation.SlippagePct),
		time.Duration(cfg.Liquidation.DeadlineSecond)*time.Second,
		mining.WithSaleRecorder(store),
		mining.WithLiquidatorMetrics(m),
	)

	mode := mining.Mode(cfg.Mining.Mode)
	emissionGas := uint64(cfg.Mining.BatchSize) * (ethereum.GasPerCreate + ethereum.GasPerFinalize)
	controller := mining.NewController(sched, estimator, liquidator, tracker, uni, txb,
		mining.ControllerConfig{
			PumpConfig: mining.PhaseConfig{
				Phase:              mining.PhasePumping,
				Mode:               mode,
				BatchSize:          cfg.Mining.BatchSize,
				PriorityFeeWei:     gweiToWei(cfg.Mining.PriorityFeeGwei),
				RemainingBudgetWei: ethToWei(cfg.Mining.BudgetETH),
				TargetCeilingWei:   gweiToWei(cfg.Mining.TargetCeilingGwei),
			},
			MineConfig: mining.PhaseConfig{
				Phase:          mining.PhaseMining,
				Mode:           mode,
				BatchSize:      cfg.Mining.BatchSize,
				PriorityFeeWei: gweiToWei(cfg.Mining.MinePriorityGwei),
				TargetFloorWei: gweiToWei(cfg.Mining.TargetFloorGwei),
			},
			BackoffSequence:        cfg.Mining.BackoffSequence,
			UnprofitableLimit:      cfg.Mining.UnprofitableLimit,
			MarginalBandPct:        decimal.NewFromFloat(cfg.Mining.MarginalBandPct),
			EmissionGasPerRound:    emissionGas,
			AuctionConstantWei:     ethToWei(cfg.Mining.AuctionETH),
			MaxCostUSDPerLiability: decimal.NewFromFloat(cfg.Mining.MaxCostUSD),
			GasPerLiability:        ethereum.GasPerCreate + ethereum.GasPerFinalize,
		},
		mining.WithCostGate(uni, client),
	)

	cmdStore := command.NewMemoryStore()
	queue, err := openQueue(cfg)
	if err != nil {
		return err
	}
	service := command.NewService(cmdStore, queue, 3)
	defer service.Close()

	processor := command.NewProcessor(controller, cmdStore, queue, queue,
		command.WithWorkerCount(cfg.Queue.Worker),
		command.WithProcessorLogger(logger.Named("command")),
	)
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("指令处理器异常退出", slog.Any("error", err))
		}
	}()

	logger.L().Info("lighthoused 已启动",
		slog.String("account", account.Hex()),
		slog.String("lighthouse", lighthouseAddr.Hex()),
		slog.String("token", client.Token().Hex()),
		slog.String("mode", cfg.Mining.Mode),
		slog.Int("batch_size", cfg.Mining.BatchSize),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("storage", cfg.Storage.Driver),
	)

	<-ctx.Done()

	// 退出前打一条本次会话的总账,统计不阻塞停机。
	statsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if stats, err := store.Stats(statsCtx); err == nil {
		logger.L().Info("会话结束",
			slog.Int("rounds", stats.Rounds),
			slog.Int("finalized", stats.Liabilities[mining.LiabilityFinalized]),
			slog.Int("failed", stats.Liabilities[mining.LiabilityFailed]),
			slog.String("total_minted", stats.TotalMinted.String()),
			slog.String("total_sold", stats.TotalSold.String()),
		)
	}
	return nil
}

func openStore(cfg *config.Config) (ledger.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return ledger.NewMemoryStore(), nil
	case "mysql":
		return ledger.NewMySQLStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func openQueue(cfg *config.Config) (command.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return command.NewMemoryQueue(1024), nil
	case "redis":
		return command.NewRedisQueue(command.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return command.NewRabbitMQQueue(command.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// payloadBytes 解析十六进制载荷,缺省时生成 34 字节随机多重哈希占位。
func payloadBytes(hexStr string) ([]byte, error) {
	hexStr = strings.TrimPrefix(strings.TrimSpace(hexStr), "0x")
	if hexStr != "" {
		return hex.DecodeString(hexStr)
	}
	buf := make([]byte, 34)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func gweiToWei(g float64) *big.Int {
	if g <= 0 {
		return nil
	}
	return decimal.NewFromFloat(g).Mul(decimal.New(1, 9)).BigInt()
}

func ethToWei(e float64) *big.Int {
	if e <= 0 {
		return nil
	}
	return decimal.NewFromFloat(e).Mul(decimal.New(1, 18)).BigInt()
}
