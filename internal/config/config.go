package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 描述了矿工守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Chain       ChainConfig       `yaml:"chain"`
	Account     AccountConfig     `yaml:"account"`
	Lighthouse  LighthouseConfig  `yaml:"lighthouse"`
	Mining      MiningConfig      `yaml:"mining"`
	Liquidation LiquidationConfig `yaml:"liquidation"`
	Storage     StorageConfig     `yaml:"storage"`
	Queue       QueueConfig       `yaml:"queue"`
	Logger      LoggerConfig      `yaml:"logger"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ChainConfig 包含访问以太坊节点所需的 RPC 地址与确认参数。
type ChainConfig struct {
	ChainID               int64  `yaml:"chain_id"`
	RPCURL                string `yaml:"rpc_url"`
	WSURL                 string `yaml:"ws_url"`
	BatchRPCURL           string `yaml:"batch_rpc_url"`
	ConfirmTimeoutSeconds int    `yaml:"confirm_timeout_seconds"`
	ReceiptPollIntervalMS int    `yaml:"receipt_poll_interval_ms"`
	ReceiptPollRatePerSec int    `yaml:"receipt_poll_rate_per_sec"`
}

// AccountConfig 描述签名账户的私钥来源。
type AccountConfig struct {
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyFile string `yaml:"private_key_file"`
}

// LighthouseConfig 描述外部协调者合约的地址。
type LighthouseConfig struct {
	Address string `yaml:"address"`
	Factory string `yaml:"factory"`
}

// MiningConfig 控制回合调度与阶段控制参数。
type MiningConfig struct {
	Mode              string  `yaml:"mode"`
	BatchSize         int     `yaml:"batch_size"`
	PriorityFeeGwei   float64 `yaml:"priority_fee_gwei"`
	MinePriorityGwei  float64 `yaml:"mine_priority_fee_gwei"`
	SMMAPeriod        int     `yaml:"smma_period"`
	SMMAResyncRounds  int     `yaml:"smma_resync_rounds"`
	BudgetETH         float64 `yaml:"budget_eth"`
	UnprofitableLimit int     `yaml:"unprofitable_limit"`
	BackoffSequence   []int   `yaml:"backoff_sequence"`
	MarginalBandPct   float64 `yaml:"marginal_band_pct"`
	MaxCostUSD        float64 `yaml:"max_cost_usd"`
	DeadlineBlocks    int     `yaml:"deadline_blocks"`
	AuctionETH        float64 `yaml:"auction_constant_eth"`
	ModelHex          string  `yaml:"model_hex"`
	ObjectiveHex      string  `yaml:"objective_hex"`
	ResultHex         string  `yaml:"result_hex"`
	TargetCeilingGwei float64 `yaml:"target_ceiling_gwei"`
	TargetFloorGwei   float64 `yaml:"target_floor_gwei"`
}

// LiquidationConfig 控制收益的自动变现。
type LiquidationConfig struct {
	ThresholdWN    uint64  `yaml:"threshold_wn"`
	SlippagePct    float64 `yaml:"slippage_pct"`
	DeadlineSecond int     `yaml:"deadline_seconds"`
}

// StorageConfig 描述账本的持久化后端。
type StorageConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// QueueConfig 描述指令队列的驱动与消费参数。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Worker   int            `yaml:"worker"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Queue     string `yaml:"queue"`
	BlockWait int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// LoggerConfig 控制日志级别、格式与滚动策略。
type LoggerConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig 控制 Prometheus 指标的暴露地址。
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Chain.ChainID <= 0 {
		c.Chain.ChainID = 1
	}
	if c.Chain.ConfirmTimeoutSeconds <= 0 {
		c.Chain.ConfirmTimeoutSeconds = 300
	}
	if c.Chain.ReceiptPollIntervalMS <= 0 {
		c.Chain.ReceiptPollIntervalMS = 3000
	}
	if c.Chain.ReceiptPollRatePerSec <= 0 {
		c.Chain.ReceiptPollRatePerSec = 10
	}

	if c.Mining.Mode == "" {
		c.Mining.Mode = "pipeline"
	}
	if c.Mining.BatchSize <= 0 {
		c.Mining.BatchSize = 20
	}
	if c.Mining.PriorityFeeGwei <= 0 {
		c.Mining.PriorityFeeGwei = 1.0
	}
	if c.Mining.MinePriorityGwei <= 0 {
		c.Mining.MinePriorityGwei = 0.1
	}
	if c.Mining.SMMAPeriod <= 0 {
		c.Mining.SMMAPeriod = 1000
	}
	if c.Mining.SMMAResyncRounds <= 0 {
		c.Mining.SMMAResyncRounds = 5
	}
	if c.Mining.BudgetETH <= 0 {
		c.Mining.BudgetETH = 1.0
	}
	if c.Mining.UnprofitableLimit <= 0 {
		c.Mining.UnprofitableLimit = 3
	}
	if len(c.Mining.BackoffSequence) == 0 {
		c.Mining.BackoffSequence = []int{56, 20, 10, 5, 1}
	}
	if c.Mining.MarginalBandPct <= 0 {
		c.Mining.MarginalBandPct = 5.0
	}
	if c.Mining.DeadlineBlocks <= 0 {
		c.Mining.DeadlineBlocks = 300
	}
	if c.Mining.AuctionETH <= 0 {
		c.Mining.AuctionETH = 1.0
	}

	if c.Liquidation.ThresholdWN == 0 {
		// 1000 XRT，单位 wn（1 XRT = 1e9 wn）。
		c.Liquidation.ThresholdWN = 1_000_000_000_000
	}
	if c.Liquidation.SlippagePct <= 0 {
		c.Liquidation.SlippagePct = 5.0
	}
	if c.Liquidation.DeadlineSecond <= 0 {
		c.Liquidation.DeadlineSecond = 300
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 20
	}
	if c.Storage.MaxIdleConns <= 0 {
		c.Storage.MaxIdleConns = 10
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Worker <= 0 {
		c.Queue.Worker = 1
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
}

// Validate 检查关键字段是否齐备。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return errors.New("chain.rpc_url 不能为空")
	}
	if strings.TrimSpace(c.Account.PrivateKey) == "" && strings.TrimSpace(c.Account.PrivateKeyFile) == "" {
		return errors.New("account.private_key 或 account.private_key_file 必须配置其一")
	}
	switch c.Mining.Mode {
	case "sequential", "batch", "pipeline":
	default:
		return fmt.Errorf("未知的调度模式: %s", c.Mining.Mode)
	}
	switch c.Storage.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}
	return nil
}

// PrivateKeyHex 返回十六进制私钥，优先使用内联配置。
func (c *Config) PrivateKeyHex() (string, error) {
	key := strings.TrimSpace(c.Account.PrivateKey)
	if key == "" && c.Account.PrivateKeyFile != "" {
		raw, err := os.ReadFile(c.Account.PrivateKeyFile)
		if err != nil {
			return "", fmt.Errorf("读取私钥文件失败: %w", err)
		}
		key = strings.TrimSpace(string(raw))
	}
	if key == "" {
		return "", errors.New("未配置私钥")
	}
	return strings.TrimPrefix(key, "0x"), nil
}
