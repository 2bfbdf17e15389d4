package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lighthouse.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
chain:
  rpc_url: "http://127.0.0.1:8545"
account:
  private_key: "0xabc123"
lighthouse:
  address: "0x0000000000000000000000000000000000000001"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mining.Mode != "pipeline" {
		t.Errorf("默认调度模式应为 pipeline，实际 %s", cfg.Mining.Mode)
	}
	if cfg.Mining.BatchSize != 20 {
		t.Errorf("默认批大小应为 20，实际 %d", cfg.Mining.BatchSize)
	}
	if cfg.Mining.SMMAPeriod != 1000 {
		t.Errorf("默认 SMMA 周期应为 1000，实际 %d", cfg.Mining.SMMAPeriod)
	}
	if cfg.Mining.SMMAResyncRounds != 5 {
		t.Errorf("默认重同步轮数应为 5，实际 %d", cfg.Mining.SMMAResyncRounds)
	}
	if got := cfg.Liquidation.ThresholdWN; got != 1_000_000_000_000 {
		t.Errorf("默认变现阈值错误: %d", got)
	}
	if len(cfg.Mining.BackoffSequence) == 0 || cfg.Mining.BackoffSequence[0] != 56 {
		t.Errorf("默认退避序列错误: %v", cfg.Mining.BackoffSequence)
	}
	if cfg.Queue.Driver != "memory" || cfg.Storage.Driver != "memory" {
		t.Errorf("默认驱动应为 memory: queue=%s storage=%s", cfg.Queue.Driver, cfg.Storage.Driver)
	}
}

func TestLoadRejectsMissingRPC(t *testing.T) {
	path := writeConfig(t, `
account:
  private_key: "0xabc123"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("缺少 rpc_url 时应返回错误")
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	path := writeConfig(t, `
chain:
  rpc_url: "http://127.0.0.1:8545"
account:
  private_key: "0xabc123"
mining:
  mode: "warp"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("未知调度模式应返回错误")
	}
}

func TestPrivateKeyHexFromFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(keyPath, []byte("0xdeadbeef\n"), 0o600); err != nil {
		t.Fatalf("写入密钥文件失败: %v", err)
	}
	cfg := &Config{Account: AccountConfig{PrivateKeyFile: keyPath}}
	key, err := cfg.PrivateKeyHex()
	if err != nil {
		t.Fatalf("PrivateKeyHex: %v", err)
	}
	if key != "deadbeef" {
		t.Errorf("应去除 0x 前缀与空白，实际 %q", key)
	}
}
