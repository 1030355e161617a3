package network

import (
	"fmt"
	"runtime"
	"time"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/pkg/types"
)

// maxRelayWorkers 中继并发上限
const maxRelayWorkers = 1024

// Config 网络管理器配置
type Config struct {
	// MaxTimestampBehind / MaxTimestampAhead 信封时间戳允许的偏差
	MaxTimestampBehind time.Duration
	MaxTimestampAhead  time.Duration

	// HolePunchDelay 打洞包与信令之间的间隔
	HolePunchDelay time.Duration

	// ReverseConnectionReceiptTime / HolePunchReceiptTime 信令回执超时
	ReverseConnectionReceiptTime time.Duration
	HolePunchReceiptTime         time.Duration

	// RelayWorkers 中继并发数
	RelayWorkers int

	// RelayQueueSize 中继队列长度，满时丢弃
	RelayQueueSize int

	// ContactMethodCacheSize 联系方式缓存容量
	ContactMethodCacheSize int

	// NetworkKey 网络密钥，参与信封正文加密
	NetworkKey []byte

	// RelayEnabled 是否为其他节点转发信封
	RelayEnabled bool

	// SignalEnabled 是否响应信令
	SignalEnabled bool
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return ConfigFromUnified(nil)
}

// ConfigFromUnified 从统一配置创建
func ConfigFromUnified(cfg *config.Config) Config {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	nc, rc := cfg.Network, cfg.RPC
	c := Config{
		MaxTimestampBehind:           rc.MaxTimestampBehind.Duration(),
		MaxTimestampAhead:            rc.MaxTimestampAhead.Duration(),
		HolePunchDelay:               nc.HolePunchDelay.Duration(),
		ReverseConnectionReceiptTime: nc.ReverseConnectionReceiptTime.Duration(),
		HolePunchReceiptTime:         nc.HolePunchReceiptTime.Duration(),
		RelayWorkers:                 relayWorkers(nc.RelayWorkersPerCore),
		RelayQueueSize:               nc.RelayQueueSize,
		ContactMethodCacheSize:       nc.ContactMethodCacheSize,
		RelayEnabled:                 !cfg.Routing.CapabilityDisabled(types.CapabilityRelay.String()),
		SignalEnabled:                !cfg.Routing.CapabilityDisabled(types.CapabilitySignal.String()),
	}
	if nc.NetworkKey != "" {
		c.NetworkKey = []byte(nc.NetworkKey)
	}
	return c
}

// relayWorkers CPU 数 × 每核工作协程数，限制在 [1, maxRelayWorkers]
func relayWorkers(perCore int) int {
	n := runtime.NumCPU() * perCore
	if n < 1 {
		return 1
	}
	if n > maxRelayWorkers {
		return maxRelayWorkers
	}
	return n
}

// Validate 验证配置
func (c Config) Validate() error {
	if c.MaxTimestampBehind <= 0 || c.MaxTimestampAhead <= 0 {
		return fmt.Errorf("%w: timestamp skew limits must be positive", ErrInvalidConfig)
	}
	if c.ReverseConnectionReceiptTime <= 0 || c.HolePunchReceiptTime <= 0 {
		return fmt.Errorf("%w: receipt times must be positive", ErrInvalidConfig)
	}
	if c.RelayWorkers <= 0 || c.RelayQueueSize <= 0 {
		return fmt.Errorf("%w: relay workers and queue size must be positive", ErrInvalidConfig)
	}
	if c.ContactMethodCacheSize <= 0 {
		return fmt.Errorf("%w: contact method cache size must be positive", ErrInvalidConfig)
	}
	return nil
}
