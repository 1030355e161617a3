package rpc

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ErrInvalidConfig 配置无效
var ErrInvalidConfig = errors.New("rpc: invalid config")

// Config RPC 配置
type Config struct {
	// Concurrency 调度工作协程数
	Concurrency int

	// QueueSize 调度队列长度
	QueueSize int

	// Timeout 问答超时
	Timeout time.Duration

	// MaxRouteHopCount / DefaultRouteHopCount 路由跳数上限与默认值
	MaxRouteHopCount     int
	DefaultRouteHopCount int

	// MaxFindNodeCount FindNode 回答中最多的节点数
	MaxFindNodeCount int

	// ResolveNode* 节点解析扇出参数
	ResolveNodeTimeout time.Duration
	ResolveNodeCount   int
	ResolveNodeFanout  int
	MinPeerCount       int

	// 本地能力开关
	RouteEnabled  bool
	SignalEnabled bool
	DHTEnabled    bool
	WatchEnabled  bool
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return ConfigFromUnified(nil)
}

// ConfigFromUnified 从统一配置创建
func ConfigFromUnified(cfg *config.Config) Config {
	rc := config.DefaultRPCConfig()
	dc := config.DefaultDHTConfig()
	routing := config.DefaultRoutingConfig()
	if cfg != nil {
		rc = cfg.RPC
		dc = cfg.DHT
		routing = cfg.Routing
	}
	return Config{
		Concurrency:          concurrency(rc.Concurrency),
		QueueSize:            rc.QueueSize,
		Timeout:              rc.Timeout.Duration(),
		MaxRouteHopCount:     rc.MaxRouteHopCount,
		DefaultRouteHopCount: rc.DefaultRouteHopCount,
		MaxFindNodeCount:     dc.MaxFindNodeCount,
		ResolveNodeTimeout:   dc.ResolveNodeTimeout.Duration(),
		ResolveNodeCount:     dc.ResolveNodeCount,
		ResolveNodeFanout:    dc.ResolveNodeFanout,
		MinPeerCount:         dc.MinPeerCount,
		RouteEnabled:         !routing.CapabilityDisabled(types.CapabilityRoute.String()),
		SignalEnabled:        !routing.CapabilityDisabled(types.CapabilitySignal.String()),
		DHTEnabled:           !routing.CapabilityDisabled(types.CapabilityDHT.String()),
		WatchEnabled:         !routing.CapabilityDisabled(types.CapabilityDHTWatch.String()),
	}
}

// concurrency 0 表示按 CPU 数计算
func concurrency(n int) int {
	if n > 0 {
		return n
	}
	n = runtime.NumCPU() * 16
	if n > 256 {
		n = 256
	}
	return n
}

// Validate 验证配置
func (c Config) Validate() error {
	if c.Concurrency <= 0 || c.QueueSize <= 0 {
		return fmt.Errorf("%w: concurrency and queue size must be positive", ErrInvalidConfig)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxRouteHopCount <= 0 || c.DefaultRouteHopCount <= 0 || c.DefaultRouteHopCount > c.MaxRouteHopCount {
		return fmt.Errorf("%w: route hop counts %d/%d", ErrInvalidConfig, c.DefaultRouteHopCount, c.MaxRouteHopCount)
	}
	if c.MaxFindNodeCount <= 0 || c.ResolveNodeCount <= 0 || c.ResolveNodeFanout <= 0 || c.MinPeerCount <= 0 {
		return fmt.Errorf("%w: node counts must be positive", ErrInvalidConfig)
	}
	return nil
}
