package config

import (
	"errors"
	"time"
)

// RPCConfig RPC 配置
type RPCConfig struct {
	// Concurrency 调度工作协程数，0 表示按 CPU 数自动计算
	Concurrency int `json:"concurrency"`

	// QueueSize 调度队列长度
	QueueSize int `json:"queue_size"`

	// MaxTimestampBehind 信封时间戳最多落后本地时钟多少
	MaxTimestampBehind Duration `json:"max_timestamp_behind"`

	// MaxTimestampAhead 信封时间戳最多超前本地时钟多少
	MaxTimestampAhead Duration `json:"max_timestamp_ahead"`

	// Timeout 问答超时
	Timeout Duration `json:"timeout"`

	// MaxRouteHopCount 路由最大跳数
	MaxRouteHopCount int `json:"max_route_hop_count"`

	// DefaultRouteHopCount 默认路由跳数
	DefaultRouteHopCount int `json:"default_route_hop_count"`
}

// DefaultRPCConfig 默认 RPC 配置
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Concurrency:          0,
		QueueSize:            1024,
		MaxTimestampBehind:   Duration(10 * time.Second),
		MaxTimestampAhead:    Duration(10 * time.Second),
		Timeout:              Duration(5 * time.Second),
		MaxRouteHopCount:     4,
		DefaultRouteHopCount: 1,
	}
}

// Validate 验证 RPC 配置
func (c RPCConfig) Validate() error {
	if c.Concurrency < 0 {
		return errors.New("rpc: concurrency must be non-negative")
	}
	if c.QueueSize <= 0 {
		return errors.New("rpc: queue_size must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("rpc: timeout must be positive")
	}
	if c.MaxRouteHopCount <= 0 {
		return errors.New("rpc: max_route_hop_count must be positive")
	}
	if c.DefaultRouteHopCount <= 0 || c.DefaultRouteHopCount > c.MaxRouteHopCount {
		return errors.New("rpc: default_route_hop_count must be in 1..max_route_hop_count")
	}
	return nil
}
