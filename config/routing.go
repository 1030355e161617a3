package config

import (
	"errors"
	"time"
)

// RoutingConfig 路由表配置
type RoutingConfig struct {
	// Bootstrap 引导主机名列表，参与缓存有效性校验
	Bootstrap []string `json:"bootstrap"`

	// DisableCapabilities 关闭的能力（FourCC）
	DisableCapabilities []string `json:"disable_capabilities,omitempty"`

	// BucketSize 每个桶保留的节点数
	BucketSize int `json:"bucket_size"`

	// PersistInterval 路由表持久化间隔
	PersistInterval Duration `json:"persist_interval"`
}

// DefaultRoutingConfig 默认路由表配置
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		BucketSize:      16,
		PersistInterval: Duration(time.Minute),
	}
}

// Validate 验证路由表配置
func (c RoutingConfig) Validate() error {
	if c.BucketSize <= 0 {
		return errors.New("routing: bucket_size must be positive")
	}
	for _, c4 := range c.DisableCapabilities {
		if len(c4) != 4 {
			return errors.New("routing: capability must be four characters: " + c4)
		}
	}
	return nil
}

// CapabilityDisabled 能力是否被关闭
func (c RoutingConfig) CapabilityDisabled(fourcc string) bool {
	for _, x := range c.DisableCapabilities {
		if x == fourcc {
			return true
		}
	}
	return false
}
