package connmgr

import (
	"fmt"
	"time"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/pkg/types"
)

// Config 连接管理器配置
type Config struct {
	// ConnectionInitialTimeout 建连超时，同时是地址锁等待超时
	ConnectionInitialTimeout time.Duration

	// ConnectionInactivityTimeout 空闲超时，每次成功接收后重置
	ConnectionInactivityTimeout time.Duration

	// ConnectRetries 瞬时失败的重试次数
	ConnectRetries int

	// ConnectRetryDelay 重试间隔
	ConnectRetryDelay time.Duration

	// MaxConnections 各协议分区容量
	MaxConnections map[types.ProtocolType]int

	// ProtectedConnectionDropSpan 受保护连接掉线统计窗口
	ProtectedConnectionDropSpan time.Duration

	// ProtectedConnectionDropCount 窗口内允许自动重连的掉线次数
	ProtectedConnectionDropCount int

	// SendQueueSize 每个连接的发送队列长度
	SendQueueSize int

	// EventQueueSize 事件队列长度
	EventQueueSize int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return ConfigFromUnified(nil)
}

// ConfigFromUnified 从统一配置创建
func ConfigFromUnified(cfg *config.Config) Config {
	nc := config.DefaultNetworkConfig()
	if cfg != nil {
		nc = cfg.Network
	}
	return Config{
		ConnectionInitialTimeout:    nc.ConnectionInitialTimeout.Duration(),
		ConnectionInactivityTimeout: nc.ConnectionInactivityTimeout.Duration(),
		ConnectRetries:              nc.ConnectRetries,
		ConnectRetryDelay:           nc.ConnectRetryDelay.Duration(),
		MaxConnections: map[types.ProtocolType]int{
			types.ProtocolTCP: nc.TCP.MaxConnections,
			types.ProtocolWS:  nc.WS.MaxConnections,
			types.ProtocolWSS: nc.WSS.MaxConnections,
		},
		ProtectedConnectionDropSpan:  nc.ProtectedConnectionDropSpan.Duration(),
		ProtectedConnectionDropCount: nc.ProtectedConnectionDropCount,
		SendQueueSize:                64,
		EventQueueSize:               256,
	}
}

// Validate 验证配置
func (c Config) Validate() error {
	if c.ConnectionInitialTimeout <= 0 || c.ConnectionInactivityTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	for _, p := range types.ConnectionOrientedProtocols {
		if c.MaxConnections[p] <= 0 {
			return fmt.Errorf("%w: %s max connections must be positive", ErrInvalidConfig, p)
		}
	}
	if c.SendQueueSize <= 0 || c.EventQueueSize <= 0 {
		return fmt.Errorf("%w: queue sizes must be positive", ErrInvalidConfig)
	}
	return nil
}
