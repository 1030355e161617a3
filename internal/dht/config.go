package dht

import (
	"fmt"
	"time"

	"github.com/dep2p/go-overlay/config"
)

// FanoutParams 一类扇出的参数
type FanoutParams struct {
	// Timeout 整体超时
	Timeout time.Duration

	// Count 共识所需节点数
	Count int

	// Fanout 并发调用数
	Fanout int
}

func (p FanoutParams) validate(name string) error {
	if p.Timeout <= 0 || p.Count <= 0 || p.Fanout <= 0 {
		return fmt.Errorf("%w: %s fanout %+v", ErrInvalidConfig, name, p)
	}
	return nil
}

// Config DHT 引擎配置
type Config struct {
	GetValue   FanoutParams
	SetValue   FanoutParams
	WatchValue FanoutParams

	// MinPeerCount 扇出队列容量
	MinPeerCount int

	// RemoteMaxRecords / RemoteRecordTTL 远端缓存上限
	RemoteMaxRecords int
	RemoteRecordTTL  time.Duration

	// MaxWatchesPerRecord 每条记录的入站监听上限
	MaxWatchesPerRecord int

	// MaxWatchExpiration 入站监听最长有效期
	MaxWatchExpiration time.Duration

	// OfflineRetryInterval 离线写入与监听清理的周期
	OfflineRetryInterval time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return ConfigFromUnified(nil)
}

// ConfigFromUnified 从统一配置创建
func ConfigFromUnified(cfg *config.Config) Config {
	dc := config.DefaultDHTConfig()
	if cfg != nil {
		dc = cfg.DHT
	}
	return Config{
		GetValue:             FanoutParams{Timeout: dc.GetValueTimeout.Duration(), Count: dc.GetValueCount, Fanout: dc.GetValueFanout},
		SetValue:             FanoutParams{Timeout: dc.SetValueTimeout.Duration(), Count: dc.SetValueCount, Fanout: dc.SetValueFanout},
		WatchValue:           FanoutParams{Timeout: dc.WatchValueTimeout.Duration(), Count: dc.WatchValueCount, Fanout: dc.WatchValueFanout},
		MinPeerCount:         dc.MinPeerCount,
		RemoteMaxRecords:     dc.RemoteMaxRecords,
		RemoteRecordTTL:      dc.RemoteRecordTTL.Duration(),
		MaxWatchesPerRecord:  dc.MaxWatchesPerRecord,
		MaxWatchExpiration:   dc.MaxWatchExpiration.Duration(),
		OfflineRetryInterval: dc.OfflineRetryInterval.Duration(),
	}
}

// Validate 验证配置
func (c Config) Validate() error {
	if err := c.GetValue.validate("get"); err != nil {
		return err
	}
	if err := c.SetValue.validate("set"); err != nil {
		return err
	}
	if err := c.WatchValue.validate("watch"); err != nil {
		return err
	}
	if c.MinPeerCount <= 0 {
		return fmt.Errorf("%w: min peer count must be positive", ErrInvalidConfig)
	}
	if c.RemoteMaxRecords <= 0 || c.RemoteRecordTTL <= 0 {
		return fmt.Errorf("%w: remote cache limits must be positive", ErrInvalidConfig)
	}
	if c.MaxWatchesPerRecord <= 0 || c.MaxWatchExpiration <= 0 {
		return fmt.Errorf("%w: watch limits must be positive", ErrInvalidConfig)
	}
	if c.OfflineRetryInterval <= 0 {
		return fmt.Errorf("%w: offline retry interval must be positive", ErrInvalidConfig)
	}
	return nil
}
