package config

import (
	"errors"
	"time"
)

// DHTConfig DHT 配置
type DHTConfig struct {
	// MaxFindNodeCount FindNode 最多返回的节点数
	MaxFindNodeCount int `json:"max_find_node_count"`

	// ResolveNodeTimeout / Count / Fanout 节点解析扇出参数
	ResolveNodeTimeout Duration `json:"resolve_node_timeout"`
	ResolveNodeCount   int      `json:"resolve_node_count"`
	ResolveNodeFanout  int      `json:"resolve_node_fanout"`

	// GetValueTimeout / Count / Fanout 读取扇出参数，Count 为共识数
	GetValueTimeout Duration `json:"get_value_timeout"`
	GetValueCount   int      `json:"get_value_count"`
	GetValueFanout  int      `json:"get_value_fanout"`

	// SetValueTimeout / Count / Fanout 写入扇出参数
	SetValueTimeout Duration `json:"set_value_timeout"`
	SetValueCount   int      `json:"set_value_count"`
	SetValueFanout  int      `json:"set_value_fanout"`

	// WatchValueTimeout / Count / Fanout 监听扇出参数
	WatchValueTimeout Duration `json:"watch_value_timeout"`
	WatchValueCount   int      `json:"watch_value_count"`
	WatchValueFanout  int      `json:"watch_value_fanout"`

	// MinPeerCount 扇出起始工作集大小
	MinPeerCount int `json:"min_peer_count"`

	// RemoteMaxRecords 远端缓存记录上限
	RemoteMaxRecords int `json:"remote_max_records"`

	// RemoteRecordTTL 远端缓存记录有效期
	RemoteRecordTTL Duration `json:"remote_record_ttl"`

	// MaxWatchesPerRecord 每条记录的入站监听上限
	MaxWatchesPerRecord int `json:"max_watches_per_record"`

	// MaxWatchExpiration 监听最长有效期
	MaxWatchExpiration Duration `json:"max_watch_expiration"`

	// OfflineRetryInterval 离线写入重试间隔
	OfflineRetryInterval Duration `json:"offline_retry_interval"`
}

// DefaultDHTConfig 默认 DHT 配置
func DefaultDHTConfig() DHTConfig {
	return DHTConfig{
		MaxFindNodeCount:     20,
		ResolveNodeTimeout:   Duration(10 * time.Second),
		ResolveNodeCount:     1,
		ResolveNodeFanout:    4,
		GetValueTimeout:      Duration(10 * time.Second),
		GetValueCount:        3,
		GetValueFanout:       4,
		SetValueTimeout:      Duration(20 * time.Second),
		SetValueCount:        5,
		SetValueFanout:       4,
		WatchValueTimeout:    Duration(10 * time.Second),
		WatchValueCount:      3,
		WatchValueFanout:     4,
		MinPeerCount:         20,
		RemoteMaxRecords:     128,
		RemoteRecordTTL:      Duration(24 * time.Hour),
		MaxWatchesPerRecord:  32,
		MaxWatchExpiration:   Duration(10 * time.Minute),
		OfflineRetryInterval: Duration(5 * time.Second),
	}
}

// Validate 验证 DHT 配置
func (c DHTConfig) Validate() error {
	if c.GetValueCount <= 0 || c.SetValueCount <= 0 || c.WatchValueCount <= 0 || c.ResolveNodeCount <= 0 {
		return errors.New("dht: consensus counts must be positive")
	}
	if c.GetValueFanout <= 0 || c.SetValueFanout <= 0 || c.WatchValueFanout <= 0 || c.ResolveNodeFanout <= 0 {
		return errors.New("dht: fanouts must be positive")
	}
	if c.MinPeerCount <= 0 || c.MaxFindNodeCount <= 0 {
		return errors.New("dht: node counts must be positive")
	}
	if c.RemoteMaxRecords <= 0 {
		return errors.New("dht: remote_max_records must be positive")
	}
	return nil
}
