package config

import (
	"errors"
	"fmt"
	"time"
)

// ProtocolConfig 单个面向连接协议的配置
type ProtocolConfig struct {
	// Enabled 是否启用
	Enabled bool `json:"enabled"`

	// Listen 监听地址，如 "0.0.0.0:5150"，为空则只出站
	Listen string `json:"listen"`

	// MaxConnections 连接表分区容量
	MaxConnections int `json:"max_connections"`

	// Path WS/WSS 请求路径
	Path string `json:"path,omitempty"`

	// CertFile / KeyFile WSS 证书
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}

// UDPConfig UDP 配置
type UDPConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

// AddressFilterConfig 地址过滤器配置
type AddressFilterConfig struct {
	// MaxConnectionsPerIP4 每个 IPv4 地址的连接上限
	MaxConnectionsPerIP4 int `json:"max_connections_per_ip4"`

	// MaxConnectionsPerIP6Prefix 每个 IPv6 前缀的连接上限
	MaxConnectionsPerIP6Prefix int `json:"max_connections_per_ip6_prefix"`

	// IP6PrefixSize IPv6 前缀长度
	IP6PrefixSize int `json:"ip6_prefix_size"`

	// MaxConnectionFrequencyPerMin 每个 IP 每分钟新建连接上限
	MaxConnectionFrequencyPerMin int `json:"max_connection_frequency_per_min"`

	// PunishmentDuration 惩罚持续时间
	PunishmentDuration Duration `json:"punishment_duration"`

	// DialInfoFailureDuration 拨号失败记录保留时间
	DialInfoFailureDuration Duration `json:"dial_info_failure_duration"`

	// DecayInterval 后台清理间隔
	DecayInterval Duration `json:"decay_interval"`
}

// NetworkConfig 网络配置
type NetworkConfig struct {
	// ConnectionInitialTimeout 建连超时，同时是地址锁等待超时
	ConnectionInitialTimeout Duration `json:"connection_initial_timeout"`

	// ConnectionInactivityTimeout 连接空闲超时（只有接收会重置）
	ConnectionInactivityTimeout Duration `json:"connection_inactivity_timeout"`

	// ConnectRetries 瞬时失败时的建连重试次数
	ConnectRetries int `json:"connect_retries"`

	// ConnectRetryDelay 重试间隔
	ConnectRetryDelay Duration `json:"connect_retry_delay"`

	UDP UDPConfig      `json:"udp"`
	TCP ProtocolConfig `json:"tcp"`
	WS  ProtocolConfig `json:"ws"`
	WSS ProtocolConfig `json:"wss"`

	// AddressFilter 地址过滤器
	AddressFilter AddressFilterConfig `json:"address_filter"`

	// ProtectedConnectionDropSpan 受保护连接掉线统计窗口
	ProtectedConnectionDropSpan Duration `json:"protected_connection_drop_span"`

	// ProtectedConnectionDropCount 窗口内允许重连的掉线次数
	ProtectedConnectionDropCount int `json:"protected_connection_drop_count"`

	// HolePunchDelay 打洞包与信令之间的间隔
	HolePunchDelay Duration `json:"hole_punch_delay"`

	// ReverseConnectionReceiptTime 反向连接回执超时
	ReverseConnectionReceiptTime Duration `json:"reverse_connection_receipt_time"`

	// HolePunchReceiptTime 打洞回执超时
	HolePunchReceiptTime Duration `json:"hole_punch_receipt_time"`

	// RelayWorkersPerCore 每核中继工作协程数
	RelayWorkersPerCore int `json:"relay_workers_per_core"`

	// RelayQueueSize 中继队列长度
	RelayQueueSize int `json:"relay_queue_size"`

	// ClientAllowlistTimeout 客户端白名单有效期
	ClientAllowlistTimeout Duration `json:"client_allowlist_timeout"`

	// ContactMethodCacheSize 联系方式缓存容量
	ContactMethodCacheSize int `json:"contact_method_cache_size"`

	// NetworkKey 网络密钥，不同密钥的节点互不可见
	NetworkKey string `json:"network_key,omitempty"`
}

// DefaultNetworkConfig 默认网络配置
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectionInitialTimeout:    Duration(2 * time.Second),
		ConnectionInactivityTimeout: Duration(60 * time.Second),
		ConnectRetries:              2,
		ConnectRetryDelay:           Duration(250 * time.Millisecond),
		UDP:                         UDPConfig{Enabled: true, Listen: ":5150"},
		TCP:                         ProtocolConfig{Enabled: true, Listen: ":5150", MaxConnections: 32},
		WS:                          ProtocolConfig{Enabled: true, Listen: ":5151", MaxConnections: 32, Path: "ws"},
		WSS:                         ProtocolConfig{Enabled: false, MaxConnections: 32, Path: "ws"},
		AddressFilter: AddressFilterConfig{
			MaxConnectionsPerIP4:         32,
			MaxConnectionsPerIP6Prefix:   32,
			IP6PrefixSize:                56,
			MaxConnectionFrequencyPerMin: 128,
			PunishmentDuration:           Duration(60 * time.Minute),
			DialInfoFailureDuration:      Duration(5 * time.Minute),
			DecayInterval:                Duration(10 * time.Second),
		},
		ProtectedConnectionDropSpan:  Duration(10 * time.Second),
		ProtectedConnectionDropCount: 3,
		HolePunchDelay:               Duration(100 * time.Millisecond),
		ReverseConnectionReceiptTime: Duration(5 * time.Second),
		HolePunchReceiptTime:         Duration(5 * time.Second),
		RelayWorkersPerCore:          16,
		RelayQueueSize:               1024,
		ClientAllowlistTimeout:       Duration(300 * time.Second),
		ContactMethodCacheSize:       1024,
	}
}

// Validate 验证网络配置
func (c NetworkConfig) Validate() error {
	if c.ConnectionInitialTimeout <= 0 {
		return errors.New("network: connection_initial_timeout must be positive")
	}
	if c.ConnectionInactivityTimeout <= 0 {
		return errors.New("network: connection_inactivity_timeout must be positive")
	}
	if c.ConnectRetries < 0 {
		return errors.New("network: connect_retries must be non-negative")
	}
	for name, p := range map[string]ProtocolConfig{"tcp": c.TCP, "ws": c.WS, "wss": c.WSS} {
		if p.Enabled && p.MaxConnections <= 0 {
			return fmt.Errorf("network: %s.max_connections must be positive", name)
		}
	}
	if c.WSS.Enabled && c.WSS.Listen != "" && (c.WSS.CertFile == "" || c.WSS.KeyFile == "") {
		return errors.New("network: wss listener requires cert_file and key_file")
	}
	if c.AddressFilter.MaxConnectionsPerIP4 <= 0 || c.AddressFilter.MaxConnectionsPerIP6Prefix <= 0 {
		return errors.New("network: per-ip connection limits must be positive")
	}
	if c.AddressFilter.IP6PrefixSize <= 0 || c.AddressFilter.IP6PrefixSize > 128 {
		return errors.New("network: ip6_prefix_size must be in 1..128")
	}
	if c.ProtectedConnectionDropCount <= 0 {
		return errors.New("network: protected_connection_drop_count must be positive")
	}
	if c.RelayWorkersPerCore <= 0 || c.RelayQueueSize <= 0 {
		return errors.New("network: relay workers and queue size must be positive")
	}
	if c.ContactMethodCacheSize <= 0 {
		return errors.New("network: contact_method_cache_size must be positive")
	}
	return nil
}
