// Package config 提供统一的配置管理
//
// 本包采用混合配置模式：
//   - 主 Config 结构体嵌入所有子配置
//   - 每个子配置在独立文件中定义
//   - 支持从 JSON 加载和保存配置
//
// 使用示例：
//
//	cfg := config.NewConfig()
//	cfg.Network.TCP.MaxConnections = 64
//
//	cfg, err := config.FromJSON(data)
//
// 修改某个子配置后，依赖它的子系统需要重启才能生效。
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config overlay 节点的完整配置
//
//   - Identity: 节点密钥
//   - Network: 连接、地址过滤、信令、中继
//   - RPC: 调度队列、时间偏差、路由跳数
//   - Routing: 路由表与引导
//   - DHT: 记录存取的扇出参数
//   - Storage: 表存储目录
type Config struct {
	// Identity 身份配置
	Identity IdentityConfig `json:"identity"`

	// Network 网络配置
	Network NetworkConfig `json:"network"`

	// RPC RPC 配置
	RPC RPCConfig `json:"rpc"`

	// Routing 路由表配置
	Routing RoutingConfig `json:"routing"`

	// DHT DHT 配置
	DHT DHTConfig `json:"dht"`

	// Storage 存储配置
	Storage StorageConfig `json:"storage"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Identity: DefaultIdentityConfig(),
		Network:  DefaultNetworkConfig(),
		RPC:      DefaultRPCConfig(),
		Routing:  DefaultRoutingConfig(),
		DHT:      DefaultDHTConfig(),
		Storage:  DefaultStorageConfig(),
	}
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if err := c.Identity.Validate(); err != nil {
		return err
	}
	if err := c.Network.Validate(); err != nil {
		return err
	}
	if err := c.RPC.Validate(); err != nil {
		return err
	}
	if err := c.Routing.Validate(); err != nil {
		return err
	}
	if err := c.DHT.Validate(); err != nil {
		return err
	}
	return c.Storage.Validate()
}

// FromJSON 从 JSON 解析配置，未出现的字段保留默认值
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse json: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile 从文件加载配置
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return FromJSON(data)
}

// ToJSON 序列化为带缩进的 JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// SaveFile 保存到文件
func (c *Config) SaveFile(path string) error {
	data, err := c.ToJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
