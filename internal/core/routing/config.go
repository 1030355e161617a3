package routing

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/dep2p/go-overlay/config"
)

// ErrInvalidConfig 配置无效
var ErrInvalidConfig = errors.New("routing: invalid config")

// Config 路由表配置
type Config struct {
	// BucketSize 每个桶保留的条目数
	BucketSize int

	// PersistInterval 后台持久化间隔，0 表示不自动保存
	PersistInterval time.Duration

	// Bootstrap 引导主机名，参与缓存有效性校验
	Bootstrap []string

	// NetworkKey 网络密钥，参与缓存有效性校验
	NetworkKey string

	// ClientAllowlistSize / ClientAllowlistTimeout 客户端白名单容量与有效期
	ClientAllowlistSize    int
	ClientAllowlistTimeout time.Duration

	// LocalNetworks 本地网段，落在其中的地址属于 LocalNetwork 路由域
	LocalNetworks []netip.Prefix
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return ConfigFromUnified(nil)
}

// ConfigFromUnified 从统一配置创建
func ConfigFromUnified(cfg *config.Config) Config {
	rc := config.DefaultRoutingConfig()
	nc := config.DefaultNetworkConfig()
	if cfg != nil {
		rc = cfg.Routing
		nc = cfg.Network
	}
	return Config{
		BucketSize:             rc.BucketSize,
		PersistInterval:        rc.PersistInterval.Duration(),
		Bootstrap:              append([]string(nil), rc.Bootstrap...),
		NetworkKey:             nc.NetworkKey,
		ClientAllowlistSize:    1024,
		ClientAllowlistTimeout: nc.ClientAllowlistTimeout.Duration(),
	}
}

// Validate 验证配置
func (c Config) Validate() error {
	if c.BucketSize <= 0 {
		return fmt.Errorf("%w: bucket size must be positive", ErrInvalidConfig)
	}
	if c.ClientAllowlistSize <= 0 || c.ClientAllowlistTimeout <= 0 {
		return fmt.Errorf("%w: client allowlist size and timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
