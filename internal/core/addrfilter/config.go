package addrfilter

import (
	"time"

	"github.com/dep2p/go-overlay/config"
)

// Config 地址过滤器配置
type Config struct {
	MaxConnectionsPerIP4         int
	MaxConnectionsPerIP6Prefix   int
	IP6PrefixSize                int
	MaxConnectionFrequencyPerMin int
	PunishmentDuration           time.Duration
	DialInfoFailureDuration      time.Duration
	DecayInterval                time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return ConfigFromUnified(nil)
}

// ConfigFromUnified 从统一配置生成
func ConfigFromUnified(cfg *config.Config) Config {
	nc := config.DefaultNetworkConfig()
	if cfg != nil {
		nc = cfg.Network
	}
	af := nc.AddressFilter
	return Config{
		MaxConnectionsPerIP4:         af.MaxConnectionsPerIP4,
		MaxConnectionsPerIP6Prefix:   af.MaxConnectionsPerIP6Prefix,
		IP6PrefixSize:                af.IP6PrefixSize,
		MaxConnectionFrequencyPerMin: af.MaxConnectionFrequencyPerMin,
		PunishmentDuration:           af.PunishmentDuration.Duration(),
		DialInfoFailureDuration:      af.DialInfoFailureDuration.Duration(),
		DecayInterval:                af.DecayInterval.Duration(),
	}
}
