package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dep2p/go-overlay/config"
)

// ============================================================================
//                              环境变量（CLI 专用）
// ============================================================================

// EnvPrefix 环境变量前缀
const EnvPrefix = "OVERLAY_"

const (
	envDataDir     = "DATA_DIR"
	envKeyDir      = "KEY_DIR"
	envKeyPassword = "KEY_PASSWORD"
	envBootstrap   = "BOOTSTRAP"
	envNetworkKey  = "NETWORK_KEY"
	envInMemory    = "IN_MEMORY"
)

// applyEnvOverrides 应用环境变量覆盖配置
//
// 环境变量优先级高于配置文件，但低于命令行参数。
func applyEnvOverrides(cfg *config.Config, getenv func(string) string) error {
	env := func(name string) string { return getenv(EnvPrefix + name) }

	if v := env(envDataDir); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := env(envKeyDir); v != "" {
		cfg.Identity.KeyDir = v
	}
	if v := env(envKeyPassword); v != "" {
		cfg.Identity.KeyPassword = v
	}
	if v := env(envBootstrap); v != "" {
		cfg.Routing.Bootstrap = splitAndTrim(v, ",")
	}
	if v := env(envNetworkKey); v != "" {
		cfg.Network.NetworkKey = v
	}
	if v := env(envInMemory); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, envInMemory, err)
		}
		cfg.Storage.InMemory = b
	}
	return nil
}

// splitAndTrim 分割字符串并去除空白
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
