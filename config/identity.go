package config

import "errors"

// IdentityConfig 身份配置
type IdentityConfig struct {
	// CryptoKinds 启用的加密系统，按优先级排列
	CryptoKinds []string `json:"crypto_kinds"`

	// KeyDir 密钥目录，为空则每次启动生成临时密钥
	KeyDir string `json:"key_dir"`

	// KeyPassword 密钥文件加密密码，为空则明文保存
	KeyPassword string `json:"key_password,omitempty"`
}

// DefaultIdentityConfig 默认身份配置
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		CryptoKinds: []string{"VLD0"},
	}
}

// Validate 验证身份配置
func (c IdentityConfig) Validate() error {
	if len(c.CryptoKinds) == 0 {
		return errors.New("identity: at least one crypto kind is required")
	}
	for _, k := range c.CryptoKinds {
		if k != "VLD0" {
			return errors.New("identity: unsupported crypto kind " + k)
		}
	}
	return nil
}
