package config

import (
	"fmt"
	"path/filepath"
)

// StorageConfig 存储配置
//
// 所有表存储共用一个 BadgerDB，通过 Key 前缀隔离：
//
//	${DataDir}/
//	├── overlay.db/   # BadgerDB
//	└── logs/         # 日志目录（CLI 使用）
type StorageConfig struct {
	// DataDir 数据目录
	DataDir string `json:"data_dir"`

	// InMemory 使用内存数据库（测试用）
	InMemory bool `json:"in_memory,omitempty"`
}

// DefaultStorageConfig 默认存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{DataDir: "./data"}
}

// Validate 验证存储配置
func (c StorageConfig) Validate() error {
	if c.DataDir == "" && !c.InMemory {
		return fmt.Errorf("storage: data_dir cannot be empty")
	}
	return nil
}

// DBPath BadgerDB 路径
func (c StorageConfig) DBPath() string {
	return filepath.Join(c.DataDir, "overlay.db")
}

// LogPath 日志目录
func (c StorageConfig) LogPath() string {
	return filepath.Join(c.DataDir, "logs")
}
