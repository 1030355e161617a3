package engine

import (
	"os"
	"time"
)

// Config 引擎配置
type Config struct {
	// Path 数据目录，InMemory 时忽略
	Path string

	// InMemory 纯内存模式
	InMemory bool

	// SyncWrites 每次写入都 fsync
	SyncWrites bool

	// MemTableSize 内存表大小
	MemTableSize int64

	// ValueLogFileSize 值日志文件大小
	ValueLogFileSize int64

	// GCInterval 值日志 GC 间隔，0 表示关闭
	GCInterval time.Duration

	// GCDiscardRatio GC 丢弃比例
	GCDiscardRatio float64
}

// DefaultConfig 默认配置
func DefaultConfig(path string) *Config {
	return &Config{
		Path:             path,
		MemTableSize:     16 << 20,
		ValueLogFileSize: 64 << 20,
		GCInterval:       10 * time.Minute,
		GCDiscardRatio:   0.5,
	}
}

// InMemoryConfig 内存模式配置
func InMemoryConfig() *Config {
	cfg := DefaultConfig("")
	cfg.InMemory = true
	cfg.GCInterval = 0
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Path == "" && !c.InMemory {
		return ErrInvalidConfig
	}
	if c.MemTableSize < 1<<20 || c.ValueLogFileSize < 1<<20 {
		return ErrInvalidConfig
	}
	return nil
}

// EnsureDir 创建数据目录
func (c *Config) EnsureDir() error {
	if c.InMemory {
		return nil
	}
	return os.MkdirAll(c.Path, 0700)
}
