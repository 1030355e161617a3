package engine

import "errors"

var (
	// ErrNotFound 键不存在
	ErrNotFound = errors.New("storage: key not found")

	// ErrEmptyKey 空键
	ErrEmptyKey = errors.New("storage: empty key")

	// ErrClosed 引擎已关闭
	ErrClosed = errors.New("storage: engine closed")

	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("storage: invalid configuration")

	// ErrCorrupted 数据损坏
	ErrCorrupted = errors.New("storage: data corrupted")
)

// IsNotFound 是否为键不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClosed 是否为引擎已关闭
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
