// Package engine 定义表存储使用的键值引擎接口
package engine

// Engine 键值存储引擎
//
// 所有方法并发安全。Get 返回的切片归调用方所有。
type Engine interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)

	// NewBatch 创建写批次，Write 之前对其他读者不可见
	NewBatch() Batch

	// Scan 按键序遍历前缀下所有条目，fn 返回 false 停止
	Scan(prefix []byte, fn func(key, value []byte) bool) error

	// DropPrefix 删除前缀下所有条目
	DropPrefix(prefix []byte) error

	// Start 启动后台任务（值日志 GC）
	Start() error

	Close() error
}

// Batch 写批次
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Write() error
	Cancel()
}
