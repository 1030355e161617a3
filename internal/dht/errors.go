package dht

import "errors"

var (
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("dht: invalid config")

	// ErrNotStarted 引擎未启动或已停止
	ErrNotStarted = errors.New("dht: not started")

	// ErrRecordExists 记录已存在
	ErrRecordExists = errors.New("dht: record already exists")

	// ErrRecordNotFound 本地与网络上都找不到记录
	ErrRecordNotFound = errors.New("dht: record not found")

	// ErrRecordNotOpen 记录未打开
	ErrRecordNotOpen = errors.New("dht: record not open")

	// ErrReadOnly 打开记录时没有提供写入者
	ErrReadOnly = errors.New("dht: record opened read-only")

	// ErrInvalidWriter 写入者密钥对不匹配
	ErrInvalidWriter = errors.New("dht: invalid writer key pair")

	// ErrUnsupportedKind 不支持的加密系统
	ErrUnsupportedKind = errors.New("dht: unsupported crypto kind")

	// ErrUnknownWatch 变化通知不属于任何出站监听
	ErrUnknownWatch = errors.New("dht: unknown watch")

	// ErrDescriptorMismatch 提交的描述符与已存的不一致
	ErrDescriptorMismatch = errors.New("dht: descriptor mismatch")
)
