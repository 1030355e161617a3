package network

import "errors"

var (
	// ErrNotStarted 网络管理器未启动
	ErrNotStarted = errors.New("network: not started")

	// ErrNoRPC RPC 层未设置
	ErrNoRPC = errors.New("network: rpc not attached")

	// ErrInvalidSignal 信令缺少节点信息或回执
	ErrInvalidSignal = errors.New("network: invalid signal")

	// ErrNoConnection 没有可用连接
	ErrNoConnection = errors.New("network: no connection")

	// ErrRelayQueueFull 中继队列已满
	ErrRelayQueueFull = errors.New("network: relay queue full")

	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("network: invalid config")
)
