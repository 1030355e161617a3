package rpc

import "errors"

var (
	// ErrNotStarted 处理器未启动
	ErrNotStarted = errors.New("rpc: not started")

	// ErrQueueFull 调度队列已满
	ErrQueueFull = errors.New("rpc: queue full")

	// ErrInvalidOperation 操作结构不合法
	ErrInvalidOperation = errors.New("rpc: invalid operation")

	// ErrInvalidRoute 路由结构不合法
	ErrInvalidRoute = errors.New("rpc: invalid route")

	// ErrRouteNotFound 路由不存在
	ErrRouteNotFound = errors.New("rpc: route not found")

	// ErrNotEnoughNodes 可用节点不足以分配路由
	ErrNotEnoughNodes = errors.New("rpc: not enough nodes for route")

	// ErrNodeNotFound 节点解析失败
	ErrNodeNotFound = errors.New("rpc: node not found")

	// ErrCapabilityDisabled 本地关闭了该能力
	ErrCapabilityDisabled = errors.New("rpc: capability disabled")
)
