package routing

import "errors"

var (
	// ErrOwnNode 试图把本节点登记进路由表
	ErrOwnNode = errors.New("routing: node is ourselves")

	// ErrInvalidPeerInfo 节点信息无效
	ErrInvalidPeerInfo = errors.New("routing: invalid peer info")

	// ErrNoSupportedKind 节点没有本地支持的加密系统
	ErrNoSupportedKind = errors.New("routing: no supported crypto kind")

	// ErrPunished 节点已被惩罚
	ErrPunished = errors.New("routing: node is punished")

	// ErrNoStore 未配置表存储
	ErrNoStore = errors.New("routing: no table store")
)
