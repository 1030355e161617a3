package identity

import "errors"

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrNoCryptoKinds 没有可用的加密系统
	ErrNoCryptoKinds = errors.New("identity: no crypto kinds")

	// ErrUnknownKind 身份中没有该加密系统的密钥
	ErrUnknownKind = errors.New("identity: no key for crypto kind")
)
