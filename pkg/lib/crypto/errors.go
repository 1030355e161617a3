package crypto

import "errors"

// ============================================================================
//                              错误定义
// ============================================================================

// 加密系统相关错误
var (
	// ErrUnsupportedKind 不支持的加密系统
	ErrUnsupportedKind = errors.New("crypto: unsupported crypto kind")

	// ErrInvalidPublicKey 公钥无效
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")

	// ErrInvalidSecretKey 私钥与公钥不匹配
	ErrInvalidSecretKey = errors.New("crypto: secret does not match key")

	// ErrInvalidSignature 签名无效
	ErrInvalidSignature = errors.New("crypto: invalid signature")

	// ErrDecryptionFailed 解密失败
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
)

// 密钥存储相关错误
var (
	// ErrKeyNotFound 密钥未找到
	ErrKeyNotFound = errors.New("crypto: key not found")

	// ErrKeyExists 密钥已存在
	ErrKeyExists = errors.New("crypto: key already exists")

	// ErrInvalidPassword 密码无效
	ErrInvalidPassword = errors.New("crypto: invalid password")

	// ErrInvalidKeyFile 密钥文件格式无效
	ErrInvalidKeyFile = errors.New("crypto: invalid key file format")
)
