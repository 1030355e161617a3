// Package crypto 提供 overlay 节点的加密系统
//
// 所有加密操作都通过 CryptoSystem 接口完成，按 types.CryptoKind 区分实现。
// Registry 保存已启用的加密系统，Get(kind) 返回对应实现。
//
// # VLD0
//
//   - 签名：Ed25519（私钥为 32 字节 seed）
//   - DH：Ed25519 公私钥转换为 X25519 后计算
//   - AEAD：XChaCha20-Poly1305，24 字节 nonce
//   - 哈希：BLAKE3-256
//   - 距离：两个 32 字节值的逐字节异或
//
// 共享密钥 = BLAKE3-keyed(DH 结果, domain)，domain 通常为网络密钥，
// 不同网络密钥的节点之间无法解密彼此的信封。
//
// # 密钥存储
//
// FSKeystore 把节点密钥对保存到文件，可选用密码加密（Argon2id 派生密钥）。
package crypto
