// Package identity 提供节点身份
//
// 节点为每个启用的加密系统持有一对密钥，公钥即该加密系统下的节点 ID。
// 密钥优先从 KeyDir 指向的密钥目录加载，不存在时生成并保存；
// KeyDir 为空时使用内存密钥，每次启动都是新身份。
//
// 使用示例：
//
//	id, err := identity.New(registry, crypto.NewMemKeystore())
//	nodeID, _ := id.NodeID(types.CryptoKindVLD0)
//
// Fx 模块同时提供 *crypto.Registry 与 *Identity。
package identity
