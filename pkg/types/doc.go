// Package types 定义 overlay 节点的公共数据结构
//
// 这是整个系统的最底层包，不依赖任何其他内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
//
// # 文件组织
//
// 基础类型:
//   - keys.go      - CryptoKind, CryptoKey, TypedKey, TypedKeyGroup, Signature, Nonce
//   - base58.go    - 密钥文本编码
//   - timestamp.go - 微秒时间戳
//   - result.go    - NetworkResult[T]
//
// 网络类型:
//   - protocol.go  - ProtocolType, AddressType 及其集合
//   - flow.go      - PeerAddress, Flow, UniqueFlow, ConnectionID
//   - dialinfo.go  - DialInfo, DialInfoDetail, DialInfoFilter
//   - peerinfo.go  - RoutingDomain, NodeInfo, PeerInfo
//   - safety.go    - Sequencing, Stability, SafetySelection
//
// # Flow 与 UniqueFlow
//
// Flow 是面向连接路径的身份（协议、地址族、本地端点、远端端点），
// 所有字段都可比较，可直接作为 map 键。UniqueFlow 额外带上连接 ID，
// 用于区分同一 Flow 上先后建立的不同连接。
package types
