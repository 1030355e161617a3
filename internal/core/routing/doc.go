// Package routing 路由表
//
// RoutingTable 独占所有 BucketEntry，外部只持有 NodeRef。NodeRef 附带拨号过滤器、
// 顺序偏好与路由域集合，同一个条目可以有多个过滤方式不同的引用。
//
// # 桶
//
// 每个加密系统一组 256 个 K 桶，桶下标为节点 ID 与本节点 ID 距离的公共前缀长度。
// 桶满时踢出最久未见的条目，当前中继节点不会被踢出。被踢出的条目从表中移除，
// 已持有的 NodeRef 仍然可用。
//
// # 最近 Flow
//
// 每个条目按 (协议, 地址族) 记录最近一次收发使用的 Flow，发送路径优先复用。
//
// # 联系方式
//
// GetContactMethod 根据双方发布的节点信息选择联系方式：
//
//	PublicInternet: Direct → SignalReverse → SignalHolePunch → InboundRelay → OutboundRelay → Unreachable
//	LocalNetwork:   Direct → Unreachable
//
// # 持久化
//
// routing_table 表保存 serialized_bucket_map 与 all_entry_bytes 两项，
// cache_validity_key 为本节点 ID、引导主机名与网络密钥的拼接，加载时不一致则丢弃。
package routing
