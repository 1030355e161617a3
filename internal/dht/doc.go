// Package dht 实现记录的读取、写入与监听
//
// 记录由所有者签名的描述符定义，记录键是所有者公钥与模式数据的哈希。
// 出站读写以记录键为坐标扇出：读取收集最新的子键数据，边读边发出
// 部分结果；写入在遇到更新的值时改写候选值并重新求共识。无法送达任何
// 节点的写入进入离线队列，由后台定期重试。
//
// 入站一侧为其他节点提供读取、写入与监听：本地记录优先，其次是远端
// 缓存；写入只接受序号更大且通过模式检查的值。本地值变化时向有效的
// 入站监听发送 ValueChanged 语句，收到的变化通知经事件总线发布为
// ValueChange 事件。
package dht
