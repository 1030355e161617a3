// Package connmgr 连接表与连接管理器
//
// # 连接表
//
// ConnectionTable 按面向连接协议（TCP/WS/WSS）分区，每个分区是按连接 ID
// 索引的 LRU，容量来自配置。另外维护：
//
//   - protocolIndexByID: 连接 ID → 分区
//   - idByFlow: Flow → 连接 ID（单射，重复注册返回 AlreadyExists）
//   - idsByRemote: PeerAddress → 按插入顺序的连接 ID 列表
//   - priorityFlows: 每分区一个容量为 25% 的 Flow LRU，其中的 Flow 不参与淘汰
//
// 四个索引在同一个互斥锁内原子修改。引用计数也只在该锁内修改，
// 保证 LRU 淘汰不会与句柄获取竞争。
//
// # 连接管理器
//
// Manager 在连接表之上实现拨号、接受、保护与重连：
//
//   - 启动锁：未启动时拒绝一切操作
//   - 地址锁：同一远端套接字地址的拨号与接受串行化
//   - 事件队列：Accepted 与 Dead 事件由单个处理协程按提交顺序处理
//   - 保护：中继节点的拨号信息对应的连接不参与淘汰，掉线后在窗口内自动重连
//
// 外部只持有 ConnectionHandle（连接 ID + 发送通道），连接关闭后发送失败。
package connmgr
