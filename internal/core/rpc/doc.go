// Package rpc 节点间的问答与语句
//
// 本地信封正文进入调度队列后由工作协程解码为 Operation：
//   - Question 处理后按 RespondTo 回答（直连或经私有路由）
//   - Answer 按操作 ID 交给等待中的提问方
//   - Statement 直接处理，Route 语句进入路由处理器逐跳剥离安全路由与私有路由
//
// 发送侧通过 Destination 选择直连、中继或私有路由，需要时编译安全路由。
package rpc
