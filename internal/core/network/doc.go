// Package network 信封收发与发送路径
//
// 入站：OnRecvEnvelope 校验魔数、签名、时间偏差，目标不是本节点时交给中继
// 工作池转发，否则解密后登记发送者并投递给 RPC。
//
// 出站：SendData 为目标选择联系方式（直连、已有 Flow、反向连接、打洞、
// 入站中继、出站中继），成功的选择按缓存键缓存；反向连接与打洞超时后
// 回退到目标的中继。
//
// 低层发送通过 LowLevel 接口完成，默认实现组合连接管理器与 UDP 传输。
package network
