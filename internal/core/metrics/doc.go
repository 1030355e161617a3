// Package metrics 提供节点运行指标
//
// 两部分：
//   - Metrics: Prometheus 计数器（惩罚、联系方式成败、中继、信封、扇出）
//   - BandwidthCounter: 按远端 IP 统计的收发字节与 60 秒滑动速率
//
// 所有方法对 nil 接收者安全，组件在未注入指标时可直接调用。
package metrics
