// Package fanout 按距离迭代查询最近节点
//
// 以一个哈希坐标为中心，从路由表取出最近的若干节点放入按距离排序的队列，
// 由固定数量的工作协程依次向最近的待查节点发起调用。调用返回的节点信息
// 会加入队列，调用结果决定该节点的状态。
//
// 共识只从队列前端计算：排在前面且尚未完成的节点会阻止共识，
// 即使后面已有足够多的节点接受。
package fanout
