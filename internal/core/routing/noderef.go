package routing

import (
	"fmt"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              NodeRef
// ============================================================================

// NodeRef 路由表条目的引用
//
// 值类型，复制即得到独立的过滤设置；底层条目共享。零值无效。
type NodeRef struct {
	rt         *RoutingTable
	entry      *BucketEntry
	filter     *types.DialInfoFilter
	sequencing types.Sequencing
	domains    types.RoutingDomainSet
}

func newNodeRef(rt *RoutingTable, e *BucketEntry) NodeRef {
	return NodeRef{rt: rt, entry: e, domains: types.RoutingDomainSetAll}
}

// IsValid 是否指向条目
func (nr NodeRef) IsValid() bool {
	return nr.entry != nil
}

// Entry 底层条目
func (nr NodeRef) Entry() *BucketEntry {
	return nr.entry
}

// SameEntry 是否指向同一个条目
func (nr NodeRef) SameEntry(o NodeRef) bool {
	return nr.entry != nil && nr.entry == o.entry
}

// NodeIDs 节点 ID 集合
func (nr NodeRef) NodeIDs() types.TypedKeyGroup {
	return nr.entry.NodeIDs()
}

// BestNodeID 本地最优先加密系统下的节点 ID
func (nr NodeRef) BestNodeID() types.TypedKey {
	ids := nr.entry.NodeIDs()
	for _, kind := range nr.rt.registry.Kinds() {
		if id, ok := ids.Get(kind); ok {
			return id
		}
	}
	return ids[0]
}

// String 日志文本
func (nr NodeRef) String() string {
	if nr.entry == nil {
		return "<invalid>"
	}
	s := nr.BestNodeID().ShortString()
	if nr.filter != nil {
		s += fmt.Sprintf("[p=%02x a=%02x]", uint8(nr.filter.Protocols), uint8(nr.filter.AddressTypes))
	}
	if nr.sequencing != types.SequencingNoPreference {
		s += "[" + nr.sequencing.String() + "]"
	}
	return s
}

// ============================================================================
//                              过滤
// ============================================================================

// DialInfoFilter 当前过滤器，未设置时不过滤
func (nr NodeRef) DialInfoFilter() types.DialInfoFilter {
	if nr.filter == nil {
		return types.DialInfoFilterAll
	}
	return *nr.filter
}

// HasFilter 是否设置了过滤器
func (nr NodeRef) HasFilter() bool {
	return nr.filter != nil
}

// Filtered 与现有过滤器取交集
func (nr NodeRef) Filtered(f types.DialInfoFilter) NodeRef {
	nf := nr.DialInfoFilter().Intersect(f)
	nr.filter = &nf
	return nr
}

// Unfiltered 去掉过滤器
func (nr NodeRef) Unfiltered() NodeRef {
	nr.filter = nil
	return nr
}

// Sequencing 顺序偏好
func (nr NodeRef) Sequencing() types.Sequencing {
	return nr.sequencing
}

// WithSequencing 设置顺序偏好
func (nr NodeRef) WithSequencing(seq types.Sequencing) NodeRef {
	nr.sequencing = seq
	return nr
}

// RoutingDomainSet 路由域集合
func (nr NodeRef) RoutingDomainSet() types.RoutingDomainSet {
	return nr.domains
}

// WithRoutingDomains 限定路由域
func (nr NodeRef) WithRoutingDomains(s types.RoutingDomainSet) NodeRef {
	nr.domains = s
	return nr
}

// ============================================================================
//                              节点信息
// ============================================================================

// PeerInfo 指定路由域的节点信息
func (nr NodeRef) PeerInfo(domain types.RoutingDomain) *types.PeerInfo {
	return nr.entry.PeerInfo(domain)
}

// BestRoutingDomain 路由域集合中第一个有节点信息的路由域
func (nr NodeRef) BestRoutingDomain() (types.RoutingDomain, bool) {
	for _, d := range types.AllRoutingDomains {
		if nr.domains.Contains(d) && nr.entry.PeerInfo(d) != nil {
			return d, true
		}
	}
	return 0, false
}

// BestPeerInfo 最优路由域的节点信息
func (nr NodeRef) BestPeerInfo() *types.PeerInfo {
	d, ok := nr.BestRoutingDomain()
	if !ok {
		return nil
	}
	return nr.entry.PeerInfo(d)
}

// HasCapabilities 在最优路由域是否具备全部能力
func (nr NodeRef) HasCapabilities(caps ...types.Capability) bool {
	pi := nr.BestPeerInfo()
	return pi != nil && pi.NodeInfo.HasAllCapabilities(caps...)
}

// OrderedOnly 对端是否只支持有序协议
func (nr NodeRef) OrderedOnly() bool {
	pi := nr.BestPeerInfo()
	return pi != nil && pi.NodeInfo.OrderedOnly()
}

// AddEnvelopeVersion 记录信封版本
func (nr NodeRef) AddEnvelopeVersion(v uint8) {
	nr.entry.AddEnvelopeVersion(v)
}

// EnvelopeSupport 已知支持的信封版本
func (nr NodeRef) EnvelopeSupport() []uint8 {
	return nr.entry.EnvelopeSupport()
}

// BestEnvelopeVersion 双方都支持的最高信封版本
func (nr NodeRef) BestEnvelopeVersion(local []uint8) (uint8, bool) {
	remote := nr.entry.EnvelopeSupport()
	for i := len(remote) - 1; i >= 0; i-- {
		for _, v := range local {
			if v == remote[i] {
				return v, true
			}
		}
	}
	return 0, false
}

// IsPunished 任一节点 ID 被惩罚
func (nr NodeRef) IsPunished() bool {
	return nr.rt.filter != nil && nr.rt.filter.IsAnyNodeIDPunished(nr.entry.NodeIDs())
}

// IsInTable 条目仍在路由表中
func (nr NodeRef) IsInTable() bool {
	nr.entry.mu.RLock()
	defer nr.entry.mu.RUnlock()
	return nr.entry.inTable
}

// ============================================================================
//                              最近 Flow
// ============================================================================

// LastFlow 满足过滤器、顺序偏好与路由域的最近 Flow
func (nr NodeRef) LastFlow() (types.UniqueFlow, bool) {
	filter := nr.DialInfoFilter()
	for _, lf := range nr.entry.lastFlowsSnapshot() {
		f := lf.flow.Flow
		if !f.MatchesFilter(filter) {
			continue
		}
		if nr.sequencing == types.SequencingEnsureOrdered && !f.Protocol().IsOrdered() {
			continue
		}
		if nr.domains != types.RoutingDomainSetAll {
			d, ok := nr.rt.RoutingDomainForAddress(f.RemoteAddr())
			if !ok || !nr.domains.Contains(d) {
				continue
			}
		}
		return lf.flow, true
	}
	return types.UniqueFlow{}, false
}

// SetLastFlow 记录最近 Flow
func (nr NodeRef) SetLastFlow(flow types.UniqueFlow, ts types.Timestamp) {
	nr.entry.setLastFlow(flow, ts)
}

// ClearLastFlow 清除与 flow 相同的最近 Flow
func (nr NodeRef) ClearLastFlow(flow types.UniqueFlow) {
	nr.entry.clearLastFlow(flow)
}

// ClearLastFlows 清除全部最近 Flow
func (nr NodeRef) ClearLastFlows() {
	nr.entry.clearLastFlows()
}

// Touch 更新最近可见时间
func (nr NodeRef) Touch(ts types.Timestamp) {
	nr.entry.touch(ts)
}
