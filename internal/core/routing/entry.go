package routing

import (
	"sort"
	"sync"

	"github.com/dep2p/go-overlay/pkg/types"
)

// lastFlowKey 最近 Flow 的分类键
type lastFlowKey struct {
	protocol types.ProtocolType
	addrType types.AddressType
}

type lastFlow struct {
	flow types.UniqueFlow
	ts   types.Timestamp
}

// BucketEntry 路由表条目
//
// 一个条目对应一个节点，可有多个加密系统下的节点 ID。
type BucketEntry struct {
	mu sync.RWMutex

	nodeIDs         types.TypedKeyGroup
	peerInfos       map[types.RoutingDomain]*types.PeerInfo
	envelopeSupport []uint8
	lastFlows       map[lastFlowKey]lastFlow
	lastSeen        types.Timestamp

	// inTable 仍在路由表中
	inTable bool
}

func newBucketEntry(ids types.TypedKeyGroup) *BucketEntry {
	return &BucketEntry{
		nodeIDs:   append(types.TypedKeyGroup(nil), ids...),
		peerInfos: make(map[types.RoutingDomain]*types.PeerInfo),
		lastFlows: make(map[lastFlowKey]lastFlow),
	}
}

// NodeIDs 节点 ID 集合（副本）
func (e *BucketEntry) NodeIDs() types.TypedKeyGroup {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append(types.TypedKeyGroup(nil), e.nodeIDs...)
}

func (e *BucketEntry) addNodeIDs(ids types.TypedKeyGroup) (added types.TypedKeyGroup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		// 同一加密系统只保留第一个 ID
		if _, ok := e.nodeIDs.Get(id.Kind); !ok {
			e.nodeIDs = append(e.nodeIDs, id)
			added = append(added, id)
		}
	}
	return added
}

// PeerInfo 指定路由域的节点信息，未知返回 nil
func (e *BucketEntry) PeerInfo(domain types.RoutingDomain) *types.PeerInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peerInfos[domain]
}

// updatePeerInfo 时间戳更新时替换，返回是否替换
func (e *BucketEntry) updatePeerInfo(pi *types.PeerInfo) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.peerInfos[pi.RoutingDomain]; ok && cur.Timestamp() >= pi.Timestamp() {
		return false
	}
	e.peerInfos[pi.RoutingDomain] = pi
	for _, v := range pi.NodeInfo.EnvelopeSupport {
		e.addEnvelopeVersionLocked(v)
	}
	return true
}

func (e *BucketEntry) clearPeerInfo(domain types.RoutingDomain) {
	e.mu.Lock()
	delete(e.peerInfos, domain)
	e.mu.Unlock()
}

func (e *BucketEntry) addEnvelopeVersionLocked(v uint8) {
	for _, x := range e.envelopeSupport {
		if x == v {
			return
		}
	}
	e.envelopeSupport = append(e.envelopeSupport, v)
	sort.Slice(e.envelopeSupport, func(i, j int) bool { return e.envelopeSupport[i] < e.envelopeSupport[j] })
}

// AddEnvelopeVersion 记录对端使用过的信封版本
func (e *BucketEntry) AddEnvelopeVersion(v uint8) {
	e.mu.Lock()
	e.addEnvelopeVersionLocked(v)
	e.mu.Unlock()
}

// EnvelopeSupport 已知支持的信封版本（升序）
func (e *BucketEntry) EnvelopeSupport() []uint8 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]uint8(nil), e.envelopeSupport...)
}

// LastSeen 最近一次收到消息的时间
func (e *BucketEntry) LastSeen() types.Timestamp {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSeen
}

func (e *BucketEntry) touch(ts types.Timestamp) {
	e.mu.Lock()
	if ts > e.lastSeen {
		e.lastSeen = ts
	}
	e.mu.Unlock()
}

func (e *BucketEntry) setLastFlow(flow types.UniqueFlow, ts types.Timestamp) {
	key := lastFlowKey{protocol: flow.Flow.Protocol(), addrType: flow.Flow.AddressType()}
	e.mu.Lock()
	e.lastFlows[key] = lastFlow{flow: flow, ts: ts}
	if ts > e.lastSeen {
		e.lastSeen = ts
	}
	e.mu.Unlock()
}

func (e *BucketEntry) clearLastFlow(flow types.UniqueFlow) {
	key := lastFlowKey{protocol: flow.Flow.Protocol(), addrType: flow.Flow.AddressType()}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.lastFlows[key]; ok && cur.flow.Flow == flow.Flow {
		delete(e.lastFlows, key)
	}
}

func (e *BucketEntry) clearLastFlows() {
	e.mu.Lock()
	e.lastFlows = make(map[lastFlowKey]lastFlow)
	e.mu.Unlock()
}

// lastFlowsSnapshot 最近 Flow 按时间从新到旧
func (e *BucketEntry) lastFlowsSnapshot() []lastFlow {
	e.mu.RLock()
	out := make([]lastFlow, 0, len(e.lastFlows))
	for _, lf := range e.lastFlows {
		out = append(out, lf)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ts > out[j].ts })
	return out
}

// ============================================================================
//                              持久化
// ============================================================================

// entryRecord 条目的持久化形式
type entryRecord struct {
	NodeIDs         types.TypedKeyGroup `cbor:"1,keyasint"`
	PeerInfos       []types.PeerInfo    `cbor:"2,keyasint,omitempty"`
	EnvelopeSupport []uint8             `cbor:"3,keyasint,omitempty"`
	LastSeen        types.Timestamp     `cbor:"4,keyasint"`
}

func (e *BucketEntry) record() entryRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec := entryRecord{
		NodeIDs:         append(types.TypedKeyGroup(nil), e.nodeIDs...),
		EnvelopeSupport: append([]uint8(nil), e.envelopeSupport...),
		LastSeen:        e.lastSeen,
	}
	for _, d := range types.AllRoutingDomains {
		if pi, ok := e.peerInfos[d]; ok {
			rec.PeerInfos = append(rec.PeerInfos, *pi)
		}
	}
	return rec
}

func entryFromRecord(rec entryRecord) *BucketEntry {
	e := newBucketEntry(rec.NodeIDs)
	e.lastSeen = rec.LastSeen
	for _, v := range rec.EnvelopeSupport {
		e.addEnvelopeVersionLocked(v)
	}
	for i := range rec.PeerInfos {
		pi := rec.PeerInfos[i]
		e.peerInfos[pi.RoutingDomain] = &pi
	}
	return e
}
