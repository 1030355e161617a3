package routing

import (
	"math/bits"

	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/types"
)

// bucketCount 每个加密系统的桶数
const bucketCount = types.CryptoKeyLength * 8

// bucket K 桶，按加入顺序保存
type bucket struct {
	entries []*BucketEntry
}

// bucketIndex 距离的公共前缀长度
func bucketIndex(cs crypto.CryptoSystem, own, id types.CryptoKey) int {
	d := cs.Distance(own, id)
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return bucketCount - 1
}

func (b *bucket) contains(e *BucketEntry) bool {
	for _, x := range b.entries {
		if x == e {
			return true
		}
	}
	return false
}

func (b *bucket) remove(e *BucketEntry) bool {
	for i, x := range b.entries {
		if x == e {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}

// addToBucketLocked 把条目加入 id 所在的桶，桶满时尝试踢出最久未见的条目
//
// 调用方持有 rt.mu 写锁。返回是否加入。
func (rt *RoutingTable) addToBucketLocked(id types.TypedKey, e *BucketEntry) bool {
	cs, ok := rt.registry.Get(id.Kind)
	if !ok {
		return false
	}
	own, ok := rt.identity.NodeID(id.Kind)
	if !ok {
		return false
	}
	bs := rt.buckets[id.Kind]
	if bs == nil {
		bs = make([]bucket, bucketCount)
		rt.buckets[id.Kind] = bs
	}
	b := &bs[bucketIndex(cs, own.Value, id.Value)]
	if b.contains(e) {
		return true
	}
	if len(b.entries) >= rt.cfg.BucketSize && !rt.kickLocked(b, e.LastSeen()) {
		return false
	}
	b.entries = append(b.entries, e)
	return true
}

// kickLocked 踢出桶中最久未见且不比新条目更新的条目，中继节点不踢
func (rt *RoutingTable) kickLocked(b *bucket, newcomerSeen types.Timestamp) bool {
	var victim *BucketEntry
	for _, x := range b.entries {
		if rt.isRelayEntryLocked(x) {
			continue
		}
		if victim == nil || x.LastSeen() < victim.LastSeen() {
			victim = x
		}
	}
	if victim == nil || victim.LastSeen() > newcomerSeen {
		return false
	}
	rt.removeEntryLocked(victim)
	logger.Debug("踢出路由表条目", "node", victim.NodeIDs().String())
	return true
}

// removeEntryLocked 从所有索引与桶中移除条目
func (rt *RoutingTable) removeEntryLocked(e *BucketEntry) {
	for _, id := range e.NodeIDs() {
		if rt.entries[id] == e {
			delete(rt.entries, id)
		}
		cs, ok := rt.registry.Get(id.Kind)
		if !ok {
			continue
		}
		own, ok := rt.identity.NodeID(id.Kind)
		if !ok {
			continue
		}
		if bs := rt.buckets[id.Kind]; bs != nil {
			bs[bucketIndex(cs, own.Value, id.Value)].remove(e)
		}
	}
	e.mu.Lock()
	e.inTable = false
	e.mu.Unlock()
}
