package routing

import (
	"bytes"

	"github.com/dep2p/go-overlay/pkg/lib/codec"
	"github.com/dep2p/go-overlay/pkg/types"
)

// 持久化键
const (
	// TableName 路由表在表存储中的表名
	TableName = "routing_table"

	keyBucketMap  = "serialized_bucket_map"
	keyAllEntries = "all_entry_bytes"
	keyCacheValid = "cache_validity_key"
)

// bucketMap 加密系统 → 桶下标 → 条目在 all_entry_bytes 中的下标
type bucketMap map[string]map[uint16][]uint32

// CacheValidityKey 本节点 ID、引导主机名与网络密钥的拼接
func (rt *RoutingTable) CacheValidityKey() []byte {
	var buf bytes.Buffer
	buf.Write(rt.identity.NodeIDs().Bytes())
	for _, h := range rt.cfg.Bootstrap {
		buf.WriteString(h)
	}
	buf.WriteString(rt.cfg.NetworkKey)
	return buf.Bytes()
}

// Save 保存桶与条目
func (rt *RoutingTable) Save() error {
	if rt.store == nil {
		return ErrNoStore
	}

	rt.mu.RLock()
	index := make(map[*BucketEntry]uint32)
	var records []entryRecord
	bm := make(bucketMap)
	for kind, bs := range rt.buckets {
		per := make(map[uint16][]uint32)
		for i := range bs {
			for _, e := range bs[i].entries {
				n, ok := index[e]
				if !ok {
					n = uint32(len(records))
					index[e] = n
					records = append(records, e.record())
				}
				per[uint16(i)] = append(per[uint16(i)], n)
			}
		}
		if len(per) > 0 {
			bm[kind.String()] = per
		}
	}
	rt.mu.RUnlock()

	bmBytes, err := codec.Marshal(bm)
	if err != nil {
		return err
	}
	recBytes, err := codec.Marshal(records)
	if err != nil {
		return err
	}
	if err := rt.store.StoreBatch(map[string][]byte{
		keyBucketMap:  bmBytes,
		keyAllEntries: recBytes,
		keyCacheValid: rt.CacheValidityKey(),
	}); err != nil {
		return err
	}
	logger.Debug("保存路由表", "entries", len(records))
	return nil
}

// Load 加载保存的桶与条目，返回加载的条目数
//
// 有效性键不一致时清空表并返回 0。
func (rt *RoutingTable) Load() (int, error) {
	if rt.store == nil {
		return 0, ErrNoStore
	}
	valid, err := rt.store.Load([]byte(keyCacheValid))
	if err != nil {
		return 0, err
	}
	if valid == nil {
		return 0, nil
	}
	if !bytes.Equal(valid, rt.CacheValidityKey()) {
		logger.Info("路由表缓存失效，丢弃")
		return 0, rt.store.Clear()
	}

	var bm bucketMap
	if _, err := rt.store.LoadCBOR([]byte(keyBucketMap), &bm); err != nil {
		return 0, err
	}
	var records []entryRecord
	if _, err := rt.store.LoadCBOR([]byte(keyAllEntries), &records); err != nil {
		return 0, err
	}

	entries := make([]*BucketEntry, len(records))
	rt.mu.Lock()
	defer rt.mu.Unlock()
	loaded := 0
	for kindStr, per := range bm {
		kind, err := types.CryptoKindFromString(kindStr)
		if err != nil || !rt.registry.Supports(kind) {
			continue
		}
		for _, idxs := range per {
			for _, n := range idxs {
				if int(n) >= len(records) {
					continue
				}
				rec := records[n]
				if rt.identity.MatchesAny(rec.NodeIDs) {
					continue
				}
				if entries[n] == nil {
					entries[n] = entryFromRecord(rec)
					loaded++
				}
				e := entries[n]
				id, ok := rec.NodeIDs.Get(kind)
				if !ok || rt.entries[id] != nil {
					continue
				}
				if rt.addToBucketLocked(id, e) {
					rt.entries[id] = e
					e.mu.Lock()
					e.inTable = true
					e.mu.Unlock()
				}
			}
		}
	}
	return loaded, nil
}
