package dht

import (
	"context"

	"github.com/dep2p/go-overlay/pkg/types"
)

// offlineEntry 等待重试写入的子键
type offlineEntry struct {
	subkeys types.ValueSubkeyRangeSet
	safety  types.SafetySelection
}

func (e *Engine) addOffline(key types.RecordKey, subkey types.ValueSubkey, safety types.SafetySelection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.offline[key]
	if !ok {
		ent = &offlineEntry{}
		e.offline[key] = ent
	}
	ent.subkeys = ent.subkeys.Insert(subkey)
	ent.safety = safety
}

func (e *Engine) removeOffline(key types.RecordKey, subkey types.ValueSubkey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.offline[key]
	if !ok {
		return
	}
	ent.subkeys = ent.subkeys.Difference(types.SingleSubkey(subkey))
	if ent.subkeys.IsEmpty() {
		delete(e.offline, key)
	}
}

func (e *Engine) isOffline(key types.RecordKey, subkey types.ValueSubkey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.offline[key]
	return ok && ent.subkeys.Contains(subkey)
}

// OfflineSubkeys 记录在离线队列中的子键
func (e *Engine) OfflineSubkeys(key types.RecordKey) types.ValueSubkeyRangeSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.offline[key]; ok {
		return append(types.ValueSubkeyRangeSet(nil), ent.subkeys...)
	}
	return nil
}

// retryOffline 用本地值重新扇出离线队列中的写入
func (e *Engine) retryOffline(ctx context.Context) {
	e.mu.Lock()
	pending := make(map[types.RecordKey]offlineEntry, len(e.offline))
	for k, ent := range e.offline {
		pending[k] = *ent
	}
	e.mu.Unlock()

	for key, ent := range pending {
		rec, sch, err := e.localRecord(key)
		if err != nil {
			logger.Debug("离线记录已不存在", "key", key.ShortString())
			e.mu.Lock()
			delete(e.offline, key)
			e.mu.Unlock()
			continue
		}
		for _, subkey := range ent.subkeys.Subkeys(sch.SubkeyCount()) {
			sv, ok := rec.Get(subkey)
			if !ok {
				e.removeOffline(key, subkey)
				continue
			}
			final, res, err := e.outboundSet(ctx, setRequest{
				key: key, subkey: subkey, safety: ent.safety,
				descriptor: rec.Descriptor, schema: sch, value: *sv,
			})
			if err != nil {
				return
			}
			if offlineWorthy(res) {
				continue
			}
			logger.Debug("离线写入已送达", "key", key.ShortString(), "subkey", subkey, "result", res.Kind.String())
			e.removeOffline(key, subkey)
			e.adoptNewer(key, subkey, *sv, final)
		}
	}
}
