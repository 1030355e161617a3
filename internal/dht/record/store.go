package record

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dep2p/go-overlay/internal/core/storage/kv"
	"github.com/dep2p/go-overlay/pkg/lib/codec"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("dht/record")

// 表名
const (
	LocalTable  = "local_records"
	RemoteTable = "remote_records"
)

// index 内存索引
type index interface {
	get(k string) (*Record, bool)
	add(k string, r *Record)
	remove(k string)
	keys() []string
}

type mapIndex map[string]*Record

func (m mapIndex) get(k string) (*Record, bool) { r, ok := m[k]; return r, ok }
func (m mapIndex) add(k string, r *Record)      { m[k] = r }
func (m mapIndex) remove(k string)              { delete(m, k) }

func (m mapIndex) keys() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

type lruIndex struct {
	lru *expirable.LRU[string, *Record]
}

func (l lruIndex) get(k string) (*Record, bool) { return l.lru.Get(k) }
func (l lruIndex) add(k string, r *Record)      { l.lru.Add(k, r) }
func (l lruIndex) remove(k string)              { l.lru.Remove(k) }
func (l lruIndex) keys() []string               { return l.lru.Keys() }

// ============================================================================
//                              Store
// ============================================================================

// Store 记录存储：内存索引加表存储持久化
//
// 返回的记录都是副本，修改后需要 Put 回来。
type Store struct {
	name  string
	table *kv.Table

	mu  sync.Mutex
	idx index
}

// NewLocalStore 本节点创建或打开的记录，不过期
func NewLocalStore(ts *kv.TableStore) (*Store, error) {
	s := &Store{name: LocalTable, table: ts.Open(LocalTable), idx: mapIndex{}}
	if err := s.load(0, time.Time{}); err != nil {
		return nil, err
	}
	return s, nil
}

// NewRemoteStore 替其他节点缓存的记录，数量与存活时间有上限
//
// 被淘汰或过期的记录同时从表中删除。
func NewRemoteStore(ts *kv.TableStore, maxRecords int, ttl time.Duration, now time.Time) (*Store, error) {
	table := ts.Open(RemoteTable)
	onEvict := func(k string, _ *Record) {
		if err := table.Delete([]byte(k)); err != nil {
			logger.Warn("删除淘汰记录失败", "key", k, "err", err)
		}
	}
	s := &Store{
		name:  RemoteTable,
		table: table,
		idx:   lruIndex{lru: expirable.NewLRU[string, *Record](maxRecords, onEvict, ttl)},
	}
	if err := s.load(ttl, now); err != nil {
		return nil, err
	}
	return s, nil
}

// load 从表中恢复记录，按最后访问时间从旧到新加入索引
func (s *Store) load(ttl time.Duration, now time.Time) error {
	var (
		records []*Record
		stale   = make(map[string][]byte)
	)
	err := s.table.Scan(func(k, v []byte) bool {
		var r Record
		if err := codec.Unmarshal(v, &r); err != nil {
			logger.Warn("丢弃损坏的记录", "table", s.name, "key", string(k), "err", err)
			stale[string(k)] = nil
			return true
		}
		if ttl > 0 && now.Sub(r.LastTouched.Time()) > ttl {
			stale[string(k)] = nil
			return true
		}
		records = append(records, &r)
		return true
	})
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		if err := s.table.StoreBatch(stale); err != nil {
			return err
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].LastTouched < records[j].LastTouched })
	for _, r := range records {
		s.idx.add(r.Key.String(), r)
	}
	logger.Debug("记录已加载", "table", s.name, "records", len(records), "dropped", len(stale))
	return nil
}

// Get 读取记录副本
func (s *Store) Get(key types.RecordKey) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.idx.get(key.String())
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Has 是否存在
func (s *Store) Has(key types.RecordKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.idx.get(key.String())
	return ok
}

// Put 写入整条记录
func (s *Store) Put(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := r.Key.String()
	if err := s.table.StoreCBOR([]byte(k), r); err != nil {
		return err
	}
	s.idx.add(k, r.Clone())
	return nil
}

// Delete 删除记录
func (s *Store) Delete(key types.RecordKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	s.idx.remove(k)
	return s.table.Delete([]byte(k))
}

// Keys 全部记录键
func (s *Store) Keys() []types.RecordKey {
	s.mu.Lock()
	keys := s.idx.keys()
	s.mu.Unlock()

	out := make([]types.RecordKey, 0, len(keys))
	for _, k := range keys {
		tk, err := types.ParseTypedKey(k)
		if err != nil {
			continue
		}
		out = append(out, tk)
	}
	return out
}

// Len 记录数
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idx.keys())
}
