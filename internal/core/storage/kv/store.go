// Package kv 提供按表名隔离的表存储
//
// 每张表是引擎中的一个键前缀 "t/<name>/"，表内键值相互独立。
// 结构化值统一用 CBOR 编码。
package kv

import (
	"github.com/dep2p/go-overlay/internal/core/storage/engine"
	"github.com/dep2p/go-overlay/pkg/lib/codec"
)

// TableStore 表存储
type TableStore struct {
	engine engine.Engine
}

// NewTableStore 创建表存储
func NewTableStore(eng engine.Engine) *TableStore {
	return &TableStore{engine: eng}
}

// Open 打开（不存在即创建）一张表
func (ts *TableStore) Open(name string) *Table {
	return &Table{engine: ts.engine, prefix: []byte("t/" + name + "/")}
}

// Delete 删除整张表
func (ts *TableStore) Delete(name string) error {
	return ts.engine.DropPrefix([]byte("t/" + name + "/"))
}

// Table 一张表
type Table struct {
	engine engine.Engine
	prefix []byte
}

func (t *Table) key(k []byte) []byte {
	out := make([]byte, len(t.prefix)+len(k))
	copy(out, t.prefix)
	copy(out[len(t.prefix):], k)
	return out
}

// Load 读取原始值，不存在时返回 (nil, nil)
func (t *Table) Load(key []byte) ([]byte, error) {
	v, err := t.engine.Get(t.key(key))
	if engine.IsNotFound(err) {
		return nil, nil
	}
	return v, err
}

// Store 写入原始值
func (t *Table) Store(key, value []byte) error {
	return t.engine.Put(t.key(key), value)
}

// Delete 删除
func (t *Table) Delete(key []byte) error {
	return t.engine.Delete(t.key(key))
}

// LoadCBOR 读取并解码，返回是否存在
func (t *Table) LoadCBOR(key []byte, v any) (bool, error) {
	data, err := t.Load(key)
	if err != nil || data == nil {
		return false, err
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return false, engine.ErrCorrupted
	}
	return true, nil
}

// StoreCBOR 编码并写入
func (t *Table) StoreCBOR(key []byte, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return t.Store(key, data)
}

// Keys 表内所有键（按键序）
func (t *Table) Keys() ([][]byte, error) {
	var keys [][]byte
	err := t.engine.Scan(t.prefix, func(k, _ []byte) bool {
		keys = append(keys, k[len(t.prefix):])
		return true
	})
	return keys, err
}

// Scan 遍历表内条目
func (t *Table) Scan(fn func(key, value []byte) bool) error {
	return t.engine.Scan(t.prefix, func(k, v []byte) bool {
		return fn(k[len(t.prefix):], v)
	})
}

// Clear 清空整张表
func (t *Table) Clear() error {
	return t.engine.DropPrefix(t.prefix)
}

// StoreBatch 在同一批次中写入多个条目（nil 值表示删除）
func (t *Table) StoreBatch(entries map[string][]byte) error {
	b := t.engine.NewBatch()
	for k, v := range entries {
		var err error
		if v == nil {
			err = b.Delete(t.key([]byte(k)))
		} else {
			err = b.Put(t.key([]byte(k)), v)
		}
		if err != nil {
			b.Cancel()
			return err
		}
	}
	return b.Write()
}
