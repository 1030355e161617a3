package badger

import (
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/dep2p/go-overlay/internal/core/storage/engine"
)

// WriteBatch BadgerDB 写批次
type WriteBatch struct {
	engine *Engine
	batch  *badger.WriteBatch
	done   atomic.Bool
}

var _ engine.Batch = (*WriteBatch)(nil)

// Put 加入写入
func (b *WriteBatch) Put(key, value []byte) error {
	if len(key) == 0 {
		return engine.ErrEmptyKey
	}
	return convertError(b.batch.Set(key, value))
}

// Delete 加入删除
func (b *WriteBatch) Delete(key []byte) error {
	if len(key) == 0 {
		return engine.ErrEmptyKey
	}
	return convertError(b.batch.Delete(key))
}

// Write 提交，批次只能提交一次
func (b *WriteBatch) Write() error {
	if b.engine.closed.Load() {
		return engine.ErrClosed
	}
	if b.done.Swap(true) {
		return nil
	}
	return convertError(b.batch.Flush())
}

// Cancel 放弃
func (b *WriteBatch) Cancel() {
	if !b.done.Swap(true) {
		b.batch.Cancel()
	}
}
