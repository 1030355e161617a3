package connmgr

import (
	"context"
	"net/netip"
	"sync"
)

// addressLock 按远端套接字地址串行化拨号与接受
type addressLock struct {
	mu      sync.Mutex
	entries map[netip.AddrPort]*addressLockEntry
}

type addressLockEntry struct {
	sem  chan struct{}
	refs int
}

func newAddressLock() *addressLock {
	return &addressLock{entries: make(map[netip.AddrPort]*addressLockEntry)}
}

// Lock 获取 key 的锁，ctx 结束前未获得则返回 ctx.Err()
func (l *addressLock) Lock(ctx context.Context, key netip.AddrPort) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &addressLockEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.deref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.deref(key, e)
		})
	}, nil
}

func (l *addressLock) deref(key netip.AddrPort, e *addressLockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// size 当前持有或等待中的 key 数（测试用）
func (l *addressLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
