// Package receipt 单次回执的登记、返回与过期
//
// 发起信令前登记一个回执 nonce，对端通过带内、带外或路由方式把回执送回，
// 等待方收到对应事件；到期未返回则收到 Expired。
package receipt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/receipt")

var (
	// ErrDuplicateNonce nonce 已登记
	ErrDuplicateNonce = errors.New("receipt: duplicate nonce")

	// ErrStopped 管理器已停止
	ErrStopped = errors.New("receipt: manager stopped")
)

// EventKind 回执事件类型
type EventKind uint8

const (
	// ReturnedOutOfBand 通过 RCPT 数据包直接返回
	ReturnedOutOfBand EventKind = iota
	// ReturnedInBand 通过对端建立的连接在 RPC 中返回
	ReturnedInBand
	// ReturnedSafety 经安全路由返回
	ReturnedSafety
	// ReturnedPrivate 经私有路由返回
	ReturnedPrivate
	// Expired 过期
	Expired
	// Cancelled 取消
	Cancelled
)

// String 文本
func (k EventKind) String() string {
	switch k {
	case ReturnedOutOfBand:
		return "ReturnedOutOfBand"
	case ReturnedInBand:
		return "ReturnedInBand"
	case ReturnedSafety:
		return "ReturnedSafety"
	case ReturnedPrivate:
		return "ReturnedPrivate"
	case Expired:
		return "Expired"
	case Cancelled:
		return "Cancelled"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event 回执事件
type Event struct {
	Kind EventKind

	// InboundNode 带内返回时的发送者
	InboundNode types.TypedKey

	// Flow 带内或带外返回时的 Flow
	Flow types.UniqueFlow

	// PrivateRoute 经私有路由返回时的路由 ID
	PrivateRoute types.RouteID

	// ExtraData 回执附加数据
	ExtraData []byte
}

// IsReturned 是否为成功返回
func (e Event) IsReturned() bool {
	return e.Kind <= ReturnedPrivate
}

// ============================================================================
//                              Waiter
// ============================================================================

// Waiter 单次回执的等待方
type Waiter struct {
	nonce types.Nonce
	ch    chan Event
	m     *Manager
}

// Nonce 回执 nonce
func (w *Waiter) Nonce() types.Nonce {
	return w.nonce
}

// Wait 等待事件，ctx 结束时取消登记并返回 Cancelled
func (w *Waiter) Wait(ctx context.Context) Event {
	select {
	case ev := <-w.ch:
		return ev
	case <-ctx.Done():
		w.m.Cancel(w.nonce)
		return <-w.ch
	}
}

// ============================================================================
//                              Manager
// ============================================================================

type record struct {
	expiration time.Time
	ch         chan Event
}

// Manager 回执管理器
type Manager struct {
	clock        clock.Clock
	tickInterval time.Duration

	mu      sync.Mutex
	records map[types.Nonce]*record
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 创建回执管理器
func NewManager(clk clock.Clock, tickInterval time.Duration) *Manager {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &Manager{
		clock:        clk,
		tickInterval: tickInterval,
		records:      make(map[types.Nonce]*record),
	}
}

// RecordSingleShot 登记单次回执
func (m *Manager) RecordSingleShot(nonce types.Nonce, expiration time.Time) (*Waiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrStopped
	}
	if _, ok := m.records[nonce]; ok {
		return nil, ErrDuplicateNonce
	}
	rec := &record{expiration: expiration, ch: make(chan Event, 1)}
	m.records[nonce] = rec
	return &Waiter{nonce: nonce, ch: rec.ch, m: m}, nil
}

// Handle 回执返回，未登记或已完成返回 false
func (m *Manager) Handle(nonce types.Nonce, ev Event) bool {
	if !ev.IsReturned() {
		return false
	}
	return m.complete(nonce, ev)
}

// Cancel 取消登记
func (m *Manager) Cancel(nonce types.Nonce) {
	m.complete(nonce, Event{Kind: Cancelled})
}

func (m *Manager) complete(nonce types.Nonce, ev Event) bool {
	m.mu.Lock()
	rec, ok := m.records[nonce]
	if ok {
		delete(m.records, nonce)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	rec.ch <- ev
	return true
}

// Pending 未完成的回执数
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Tick 使到期回执过期
func (m *Manager) Tick() int {
	now := m.clock.Now()
	var expired []*record

	m.mu.Lock()
	for nonce, rec := range m.records {
		if !now.Before(rec.expiration) {
			expired = append(expired, rec)
			delete(m.records, nonce)
		}
	}
	m.mu.Unlock()

	for _, rec := range expired {
		rec.ch <- Event{Kind: Expired}
	}
	if len(expired) > 0 {
		logger.Debug("回执过期", "count", len(expired))
	}
	return len(expired)
}

// Start 启动过期检查
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	ticker := m.clock.Ticker(m.tickInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick()
			}
		}
	}()
}

// Stop 停止并取消所有未完成回执
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.stopped = true
	pending := m.records
	m.records = make(map[types.Nonce]*record)
	m.mu.Unlock()

	for _, rec := range pending {
		rec.ch <- Event{Kind: Cancelled}
	}
}
