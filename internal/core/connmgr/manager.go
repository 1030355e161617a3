package connmgr

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/transport"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/connmgr")

// Connector 低层协议建连
type Connector interface {
	Connect(ctx context.Context, local netip.AddrPort, di types.DialInfo, timeout time.Duration) (transport.ProtocolConnection, error)
	PreferredLocalAddress(di types.DialInfo) netip.AddrPort
}

type eventKind uint8

const (
	eventAccepted eventKind = iota
	eventDead
)

type event struct {
	kind eventKind
	pc   transport.ProtocolConnection
	nc   *NetworkConnection
}

// ============================================================================
//                              Manager
// ============================================================================

// Manager 连接管理器
type Manager struct {
	cfg       Config
	clock     clock.Clock
	table     *ConnectionTable
	filter    *addrfilter.Filter
	metrics   *metrics.Metrics
	connector Connector
	locks     *addressLock

	// startMu 启动锁，保护 started/stopCtx 及协程登记
	startMu    sync.RWMutex
	started    bool
	stopCtx    context.Context
	stopCancel context.CancelFunc
	recvFn     RecvFunc

	nextID   atomic.Uint64
	events   chan event
	procQuit chan struct{}
	procDone chan struct{}
	connWG   sync.WaitGroup
	reconnWG sync.WaitGroup

	protMu    sync.Mutex
	protected map[netip.AddrPort]*protectedAddress
}

// NewManager 创建连接管理器
func NewManager(cfg Config, clk clock.Clock, connector Connector, filter *addrfilter.Filter, m *metrics.Metrics) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table, err := NewConnectionTable(cfg.MaxConnections, filter, m)
	if err != nil {
		return nil, err
	}
	mgr := &Manager{
		cfg:       cfg,
		clock:     clk,
		table:     table,
		filter:    filter,
		metrics:   m,
		connector: connector,
		locks:     newAddressLock(),
		events:    make(chan event, cfg.EventQueueSize),
		protected: make(map[netip.AddrPort]*protectedAddress),
	}
	if filter != nil {
		filter.SetPunishCallback(mgr.closeConnectionsFrom)
	}
	return mgr, nil
}

// SetRecvFunc 设置接收回调，须在 Start 之前调用
func (m *Manager) SetRecvFunc(fn RecvFunc) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	m.recvFn = fn
}

// Table 连接表
func (m *Manager) Table() *ConnectionTable {
	return m.table
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动
func (m *Manager) Start(_ context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return nil
	}
	m.stopCtx, m.stopCancel = context.WithCancel(context.Background())
	m.procQuit = make(chan struct{})
	m.procDone = make(chan struct{})
	m.started = true
	go m.processEvents(m.procQuit, m.procDone)
	logger.Info("连接管理器已启动")
	return nil
}

// IsStarted 是否已启动
func (m *Manager) IsStarted() bool {
	m.startMu.RLock()
	defer m.startMu.RUnlock()
	return m.started
}

// Stop 停止
//
// 顺序：取消停止令牌，等待重连协程与连接处理协程退出，排空事件队列，最后清空连接表。
func (m *Manager) Stop(_ context.Context) error {
	m.startMu.RLock()
	if !m.started {
		m.startMu.RUnlock()
		return nil
	}
	cancel := m.stopCancel
	m.startMu.RUnlock()

	cancel()

	m.startMu.Lock()
	if !m.started {
		m.startMu.Unlock()
		return nil
	}
	m.started = false
	procQuit, procDone := m.procQuit, m.procDone
	m.startMu.Unlock()

	m.reconnWG.Wait()
	m.connWG.Wait()
	close(procQuit)
	<-procDone

	drained := m.table.Drain()
	for _, nc := range drained {
		nc.closeNow()
	}
	logger.Info("连接管理器已停止", "drained", len(drained))
	return nil
}

// processEvents 单协程按提交顺序处理事件
func (m *Manager) processEvents(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-quit:
			for {
				select {
				case ev := <-m.events:
					m.handleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) handleEvent(ev event) {
	switch ev.kind {
	case eventAccepted:
		m.handleAccepted(ev.pc)
	case eventDead:
		m.handleDead(ev.nc)
	}
}

// ============================================================================
//                              入站
// ============================================================================

// OnAccept 传输层接受入站连接时调用
func (m *Manager) OnAccept(pc transport.ProtocolConnection) {
	m.startMu.RLock()
	defer m.startMu.RUnlock()
	if !m.started {
		_ = pc.Close()
		return
	}
	select {
	case m.events <- event{kind: eventAccepted, pc: pc}:
	case <-m.stopCtx.Done():
		_ = pc.Close()
	}
}

func (m *Manager) handleAccepted(pc transport.ProtocolConnection) {
	m.startMu.RLock()
	stopCtx := m.stopCtx
	m.startMu.RUnlock()
	if stopCtx == nil || stopCtx.Err() != nil {
		_ = pc.Close()
		return
	}

	lockCtx, cancel := context.WithTimeout(stopCtx, m.cfg.ConnectionInitialTimeout)
	unlock, err := m.locks.Lock(lockCtx, pc.Flow().Remote.Socket)
	cancel()
	if err != nil {
		logger.Debug("入站连接等待地址锁超时", "flow", pc.Flow())
		_ = pc.Close()
		return
	}
	defer unlock()

	if _, err := m.registerConnection(pc, nil); err != nil {
		logger.Debug("入站连接注册失败", "flow", pc.Flow(), "err", err)
	}
}

func (m *Manager) handleDead(nc *NetworkConnection) {
	protector := m.table.Protector(nc.id)
	if m.table.RemoveConnectionByID(nc.id) != nil {
		logger.Debug("连接已关闭", "conn", nc)
	}
	if protector == nil {
		return
	}
	m.startMu.RLock()
	stopping := m.stopCtx == nil || m.stopCtx.Err() != nil
	m.startMu.RUnlock()
	if stopping {
		return
	}
	m.handleProtectedDrop(nc)
}

// ============================================================================
//                              新连接
// ============================================================================

// registerConnection 新连接钩子
//
// 分配 ID，安装初始保护，加入连接表，成功后启动处理协程。
// 失败时关闭 pc；被 LRU 淘汰的连接在此请求关闭。
func (m *Manager) registerConnection(pc transport.ProtocolConnection, di *types.DialInfo) (ConnectionHandle, error) {
	m.startMu.RLock()
	defer m.startMu.RUnlock()
	if !m.started {
		_ = pc.Close()
		return ConnectionHandle{}, ErrNotStarted
	}

	id := types.ConnectionID(m.nextID.Add(1))
	nc := newNetworkConnection(m.stopCtx, id, pc, di, m.clock, m.cfg.SendQueueSize)
	nc.protector = m.protectorFor(nc.flow.Remote.Socket)

	evicted, err := m.table.AddConnection(nc)
	if err != nil {
		nc.closeNow()
		return ConnectionHandle{}, err
	}

	recv := m.recvFn
	m.connWG.Add(1)
	go func() {
		defer m.connWG.Done()
		nc.run(m.cfg.ConnectionInactivityTimeout, recv, m.onInvalidFraming, m.onConnectionDead)
	}()

	if evicted != nil {
		evicted.close()
	}
	logger.Debug("连接已注册", "conn", nc, "inbound", di == nil, "protected", nc.protector != nil)
	return nc.Handle(), nil
}

func (m *Manager) onInvalidFraming(flow types.Flow) {
	if m.filter != nil {
		m.filter.PunishIPAddr(flow.RemoteAddr(), addrfilter.ReasonInvalidFraming)
	}
}

// closeConnectionsFrom 关闭来自被惩罚 IP 的全部连接
func (m *Manager) closeConnectionsFrom(addr netip.Addr, reason addrfilter.Reason) {
	addr = addr.Unmap()
	closed := 0
	for _, nc := range m.table.Connections() {
		if nc.flow.RemoteAddr().Unmap() == addr {
			nc.close()
			closed++
		}
	}
	if closed > 0 {
		logger.Debug("关闭被惩罚 IP 的连接", "addr", addr, "reason", reason, "count", closed)
	}
}

func (m *Manager) onConnectionDead(nc *NetworkConnection) {
	m.events <- event{kind: eventDead, nc: nc}
}

// ============================================================================
//                              出站
// ============================================================================

// GetOrCreateConnection 获取或建立到 di 的连接
func (m *Manager) GetOrCreateConnection(ctx context.Context, di types.DialInfo) types.NetworkResult[ConnectionHandle] {
	if !di.Protocol.IsConnectionOriented() {
		return types.NoConnection[ConnectionHandle]("protocol %s is not connection oriented", di.Protocol)
	}

	m.startMu.RLock()
	started, stopCtx := m.started, m.stopCtx
	m.startMu.RUnlock()
	if !started {
		return types.ServiceUnavailable[ConnectionHandle]("connection manager not started")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(stopCtx, cancel)
	defer stopWatch()

	lockCtx, lockCancel := context.WithTimeout(ctx, m.cfg.ConnectionInitialTimeout)
	unlock, err := m.locks.Lock(lockCtx, di.Socket)
	lockCancel()
	if err != nil {
		return types.NoConnection[ConnectionHandle]("endpoint busy")
	}
	defer unlock()

	preferred := m.connector.PreferredLocalAddress(di)
	if preferred.IsValid() && m.table.CheckForCollidingConnection(di) {
		logger.Debug("低层协议冲突，改用临时端口", "dial_info", di)
		preferred = netip.AddrPort{}
	}

	if nc, ok := m.table.GetBestConnectionByRemote(preferred, di.PeerAddress()); ok {
		return types.Value(nc.Handle())
	}

	pc, err := m.connect(ctx, preferred, di)
	if err != nil {
		if ctx.Err() != nil && stopCtx.Err() != nil {
			return types.ServiceUnavailable[ConnectionHandle]("connection manager stopping")
		}
		return types.NoConnection[ConnectionHandle]("connect %s: %v", di, err)
	}

	dip := di
	h, err := m.registerConnection(pc, &dip)
	switch {
	case err == nil:
		return types.Value(h)
	case errors.Is(err, ErrAlreadyExists):
		return types.NoConnection[ConnectionHandle]("connection to %s already exists", di)
	case errors.Is(err, ErrNotStarted):
		return types.ServiceUnavailable[ConnectionHandle]("connection manager stopping")
	default:
		return types.NoConnection[ConnectionHandle]("register %s: %v", di, err)
	}
}

// connect 建连，瞬时错误按配置重试
//
// 重试时放弃首选本地地址。
func (m *Manager) connect(ctx context.Context, local netip.AddrPort, di types.DialInfo) (transport.ProtocolConnection, error) {
	for attempt := 0; ; attempt++ {
		pc, err := m.connector.Connect(ctx, local, di, m.cfg.ConnectionInitialTimeout)
		if err == nil {
			return pc, nil
		}
		if !transport.IsTransient(err) || attempt >= m.cfg.ConnectRetries {
			return nil, err
		}
		logger.Debug("建连瞬时失败，重试", "dial_info", di, "attempt", attempt+1, "err", err)
		local = netip.AddrPort{}
		select {
		case <-m.clock.After(m.cfg.ConnectRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ============================================================================
//                              查询
// ============================================================================

// GetConnection 按 Flow 查找连接句柄
func (m *Manager) GetConnection(flow types.Flow) (ConnectionHandle, bool) {
	nc, ok := m.table.GetConnectionByFlow(flow)
	if !ok {
		return ConnectionHandle{}, false
	}
	return nc.Handle(), true
}

// GetConnectionByID 按 ID 查找连接句柄
func (m *Manager) GetConnectionByID(id types.ConnectionID) (ConnectionHandle, bool) {
	nc, ok := m.table.GetConnectionByID(id)
	if !ok {
		return ConnectionHandle{}, false
	}
	return nc.Handle(), true
}

// CloseConnection 关闭 Flow 对应的连接
func (m *Manager) CloseConnection(flow types.Flow) bool {
	nc, ok := m.table.GetConnectionByFlow(flow)
	if !ok {
		return false
	}
	nc.close()
	return true
}

// AddPriorityFlow 加入优先 Flow 集合
func (m *Manager) AddPriorityFlow(flow types.Flow) {
	m.table.AddPriorityFlow(flow)
}

// ConnectionCount 连接总数
func (m *Manager) ConnectionCount() int {
	return m.table.Len()
}

// ConnectionInfo 连接快照
type ConnectionInfo struct {
	ID          types.ConnectionID
	Flow        types.Flow
	DialInfo    *types.DialInfo
	Established time.Time
	LastSend    time.Time
	LastRecv    time.Time
}

// Connections 全部连接快照
func (m *Manager) Connections() []ConnectionInfo {
	conns := m.table.Connections()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, nc := range conns {
		out = append(out, ConnectionInfo{
			ID:          nc.id,
			Flow:        nc.flow,
			DialInfo:    nc.dialInfo,
			Established: nc.established,
			LastSend:    nc.LastSend(),
			LastRecv:    nc.LastRecv(),
		})
	}
	return out
}

// ============================================================================
//                              引用作用域
// ============================================================================

// RefScope 引用作用域，存续期间连接不会被 LRU 淘汰
type RefScope struct {
	table *ConnectionTable
	id    types.ConnectionID
	once  sync.Once
}

// Ref 对句柄指向的连接加引用，连接已不在表中返回 false
func (m *Manager) Ref(h ConnectionHandle) (*RefScope, bool) {
	if !m.table.AddRef(h.id) {
		return nil, false
	}
	return &RefScope{table: m.table, id: h.id}, true
}

// Release 释放引用，可重复调用
func (s *RefScope) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.table.Release(s.id)
	})
}
