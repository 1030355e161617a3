package connmgr

import (
	"net/netip"
	"time"

	"github.com/dep2p/go-overlay/pkg/types"
)

// Protector 受保护连接的所有者（本节点使用的中继节点）
type Protector interface {
	String() string

	// OnRepeatedConnectionDrops 窗口内掉线次数超过上限时通知
	OnRepeatedConnectionDrops()
}

// ProtectedRelay 一个中继节点及其全部拨号信息
type ProtectedRelay struct {
	Owner     Protector
	DialInfos []types.DialInfo
}

// protectedAddress 按远端套接字地址记录的保护状态
type protectedAddress struct {
	owner       Protector
	dialInfo    types.DialInfo
	windowStart time.Time
	drops       int
}

// UpdateProtections 按当前中继集合重算受保护地址
//
// 已存在的地址保留掉线窗口；匹配的连接被保护，不再匹配的连接解除保护。
func (m *Manager) UpdateProtections(relays []ProtectedRelay) {
	now := m.clock.Now()

	m.protMu.Lock()
	next := make(map[netip.AddrPort]*protectedAddress)
	for _, r := range relays {
		if r.Owner == nil {
			continue
		}
		for _, di := range r.DialInfos {
			if old, ok := m.protected[di.Socket]; ok {
				old.owner = r.Owner
				old.dialInfo = di
				next[di.Socket] = old
				continue
			}
			if _, ok := next[di.Socket]; ok {
				continue
			}
			next[di.Socket] = &protectedAddress{owner: r.Owner, dialInfo: di, windowStart: now}
		}
	}
	m.protected = next
	m.protMu.Unlock()

	protectedCount := 0
	for _, nc := range m.table.Connections() {
		owner := m.protectorFor(nc.flow.Remote.Socket)
		if m.table.SetProtector(nc.id, owner) && owner != nil {
			protectedCount++
		}
	}
	logger.Debug("更新受保护地址", "addresses", len(next), "connections", protectedCount)
}

// protectorFor 查询地址的保护者
func (m *Manager) protectorFor(sock netip.AddrPort) Protector {
	m.protMu.Lock()
	defer m.protMu.Unlock()
	if e, ok := m.protected[sock]; ok {
		return e.owner
	}
	return nil
}

// IsProtectedAddress 地址是否受保护
func (m *Manager) IsProtectedAddress(sock netip.AddrPort) bool {
	return m.protectorFor(sock) != nil
}

// handleProtectedDrop 受保护连接掉线
//
// 窗口内掉线次数未达上限时按原拨号信息重连，否则重置窗口并通知所有者。
func (m *Manager) handleProtectedDrop(nc *NetworkConnection) {
	sock := nc.flow.Remote.Socket
	now := m.clock.Now()

	m.protMu.Lock()
	e, ok := m.protected[sock]
	if !ok {
		m.protMu.Unlock()
		return
	}
	if now.Sub(e.windowStart) > m.cfg.ProtectedConnectionDropSpan {
		e.windowStart = now
		e.drops = 0
	}
	reconnect := e.drops < m.cfg.ProtectedConnectionDropCount
	if reconnect {
		e.drops++
	} else {
		e.windowStart = now
		e.drops = 0
	}
	owner := e.owner
	di := e.dialInfo
	m.protMu.Unlock()

	if nc.dialInfo != nil {
		di = *nc.dialInfo
	}

	if !reconnect {
		logger.Info("受保护连接反复掉线", "conn", nc, "owner", owner)
		owner.OnRepeatedConnectionDrops()
		return
	}
	m.spawnReconnect(di)
}

// spawnReconnect 启动重连协程
func (m *Manager) spawnReconnect(di types.DialInfo) {
	m.startMu.RLock()
	defer m.startMu.RUnlock()
	if !m.started {
		return
	}
	ctx := m.stopCtx
	m.reconnWG.Add(1)
	go func() {
		defer m.reconnWG.Done()
		logger.Debug("重连受保护地址", "dial_info", di)
		res := m.GetOrCreateConnection(ctx, di)
		if !res.IsValue() {
			logger.Debug("重连失败", "dial_info", di, "result", res)
		}
	}()
}
