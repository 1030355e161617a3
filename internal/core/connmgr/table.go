package connmgr

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/pkg/types"
)

// protocolIndex 面向连接协议的分区号
func protocolIndex(p types.ProtocolType) (int, bool) {
	switch p {
	case types.ProtocolTCP:
		return 0, true
	case types.ProtocolWS:
		return 1, true
	case types.ProtocolWSS:
		return 2, true
	}
	return 0, false
}

const partitionCount = 3

// ConnectionTable 连接表
type ConnectionTable struct {
	mu      sync.Mutex
	filter  *addrfilter.Filter
	metrics *metrics.Metrics

	maxConnections    [partitionCount]int
	conns             [partitionCount]*simplelru.LRU[types.ConnectionID, *NetworkConnection]
	priorityFlows     [partitionCount]*simplelru.LRU[types.Flow, struct{}]
	protocolIndexByID map[types.ConnectionID]int
	idByFlow          map[types.Flow]types.ConnectionID
	idsByRemote       map[types.PeerAddress][]types.ConnectionID
}

// NewConnectionTable 创建连接表
func NewConnectionTable(maxConns map[types.ProtocolType]int, filter *addrfilter.Filter, m *metrics.Metrics) (*ConnectionTable, error) {
	t := &ConnectionTable{
		filter:            filter,
		metrics:           m,
		protocolIndexByID: make(map[types.ConnectionID]int),
		idByFlow:          make(map[types.Flow]types.ConnectionID),
		idsByRemote:       make(map[types.PeerAddress][]types.ConnectionID),
	}
	for _, p := range types.ConnectionOrientedProtocols {
		idx, _ := protocolIndex(p)
		max := maxConns[p]
		if max <= 0 {
			return nil, fmt.Errorf("%w: %s max connections must be positive", ErrInvalidConfig, p)
		}
		t.maxConnections[idx] = max
		// 容量等于上限，插入前先手动淘汰，LRU 自身永远不会自动淘汰
		lru, err := simplelru.NewLRU[types.ConnectionID, *NetworkConnection](max, nil)
		if err != nil {
			return nil, err
		}
		t.conns[idx] = lru
		prio := max / 4
		if prio < 1 {
			prio = 1
		}
		plru, err := simplelru.NewLRU[types.Flow, struct{}](prio, nil)
		if err != nil {
			return nil, err
		}
		t.priorityFlows[idx] = plru
	}
	return t, nil
}

// ============================================================================
//                              添加与删除
// ============================================================================

// AddConnection 加入连接
//
// 分区已满时按 LRU 淘汰，跳过引用计数非零、受保护或在优先 Flow 集合中的连接。
// 成功时返回被淘汰的连接（可能为 nil），调用方负责关闭它。
func (t *ConnectionTable) AddConnection(nc *NetworkConnection) (*NetworkConnection, error) {
	idx, ok := protocolIndex(nc.flow.Protocol())
	if !ok {
		return nil, ErrProtocolNotStored
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.idByFlow[nc.flow]; exists {
		return nil, &AddError{Kind: AddAlreadyExists, Conn: nc}
	}
	if _, exists := t.protocolIndexByID[nc.id]; exists {
		panic(fmt.Sprintf("connmgr: duplicate connection id %d", nc.id))
	}

	ip := nc.flow.RemoteAddr()
	if t.filter != nil {
		if err := t.filter.AddConnection(ip); err != nil {
			return nil, &AddError{Kind: AddAddressFilter, Conn: nc, Err: err}
		}
	}

	var evicted *NetworkConnection
	if t.conns[idx].Len() >= t.maxConnections[idx] {
		evicted = t.findVictimLocked(idx)
		if evicted == nil {
			if t.filter != nil {
				t.filter.RemoveConnection(ip)
			}
			return nil, &AddError{Kind: AddTableFull, Conn: nc}
		}
		t.removeLocked(evicted.id)
		logger.Debug("连接被 LRU 淘汰", "conn", evicted)
		t.metrics.Evicted(evicted.flow.Protocol().String())
	}

	t.conns[idx].Add(nc.id, nc)
	t.protocolIndexByID[nc.id] = idx
	t.idByFlow[nc.flow] = nc.id
	t.idsByRemote[nc.flow.Remote] = append(t.idsByRemote[nc.flow.Remote], nc.id)
	t.metrics.SetConnections(nc.flow.Protocol().String(), t.conns[idx].Len())
	return evicted, nil
}

// findVictimLocked 从最旧开始找第一个可淘汰的连接
func (t *ConnectionTable) findVictimLocked(idx int) *NetworkConnection {
	for _, id := range t.conns[idx].Keys() {
		nc, ok := t.conns[idx].Peek(id)
		if !ok {
			continue
		}
		if nc.refCount > 0 || nc.protector != nil || t.priorityFlows[idx].Contains(nc.flow) {
			continue
		}
		return nc
	}
	return nil
}

// removeLocked 从四个索引中删除（调用方持有锁）
func (t *ConnectionTable) removeLocked(id types.ConnectionID) *NetworkConnection {
	idx, ok := t.protocolIndexByID[id]
	if !ok {
		return nil
	}
	nc, ok := t.conns[idx].Peek(id)
	if !ok {
		panic(fmt.Sprintf("connmgr: connection %d indexed but missing from partition", id))
	}
	t.conns[idx].Remove(id)
	delete(t.protocolIndexByID, id)
	delete(t.idByFlow, nc.flow)

	ids := t.idsByRemote[nc.flow.Remote]
	for i, x := range ids {
		if x == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(t.idsByRemote, nc.flow.Remote)
	} else {
		t.idsByRemote[nc.flow.Remote] = ids
	}

	if t.filter != nil {
		t.filter.RemoveConnection(nc.flow.RemoteAddr())
	}
	t.metrics.SetConnections(nc.flow.Protocol().String(), t.conns[idx].Len())
	return nc
}

// RemoveConnectionByID 删除连接，不存在时返回 nil
func (t *ConnectionTable) RemoveConnectionByID(id types.ConnectionID) *NetworkConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(id)
}

// ============================================================================
//                              查询
// ============================================================================

// GetConnectionByID 按 ID 查找
func (t *ConnectionTable) GetConnectionByID(id types.ConnectionID) (*NetworkConnection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.protocolIndexByID[id]
	if !ok {
		return nil, false
	}
	return t.conns[idx].Peek(id)
}

// GetConnectionByFlow 按 Flow 查找并刷新 LRU
func (t *ConnectionTable) GetConnectionByFlow(flow types.Flow) (*NetworkConnection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.idByFlow[flow]
	if !ok {
		return nil, false
	}
	return t.conns[t.protocolIndexByID[id]].Get(id)
}

// TouchConnectionByID 刷新 LRU
func (t *ConnectionTable) TouchConnectionByID(id types.ConnectionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.protocolIndexByID[id]; ok {
		t.conns[idx].Get(id)
	}
}

// GetBestConnectionByRemote 按远端地址选择连接
//
// 只有一个时直接返回；否则优先本地端口等于 preferredLocal 的；否则返回最近加入的。
func (t *ConnectionTable) GetBestConnectionByRemote(preferredLocal netip.AddrPort, remote types.PeerAddress) (*NetworkConnection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.idsByRemote[remote]
	if len(ids) == 0 {
		return nil, false
	}
	pick := ids[len(ids)-1]
	if len(ids) > 1 && preferredLocal.IsValid() {
		for _, id := range ids {
			nc, ok := t.conns[t.protocolIndexByID[id]].Peek(id)
			if ok && nc.flow.Local.Port() == preferredLocal.Port() {
				pick = id
				break
			}
		}
	}
	return t.conns[t.protocolIndexByID[pick]].Get(pick)
}

// CheckForCollidingConnection 是否存在低层协议与套接字地址相同、高层协议不同的连接
//
// 例如 TCP 与 WS 共用端口时，出站必须改用临时端口。
func (t *ConnectionTable) CheckForCollidingConnection(di types.DialInfo) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pa, ids := range t.idsByRemote {
		if len(ids) == 0 || pa.Socket != di.Socket {
			continue
		}
		if pa.Protocol != di.Protocol && pa.Protocol.LowLevel() == di.Protocol.LowLevel() {
			return true
		}
	}
	return false
}

// ConnectionCount 指定协议的连接数
func (t *ConnectionTable) ConnectionCount(p types.ProtocolType) int {
	idx, ok := protocolIndex(p)
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[idx].Len()
}

// Len 连接总数
func (t *ConnectionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.protocolIndexByID)
}

// Connections 所有连接快照
func (t *ConnectionTable) Connections() []*NetworkConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*NetworkConnection, 0, len(t.protocolIndexByID))
	for i := range t.conns {
		out = append(out, t.conns[i].Values()...)
	}
	return out
}

// ============================================================================
//                              优先 Flow / 引用 / 保护
// ============================================================================

// AddPriorityFlow 加入优先 Flow 集合
func (t *ConnectionTable) AddPriorityFlow(flow types.Flow) {
	idx, ok := protocolIndex(flow.Protocol())
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priorityFlows[idx].Add(flow, struct{}{})
}

// IsPriorityFlow 是否在优先 Flow 集合中
func (t *ConnectionTable) IsPriorityFlow(flow types.Flow) bool {
	idx, ok := protocolIndex(flow.Protocol())
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priorityFlows[idx].Contains(flow)
}

// AddRef 引用计数加一，连接不存在返回 false
func (t *ConnectionTable) AddRef(id types.ConnectionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.protocolIndexByID[id]
	if !ok {
		return false
	}
	nc, _ := t.conns[idx].Peek(id)
	nc.refCount++
	return true
}

// Release 引用计数减一
func (t *ConnectionTable) Release(id types.ConnectionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.protocolIndexByID[id]
	if !ok {
		return
	}
	nc, _ := t.conns[idx].Peek(id)
	if nc.refCount <= 0 {
		panic(fmt.Sprintf("connmgr: release of unreferenced connection %d", id))
	}
	nc.refCount--
}

// RefCount 当前引用计数
func (t *ConnectionTable) RefCount(id types.ConnectionID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.protocolIndexByID[id]
	if !ok {
		return 0
	}
	nc, _ := t.conns[idx].Peek(id)
	return nc.refCount
}

// SetProtector 设置或清除连接的保护者
func (t *ConnectionTable) SetProtector(id types.ConnectionID, p Protector) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.protocolIndexByID[id]
	if !ok {
		return false
	}
	nc, _ := t.conns[idx].Peek(id)
	nc.protector = p
	return true
}

// Protector 连接的保护者
func (t *ConnectionTable) Protector(id types.ConnectionID) Protector {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.protocolIndexByID[id]
	if !ok {
		return nil
	}
	nc, _ := t.conns[idx].Peek(id)
	return nc.protector
}

// ============================================================================
//                              关闭
// ============================================================================

// Drain 清空连接表并返回所有连接
func (t *ConnectionTable) Drain() []*NetworkConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*NetworkConnection
	for i := range t.conns {
		for _, id := range t.conns[i].Keys() {
			if nc := t.removeLocked(id); nc != nil {
				out = append(out, nc)
			}
		}
	}
	for i := range t.priorityFlows {
		t.priorityFlows[i].Purge()
	}
	return out
}

// checkInvariants 校验四个索引一致（测试用）
func (t *ConnectionTable) checkInvariants() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for idx := range t.conns {
		for _, id := range t.conns[idx].Keys() {
			total++
			nc, _ := t.conns[idx].Peek(id)
			if pi, ok := t.protocolIndexByID[id]; !ok || pi != idx {
				return fmt.Errorf("connection %d: bad protocol index", id)
			}
			if fid, ok := t.idByFlow[nc.flow]; !ok || fid != id {
				return fmt.Errorf("connection %d: bad flow index", id)
			}
			n := 0
			for _, x := range t.idsByRemote[nc.flow.Remote] {
				if x == id {
					n++
				}
			}
			if n != 1 {
				return fmt.Errorf("connection %d: appears %d times in remote index", id, n)
			}
		}
	}
	if total != len(t.protocolIndexByID) || total != len(t.idByFlow) {
		return fmt.Errorf("index sizes differ: %d/%d/%d", total, len(t.protocolIndexByID), len(t.idByFlow))
	}
	return nil
}
