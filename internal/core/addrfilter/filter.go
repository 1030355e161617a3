// Package addrfilter 实现按 IP 的连接准入与惩罚
//
// 地址过滤器是进程级共享状态，由单个互斥锁保护：
//   - 每个 IP（IPv6 按前缀聚合）的连接计数，超过上限拒绝
//   - 每个 IP 的新建连接频率，令牌桶限制
//   - 按 IP 或节点 ID 的惩罚表，带原因
//   - 拨号信息失败时间表，用于联系方式选择时降低优先级
//
// 后台任务按配置间隔清除过期惩罚、过期拨号失败与空闲的限速器。
package addrfilter

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/addrfilter")

// Punishment 惩罚记录
type Punishment struct {
	Reason    Reason
	Timestamp time.Time
}

// PunishCallback 惩罚 IP 时的回调，在锁外调用
type PunishCallback func(addr netip.Addr, reason Reason)

// Filter 地址过滤器
type Filter struct {
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics

	mu               sync.Mutex
	connCount        map[netip.Addr]int
	limiters         map[netip.Addr]*rate.Limiter
	punishedIPs      map[netip.Addr]Punishment
	punishedNodes    map[types.TypedKey]Punishment
	dialInfoFailures map[types.DialInfo]time.Time
	onPunish         PunishCallback

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建地址过滤器
func New(cfg Config, clk clock.Clock, m *metrics.Metrics) *Filter {
	if clk == nil {
		clk = clock.New()
	}
	return &Filter{
		cfg:              cfg,
		clock:            clk,
		metrics:          m,
		connCount:        make(map[netip.Addr]int),
		limiters:         make(map[netip.Addr]*rate.Limiter),
		punishedIPs:      make(map[netip.Addr]Punishment),
		punishedNodes:    make(map[types.TypedKey]Punishment),
		dialInfoFailures: make(map[types.DialInfo]time.Time),
	}
}

// SetPunishCallback 设置惩罚回调
func (f *Filter) SetPunishCallback(cb PunishCallback) {
	f.mu.Lock()
	f.onPunish = cb
	f.mu.Unlock()
}

// key IPv4 按地址，IPv6 按配置的前缀
func (f *Filter) key(addr netip.Addr) netip.Addr {
	addr = addr.Unmap()
	if addr.Is4() {
		return addr
	}
	p, err := addr.Prefix(f.cfg.IP6PrefixSize)
	if err != nil {
		return addr
	}
	return p.Masked().Addr()
}

func (f *Filter) limit(addr netip.Addr) int {
	if addr.Unmap().Is4() {
		return f.cfg.MaxConnectionsPerIP4
	}
	return f.cfg.MaxConnectionsPerIP6Prefix
}

// ============================================================================
//                              连接计数
// ============================================================================

// AddConnection 准入一个新连接
func (f *Filter) AddConnection(addr netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.punishedIPs[addr.Unmap()]; ok {
		return &Error{Kind: ErrorPunished, Addr: addr}
	}

	k := f.key(addr)
	if f.connCount[k] >= f.limit(addr) {
		logger.Debug("连接数超过上限", "addr", addr, "count", f.connCount[k])
		return &Error{Kind: ErrorCountExceeded, Addr: addr}
	}

	if f.cfg.MaxConnectionFrequencyPerMin > 0 {
		lim := f.limiters[k]
		if lim == nil {
			lim = rate.NewLimiter(rate.Limit(float64(f.cfg.MaxConnectionFrequencyPerMin)/60.0), f.cfg.MaxConnectionFrequencyPerMin)
			f.limiters[k] = lim
		}
		if !lim.AllowN(f.clock.Now(), 1) {
			logger.Debug("连接频率超过上限", "addr", addr)
			return &Error{Kind: ErrorRateExceeded, Addr: addr}
		}
	}

	f.connCount[k]++
	return nil
}

// RemoveConnection 释放一个连接
//
// 对从未准入的地址调用属于内部不变量被破坏，直接 panic。
func (f *Filter) RemoveConnection(addr netip.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := f.key(addr)
	n, ok := f.connCount[k]
	if !ok || n <= 0 {
		panic(fmt.Sprintf("addrfilter: remove_connection on unknown address %s", addr))
	}
	if n == 1 {
		delete(f.connCount, k)
	} else {
		f.connCount[k] = n - 1
	}
}

// ConnectionCount 当前计数（测试与诊断用）
func (f *Filter) ConnectionCount(addr netip.Addr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connCount[f.key(addr)]
}

// ============================================================================
//                              惩罚
// ============================================================================

// PunishIPAddr 惩罚 IP
func (f *Filter) PunishIPAddr(addr netip.Addr, reason Reason) {
	addr = addr.Unmap()
	f.mu.Lock()
	f.punishedIPs[addr] = Punishment{Reason: reason, Timestamp: f.clock.Now()}
	cb := f.onPunish
	f.mu.Unlock()

	logger.Debug("惩罚 IP", "addr", addr, "reason", reason)
	f.metrics.Punished("ip", reason.String())
	if cb != nil {
		cb(addr, reason)
	}
}

// PunishNodeID 惩罚节点
func (f *Filter) PunishNodeID(id types.TypedKey, reason Reason) {
	f.mu.Lock()
	f.punishedNodes[id] = Punishment{Reason: reason, Timestamp: f.clock.Now()}
	f.mu.Unlock()

	logger.Debug("惩罚节点", "node", id.ShortString(), "reason", reason)
	f.metrics.Punished("node", reason.String())
}

// IsIPAddrPunished IP 是否被惩罚
func (f *Filter) IsIPAddrPunished(addr netip.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.punishedIPs[addr.Unmap()]
	return ok
}

// IPPunishment IP 的惩罚记录
func (f *Filter) IPPunishment(addr netip.Addr) (Punishment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.punishedIPs[addr.Unmap()]
	return p, ok
}

// IsNodeIDPunished 节点是否被惩罚
func (f *Filter) IsNodeIDPunished(id types.TypedKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.punishedNodes[id]
	return ok
}

// NodePunishment 节点的惩罚记录
func (f *Filter) NodePunishment(id types.TypedKey) (Punishment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.punishedNodes[id]
	return p, ok
}

// IsAnyNodeIDPunished 集合中是否有节点被惩罚
func (f *Filter) IsAnyNodeIDPunished(ids types.TypedKeyGroup) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if _, ok := f.punishedNodes[id]; ok {
			return true
		}
	}
	return false
}

// ClearPunishments 清除所有惩罚
func (f *Filter) ClearPunishments() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.punishedIPs = make(map[netip.Addr]Punishment)
	f.punishedNodes = make(map[types.TypedKey]Punishment)
}

// ============================================================================
//                              拨号失败
// ============================================================================

// SetDialInfoFailed 记录拨号失败
func (f *Filter) SetDialInfoFailed(di types.DialInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialInfoFailures[di] = f.clock.Now()
}

// GetDialInfoFailedTS 最近一次拨号失败时间
func (f *Filter) GetDialInfoFailedTS(di types.DialInfo) (types.Timestamp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.dialInfoFailures[di]
	if !ok {
		return 0, false
	}
	return types.TimestampFromTime(t), true
}

// ============================================================================
//                              衰减
// ============================================================================

// Decay 清除过期状态
func (f *Filter) Decay() {
	now := f.clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()

	for addr, p := range f.punishedIPs {
		if now.Sub(p.Timestamp) >= f.cfg.PunishmentDuration {
			delete(f.punishedIPs, addr)
			logger.Debug("IP 惩罚已过期", "addr", addr)
		}
	}
	for id, p := range f.punishedNodes {
		if now.Sub(p.Timestamp) >= f.cfg.PunishmentDuration {
			delete(f.punishedNodes, id)
		}
	}
	for di, t := range f.dialInfoFailures {
		if now.Sub(t) >= f.cfg.DialInfoFailureDuration {
			delete(f.dialInfoFailures, di)
		}
	}
	for k, lim := range f.limiters {
		if f.connCount[k] == 0 && lim.TokensAt(now) >= float64(lim.Burst()) {
			delete(f.limiters, k)
		}
	}
}

// Start 启动后台衰减任务
func (f *Filter) Start(ctx context.Context) {
	if f.cfg.DecayInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	ticker := f.clock.Ticker(f.cfg.DecayInterval)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Decay()
			}
		}
	}()
}

// Stop 停止后台任务
func (f *Filter) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}
