package metrics

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Stats 单个 IP 的带宽统计
type Stats struct {
	TotalIn  int64
	TotalOut int64
	RateIn   float64
	RateOut  float64
}

type ipCounter struct {
	in      atomic.Int64
	out     atomic.Int64
	inRate  *RateMeter
	outRate *RateMeter
	last    atomic.Int64 // 最后活动时间（Unix 纳秒）
}

// BandwidthCounter 按远端 IP 统计收发字节
type BandwidthCounter struct {
	clock clock.Clock

	totalIn  atomic.Int64
	totalOut atomic.Int64

	mu    sync.RWMutex
	perIP map[netip.Addr]*ipCounter
}

// NewBandwidthCounter 创建带宽计数器
func NewBandwidthCounter(clk clock.Clock) *BandwidthCounter {
	if clk == nil {
		clk = clock.New()
	}
	return &BandwidthCounter{clock: clk, perIP: make(map[netip.Addr]*ipCounter)}
}

func (b *BandwidthCounter) counter(addr netip.Addr) *ipCounter {
	addr = addr.Unmap()
	b.mu.RLock()
	c := b.perIP[addr]
	b.mu.RUnlock()
	if c != nil {
		return c
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c = b.perIP[addr]; c == nil {
		c = &ipCounter{inRate: NewRateMeter(b.clock), outRate: NewRateMeter(b.clock)}
		b.perIP[addr] = c
	}
	return c
}

// LogRecv 记录接收
func (b *BandwidthCounter) LogRecv(addr netip.Addr, n int) {
	if b == nil {
		return
	}
	c := b.counter(addr)
	c.in.Add(int64(n))
	c.inRate.Add(int64(n))
	c.last.Store(b.clock.Now().UnixNano())
	b.totalIn.Add(int64(n))
}

// LogSent 记录发送
func (b *BandwidthCounter) LogSent(addr netip.Addr, n int) {
	if b == nil {
		return
	}
	c := b.counter(addr)
	c.out.Add(int64(n))
	c.outRate.Add(int64(n))
	c.last.Store(b.clock.Now().UnixNano())
	b.totalOut.Add(int64(n))
}

// ForAddr 某 IP 的统计
func (b *BandwidthCounter) ForAddr(addr netip.Addr) Stats {
	if b == nil {
		return Stats{}
	}
	b.mu.RLock()
	c := b.perIP[addr.Unmap()]
	b.mu.RUnlock()
	if c == nil {
		return Stats{}
	}
	return Stats{
		TotalIn:  c.in.Load(),
		TotalOut: c.out.Load(),
		RateIn:   c.inRate.Rate(),
		RateOut:  c.outRate.Rate(),
	}
}

// Totals 总收发字节
func (b *BandwidthCounter) Totals() (in, out int64) {
	if b == nil {
		return 0, 0
	}
	return b.totalIn.Load(), b.totalOut.Load()
}

// Prune 清除超过 idle 未活动的 IP
func (b *BandwidthCounter) Prune(idle time.Duration) int {
	if b == nil {
		return 0
	}
	cutoff := b.clock.Now().Add(-idle).UnixNano()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for addr, c := range b.perIP {
		if c.last.Load() < cutoff {
			delete(b.perIP, addr)
			n++
		}
	}
	return n
}
