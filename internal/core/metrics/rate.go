package metrics

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RateMeter 60 个 1 秒桶组成的滑动窗口
type RateMeter struct {
	clock clock.Clock

	mu       sync.Mutex
	buckets  [60]int64
	lastIdx  int
	lastTime time.Time
}

// NewRateMeter 创建速率计
func NewRateMeter(clk clock.Clock) *RateMeter {
	return &RateMeter{clock: clk, lastTime: clk.Now()}
}

func (r *RateMeter) advance(now time.Time) {
	elapsed := now.Sub(r.lastTime)
	if elapsed < time.Second {
		return
	}
	seconds := int(elapsed / time.Second)
	if seconds >= len(r.buckets) {
		r.buckets = [60]int64{}
		r.lastIdx = 0
	} else {
		for i := 0; i < seconds; i++ {
			r.lastIdx = (r.lastIdx + 1) % len(r.buckets)
			r.buckets[r.lastIdx] = 0
		}
	}
	r.lastTime = r.lastTime.Add(time.Duration(seconds) * time.Second)
}

// Add 记录字节
func (r *RateMeter) Add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance(r.clock.Now())
	r.buckets[r.lastIdx] += n
}

// Total 窗口内总字节
func (r *RateMeter) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance(r.clock.Now())
	var total int64
	for _, v := range r.buckets {
		total += v
	}
	return total
}

// Rate 每秒平均字节
func (r *RateMeter) Rate() float64 {
	return float64(r.Total()) / float64(len(r.buckets))
}
