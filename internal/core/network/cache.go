package network

import (
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              缓存键
// ============================================================================

// contactKey 联系方式缓存键
//
// 任一方节点信息更新、过滤器或顺序偏好变化、拨号信息失败记录变化都会得到新键。
type contactKey struct {
	nodeIDs    string
	domain     types.RoutingDomain
	ownTS      types.Timestamp
	targetTS   types.Timestamp
	filter     types.DialInfoFilter
	sequencing types.Sequencing
	failures   string
}

// failureSignature 拨号信息失败时间的拼接
func failureSignature(details []types.DialInfoDetail, failedTS func(types.DialInfo) (types.Timestamp, bool)) string {
	var b strings.Builder
	for _, d := range details {
		if ts, ok := failedTS(d.DialInfo); ok {
			b.WriteString(d.DialInfo.String())
			b.WriteByte('@')
			b.WriteString(ts.Time().UTC().Format("20060102150405.000000"))
			b.WriteByte(';')
		}
	}
	return b.String()
}

// ============================================================================
//                              contactCache
// ============================================================================

// KindStats 单种联系方式的成功/失败计数
type KindStats struct {
	Success uint64
	Failure uint64
}

// contactCache 联系方式缓存
//
// 按插入顺序淘汰，查询不刷新位置。
type contactCache struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[contactKey, routing.ContactMethod]
	stats   map[routing.ContactMethodKind]*KindStats
	metrics *metrics.Metrics
}

func newContactCache(size int, m *metrics.Metrics) (*contactCache, error) {
	lru, err := simplelru.NewLRU[contactKey, routing.ContactMethod](size, nil)
	if err != nil {
		return nil, err
	}
	return &contactCache{
		lru:     lru,
		stats:   make(map[routing.ContactMethodKind]*KindStats),
		metrics: m,
	}, nil
}

// get 查询缓存
func (c *contactCache) get(key contactKey) (routing.ContactMethod, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(key)
}

// success 记录成功并缓存
//
// Unreachable 只是碰巧有可用 Flow，不缓存。
func (c *contactCache) success(key contactKey, cm routing.ContactMethod) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statsLocked(cm.Kind).Success++
	if cm.Kind != routing.ContactUnreachable {
		c.lru.Add(key, cm)
	}
	c.metrics.ContactMethod(cm.Kind.String(), true)
}

// failure 记录失败并移除缓存
func (c *contactCache) failure(key contactKey, cm routing.ContactMethod) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statsLocked(cm.Kind).Failure++
	if cur, ok := c.lru.Peek(key); ok && cur == cm {
		c.lru.Remove(key)
	}
	c.metrics.ContactMethod(cm.Kind.String(), false)
}

func (c *contactCache) statsLocked(k routing.ContactMethodKind) *KindStats {
	s, ok := c.stats[k]
	if !ok {
		s = &KindStats{}
		c.stats[k] = s
	}
	return s
}

// snapshot 计数快照
func (c *contactCache) snapshot() map[routing.ContactMethodKind]KindStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[routing.ContactMethodKind]KindStats, len(c.stats))
	for k, s := range c.stats {
		out[k] = *s
	}
	return out
}

func (c *contactCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
