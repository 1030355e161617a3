package fanout

import (
	"sort"

	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/types"
)

type queueNode struct {
	nr     routing.NodeRef
	id     types.CryptoKey
	status NodeStatus
}

// queue 按到坐标的距离排序的节点队列
type queue struct {
	cs         crypto.CryptoSystem
	kind       types.CryptoKind
	coordinate types.CryptoKey
	capacity   int

	nodes []*queueNode
	seen  map[types.CryptoKey]struct{}
}

func newQueue(cs crypto.CryptoSystem, coordinate types.TypedKey, capacity int) *queue {
	return &queue{
		cs:         cs,
		kind:       coordinate.Kind,
		coordinate: coordinate.Value,
		capacity:   capacity,
		seen:       make(map[types.CryptoKey]struct{}),
	}
}

// add 加入新节点，已见过或没有该加密系统 ID 的忽略
func (q *queue) add(nr routing.NodeRef) bool {
	id, ok := nr.NodeIDs().Get(q.kind)
	if !ok {
		return false
	}
	if _, dup := q.seen[id.Value]; dup {
		return false
	}
	q.seen[id.Value] = struct{}{}

	d := q.cs.Distance(q.coordinate, id.Value)
	i := sort.Search(len(q.nodes), func(i int) bool {
		return q.cs.Distance(q.coordinate, q.nodes[i].id).Compare(d) > 0
	})
	q.nodes = append(q.nodes, nil)
	copy(q.nodes[i+1:], q.nodes[i:])
	q.nodes[i] = &queueNode{nr: nr, id: id.Value, status: StatusQueued}
	q.trim()
	return true
}

// trim 超出容量时丢弃最远的待查节点
func (q *queue) trim() {
	for len(q.nodes) > q.capacity {
		i := len(q.nodes) - 1
		for i >= 0 && q.nodes[i].status != StatusQueued {
			i--
		}
		if i < 0 {
			return
		}
		q.nodes = append(q.nodes[:i], q.nodes[i+1:]...)
	}
}

// next 最近的待查节点
func (q *queue) next() *queueNode {
	for _, n := range q.nodes {
		if n.status == StatusQueued {
			return n
		}
	}
	return nil
}

func (q *queue) hasInProgress() bool {
	for _, n := range q.nodes {
		if n.status == StatusInProgress {
			return true
		}
	}
	return false
}

func (q *queue) remove(target *queueNode) {
	for i, n := range q.nodes {
		if n == target {
			q.nodes = append(q.nodes[:i], q.nodes[i+1:]...)
			return
		}
	}
}

// apply 按处置更新节点状态
func (q *queue) apply(n *queueNode, d Disposition) {
	switch d {
	case DispositionTimeout:
		n.status = StatusTimeout
	case DispositionInvalid:
		q.remove(n)
	case DispositionRejected:
		n.status = StatusRejected
	case DispositionStale:
		n.status = StatusStale
	case DispositionAccepted:
		n.status = StatusAccepted
	case DispositionAcceptedNewerRestart:
		for _, x := range q.nodes {
			if x.status == StatusAccepted {
				x.status = StatusQueued
			}
		}
		n.status = StatusAccepted
	case DispositionAcceptedNewer:
		for _, x := range q.nodes {
			if x.status == StatusAccepted {
				x.status = StatusStale
			}
		}
		n.status = StatusAccepted
	}
}

// result 从队列前端计算当前结果
func (q *queue) result(consensus int) Result {
	var r Result
	accepted := 0
	for _, n := range q.nodes {
		switch n.status {
		case StatusQueued, StatusInProgress:
			r.Kind = ResultIncomplete
			return r
		case StatusAccepted:
			accepted++
			r.ValueNodes = append(r.ValueNodes, n.nr)
			if accepted >= consensus {
				r.Kind = ResultConsensus
				return r
			}
		case StatusStale:
			r.ValueNodes = append(r.ValueNodes, n.nr)
		}
	}
	r.Kind = ResultExhausted
	return r
}

// statuses 调试用状态快照
func (q *queue) statuses() []NodeStatus {
	out := make([]NodeStatus, len(q.nodes))
	for i, n := range q.nodes {
		out[i] = n.status
	}
	return out
}
