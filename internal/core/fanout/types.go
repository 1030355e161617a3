package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              调用结果
// ============================================================================

// Disposition 单个节点调用的处置
type Disposition uint8

const (
	// DispositionTimeout 调用超时
	DispositionTimeout Disposition = iota
	// DispositionInvalid 回复无效，当作从未见过该节点
	DispositionInvalid
	// DispositionRejected 节点拒绝
	DispositionRejected
	// DispositionStale 节点持有旧值，计入值节点但不计入共识
	DispositionStale
	// DispositionAccepted 节点接受
	DispositionAccepted
	// DispositionAcceptedNewerRestart 节点给出更新的值，之前接受的节点重新排队
	DispositionAcceptedNewerRestart
	// DispositionAcceptedNewer 节点给出更新的值，之前接受的节点变为过期
	DispositionAcceptedNewer
)

// String 文本
func (d Disposition) String() string {
	switch d {
	case DispositionTimeout:
		return "Timeout"
	case DispositionInvalid:
		return "Invalid"
	case DispositionRejected:
		return "Rejected"
	case DispositionStale:
		return "Stale"
	case DispositionAccepted:
		return "Accepted"
	case DispositionAcceptedNewerRestart:
		return "AcceptedNewerRestart"
	case DispositionAcceptedNewer:
		return "AcceptedNewer"
	}
	return fmt.Sprintf("Disposition(%d)", uint8(d))
}

// NodeStatus 队列中节点的状态
type NodeStatus uint8

const (
	// StatusQueued 等待调用
	StatusQueued NodeStatus = iota
	// StatusInProgress 调用中
	StatusInProgress
	// StatusTimeout 超时
	StatusTimeout
	// StatusRejected 拒绝
	StatusRejected
	// StatusStale 旧值
	StatusStale
	// StatusAccepted 接受
	StatusAccepted
)

// String 文本
func (s NodeStatus) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusInProgress:
		return "InProgress"
	case StatusTimeout:
		return "Timeout"
	case StatusRejected:
		return "Rejected"
	case StatusStale:
		return "Stale"
	case StatusAccepted:
		return "Accepted"
	}
	return fmt.Sprintf("NodeStatus(%d)", uint8(s))
}

// CallOutput 调用的输出
type CallOutput struct {
	// PeerInfos 节点返回的更近节点
	PeerInfos []*types.PeerInfo

	Disposition Disposition
}

// ============================================================================
//                              运行结果
// ============================================================================

// ResultKind 运行结果类型
type ResultKind uint8

const (
	// ResultIncomplete 尚未完成
	ResultIncomplete ResultKind = iota
	// ResultTimeout 到达截止时间
	ResultTimeout
	// ResultConsensus 队列前端达到共识
	ResultConsensus
	// ResultExhausted 队列耗尽，接受数不足
	ResultExhausted
)

// String 文本
func (k ResultKind) String() string {
	switch k {
	case ResultIncomplete:
		return "Incomplete"
	case ResultTimeout:
		return "Timeout"
	case ResultConsensus:
		return "Consensus"
	case ResultExhausted:
		return "Exhausted"
	}
	return fmt.Sprintf("ResultKind(%d)", uint8(k))
}

// Result 运行结果
type Result struct {
	Kind ResultKind

	// ValueNodes 按距离排序的接受与过期节点
	ValueNodes []routing.NodeRef
}

// IsDone 是否为终止结果
func (r Result) IsDone() bool {
	return r.Kind != ResultIncomplete
}

// ============================================================================
//                              调用参数
// ============================================================================

// CallRoutine 对单个节点发起调用
//
// 网络层的失败应映射为处置；返回错误会中止整个运行。
type CallRoutine func(ctx context.Context, nr routing.NodeRef) (CallOutput, error)

// CheckDone 每次状态更新后调用，返回 true 提前结束
type CheckDone func(r Result) bool

// Call 一次扇出运行的参数
type Call struct {
	// Coordinate 距离中心
	Coordinate types.TypedKey

	// NodeCount 队列容量，也是从路由表取出的节点数
	NodeCount int

	// Tasks 并发调用数
	Tasks int

	// ConsensusCount 共识所需的接受节点数
	ConsensusCount int

	// Timeout 整体超时
	Timeout time.Duration

	// Filter 节点过滤，nil 表示不过滤
	Filter func(routing.NodeRef) bool

	// Seeds 额外的起始节点，例如已知的值持有者
	Seeds []routing.NodeRef

	Routine   CallRoutine
	CheckDone CheckDone
}
