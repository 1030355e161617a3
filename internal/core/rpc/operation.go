package rpc

import (
	"fmt"

	"github.com/dep2p/go-overlay/internal/core/network"
	"github.com/dep2p/go-overlay/pkg/lib/codec"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              Operation
// ============================================================================

// OperationKind 操作类别
type OperationKind uint8

const (
	// KindQuestion 提问
	KindQuestion OperationKind = iota + 1
	// KindStatement 语句，无回答
	KindStatement
	// KindAnswer 回答
	KindAnswer
)

// String 文本
func (k OperationKind) String() string {
	switch k {
	case KindQuestion:
		return "Question"
	case KindStatement:
		return "Statement"
	case KindAnswer:
		return "Answer"
	}
	return fmt.Sprintf("OperationKind(%d)", uint8(k))
}

// Operation 一次 RPC 操作
//
// Question、Statement、Answer 三者恰好设置一个，与 Kind 一致。
type Operation struct {
	OpID           uint64          `cbor:"1,keyasint"`
	SenderPeerInfo *types.PeerInfo `cbor:"2,keyasint,omitempty"`
	Kind           OperationKind   `cbor:"3,keyasint"`
	Question       *Question       `cbor:"4,keyasint,omitempty"`
	Statement      *Statement      `cbor:"5,keyasint,omitempty"`
	Answer         *Answer         `cbor:"6,keyasint,omitempty"`
}

// DecodeOperation 严格解码并检查结构
func DecodeOperation(data []byte) (*Operation, error) {
	var op Operation
	if err := codec.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return &op, nil
}

// Encode 编码
func (op *Operation) Encode() ([]byte, error) {
	return codec.Marshal(op)
}

// Validate 检查联合体只设置了一个成员
func (op *Operation) Validate() error {
	var name string
	switch op.Kind {
	case KindQuestion:
		if op.Question == nil || op.Statement != nil || op.Answer != nil {
			return fmt.Errorf("%w: question body mismatch", ErrInvalidOperation)
		}
		name = op.Question.Detail()
	case KindStatement:
		if op.Statement == nil || op.Question != nil || op.Answer != nil {
			return fmt.Errorf("%w: statement body mismatch", ErrInvalidOperation)
		}
		name = op.Statement.Detail()
	case KindAnswer:
		if op.Answer == nil || op.Question != nil || op.Statement != nil {
			return fmt.Errorf("%w: answer body mismatch", ErrInvalidOperation)
		}
		name = op.Answer.Detail()
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidOperation, op.Kind)
	}
	if name == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidOperation, op.Kind)
	}
	if op.SenderPeerInfo != nil && !op.SenderPeerInfo.Validate() {
		return fmt.Errorf("%w: sender peer info", ErrInvalidOperation)
	}
	return nil
}

// Detail 日志与指标用的操作名
func (op *Operation) Detail() string {
	switch {
	case op.Question != nil:
		return op.Question.Detail()
	case op.Statement != nil:
		return op.Statement.Detail()
	case op.Answer != nil:
		return op.Answer.Detail()
	}
	return ""
}

// ============================================================================
//                              Question
// ============================================================================

// RespondTo 回答的去向，PrivateRoute 为空表示直接回给发送方
type RespondTo struct {
	PrivateRoute *PrivateRoute `cbor:"1,keyasint,omitempty"`
}

// Question 提问
type Question struct {
	RespondTo  RespondTo           `cbor:"1,keyasint"`
	Status     *StatusQuestion     `cbor:"2,keyasint,omitempty"`
	FindNode   *FindNodeQuestion   `cbor:"3,keyasint,omitempty"`
	GetValue   *GetValueQuestion   `cbor:"4,keyasint,omitempty"`
	SetValue   *SetValueQuestion   `cbor:"5,keyasint,omitempty"`
	WatchValue *WatchValueQuestion `cbor:"6,keyasint,omitempty"`
}

// Detail 操作名，成员数不为一时返回空
func (q *Question) Detail() string {
	n, name := 0, ""
	if q.Status != nil {
		n, name = n+1, "Status"
	}
	if q.FindNode != nil {
		n, name = n+1, "FindNode"
	}
	if q.GetValue != nil {
		n, name = n+1, "GetValue"
	}
	if q.SetValue != nil {
		n, name = n+1, "SetValue"
	}
	if q.WatchValue != nil {
		n, name = n+1, "WatchValue"
	}
	if n != 1 {
		return ""
	}
	return name
}

// StatusQuestion 探测对端状态并获得对端观察到的本节点地址
type StatusQuestion struct{}

// FindNodeQuestion 查找离 NodeID 最近的节点
type FindNodeQuestion struct {
	NodeID       types.TypedKey     `cbor:"1,keyasint"`
	Capabilities []types.Capability `cbor:"2,keyasint,omitempty"`
}

// GetValueQuestion 读取子键
type GetValueQuestion struct {
	Key            types.RecordKey   `cbor:"1,keyasint"`
	Subkey         types.ValueSubkey `cbor:"2,keyasint"`
	WantDescriptor bool              `cbor:"3,keyasint"`
}

// SetValueQuestion 写入子键
type SetValueQuestion struct {
	Key        types.RecordKey              `cbor:"1,keyasint"`
	Subkey     types.ValueSubkey            `cbor:"2,keyasint"`
	Value      types.SignedValueData        `cbor:"3,keyasint"`
	Descriptor *types.SignedValueDescriptor `cbor:"4,keyasint,omitempty"`
}

// WatchValueQuestion 监听子键变化，Count 为 0 表示取消
type WatchValueQuestion struct {
	Key        types.RecordKey           `cbor:"1,keyasint"`
	Subkeys    types.ValueSubkeyRangeSet `cbor:"2,keyasint,omitempty"`
	Expiration types.Timestamp           `cbor:"3,keyasint"`
	Count      uint32                    `cbor:"4,keyasint"`
	WatchID    uint64                    `cbor:"5,keyasint,omitempty"`
	Watcher    types.PublicKey           `cbor:"6,keyasint"`
}

// ============================================================================
//                              Answer
// ============================================================================

// Answer 回答
type Answer struct {
	Status     *StatusAnswer     `cbor:"1,keyasint,omitempty"`
	FindNode   *FindNodeAnswer   `cbor:"2,keyasint,omitempty"`
	GetValue   *GetValueAnswer   `cbor:"3,keyasint,omitempty"`
	SetValue   *SetValueAnswer   `cbor:"4,keyasint,omitempty"`
	WatchValue *WatchValueAnswer `cbor:"5,keyasint,omitempty"`
}

// Detail 操作名，成员数不为一时返回空
func (a *Answer) Detail() string {
	n, name := 0, ""
	if a.Status != nil {
		n, name = n+1, "Status"
	}
	if a.FindNode != nil {
		n, name = n+1, "FindNode"
	}
	if a.GetValue != nil {
		n, name = n+1, "GetValue"
	}
	if a.SetValue != nil {
		n, name = n+1, "SetValue"
	}
	if a.WatchValue != nil {
		n, name = n+1, "WatchValue"
	}
	if n != 1 {
		return ""
	}
	return name
}

// StatusAnswer 状态回答
type StatusAnswer struct {
	// Observed 对端看到的本节点地址，经路由时为空
	Observed *types.PeerAddress `cbor:"1,keyasint,omitempty"`
	// NodeInfoTS 对端当前节点信息时间戳
	NodeInfoTS types.Timestamp `cbor:"2,keyasint"`
}

// FindNodeAnswer 更近的节点
type FindNodeAnswer struct {
	Peers []*types.PeerInfo `cbor:"1,keyasint,omitempty"`
}

// GetValueAnswer 读取结果
type GetValueAnswer struct {
	Value      *types.SignedValueData       `cbor:"1,keyasint,omitempty"`
	Peers      []*types.PeerInfo            `cbor:"2,keyasint,omitempty"`
	Descriptor *types.SignedValueDescriptor `cbor:"3,keyasint,omitempty"`
}

// SetValueAnswer 写入结果，Set 为 false 时 Value 是对端已有的更新值
type SetValueAnswer struct {
	Set   bool                   `cbor:"1,keyasint"`
	Value *types.SignedValueData `cbor:"2,keyasint,omitempty"`
	Peers []*types.PeerInfo      `cbor:"3,keyasint,omitempty"`
}

// WatchValueAnswer 监听结果
type WatchValueAnswer struct {
	Accepted   bool              `cbor:"1,keyasint"`
	Expiration types.Timestamp   `cbor:"2,keyasint"`
	Peers      []*types.PeerInfo `cbor:"3,keyasint,omitempty"`
	WatchID    uint64            `cbor:"4,keyasint,omitempty"`
}

// ============================================================================
//                              Statement
// ============================================================================

// Statement 语句
type Statement struct {
	Signal        *network.SignalInfo     `cbor:"1,keyasint,omitempty"`
	ReturnReceipt *ReturnReceiptStatement `cbor:"2,keyasint,omitempty"`
	Route         *RouteStatement         `cbor:"3,keyasint,omitempty"`
	ValueChanged  *ValueChangedStatement  `cbor:"4,keyasint,omitempty"`
}

// Detail 操作名，成员数不为一时返回空
func (s *Statement) Detail() string {
	n, name := 0, ""
	if s.Signal != nil {
		n, name = n+1, "Signal"
	}
	if s.ReturnReceipt != nil {
		n, name = n+1, "ReturnReceipt"
	}
	if s.Route != nil {
		n, name = n+1, "Route"
	}
	if s.ValueChanged != nil {
		n, name = n+1, "ValueChanged"
	}
	if n != 1 {
		return ""
	}
	return name
}

// ReturnReceiptStatement 送回回执
type ReturnReceiptStatement struct {
	Receipt []byte `cbor:"1,keyasint"`
}

// RouteStatement 经安全路由传递的操作
type RouteStatement struct {
	SafetyRoute SafetyRoute     `cbor:"1,keyasint"`
	Operation   RoutedOperation `cbor:"2,keyasint"`
}

// ValueChangedStatement 监听的子键发生变化
type ValueChangedStatement struct {
	Key     types.RecordKey           `cbor:"1,keyasint"`
	Subkeys types.ValueSubkeyRangeSet `cbor:"2,keyasint,omitempty"`
	Count   uint32                    `cbor:"3,keyasint"`
	WatchID uint64                    `cbor:"4,keyasint"`
	Value   *types.SignedValueData    `cbor:"5,keyasint,omitempty"`
}
