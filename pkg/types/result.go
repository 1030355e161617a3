package types

import "fmt"

// NetworkResultKind 网络结果类型
type NetworkResultKind uint8

const (
	// ResultValue 成功
	ResultValue NetworkResultKind = iota
	// ResultTimeout 超时
	ResultTimeout
	// ResultNoConnection 无连接
	ResultNoConnection
	// ResultServiceUnavailable 服务不可用
	ResultServiceUnavailable
	// ResultAlreadyExists 已存在
	ResultAlreadyExists
	// ResultInvalidMessage 无效消息
	ResultInvalidMessage
)

// String 文本
func (k NetworkResultKind) String() string {
	switch k {
	case ResultValue:
		return "Value"
	case ResultTimeout:
		return "Timeout"
	case ResultNoConnection:
		return "NoConnection"
	case ResultServiceUnavailable:
		return "ServiceUnavailable"
	case ResultAlreadyExists:
		return "AlreadyExists"
	case ResultInvalidMessage:
		return "InvalidMessage"
	}
	return "Unknown"
}

// NetworkResult 携带非异常负面结果的返回值
//
// 只有 Kind == ResultValue 时 Value 有效；其余情况 Reason 给出原因。
type NetworkResult[T any] struct {
	Kind   NetworkResultKind
	Value  T
	Reason string
}

// Value 成功结果
func Value[T any](v T) NetworkResult[T] {
	return NetworkResult[T]{Kind: ResultValue, Value: v}
}

// Timeout 超时
func Timeout[T any]() NetworkResult[T] {
	return NetworkResult[T]{Kind: ResultTimeout, Reason: "timeout"}
}

// NoConnection 无连接
func NoConnection[T any](format string, args ...any) NetworkResult[T] {
	return NetworkResult[T]{Kind: ResultNoConnection, Reason: fmt.Sprintf(format, args...)}
}

// ServiceUnavailable 服务不可用
func ServiceUnavailable[T any](format string, args ...any) NetworkResult[T] {
	return NetworkResult[T]{Kind: ResultServiceUnavailable, Reason: fmt.Sprintf(format, args...)}
}

// AlreadyExists 已存在
func AlreadyExists[T any](format string, args ...any) NetworkResult[T] {
	return NetworkResult[T]{Kind: ResultAlreadyExists, Reason: fmt.Sprintf(format, args...)}
}

// InvalidMessage 无效消息
func InvalidMessage[T any](format string, args ...any) NetworkResult[T] {
	return NetworkResult[T]{Kind: ResultInvalidMessage, Reason: fmt.Sprintf(format, args...)}
}

// IsValue 是否成功
func (r NetworkResult[T]) IsValue() bool {
	return r.Kind == ResultValue
}

// IsTimeout 是否超时
func (r NetworkResult[T]) IsTimeout() bool {
	return r.Kind == ResultTimeout
}

// String 文本
func (r NetworkResult[T]) String() string {
	if r.Kind == ResultValue {
		return fmt.Sprintf("Value(%v)", r.Value)
	}
	return fmt.Sprintf("%s(%s)", r.Kind, r.Reason)
}

// MapResult 转换成功值类型，负面结果原样传递
func MapResult[T, U any](r NetworkResult[T], f func(T) U) NetworkResult[U] {
	if r.Kind == ResultValue {
		return Value(f(r.Value))
	}
	return NetworkResult[U]{Kind: r.Kind, Reason: r.Reason}
}

// CastResult 负面结果转为另一类型（调用方需确保 r 不是 Value）
func CastResult[U, T any](r NetworkResult[T]) NetworkResult[U] {
	return NetworkResult[U]{Kind: r.Kind, Reason: r.Reason}
}
