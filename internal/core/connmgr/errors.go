package connmgr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStarted 连接管理器未启动
	ErrNotStarted = errors.New("connmgr: not started")

	// ErrConnectionClosed 连接已关闭
	ErrConnectionClosed = errors.New("connmgr: connection closed")

	// ErrAlreadyExists 同一 Flow 已有连接
	ErrAlreadyExists = errors.New("connmgr: connection already exists")

	// ErrTableFull 分区已满且无可淘汰连接
	ErrTableFull = errors.New("connmgr: connection table full")

	// ErrAddressFiltered 地址过滤器拒绝
	ErrAddressFiltered = errors.New("connmgr: address filter rejected connection")

	// ErrProtocolNotStored 协议不进入连接表（UDP）
	ErrProtocolNotStored = errors.New("connmgr: protocol is not connection oriented")

	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("connmgr: invalid config")
)

// AddErrorKind 添加失败类型
type AddErrorKind uint8

const (
	// AddAlreadyExists Flow 已存在
	AddAlreadyExists AddErrorKind = iota
	// AddAddressFilter 地址过滤器拒绝
	AddAddressFilter
	// AddTableFull 分区已满
	AddTableFull
)

// String 文本
func (k AddErrorKind) String() string {
	switch k {
	case AddAlreadyExists:
		return "AlreadyExists"
	case AddAddressFilter:
		return "AddressFilter"
	case AddTableFull:
		return "TableFull"
	}
	return fmt.Sprintf("AddErrorKind(%d)", uint8(k))
}

// AddError 连接添加失败，携带未能加入的连接
type AddError struct {
	Kind AddErrorKind
	Conn *NetworkConnection
	Err  error
}

func (e *AddError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connmgr: add connection %s: %s: %v", e.Conn, e.Kind, e.Err)
	}
	return fmt.Sprintf("connmgr: add connection %s: %s", e.Conn, e.Kind)
}

// Unwrap 返回对应哨兵错误
func (e *AddError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case AddAlreadyExists:
		sentinel = ErrAlreadyExists
	case AddAddressFilter:
		sentinel = ErrAddressFiltered
	default:
		sentinel = ErrTableFull
	}
	if e.Err != nil {
		return []error{sentinel, e.Err}
	}
	return []error{sentinel}
}
