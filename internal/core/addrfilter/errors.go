package addrfilter

import (
	"errors"
	"fmt"
	"net/netip"
)

// Reason 惩罚原因
type Reason uint8

const (
	// ReasonShortPacket 包长度不足 4 字节
	ReasonShortPacket Reason = iota
	// ReasonFailedToDecodeEnvelope 信封解码或验签失败
	ReasonFailedToDecodeEnvelope
	// ReasonFailedToDecryptEnvelopeBody 信封正文解密失败
	ReasonFailedToDecryptEnvelopeBody
	// ReasonInvalidFraming 流分帧错误
	ReasonInvalidFraming
	// ReasonFailedToDecodeOperation RPC 操作解码失败
	ReasonFailedToDecodeOperation
	// ReasonInvalidReceipt 回执无效
	ReasonInvalidReceipt
	// ReasonFailedToRegisterSender 发送方注册失败
	ReasonFailedToRegisterSender
)

// String 文本
func (r Reason) String() string {
	switch r {
	case ReasonShortPacket:
		return "ShortPacket"
	case ReasonFailedToDecodeEnvelope:
		return "FailedToDecodeEnvelope"
	case ReasonFailedToDecryptEnvelopeBody:
		return "FailedToDecryptEnvelopeBody"
	case ReasonInvalidFraming:
		return "InvalidFraming"
	case ReasonFailedToDecodeOperation:
		return "FailedToDecodeOperation"
	case ReasonInvalidReceipt:
		return "InvalidReceipt"
	case ReasonFailedToRegisterSender:
		return "FailedToRegisterSender"
	}
	return fmt.Sprintf("Reason(%d)", uint8(r))
}

// ErrorKind 准入失败类型
type ErrorKind uint8

const (
	// ErrorCountExceeded 连接数超限
	ErrorCountExceeded ErrorKind = iota
	// ErrorRateExceeded 连接频率超限
	ErrorRateExceeded
	// ErrorPunished IP 正在被惩罚
	ErrorPunished
)

var (
	// ErrCountExceeded 连接数超限
	ErrCountExceeded = errors.New("addrfilter: connection count exceeded")
	// ErrRateExceeded 连接频率超限
	ErrRateExceeded = errors.New("addrfilter: connection rate exceeded")
	// ErrPunished IP 被惩罚
	ErrPunished = errors.New("addrfilter: address is punished")
)

// Error 准入失败
type Error struct {
	Kind ErrorKind
	Addr netip.Addr
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s", e.Unwrap(), e.Addr)
}

// Unwrap 返回对应哨兵错误
func (e *Error) Unwrap() error {
	switch e.Kind {
	case ErrorRateExceeded:
		return ErrRateExceeded
	case ErrorPunished:
		return ErrPunished
	}
	return ErrCountExceeded
}
