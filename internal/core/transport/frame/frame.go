// Package frame 面向流的消息分帧
//
// 帧格式：uvarint(长度) || 负载。TCP 直接使用；WS 本身有消息边界，
// 只复用长度上限与错误定义。
package frame

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// MaxFrameSize 单帧负载上限
const MaxFrameSize = 65536

var (
	// ErrInvalidFraming 分帧错误（长度前缀非法或超过上限）
	ErrInvalidFraming = errors.New("frame: invalid framing")

	// ErrFrameTooLarge 待发送负载超过上限
	ErrFrameTooLarge = errors.New("frame: payload too large")
)

// Encode 编码一帧
func Encode(data []byte) ([]byte, error) {
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	n := uint64(len(data))
	buf := make([]byte, 0, varint.UvarintSize(n)+len(data))
	buf = append(buf, varint.ToUvarint(n)...)
	return append(buf, data...), nil
}

// Write 写出一帧
func Write(w io.Writer, data []byte) error {
	buf, err := Encode(data)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Read 读取一帧
//
// 对端正常关闭（帧边界处 EOF）返回 io.EOF；帧中途截断返回 io.ErrUnexpectedEOF。
func Read(r *bufio.Reader) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, varint.ErrOverflow) || errors.Is(err, varint.ErrNotMinimal) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFraming, err)
		}
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidFraming, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
