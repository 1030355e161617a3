package overlay

import (
	"errors"

	"github.com/dep2p/go-overlay/internal/dht"
)

// 公共错误定义
var (
	// ErrNotStarted 节点未启动
	ErrNotStarted = errors.New("overlay: node not started")

	// ErrAlreadyStarted 节点已启动
	ErrAlreadyStarted = errors.New("overlay: node already started")

	// ErrNodeClosed 节点已关闭
	ErrNodeClosed = errors.New("overlay: node closed")
)

// DHT 错误，可用 errors.Is 判断
var (
	ErrRecordExists   = dht.ErrRecordExists
	ErrRecordNotFound = dht.ErrRecordNotFound
	ErrRecordNotOpen  = dht.ErrRecordNotOpen
	ErrReadOnly       = dht.ErrReadOnly
	ErrInvalidWriter  = dht.ErrInvalidWriter
)
