package rpc

import (
	"fmt"

	"github.com/dep2p/go-overlay/pkg/lib/codec"
	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              路由结构
// ============================================================================

// 加密跳数据明文末尾的标记
const (
	hopTagRouteHop     byte = 0
	hopTagPrivateRoute byte = 1
)

// RouteHopData 加给某一跳的密文
type RouteHopData struct {
	Nonce types.Nonce `cbor:"1,keyasint"`
	Blob  []byte      `cbor:"2,keyasint"`
}

// RouteHop 一跳：节点与后续跳的密文
//
// NextHop 为空表示 Node 是路由的终点。
type RouteHop struct {
	Node     types.TypedKey  `cbor:"1,keyasint"`
	PeerInfo *types.PeerInfo `cbor:"2,keyasint,omitempty"`
	NextHop  *RouteHopData   `cbor:"3,keyasint,omitempty"`
}

// PrivateRoute 接收方发布的私有路由
//
// FirstHop 与 Data 至多设置一个；都为空时 HopCount 为 0，表示已到达终点。
type PrivateRoute struct {
	PublicKey types.TypedKey `cbor:"1,keyasint"`
	HopCount  uint8          `cbor:"2,keyasint"`
	FirstHop  *RouteHop      `cbor:"3,keyasint,omitempty"`
	Data      *RouteHopData  `cbor:"4,keyasint,omitempty"`
}

// IsEmpty 是否已到达终点
func (pr *PrivateRoute) IsEmpty() bool {
	return pr.FirstHop == nil && pr.Data == nil
}

// Validate 结构检查
func (pr *PrivateRoute) Validate(maxHops int) error {
	if pr.FirstHop != nil && pr.Data != nil {
		return fmt.Errorf("%w: private route has both first hop and data", ErrInvalidRoute)
	}
	if pr.IsEmpty() != (pr.HopCount == 0) {
		return fmt.Errorf("%w: private route hop count %d mismatch", ErrInvalidRoute, pr.HopCount)
	}
	if int(pr.HopCount) > maxHops+1 {
		return fmt.Errorf("%w: private route hop count %d too large", ErrInvalidRoute, pr.HopCount)
	}
	return nil
}

// popFirstHop 取出第一跳，返回该节点与剩余路由
func (pr *PrivateRoute) popFirstHop() (RouteHop, *PrivateRoute, error) {
	if pr.FirstHop == nil || pr.HopCount == 0 {
		return RouteHop{}, nil, fmt.Errorf("%w: no first hop", ErrInvalidRoute)
	}
	hop := *pr.FirstHop
	rest := &PrivateRoute{PublicKey: pr.PublicKey, HopCount: pr.HopCount - 1, Data: hop.NextHop}
	if rest.Data == nil && rest.HopCount != 0 {
		return RouteHop{}, nil, fmt.Errorf("%w: first hop without next hop", ErrInvalidRoute)
	}
	return hop, rest, nil
}

// String 日志文本
func (pr *PrivateRoute) String() string {
	return fmt.Sprintf("PR(%s hops=%d)", pr.PublicKey.ShortString(), pr.HopCount)
}

// SafetyRoute 发送方选择的安全路由
//
// HopCount 为 0 时 Private 已就绪；否则 Data 是给下一跳的密文。
type SafetyRoute struct {
	PublicKey types.TypedKey `cbor:"1,keyasint"`
	HopCount  uint8          `cbor:"2,keyasint"`
	Data      *RouteHopData  `cbor:"3,keyasint,omitempty"`
	Private   *PrivateRoute  `cbor:"4,keyasint,omitempty"`
}

// Validate 结构检查
func (sr *SafetyRoute) Validate(maxHops int) error {
	if (sr.Data == nil) == (sr.Private == nil) {
		return fmt.Errorf("%w: safety route needs exactly one of data or private", ErrInvalidRoute)
	}
	if (sr.HopCount == 0) != (sr.Private != nil) {
		return fmt.Errorf("%w: safety route hop count %d mismatch", ErrInvalidRoute, sr.HopCount)
	}
	if int(sr.HopCount) > maxHops {
		return fmt.Errorf("%w: safety route hop count %d too large", ErrInvalidRoute, sr.HopCount)
	}
	if sr.Private != nil {
		return sr.Private.Validate(maxHops)
	}
	return nil
}

// RoutedOperation 经路由传递的加密操作
//
// Signatures 由私有路由上的每一跳对 Data 签名追加。
type RoutedOperation struct {
	Sequencing types.Sequencing  `cbor:"1,keyasint"`
	Signatures []types.Signature `cbor:"2,keyasint,omitempty"`
	Nonce      types.Nonce       `cbor:"3,keyasint"`
	Data       []byte            `cbor:"4,keyasint"`
}

// ============================================================================
//                              跳数据加解密
// ============================================================================

var routeHopDomain = []byte("route-hop")

// encryptHop 用 DH(hop, secret) 加密带标记的明文
func encryptHop(cs crypto.CryptoSystem, hop types.PublicKey, secret types.SecretKey, tag byte, v any) (*RouteHopData, error) {
	plain, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	plain = append(plain, tag)
	shared, err := cs.GenerateSharedSecret(hop, secret, routeHopDomain)
	if err != nil {
		return nil, err
	}
	nonce := cs.RandomNonce()
	blob, err := cs.EncryptAEAD(plain, nonce, shared, nil)
	if err != nil {
		return nil, err
	}
	return &RouteHopData{Nonce: nonce, Blob: blob}, nil
}

// decryptHop 解密跳数据，返回标记与 CBOR 明文
func decryptHop(cs crypto.CryptoSystem, data *RouteHopData, key types.PublicKey, secret types.SecretKey) (byte, []byte, error) {
	shared, err := cs.GenerateSharedSecret(key, secret, routeHopDomain)
	if err != nil {
		return 0, nil, err
	}
	plain, err := cs.DecryptAEAD(data.Blob, data.Nonce, shared, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidRoute, err)
	}
	if len(plain) == 0 {
		return 0, nil, fmt.Errorf("%w: empty hop data", ErrInvalidRoute)
	}
	return plain[len(plain)-1], plain[:len(plain)-1], nil
}

var routedOperationDomain = []byte("routed-operation")

// sealOperation 用 DH(routeKey, secret) 加密操作正文
func sealOperation(cs crypto.CryptoSystem, routeKey types.PublicKey, secret types.SecretKey, seq types.Sequencing, body []byte) (RoutedOperation, error) {
	shared, err := cs.GenerateSharedSecret(routeKey, secret, routedOperationDomain)
	if err != nil {
		return RoutedOperation{}, err
	}
	nonce := cs.RandomNonce()
	data, err := cs.EncryptAEAD(body, nonce, shared, nil)
	if err != nil {
		return RoutedOperation{}, err
	}
	return RoutedOperation{Sequencing: seq, Nonce: nonce, Data: data}, nil
}

// openOperation 解密操作正文
func openOperation(cs crypto.CryptoSystem, op *RoutedOperation, key types.PublicKey, secret types.SecretKey) ([]byte, error) {
	shared, err := cs.GenerateSharedSecret(key, secret, routedOperationDomain)
	if err != nil {
		return nil, err
	}
	body, err := cs.DecryptAEAD(op.Data, op.Nonce, shared, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoute, err)
	}
	return body, nil
}
