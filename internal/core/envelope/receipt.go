package envelope

import (
	"fmt"

	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/types"
)

const (
	receiptHeaderSize = 4 + 1 + 4 + 24 + 32

	// MinReceiptSize 无附加数据的回执长度
	MinReceiptSize = receiptHeaderSize + signatureSize

	// MaxExtraDataSize 回执附加数据上限
	MaxExtraDataSize = 1024
)

// Receipt 已验证签名的回执
type Receipt struct {
	Version    uint8
	CryptoKind types.CryptoKind
	Nonce      types.Nonce
	SenderID   types.NodeID
	ExtraData  []byte
}

// SenderTypedID 带类型的发送者 ID
func (r *Receipt) SenderTypedID() types.TypedKey {
	return types.NewTypedKey(r.CryptoKind, r.SenderID)
}

// SignReceipt 生成签名回执
func SignReceipt(cs crypto.CryptoSystem, r *Receipt, secret types.SecretKey) ([]byte, error) {
	if len(r.ExtraData) > MaxExtraDataSize {
		return nil, ErrTooLong
	}
	r.CryptoKind = cs.Kind()
	out := make([]byte, receiptHeaderSize, receiptHeaderSize+len(r.ExtraData)+signatureSize)
	copy(out[0:4], MagicReceipt[:])
	out[4] = r.Version
	copy(out[5:9], r.CryptoKind[:])
	copy(out[9:33], r.Nonce[:])
	copy(out[33:65], r.SenderID[:])
	out = append(out, r.ExtraData...)
	sig, err := cs.Sign(r.SenderID, secret, out)
	if err != nil {
		return nil, err
	}
	return append(out, sig[:]...), nil
}

// OpenReceipt 解析并验证回执
func OpenReceipt(reg *crypto.Registry, data []byte) (*Receipt, error) {
	if len(data) < MinReceiptSize {
		return nil, ErrTooShort
	}
	if len(data) > MinReceiptSize+MaxExtraDataSize {
		return nil, ErrTooLong
	}
	if [4]byte(data[0:4]) != MagicReceipt {
		return nil, ErrBadMagic
	}
	r := &Receipt{Version: data[4]}
	if !versionSupported(r.Version) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, r.Version)
	}
	copy(r.CryptoKind[:], data[5:9])
	cs, ok := reg.Get(r.CryptoKind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", crypto.ErrUnsupportedKind, r.CryptoKind)
	}
	copy(r.Nonce[:], data[9:33])
	copy(r.SenderID[:], data[33:65])

	signed := data[:len(data)-signatureSize]
	var sig types.Signature
	copy(sig[:], data[len(data)-signatureSize:])
	if err := cs.Verify(r.SenderID, signed, sig); err != nil {
		return nil, err
	}
	r.ExtraData = append([]byte(nil), data[receiptHeaderSize:len(data)-signatureSize]...)
	return r, nil
}
