// Package envelope 信封与回执的线格式
//
// 信封格式（大端）:
//
//	[magic "VLID"(4) | version(1) | crypto_kind(4) | timestamp_us(8) | nonce(24) |
//	 sender_id(32) | recipient_id(32) | encrypted_body(n) | signature(64)]
//
// 签名覆盖签名之前的全部字节。正文使用
// DH(recipient, sender_secret) 与网络密钥派生的共享密钥加密，头部作为附加数据。
//
// 回执格式:
//
//	[magic "RCPT"(4) | version(1) | crypto_kind(4) | nonce(24) | sender_id(32) |
//	 extra_data(n) | signature(64)]
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/types"
)

// 魔数
var (
	MagicEnvelope    = [4]byte{'V', 'L', 'I', 'D'}
	MagicReceipt     = [4]byte{'R', 'C', 'P', 'T'}
	MagicBootstrapV0 = [4]byte{'B', 'O', 'O', 'T'}
	MagicBootstrapV1 = [4]byte{'B', '0', '1', 'T'}
)

const (
	// Version0 当前信封版本
	Version0 uint8 = 0

	headerSize    = 4 + 1 + 4 + 8 + 24 + 32 + 32
	signatureSize = 64

	// MinEnvelopeSize 最短信封（空正文仍有 AEAD 标签）
	MinEnvelopeSize = headerSize + 16 + signatureSize

	// MaxEnvelopeSize 信封上限，与帧上限一致
	MaxEnvelopeSize = 65536
)

// SupportedVersions 支持的信封版本
var SupportedVersions = []uint8{Version0}

var (
	// ErrTooShort 数据过短
	ErrTooShort = errors.New("envelope: too short")

	// ErrTooLong 数据过长
	ErrTooLong = errors.New("envelope: too long")

	// ErrBadMagic 魔数不匹配
	ErrBadMagic = errors.New("envelope: bad magic")

	// ErrUnsupportedVersion 版本不支持
	ErrUnsupportedVersion = errors.New("envelope: unsupported version")

	// ErrSelfAddressed 发送者与接收者相同
	ErrSelfAddressed = errors.New("envelope: sender equals recipient")
)

// Magic 取前 4 字节，长度不足返回 false
func Magic(data []byte) ([4]byte, bool) {
	var m [4]byte
	if len(data) < 4 {
		return m, false
	}
	copy(m[:], data[:4])
	return m, true
}

// ============================================================================
//                              Envelope
// ============================================================================

// Envelope 已验证签名的信封头
type Envelope struct {
	Version     uint8
	CryptoKind  types.CryptoKind
	Timestamp   types.Timestamp
	Nonce       types.Nonce
	SenderID    types.NodeID
	RecipientID types.NodeID
}

// SenderTypedID 带类型的发送者 ID
func (e *Envelope) SenderTypedID() types.TypedKey {
	return types.NewTypedKey(e.CryptoKind, e.SenderID)
}

// RecipientTypedID 带类型的接收者 ID
func (e *Envelope) RecipientTypedID() types.TypedKey {
	return types.NewTypedKey(e.CryptoKind, e.RecipientID)
}

// String 文本
func (e *Envelope) String() string {
	return fmt.Sprintf("v%d %s->%s@%d", e.Version, e.SenderTypedID().ShortString(), e.RecipientTypedID().ShortString(), e.Timestamp)
}

func (e *Envelope) putHeader(buf []byte) {
	copy(buf[0:4], MagicEnvelope[:])
	buf[4] = e.Version
	copy(buf[5:9], e.CryptoKind[:])
	binary.BigEndian.PutUint64(buf[9:17], uint64(e.Timestamp))
	copy(buf[17:41], e.Nonce[:])
	copy(buf[41:73], e.SenderID[:])
	copy(buf[73:105], e.RecipientID[:])
}

func bodySecret(cs crypto.CryptoSystem, key types.PublicKey, secret types.SecretKey, networkKey []byte) (types.SharedSecret, error) {
	domain := append([]byte("overlay/envelope"), networkKey...)
	return cs.GenerateSharedSecret(key, secret, domain)
}

// Seal 加密正文并签名，返回完整信封
func Seal(cs crypto.CryptoSystem, e *Envelope, body []byte, senderSecret types.SecretKey, networkKey []byte) ([]byte, error) {
	if e.SenderID == e.RecipientID {
		return nil, ErrSelfAddressed
	}
	e.CryptoKind = cs.Kind()
	header := make([]byte, headerSize)
	e.putHeader(header)

	secret, err := bodySecret(cs, e.RecipientID, senderSecret, networkKey)
	if err != nil {
		return nil, err
	}
	enc, err := cs.EncryptAEAD(body, e.Nonce, secret, header)
	if err != nil {
		return nil, err
	}
	total := headerSize + len(enc) + signatureSize
	if total > MaxEnvelopeSize {
		return nil, ErrTooLong
	}

	out := make([]byte, 0, total)
	out = append(out, header...)
	out = append(out, enc...)
	sig, err := cs.Sign(e.SenderID, senderSecret, out)
	if err != nil {
		return nil, err
	}
	return append(out, sig[:]...), nil
}

// Open 解析并验证信封签名，不解密正文
func Open(reg *crypto.Registry, data []byte) (*Envelope, error) {
	if len(data) < MinEnvelopeSize {
		return nil, ErrTooShort
	}
	if len(data) > MaxEnvelopeSize {
		return nil, ErrTooLong
	}
	if [4]byte(data[0:4]) != MagicEnvelope {
		return nil, ErrBadMagic
	}
	e := &Envelope{Version: data[4]}
	if !versionSupported(e.Version) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.Version)
	}
	copy(e.CryptoKind[:], data[5:9])
	cs, ok := reg.Get(e.CryptoKind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", crypto.ErrUnsupportedKind, e.CryptoKind)
	}
	e.Timestamp = types.Timestamp(binary.BigEndian.Uint64(data[9:17]))
	copy(e.Nonce[:], data[17:41])
	copy(e.SenderID[:], data[41:73])
	copy(e.RecipientID[:], data[73:105])
	if e.SenderID == e.RecipientID {
		return nil, ErrSelfAddressed
	}

	signed := data[:len(data)-signatureSize]
	var sig types.Signature
	copy(sig[:], data[len(data)-signatureSize:])
	if err := cs.Verify(e.SenderID, signed, sig); err != nil {
		return nil, err
	}
	return e, nil
}

// DecryptBody 用接收者私钥解密正文
func DecryptBody(cs crypto.CryptoSystem, e *Envelope, data []byte, recipientSecret types.SecretKey, networkKey []byte) ([]byte, error) {
	if len(data) < MinEnvelopeSize {
		return nil, ErrTooShort
	}
	secret, err := bodySecret(cs, e.SenderID, recipientSecret, networkKey)
	if err != nil {
		return nil, err
	}
	header := data[:headerSize]
	enc := data[headerSize : len(data)-signatureSize]
	return cs.DecryptAEAD(enc, e.Nonce, secret, header)
}

func versionSupported(v uint8) bool {
	for _, x := range SupportedVersions {
		if x == v {
			return true
		}
	}
	return false
}
