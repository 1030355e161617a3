package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"

	"github.com/dep2p/go-overlay/pkg/types"
)

// vld0 VLD0 加密系统
type vld0 struct {
	rand io.Reader
}

var _ CryptoSystem = (*vld0)(nil)

// NewVLD0 创建 VLD0 加密系统
func NewVLD0() CryptoSystem {
	return &vld0{rand: rand.Reader}
}

// NewVLD0WithRand 使用指定随机源（测试用）
func NewVLD0WithRand(r io.Reader) CryptoSystem {
	return &vld0{rand: r}
}

func (v *vld0) Kind() types.CryptoKind {
	return types.CryptoKindVLD0
}

func (v *vld0) GenerateKeyPair() (types.KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(v.rand)
	if err != nil {
		return types.KeyPair{}, err
	}
	var kp types.KeyPair
	copy(kp.Key[:], pub)
	copy(kp.Secret[:], priv.Seed())
	return kp, nil
}

func (v *vld0) ValidateKeyPair(key types.PublicKey, secret types.SecretKey) bool {
	priv := ed25519.NewKeyFromSeed(secret[:])
	pub := priv.Public().(ed25519.PublicKey)
	return types.CryptoKey(pub) == key
}

func (v *vld0) ComputeDH(key types.PublicKey, secret types.SecretKey) (types.SharedSecret, error) {
	var out types.SharedSecret

	p, err := new(edwards25519.Point).SetBytes(key[:])
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	xpub := p.BytesMontgomery()

	h := sha512.Sum512(secret[:])
	scalar := h[:32]
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64

	dh, err := curve25519.X25519(scalar, xpub)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	copy(out[:], dh)
	return out, nil
}

func (v *vld0) GenerateSharedSecret(key types.PublicKey, secret types.SecretKey, domain []byte) (types.SharedSecret, error) {
	dh, err := v.ComputeDH(key, secret)
	if err != nil {
		return types.SharedSecret{}, err
	}
	h := blake3.New(32, dh[:])
	_, _ = h.Write(domain)
	var out types.SharedSecret
	copy(out[:], h.Sum(nil))
	return out, nil
}

func (v *vld0) EncryptAEAD(body []byte, nonce types.Nonce, secret types.SharedSecret, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(secret[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], body, ad), nil
}

func (v *vld0) DecryptAEAD(body []byte, nonce types.Nonce, secret types.SharedSecret, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(secret[:])
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, nonce[:], body, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

func (v *vld0) Sign(key types.PublicKey, secret types.SecretKey, data []byte) (types.Signature, error) {
	var sig types.Signature
	priv := ed25519.NewKeyFromSeed(secret[:])
	if types.CryptoKey(priv.Public().(ed25519.PublicKey)) != key {
		return sig, ErrInvalidSecretKey
	}
	copy(sig[:], ed25519.Sign(priv, data))
	return sig, nil
}

func (v *vld0) Verify(key types.PublicKey, data []byte, sig types.Signature) error {
	if !ed25519.Verify(key[:], data, sig[:]) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *vld0) GenerateHash(data []byte) types.HashDigest {
	return blake3.Sum256(data)
}

func (v *vld0) Distance(a, b types.CryptoKey) types.CryptoKey {
	var out types.CryptoKey
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func (v *vld0) RandomNonce() types.Nonce {
	var n types.Nonce
	if _, err := io.ReadFull(v.rand, n[:]); err != nil {
		panic(fmt.Sprintf("随机源不可用: %v", err))
	}
	return n
}

func (v *vld0) RandomSharedSecret() types.SharedSecret {
	var s types.SharedSecret
	if _, err := io.ReadFull(v.rand, s[:]); err != nil {
		panic(fmt.Sprintf("随机源不可用: %v", err))
	}
	return s
}
