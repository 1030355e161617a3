package crypto

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              密钥文件格式
// ============================================================================

// 密钥文件格式：
//
//   ┌────────────────────────────────────────────────────────────┐
//   │  Magic:     "OVLY-KEY"  (8 bytes)                          │
//   │  Version:   uint8                                           │
//   │  Kind:      4 bytes (CryptoKind)                           │
//   │  Encrypted: uint8 (0=否, 1=是)                              │
//   │  Data:      公钥(32) || 私钥(32)，或其加密形式              │
//   └────────────────────────────────────────────────────────────┘
//
//   加密数据：Salt(16) || Nonce(24) || XChaCha20-Poly1305 密文

const (
	keyFileMagic   = "OVLY-KEY"
	keyFileVersion = 1

	saltSize = 16

	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

// Keystore 节点密钥对存储
type Keystore interface {
	Has(id string) (bool, error)
	Put(id string, kp types.TypedKeyPair) error
	Get(id string) (types.TypedKeyPair, error)
	Delete(id string) error
	List() ([]string, error)
}

// ============================================================================
//                              文件系统密钥存储
// ============================================================================

// FSKeystore 基于文件系统的密钥存储
type FSKeystore struct {
	dir      string
	password []byte
}

var _ Keystore = (*FSKeystore)(nil)

// NewFSKeystore 创建文件系统密钥存储，password 为空则明文保存
func NewFSKeystore(dir string, password []byte) (*FSKeystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FSKeystore{dir: dir, password: password}, nil
}

// Has 检查是否存在
func (ks *FSKeystore) Has(id string) (bool, error) {
	_, err := os.Stat(ks.keyPath(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Put 保存密钥对，已存在时返回 ErrKeyExists
func (ks *FSKeystore) Put(id string, kp types.TypedKeyPair) error {
	exists, err := ks.Has(id)
	if err != nil {
		return err
	}
	if exists {
		return ErrKeyExists
	}
	data, err := ks.encode(kp)
	if err != nil {
		return err
	}
	return os.WriteFile(ks.keyPath(id), data, 0600)
}

// Get 读取密钥对
func (ks *FSKeystore) Get(id string) (types.TypedKeyPair, error) {
	data, err := os.ReadFile(ks.keyPath(id))
	if os.IsNotExist(err) {
		return types.TypedKeyPair{}, ErrKeyNotFound
	}
	if err != nil {
		return types.TypedKeyPair{}, err
	}
	return ks.decode(data)
}

// Delete 删除
func (ks *FSKeystore) Delete(id string) error {
	err := os.Remove(ks.keyPath(id))
	if os.IsNotExist(err) {
		return ErrKeyNotFound
	}
	return err
}

// List 列出所有 ID
func (ks *FSKeystore) List() ([]string, error) {
	entries, err := os.ReadDir(ks.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".key" {
			ids = append(ids, strings.TrimSuffix(e.Name(), ".key"))
		}
	}
	return ids, nil
}

func (ks *FSKeystore) keyPath(id string) string {
	return filepath.Join(ks.dir, id+".key")
}

func (ks *FSKeystore) encode(kp types.TypedKeyPair) ([]byte, error) {
	raw := make([]byte, 0, 2*types.CryptoKeyLength)
	raw = append(raw, kp.Key[:]...)
	raw = append(raw, kp.Secret[:]...)

	var buf bytes.Buffer
	buf.WriteString(keyFileMagic)
	buf.WriteByte(keyFileVersion)
	buf.Write(kp.Kind[:])

	if len(ks.password) == 0 {
		buf.WriteByte(0)
		buf.Write(raw)
		return buf.Bytes(), nil
	}

	buf.WriteByte(1)
	enc, err := sealWithPassword(raw, ks.password)
	if err != nil {
		return nil, err
	}
	buf.Write(enc)
	return buf.Bytes(), nil
}

func (ks *FSKeystore) decode(data []byte) (types.TypedKeyPair, error) {
	var kp types.TypedKeyPair
	hdr := len(keyFileMagic) + 1 + 4 + 1
	if len(data) < hdr || string(data[:len(keyFileMagic)]) != keyFileMagic {
		return kp, ErrInvalidKeyFile
	}
	off := len(keyFileMagic)
	if v := data[off]; v != keyFileVersion {
		return kp, fmt.Errorf("%w: unsupported version %d", ErrInvalidKeyFile, v)
	}
	off++
	copy(kp.Kind[:], data[off:off+4])
	off += 4
	encrypted := data[off] == 1
	off++

	raw := data[off:]
	if encrypted {
		if len(ks.password) == 0 {
			return kp, ErrInvalidPassword
		}
		var err error
		if raw, err = openWithPassword(raw, ks.password); err != nil {
			return kp, err
		}
	}
	if len(raw) != 2*types.CryptoKeyLength {
		return kp, ErrInvalidKeyFile
	}
	copy(kp.Key[:], raw[:types.CryptoKeyLength])
	copy(kp.Secret[:], raw[types.CryptoKeyLength:])
	return kp, nil
}

func sealWithPassword(plaintext, password []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey(password, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

func openWithPassword(data, password []byte) ([]byte, error) {
	if len(data) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, ErrDecryptionFailed
	}
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	ct := data[saltSize+chacha20poly1305.NonceSizeX:]

	key := argon2.IDKey(password, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrInvalidPassword
	}
	return out, nil
}

// LoadOrCreate 读取密钥对，不存在时用 cs 生成并保存
func LoadOrCreate(ks Keystore, id string, cs CryptoSystem) (types.TypedKeyPair, error) {
	kp, err := ks.Get(id)
	if err == nil {
		if kp.Kind != cs.Kind() || !cs.ValidateKeyPair(kp.Key, kp.Secret) {
			return kp, ErrInvalidKeyFile
		}
		return kp, nil
	}
	if err != ErrKeyNotFound {
		return kp, err
	}
	pair, err := cs.GenerateKeyPair()
	if err != nil {
		return kp, err
	}
	kp = types.TypedKeyPair{Kind: cs.Kind(), Key: pair.Key, Secret: pair.Secret}
	if err := ks.Put(id, kp); err != nil {
		return kp, err
	}
	return kp, nil
}

// ============================================================================
//                              内存密钥存储
// ============================================================================

// MemKeystore 内存密钥存储（测试用）
type MemKeystore struct {
	keys map[string]types.TypedKeyPair
}

var _ Keystore = (*MemKeystore)(nil)

// NewMemKeystore 创建内存密钥存储
func NewMemKeystore() *MemKeystore {
	return &MemKeystore{keys: make(map[string]types.TypedKeyPair)}
}

// Has 检查是否存在
func (ks *MemKeystore) Has(id string) (bool, error) {
	_, ok := ks.keys[id]
	return ok, nil
}

// Put 保存
func (ks *MemKeystore) Put(id string, kp types.TypedKeyPair) error {
	if _, ok := ks.keys[id]; ok {
		return ErrKeyExists
	}
	ks.keys[id] = kp
	return nil
}

// Get 读取
func (ks *MemKeystore) Get(id string) (types.TypedKeyPair, error) {
	kp, ok := ks.keys[id]
	if !ok {
		return kp, ErrKeyNotFound
	}
	return kp, nil
}

// Delete 删除
func (ks *MemKeystore) Delete(id string) error {
	if _, ok := ks.keys[id]; !ok {
		return ErrKeyNotFound
	}
	delete(ks.keys, id)
	return nil
}

// List 列出所有 ID
func (ks *MemKeystore) List() ([]string, error) {
	ids := make([]string, 0, len(ks.keys))
	for id := range ks.keys {
		ids = append(ids, id)
	}
	return ids, nil
}
