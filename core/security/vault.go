package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// EncPrefix 标记加密值的前缀，存储格式为 enc:<nonceHex>:<cipherHex>
const EncPrefix = "enc"

// MaskedMarker 加密值的展示占位符，不泄露任何明文信息
const MaskedMarker = "••••••••"

// ErrDecryption 解密失败的统一错误
// Deliberately carries no detail: key mismatch, truncation and tampering all
// surface identically so the error text aids no one.
var ErrDecryption = errors.New("credential decryption failed")

// selfTestPlaintext 启动自检用的固定字符串
const selfTestPlaintext = "ai-dispatch-vault-self-test"

// payload 是加密值的解析结果（nonce + 密文），解析一次，处处复用
type payload struct {
	nonce      []byte
	ciphertext []byte
}

// parsePayload 解析 enc:<nonceHex>:<cipherHex>；非加密格式返回 false
func parsePayload(value string) (*payload, bool) {
	if !IsEncrypted(value) {
		return nil, false
	}
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return nil, false
	}
	nonce, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, false
	}
	return &payload{nonce: nonce, ciphertext: ciphertext}, true
}

// IsEncrypted 判断值是否为加密格式（纯前缀检查）
// Values without the prefix are treated as legacy plaintext.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncPrefix+":")
}

// Vault 基于 AES-256-GCM 的凭证加解密
// The cipher key is derived once from the operator secret via SHA-256; the raw
// secret itself never touches the cipher.
type Vault struct {
	gcm cipher.AEAD
}

// NewVault 从操作员长期密钥派生对称密钥并构造 Vault
func NewVault(operatorSecret string) (*Vault, error) {
	if operatorSecret == "" {
		return nil, fmt.Errorf("vault: operator secret is empty")
	}

	key := sha256.Sum256([]byte(operatorSecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{gcm: gcm}, nil
}

// Encrypt 加密明文，每次调用使用新的随机 nonce
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}

	ciphertext := v.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%s:%s:%s", EncPrefix, hex.EncodeToString(nonce), hex.EncodeToString(ciphertext)), nil
}

// Decrypt 解密加密值；历史明文（无前缀）原样返回，支持渐进迁移
// Any structural or cryptographic failure returns the opaque ErrDecryption.
func (v *Vault) Decrypt(value string) (string, error) {
	p, ok := parsePayload(value)
	if !ok {
		if IsEncrypted(value) {
			// Prefixed but unparseable: corrupted, not legacy.
			return "", ErrDecryption
		}
		return value, nil
	}

	if len(p.nonce) != v.gcm.NonceSize() {
		return "", ErrDecryption
	}
	plaintext, err := v.gcm.Open(nil, p.nonce, p.ciphertext, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// Mask 生成展示安全的投影
// Encrypted values collapse to a fixed marker. Legacy plaintext keeps a
// recognizable key prefix and the last few characters so a human can tell
// keys apart without seeing them.
func (v *Vault) Mask(value string) string {
	if value == "" {
		return ""
	}
	if IsEncrypted(value) {
		return MaskedMarker
	}
	return maskPlaintext(value)
}

// maskPlaintext 脱敏历史明文，避免切片越界
func maskPlaintext(key string) string {
	if len(key) <= 8 {
		return "***"
	}

	prefix := ""
	if idx := strings.Index(key, "-"); idx > 0 && idx <= 8 {
		// Keep a key-style prefix like "sk-" for identification.
		prefix = key[:idx+1]
	}
	return prefix + "***" + key[len(key)-4:]
}

// MaskAll 批量生成脱敏投影
func (v *Vault) MaskAll(values map[string]string) map[string]string {
	masked := make(map[string]string, len(values))
	for k, val := range values {
		masked[k] = v.Mask(val)
	}
	return masked
}

// EncryptAll 批量补加密：仍为明文的值被重新加密，已加密的原样保留
// Returns the updated map and the keys that were migrated.
func (v *Vault) EncryptAll(values map[string]string) (map[string]string, []string, error) {
	out := make(map[string]string, len(values))
	var migrated []string
	for k, val := range values {
		if val == "" || IsEncrypted(val) {
			out[k] = val
			continue
		}
		enc, err := v.Encrypt(val)
		if err != nil {
			return nil, nil, err
		}
		out[k] = enc
		migrated = append(migrated, k)
	}
	return out, migrated, nil
}

// SelfTest 往返加解密固定字符串，供启动健康检查使用
func (v *Vault) SelfTest() error {
	enc, err := v.Encrypt(selfTestPlaintext)
	if err != nil {
		return fmt.Errorf("vault self-test: %w", err)
	}
	dec, err := v.Decrypt(enc)
	if err != nil {
		return fmt.Errorf("vault self-test: %w", err)
	}
	if dec != selfTestPlaintext {
		return fmt.Errorf("vault self-test: round-trip mismatch")
	}
	return nil
}
