package llm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	keyLength = 32
	nonceSize = 12
)

// keySalt is the fixed derivation label for passphrase keys. Provider
// secrets are single-tenant; rotating the passphrase re-encrypts all rows.
var keySalt = []byte("cortexflow.provider-secrets.v1")

var (
	ErrNoSecretKey       = errors.New("no secret key configured")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// Encryptor seals provider API keys with AES-256-GCM.
type Encryptor struct {
	key []byte
}

// NewEncryptor accepts either a 64-char hex key or an arbitrary passphrase,
// which is stretched with Argon2id.
func NewEncryptor(secret string) (*Encryptor, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrNoSecretKey
	}
	if raw, err := hex.DecodeString(secret); err == nil && len(raw) == keyLength {
		return &Encryptor{key: raw}, nil
	}
	key := argon2.IDKey([]byte(secret), keySalt, 3, 64*1024, 4, keyLength)
	return &Encryptor{key: key}, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(sealed) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}
	plain, err := gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}

// MaskSecret renders an API key for admin-readable surfaces: first four and
// last four characters retained, middle replaced.
func MaskSecret(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
