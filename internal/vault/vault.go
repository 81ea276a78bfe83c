package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
)

// Vault seals store signing secrets at rest with AES-256-GCM under a key
// derived from the configured master key.
type Vault struct {
	masterKey []byte
}

type Config struct {
	MasterKey string
	Salt      string
}

func New(cfg Config) (*Vault, error) {
	if cfg.MasterKey == "" {
		return nil, errors.New("master key is required")
	}
	if len(cfg.Salt) < 8 {
		return nil, errors.New("salt must be at least 8 bytes")
	}
	return &Vault{masterKey: deriveKey(cfg.MasterKey, cfg.Salt, 32)}, nil
}

// Seal encrypts data with a random nonce prefix.
func (v *Vault) Seal(data []byte) ([]byte, error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, data, nil), nil
}

func (v *Vault) Open(data []byte) ([]byte, error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Fingerprint is the lookup hash stored next to a sealed secret.
func Fingerprint(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:])
}

func deriveKey(password, salt string, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), []byte(salt), 3, 32*1024, 4, keyLen)
}
