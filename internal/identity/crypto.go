package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// cipherBox encrypts an identity's persisted State at rest, AES-256-CBC
// keyed by a scrypt-derived key. Kept disabled (nil) when no encryption key
// is configured, so a Store with no key set writes plain JSON as before.
type cipherBox struct {
	key string

	mu     sync.RWMutex
	derived []byte
}

func newCipherBox(key string) *cipherBox {
	if key == "" {
		return nil
	}
	return &cipherBox{key: key}
}

func (c *cipherBox) deriveKey() ([]byte, error) {
	c.mu.RLock()
	if c.derived != nil {
		defer c.mu.RUnlock()
		return c.derived, nil
	}
	c.mu.RUnlock()

	derived, err := scrypt.Key([]byte(c.key), []byte("browser-fleet-adapter/identity"), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("identity: derive encryption key: %w", err)
	}
	c.mu.Lock()
	c.derived = derived
	c.mu.Unlock()
	return derived, nil
}

// encrypt returns "{iv_hex}:{ciphertext_hex}" for plaintext.
func (c *cipherBox) encrypt(plaintext []byte) (string, error) {
	key, err := c.deriveKey()
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("identity: aes cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("identity: rand iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

func (c *cipherBox) decrypt(encoded string) ([]byte, error) {
	key, err := c.deriveKey()
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(encoded, ":", 2)
	if len(parts) != 2 {
		return nil, errors.New("identity: encrypted state missing iv separator")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("identity: bad iv: %w", err)
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("identity: bad ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("identity: aes cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	pad := make([]byte, padding)
	for i := range pad {
		pad[i] = byte(padding)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("identity: empty ciphertext")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("identity: invalid padding %d", padding)
	}
	for i := len(data) - padding; i < len(data); i++ {
		if data[i] != byte(padding) {
			return nil, errors.New("identity: invalid padding bytes")
		}
	}
	return data[:len(data)-padding], nil
}
