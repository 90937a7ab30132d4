package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// aead is the process-wide AES-256-GCM instance used by EncryptedString.
// It must be initialized once at startup via InitEncryption before any
// database operation involving encrypted fields.
var aead cipher.AEAD

// ErrDecrypt is returned when a stored value cannot be decrypted, usually
// because the configured key differs from the one that encrypted it. The
// message is deliberately generic; it must not hint at key or plaintext
// properties.
var ErrDecrypt = errors.New("db: failed to decrypt value")

// InitEncryption builds the AEAD used to encrypt and decrypt sensitive
// fields at rest. key must be exactly 32 bytes (AES-256). The key itself is
// never logged and never leaves this package.
func InitEncryption(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("db: encryption key must be exactly 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("db: failed to create AES cipher: %w", err)
	}
	aead, err = cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("db: failed to create GCM: %w", err)
	}
	return nil
}

// EncryptedString is a string transparently encrypted with AES-256-GCM
// before being written to the database and decrypted after being read. Use
// it for every secret column (credential material, tokens).
//
// The stored form is base64(nonce + ciphertext). An empty value is stored
// as an empty string without encryption.
type EncryptedString string

// Value implements driver.Valuer; GORM calls it before every write.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	if aead == nil {
		return nil, errors.New("db: encryption not initialized, call db.InitEncryption first")
	}

	// GCM security requires a unique nonce per encryption under one key.
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("db: failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(e), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Scan implements sql.Scanner; GORM calls it after every read.
func (e *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*e = ""
		return nil
	}

	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("db: EncryptedString.Scan: expected string, got %T", value)
	}
	if str == "" {
		*e = ""
		return nil
	}
	if aead == nil {
		return errors.New("db: encryption not initialized, call db.InitEncryption first")
	}

	data, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("db: failed to decode encrypted value: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return errors.New("db: encrypted value too short to contain nonce")
	}

	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrDecrypt
	}

	*e = EncryptedString(plain)
	return nil
}
