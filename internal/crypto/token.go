// Package crypto implements agent token generation and the challenge
// handshake primitives. Tokens are never stored; both sides derive the
// challenge key from the token with scrypt and the server keeps only the
// derived key and its salt.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	tokenBytes = 32
	saltBytes  = 16
	nonceBytes = 32

	// scrypt cost parameters. Interactive-grade: the handshake runs once
	// per connection, not per request.
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
	scryptLen = 32
)

// KDFName identifies the key derivation advertised in auth challenges.
const KDFName = "scrypt"

// NewToken returns a fresh agent token: 32 random bytes, hex encoded.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewSalt returns a fresh KDF salt.
func NewSalt() ([]byte, error) {
	b := make([]byte, saltBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return b, nil
}

// NewNonce returns a fresh challenge nonce.
func NewNonce() ([]byte, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return b, nil
}

// DeriveKey stretches a token into the challenge key. The server persists
// this value in place of the token; the agent recomputes it per handshake
// from the salt carried in the challenge.
func DeriveKey(token string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(token), salt, scryptN, scryptR, scryptP, scryptLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// ChallengeMAC computes the handshake proof over a nonce.
func ChallengeMAC(key, nonce []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(nonce)
	return m.Sum(nil)
}

// VerifyMAC checks a handshake proof in constant time.
func VerifyMAC(key, nonce, mac []byte) bool {
	return hmac.Equal(ChallengeMAC(key, nonce), mac)
}
