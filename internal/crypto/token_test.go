package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToken(t *testing.T) {
	a, err := NewToken()
	require.NoError(t, err)
	b, err := NewToken()
	require.NoError(t, err)

	assert.Len(t, a, 64) // 32 bytes, hex
	assert.NotEqual(t, a, b)

	_, err = hex.DecodeString(a)
	require.NoError(t, err)
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	k1, err := DeriveKey("token-a", salt)
	require.NoError(t, err)
	k2, err := DeriveKey("token-a", salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
}

func TestDeriveKeyVariesWithInputs(t *testing.T) {
	salt1, err := NewSalt()
	require.NoError(t, err)
	salt2, err := NewSalt()
	require.NoError(t, err)

	base, err := DeriveKey("token-a", salt1)
	require.NoError(t, err)

	otherToken, err := DeriveKey("token-b", salt1)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherToken)

	otherSalt, err := DeriveKey("token-a", salt2)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherSalt)
}

func TestChallengeRoundtrip(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	nonce, err := NewNonce()
	require.NoError(t, err)

	key, err := DeriveKey("shared-token", salt)
	require.NoError(t, err)

	mac := ChallengeMAC(key, nonce)
	assert.True(t, VerifyMAC(key, nonce, mac))
}

func TestVerifyMACRejectsTampering(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	nonce, err := NewNonce()
	require.NoError(t, err)

	key, err := DeriveKey("shared-token", salt)
	require.NoError(t, err)
	mac := ChallengeMAC(key, nonce)

	// Flipped proof byte.
	bad := append([]byte(nil), mac...)
	bad[0] ^= 0x01
	assert.False(t, VerifyMAC(key, nonce, bad))

	// Different nonce (replayed proof).
	otherNonce, err := NewNonce()
	require.NoError(t, err)
	assert.False(t, VerifyMAC(key, otherNonce, mac))

	// Wrong token on the other end.
	wrongKey, err := DeriveKey("other-token", salt)
	require.NoError(t, err)
	assert.False(t, VerifyMAC(wrongKey, nonce, mac))
}
