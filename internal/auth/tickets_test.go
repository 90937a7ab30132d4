package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFrozenManager(t *testing.T, key string, at time.Time) *TicketManager {
	t.Helper()
	m, err := NewTicketManager(key)
	require.NoError(t, err)
	m.now = func() time.Time { return at }
	return m
}

func TestMintValidateRoundtrip(t *testing.T) {
	m, err := NewTicketManager("test-signing-key")
	require.NoError(t, err)

	ticket, expiresAt, err := m.Mint([]string{"customer:acme", "agent:edge-01"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(TicketTTL), expiresAt, time.Second)

	topics, err := m.Validate(ticket)
	require.NoError(t, err)
	assert.Equal(t, []string{"customer:acme", "agent:edge-01"}, topics)
}

func TestMintEmptyTopicsGrantsAll(t *testing.T) {
	m, err := NewTicketManager("test-signing-key")
	require.NoError(t, err)

	ticket, _, err := m.Mint(nil)
	require.NoError(t, err)

	topics, err := m.Validate(ticket)
	require.NoError(t, err)
	assert.Empty(t, topics)
}

func TestValidateExpiredTicket(t *testing.T) {
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m := newFrozenManager(t, "test-signing-key", start)

	ticket, expiresAt, err := m.Mint([]string{"customer:acme"})
	require.NoError(t, err)
	assert.Equal(t, start.Add(TicketTTL), expiresAt)

	// Still valid just inside the TTL.
	m.now = func() time.Time { return start.Add(TicketTTL - time.Second) }
	_, err = m.Validate(ticket)
	require.NoError(t, err)

	m.now = func() time.Time { return start.Add(TicketTTL + time.Second) }
	_, err = m.Validate(ticket)
	require.ErrorIs(t, err, ErrTicketExpired)
}

func TestValidateRejectsForeignKey(t *testing.T) {
	minter, err := NewTicketManager("key-one")
	require.NoError(t, err)
	verifier, err := NewTicketManager("key-two")
	require.NoError(t, err)

	ticket, _, err := minter.Mint(nil)
	require.NoError(t, err)

	_, err = verifier.Validate(ticket)
	require.ErrorIs(t, err, ErrTicketInvalid)
	assert.NotErrorIs(t, err, ErrTicketExpired)
}

func TestValidateRejectsGarbage(t *testing.T) {
	m, err := NewTicketManager("test-signing-key")
	require.NoError(t, err)

	for _, ticket := range []string{"", "not-a-ticket", "a.b.c"} {
		_, err := m.Validate(ticket)
		assert.ErrorIs(t, err, ErrTicketInvalid)
	}
}

func TestValidateRejectsUnsignedAlgorithm(t *testing.T) {
	m, err := NewTicketManager("test-signing-key")
	require.NoError(t, err)

	now := time.Now()
	claims := ticketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ticketIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TicketTTL)),
		},
		Topics: []string{"customer:acme"},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.Validate(unsigned)
	require.ErrorIs(t, err, ErrTicketInvalid)
}

func TestEphemeralKeysAreUnique(t *testing.T) {
	first, err := NewTicketManager("")
	require.NoError(t, err)
	second, err := NewTicketManager("")
	require.NoError(t, err)

	ticket, _, err := first.Mint(nil)
	require.NoError(t, err)

	_, err = first.Validate(ticket)
	require.NoError(t, err)
	_, err = second.Validate(ticket)
	require.ErrorIs(t, err, ErrTicketInvalid)
}
