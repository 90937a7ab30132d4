// Package auth mints and validates the short-lived tickets that gate the
// operator WebSocket endpoint. Browsers cannot attach the X-API-Key header
// to a WebSocket upgrade, so the REST surface trades the API key for a
// ticket and the upgrade presents the ticket as a query parameter instead.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TicketTTL defines how long a minted ticket stays valid. Tickets exist
// only to bridge the gap between the REST call and the upgrade that
// immediately follows it, so one minute is plenty.
const TicketTTL = time.Minute

const ticketIssuer = "dadude"

var (
	// ErrTicketExpired is returned when a ticket's exp claim has passed.
	ErrTicketExpired = errors.New("auth: ticket expired")

	// ErrTicketInvalid is returned when a ticket cannot be parsed or verified.
	ErrTicketInvalid = errors.New("auth: ticket invalid")
)

// ticketClaims holds the topic grant embedded in every ticket.
type ticketClaims struct {
	jwt.RegisteredClaims

	// Topics lists the event topics this ticket may subscribe to.
	// Empty means all topics.
	Topics []string `json:"topics,omitempty"`
}

// TicketManager signs and verifies HS256 tickets. Tickets never leave this
// process (the same instance mints and validates), so a symmetric key is
// enough; when no key is configured a random per-process one is generated,
// which invalidates outstanding tickets on restart — harmless at a
// one-minute TTL.
type TicketManager struct {
	key []byte
	now func() time.Time
}

// NewTicketManager creates a TicketManager. signingKey may be empty, in
// which case an ephemeral random key is used.
func NewTicketManager(signingKey string) (*TicketManager, error) {
	key := []byte(signingKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("auth: generating ticket key: %w", err)
		}
	}
	return &TicketManager{key: key, now: time.Now}, nil
}

// Mint creates a signed ticket granting the given topics. It returns the
// compact token and its expiry time.
func (m *TicketManager) Mint(topics []string) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(TicketTTL)
	claims := ticketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ticketIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		Topics: topics,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing ticket: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses and verifies a ticket string and returns the topics it
// grants. Callers should use errors.Is(err, auth.ErrTicketExpired) to
// distinguish expired tickets from tampered or malformed ones.
func (m *TicketManager) Validate(tokenString string) ([]string, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&ticketClaims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than HMAC. This
			// prevents the "alg:none" confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.key, nil
		},
		jwt.WithIssuer(ticketIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTicketExpired
		}
		return nil, ErrTicketInvalid
	}

	claims, ok := token.Claims.(*ticketClaims)
	if !ok || !token.Valid {
		return nil, ErrTicketInvalid
	}

	return claims.Topics, nil
}
