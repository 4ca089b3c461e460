package backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenTTL     = time.Hour
	refreshAhead = time.Minute
)

// tokenSource signs and caches device tokens.
type tokenSource struct {
	secret   []byte
	deviceID string
	now      func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenSource(secret, deviceID string, now func() time.Time) *tokenSource {
	if now == nil {
		now = time.Now
	}
	return &tokenSource{secret: []byte(secret), deviceID: deviceID, now: now}
}

// Token returns a cached token, signing a new one when the cached one is
// within a minute of expiry.
func (s *tokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Before(s.expiresAt.Add(-refreshAhead)) {
		return s.token, nil
	}

	expiresAt := now.Add(tokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   s.deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	s.token = signed
	s.expiresAt = expiresAt
	return signed, nil
}
