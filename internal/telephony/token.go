package telephony

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CorrelationClaims is the opaque payload the provider echoes back on every
// callback URL. Carrying the call id and agent id inside a signed token lets
// the reconciler correlate events without a pre-shared session table.
type CorrelationClaims struct {
	CallID       string `json:"call_id"`
	VoiceAgentID string `json:"agent_id"`
	jwt.RegisteredClaims
}

// TokenSigner signs and verifies correlation tokens with an HMAC secret.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenSigner creates a token signer. ttl bounds how long a callback URL
// stays valid; it comfortably exceeds any call's lifetime.
func NewTokenSigner(secret string, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenSigner{secret: []byte(secret), ttl: ttl}
}

// Sign mints a correlation token for one call attempt.
func (s *TokenSigner) Sign(callID, voiceAgentID string) (string, error) {
	now := time.Now()
	claims := CorrelationClaims{
		CallID:       callID,
		VoiceAgentID: voiceAgentID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign correlation token: %w", err)
	}
	return signed, nil
}

// Parse verifies a correlation token and returns its claims.
func (s *TokenSigner) Parse(raw string) (*CorrelationClaims, error) {
	claims := &CorrelationClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid correlation token: %w", err)
	}
	if !token.Valid || claims.CallID == "" {
		return nil, fmt.Errorf("invalid correlation token: missing call id")
	}
	return claims, nil
}
