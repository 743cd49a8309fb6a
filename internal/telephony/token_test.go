package telephony

import (
	"testing"
	"time"
)

func TestTokenSignerRoundTrip(t *testing.T) {
	signer := NewTokenSigner("test-secret", time.Hour)

	token, err := signer.Sign("call-123", "agent-456")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := signer.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.CallID != "call-123" {
		t.Fatalf("call id = %q", claims.CallID)
	}
	if claims.VoiceAgentID != "agent-456" {
		t.Fatalf("agent id = %q", claims.VoiceAgentID)
	}
}

func TestTokenSignerRejectsWrongSecret(t *testing.T) {
	token, err := NewTokenSigner("secret-a", time.Hour).Sign("call-1", "agent-1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := NewTokenSigner("secret-b", time.Hour).Parse(token); err == nil {
		t.Fatalf("expected signature validation error")
	}
}

func TestTokenSignerRejectsExpired(t *testing.T) {
	// NewTokenSigner coerces non-positive TTLs, so build one directly.
	signer := &TokenSigner{secret: []byte("secret"), ttl: -time.Minute}
	token, err := signer.Sign("call-1", "agent-1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := signer.Parse(token); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestTokenSignerRejectsGarbage(t *testing.T) {
	signer := NewTokenSigner("secret", time.Hour)
	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := signer.Parse(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
