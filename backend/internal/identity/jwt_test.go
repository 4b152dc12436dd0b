package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	token, _, err := SignAccessToken(7, "alice", time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken: %v", err)
	}
	claims, err := NewJWTVerifier().Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != 7 || claims.Username != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := NewJWTVerifier().Verify(context.Background(), "not-a-token")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	token, _, err := SignAccessToken(7, "alice", -time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken: %v", err)
	}
	if _, err := NewJWTVerifier().Verify(context.Background(), token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for expired token, got %v", err)
	}
}
