package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	issuer, err := NewIssuer("s3cret")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	token, expiresAt, err := issuer.GenerateToken("user-42", "tenant-1", 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiration, got %v", expiresAt)
	}

	claims, err := issuer.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" || claims.Tenant != "tenant-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ID == "" {
		t.Fatal("expected jti")
	}
}

func TestParseRejectsForeignSecret(t *testing.T) {
	a, _ := NewIssuer("one")
	b, _ := NewIssuer("two")

	token, _, err := a.GenerateToken("user", "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	old, _ := NewIssuer("s3cret", WithClock(func() time.Time { return past }))
	token, _, err := old.GenerateToken("user", "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	current, _ := NewIssuer("s3cret")
	if _, err := current.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	if _, err := NewIssuer("  "); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestActorFromContext(t *testing.T) {
	if _, ok := ActorFromContext(context.Background()); ok {
		t.Fatal("expected no actor")
	}
	ctx := ContextWithUser(context.Background(), " user-1 ", "tenant-9")
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ID != "user-1" || actor.TenantID != "tenant-9" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}
