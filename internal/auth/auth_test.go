package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func withSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv("EVENTPAY_AUTH_SECRET", value)
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidate(t *testing.T) {
	withSecret(t, "unit-test-secret")

	token, err := GenerateToken("user-42", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if claims.Issuer != "event-pay" {
		t.Fatalf("unexpected issuer %q", claims.Issuer)
	}
	if claims.ID == "" {
		t.Fatal("expected a token id")
	}
}

func TestMissingSecret(t *testing.T) {
	withSecret(t, "")

	if _, err := GenerateToken("user-42", time.Minute); !errors.Is(err, errMissingSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestTamperedToken(t *testing.T) {
	withSecret(t, "unit-test-secret")

	token, err := GenerateToken("user-42", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(token, ".")
	parts[2] = "AAAA" + parts[2][4:]

	if _, err := ParseAndValidate(strings.Join(parts, ".")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestExpiredToken(t *testing.T) {
	withSecret(t, "unit-test-secret")

	token, err := GenerateToken("user-42", time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	withSecret(t, "unit-test-secret")

	if _, err := GenerateToken("  ", time.Minute); err == nil {
		t.Fatal("expected error for empty user")
	}
	if _, err := GenerateToken("user-42", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "user-42")
	got, ok := UserIDFromContext(ctx)
	if !ok || got != "user-42" {
		t.Fatalf("unexpected %q %v", got, ok)
	}

	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatal("empty context must not yield a user")
	}
	if _, ok := UserIDFromContext(ContextWithUser(context.Background(), "")); ok {
		t.Fatal("blank user must not be attached")
	}
}
