package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func TestVerify_ValidToken(t *testing.T) {
	token, err := MintToken(testSecret, "alice", time.Minute)
	if err != nil {
		t.Fatalf("MintToken() error: %v", err)
	}

	identity, err := NewJWTVerifier(testSecret).Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if identity != "alice" {
		t.Errorf("unexpected identity: %q", identity)
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	token, err := MintToken(testSecret, "alice", -time.Minute)
	if err != nil {
		t.Fatalf("MintToken() error: %v", err)
	}

	if _, err := NewJWTVerifier(testSecret).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token should fail with ErrInvalidToken, got %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	token, err := MintToken(testSecret, "alice", time.Minute)
	if err != nil {
		t.Fatalf("MintToken() error: %v", err)
	}

	if _, err := NewJWTVerifier([]byte("other-secret")).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret should fail with ErrInvalidToken, got %v", err)
	}
}

func TestVerify_EmptyAndGarbage(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	if _, err := v.Verify(""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty credential should fail, got %v", err)
	}
	if _, err := v.Verify("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage credential should fail, got %v", err)
	}
}

func TestVerify_SubjectFallback(t *testing.T) {
	// Tokens minted by other issuers may carry only the standard subject.
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "bob",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	identity, err := NewJWTVerifier(testSecret).Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if identity != "bob" {
		t.Errorf("unexpected identity: %q", identity)
	}
}

func TestVerify_NoIdentityClaim(t *testing.T) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewJWTVerifier(testSecret).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("token with no identity claim should fail, got %v", err)
	}
}
