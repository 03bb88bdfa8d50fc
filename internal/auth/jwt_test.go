package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/threadgate/pkg/models"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour, "")
	token, err := service.Generate(&models.User{ID: "user-1", Email: "user@example.com", Name: "User"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	user, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("expected user id, got %q", user.ID)
	}
	if user.Email != "user@example.com" {
		t.Fatalf("expected email, got %q", user.Email)
	}
	if user.Name != "User" {
		t.Fatalf("expected name, got %q", user.Name)
	}
}

func TestJWTServiceRejects(t *testing.T) {
	signer := NewJWTService("secret", time.Hour, "")
	token, err := signer.Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	issued := NewJWTService("secret", time.Hour, "other")
	foreign, err := issued.Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		validator *JWTService
		token     string
	}{
		{"wrong secret", NewJWTService("other", time.Hour, ""), token},
		{"garbage", signer, "not-a-jwt"},
		{"expired", signer, expired},
		{"wrong issuer", NewJWTService("secret", 0, "threadgate"), foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.validator.Validate(tt.token); err == nil {
				t.Fatal("Validate() accepted the token")
			}
		})
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := signer.Validate(unsigned); err == nil {
		t.Fatal("Validate() accepted an unsigned token")
	}

	if _, err := signer.Generate(&models.User{}); err == nil {
		t.Fatal("Generate() accepted a user without id")
	}
}
