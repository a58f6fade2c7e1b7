package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/haasonsaas/sessiongate/pkg/models"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	token, err := service.Generate(&models.User{ID: "user-1", Email: "user@example.com", Name: "User", Roles: []string{"ops"}})
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
	if !user.HasRole("ops") {
		t.Fatalf("expected ops role, got %v", user.Roles)
	}
}

func TestJWTServiceRejectsForeignSecret(t *testing.T) {
	token, err := NewJWTService("one", time.Hour).Generate(&models.User{ID: "u"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := NewJWTService("two", time.Hour).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTServiceRejectsForeignIssuer(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else", Subject: "u"}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	if _, err := NewJWTService("secret", time.Hour).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTServiceWithoutExpiry(t *testing.T) {
	service := NewJWTService("secret", -time.Minute)
	token, err := service.Generate(&models.User{ID: "u"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := service.Validate(token); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestJWTServiceRequiresUserID(t *testing.T) {
	if _, err := NewJWTService("secret", time.Hour).Generate(&models.User{}); err == nil {
		t.Fatal("expected error for empty user id")
	}
}
