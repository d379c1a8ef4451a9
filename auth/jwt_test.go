// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSigningKey = []byte("test-signing-key-not-for-production")

func signTestToken(t *testing.T, subject string, expiry time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(testSigningKey)
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return signed
}

func TestJWTHandshakeValidatorAccepts(t *testing.T) {
	v := NewJWTHandshakeValidator(func(*jwt.Token) (any, error) { return testSigningKey, nil }, "HS256")
	tok := signTestToken(t, "user-1", time.Minute)

	parsed, err := v.Validate(context.Background(), map[string]any{"accessToken": tok})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	claims, ok := parsed.(*Claims)
	if !ok {
		t.Fatalf("Validate returned %T, want *Claims", parsed)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "user-1")
	}
}

func TestJWTHandshakeValidatorRejectsExpired(t *testing.T) {
	v := NewJWTHandshakeValidator(func(*jwt.Token) (any, error) { return testSigningKey, nil }, "HS256")
	tok := signTestToken(t, "user-1", -time.Minute)

	if _, err := v.Validate(context.Background(), map[string]any{"accessToken": tok}); err == nil {
		t.Fatal("Validate succeeded for expired token, want error")
	}
}

func TestJWTHandshakeValidatorRejectsMissingToken(t *testing.T) {
	v := NewJWTHandshakeValidator(func(*jwt.Token) (any, error) { return testSigningKey, nil })

	if _, err := v.Validate(context.Background(), map[string]any{}); err == nil {
		t.Fatal("Validate succeeded with no bearer token, want error")
	}
}
