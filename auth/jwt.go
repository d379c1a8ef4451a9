// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package auth provides pluggable handshake authentication for conduit
// servers, in the spirit of the teacher's auth package's pluggable
// OAuthHandler: a conduit.AuthValidator inspects the opaque handshake
// metadata blob and either accepts it (returning parsed claims for the
// HandlerContext) or rejects the handshake outright.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/conduitrpc/conduit/conduit"
)

// ErrUnauthorized is returned when handshake metadata fails validation.
var ErrUnauthorized = errors.New("conduit/auth: unauthorized")

// Claims is the parsed result handed back to procedure handlers via
// HandlerContext.Metadata when a JWTHandshakeValidator accepts a
// handshake.
type Claims struct {
	jwt.RegisteredClaims
	Extra map[string]any `json:"-"`
}

// JWTHandshakeValidator validates the bearer token carried in handshake
// metadata and is installed as a conduit.AuthValidator via
// Server.Accept/AcceptServerHandshake.
type JWTHandshakeValidator struct {
	// KeyFunc resolves the signing key for a given token, as required by
	// jwt.ParseWithClaims (e.g. a JWKS lookup keyed on kid).
	KeyFunc jwt.Keyfunc
	// ParserOptions configures the underlying jwt.Parser (expected
	// audience, issuer, clock skew, allowed signing methods).
	ParserOptions []jwt.ParserOption
}

// NewJWTHandshakeValidator returns a validator that verifies tokens with
// keyFunc, additionally constraining signing methods to algs when given.
func NewJWTHandshakeValidator(keyFunc jwt.Keyfunc, algs ...string) *JWTHandshakeValidator {
	opts := []jwt.ParserOption{}
	if len(algs) > 0 {
		opts = append(opts, jwt.WithValidMethods(algs))
	}
	return &JWTHandshakeValidator{KeyFunc: keyFunc, ParserOptions: opts}
}

// Validate implements conduit.AuthValidator. metadata is expected to be a
// map carrying an "accessToken" string field (the shape produced by
// conduit.TokenSourceMetadata on the client side) or a "bearerToken" one.
func (v *JWTHandshakeValidator) Validate(ctx context.Context, metadata any) (any, error) {
	token, err := extractBearerToken(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.KeyFunc, v.ParserOptions...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: token not valid", ErrUnauthorized)
	}
	return claims, nil
}

func extractBearerToken(metadata any) (string, error) {
	m, ok := metadata.(map[string]any)
	if ok {
		if tok, ok := m["accessToken"].(string); ok && tok != "" {
			return tok, nil
		}
		if tok, ok := m["bearerToken"].(string); ok && tok != "" {
			return tok, nil
		}
	}
	if m, ok := metadata.(map[string]string); ok {
		if tok, ok := m["accessToken"]; ok && tok != "" {
			return tok, nil
		}
		if tok, ok := m["bearerToken"]; ok && tok != "" {
			return tok, nil
		}
	}
	return "", errors.New("handshake metadata missing bearer token")
}

var _ conduit.AuthValidator = (*JWTHandshakeValidator)(nil).Validate
