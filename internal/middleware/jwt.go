// Package middleware provides the HTTP middleware of the collection server:
// bearer-token identity, role-based rate limiting and request ids.
package middleware

import (
	"context"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"lcc-server/internal/domain"
)

// Claims holds the identity claims of a validated token.
type Claims struct {
	UserID       int64
	Role         string
	SessionToken string
	Issuer       string
}

// Caller converts the claims to the identity the access policy consumes.
// A token without a role is treated as an authenticated user.
func (c *Claims) Caller() domain.Caller {
	role := c.Role
	if role == "" {
		role = domain.RoleAuthenticated
	}
	return domain.Caller{UserID: c.UserID, Role: role, SessionToken: c.SessionToken}
}

// TokenValidator validates a bearer token and returns its claims.
type TokenValidator interface {
	Validate(ctx context.Context, tokenString string) (*Claims, error)
}

// HS256Validator validates tokens signed with a shared HS256 secret.
type HS256Validator struct {
	secret []byte
}

// NewHS256Validator creates a validator for HS256 tokens.
func NewHS256Validator(secret string) (*HS256Validator, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	return &HS256Validator{secret: []byte(secret)}, nil
}

// Validate verifies the token and extracts sub (the numeric user id),
// role and session.
func (v *HS256Validator) Validate(_ context.Context, tokenString string) (*Claims, error) {
	tok, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	raw, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("parse claims: unsupported claim type %T", tok.Claims)
	}

	claims := &Claims{}
	switch sub := raw["sub"].(type) {
	case string:
		id, err := strconv.ParseInt(sub, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse claims: sub %q is not a user id", sub)
		}
		claims.UserID = id
	case float64:
		claims.UserID = int64(sub)
	}
	if claims.UserID <= 0 {
		return nil, fmt.Errorf("parse claims: missing or invalid sub")
	}
	if role, ok := raw["role"].(string); ok {
		claims.Role = role
	}
	if session, ok := raw["session"].(string); ok {
		claims.SessionToken = session
	}
	if iss, ok := raw["iss"].(string); ok {
		claims.Issuer = iss
	}
	return claims, nil
}
