package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID      string
	Email       string
	Role        string
	AccessLevel int
	DisplayName string
}

// accessClaims are the claims this subsystem cares about in a bearer token.
// The subject claim carries the user id.
type accessClaims struct {
	jwt.RegisteredClaims
	Email       string `json:"email"`
	Role        string `json:"role"`
	AccessLevel int    `json:"accessLevel"`
	DisplayName string `json:"displayName"`
}

// TokenVerifier verifies a signed bearer token and extracts the identity.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

func identityFromClaims(claims *accessClaims) (Identity, error) {
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrAuthFailed)
	}
	return Identity{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Role:        claims.Role,
		AccessLevel: claims.AccessLevel,
		DisplayName: claims.DisplayName,
	}, nil
}

// JWKSVerifier validates tokens against the issuer's published JWKS keys.
type JWKSVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSVerifier fetches and caches the issuer's JWKS. The issuer may still
// be starting, so the initial fetch retries.
func NewJWKSVerifier(jwksURL, issuer string) (*JWKSVerifier, error) {
	slog.Info("Initializing JWKS verifier", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for token issuer JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	return &JWKSVerifier{jwks: jwks, issuer: issuer}, nil
}

// Verify parses and validates a bearer token against the cached JWKS.
func (v *JWKSVerifier) Verify(tokenString string) (Identity, error) {
	claims := &accessClaims{}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if !token.Valid {
		return Identity{}, ErrAuthFailed
	}

	return identityFromClaims(claims)
}

// Close shuts down the JWKS background refresh goroutine.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}

// SecretVerifier validates HMAC-signed tokens against a shared secret.
// Used in single-tenant deployments where the token issuer and the gateway
// share AUTH_JWT_SECRET.
type SecretVerifier struct {
	secret []byte
	issuer string
}

func NewSecretVerifier(secret, issuer string) *SecretVerifier {
	return &SecretVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates an HMAC-signed bearer token.
func (v *SecretVerifier) Verify(tokenString string) (Identity, error) {
	claims := &accessClaims{}

	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if !token.Valid {
		return Identity{}, ErrAuthFailed
	}

	return identityFromClaims(claims)
}
