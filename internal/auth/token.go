// Package auth verifies client credentials before any registry mutation.
// Credentials are JWT bearer tokens signed with a shared HMAC secret; the
// token's subject claim is the identity the connection is registered under.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for missing, malformed, expired, or
// wrongly-signed credentials.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verifier resolves a raw credential into an identity. It is the boundary
// contract consumed by the session controller; the transport closes the
// connection on failure without ever touching the registry.
type Verifier interface {
	Verify(credential string) (identity string, err error)
}

// Claims is the JWT payload carried by client tokens.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256-signed tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with the given secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify parses and validates the token signature and expiry, returning the
// identity it asserts. The user_id claim takes precedence over the standard
// subject claim when both are present.
func (v *JWTVerifier) Verify(credential string) (string, error) {
	if credential == "" {
		return "", ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}

	identity := claims.UserID
	if identity == "" {
		identity = claims.Subject
	}
	if identity == "" {
		return "", fmt.Errorf("%w: no identity claim", ErrInvalidToken)
	}
	return identity, nil
}

// MintToken creates a signed token for an identity, valid for the given
// duration. Used by provisioning tooling and tests.
func MintToken(secret []byte, identity string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "presence",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
