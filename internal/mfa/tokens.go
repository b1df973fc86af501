package mfa

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors for callback token validation.
var (
	ErrInvalidToken  = errors.New("invalid multifactor token")
	ErrExpiredToken  = errors.New("multifactor token has expired")
	ErrWrongAudience = errors.New("multifactor token audience mismatch")
)

// TokenValidator checks the access tokens the provider posts to the
// callback endpoint. Tokens are HMAC-signed with the tenant secret and
// carry the tenant key as audience.
type TokenValidator struct {
	// Secret is the tenant API secret used as HMAC key.
	Secret string

	// Audience is the tenant API key the token must be addressed to.
	Audience string
}

// CallbackClaims are the claims of a provider callback token.
type CallbackClaims struct {
	jwt.RegisteredClaims

	// Identity is the user principal name the authentication belongs to.
	Identity string `json:"identity"`
}

// Validate parses and verifies a callback token and returns its identity.
func (v *TokenValidator) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CallbackClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.Secret), nil
	}, jwt.WithAudience(v.Audience))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return "", ErrWrongAudience
		default:
			return "", ErrInvalidToken
		}
	}

	claims, ok := token.Claims.(*CallbackClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}

	identity := claims.Identity
	if identity == "" {
		identity = claims.Subject
	}
	if identity == "" {
		return "", ErrInvalidToken
	}
	return identity, nil
}
