package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/multidirectory/multidirectory/internal/logger"
	"github.com/multidirectory/multidirectory/pkg/models"
)

// ErrInvalidAccessToken reports a missing, malformed or expired admin token.
var ErrInvalidAccessToken = errors.New("invalid access token")

type usernameKey struct{}

// TokenService issues and validates the HS256 access tokens guarding the
// admin endpoints.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService builds a token service. ttl defaults to 30 minutes.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}
}

// AccessClaims are the claims of an admin access token.
type AccessClaims struct {
	jwt.RegisteredClaims

	Username string `json:"username"`
}

// Generate issues a token for the given user.
func (s *TokenService) Generate(username string) (string, time.Time, error) {
	expires := time.Now().Add(s.ttl)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Username: username,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return token, expires, err
}

// Validate parses a token and returns the username it was issued to.
func (s *TokenService) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidAccessToken
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrInvalidAccessToken
	}
	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid || claims.Username == "" {
		return "", ErrInvalidAccessToken
	}
	return claims.Username, nil
}

// RequireAuth is the middleware guarding admin routes. It expects an
// "Authorization: Bearer <token>" header and stores the username in the
// request context.
func (s *TokenService) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		username, err := s.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid access token")
			return
		}
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), usernameKey{}, username)))
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
}

// login handles POST /api/auth/token.
func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := h.deps.Store.GetUserByName(r.Context(), req.Username)
	if err != nil || !models.VerifyPassword(req.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expires, err := h.deps.Auth.Generate(user.UserPrincipalName)
	if err != nil {
		logger.Error("access token generation failed", logger.KeyError, err.Error())
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   expires.UTC().Format(time.RFC3339),
	})
}
