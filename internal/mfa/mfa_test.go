package mfa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRequest(t *testing.T) {
	var gotPath, gotIdentity string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "api-key", user)

		var payload createRequestPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotIdentity = payload.Identity

		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"model":   map[string]any{"url": "https://mfa.example/r/1"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "api-key", "api-secret", time.Second)
	url, err := client.CreateRequest(context.Background(), "user0@md.test", "https://md.test/multifactor/create")
	require.NoError(t, err)
	assert.Equal(t, "https://mfa.example/r/1", url)
	assert.Equal(t, "/requests", gotPath)
	assert.Equal(t, "user0@md.test", gotIdentity)
}

func TestValidateBind(t *testing.T) {
	granted := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/requests/ra", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"model":   map[string]any{"granted": granted},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", "s", time.Second)
	require.NoError(t, client.ValidateBind(context.Background(), "user0@md.test", "123456"))

	granted = false
	assert.ErrorIs(t, client.ValidateBind(context.Background(), "user0@md.test", "000000"), ErrDenied)
}

func TestProviderUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", "s", time.Second)
	err := client.ValidateBind(context.Background(), "user0@md.test", "123456")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func signToken(t *testing.T, secret string, claims CallbackClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestTokenValidator(t *testing.T) {
	v := &TokenValidator{Secret: "tenant-secret", Audience: "tenant-key"}

	good := signToken(t, "tenant-secret", CallbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{"tenant-key"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Identity: "user0@md.test",
	})
	identity, err := v.Validate(good)
	require.NoError(t, err)
	assert.Equal(t, "user0@md.test", identity)

	wrongAudience := signToken(t, "tenant-secret", CallbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{"someone-else"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Identity: "user0@md.test",
	})
	_, err = v.Validate(wrongAudience)
	assert.Error(t, err)

	expired := signToken(t, "tenant-secret", CallbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{"tenant-key"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Identity: "user0@md.test",
	})
	_, err = v.Validate(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	badSignature := signToken(t, "other-secret", CallbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{"tenant-key"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Identity: "user0@md.test",
	})
	_, err = v.Validate(badSignature)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPoolDeliver(t *testing.T) {
	pool := NewPool()

	ch, release := pool.Acquire("user0@md.test")
	defer release()

	require.True(t, pool.Deliver("user0@md.test", "token-1"))
	assert.Equal(t, "token-1", <-ch)

	assert.False(t, pool.Deliver("user0@md.test", "token-2"), "slot consumed")
}

func TestPoolDisplacesPreviousWaiter(t *testing.T) {
	pool := NewPool()

	first, _ := pool.Acquire("user0@md.test")
	second, release := pool.Acquire("user0@md.test")
	defer release()

	_, open := <-first
	assert.False(t, open, "displaced waiter channel closed")

	require.True(t, pool.Deliver("user0@md.test", "token"))
	assert.Equal(t, "token", <-second)
}
