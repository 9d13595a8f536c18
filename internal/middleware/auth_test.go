package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// principalEcho 把 context 中的上传者写回响应。
func principalEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		_ = json.NewEncoder(w).Encode(map[string]any{"id": p.ID, "name": p.Name, "authenticated": ok})
	})
}

func serve(t *testing.T, h http.Handler, authHeader string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/shares", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	return rr, body
}

func TestAPIKeyAuth(t *testing.T) {
	strict := APIKeyAuth([]string{" key-1 ", ""}, false)(principalEcho())
	open := APIKeyAuth([]string{"key-1"}, true)(principalEcho())

	rr, _ := serve(t, strict, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "ApiKey")

	rr, body := serve(t, open, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, body["authenticated"])

	for _, header := range []string{"Bearer key-1", "ApiKey ", "ApiKey wrong"} {
		rr, _ = serve(t, open, header)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, header)
	}

	rr, body = serve(t, strict, "ApiKey key-1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, OwnerIDForAPIKey("key-1"), body["id"])
	assert.NotEqual(t, "key-1", body["id"])
}

func TestOwnerIDForAPIKeyIsStable(t *testing.T) {
	assert.Equal(t, OwnerIDForAPIKey("abc"), OwnerIDForAPIKey("abc"))
	assert.NotEqual(t, OwnerIDForAPIKey("abc"), OwnerIDForAPIKey("abd"))
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestSupabaseAuthLocalHMAC(t *testing.T) {
	const secret = "super-secret"
	h := SupabaseAuth(SupabaseConfig{JWTSecret: secret}, nil)(principalEcho())

	token := signHS256(t, secret, jwt.MapClaims{
		"sub":           "user-123",
		"exp":           time.Now().Add(time.Hour).Unix(),
		"user_metadata": map[string]any{"full_name": "Alice Smith"},
	})
	rr, body := serve(t, h, "Bearer "+token)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "user-123", body["id"])
	assert.Equal(t, "Alice Smith", body["name"])

	expired := signHS256(t, secret, jwt.MapClaims{"sub": "user-123", "exp": time.Now().Add(-time.Hour).Unix()})
	rr, _ = serve(t, h, "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	forged := signHS256(t, "other-secret", jwt.MapClaims{"sub": "user-123"})
	rr, _ = serve(t, h, "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, _ = serve(t, h, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSupabaseAuthAnonymousAllowed(t *testing.T) {
	h := SupabaseAuth(SupabaseConfig{JWTSecret: "s", AllowAnonymous: true}, nil)(principalEcho())

	rr, body := serve(t, h, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, body["authenticated"])

	rr, _ = serve(t, h, "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSupabaseAuthRemoteFallback(t *testing.T) {
	supabase := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" || r.Header.Get("apikey") != "anon" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer opaque-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "remote-user",
			"user_metadata": map[string]any{"name": "Bob Jones"},
		})
	}))
	defer supabase.Close()

	h := SupabaseAuth(SupabaseConfig{ProjectURL: supabase.URL, AnonKey: "anon", HTTPClient: supabase.Client()}, nil)(principalEcho())

	rr, body := serve(t, h, "Bearer opaque-token")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "remote-user", body["id"])
	assert.Equal(t, "Bob Jones", body["name"])

	rr, _ = serve(t, h, "Bearer other-token")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Full", displayName(map[string]any{"full_name": "Full", "name": "Short"}))
	assert.Equal(t, "Short", displayName(map[string]any{"full_name": " ", "name": "Short"}))
	assert.Empty(t, displayName(nil))
}
