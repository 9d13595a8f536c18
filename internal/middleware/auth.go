package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// apiKeyNamespace 用于把 API Key 映射为稳定的 owner ID，避免原始 key 出现在存储路径和日志里。
var apiKeyNamespace = uuid.MustParse("6f1c7a52-4a0e-4d8e-9a57-2f8f0c6b3d11")

// Principal 是经过鉴权的上传者。
type Principal struct {
	ID   string
	Name string
}

type principalContextKey struct{}

// WithPrincipal 把上传者写入 context。
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFrom 从 context 读取上传者，匿名请求返回 false。
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok && p.ID != ""
}

// OwnerIDForAPIKey 返回 API Key 对应的 owner ID。
func OwnerIDForAPIKey(key string) string {
	return uuid.NewSHA1(apiKeyNamespace, []byte(key)).String()
}

// APIKeyAuth 创建 API Key 鉴权中间件。
// 期望请求头格式：Authorization: ApiKey <token>
// allowAnonymous 为 true 时缺少请求头的请求按匿名放行，携带了错误凭证的请求仍然拒绝。
func APIKeyAuth(validKeys []string, allowAnonymous bool) func(http.Handler) http.Handler {
	keySet := make(map[string]struct{}, len(validKeys))
	for _, key := range validKeys {
		trimmed := strings.TrimSpace(key)
		if trimmed != "" {
			keySet[trimmed] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			if authHeader == "" {
				if allowAnonymous {
					next.ServeHTTP(w, r)
					return
				}
				writeAuthError(w, http.StatusUnauthorized, "ApiKey", "missing Authorization header")
				return
			}

			const prefix = "ApiKey "
			if !strings.HasPrefix(authHeader, prefix) {
				writeAuthError(w, http.StatusUnauthorized, "ApiKey", "invalid Authorization format, expected: ApiKey <token>")
				return
			}

			apiKey := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
			if apiKey == "" {
				writeAuthError(w, http.StatusUnauthorized, "ApiKey", "empty API key")
				return
			}

			if _, valid := keySet[apiKey]; !valid {
				writeAuthError(w, http.StatusUnauthorized, "ApiKey", "invalid API key")
				return
			}

			ctx := WithPrincipal(r.Context(), Principal{ID: OwnerIDForAPIKey(apiKey)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, scheme, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", scheme+` realm="WhispShare"`)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
