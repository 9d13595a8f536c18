package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// SupabaseConfig 为 Supabase 鉴权参数。
type SupabaseConfig struct {
	ProjectURL     string
	AnonKey        string
	JWTSecret      string
	AllowAnonymous bool
	// HTTPClient 用于远程校验，nil 时使用带超时的默认客户端。
	HTTPClient *http.Client
}

type headerTransport struct {
	T   http.RoundTripper
	Key string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("apikey", t.Key)
	if t.T == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.T.RoundTrip(req)
}

type supabaseUser struct {
	ID           string         `json:"id"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// validateRemotely 通过调用 Supabase API 验证 Token
func validateRemotely(ctx context.Context, client *http.Client, token, projectURL, anonKey string) (Principal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/auth/v1/user", strings.TrimRight(projectURL, "/")), nil)
	if err != nil {
		return Principal{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", anonKey)

	resp, err := client.Do(req)
	if err != nil {
		return Principal{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Principal{}, fmt.Errorf("remote validation failed with status: %d", resp.StatusCode)
	}

	var user supabaseUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return Principal{}, fmt.Errorf("decode user: %w", err)
	}
	if user.ID == "" {
		return Principal{}, fmt.Errorf("remote user has no id")
	}
	return Principal{ID: user.ID, Name: displayName(user.UserMetadata)}, nil
}

// displayName 取 user_metadata 中的 full_name，其次 name。
func displayName(meta map[string]any) string {
	for _, key := range []string{"full_name", "name"} {
		if v, ok := meta[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// SupabaseAuth 创建 JWT 鉴权中间件。
// 支持 HMAC (本地), JWKS (远程公钥), 和 Remote User API (直接验证)。
func SupabaseAuth(cfg SupabaseConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("auth")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	var jwks *keyfunc.JWKS
	if cfg.ProjectURL != "" && cfg.AnonKey != "" {
		jwksURL := fmt.Sprintf("%s/auth/v1/jwks", strings.TrimRight(cfg.ProjectURL, "/"))

		// 初始化 JWKS，包含自动刷新
		var err error
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Client:          &http.Client{Timeout: 10 * time.Second, Transport: &headerTransport{Key: cfg.AnonKey}},
			RefreshInterval: time.Hour,
			RefreshErrorHandler: func(err error) {
				logger.Warn("jwks refresh failed", zap.Error(err))
			},
		})
		if err != nil {
			logger.Warn("jwks init failed, falling back to remote validation", zap.String("url", jwksURL), zap.Error(err))
			jwks = nil
		} else {
			logger.Info("jwks initialized")
		}
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok && cfg.JWTSecret != "" {
			return []byte(cfg.JWTSecret), nil
		}
		if jwks != nil {
			return jwks.Keyfunc(token)
		}
		return nil, fmt.Errorf("no suitable verification method")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if cfg.AllowAnonymous {
					next.ServeHTTP(w, r)
					return
				}
				writeAuthError(w, http.StatusUnauthorized, "Bearer", "missing Authorization header")
				return
			}

			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				writeAuthError(w, http.StatusUnauthorized, "Bearer", "invalid Authorization format, expected: Bearer <token>")
				return
			}

			tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
			if tokenString == "" {
				writeAuthError(w, http.StatusUnauthorized, "Bearer", "empty token")
				return
			}

			// 先本地校验（HMAC 或 JWKS），失败再回退到 Remote API
			principal, err := validateLocally(tokenString, keyFunc)
			if err != nil {
				logger.Debug("local token validation failed", zap.Error(err))

				if cfg.ProjectURL == "" || cfg.AnonKey == "" {
					writeAuthError(w, http.StatusUnauthorized, "Bearer", "token verification failed and remote validation not configured")
					return
				}

				principal, err = validateRemotely(r.Context(), client, tokenString, cfg.ProjectURL, cfg.AnonKey)
				if err != nil {
					logger.Warn("remote token validation failed", zap.Error(err))
					writeAuthError(w, http.StatusUnauthorized, "Bearer", "invalid token (remote)")
					return
				}
			}

			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validateLocally(tokenString string, keyFunc jwt.Keyfunc) (Principal, error) {
	token, err := jwt.Parse(tokenString, keyFunc)
	if err != nil {
		return Principal{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, fmt.Errorf("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, fmt.Errorf("token has no subject")
	}

	p := Principal{ID: sub}
	if meta, ok := claims["user_metadata"].(map[string]any); ok {
		p.Name = displayName(meta)
	}
	return p, nil
}
