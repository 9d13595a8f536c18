package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vinaykr8807/WhispShare-qz/internal/config"
	wsmiddleware "github.com/vinaykr8807/WhispShare-qz/internal/middleware"
)

// NewRouter 构建 HTTP 路由，集中注册所有对外服务的端点。
func NewRouter(cfg *config.Config, shareHandler *ShareHandler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(wsmiddleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(wsmiddleware.CORS(wsmiddleware.SharesCORSPolicy(cfg.CORSAllowedOrigins)))
	r.Use(wsmiddleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
	r.Use(wsmiddleware.Metrics())

	// 健康检查不需要鉴权
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus 指标端点
	r.Handle("/metrics", promhttp.Handler())

	if shareHandler != nil {
		shareHandler.RegisterRoutes(r,
			authMiddleware(cfg, cfg.AllowAnonymousUploads, logger),
			authMiddleware(cfg, true, logger),
		)
	}

	return r
}

func authMiddleware(cfg *config.Config, allowAnonymous bool, logger *zap.Logger) func(http.Handler) http.Handler {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return wsmiddleware.APIKeyAuth(cfg.APIKeys, allowAnonymous)
	case config.AuthModeSupabase:
		return wsmiddleware.SupabaseAuth(wsmiddleware.SupabaseConfig{
			ProjectURL:     cfg.SupabaseURL,
			AnonKey:        cfg.SupabaseAnonKey,
			JWTSecret:      cfg.SupabaseJWTSecret,
			AllowAnonymous: allowAnonymous,
		}, logger)
	default:
		// 开发模式：所有请求按匿名处理
		return func(next http.Handler) http.Handler { return next }
	}
}
