package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy 描述跨域访问规则。
// AllowedOrigins 支持精确来源、"*"（任意来源，不带凭证）以及 "https://*.example.com" 形式的子域通配。
type CORSPolicy struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAge         time.Duration
}

// SharesCORSPolicy 返回分享 API 的跨域规则。下载接口通过 Content-Disposition 与 X-Share-Id 返回文件信息。
func SharesCORSPolicy(origins []string) CORSPolicy {
	return CORSPolicy{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Requested-With", "X-Request-Id"},
		ExposedHeaders: []string{"Content-Disposition", "Content-Length", "X-Share-Id", "X-Request-Id"},
		MaxAge:         10 * time.Minute,
	}
}

type originMatcher struct {
	any      bool
	exact    map[string]struct{}
	wildcard []wildcardOrigin
}

type wildcardOrigin struct {
	scheme string
	suffix string
}

func newOriginMatcher(origins []string) originMatcher {
	m := originMatcher{exact: map[string]struct{}{}}
	for _, origin := range origins {
		value := strings.TrimRight(strings.TrimSpace(origin), "/")
		switch {
		case value == "":
		case value == "*":
			m.any = true
		case strings.Contains(value, "://*."):
			scheme, host, _ := strings.Cut(value, "://*")
			m.wildcard = append(m.wildcard, wildcardOrigin{scheme: scheme + "://", suffix: host})
		default:
			m.exact[value] = struct{}{}
		}
	}
	return m
}

// resolve 返回应写入 Access-Control-Allow-Origin 的值，不允许时返回空串。
func (m originMatcher) resolve(origin string) string {
	if origin == "" {
		return ""
	}
	if m.any {
		return "*"
	}
	if _, ok := m.exact[origin]; ok {
		return origin
	}
	for _, w := range m.wildcard {
		host, ok := strings.CutPrefix(origin, w.scheme)
		if ok && strings.HasSuffix(host, w.suffix) && len(host) > len(w.suffix) {
			return origin
		}
	}
	return ""
}

// CORS 按 policy 生成跨域中间件。来自未授权来源的预检请求直接返回 403。
func CORS(policy CORSPolicy) func(http.Handler) http.Handler {
	origins := newOriginMatcher(policy.AllowedOrigins)
	methods := strings.Join(policy.AllowedMethods, ",")
	allowHeaders := strings.Join(policy.AllowedHeaders, ", ")
	exposeHeaders := strings.Join(policy.ExposedHeaders, ", ")
	maxAge := strconv.Itoa(int(policy.MaxAge.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowedOrigin := origins.resolve(origin)
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			headers := w.Header()
			if origin != "" && allowedOrigin != "*" {
				headers.Add("Vary", "Origin")
			}

			if allowedOrigin == "" {
				if preflight && origin != "" {
					http.Error(w, "origin not allowed", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			headers.Set("Access-Control-Allow-Origin", allowedOrigin)
			if exposeHeaders != "" {
				headers.Set("Access-Control-Expose-Headers", exposeHeaders)
			}
			if allowedOrigin != "*" {
				headers.Set("Access-Control-Allow-Credentials", "true")
			}

			if preflight {
				headers.Set("Access-Control-Allow-Methods", methods)
				headers.Set("Access-Control-Allow-Headers", allowHeaders)
				headers.Set("Access-Control-Max-Age", maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
