package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxTrackedClients 为同时跟踪的来源数量上限，超出时淘汰最久未使用的来源。
const maxTrackedClients = 4096

// RateLimit 限制同一来源在固定窗口内的请求数量。窗口从该来源的第一个请求开始计时。
func RateLimit(maxRequests int, window time.Duration) func(http.Handler) http.Handler {
	if maxRequests <= 0 || window <= 0 {
		return passthrough
	}

	limiter := newWindowLimiter(maxRequests, window)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func passthrough(next http.Handler) http.Handler {
	return next
}

type windowLimiter struct {
	mu          sync.Mutex
	clients     *expirable.LRU[string, *clientCounter]
	maxRequests int
}

type clientCounter struct {
	count int
}

func newWindowLimiter(maxRequests int, window time.Duration) *windowLimiter {
	return &windowLimiter{
		// 条目在写入 window 之后过期，Get 不会续期
		clients:     expirable.NewLRU[string, *clientCounter](maxTrackedClients, nil, window),
		maxRequests: maxRequests,
	}
}

func (l *windowLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.clients.Get(key)
	if !ok {
		l.clients.Add(key, &clientCounter{count: 1})
		return true
	}
	if entry.count >= l.maxRequests {
		return false
	}
	entry.count++
	return true
}

func clientKey(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
