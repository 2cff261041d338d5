package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"pinrelay/internal/logging"
	"pinrelay/internal/metrics"
)

// Logger wraps a handler with request logging and metrics. Each line is
// marked AUTH when the request carried the upload API key and INVD otherwise.
func Logger(apiKey string, proxies *ProxyTrust, rec metrics.Recorder) func(http.Handler) http.Handler {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			elapsed := time.Since(start)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			rec.ObserveRequest(r.Method, route, wrapped.status, elapsed)

			// Scrapes would drown out everything else.
			if r.URL.Path == "/metrics" {
				return
			}

			marker := "INVD"
			if authorized(r, apiKey) {
				marker = "AUTH"
			}
			logging.HTTP.Printf("(%s) %s from %s: %s %d %s", marker, r.Method, proxies.ClientIP(r), r.URL.Path, wrapped.status, elapsed)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// RequestsPerSecond is the rate limit for general requests per IP
	RequestsPerSecond float64
	// BurstSize is the maximum burst size allowed
	BurstSize int
	// UploadRequestsPerMinute is the rate limit for upload requests per IP
	UploadRequestsPerMinute float64
	// UploadBurstSize is the maximum burst for uploads
	UploadBurstSize int
	// IdleTTL is how long an IP's limiter is kept after its last request
	IdleTTL time.Duration
	// Proxies whose X-Forwarded-For is believed; nil trusts nobody
	Proxies *ProxyTrust
}

// DefaultRateLimitConfig returns sensible defaults for rate limiting.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond:       10, // 10 requests per second for validate/download polling
		BurstSize:               20,
		UploadRequestsPerMinute: 10,
		UploadBurstSize:         3,
		IdleTTL:                 10 * time.Minute,
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix seconds
}

// ipRateLimiter manages per-IP rate limiters and drops idle ones.
type ipRateLimiter struct {
	limiters sync.Map // map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

func newIPRateLimiterWithTTL(r float64, burst int, ttl time.Duration) *ipRateLimiter {
	rl := &ipRateLimiter{
		rate:  rate.Limit(r),
		burst: burst,
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

func (rl *ipRateLimiter) getLimiter(ip string) *rate.Limiter {
	now := time.Now().Unix()
	if v, ok := rl.limiters.Load(ip); ok {
		e := v.(*limiterEntry)
		e.lastSeen.Store(now)
		return e.limiter
	}

	e := &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
	e.lastSeen.Store(now)
	v, _ := rl.limiters.LoadOrStore(ip, e)
	return v.(*limiterEntry).limiter
}

func (rl *ipRateLimiter) janitor() {
	interval := rl.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *ipRateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.ttl).Unix()
	rl.limiters.Range(func(key, v any) bool {
		if v.(*limiterEntry).lastSeen.Load() < cutoff {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *ipRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimiterMiddleware applies per-IP limits, with a stricter one for uploads.
type RateLimiterMiddleware struct {
	general *ipRateLimiter
	upload  *ipRateLimiter
	proxies *ProxyTrust
}

// NewRateLimiter starts the limiters; call Stop when done.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiterMiddleware {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	return &RateLimiterMiddleware{
		general: newIPRateLimiterWithTTL(cfg.RequestsPerSecond, cfg.BurstSize, cfg.IdleTTL),
		upload:  newIPRateLimiterWithTTL(cfg.UploadRequestsPerMinute/60, cfg.UploadBurstSize, cfg.IdleTTL),
		proxies: cfg.Proxies,
	}
}

func (m *RateLimiterMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := m.proxies.ClientIP(r)

		limiter := m.general.getLimiter(ip)
		if r.Method == http.MethodPost && r.URL.Path == "/upload" {
			limiter = m.upload.getLimiter(ip)
		}

		if !limiter.Allow() {
			logging.HTTP.Printf("rate limit exceeded for %s on %s %s", ip, r.Method, r.URL.Path)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Stop ends the limiters' cleanup goroutines.
func (m *RateLimiterMiddleware) Stop() {
	m.general.Stop()
	m.upload.Stop()
}
