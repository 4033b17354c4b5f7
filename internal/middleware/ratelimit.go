package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type bucket struct {
	count int
	until time.Time
}

// fixedWindow counts requests per key in fixed windows. Expired buckets are
// swept at most once per window.
type fixedWindow struct {
	mu        sync.Mutex
	limit     int
	per       time.Duration
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newFixedWindow(limit int, per time.Duration) *fixedWindow {
	return &fixedWindow{limit: limit, per: per, buckets: make(map[string]*bucket)}
}

// allow records a request for key and reports whether it fits the window.
// When it does not, retry is the time until the window resets.
func (f *fixedWindow) allow(key string, now time.Time) (ok bool, retry time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if now.Sub(f.lastSweep) >= f.per {
		for k, b := range f.buckets {
			if now.After(b.until) {
				delete(f.buckets, k)
			}
		}
		f.lastSweep = now
	}
	b, found := f.buckets[key]
	if !found || now.After(b.until) {
		b = &bucket{until: now.Add(f.per)}
		f.buckets[key] = b
	}
	if b.count >= f.limit {
		return false, b.until.Sub(now)
	}
	b.count++
	return true, 0
}

func (f *fixedWindow) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buckets)
}

// RateLimit allows limit requests per window for each caller. Callers are
// keyed by tenant when Tenant ran first, otherwise by client IP.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	window := newFixedWindow(limit, per)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retry := window.allow(rateLimitKey(r), time.Now())
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if tenant := TenantFromContext(r.Context()); tenant != "" {
		return "tenant:" + tenant
	}
	return "ip:" + clientIPForRateLimit(r)
}

func clientIPForRateLimit(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		for _, part := range strings.Split(xf, ",") {
			ip := strings.TrimSpace(part)
			if ip == "" {
				continue
			}
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && net.ParseIP(host) != nil {
		return host
	}
	return r.RemoteAddr
}
