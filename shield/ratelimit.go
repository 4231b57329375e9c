package shield

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type limit struct {
	method      string
	prefix      string
	maxRequests int
	window      time.Duration
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter provides per-IP, per-rule rate limiting backed by the
// rate_limits table. A rule endpoint is "METHOD /path/prefix"; the longest
// matching prefix wins. Rules are reloaded periodically and expired buckets
// are garbage collected.
type RateLimiter struct {
	db      *sql.DB
	exclude []string
	now     func() time.Time

	mu      sync.Mutex
	limits  []limit
	buckets map[string]*bucket
}

// NewRateLimiter creates a rate limiter that reads rules from db. Paths
// starting with any of excludePrefixes are never limited.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		exclude: excludePrefixes,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	rl.Reload()
	return rl
}

// StartReloader reloads rules every 60s and collects expired buckets every
// 5min until done is closed.
func (rl *RateLimiter) StartReloader(done <-chan struct{}) {
	reloadTick := time.NewTicker(60 * time.Second)
	gcTick := time.NewTicker(5 * time.Minute)
	go func() {
		defer reloadTick.Stop()
		defer gcTick.Stop()
		for {
			select {
			case <-done:
				return
			case <-reloadTick.C:
				rl.Reload()
			case <-gcTick.C:
				rl.gc()
			}
		}
	}()
}

// Reload re-reads the enabled rules. On error the previous rules stay.
func (rl *RateLimiter) Reload() {
	if rl.db == nil {
		return
	}
	rows, err := rl.db.Query(`SELECT endpoint, max_requests, window_seconds FROM rate_limits WHERE enabled = 1`)
	if err != nil {
		slog.Warn("ratelimit: failed to reload rules", "error", err)
		return
	}
	defer rows.Close()

	var limits []limit
	for rows.Next() {
		var endpoint string
		var max, window int
		if err := rows.Scan(&endpoint, &max, &window); err != nil {
			continue
		}
		method, prefix, ok := strings.Cut(endpoint, " ")
		if !ok || max <= 0 || window <= 0 {
			slog.Warn("ratelimit: ignoring rule", "endpoint", endpoint)
			continue
		}
		limits = append(limits, limit{
			method:      strings.ToUpper(method),
			prefix:      prefix,
			maxRequests: max,
			window:      time.Duration(window) * time.Second,
		})
	}

	rl.mu.Lock()
	rl.limits = limits
	rl.mu.Unlock()
	slog.Debug("ratelimit: rules reloaded", "count", len(limits))
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, k)
		}
	}
}

// allow reports whether the request may proceed and, when it may not, how
// long until the bucket resets.
func (rl *RateLimiter) allow(ip, method, path string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var match *limit
	for k := range rl.limits {
		l := &rl.limits[k]
		if l.method != method || !strings.HasPrefix(path, l.prefix) {
			continue
		}
		if match == nil || len(l.prefix) > len(match.prefix) {
			match = l
		}
	}
	if match == nil {
		return true, 0
	}

	key := ip + "|" + match.method + " " + match.prefix
	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(match.window)}
		return true, 0
	}
	b.count++
	if b.count <= match.maxRequests {
		return true, 0
	}
	return false, b.resetAt.Sub(now)
}

// Middleware enforces rate limits with a 429 JSON response.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := ExtractIP(r)
		ok, wait := rl.allow(ip, r.Method, r.URL.Path)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("ratelimit: request blocked", "ip", ip)
		secs := int(wait.Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
