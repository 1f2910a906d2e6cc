package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter allows a fixed number of requests per client IP in each window.
// Maintenance actions such as a storage rescan are cheap to request and
// expensive to run, so they sit behind it.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*window
	limit   int
	period  time.Duration
	maxIPs  int
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

// NewRateLimiter allows limit requests per period for each client.
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*window),
		limit:   limit,
		period:  period,
		maxIPs:  1024,
		now:     time.Now,
	}
}

// Allow records a request from ip and reports whether it is within the limit.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.clients[ip]
	if !ok || now.Sub(w.start) >= rl.period {
		if !ok && len(rl.clients) >= rl.maxIPs {
			rl.expire(now)
		}
		rl.clients[ip] = &window{start: now, count: 1}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// expire drops windows that have ended. If every window is still live the
// map is reset; a burst from many addresses only loses rate history.
func (rl *RateLimiter) expire(now time.Time) {
	for ip, w := range rl.clients {
		if now.Sub(w.start) >= rl.period {
			delete(rl.clients, ip)
		}
	}
	if len(rl.clients) >= rl.maxIPs {
		clear(rl.clients)
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}
		next(w, r)
	}
}

// clientIP uses the TCP peer address only; forwarded headers are spoofable.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
