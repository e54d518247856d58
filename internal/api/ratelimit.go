package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"inspectd/internal/apierr"
	"inspectd/internal/config"
)

type ctxKey int

const ctxKeyClientIP ctxKey = iota

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter is a per-caller limiter built on golang.org/x/time/rate, one
// token bucket per source IP (§6.1 rate_limit).
type ipLimiter struct {
	mu          sync.Mutex
	entries     map[string]*ipLimiterEntry
	lastCleanup time.Time

	enabled bool
	rps     rate.Limit
	burst   int
	ttl     time.Duration
}

// newIPLimiter builds a limiter from the loaded config's rate_limit block.
// window_ms/max are converted to a steady rate; burst equals max so a
// caller can spend a whole window's allowance in a burst, matching the
// fixed-window semantics the config names suggest.
func newIPLimiter(cfg config.RateLimit) *ipLimiter {
	if !cfg.Enable || cfg.Max <= 0 || cfg.WindowMS <= 0 {
		return &ipLimiter{enabled: false}
	}
	return &ipLimiter{
		enabled: true,
		entries: make(map[string]*ipLimiterEntry),
		rps:     rate.Limit(float64(cfg.Max) / (float64(cfg.WindowMS) / 1000.0)),
		burst:   cfg.Max,
		ttl:     15 * time.Minute,
	}
}

// clientIPMiddleware resolves the caller's address (§6.4 trust_proxy) once
// per request and stores it in the request context for downstream
// middleware and handlers.
func clientIPMiddleware(trustProxy bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := resolveClientIP(r, trustProxy)
		ctx := context.WithValue(r.Context(), ctxKeyClientIP, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ipFromRequest(r *http.Request) string {
	if ip, ok := r.Context().Value(ctxKeyClientIP).(string); ok {
		return ip
	}
	return ""
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	if !l.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(ipFromRequest(r)) {
			writeError(w, apierr.RateLimit)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *ipLimiter) allow(ip string) bool {
	if !l.enabled {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastCleanup.IsZero() || now.Sub(l.lastCleanup) > time.Minute {
		for k, v := range l.entries {
			if now.Sub(v.lastSeen) > l.ttl {
				delete(l.entries, k)
			}
		}
		l.lastCleanup = now
	}

	ent := l.entries[ip]
	if ent == nil {
		ent = &ipLimiterEntry{
			limiter:  rate.NewLimiter(l.rps, l.burst),
			lastSeen: now,
		}
		l.entries[ip] = ent
	} else {
		ent.lastSeen = now
	}

	return ent.limiter.Allow()
}

// resolveClientIP implements §6.4 trust_proxy: when unset, the TCP peer
// address is authoritative; when set, X-Forwarded-For (as populated by a
// reverse proxy in front of inspectd) is trusted instead.
func resolveClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
