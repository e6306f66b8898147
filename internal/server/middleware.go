package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// RATE LIMITER & SECURITY
// =============================================================================

type RateLimiterPool struct {
	limiters sync.Map
	rps      float64
	burst    int
}

func NewRateLimiterPool(rps float64, burst int) *RateLimiterPool {
	return &RateLimiterPool{rps: rps, burst: burst}
}

func (p *RateLimiterPool) GetLimiter(key string) *rate.Limiter {
	if limiter, ok := p.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}
	limiter, _ := p.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(p.rps), p.burst))
	return limiter.(*rate.Limiter)
}

type ConnectionTracker struct {
	connections sync.Map
	count       int64
	maxConn     int
	mu          sync.Mutex
}

func NewConnectionTracker(maxConn int) *ConnectionTracker {
	return &ConnectionTracker{maxConn: maxConn}
}

func (ct *ConnectionTracker) Add(id string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if int(atomic.LoadInt64(&ct.count)) >= ct.maxConn {
		return false
	}
	ct.connections.Store(id, time.Now())
	atomic.AddInt64(&ct.count, 1)
	return true
}

func (ct *ConnectionTracker) Remove(id string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if _, ok := ct.connections.LoadAndDelete(id); ok {
		atomic.AddInt64(&ct.count, -1)
	}
}

func (ct *ConnectionTracker) Count() int {
	return int(atomic.LoadInt64(&ct.count))
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		if s.config.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		ip := getClientIP(r)

		// Rate limiting
		if s.config.RateLimitEnabled {
			if !s.rateLimiter.GetLimiter(ip).Allow() {
				atomic.AddInt64(&s.metrics.RejectedConnections, 1)
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
		}

		// Connection tracking, streaming responses hold their slot until they end
		connID := fmt.Sprintf("%s-%d", ip, atomic.AddUint64(&s.connSeq, 1))
		if !s.connTracker.Add(connID) {
			atomic.AddInt64(&s.metrics.RejectedConnections, 1)
			http.Error(w, `{"error":"max connections exceeded"}`, http.StatusServiceUnavailable)
			return
		}
		defer s.connTracker.Remove(connID)

		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
