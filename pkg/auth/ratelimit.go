package auth

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lore-anchor/anchor/pkg/api"
)

// RateFromString parses limits of the form "10/minute" into a refill rate
// and a burst equal to the numerator.
func RateFromString(s string) (rate.Limit, int, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf(`auth: rate %q must look like "10/minute"`, s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n < 1 {
		return 0, 0, fmt.Errorf("auth: rate %q has an invalid count", s)
	}
	var window time.Duration
	switch strings.TrimSpace(parts[1]) {
	case "second":
		window = time.Second
	case "minute":
		window = time.Minute
	case "hour":
		window = time.Hour
	default:
		return 0, 0, fmt.Errorf("auth: rate %q has an unknown window", s)
	}
	return rate.Limit(float64(n) / window.Seconds()), n, nil
}

// IPLimiter applies a token bucket per remote IP. Stale visitors are swept
// every minute after three minutes of silence so the map cannot grow
// without bound.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPLimiter(spec string) (*IPLimiter, error) {
	limit, burst, err := RateFromString(spec)
	if err != nil {
		return nil, err
	}
	l := &IPLimiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		burst:    burst,
	}
	go l.sweep()
	return l, nil
}

// Allow reports whether ip has budget for one more request.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (l *IPLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for ip, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}

// Middleware rejects over-limit requests with 429 and a Retry-After hint of
// one refill interval.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	retryAfter := int(math.Ceil(1 / float64(l.limit)))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			api.WriteTooManyRequests(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
