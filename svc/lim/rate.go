package lim

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"pastel/metrics"
	"pastel/svc/util"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	redisTimeout    = 100 * time.Millisecond
	tightenFor      = 60 * time.Second
)

// Counter is a fixed-window hit counter shared between instances.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// Limiter enforces a per-client requests-per-minute budget for each endpoint
// class. Redis holds the shared counters; when it is absent or failing the
// limiter falls back to in-process token buckets.
type Limiter struct {
	counter        Counter
	trustedProxies []string
	rpm            int
	burst          int
	keySalt        []byte
	tightenedUntil int64
	errors         *ErrorTracker

	mu          sync.Mutex
	local       map[string]*limiterEntry
	evictionSem chan struct{}
	quit        chan struct{}
	stopOnce    sync.Once
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New validates trustedProxies and starts the background eviction loop.
// counter may be nil.
func New(rpm, burst int, counter Counter, trustedProxies []string) (*Limiter, error) {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, fmt.Errorf("invalid CIDR in trusted proxies: %s: %w", proxy, err)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, fmt.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	if rpm <= 0 {
		return nil, fmt.Errorf("rpm must be positive, got %d", rpm)
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		counter:        counter,
		trustedProxies: trustedProxies,
		rpm:            rpm,
		burst:          burst,
		keySalt:        []byte(util.NewRequestID()),
		local:          make(map[string]*limiterEntry),
		evictionSem:    make(chan struct{}, 1),
		quit:           make(chan struct{}),
	}
	l.errors = NewErrorTracker(5, l.Tighten)
	go l.cleanupLoop()
	return l, nil
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	minute := time.NewTicker(time.Minute)
	defer minute.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpired()
		case <-minute.C:
			l.errors.Advance()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

// Tighten halves every budget for the next minute.
func (l *Limiter) Tighten() {
	atomic.StoreInt64(&l.tightenedUntil, time.Now().Add(tightenFor).Unix())
}

func (l *Limiter) tightened() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.tightenedUntil)
}

func (l *Limiter) Errors() *ErrorTracker {
	return l.errors
}

func (l *Limiter) limit() int {
	if !l.tightened() {
		return l.rpm
	}
	if half := l.rpm / 2; half > 0 {
		return half
	}
	return 1
}

// ClientKey hashes the client address so raw IPs never reach Redis.
func (l *Limiter) ClientKey(r *http.Request) string {
	ip := GetRealIP(r, l.trustedProxies)
	h, _ := blake2b.New256(l.keySalt)
	h.Write([]byte(ip))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Check spends one request from the caller's budget for endpoint.
func (l *Limiter) Check(r *http.Request, endpoint string) *Result {
	key := endpoint + ":" + l.ClientKey(r)
	limit := l.limit()
	now := time.Now()
	if l.counter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), redisTimeout)
		defer cancel()
		usage, err := l.counter.RateLimit(ctx, "pastel:rl:"+key, limit, time.Minute)
		if err == nil {
			remaining := limit - usage
			if remaining < 0 {
				remaining = 0
			}
			res := &Result{Allowed: usage <= limit, Limit: limit, Remaining: remaining, Reset: now.Add(time.Minute)}
			if !res.Allowed {
				metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
			}
			return res
		}
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
	}
	res := l.checkLocal(key, limit)
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	}
	return res
}

func (l *Limiter) checkLocal(key string, limit int) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.local) >= (maxLimiters*9)/10 {
		if toEvict := len(l.local) / 10; toEvict > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.evictOldest(toEvict)
				}()
			default:
			}
		}
	}
	reset := time.Now().Add(time.Minute)
	entry, ok := l.local[key]
	if !ok {
		if len(l.local) >= maxLimiters {
			util.Warn().Int("limiters", len(l.local)).Msg("rate limiter at capacity, rejecting request")
			return &Result{Allowed: false, Limit: limit, Reset: reset}
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(limit)/60.0), l.burst)}
		l.local[key] = entry
	}
	entry.lastAccess = time.Now()
	if entry.limiter.Limit() != rate.Limit(float64(limit)/60.0) {
		entry.limiter.SetLimit(rate.Limit(float64(limit) / 60.0))
	}
	if !entry.limiter.Allow() {
		return &Result{Allowed: false, Limit: limit, Reset: reset}
	}
	remaining := int(entry.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return &Result{Allowed: true, Limit: limit, Remaining: remaining, Reset: reset}
}

func (l *Limiter) evictExpired() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.local {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.local, key)
			evicted++
		}
	}
	remaining := len(l.local)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}

func (l *Limiter) evictOldest(count int) {
	type kv struct {
		key        string
		lastAccess time.Time
	}
	l.mu.Lock()
	entries := make([]kv, 0, len(l.local))
	for k, v := range l.local {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < count && i < len(entries); i++ {
		delete(l.local, entries[i].key)
	}
}

// GetRealIP returns the first untrusted address walking X-Forwarded-For from
// the right, or the peer address when the peer is not a trusted proxy.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	hops := strings.Split(xff, ",")
	for i, n := len(hops)-1, 0; i >= 0 && n < maxIPsToParse; i-- {
		ipStr := strings.TrimSpace(hops[i])
		if ipStr == "" {
			continue
		}
		n++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsed := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if !strings.Contains(proxy, "/") || parsed == nil {
			continue
		}
		if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsed) {
			return true
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
