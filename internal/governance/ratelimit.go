package governance

import (
	"cmp"
	"maps"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/shtcut/edge/pkg/domain"
)

// DefaultMaxLimiters caps how many tenant buckets are tracked. At the cap,
// refilled buckets are pruned first and then the least recently used ones.
const DefaultMaxLimiters = 10000

// Result is the outcome of a single Allow call.
type Result struct {
	Allowed bool
	// Limit is the bucket size. Zero means the domain is not limited.
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limited reports whether a limit applied to the request.
func (r Result) Limited() bool {
	return r.Limit > 0
}

// RateLimitStats exposes the state of one tenant bucket.
type RateLimitStats struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	Burst             int     `json:"burst"`
	Available         float64 `json:"available"`
}

type bucket struct {
	limiter  *rate.Limiter
	cfg      domain.RateLimitConfig
	lastUsed atomic.Uint64
}

// RateLimiter enforces token buckets per tenant domain. Buckets are created
// lazily and survive reconfiguration.
type RateLimiter struct {
	mu        sync.RWMutex
	buckets   map[string]*bucket
	defaults  domain.RateLimitConfig
	overrides map[string]domain.RateLimitConfig

	maxBuckets int
	now        func() time.Time
	uses       atomic.Uint64
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) {
		rl.now = now
	}
}

// WithMaxBuckets overrides DefaultMaxLimiters.
func WithMaxBuckets(n int) Option {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxBuckets = n
		}
	}
}

// NewRateLimiter creates a rate limiter with the default limit and the
// per-tenant overrides.
func NewRateLimiter(defaults domain.RateLimitConfig, tenants []domain.Tenant, opts ...Option) *RateLimiter {
	rl := &RateLimiter{
		buckets:    make(map[string]*bucket),
		maxBuckets: DefaultMaxLimiters,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.Configure(defaults, tenants)
	return rl
}

// Configure replaces the limits. Existing buckets keep their tokens and pick
// up the new rate and burst; buckets whose tenant is no longer limited are
// dropped.
func (rl *RateLimiter) Configure(defaults domain.RateLimitConfig, tenants []domain.Tenant) {
	overrides := make(map[string]domain.RateLimitConfig)
	for _, t := range tenants {
		if t.RateLimit != nil {
			overrides[normalize(t.Domain)] = *t.RateLimit
		}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.defaults = defaults
	rl.overrides = overrides

	now := rl.now()
	for key, b := range rl.buckets {
		cfg := rl.limitForLocked(key)
		if !cfg.Enabled() {
			delete(rl.buckets, key)
			continue
		}
		if cfg != b.cfg {
			b.limiter.SetLimitAt(now, rate.Limit(cfg.RequestsPerSecond))
			b.limiter.SetBurstAt(now, burstFor(cfg))
			b.cfg = cfg
		}
	}
}

// Allow takes one token from the bucket of tenantDomain.
func (rl *RateLimiter) Allow(tenantDomain string) Result {
	key := normalize(tenantDomain)

	rl.mu.RLock()
	b, ok := rl.buckets[key]
	cfg := rl.limitForLocked(key)
	rl.mu.RUnlock()

	if !cfg.Enabled() {
		return Result{Allowed: true}
	}

	if !ok {
		func() {
			rl.mu.Lock()
			defer rl.mu.Unlock()
			if b, ok = rl.buckets[key]; ok {
				return
			}
			if len(rl.buckets) >= rl.maxBuckets {
				rl.makeRoomLocked()
			}
			b = &bucket{
				limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burstFor(cfg)),
				cfg:     cfg,
			}
			rl.buckets[key] = b
		}()
	}

	b.lastUsed.Store(rl.uses.Add(1))

	now := rl.now()
	res := Result{Limit: b.limiter.Burst()}
	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return res
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		res.RetryAfter = delay
		return res
	}
	res.Allowed = true
	res.Remaining = max(0, int(b.limiter.TokensAt(now)))
	return res
}

// Stats returns the state of every tracked bucket.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, b := range rl.buckets {
		stats[key] = RateLimitStats{
			RequestsPerSecond: b.cfg.RequestsPerSecond,
			Burst:             b.limiter.Burst(),
			Available:         b.limiter.TokensAt(now),
		}
	}
	return stats
}

// Len returns the number of tracked buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) limitForLocked(key string) domain.RateLimitConfig {
	if cfg, ok := rl.overrides[key]; ok {
		return cfg
	}
	return rl.defaults
}

// makeRoomLocked drops buckets that have refilled completely. If the map is
// still full it evicts the least recently used tenth of the buckets.
func (rl *RateLimiter) makeRoomLocked() {
	now := rl.now()
	maps.DeleteFunc(rl.buckets, func(_ string, b *bucket) bool {
		return int(b.limiter.TokensAt(now)) >= b.limiter.Burst()
	})
	if len(rl.buckets) < rl.maxBuckets {
		return
	}

	type aged struct {
		key      string
		lastUsed uint64
	}
	byAge := make([]aged, 0, len(rl.buckets))
	for key, b := range rl.buckets {
		byAge = append(byAge, aged{key: key, lastUsed: b.lastUsed.Load()})
	}
	slices.SortFunc(byAge, func(a, b aged) int {
		return cmp.Compare(a.lastUsed, b.lastUsed)
	})

	keep := rl.maxBuckets - max(1, rl.maxBuckets/10)
	for _, a := range byAge[:len(byAge)-keep] {
		delete(rl.buckets, a.key)
	}
}

func burstFor(cfg domain.RateLimitConfig) int {
	if cfg.Burst > 0 {
		return min(cfg.Burst, domain.MaxBurst)
	}
	rps := min(cfg.RequestsPerSecond, domain.MaxBurst)
	if math.IsNaN(rps) {
		return 1
	}
	return max(1, int(math.Ceil(rps)))
}

func normalize(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

// WriteRateLimitHeaders adds rate limit status headers to h.
func WriteRateLimitHeaders(h http.Header, res Result) {
	if !res.Limited() {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.Allowed {
		secs := int(math.Ceil(res.RetryAfter.Seconds()))
		h.Set("Retry-After", strconv.Itoa(max(1, secs)))
	}
}
