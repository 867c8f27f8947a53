package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/shtcut/edge/internal/governance"
	"github.com/shtcut/edge/pkg/domain"
	"github.com/shtcut/edge/pkg/policy"
	"github.com/shtcut/edge/pkg/redirect"
	"github.com/shtcut/edge/pkg/storage"
	"github.com/shtcut/edge/pkg/telemetry"
	"github.com/shtcut/edge/pkg/tenant"
)

// Headers set by the middleware.
const (
	RequestIDHeader    = "X-Request-ID"
	TenantHeader       = "X-Edge-Tenant"
	RouteKeyHeader     = "X-Edge-Key"
	OriginalPathHeader = "X-Edge-Original-Path"
)

const (
	defaultWaitUntilTimeout = 5 * time.Second
	maxRequestIDLength      = 128
)

type routeKey struct{}
type requestIDKey struct{}

// RouteFromContext returns the route context resolved for the request.
func RouteFromContext(ctx context.Context) (domain.RouteContext, bool) {
	rc, ok := ctx.Value(routeKey{}).(domain.RouteContext)
	return rc, ok
}

// RequestIDFromContext returns the request ID assigned by Wrap.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Options configures a Middleware. Zero values fall back to defaults: the
// default resolver and redirect table, an empty in-memory tenant store and a
// policy that allows everything.
type Options struct {
	Resolver   *tenant.Resolver
	Redirects  *redirect.Table
	Policy     policy.Filter
	Tenancy    domain.TenancyConfig
	Generation int64

	Tenants domain.TenantStore
	Stats   domain.LookupStats
	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	// RateLimit is the default per-tenant limit used when Limiter is nil.
	RateLimit domain.RateLimitConfig
	Limiter   *governance.RateLimiter

	// SignInPath is validated as a sign-in form on POST. Empty disables it.
	SignInPath       string
	WaitUntilTimeout time.Duration
}

// state is the part of the middleware replaced on configuration reload.
type state struct {
	generation int64
	resolver   *tenant.Resolver
	redirects  *redirect.Table
	policy     policy.Filter
	tenancy    domain.TenancyConfig

	signInPath       string
	waitUntilTimeout time.Duration
}

// Middleware resolves tenants and applies routing decisions.
type Middleware struct {
	state atomic.Pointer[state]

	tenants domain.TenantStore
	limiter *governance.RateLimiter
	stats   domain.LookupStats
	metrics *telemetry.Metrics
	logger  *slog.Logger

	background sync.WaitGroup
}

// New builds a Middleware from opts.
func New(opts Options) (*Middleware, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resolver := opts.Resolver
	if resolver == nil {
		var err error
		resolver, err = tenant.NewResolver(tenant.ConfigFromDomain(opts.Tenancy))
		if err != nil {
			return nil, fmt.Errorf("build resolver: %w", err)
		}
	}

	table := opts.Redirects
	if table == nil {
		var err error
		table, err = redirect.New(redirect.DefaultRules())
		if err != nil {
			return nil, fmt.Errorf("build redirect table: %w", err)
		}
	}

	filter := opts.Policy
	if filter == nil {
		filter = policy.AllowAll{}
	}

	tenants := opts.Tenants
	if tenants == nil {
		tenants = storage.NewMemoryTenantStore()
	}

	limiter := opts.Limiter
	if limiter == nil {
		limiter = governance.NewRateLimiter(opts.RateLimit, nil)
	}

	m := &Middleware{
		tenants: tenants,
		limiter: limiter,
		stats:   opts.Stats,
		metrics: opts.Metrics,
		logger:  logger,
	}
	m.state.Store(&state{
		generation:       opts.Generation,
		resolver:         resolver,
		redirects:        table,
		policy:           filter,
		tenancy:          opts.Tenancy,
		signInPath:       opts.SignInPath,
		waitUntilTimeout: waitUntilTimeout(opts.WaitUntilTimeout),
	})
	return m, nil
}

func waitUntilTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultWaitUntilTimeout
	}
	return d
}

// Apply rebuilds the resolver, redirect table and policy from snap and swaps
// them in atomically together with the tenant registry. On error the
// previous state stays active.
func (m *Middleware) Apply(ctx context.Context, snap domain.Snapshot) error {
	resolver, err := tenant.NewResolver(tenant.ConfigFromDomain(snap.Tenancy))
	if err != nil {
		return fmt.Errorf("build resolver: %w", err)
	}
	table, err := redirect.New(snap.Redirects)
	if err != nil {
		return fmt.Errorf("build redirect table: %w", err)
	}
	var filter policy.Filter = policy.AllowAll{}
	engine, err := policy.NewEngineFromConfig(ctx, snap.Policy, snap.BaseDir, m.logger)
	if err != nil {
		return fmt.Errorf("build policy engine: %w", err)
	}
	if engine != nil {
		filter = engine
	}

	if err := m.tenants.Replace(ctx, snap.Tenants); err != nil {
		return fmt.Errorf("replace tenants: %w", err)
	}
	m.limiter.Configure(snap.RateLimit, snap.Tenants)

	m.state.Store(&state{
		generation:       snap.Generation,
		resolver:         resolver,
		redirects:        table,
		policy:           filter,
		tenancy:          snap.Tenancy,
		signInPath:       snap.SignInPath,
		waitUntilTimeout: waitUntilTimeout(snap.WaitUntilTimeout),
	})

	if m.metrics != nil {
		m.metrics.SetActiveConfig(snap.Generation, len(snap.Tenants))
	}
	m.logger.Info("edge configuration applied",
		"generation", snap.Generation,
		"tenants", len(snap.Tenants),
		"redirects", table.Len(),
		"policy", engine != nil,
		"rate_limited", snap.RateLimit.Enabled(),
	)
	return nil
}

// Watch applies every snapshot published by svc until ctx is done or the
// subscription is closed.
func (m *Middleware) Watch(ctx context.Context, svc domain.ConfigService) {
	updates := svc.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap.Generation != 0 && snap.Generation == m.Generation() {
				continue
			}
			if err := m.Apply(ctx, snap); err != nil {
				m.logger.Error("edge configuration rejected", "generation", snap.Generation, "error", err)
				if m.metrics != nil {
					m.metrics.RecordConfigReload("rejected")
				}
			}
		}
	}
}

// Generation returns the generation of the active configuration.
func (m *Middleware) Generation() int64 {
	return m.state.Load().generation
}

// Resolve resolves req with the active resolver.
func (m *Middleware) Resolve(req domain.IncomingRequest) (domain.RouteContext, error) {
	return m.state.Load().resolver.Resolve(req)
}

// RedirectRules returns the active redirect rules in match order.
func (m *Middleware) RedirectRules() []domain.RedirectRule {
	return m.state.Load().redirects.Rules()
}

// RateLimits returns the state of the tracked tenant buckets.
func (m *Middleware) RateLimits() map[string]governance.RateLimitStats {
	return m.limiter.Stats()
}

// Tenants returns the tenant registry used by the middleware.
func (m *Middleware) Tenants() domain.TenantStore {
	return m.tenants
}

// Decide computes the routing decision for r without writing a response.
// It takes a token from the tenant's rate limit bucket. A POST to the sign-in
// path has its body read and restored.
func (m *Middleware) Decide(ctx context.Context, r *http.Request) Decision {
	st := m.state.Load()

	start := time.Now()
	rc, err := st.resolver.Resolve(domain.FromHTTP(r))
	if err != nil {
		telemetry.RecordResolution(ctx, telemetry.ResolutionMalformed, false, time.Since(start))
		if m.metrics != nil {
			m.metrics.RecordResolution(telemetry.ResolutionMalformed, false)
		}
		return Reject{
			StatusCode: http.StatusBadRequest,
			Code:       domain.CodeMalformedRequest,
			Message:    err.Error(),
			Err:        err,
		}
	}
	telemetry.RecordResolution(ctx, telemetry.ResolutionOK, rc.Custom, time.Since(start))
	if m.metrics != nil {
		m.metrics.RecordResolution(telemetry.ResolutionOK, rc.Custom)
	}

	t, registered, reject := m.lookupTenant(ctx, st, rc)
	if reject != nil {
		return *reject
	}

	if res := m.limiter.Allow(rc.Domain); !res.Allowed {
		if m.metrics != nil {
			m.metrics.RecordRateLimited(rc.Custom)
		}
		h := make(http.Header)
		governance.WriteRateLimitHeaders(h, res)
		return Reject{
			Route:      rc,
			StatusCode: http.StatusTooManyRequests,
			Code:       domain.CodeRateLimited,
			Message:    fmt.Sprintf("too many requests for %q", rc.Domain),
			Header:     h,
			Err:        domain.ErrRateLimited,
		}
	}

	if reject := m.evaluatePolicy(ctx, st, rc, r.Method); reject != nil {
		return *reject
	}

	if rd, ok := st.redirects.Match(rc.Domain, rc.Path, r.URL.RawQuery); ok {
		return Redirect{Route: rc, Location: rd.Location, StatusCode: rd.StatusCode, Source: rd.Source}
	}

	if st.signInPath != "" && r.Method == http.MethodPost && rc.Path == st.signInPath {
		if reject := validateSignIn(r, rc); reject != nil {
			return *reject
		}
	}

	if registered && t.Rewrite != "" {
		if p, ok := underPrefix(t.Rewrite, rc.Path); ok {
			return Rewrite{Route: rc, Path: p}
		}
		return PassThrough{Route: rc}
	}
	if st.tenancy.AppSubdomain != "" && !rc.Custom && rc.Domain == st.tenancy.AppSubdomain {
		prefix := st.tenancy.AppPrefix
		if prefix == "" {
			prefix = "/app"
		}
		if p, ok := underPrefix(prefix, rc.Path); ok {
			return Rewrite{Route: rc, Path: p}
		}
	}

	return PassThrough{Route: rc}
}

func (m *Middleware) lookupTenant(ctx context.Context, st *state, rc domain.RouteContext) (domain.Tenant, bool, *Reject) {
	t, err := m.tenants.Get(ctx, rc.Domain)
	switch {
	case err == nil:
		if t.Disabled {
			return t, true, &Reject{
				Route:      rc,
				StatusCode: http.StatusForbidden,
				Code:       domain.CodeTenantDisabled,
				Message:    fmt.Sprintf("tenant %q is disabled", rc.Domain),
				Err:        domain.ErrTenantDisabled,
			}
		}
		return t, true, nil
	case errors.Is(err, domain.ErrTenantNotFound):
		if rc.Custom && st.tenancy.RequireRegisteredCustomDomains {
			return domain.Tenant{}, false, &Reject{
				Route:      rc,
				StatusCode: http.StatusNotFound,
				Code:       domain.CodeUnknownTenant,
				Message:    fmt.Sprintf("domain %q is not registered", rc.Domain),
				Err:        err,
			}
		}
		return domain.Tenant{}, false, nil
	default:
		m.logger.Warn("tenant lookup failed", "domain", rc.Domain, "error", err)
		return domain.Tenant{}, false, nil
	}
}

func (m *Middleware) evaluatePolicy(ctx context.Context, st *state, rc domain.RouteContext, method string) *Reject {
	decision, err := st.policy.Evaluate(ctx, policy.Input{
		Route:      rc,
		Method:     method,
		Generation: strconv.FormatInt(st.generation, 10),
	})
	if err != nil {
		m.logger.Error("policy evaluation failed", "domain", rc.Domain, "key", rc.Key, "error", err)
		return &Reject{
			Route:      rc,
			StatusCode: http.StatusServiceUnavailable,
			Code:       domain.CodePolicyUnavailable,
			Message:    "routing policy unavailable",
			Err:        err,
		}
	}

	telemetry.RecordPolicyDecision(trace.SpanFromContext(ctx), decision)
	if m.metrics != nil {
		m.metrics.RecordPolicyDecision(string(decision.Action))
	}

	if decision.Allowed() {
		return nil
	}
	msg := "request blocked by routing policy"
	if decision.Reason != "" {
		msg = decision.Reason
	}
	return &Reject{
		Route:      rc,
		StatusCode: http.StatusForbidden,
		Code:       domain.CodePolicyDenied,
		Message:    msg,
		Err:        domain.ErrPolicyDenied,
	}
}

// underPrefix joins prefix and p unless p already lives under prefix.
func underPrefix(prefix, p string) (string, bool) {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" || p == prefix || strings.HasPrefix(p, prefix+"/") {
		return p, false
	}
	if p == "/" {
		return prefix, true
	}
	return prefix + p, true
}

// Wrap returns a handler applying the routing decision before next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ev := &Event{RequestID: requestID}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx = withEvent(ctx, ev)
		r = r.WithContext(ctx)

		decision := m.Decide(ctx, r)
		span := trace.SpanFromContext(ctx)
		rc := decision.RouteContext()
		if rc.Domain != "" {
			telemetry.RecordRouteContext(span, rc)
			ctx = context.WithValue(ctx, routeKey{}, rc)
			r = r.WithContext(ctx)
		}

		switch d := decision.(type) {
		case Reject:
			telemetry.RecordDecision(span, d.Kind(), d.StatusCode)
			if d.Code == domain.CodeMalformedRequest {
				telemetry.RecordResolveError(span, d.Err)
			}
			m.writeReject(w, r, d, requestID)
		case Redirect:
			telemetry.RecordDecision(span, d.Kind(), d.StatusCode)
			if m.metrics != nil {
				m.metrics.RecordRedirect(d.Source, d.StatusCode)
			}
			w.Header().Set("Location", d.Location)
			w.WriteHeader(d.StatusCode)
		case Rewrite:
			telemetry.RecordDecision(span, d.Kind(), 0)
			next.ServeHTTP(w, rewriteRequest(r, d))
		case PassThrough:
			telemetry.RecordDecision(span, d.Kind(), 0)
			setRouteHeaders(r, d.Route)
			next.ServeHTTP(w, r)
		}

		code := ""
		if rj, ok := decision.(Reject); ok {
			code = rj.Code
		}
		telemetry.RecordDecisionMetric(ctx, decision.Kind())
		if m.metrics != nil {
			m.metrics.RecordDecision(decision.Kind(), code)
		}
		m.logger.Debug("edge decision",
			"request_id", requestID,
			"decision", decision.Kind(),
			"domain", rc.Domain,
			"key", rc.Key,
			"path", rc.Path,
		)

		if m.stats != nil && rc.FullKey != "" {
			outcome := lookupOutcome(decision)
			fullKey := rc.FullKey
			ev.WaitUntil(func(ctx context.Context) error {
				return m.stats.RecordLookup(ctx, fullKey, outcome)
			})
		}
		m.dispatch(ctx, ev)
	})
}

func setRouteHeaders(r *http.Request, rc domain.RouteContext) {
	r.Header.Set(TenantHeader, rc.Domain)
	if rc.Key != "" {
		r.Header.Set(RouteKeyHeader, rc.Key)
	} else {
		r.Header.Del(RouteKeyHeader)
	}
}

func rewriteRequest(r *http.Request, d Rewrite) *http.Request {
	r2 := r.Clone(r.Context())
	r2.Header.Set(OriginalPathHeader, r.URL.EscapedPath())
	setRouteHeaders(r2, d.Route)

	u := *r.URL
	if unescaped, err := url.PathUnescape(d.Path); err == nil {
		u.Path = unescaped
		u.RawPath = ""
		if unescaped != d.Path {
			u.RawPath = d.Path
		}
	} else {
		u.Path = d.Path
		u.RawPath = ""
	}
	r2.URL = &u
	r2.RequestURI = u.RequestURI()
	return r2
}

// dispatch runs the event's tasks in the background once the response is done.
func (m *Middleware) dispatch(ctx context.Context, ev *Event) {
	tasks := ev.seal()
	if len(tasks) == 0 {
		return
	}

	timeout := m.state.Load().waitUntilTimeout
	m.background.Add(1)
	go func() {
		defer m.background.Done()

		taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		g, gctx := errgroup.WithContext(taskCtx)
		for _, task := range tasks {
			g.Go(func() error {
				return task(gctx)
			})
		}

		status := "ok"
		if err := g.Wait(); err != nil {
			status = "error"
			m.logger.Warn("background task failed", "request_id", ev.RequestID, "error", err)
		}
		if m.metrics != nil {
			m.metrics.RecordBackgroundTask(status)
		}
	}()
}

// Drain waits for background tasks to finish or ctx to end.
func (m *Middleware) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
