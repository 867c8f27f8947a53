package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shtcut/edge/pkg/domain"
	"github.com/shtcut/edge/pkg/edge"
	"github.com/shtcut/edge/pkg/storage"
)

// AdminRouter serves health, metrics and debug endpoints.
func AdminRouter(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.MetricsMiddleware("admin"))
	}

	a := &admin{opts: opts}
	r.Get("/healthz", a.healthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	r.Route("/debug", func(r chi.Router) {
		r.Get("/resolve", a.resolve)
		r.Get("/redirects", a.redirects)
		r.Get("/config", a.config)
		r.Get("/tenants", a.tenants)
		r.Get("/lookups", a.lookups)
		r.Get("/ratelimits", a.rateLimits)
	})
	return r
}

type admin struct {
	opts Options
}

func (a *admin) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"generation": a.opts.Edge.Generation(),
	})
}

func (a *admin) resolve(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		edge.WriteError(w, http.StatusBadRequest, domain.ErrorResponse{
			Code:    domain.CodeMalformedRequest,
			Message: "url query parameter is required",
		})
		return
	}

	req, err := IncomingFromURL(raw)
	if err != nil {
		edge.WriteError(w, http.StatusBadRequest, domain.ErrorResponse{
			Code:    domain.CodeMalformedRequest,
			Message: err.Error(),
		})
		return
	}

	rc, err := a.opts.Edge.Resolve(req)
	if err != nil {
		edge.WriteError(w, http.StatusBadRequest, domain.ErrorResponse{
			Code:    domain.CodeMalformedRequest,
			Message: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (a *admin) redirects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": a.opts.Edge.Generation(),
		"rules":      a.opts.Edge.RedirectRules(),
	})
}

func (a *admin) config(w http.ResponseWriter, r *http.Request) {
	tenants, err := a.opts.Edge.Tenants().List(r.Context())
	if err != nil {
		edge.WriteError(w, http.StatusInternalServerError, domain.ErrorResponse{
			Code:    domain.CodeInternal,
			Message: "tenant registry unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": a.opts.Edge.Generation(),
		"tenants":    len(tenants),
		"redirects":  len(a.opts.Edge.RedirectRules()),
	})
}

func (a *admin) tenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := a.opts.Edge.Tenants().List(r.Context())
	if err != nil {
		edge.WriteError(w, http.StatusInternalServerError, domain.ErrorResponse{
			Code:    domain.CodeInternal,
			Message: "tenant registry unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

func (a *admin) lookups(w http.ResponseWriter, r *http.Request) {
	lookups := []storage.KeyLookup{}
	var dropped int64
	if a.opts.Lookups != nil {
		lookups = a.opts.Lookups.Lookups(r.Context())
		dropped = a.opts.Lookups.Dropped()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lookups": lookups,
		"dropped": dropped,
	})
}

func (a *admin) rateLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.opts.Edge.RateLimits())
}

// IncomingFromURL builds a request descriptor from an absolute URL such as
// "https://acme.shtcut.link/github?ref=x". A missing scheme is assumed to be https.
func IncomingFromURL(raw string) (domain.IncomingRequest, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return domain.IncomingRequest{}, errors.New("url could not be parsed")
	}
	return domain.IncomingRequest{
		Host:     u.Host,
		Path:     u.EscapedPath(),
		RawQuery: u.RawQuery,
		Method:   http.MethodGet,
	}, nil
}
