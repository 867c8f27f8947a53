// Package server runs the data plane and admin HTTP listeners of the edge gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shtcut/edge/pkg/config"
	"github.com/shtcut/edge/pkg/domain"
	"github.com/shtcut/edge/pkg/edge"
	"github.com/shtcut/edge/pkg/storage"
	"github.com/shtcut/edge/pkg/telemetry"
)

// Options holds the components served by the gateway.
type Options struct {
	Edge     *edge.Middleware
	Upstream http.Handler
	Metrics  *telemetry.Metrics
	Lookups  *storage.MemoryLookupStats
	Logger   *slog.Logger
}

// Server owns the data plane and admin listeners.
type Server struct {
	cfg    config.ServerConfig
	opts   Options
	logger *slog.Logger

	data  *http.Server
	admin *http.Server

	dataAddr  net.Addr
	adminAddr net.Addr
	errCh     chan error
}

// New builds both HTTP servers without binding them.
func New(cfg config.ServerConfig, opts Options) (*Server, error) {
	if opts.Edge == nil {
		return nil, errors.New("server: edge middleware is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	if opts.Upstream == nil {
		upstream, err := NewUpstream(cfg.UpstreamURL, opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Upstream = upstream
	}

	s := &Server{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger,
		errCh:  make(chan error, 2),
	}
	s.data = &http.Server{
		Handler:      DataHandler(opts),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	s.admin = &http.Server{
		Handler:           AdminRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// DataHandler wraps the upstream with the edge middleware, request metrics and tracing.
func DataHandler(opts Options) http.Handler {
	handler := opts.Edge.Wrap(opts.Upstream)
	if opts.Metrics != nil {
		handler = opts.Metrics.MetricsMiddleware("data")(handler)
	}
	return otelhttp.NewHandler(handler, "shtcut.edge")
}

// NewUpstream returns a reverse proxy to rawURL, or the route echo handler
// when rawURL is empty.
func NewUpstream(rawURL string, logger *slog.Logger) (http.Handler, error) {
	if rawURL == "" {
		return RouteEcho(), nil
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = otelhttp.NewTransport(http.DefaultTransport)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("upstream request failed",
			"upstream", target.Host,
			"path", r.URL.Path,
			"request_id", edge.RequestIDFromContext(r.Context()),
			"error", err,
		)
		edge.WriteError(w, http.StatusBadGateway, domain.ErrorResponse{
			Code:      domain.CodeUpstreamFailed,
			Message:   "upstream unavailable",
			TraceID:   telemetry.TraceID(r.Context()),
			RequestID: edge.RequestIDFromContext(r.Context()),
		})
	}
	return proxy, nil
}

// RouteEcho answers every request with the resolved route context as JSON.
func RouteEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, ok := edge.RouteFromContext(r.Context())
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"route": rc,
			"path":  r.URL.Path,
		})
	})
}

// Start binds both listeners and serves them in the background.
func (s *Server) Start() error {
	dataLn, err := net.Listen("tcp", s.cfg.DataAddress)
	if err != nil {
		return fmt.Errorf("bind data listener %s: %w", s.cfg.DataAddress, err)
	}
	adminLn, err := net.Listen("tcp", s.cfg.AdminAddress)
	if err != nil {
		_ = dataLn.Close()
		return fmt.Errorf("bind admin listener %s: %w", s.cfg.AdminAddress, err)
	}
	s.dataAddr = dataLn.Addr()
	s.adminAddr = adminLn.Addr()

	s.logger.Info("data plane listening", "addr", s.dataAddr.String())
	s.logger.Info("admin listening", "addr", s.adminAddr.String())

	go s.serve("data", s.data, dataLn)
	go s.serve("admin", s.admin, adminLn)
	return nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("server failed", "server", name, "error", err)
		s.errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

// Errors reports fatal serve errors.
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// DataAddr returns the bound data plane address once started.
func (s *Server) DataAddr() net.Addr { return s.dataAddr }

// AdminAddr returns the bound admin address once started.
func (s *Server) AdminAddr() net.Addr { return s.adminAddr }

// Shutdown stops both listeners and waits for background edge work.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.data.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("data server: %w", err))
	}
	if err := s.admin.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("admin server: %w", err))
	}
	if err := s.opts.Edge.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain background tasks: %w", err))
	}
	return errors.Join(errs...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
