package edge

import (
	"net/http"

	"github.com/shtcut/edge/pkg/domain"
)

// Decision kinds, used as metric and log labels.
const (
	KindPassThrough = "passthrough"
	KindRedirect    = "redirect"
	KindRewrite     = "rewrite"
	KindReject      = "reject"
)

// Decision is the outcome of Decide: PassThrough, Redirect, Rewrite or Reject.
type Decision interface {
	Kind() string
	RouteContext() domain.RouteContext
}

// PassThrough hands the request to the next handler unchanged.
type PassThrough struct {
	Route domain.RouteContext
}

// Redirect answers with a redirect response.
type Redirect struct {
	Route      domain.RouteContext
	Location   string
	StatusCode int
	// Source is the pattern of the rule that matched.
	Source string
}

// Rewrite hands the request to the next handler under a different path.
type Rewrite struct {
	Route domain.RouteContext
	// Path is the escaped internal path.
	Path string
}

// Reject answers with a JSON error. Route is zero when resolution failed.
type Reject struct {
	Route      domain.RouteContext
	StatusCode int
	Code       string
	Message    string
	Fields     map[string][]string
	// Header holds extra response headers.
	Header http.Header
	Err    error
}

func (PassThrough) Kind() string { return KindPassThrough }
func (Redirect) Kind() string    { return KindRedirect }
func (Rewrite) Kind() string     { return KindRewrite }
func (Reject) Kind() string      { return KindReject }

func (d PassThrough) RouteContext() domain.RouteContext { return d.Route }
func (d Redirect) RouteContext() domain.RouteContext    { return d.Route }
func (d Rewrite) RouteContext() domain.RouteContext     { return d.Route }
func (d Reject) RouteContext() domain.RouteContext      { return d.Route }

func lookupOutcome(d Decision) string {
	switch d.(type) {
	case Redirect:
		return domain.OutcomeRedirected
	case Rewrite:
		return domain.OutcomeRewritten
	case Reject:
		return domain.OutcomeRejected
	default:
		return domain.OutcomePassthrough
	}
}
