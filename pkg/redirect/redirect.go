// Package redirect implements the static redirect table applied at the edge.
//
// Rules follow the source/destination/permanent shape of Next.js redirects:
// sources are path patterns made of literal segments and named parameters
// (":slug", ":rest*", ":rest+"), destinations may reference those
// parameters, and permanent redirects answer 308 while temporary ones
// answer 307. A Table is compiled once and never mutated.
package redirect

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/shtcut/edge/pkg/domain"
)

// Redirect is the result of a successful match.
type Redirect struct {
	Location   string
	StatusCode int
	Permanent  bool
	Source     string
}

type segmentKind int

const (
	segLiteral segmentKind = iota
	segParam
	segZeroOrMore
	segOneOrMore
)

type segment struct {
	kind  segmentKind
	value string // literal text or parameter name
}

type rule struct {
	src         domain.RedirectRule
	segments    []segment
	destination string
	domains     map[string]struct{}
}

// Table is an ordered, immutable list of compiled redirect rules.
type Table struct {
	rules []rule
}

// DefaultRules returns the redirects shipped with the application.
func DefaultRules() []domain.RedirectRule {
	return []domain.RedirectRule{
		{Source: "/", Destination: "/landing", Permanent: true},
		{Source: "/app", Destination: "/app/dashboard", Permanent: true},
	}
}

// New compiles rules into a Table. Rules are matched in declaration order.
func New(rules []domain.RedirectRule) (*Table, error) {
	t := &Table{rules: make([]rule, 0, len(rules))}
	for i, r := range rules {
		compiled, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("redirect %d (%s): %w", i, r.Source, err)
		}
		t.rules = append(t.rules, compiled)
	}
	return t, nil
}

// Rules returns a copy of the rules the table was compiled from.
func (t *Table) Rules() []domain.RedirectRule {
	out := make([]domain.RedirectRule, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r.src)
	}
	return out
}

// Len reports the number of rules.
func (t *Table) Len() int {
	return len(t.rules)
}

// Match returns the first redirect whose source matches path for the given
// tenant domain. The request query string is carried over to the destination.
func (t *Table) Match(tenantDomain, path, rawQuery string) (Redirect, bool) {
	if t == nil {
		return Redirect{}, false
	}
	parts := splitPath(path)

	for _, r := range t.rules {
		if len(r.domains) > 0 {
			if _, ok := r.domains[tenantDomain]; !ok {
				continue
			}
		}
		params, ok := matchSegments(r.segments, parts)
		if !ok {
			continue
		}

		location := appendQuery(expand(r.destination, params), rawQuery)
		status := http.StatusTemporaryRedirect
		if r.src.Permanent {
			status = http.StatusPermanentRedirect
		}
		return Redirect{
			Location:   location,
			StatusCode: status,
			Permanent:  r.src.Permanent,
			Source:     r.src.Source,
		}, true
	}
	return Redirect{}, false
}

func compileRule(r domain.RedirectRule) (rule, error) {
	src := strings.TrimSpace(r.Source)
	if !strings.HasPrefix(src, "/") {
		return rule{}, fmt.Errorf("%w: source must start with '/'", domain.ErrConfigInvalid)
	}
	dst := strings.TrimSpace(r.Destination)
	if dst == "" {
		return rule{}, fmt.Errorf("%w: destination is required", domain.ErrConfigInvalid)
	}

	parts := splitPath(src)
	segments := make([]segment, 0, len(parts))
	names := make(map[string]struct{})
	for i, p := range parts {
		if !strings.HasPrefix(p, ":") {
			segments = append(segments, segment{kind: segLiteral, value: p})
			continue
		}

		name := p[1:]
		kind := segParam
		switch {
		case strings.HasSuffix(name, "*"):
			kind, name = segZeroOrMore, strings.TrimSuffix(name, "*")
		case strings.HasSuffix(name, "+"):
			kind, name = segOneOrMore, strings.TrimSuffix(name, "+")
		}
		if !validParamName(name) {
			return rule{}, fmt.Errorf("%w: invalid parameter name %q", domain.ErrConfigInvalid, p)
		}
		if kind != segParam && i != len(parts)-1 {
			return rule{}, fmt.Errorf("%w: %q must be the last segment", domain.ErrConfigInvalid, p)
		}
		if _, dup := names[name]; dup {
			return rule{}, fmt.Errorf("%w: duplicate parameter %q", domain.ErrConfigInvalid, name)
		}
		names[name] = struct{}{}
		segments = append(segments, segment{kind: kind, value: name})
	}

	for _, ref := range destinationParams(dst) {
		if _, ok := names[ref]; !ok {
			return rule{}, fmt.Errorf("%w: destination references unknown parameter %q", domain.ErrConfigInvalid, ref)
		}
	}

	compiled := rule{src: r, segments: segments, destination: dst}
	if len(r.Domains) > 0 {
		compiled.domains = make(map[string]struct{}, len(r.Domains))
		for _, d := range r.Domains {
			compiled.domains[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
		}
	}
	return compiled, nil
}

func matchSegments(segments []segment, parts []string) (map[string]string, bool) {
	params := map[string]string{}
	for i, seg := range segments {
		switch seg.kind {
		case segLiteral:
			if i >= len(parts) || parts[i] != seg.value {
				return nil, false
			}
		case segParam:
			if i >= len(parts) {
				return nil, false
			}
			params[seg.value] = parts[i]
		case segZeroOrMore, segOneOrMore:
			rest := []string{}
			if i < len(parts) {
				rest = parts[i:]
			}
			if seg.kind == segOneOrMore && len(rest) == 0 {
				return nil, false
			}
			params[seg.value] = strings.Join(rest, "/")
			return params, true
		}
	}
	return params, len(parts) == len(segments)
}

// expand substitutes ":name" references in dst.
func expand(dst string, params map[string]string) string {
	if len(params) == 0 || !strings.Contains(dst, ":") {
		return dst
	}

	var b strings.Builder
	for i := 0; i < len(dst); {
		if dst[i] == ':' && (i == 0 || dst[i-1] == '/') {
			j := i + 1
			for j < len(dst) && isParamChar(dst[j]) {
				j++
			}
			if value, ok := params[dst[i+1:j]]; ok && j > i+1 {
				b.WriteString(value)
				i = j
				continue
			}
		}
		b.WriteByte(dst[i])
		i++
	}
	out := b.String()
	// An empty catch-all leaves a dangling slash behind.
	if !strings.HasSuffix(dst, "/") && strings.HasSuffix(out, "/") {
		out = strings.TrimSuffix(out, "/")
	}
	if out == "" {
		return "/"
	}
	return out
}

// destinationParams lists ":name" references that start a path segment.
func destinationParams(dst string) []string {
	var refs []string
	for i := 0; i < len(dst); i++ {
		if dst[i] != ':' || (i > 0 && dst[i-1] != '/') {
			continue
		}
		j := i + 1
		for j < len(dst) && isParamChar(dst[j]) {
			j++
		}
		if j > i+1 {
			refs = append(refs, dst[i+1:j])
		}
	}
	return refs
}

func appendQuery(location, rawQuery string) string {
	if rawQuery == "" {
		return location
	}
	if strings.Contains(location, "?") {
		return location + "&" + rawQuery
	}
	return location + "?" + rawQuery
}

func splitPath(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func validParamName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isParamChar(name[i]) {
			return false
		}
	}
	return true
}

func isParamChar(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
