package tenant

import (
	"errors"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"

	"github.com/shtcut/edge/pkg/domain"
)

const maxHostLength = 253

// Resolver derives route contexts from incoming requests. It holds only
// immutable configuration and is safe for concurrent use.
type Resolver struct {
	cfg compiled
}

// NewResolver compiles cfg into a Resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	c, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	return &Resolver{cfg: c}, nil
}

// MustResolver is NewResolver for configurations known to be valid.
func MustResolver(cfg Config) *Resolver {
	r, err := NewResolver(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the route context for req, or a *domain.MalformedRequestError
// when the host is absent or cannot be parsed.
func (r *Resolver) Resolve(req domain.IncomingRequest) (domain.RouteContext, error) {
	rawHost := strings.ToLower(strings.TrimSpace(req.Host))
	if rawHost == "" {
		return domain.RouteContext{}, malformed("host", "", "is missing")
	}

	host, err := r.canonicalHost(rawHost)
	if err != nil {
		return domain.RouteContext{}, err
	}

	rc := domain.RouteContext{Host: host}
	rc.Domain, rc.Apex, rc.Custom = r.splitTenant(host)

	rc.Path, err = normalizePath(req.Path)
	if err != nil {
		return domain.RouteContext{}, malformed("path", req.Path, err.Error())
	}
	rc.FullPath = rc.Domain + rc.Path
	if req.RawQuery != "" {
		rc.FullPath += "?" + req.RawQuery
	}

	trimmed := strings.TrimPrefix(rc.Path, "/")
	fullKey, err := url.PathUnescape(trimmed)
	if err != nil {
		return domain.RouteContext{}, malformed("path", req.Path, "contains an invalid escape sequence")
	}
	rc.FullKey = rc.Domain + ":" + fullKey

	switch r.cfg.keySource {
	case KeyFromSubdomain:
		rc.Key = rc.Domain
	default:
		first, _, _ := strings.Cut(trimmed, "/")
		// first is a prefix of trimmed, so it unescapes whenever trimmed did.
		rc.Key, _ = url.PathUnescape(first)
	}

	return rc, nil
}

// canonicalHost strips the port, applies aliases and www stripping, and
// returns the IDNA-normalized host name.
func (r *Resolver) canonicalHost(rawHost string) (string, error) {
	if target, ok := r.cfg.aliases[rawHost]; ok {
		return r.stripWWW(target), nil
	}

	name, err := splitPort(rawHost)
	if err != nil {
		return "", err
	}

	if ip := net.ParseIP(name); ip != nil {
		return ip.String(), nil
	}

	name, err = normalizeName(name)
	if err != nil {
		return "", malformed("host", rawHost, err.Error())
	}

	if target, ok := r.cfg.aliases[name]; ok {
		return r.stripWWW(target), nil
	}
	for _, alias := range r.cfg.suffixes {
		if strings.HasSuffix(name, alias.suffix) {
			return r.stripWWW(alias.target), nil
		}
	}

	return r.stripWWW(name), nil
}

func (r *Resolver) stripWWW(host string) string {
	if r.cfg.stripWWW && strings.HasPrefix(host, "www.") && len(host) > len("www.") {
		return host[len("www."):]
	}
	return host
}

// splitTenant separates the tenant part from host. Hosts under a base domain
// yield their subdomain labels; a host equal to a base domain is the apex;
// anything else is a custom domain identified by its full host.
func (r *Resolver) splitTenant(host string) (tenantDomain string, apex, custom bool) {
	if net.ParseIP(host) != nil {
		return host, false, true
	}

	bases := r.cfg.bases
	if len(bases) == 0 {
		registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
		if err != nil {
			return host, true, false
		}
		bases = []string{registrable}
	}

	for _, base := range bases {
		if host == base {
			return base, true, false
		}
		if strings.HasSuffix(host, "."+base) {
			return strings.TrimSuffix(host, "."+base), false, false
		}
	}
	return host, false, true
}

func splitPort(rawHost string) (string, error) {
	if strings.LastIndex(rawHost, ":") > strings.LastIndex(rawHost, "]") {
		name, port, err := net.SplitHostPort(rawHost)
		if err != nil {
			return "", malformed("host", rawHost, "has an invalid port")
		}
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return "", malformed("host", rawHost, "has an invalid port")
		}
		if name == "" {
			return "", malformed("host", rawHost, "has an empty name")
		}
		return name, nil
	}
	if strings.HasPrefix(rawHost, "[") {
		if !strings.HasSuffix(rawHost, "]") {
			return "", malformed("host", rawHost, "has an unterminated IPv6 literal")
		}
		return rawHost[1 : len(rawHost)-1], nil
	}
	return rawHost, nil
}

// normalizeName lower-cases, trims a trailing dot and IDNA-encodes a host name.
func normalizeName(name string) (string, error) {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	if name == "" {
		return "", errors.New("is empty")
	}
	if len(name) > maxHostLength {
		return "", errors.New("exceeds 253 characters")
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return "", errors.New("has an empty label")
		}
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", errors.New("is not a valid host name")
	}
	return ascii, nil
}

// normalizePath returns a cleaned, rooted path without a trailing slash.
// Escaped unreserved characters are decoded first so that %2e segments are
// cleaned like literal dots. Dot segments that only appear once reserved
// escapes such as %2F are decoded are rejected.
func normalizePath(p string) (string, error) {
	if p == "" {
		return "/", nil
	}
	p = decodeUnreserved(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)

	decoded, err := url.PathUnescape(p)
	if err != nil {
		// Reported by the key derivation.
		return p, nil
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == "." || seg == ".." {
			return "", errors.New("contains an encoded dot segment")
		}
	}
	return p, nil
}

// decodeUnreserved replaces percent-escapes of RFC 3986 unreserved characters
// with the characters themselves. Other escapes, valid or not, are kept.
func decodeUnreserved(p string) string {
	if !strings.Contains(p, "%") {
		return p
	}
	var b strings.Builder
	b.Grow(len(p))
	for i := 0; i < len(p); i++ {
		if p[i] == '%' && i+2 < len(p) {
			if c, ok := unhex(p[i+1], p[i+2]); ok && isUnreserved(c) {
				b.WriteByte(c)
				i += 2
				continue
			}
		}
		b.WriteByte(p[i])
	}
	return b.String()
}

func unhex(hi, lo byte) (byte, bool) {
	h, ok1 := hexVal(hi)
	l, ok2 := hexVal(lo)
	return h<<4 | l, ok1 && ok2
}

func hexVal(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func isUnreserved(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

func malformed(field, value, reason string) error {
	return &domain.MalformedRequestError{Field: field, Value: value, Reason: reason}
}
