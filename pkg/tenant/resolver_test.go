package tenant

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/shtcut/edge/pkg/domain"
)

func newTestResolver(t *testing.T, mutate func(*Config)) *Resolver {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseDomains = []string{"example.com"}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewResolver(cfg)
	require.NoError(t, err)
	return r
}

func TestResolve_TenantSubdomain(t *testing.T) {
	r := newTestResolver(t, nil)

	rc, err := r.Resolve(domain.IncomingRequest{Host: "tenant.example.com", Path: "/a/b"})
	require.NoError(t, err)

	want := domain.RouteContext{
		Domain:   "tenant",
		Path:     "/a/b",
		FullPath: "tenant/a/b",
		Key:      "a",
		FullKey:  "tenant:a/b",
		Host:     "tenant.example.com",
	}
	if diff := cmp.Diff(want, rc); diff != "" {
		t.Errorf("route context mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_MissingHost(t *testing.T) {
	r := newTestResolver(t, nil)

	for _, host := range []string{"", "   "} {
		_, err := r.Resolve(domain.IncomingRequest{Host: host, Path: "/a"})
		require.Error(t, err)

		var malformedErr *domain.MalformedRequestError
		require.True(t, errors.As(err, &malformedErr), "expected MalformedRequestError, got %T", err)
		assert.Equal(t, "host", malformedErr.Field)
		assert.True(t, errors.Is(err, domain.ErrMalformedRequest))
	}
}

func TestResolve_UnparsableHost(t *testing.T) {
	r := newTestResolver(t, nil)

	cases := []string{
		"tenant.example.com:notaport",
		"tenant.example.com:70000",
		":8080",
		"a..example.com",
		"[::1",
		"bad_host!.example.com",
	}
	for _, host := range cases {
		t.Run(host, func(t *testing.T) {
			_, err := r.Resolve(domain.IncomingRequest{Host: host, Path: "/"})
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrMalformedRequest)
		})
	}
}

func TestResolve_HostVariants(t *testing.T) {
	r := newTestResolver(t, func(c *Config) {
		c.Aliases = map[string]string{"shtcut.localhost:8888": "example.com"}
		c.AliasSuffixes = map[string]string{".vercel.app": "example.com"}
	})

	tests := []struct {
		name       string
		host       string
		wantDomain string
		wantApex   bool
		wantCustom bool
	}{
		{name: "apex", host: "example.com", wantDomain: "example.com", wantApex: true},
		{name: "www apex", host: "www.example.com", wantDomain: "example.com", wantApex: true},
		{name: "port stripped", host: "tenant.example.com:8443", wantDomain: "tenant"},
		{name: "upper case", host: "Tenant.EXAMPLE.com", wantDomain: "tenant"},
		{name: "trailing dot", host: "tenant.example.com.", wantDomain: "tenant"},
		{name: "nested subdomain", host: "a.b.example.com", wantDomain: "a.b"},
		{name: "custom domain", host: "go.acme.io", wantDomain: "go.acme.io", wantCustom: true},
		{name: "www custom domain", host: "www.acme.io", wantDomain: "acme.io", wantCustom: true},
		{name: "alias with port", host: "shtcut.localhost:8888", wantDomain: "example.com", wantApex: true},
		{name: "alias suffix", host: "preview-123.vercel.app", wantDomain: "example.com", wantApex: true},
		{name: "ipv4", host: "127.0.0.1:3000", wantDomain: "127.0.0.1", wantCustom: true},
		{name: "ipv6", host: "[::1]:3000", wantDomain: "::1", wantCustom: true},
		{name: "unicode", host: "bücher.example.com", wantDomain: "xn--bcher-kva"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := r.Resolve(domain.IncomingRequest{Host: tt.host, Path: "/x"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantDomain, rc.Domain)
			assert.Equal(t, tt.wantApex, rc.Apex)
			assert.Equal(t, tt.wantCustom, rc.Custom)
			assert.Equal(t, tt.wantDomain+"/x", rc.FullPath)
		})
	}
}

func TestResolve_KeepWWW(t *testing.T) {
	r := newTestResolver(t, func(c *Config) { c.StripWWW = false })

	rc, err := r.Resolve(domain.IncomingRequest{Host: "www.example.com", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "www", rc.Domain)
}

func TestResolve_LongestBaseDomainWins(t *testing.T) {
	r := newTestResolver(t, func(c *Config) {
		c.BaseDomains = []string{"example.com", "eu.example.com"}
	})

	rc, err := r.Resolve(domain.IncomingRequest{Host: "acme.eu.example.com", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "acme", rc.Domain)
}

func TestResolve_RegistrableDomainFallback(t *testing.T) {
	r := MustResolver(DefaultConfig())

	rc, err := r.Resolve(domain.IncomingRequest{Host: "team.shtcut.co.uk", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "team", rc.Domain)

	rc, err = r.Resolve(domain.IncomingRequest{Host: "shtcut.co.uk", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "shtcut.co.uk", rc.Domain)
	assert.True(t, rc.Apex)

	rc, err = r.Resolve(domain.IncomingRequest{Host: "localhost:3000", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "localhost", rc.Domain)
}

func TestResolve_Paths(t *testing.T) {
	r := newTestResolver(t, nil)

	tests := []struct {
		path        string
		query       string
		wantPath    string
		wantFull    string
		wantKey     string
		wantFullKey string
	}{
		{path: "", wantPath: "/", wantFull: "t/", wantKey: "", wantFullKey: "t:"},
		{path: "/", wantPath: "/", wantFull: "t/", wantKey: "", wantFullKey: "t:"},
		{path: "/stats/github", wantPath: "/stats/github", wantFull: "t/stats/github", wantKey: "stats", wantFullKey: "t:stats/github"},
		{path: "/github/", wantPath: "/github", wantFull: "t/github", wantKey: "github", wantFullKey: "t:github"},
		{path: "//a///b/../c", wantPath: "/a/c", wantFull: "t/a/c", wantKey: "a", wantFullKey: "t:a/c"},
		{path: "no-slash", wantPath: "/no-slash", wantFull: "t/no-slash", wantKey: "no-slash", wantFullKey: "t:no-slash"},
		{path: "/%D7%A9%D7%9C%D7%95%D7%9D/x", wantPath: "/%D7%A9%D7%9C%D7%95%D7%9D/x", wantFull: "t/%D7%A9%D7%9C%D7%95%D7%9D/x", wantKey: "שלום", wantFullKey: "t:שלום/x"},
		{path: "/a%2Fb/c", wantPath: "/a%2Fb/c", wantFull: "t/a%2Fb/c", wantKey: "a/b", wantFullKey: "t:a/b/c"},
		{path: "/%2e%2e/globex/secret", wantPath: "/globex/secret", wantFull: "t/globex/secret", wantKey: "globex", wantFullKey: "t:globex/secret"},
		{path: "/a/%2E/b/%2e%2E/c", wantPath: "/a/c", wantFull: "t/a/c", wantKey: "a", wantFullKey: "t:a/c"},
		{path: "/%7Euser", wantPath: "/~user", wantFull: "t/~user", wantKey: "~user", wantFullKey: "t:~user"},
		{path: "/search", query: "q=go&page=2", wantPath: "/search", wantFull: "t/search?q=go&page=2", wantKey: "search", wantFullKey: "t:search"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q?%s", tt.path, tt.query), func(t *testing.T) {
			rc, err := r.Resolve(domain.IncomingRequest{Host: "t.example.com", Path: tt.path, RawQuery: tt.query})
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, rc.Path)
			assert.Equal(t, tt.wantFull, rc.FullPath)
			assert.Equal(t, tt.wantKey, rc.Key)
			assert.Equal(t, tt.wantFullKey, rc.FullKey)
		})
	}
}

func TestResolve_InvalidEscapeInPath(t *testing.T) {
	r := newTestResolver(t, nil)

	_, err := r.Resolve(domain.IncomingRequest{Host: "t.example.com", Path: "/bad%zz"})
	var malformedErr *domain.MalformedRequestError
	require.ErrorAs(t, err, &malformedErr)
	assert.Equal(t, "path", malformedErr.Field)
}

func TestResolve_EncodedDotSegmentRejected(t *testing.T) {
	r := newTestResolver(t, nil)

	for _, p := range []string{"/..%2Fglobex/secret", "/x/%2e%2e%2fsecret", "/.%2F"} {
		t.Run(p, func(t *testing.T) {
			_, err := r.Resolve(domain.IncomingRequest{Host: "t.example.com", Path: p})
			var malformedErr *domain.MalformedRequestError
			require.ErrorAs(t, err, &malformedErr)
			assert.Equal(t, "path", malformedErr.Field)
		})
	}
}

func TestResolve_SubdomainKeySource(t *testing.T) {
	r := newTestResolver(t, func(c *Config) { c.KeySource = KeyFromSubdomain })

	rc, err := r.Resolve(domain.IncomingRequest{Host: "acme.example.com", Path: "/dashboard"})
	require.NoError(t, err)
	assert.Equal(t, "acme", rc.Key)
	assert.Equal(t, "acme:dashboard", rc.FullKey)
}

func TestResolve_FromHTTPRequest(t *testing.T) {
	r := newTestResolver(t, nil)

	req := httptest.NewRequest("GET", "http://tenant.example.com/a/b?x=1", nil)
	rc, err := r.Resolve(domain.FromHTTP(req))
	require.NoError(t, err)
	assert.Equal(t, "tenant", rc.Domain)
	assert.Equal(t, "tenant/a/b?x=1", rc.FullPath)
}

func TestNewResolver_InvalidConfig(t *testing.T) {
	_, err := NewResolver(Config{KeySource: "cookie"})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, err = NewResolver(Config{BaseDomains: []string{"bad..domain"}})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, err = NewResolver(Config{Aliases: map[string]string{"dev.local": ""}})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

// Property: resolution is a pure function of the request descriptor.
func TestResolve_Idempotent(t *testing.T) {
	r := newTestResolver(t, func(c *Config) {
		c.AliasSuffixes = map[string]string{".vercel.app": "example.com"}
	})

	rapid.Check(t, func(rt *rapid.T) {
		req := domain.IncomingRequest{
			Host:     rapid.StringMatching(`(www\.)?[a-z0-9-]{0,12}(\.[a-z]{1,8}){0,3}(:[0-9]{1,5})?`).Draw(rt, "host"),
			Path:     rapid.StringMatching(`(/[a-zA-Z0-9%._-]{0,8}){0,5}/?`).Draw(rt, "path"),
			RawQuery: rapid.StringMatching(`([a-z]{1,4}=[a-z0-9]{0,4}(&[a-z]{1,4}=[a-z0-9]{0,4}){0,2})?`).Draw(rt, "query"),
		}

		first, firstErr := r.Resolve(req)
		second, secondErr := r.Resolve(req)

		if (firstErr == nil) != (secondErr == nil) {
			rt.Fatalf("error mismatch: %v vs %v", firstErr, secondErr)
		}
		if firstErr != nil {
			if firstErr.Error() != secondErr.Error() {
				rt.Fatalf("error text mismatch: %v vs %v", firstErr, secondErr)
			}
			if !errors.Is(firstErr, domain.ErrMalformedRequest) {
				rt.Fatalf("unexpected error type %T", firstErr)
			}
			return
		}
		if diff := cmp.Diff(first, second); diff != "" {
			rt.Fatalf("resolution not idempotent (-first +second):\n%s", diff)
		}
	})
}

// Property: for well-formed subdomain hosts the documented composition holds.
func TestResolve_CompositionProperty(t *testing.T) {
	r := newTestResolver(t, nil)

	rapid.Check(t, func(rt *rapid.T) {
		sub := rapid.StringMatching(`[a-z][a-z0-9]{0,10}`).Filter(func(s string) bool { return s != "www" }).Draw(rt, "sub")
		segs := rapid.SliceOfN(rapid.StringMatching(`[a-z0-9]{1,6}`), 1, 4).Draw(rt, "segments")

		p := ""
		for _, s := range segs {
			p += "/" + s
		}

		rc, err := r.Resolve(domain.IncomingRequest{Host: sub + ".example.com", Path: p})
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		if rc.Domain != sub || rc.Path != p || rc.FullPath != sub+p || rc.Key != segs[0] {
			rt.Fatalf("unexpected route context %+v for %s%s", rc, sub, p)
		}
	})
}
