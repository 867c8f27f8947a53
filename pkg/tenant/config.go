package tenant

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shtcut/edge/pkg/domain"
)

// KeySource selects where the routing key comes from.
type KeySource string

const (
	// KeyFromPath uses the first path segment as key (example.com/stats/x -> "stats").
	KeyFromPath KeySource = "path"
	// KeyFromSubdomain uses the resolved domain as key.
	KeyFromSubdomain KeySource = "subdomain"
)

// Config holds the host and key derivation rules of a Resolver.
type Config struct {
	// BaseDomains are stripped from hosts to obtain the tenant label. When empty,
	// the registrable domain (eTLD+1) of each host is used instead.
	BaseDomains []string
	// StripWWW removes a leading "www." label before derivation.
	StripWWW bool
	// Aliases map exact hosts (with or without port) to the host used for derivation.
	Aliases map[string]string
	// AliasSuffixes map host suffixes (".vercel.app") to the host used for derivation.
	AliasSuffixes map[string]string
	// KeySource selects how Key is derived.
	KeySource KeySource
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		StripWWW:  true,
		KeySource: KeyFromPath,
	}
}

// ConfigFromDomain converts tenancy settings from a configuration snapshot.
func ConfigFromDomain(tc domain.TenancyConfig) Config {
	cfg := DefaultConfig()
	cfg.BaseDomains = append([]string(nil), tc.BaseDomains...)
	if tc.StripWWW != nil {
		cfg.StripWWW = *tc.StripWWW
	}
	cfg.Aliases = tc.Aliases
	cfg.AliasSuffixes = tc.AliasSuffixes
	if tc.KeySource != "" {
		cfg.KeySource = KeySource(strings.ToLower(strings.TrimSpace(tc.KeySource)))
	}
	return cfg
}

// Validate checks the configuration for values the resolver cannot use.
func (c Config) Validate() error {
	switch c.KeySource {
	case "", KeyFromPath, KeyFromSubdomain:
	default:
		return fmt.Errorf("%w: unknown key source %q, supported: path, subdomain", domain.ErrConfigInvalid, c.KeySource)
	}
	for _, base := range c.BaseDomains {
		if _, err := normalizeName(base); err != nil {
			return fmt.Errorf("%w: base domain %q: %v", domain.ErrConfigInvalid, base, err)
		}
	}
	for from, to := range c.Aliases {
		if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
			return fmt.Errorf("%w: alias entries must not be empty", domain.ErrConfigInvalid)
		}
	}
	for suffix, to := range c.AliasSuffixes {
		if strings.TrimSpace(suffix) == "" || strings.TrimSpace(to) == "" {
			return fmt.Errorf("%w: alias suffix entries must not be empty", domain.ErrConfigInvalid)
		}
	}
	return nil
}

type suffixAlias struct {
	suffix string
	target string
}

// compiled is the normalized, read-only form of Config used at request time.
type compiled struct {
	bases     []string
	stripWWW  bool
	aliases   map[string]string
	suffixes  []suffixAlias
	keySource KeySource
}

func compile(c Config) (compiled, error) {
	if err := c.Validate(); err != nil {
		return compiled{}, err
	}

	out := compiled{
		stripWWW:  c.StripWWW,
		aliases:   make(map[string]string, len(c.Aliases)),
		keySource: c.KeySource,
	}
	if out.keySource == "" {
		out.keySource = KeyFromPath
	}

	for _, base := range c.BaseDomains {
		name, _ := normalizeName(base)
		out.bases = append(out.bases, name)
	}
	// Longest base first so "eu.example.com" wins over "example.com".
	sort.SliceStable(out.bases, func(i, j int) bool {
		return len(out.bases[i]) > len(out.bases[j])
	})

	for from, to := range c.Aliases {
		target, err := normalizeName(to)
		if err != nil {
			return compiled{}, fmt.Errorf("%w: alias target %q: %v", domain.ErrConfigInvalid, to, err)
		}
		out.aliases[strings.ToLower(strings.TrimSpace(from))] = target
	}
	for suffix, to := range c.AliasSuffixes {
		target, err := normalizeName(to)
		if err != nil {
			return compiled{}, fmt.Errorf("%w: alias suffix target %q: %v", domain.ErrConfigInvalid, to, err)
		}
		out.suffixes = append(out.suffixes, suffixAlias{
			suffix: strings.ToLower(strings.TrimSpace(suffix)),
			target: target,
		})
	}
	sort.Slice(out.suffixes, func(i, j int) bool {
		if len(out.suffixes[i].suffix) != len(out.suffixes[j].suffix) {
			return len(out.suffixes[i].suffix) > len(out.suffixes[j].suffix)
		}
		return out.suffixes[i].suffix < out.suffixes[j].suffix
	})

	return out, nil
}
