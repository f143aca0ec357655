package urlmatch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jingkaihe/reqgate/pkg/api"
)

// Pattern is one compiled URL match pattern of the form
// <scheme>://<host><path>, where scheme is "*", "http" or "https", host is an
// exact host, "*", or a glob like "*.example.com", and path is a glob with
// "*" wildcards. Patterns are immutable after parsing.
type Pattern struct {
	scheme string
	host   string
	path   string
}

// ParsePattern parses a match pattern string. Errors wrap
// api.ErrInvalidPattern.
func ParsePattern(s string) (Pattern, error) {
	idx := strings.Index(s, "://")
	if idx < 0 {
		return Pattern{}, fmt.Errorf("%w: %q missing scheme separator", api.ErrInvalidPattern, s)
	}

	scheme := strings.ToLower(s[:idx])
	switch scheme {
	case "*", "http", "https":
	default:
		return Pattern{}, fmt.Errorf("%w: %q has unsupported scheme %q", api.ErrInvalidPattern, s, scheme)
	}

	rest := s[idx+3:]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return Pattern{}, fmt.Errorf("%w: %q missing path", api.ErrInvalidPattern, s)
	}

	host := strings.ToLower(rest[:slash])
	if host == "" {
		return Pattern{}, fmt.Errorf("%w: %q missing host", api.ErrInvalidPattern, s)
	}
	if strings.ContainsAny(host, " \t") {
		return Pattern{}, fmt.Errorf("%w: %q has malformed host", api.ErrInvalidPattern, s)
	}
	// Wildcards in the host are only valid as a whole-host "*" or a
	// "*.suffix" subdomain glob.
	if strings.Contains(host, "*") && host != "*" && !isSubdomainGlob(host) {
		return Pattern{}, fmt.Errorf("%w: %q has wildcard host that is not * or *.suffix", api.ErrInvalidPattern, s)
	}

	return Pattern{scheme: scheme, host: host, path: rest[slash:]}, nil
}

func isSubdomainGlob(host string) bool {
	return strings.HasPrefix(host, "*.") && !strings.Contains(host[2:], "*")
}

// Matches reports whether u matches the pattern.
func (p Pattern) Matches(u *url.URL) bool {
	if u == nil {
		return false
	}
	if p.scheme != "*" && !strings.EqualFold(p.scheme, u.Scheme) {
		return false
	}
	if !matchGlob(p.host, strings.ToLower(u.Hostname())) {
		return false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return matchGlob(p.path, path)
}

func (p Pattern) String() string {
	return p.scheme + "://" + p.host + p.path
}
