// Package ssrf validates upstream URLs before any DNS resolution or dispatch.
// The policy is static: it rejects loopback, private and link-local ranges,
// cloud metadata endpoints, obfuscated IP literals, userinfo credentials and
// reserved internal TLDs.
package ssrf

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlockedURL wraps every policy rejection so callers can branch on it.
var ErrBlockedURL = errors.New("upstream url blocked by policy")

var internalTLDs = []string{".local", ".internal", ".corp", ".home", ".lan", ".intranet"}

var metadataHosts = map[string]bool{
	"169.254.169.254":          true,
	"metadata.google.internal": true,
	"metadata":                 true,
	"instance-data":            true,
}

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// Guard evaluates the outbound URL policy. Internal upstreams (paths starting
// with "/") are rewritten against APIBase and skip only the private-range
// checks, because APIBase legitimately points inside the deployment.
type Guard struct {
	APIBase string
}

// New creates a Guard rewriting internal upstreams against apiBase.
func New(apiBase string) *Guard {
	return &Guard{APIBase: strings.TrimRight(apiBase, "/")}
}

// Resolve validates rawURL against the policy and returns the URL to
// dispatch to. Internal paths come back rewritten against APIBase.
func (g *Guard) Resolve(rawURL string) (string, error) {
	if strings.HasPrefix(rawURL, "/") {
		resolved := g.APIBase + rawURL
		u, err := url.Parse(resolved)
		if err != nil {
			return "", fmt.Errorf("%w: invalid internal url: %v", ErrBlockedURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("%w: protocol %q not allowed", ErrBlockedURL, u.Scheme)
		}
		return resolved, nil
	}

	if err := Check(rawURL); err != nil {
		return "", err
	}
	return rawURL, nil
}

// Check applies the full static policy to an absolute URL.
func Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: unparseable url: %v", ErrBlockedURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: protocol %q not allowed", ErrBlockedURL, u.Scheme)
	}

	if u.User != nil {
		return fmt.Errorf("%w: userinfo credentials not allowed", ErrBlockedURL)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedURL)
	}

	if host == "localhost" || metadataHosts[host] {
		return fmt.Errorf("%w: host %q is internal", ErrBlockedURL, host)
	}

	// Bare decimal integers are obfuscated IPv4 literals (http://2130706433/).
	if isDecimalInteger(host) {
		return fmt.Errorf("%w: numeric host %q not allowed", ErrBlockedURL, host)
	}

	for _, tld := range internalTLDs {
		if strings.HasSuffix(host, tld) {
			return fmt.Errorf("%w: reserved internal tld on %q", ErrBlockedURL, host)
		}
	}

	if !strings.ContainsAny(host, ".:") {
		return fmt.Errorf("%w: unqualified host %q", ErrBlockedURL, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		for _, p := range privateRanges {
			if p.Contains(addr.Unmap()) {
				return fmt.Errorf("%w: address %s in blocked range %s", ErrBlockedURL, host, p)
			}
		}
	}

	return nil
}

func isDecimalInteger(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
