package transport

import (
	"net"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// AddressFilter implements the CIDR and numeric-wildcard address patterns
// recognised by excluded_dial_addresses and
// listener_liveness_allowlist_cidrs: each pattern is either a CIDR block
// ("10.0.0.0/8") or a dotted IPv4 address template where any numeric
// component may be "*" ("192.168.*.*"). Wildcard templates are compared
// component by component on "." only; colon-separated (IPv6) templates do
// not match.
type AddressFilter struct {
	cidrs     []*net.IPNet
	wildcards []string
}

// NewAddressFilter compiles patterns, skipping ones that parse as neither a
// CIDR nor a wildcard template rather than failing construction outright:
// a malformed single entry in a long operator-supplied list should not
// block every other entry from taking effect.
func NewAddressFilter(patterns []string) *AddressFilter {
	f := &AddressFilter{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(p); err == nil {
			f.cidrs = append(f.cidrs, ipnet)
			continue
		}
		if strings.Contains(p, "*") {
			f.wildcards = append(f.wildcards, p)
		}
	}
	return f
}

// Matches reports whether addr's host component matches any configured
// pattern.
func (f *AddressFilter) Matches(addr ma.Multiaddr) bool {
	netAddr, err := manet.ToNetAddr(addr)
	if err != nil {
		return false
	}
	host, _, err := net.SplitHostPort(netAddr.String())
	if err != nil {
		host = netAddr.String()
	}
	ip := net.ParseIP(host)
	if ip != nil {
		for _, cidr := range f.cidrs {
			if cidr.Contains(ip) {
				return true
			}
		}
	}
	for _, w := range f.wildcards {
		if matchWildcard(host, w) {
			return true
		}
	}
	return false
}

// matchWildcard compares a dotted (IPv4-style) address against a pattern
// whose numeric components may be "*".
func matchWildcard(host, pattern string) bool {
	hostParts := strings.Split(host, ".")
	patParts := strings.Split(pattern, ".")
	if len(hostParts) != len(patParts) {
		return false
	}
	for i, p := range patParts {
		if p == "*" {
			continue
		}
		if p != hostParts[i] {
			return false
		}
	}
	return true
}
