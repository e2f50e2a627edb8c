// Package edge implements the request rewrite/transform/route pipeline
// applied before a request reaches the cache and origin layers.
package edge

import (
	"net"
	"strings"
)

// CIDRMatcher matches IP addresses against a set of CIDR ranges or exact
// addresses, used for the admin API's IP allowlist.
type CIDRMatcher struct {
	networks []*net.IPNet
	exact    map[string]struct{}
}

// NewCIDRMatcher builds a matcher from a mix of CIDR ranges ("10.0.0.0/8")
// and bare addresses ("127.0.0.1").
func NewCIDRMatcher(entries []string) (*CIDRMatcher, error) {
	m := &CIDRMatcher{exact: make(map[string]struct{})}
	for _, entry := range entries {
		if err := m.Add(entry); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add adds one CIDR or exact address to the matcher.
func (m *CIDRMatcher) Add(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil
	}
	if strings.Contains(entry, "/") {
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return err
		}
		m.networks = append(m.networks, network)
		return nil
	}
	m.exact[entry] = struct{}{}
	return nil
}

// Matches reports whether ipStr falls inside any configured range or
// equals a configured exact address.
func (m *CIDRMatcher) Matches(ipStr string) bool {
	if _, ok := m.exact[ipStr]; ok {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, network := range m.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// IsEmpty reports whether no ranges or exact addresses were configured —
// an empty matcher means "allow any address" to the admin auth layer.
func (m *CIDRMatcher) IsEmpty() bool {
	return len(m.networks) == 0 && len(m.exact) == 0
}
