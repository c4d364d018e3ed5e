package storage

import (
	"net/url"
	"strings"

	"github.com/weppos/publicsuffix-go/publicsuffix"
)

// ExtractRootDomain takes a URL and returns its registrable domain.
// e.g., "https://www.github.com/apple/swift-nio" -> "github.com", true
func ExtractRootDomain(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") && strings.Contains(raw, ".") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if !strings.Contains(host, ".") {
		return "", false
	}

	domain, err := publicsuffix.Domain(host)
	if err != nil {
		return "", false
	}

	return domain, true
}

// IsHostedOn reports whether raw points at one of the given registrable
// domains.
func IsHostedOn(raw string, domains ...string) bool {
	d, ok := ExtractRootDomain(raw)
	if !ok {
		return false
	}
	for _, want := range domains {
		if strings.EqualFold(d, want) {
			return true
		}
	}
	return false
}
