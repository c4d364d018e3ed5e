package storage

import (
	"net/url"
	"strings"
)

// NormalizePackageURL ensures consistent package URL identity: https scheme,
// lower-case host, no trailing slash and no ".git" suffix. The path keeps
// its case because it is shown to users.
func NormalizePackageURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		u.Host = strings.ToLower(u.Host)
		if u.Scheme == "" || u.Scheme == "http" {
			u.Scheme = "https"
		}
		u.Path = strings.TrimRight(u.Path, "/")
		u.Path = strings.TrimSuffix(u.Path, ".git")
		u.RawQuery = ""
		u.Fragment = ""
		return u.String()
	}
	return s
}

// PackageURLKey is the case-insensitive identity used to compare package
// lists.
func PackageURLKey(s string) string {
	return strings.ToLower(NormalizePackageURL(s))
}
