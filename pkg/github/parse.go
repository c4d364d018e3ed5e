package github

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spindex/spindex/pkg/storage"
)

// ErrNotGitHub is returned for package URLs hosted elsewhere.
var ErrNotGitHub = errors.New("not a github.com URL")

// ParseOwnerRepo extracts owner and repository name from a package URL.
// Only the URL is used: stored metadata may not exist yet.
func ParseOwnerRepo(packageURL string) (owner, repo string, err error) {
	if !storage.IsHostedOn(packageURL, "github.com") {
		return "", "", fmt.Errorf("%q: %w", packageURL, ErrNotGitHub)
	}
	u, err := url.Parse(strings.TrimSpace(packageURL))
	if err != nil {
		return "", "", err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%q: expected https://github.com/<owner>/<repo>", packageURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == 404
}
