// Package readme prepares repository readmes for display and stores the
// result in an object store.
package readme

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	rawBase  = "https://raw.githubusercontent.com"
	blobBase = "https://github.com"
)

// stripped elements never reach the stored readme.
var stripped = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Iframe: true,
	atom.Object: true,
	atom.Embed:  true,
	atom.Form:   true,
}

// Process rewrites relative image sources and links in a rendered readme so
// they resolve against the repository at branch. Active content is removed.
func Process(raw, owner, repo, branch string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse readme: %w", err)
	}
	if branch == "" {
		branch = "HEAD"
	}
	rawURL := fmt.Sprintf("%s/%s/%s/%s/", rawBase, owner, repo, branch)
	blob := fmt.Sprintf("%s/%s/%s/blob/%s/", blobBase, owner, repo, branch)

	doc.Find("*").FilterFunction(func(_ int, s *goquery.Selection) bool {
		n := s.Get(0)
		return n.Type == html.ElementNode && stripped[n.DataAtom]
	}).Remove()

	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			s.SetAttr("src", absolute(src, rawURL))
		}
	})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			s.SetAttr("href", absolute(href, blob))
		}
	})

	out, err := doc.Find("body").Html()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// absolute resolves a repository-relative reference against base. Absolute
// URLs, anchors and other schemes are left alone.
func absolute(ref, base string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "//") {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "" {
		return ref
	}
	p := path.Clean("/" + u.Path)
	if p == "/" {
		return ref
	}
	out := base + strings.TrimPrefix(p, "/")
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		out += "#" + u.Fragment
	}
	return out
}
