package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/spindex/spindex/pkg/storage"
)

// Metadata is the repository information ingestion stores.
type Metadata struct {
	Owner                   string
	Name                    string
	OwnerAvatarURL          string
	Summary                 string
	DefaultBranch           string
	Homepage                string
	Stars                   int
	Forks                   int
	OpenIssues              int
	OpenPullRequests        int
	IsArchived              bool
	ForkedFrom              string
	LastIssueClosedAt       time.Time
	LastPullRequestClosedAt time.Time
	Releases                []storage.Release
	Topics                  []string
}

type License struct {
	SPDXID  string
	Name    string
	HTMLURL string
}

// Readme describes a repository readme. HTML is empty when Unchanged is set.
type Readme struct {
	HTMLURL     string
	DownloadURL string
	ETag        string
	HTML        string
	Unchanged   bool
}

const metadataQuery = `query($owner: String!, $name: String!) {
  repository(owner: $owner, name: $name) {
    closedIssues: issues(states: CLOSED, first: 1, orderBy: {field: UPDATED_AT, direction: DESC}) {
      nodes { closedAt }
    }
    closedPullRequests: pullRequests(states: [CLOSED, MERGED], first: 1, orderBy: {field: UPDATED_AT, direction: DESC}) {
      nodes { closedAt }
    }
    defaultBranchRef { name }
    description
    forkCount
    homepageUrl
    isArchived
    isFork
    parent { url }
    openIssues: issues(states: OPEN) { totalCount }
    openPullRequests: pullRequests(states: OPEN) { totalCount }
    owner { login avatarUrl }
    name
    releases(first: 20, orderBy: {field: CREATED_AT, direction: DESC}) {
      nodes { description descriptionHTML isDraft publishedAt tagName url }
    }
    repositoryTopics(first: 20) {
      nodes { topic { name } }
    }
    stargazerCount
  }
}`

// FetchMetadata queries the GraphQL API for owner/repo.
func (c *Client) FetchMetadata(ctx context.Context, owner, repo string) (*Metadata, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"query":     metadataQuery,
		"variables": map[string]string{"owner": owner, "name": repo},
	})
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(c.apiURL, "/") + "/graphql"
	res, err := c.do(ctx, request{method: http.MethodPost, url: endpoint, body: payload})
	if err != nil {
		return nil, err
	}
	if err := check(res, endpoint); err != nil {
		return nil, err
	}

	body := string(res.body)
	if errs := gjson.Get(body, "errors"); errs.Exists() && len(errs.Array()) > 0 {
		if gjson.Get(body, `errors.#(type=="NOT_FOUND")`).Exists() {
			return nil, fmt.Errorf("%s/%s: %w", owner, repo, ErrNotFound)
		}
		return nil, fmt.Errorf("graphql: %s", gjson.Get(body, "errors.0.message").String())
	}
	r := gjson.Get(body, "data.repository")
	if !r.Exists() || r.Type == gjson.Null {
		return nil, fmt.Errorf("%s/%s: %w", owner, repo, ErrNotFound)
	}
	return parseMetadata(r), nil
}

func parseMetadata(r gjson.Result) *Metadata {
	m := &Metadata{
		Owner:                   r.Get("owner.login").String(),
		Name:                    r.Get("name").String(),
		OwnerAvatarURL:          r.Get("owner.avatarUrl").String(),
		Summary:                 r.Get("description").String(),
		DefaultBranch:           r.Get("defaultBranchRef.name").String(),
		Homepage:                r.Get("homepageUrl").String(),
		Stars:                   int(r.Get("stargazerCount").Int()),
		Forks:                   int(r.Get("forkCount").Int()),
		OpenIssues:              int(r.Get("openIssues.totalCount").Int()),
		OpenPullRequests:        int(r.Get("openPullRequests.totalCount").Int()),
		IsArchived:              r.Get("isArchived").Bool(),
		LastIssueClosedAt:       parseTime(r.Get("closedIssues.nodes.0.closedAt").String()),
		LastPullRequestClosedAt: parseTime(r.Get("closedPullRequests.nodes.0.closedAt").String()),
	}
	if r.Get("isFork").Bool() {
		m.ForkedFrom = r.Get("parent.url").String()
	}
	r.Get("releases.nodes").ForEach(func(_, rel gjson.Result) bool {
		m.Releases = append(m.Releases, storage.Release{
			TagName:     rel.Get("tagName").String(),
			Notes:       rel.Get("description").String(),
			NotesHTML:   rel.Get("descriptionHTML").String(),
			URL:         rel.Get("url").String(),
			PublishedAt: parseTime(rel.Get("publishedAt").String()),
			IsDraft:     rel.Get("isDraft").Bool(),
		})
		return true
	})
	for _, name := range r.Get("repositoryTopics.nodes.#.topic.name").Array() {
		m.Topics = append(m.Topics, name.String())
	}
	return m
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func (c *Client) repoURL(owner, repo, suffix string) string {
	return fmt.Sprintf("%s/repos/%s/%s/%s", strings.TrimRight(c.apiURL, "/"), url.PathEscape(owner), url.PathEscape(repo), suffix)
}

// FetchLicense returns the detected license, or nil when the repository has
// none.
func (c *Client) FetchLicense(ctx context.Context, owner, repo string) (*License, error) {
	body, err := c.get(ctx, c.repoURL(owner, repo, "license"), "application/vnd.github+json")
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &License{
		SPDXID:  gjson.GetBytes(body, "license.spdx_id").String(),
		Name:    gjson.GetBytes(body, "license.name").String(),
		HTMLURL: gjson.GetBytes(body, "html_url").String(),
	}, nil
}

// FetchReadme returns the readme, or nil when there is none. When etag
// matches the current readme the HTML is not downloaded again.
func (c *Client) FetchReadme(ctx context.Context, owner, repo, etag string) (*Readme, error) {
	readmeURL := c.repoURL(owner, repo, "readme")
	body, err := c.get(ctx, readmeURL, "application/vnd.github+json")
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	readme := &Readme{
		HTMLURL:     gjson.GetBytes(body, "html_url").String(),
		DownloadURL: gjson.GetBytes(body, "download_url").String(),
	}

	res, err := c.do(ctx, request{
		method:      http.MethodGet,
		url:         readmeURL,
		accept:      "application/vnd.github.html+json",
		ifNoneMatch: etag,
	})
	if err != nil {
		return nil, err
	}
	if res.status == http.StatusNotModified {
		readme.ETag = etag
		readme.Unchanged = true
		return readme, nil
	}
	if res.status == http.StatusNotFound {
		return nil, nil
	}
	if err := check(res, readmeURL); err != nil {
		return nil, err
	}
	readme.ETag = res.header.Get("ETag")
	readme.HTML = string(res.body)
	return readme, nil
}
