// Package gitlab triggers build pipelines on a GitLab project and reports
// how many of them are waiting for a runner.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenk/backoff"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/spindex/spindex/pkg/pipeline"
)

const DefaultAPIURL = "https://gitlab.com/api/v4"

// maxPages bounds pagination of the pending pipeline listing.
const maxPages = 50

// Config holds the project and credentials builds are triggered with.
type Config struct {
	APIURL    string
	ProjectID string
	// TriggerToken authorizes pipeline triggers, APIToken the REST API.
	TriggerToken string
	APIToken     string
	Ref          string
	// BuilderToken and BuilderAPIBaseURL are handed to the build job so it
	// can report results back.
	BuilderToken      string
	BuilderAPIBaseURL string
}

// Trigger describes one build to run.
type Trigger struct {
	VersionID    string
	CloneURL     string
	Reference    string
	Platform     string
	SwiftVersion string
}

// Pipeline is the pipeline created by a trigger.
type Pipeline struct {
	ID     int64
	WebURL string
}

// HTTPError is a non-success response.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gitlab: %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

type Client struct {
	cfg  Config
	http *retryablehttp.Client
	log  pipeline.Logger
	// retry backs off between attempts of idempotent reads.
	retry func() backoff.BackOff
}

type Option func(*Client)

func WithRetryMax(n int) Option {
	return func(c *Client) { c.http.RetryMax = n }
}

func WithLogger(l pipeline.Logger) Option {
	return func(c *Client) { c.log = pipeline.OrNop(l) }
}

// WithBackOff replaces the backoff policy of PendingJobCount.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.retry = fn }
}

// NewClient validates cfg and returns a client. Missing settings are
// configuration errors.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	var missing []string
	if cfg.ProjectID == "" {
		missing = append(missing, "project id")
	}
	if cfg.TriggerToken == "" {
		missing = append(missing, "trigger token")
	}
	if cfg.APIToken == "" {
		missing = append(missing, "api token")
	}
	if len(missing) > 0 {
		return nil, pipeline.NewError(pipeline.KindEnvironment, "", fmt.Errorf("gitlab: missing %s", strings.Join(missing, ", ")))
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Ref == "" {
		cfg.Ref = "main"
	}

	rc := retryablehttp.NewClient()
	rc.Logger = log.New(io.Discard, "", 0)
	rc.RetryMax = 2
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Timeout = 30 * time.Second

	c := &Client{
		cfg:  cfg,
		http: rc,
		log:  pipeline.NopLogger{},
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxElapsedTime = time.Minute
			return backoff.WithMaxRetries(b, 3)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) projectURL(parts ...string) string {
	return c.cfg.APIURL + "/projects/" + url.PathEscape(c.cfg.ProjectID) + "/" + strings.Join(parts, "/")
}

// PostTrigger starts a pipeline for t.
func (c *Client) PostTrigger(ctx context.Context, t Trigger) (Pipeline, error) {
	form := url.Values{}
	form.Set("token", c.cfg.TriggerToken)
	form.Set("ref", c.cfg.Ref)
	vars := map[string]string{
		"API_BASEURL":    c.cfg.BuilderAPIBaseURL,
		"BUILDER_TOKEN":  c.cfg.BuilderToken,
		"BUILD_PLATFORM": t.Platform,
		"CLONE_URL":      t.CloneURL,
		"REFERENCE":      t.Reference,
		"SWIFT_VERSION":  t.SwiftVersion,
		"VERSION_ID":     t.VersionID,
	}
	for k, v := range vars {
		if v != "" {
			form.Set("variables["+k+"]", v)
		}
	}

	u := c.projectURL("trigger", "pipeline")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return Pipeline{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Triggers bypass the retrying client: a resent trigger starts a second
	// pipeline.
	resp, err := c.http.HTTPClient.Do(req)
	if err != nil {
		return Pipeline{}, err
	}
	body, err := read(resp, u)
	if err != nil {
		return Pipeline{}, err
	}
	p := Pipeline{ID: gjson.GetBytes(body, "id").Int(), WebURL: gjson.GetBytes(body, "web_url").String()}
	c.log.Debugf("Triggered pipeline %d for %s %s/%s", p.ID, t.VersionID, t.Platform, t.SwiftVersion)
	return p, nil
}

// PendingJobCount counts the project's pipelines waiting for a runner.
func (c *Client) PendingJobCount(ctx context.Context) (int, error) {
	var count int
	op := func() error {
		n, err := c.pendingJobCount(ctx)
		if err != nil {
			c.log.Debugf("Pending job count failed: %v", err)
			return err
		}
		count = n
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.retry(), ctx)); err != nil {
		return 0, fmt.Errorf("pending job count: %w", err)
	}
	return count, nil
}

func (c *Client) pendingJobCount(ctx context.Context) (int, error) {
	total := 0
	page := "1"
	for i := 0; i < maxPages && page != ""; i++ {
		q := url.Values{}
		q.Set("status", "pending")
		q.Set("per_page", "100")
		q.Set("page", page)
		u := c.projectURL("pipelines") + "?" + q.Encode()

		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("PRIVATE-TOKEN", c.cfg.APIToken)
		resp, err := c.http.Do(req)
		if err != nil {
			return 0, err
		}
		body, err := read(resp, u)
		if err != nil {
			return 0, err
		}
		res := gjson.ParseBytes(body)
		if !res.IsArray() {
			return 0, errors.New("unexpected pipelines response")
		}
		total += len(res.Array())
		page = resp.Header.Get("X-Next-Page")
	}
	return total, nil
}

// read consumes resp and returns its body when the status is 2xx.
func read(resp *http.Response, u string) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: stripQuery(u), Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func stripQuery(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	parsed.RawQuery = ""
	return parsed.String()
}
