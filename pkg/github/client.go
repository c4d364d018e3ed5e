// Package github fetches repository metadata, licenses and readmes from the
// GitHub API.
package github

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/dnscache"
	circuit "github.com/rubyist/circuitbreaker"

	"github.com/spindex/spindex/pkg/pipeline"
)

const DefaultAPIURL = "https://api.github.com"

var (
	ErrNotFound     = errors.New("not found")
	ErrUpstreamDown = errors.New("upstream unavailable")
)

// HTTPError is a non-200 response that is not a rate limit.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// RateLimitError is returned for a 403 with no remaining quota.
type RateLimitError struct {
	URL   string
	Reset time.Time
}

func (e *RateLimitError) Error() string {
	if e.Reset.IsZero() {
		return fmt.Sprintf("rate limited: %s", e.URL)
	}
	return fmt.Sprintf("rate limited until %s: %s", e.Reset.Format(time.RFC3339), e.URL)
}

type cachedResponse struct {
	etag string
	body []byte
}

// Client talks to the GitHub REST and GraphQL APIs.
type Client struct {
	apiURL string
	token  string
	http   *retryablehttp.Client
	log    pipeline.Logger

	etags *lru.Cache[string, cachedResponse]

	mu       sync.RWMutex
	breakers map[string]*circuit.Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL points the client at another API root, e.g. an enterprise
// server or a test server.
func WithAPIURL(u string) Option {
	return func(c *Client) { c.apiURL = u }
}

// WithRetryMax sets how often failed requests are retried.
func WithRetryMax(n int) Option {
	return func(c *Client) { c.http.RetryMax = n }
}

func WithLogger(l pipeline.Logger) Option {
	return func(c *Client) { c.log = pipeline.OrNop(l) }
}

// NewClient returns a client authenticating with token.
func NewClient(token string, opts ...Option) (*Client, error) {
	cache, err := lru.New[string, cachedResponse](2048)
	if err != nil {
		return nil, err
	}

	rc := retryablehttp.NewClient()
	rc.Logger = log.New(io.Discard, "", 0)
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	// hand back the last response instead of a generic error
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient = &http.Client{Timeout: 30 * time.Second, Transport: cachedDNSTransport()}

	c := &Client{
		apiURL:   DefaultAPIURL,
		token:    token,
		http:     rc,
		log:      pipeline.NopLogger{},
		etags:    cache,
		breakers: make(map[string]*circuit.Breaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func cachedDNSTransport() *http.Transport {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
			}
			return nil, fmt.Errorf("failed to dial any resolved IP of %s", host)
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

func (c *Client) breaker(host string) *circuit.Breaker {
	c.mu.RLock()
	b, ok := c.breakers[host]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[host]; ok {
		return b
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()
	b = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	c.breakers[host] = b
	return b
}

// BreakerStates reports "open" or "closed" per API host.
func (c *Client) BreakerStates() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	states := make(map[string]string, len(c.breakers))
	for host, b := range c.breakers {
		if b.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

type request struct {
	method      string
	url         string
	accept      string
	body        []byte
	ifNoneMatch string
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do sends r through the host's circuit breaker. Only transport failures and
// 5xx responses count against the breaker.
func (c *Client) do(ctx context.Context, r request) (*response, error) {
	u, err := url.Parse(r.url)
	if err != nil {
		return nil, err
	}
	b := c.breaker(u.Host)
	if !b.Ready() {
		return nil, fmt.Errorf("circuit breaker open for %s: %w", u.Host, ErrUpstreamDown)
	}

	var res *response
	err = b.Call(func() error {
		var body io.Reader
		if r.body != nil {
			body = bytes.NewReader(r.body)
		}
		req, err := retryablehttp.NewRequestWithContext(ctx, r.method, r.url, body)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", "spindex")
		if r.accept != "" {
			req.Header.Set("Accept", r.accept)
		}
		if r.body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if r.ifNoneMatch != "" {
			req.Header.Set("If-None-Match", r.ifNoneMatch)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		res = &response{status: resp.StatusCode, header: resp.Header, body: data}
		if resp.StatusCode >= 500 {
			return &HTTPError{StatusCode: resp.StatusCode, URL: r.url, Body: string(data)}
		}
		return nil
	}, 0)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// check maps a response onto the error types of this package.
func check(res *response, url string) error {
	switch {
	case res.status == http.StatusOK:
		return nil
	case res.status == http.StatusForbidden && res.header.Get("X-RateLimit-Remaining") == "0":
		e := &RateLimitError{URL: url}
		if sec, err := strconv.ParseInt(res.header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			e.Reset = time.Unix(sec, 0).UTC()
		}
		return e
	default:
		return &HTTPError{StatusCode: res.status, URL: url, Body: string(res.body)}
	}
}

// get fetches a REST resource, revalidating cached bodies with their ETag.
// It returns ErrNotFound for 404.
func (c *Client) get(ctx context.Context, url, accept string) ([]byte, error) {
	key := accept + " " + url
	cached, hasCached := c.etags.Get(key)

	r := request{method: http.MethodGet, url: url, accept: accept}
	if hasCached {
		r.ifNoneMatch = cached.etag
	}
	res, err := c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	if res.status == http.StatusNotModified && hasCached {
		c.log.Debugf("Serving %s from cache", url)
		return cached.body, nil
	}
	if res.status == http.StatusNotFound {
		c.etags.Remove(key)
		return nil, fmt.Errorf("%s: %w", url, ErrNotFound)
	}
	if err := check(res, url); err != nil {
		return nil, err
	}
	if etag := res.header.Get("ETag"); etag != "" {
		c.etags.Add(key, cachedResponse{etag: etag, body: res.body})
	}
	return res.body, nil
}
