// Package whttp builds the retrying HTTP clients used to talk to external
// services and wraps the request/response boilerplate around them.
package whttp

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const UserAgent = "spindex (+https://github.com/spindex/spindex)"

// maxBody bounds how much of a response is read.
const maxBody = 32 << 20

type Options struct {
	RetryMax int
	Timeout  time.Duration
	// Proxy routes requests through the given URL when set.
	Proxy string
}

// NewClient returns a retrying client that never logs and hands back the
// last response once retries are exhausted.
func NewClient(opts Options) (*retryablehttp.Client, error) {
	rc := retryablehttp.NewClient()
	rc.Logger = log.New(io.Discard, "", 0)
	rc.RetryMax = opts.RetryMax
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.Timeout > 0 {
		rc.HTTPClient.Timeout = opts.Timeout
	}

	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		rc.HTTPClient.Transport = transport
	}
	return rc, nil
}

type Header struct {
	Name  string
	Value string
}

type Request struct {
	URL     string
	Method  string
	Headers []Header
	Body    string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError is returned by Do for non-2xx responses.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s returned %d: %s", e.URL, e.StatusCode, body)
}

// Do sends the request. Responses outside 2xx come back as *StatusError
// along with the response itself.
func Do(ctx context.Context, client *retryablehttp.Client, r Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body interface{}
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	for _, h := range r.Headers {
		req.Header.Set(h.Name, h.Value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	res := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, &StatusError{StatusCode: resp.StatusCode, URL: r.URL, Body: strings.TrimSpace(string(b))}
	}
	return res, nil
}
