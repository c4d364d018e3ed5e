package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/spindex/spindex/pkg/whttp"
)

// Source yields the canonical package list.
type Source interface {
	Fetch(ctx context.Context) ([]string, error)
}

// HTTPSource downloads a JSON array of package URLs.
type HTTPSource struct {
	URL    string
	Client *retryablehttp.Client
}

func (s HTTPSource) Fetch(ctx context.Context) ([]string, error) {
	client := s.Client
	if client == nil {
		var err error
		if client, err = whttp.NewClient(whttp.Options{RetryMax: 3}); err != nil {
			return nil, err
		}
	}
	res, err := whttp.Do(ctx, client, whttp.Request{
		URL:     s.URL,
		Headers: []whttp.Header{{Name: "Accept", Value: "application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch package list: %w", err)
	}
	return parseList(res.Body)
}

// FileSource reads the package list from a local JSON file.
type FileSource struct {
	Path string
}

func (s FileSource) Fetch(context.Context) ([]string, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	return parseList(b)
}

func parseList(b []byte) ([]string, error) {
	if !gjson.ValidBytes(b) {
		return nil, errors.New("package list is not valid JSON")
	}
	list := gjson.ParseBytes(b)
	if !list.IsArray() {
		return nil, errors.New("package list must be a JSON array")
	}
	var urls []string
	var bad error
	list.ForEach(func(_, v gjson.Result) bool {
		if v.Type != gjson.String {
			bad = fmt.Errorf("package list entry %s is not a string", v.Raw)
			return false
		}
		urls = append(urls, v.String())
		return true
	})
	return urls, bad
}
