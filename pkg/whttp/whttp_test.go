package whttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	client, err := NewClient(Options{})
	require.NoError(t, err)
	res, err := Do(context.Background(), client, Request{
		URL:     srv.URL,
		Method:  http.MethodPost,
		Headers: []Header{{Name: "X-Test", Value: "yes"}},
		Body:    "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "echo:hi", string(res.Body))
}

func TestDoStatusError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(Options{RetryMax: 1})
	require.NoError(t, err)
	client.RetryWaitMin = 0
	client.RetryWaitMax = 0

	res, err := Do(context.Background(), client, Request{URL: srv.URL})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "unavailable", se.Body)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.EqualValues(t, 2, hits.Load())
}

func TestNewClientProxy(t *testing.T) {
	_, err := NewClient(Options{Proxy: "http://127.0.0.1:8080"})
	assert.NoError(t, err)
	_, err = NewClient(Options{Proxy: "://bad"})
	assert.Error(t, err)
}
