package util

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/foodmap/internal/model"
)

func TestRobotsChecker_CanFetch(t *testing.T) {
	var robotsHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			_, _ = w.Write([]byte("User-agent: foodmap\nDisallow: /private\nCrawl-delay: 2\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewRobotsChecker(server.Client(), "foodmap/0.1 (+https://example.com)")
	ctx := context.Background()

	allowed, delay, err := checker.CanFetch(ctx, server.URL+"/public/page")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 2*time.Second, delay)

	allowed, _, err = checker.CanFetch(ctx, server.URL+"/private/page")
	require.NoError(t, err)
	assert.False(t, allowed)

	assert.Equal(t, int32(1), robotsHits.Load(), "robots.txt should be fetched once per host")
}

func TestRobotsChecker_MissingRobotsAllows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	checker := NewRobotsChecker(server.Client(), "foodmap")
	allowed, delay, err := checker.CanFetch(context.Background(), server.URL+"/anything")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, delay)
}

func TestRobotsChecker_UnreachableAllows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	checker := NewRobotsChecker(&http.Client{Timeout: time.Second}, "foodmap")
	allowed, _, err := checker.CanFetch(context.Background(), url+"/page")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRobotsChecker_FailureAskedOnce(t *testing.T) {
	var robotsHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		robotsHits.Add(1)
		hijacker, ok := w.(http.Hijacker)
		if !assert.True(t, ok) {
			return
		}
		conn, _, err := hijacker.Hijack()
		if assert.NoError(t, err) {
			_ = conn.Close()
		}
	}))
	defer server.Close()

	checker := NewRobotsChecker(&http.Client{Timeout: time.Second}, "foodmap")
	for range 5 {
		allowed, delay, err := checker.CanFetch(context.Background(), server.URL+"/page")
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Zero(t, delay)
	}

	assert.Equal(t, int32(1), robotsHits.Load(), "a failed robots.txt fetch is not repeated")
}

func TestNormalizeUserAgent(t *testing.T) {
	assert.Equal(t, "foodmap", NormalizeUserAgent("foodmap/0.1 (+https://github.com/ppiankov/foodmap)"))
	assert.Equal(t, "curl", NormalizeUserAgent("curl"))
	assert.Equal(t, "", NormalizeUserAgent(""))
}

func TestNewProxyFunc(t *testing.T) {
	proxy := NewProxyFunc("http://proxy:8080", "http://secure-proxy:8443", "internal.local")

	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	u, err := proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "secure-proxy:8443", u.Host)

	req, _ = http.NewRequest(http.MethodGet, "http://example.com", nil)
	u, err = proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "proxy:8080", u.Host)

	req, _ = http.NewRequest(http.MethodGet, "http://internal.local/x", nil)
	u, err = proxy(req)
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestNewHTTPClient(t *testing.T) {
	client := NewHTTPClient(model.HTTPConfig{Timeout: 3 * time.Second, InsecureTLS: true})

	assert.Equal(t, 3*time.Second, client.Timeout)
	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, transport.TLSClientConfig)
	assert.True(t, transport.TLSClientConfig.InsecureSkipVerify)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(model.LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(model.LogConfig{Level: "warn", Format: "json"}))
	assert.Error(t, InitLogger(model.LogConfig{Level: "loud"}))
}
