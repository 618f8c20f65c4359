package util

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"

	"github.com/ppiankov/foodmap/internal/model"
)

// NewProxyFunc creates a proxy function based on configuration.
// If no proxy URLs are provided, falls back to environment variables.
// Hosts listed in noProxy (comma separated) always connect directly.
func NewProxyFunc(httpProxy, httpsProxy, noProxy string) func(*http.Request) (*url.URL, error) {
	if httpProxy == "" && httpsProxy == "" {
		return http.ProxyFromEnvironment
	}

	bypass := make(map[string]bool)
	for _, host := range strings.Split(noProxy, ",") {
		if host = strings.TrimSpace(strings.ToLower(host)); host != "" {
			bypass[host] = true
		}
	}

	return func(req *http.Request) (*url.URL, error) {
		if bypass[strings.ToLower(req.URL.Hostname())] {
			return nil, nil
		}
		if req.URL.Scheme == "https" && httpsProxy != "" {
			return url.Parse(httpsProxy)
		}
		if httpProxy != "" {
			return url.Parse(httpProxy)
		}
		return http.ProxyFromEnvironment(req)
	}
}

// NewHTTPClient builds the HTTP client shared by the crawler and the geocoders
func NewHTTPClient(cfg model.HTTPConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = NewProxyFunc(cfg.HTTPProxy, cfg.HTTPSProxy, cfg.NoProxy)
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in flag
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}
