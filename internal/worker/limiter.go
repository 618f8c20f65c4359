package worker

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Limiter spaces requests per host. Both the crawler and the remote
// geocoders share this so consecutive calls to one service respect its policy.
type Limiter struct {
	limiters     map[string]*rate.Limiter
	mu           sync.RWMutex
	defaultRate  rate.Limit
	defaultBurst int
}

// NewLimiter creates a limiter allowing requestsPerSecond per host.
// A non-positive rate disables limiting.
func NewLimiter(requestsPerSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}

	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}

	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  limit,
		defaultBurst: burst,
	}
}

// NewIntervalLimiter creates a limiter allowing one request per interval per host
func NewIntervalLimiter(interval time.Duration) *Limiter {
	l := NewLimiter(0, 1)
	if interval > 0 {
		l.defaultRate = rate.Every(interval)
	}
	return l
}

// Wait blocks until a request to the URL's host is allowed
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain, err := extractDomain(rawURL)
	if err != nil {
		return err
	}

	if err := l.getLimiter(domain).Wait(ctx); err != nil {
		return eris.Wrapf(err, "rate limit %s", domain)
	}
	return nil
}

func (l *Limiter) getLimiter(domain string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[domain]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := l.limiters[domain]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
	l.limiters[domain] = limiter

	return limiter
}

// SlowDown lowers a domain's rate to at most one request per delay
// (e.g. a robots.txt Crawl-delay). Faster delays never raise the rate.
func (l *Limiter) SlowDown(domain string, delay time.Duration) {
	if delay <= 0 {
		return
	}

	limiter := l.getLimiter(domain)
	if every := rate.Every(delay); every < limiter.Limit() {
		limiter.SetLimit(every)
	}
}

// extractDomain extracts the host from a URL
func extractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "parse URL %q", rawURL)
	}
	return parsed.Host, nil
}
