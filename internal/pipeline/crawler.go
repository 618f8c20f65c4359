package pipeline

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ppiankov/foodmap/internal/cache"
	"github.com/ppiankov/foodmap/internal/extract"
	"github.com/ppiankov/foodmap/internal/jsonl"
	"github.com/ppiankov/foodmap/internal/model"
	"github.com/ppiankov/foodmap/internal/util"
	"github.com/ppiankov/foodmap/internal/worker"
)

// ErrDisallowed is returned for URLs robots.txt forbids
var ErrDisallowed = eris.New("disallowed by robots.txt")

// Crawler walks the inspection portal: ward list, then each ward's paginated
// facility list, then every facility page. Requests are strictly sequential.
type Crawler struct {
	fetcher    *Fetcher
	robots     *util.RobotsChecker
	limiter    *worker.Limiter
	cache      cache.Cache
	maxRetries int
	retryDelay time.Duration
	visited    map[string]bool
}

// CrawlStats summarizes a crawl
type CrawlStats struct {
	Wards      int
	WardPages  int
	Facilities int
	Skipped    int // Facility pages that never yielded a name or failed to load
	Blocked    int // URLs robots.txt disallowed
}

// NewCrawler creates a crawler from configuration
func NewCrawler(cfg *model.Config, client *http.Client, pages cache.Cache) *Crawler {
	var robots *util.RobotsChecker
	if cfg.Crawl.RespectRobots {
		robots = util.NewRobotsChecker(client, cfg.HTTP.UserAgent)
	}
	if pages == nil {
		pages = cache.Nop{}
	}

	return &Crawler{
		fetcher:    NewFetcher(client, cfg.HTTP.UserAgent, cfg.HTTP.MaxBodyBytes),
		robots:     robots,
		limiter:    worker.NewLimiter(cfg.Crawl.RequestsPerSecond, 1),
		cache:      pages,
		maxRetries: cfg.Crawl.MaxRetries,
		retryDelay: cfg.Crawl.RetryDelay,
		visited:    make(map[string]bool),
	}
}

// Run crawls from the ward list at startURL and writes one facility per line to out
func (c *Crawler) Run(ctx context.Context, startURL string, out *jsonl.Writer) (*CrawlStats, error) {
	stats := &CrawlStats{}

	doc, pageURL, err := c.document(ctx, startURL, true)
	if err != nil {
		return stats, eris.Wrapf(err, "ward list %s", startURL)
	}
	c.visited[startURL] = true

	wards, err := extract.Links(doc, pageURL)
	if err != nil {
		return stats, eris.Wrap(err, "ward list links")
	}

	for _, ward := range wards {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if c.visited[ward.URL] {
			continue
		}

		stats.Wards++
		zap.L().Info("crawling ward", zap.String("ward", ward.Text), zap.String("url", ward.URL))

		if err := c.crawlWard(ctx, ward, out, stats); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// crawlWard follows a ward's pagination and emits every facility it lists
func (c *Crawler) crawlWard(ctx context.Context, ward extract.Link, out *jsonl.Writer, stats *CrawlStats) error {
	queue := []string{ward.URL}

	for len(queue) > 0 {
		pageURL := queue[0]
		queue = queue[1:]

		if c.visited[pageURL] {
			continue
		}
		c.visited[pageURL] = true

		doc, finalURL, err := c.document(ctx, pageURL, true)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.countFailure(err, stats)
			zap.L().Warn("skipping ward page", zap.String("url", pageURL), zap.Error(err))
			continue
		}
		stats.WardPages++

		links, err := extract.Links(doc, finalURL)
		if err != nil {
			zap.L().Warn("skipping ward page links", zap.String("url", pageURL), zap.Error(err))
			continue
		}

		for _, link := range links {
			switch extract.Classify(link) {
			case extract.LinkFacility:
				if c.visited[link.URL] {
					continue
				}
				if err := c.crawlFacility(ctx, link.URL, ward.Text, out, stats); err != nil {
					return err
				}
			case extract.LinkWardPage:
				queue = append(queue, link.URL)
			}
		}
	}

	return nil
}

// crawlFacility emits one facility. The portal intermittently serves pages
// without the facility table; those are re-fetched past the cache.
func (c *Crawler) crawlFacility(ctx context.Context, facilityURL, ward string, out *jsonl.Writer, stats *CrawlStats) error {
	c.visited[facilityURL] = true

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			_ = c.cache.Delete(cache.Key("page", facilityURL))
			if err := sleepContext(ctx, c.retryDelay); err != nil {
				return err
			}
		}

		doc, _, err := c.document(ctx, facilityURL, attempt == 0)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.countFailure(err, stats)
			zap.L().Warn("skipping facility", zap.String("url", facilityURL), zap.Error(err))
			return nil
		}

		facility := extract.Facility(doc)
		if facility.Name == "" {
			zap.L().Debug("facility page missing fields",
				zap.String("url", facilityURL),
				zap.Int("attempt", attempt+1),
			)
			continue
		}

		facility.Ward = ward
		if err := out.Write(facility); err != nil {
			return eris.Wrap(err, "write facility")
		}
		stats.Facilities++
		return nil
	}

	_ = c.cache.Delete(cache.Key("page", facilityURL))
	stats.Skipped++
	zap.L().Warn("facility page never yielded a name",
		zap.String("url", facilityURL),
		zap.Int("attempts", c.maxRetries+1),
	)
	return nil
}

func (c *Crawler) countFailure(err error, stats *CrawlStats) {
	if eris.Is(err, ErrDisallowed) {
		stats.Blocked++
		return
	}
	stats.Skipped++
}

// document fetches and parses a page, honoring robots.txt, the per-host rate
// limit and the page cache. It returns the URL relative links resolve against.
func (c *Crawler) document(ctx context.Context, rawURL string, useCache bool) (*goquery.Document, string, error) {
	key := cache.Key("page", rawURL)
	if useCache {
		if cached, ok := c.cache.Get(key); ok {
			doc, err := extract.ParseDocument(string(cached))
			if err == nil {
				return doc, rawURL, nil
			}
		}
	}

	if c.robots != nil {
		allowed, delay, err := c.robots.CanFetch(ctx, rawURL)
		if err != nil {
			return nil, "", err
		}
		if !allowed {
			return nil, "", ErrDisallowed
		}
		if parsed, err := url.Parse(rawURL); err == nil {
			c.limiter.SlowDown(parsed.Host, delay)
		}
	}

	if err := c.limiter.Wait(ctx, rawURL); err != nil {
		return nil, "", err
	}

	result, err := c.fetcher.FetchWithRetry(ctx, rawURL)
	if err != nil {
		return nil, "", err
	}

	doc, err := extract.ParseDocument(result.HTML)
	if err != nil {
		return nil, "", err
	}

	if err := c.cache.Set(key, []byte(result.HTML), 0); err != nil {
		zap.L().Debug("page cache write failed", zap.String("url", rawURL), zap.Error(err))
	}

	return doc, result.FinalURL, nil
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
