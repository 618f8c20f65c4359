package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ppiankov/foodmap/internal/cache"
	"github.com/ppiankov/foodmap/internal/jsonl"
	"github.com/ppiankov/foodmap/internal/pipeline"
	"github.com/ppiankov/foodmap/internal/util"
)

var (
	crawlOutput  string
	crawlNoCache bool
)

// crawlCmd represents the crawl command
var crawlCmd = &cobra.Command{
	Use:   "crawl [start-url]",
	Short: "Crawl the inspection portal into JSONL",
	Long: `Crawl walks the food facility ward list, every page of every ward and
every facility page, writing one JSON object per facility with name,
address, kind, phone_number and ward.

Requests are sequential, rate limited per host and checked against
robots.txt. Pages are cached so an interrupted crawl resumes cheaply.

Example:
  foodmap crawl -o restaurants.jsonl
  foodmap crawl -o restaurants.jsonl --rps 2
  foodmap crawl https://example.org/Food-WardList -o wards.jsonl`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCrawl,
}

func init() {
	rootCmd.AddCommand(crawlCmd)

	crawlCmd.Flags().StringVarP(&crawlOutput, "output", "o", "", "output JSONL path (- for stdout)")
	crawlCmd.Flags().Float64("rps", 10, "max requests per second per host")
	crawlCmd.Flags().Int("max-retries", 5, "re-fetches of a facility page missing its name")
	crawlCmd.Flags().Duration("retry-delay", time.Second, "pause between facility page re-fetches")
	crawlCmd.Flags().Duration("timeout", 30*time.Second, "per-request HTTP timeout")
	crawlCmd.Flags().String("user-agent", "", "HTTP User-Agent")
	crawlCmd.Flags().BoolVar(&crawlNoCache, "no-cache", false, "disable the page cache (force fresh fetches)")
	_ = crawlCmd.MarkFlagRequired("output")
}

func runCrawl(cmd *cobra.Command, args []string) (err error) {
	cfg := *appConfig
	if crawlNoCache {
		cfg.Cache.Enabled = false
	}

	startURL := cfg.Crawl.StartURL
	if len(args) == 1 {
		startURL = args[0]
	}

	printBanner("foodmap crawl")
	fmt.Fprintf(os.Stderr, "  Start URL:    %s\n", startURL)
	fmt.Fprintf(os.Stderr, "  Output:       %s\n", crawlOutput)
	fmt.Fprintf(os.Stderr, "  Rate limit:   %g req/s per host\n", cfg.Crawl.RequestsPerSecond)
	fmt.Fprintf(os.Stderr, "  Cache:        %v\n", cfg.Cache.Enabled)
	fmt.Fprintf(os.Stderr, "\n")

	out, err := createOutput(crawlOutput)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = eris.Wrap(closeErr, "close output")
		}
	}()

	client := util.NewHTTPClient(cfg.HTTP)
	crawler := pipeline.NewCrawler(&cfg, client, cache.New(cfg.Cache))

	start := time.Now()
	writer := jsonl.NewWriter(out)
	stats, runErr := crawler.Run(cmd.Context(), startURL, writer)
	if flushErr := writer.Flush(); flushErr != nil && runErr == nil {
		runErr = flushErr
	}

	printRule()
	fmt.Fprintf(os.Stderr, "  Wards:        %d\n", stats.Wards)
	fmt.Fprintf(os.Stderr, "  Ward pages:   %d\n", stats.WardPages)
	fmt.Fprintf(os.Stderr, "  Facilities:   %d\n", stats.Facilities)
	fmt.Fprintf(os.Stderr, "  Written:      %d\n", writer.Count())
	fmt.Fprintf(os.Stderr, "  Skipped:      %d\n", stats.Skipped)
	fmt.Fprintf(os.Stderr, "  Blocked:      %d\n", stats.Blocked)
	fmt.Fprintf(os.Stderr, "  Duration:     %v\n", time.Since(start).Round(time.Millisecond))
	printRule()
	fmt.Fprintf(os.Stderr, "\n")

	if runErr != nil {
		return eris.Wrap(runErr, "crawl failed")
	}
	return nil
}
