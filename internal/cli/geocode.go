package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/foodmap/internal/cache"
	"github.com/ppiankov/foodmap/internal/geocode"
	"github.com/ppiankov/foodmap/internal/jsonl"
	"github.com/ppiankov/foodmap/internal/model"
	"github.com/ppiankov/foodmap/internal/pipeline"
	"github.com/ppiankov/foodmap/internal/util"
)

var (
	geocodeOutput   string
	geocodeNoRemote bool
	geocodeNoCache  bool
)

// geocodeCmd represents the geocode command
var geocodeCmd = &cobra.Command{
	Use:   "geocode <input>",
	Short: "Attach coordinates to every record of a JSONL file",
	Long: `Geocode resolves each record's address through an ordered chain:

  1. the municipal reference dataset (--reference), matched on a
     normalized address, tagged source=municipal
  2. the city's ESRI batch geocoder (--esri), tagged source=municipal
  3. OSM Nominatim, one request per address at most once per
     min-interval, tagged source=nominatim

Records no resolver can place keep null coordinates and are tagged
source=unresolved. Every input record yields exactly one output record,
in input order. Records that already carry lat, lon, source, result_name
or geocode_score are rejected.

Example:
  foodmap geocode restaurants.jsonl -o geocoded.jsonl --reference addresses.csv
  foodmap geocode restaurants.jsonl -o geocoded.jsonl --esri --details
  foodmap geocode restaurants.jsonl -o geocoded.jsonl --reference addresses.csv --no-remote`,
	Args: cobra.ExactArgs(1),
	RunE: runGeocode,
}

func init() {
	rootCmd.AddCommand(geocodeCmd)

	geocodeCmd.Flags().StringVarP(&geocodeOutput, "output", "o", "", "output JSONL path (- for stdout)")
	geocodeCmd.Flags().String("reference", "", "municipal reference CSV (address, lat, lon columns)")
	geocodeCmd.Flags().String("address-field", "address", "record field holding the street address")
	geocodeCmd.Flags().Bool("details", false, "also emit result_name and geocode_score")
	geocodeCmd.Flags().Bool("esri", false, "enable the City of St. Louis ESRI batch geocoder")
	geocodeCmd.Flags().String("email", "", "contact email sent to Nominatim")
	geocodeCmd.Flags().Duration("min-interval", time.Second, "minimum pause between Nominatim requests")
	geocodeCmd.Flags().Int("max-attempts", 1, "Nominatim attempts per address on transient errors")
	geocodeCmd.Flags().Duration("timeout", 30*time.Second, "per-request HTTP timeout")
	geocodeCmd.Flags().String("user-agent", "", "HTTP User-Agent")
	geocodeCmd.Flags().BoolVar(&geocodeNoRemote, "no-remote", false, "use only the reference dataset")
	geocodeCmd.Flags().BoolVar(&geocodeNoCache, "no-cache", false, "disable the geocoder response cache")
	_ = geocodeCmd.MarkFlagRequired("output")
}

func runGeocode(cmd *cobra.Command, args []string) (err error) {
	cfg := *appConfig
	if geocodeNoRemote {
		cfg.Geocode.ESRI.Enabled = false
		cfg.Geocode.Nominatim.Enabled = false
	}
	if geocodeNoCache {
		cfg.Cache.Enabled = false
	}

	in, err := openInput(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	chain, err := buildChain(&cfg)
	if err != nil {
		return err
	}

	printBanner("foodmap geocode")
	fmt.Fprintf(os.Stderr, "  Input:        %s\n", args[0])
	fmt.Fprintf(os.Stderr, "  Output:       %s\n", geocodeOutput)
	fmt.Fprintf(os.Stderr, "  Resolvers:    %s\n", strings.Join(chain.Names(), " → "))
	fmt.Fprintf(os.Stderr, "  Details:      %v\n", cfg.Geocode.IncludeDetails)
	fmt.Fprintf(os.Stderr, "\n")

	out, err := createOutput(geocodeOutput)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = eris.Wrap(closeErr, "close output")
		}
	}()

	start := time.Now()
	writer := jsonl.NewWriter(out)
	stats, runErr := pipeline.NewGeocoder(chain, cfg.Geocode).Run(cmd.Context(), in, writer)
	if flushErr := writer.Flush(); flushErr != nil && runErr == nil {
		runErr = flushErr
	}
	if runErr != nil {
		return eris.Wrap(runErr, "geocode failed")
	}

	printRule()
	fmt.Fprintf(os.Stderr, "  Records:      %d\n", stats.Records)
	fmt.Fprintf(os.Stderr, "  Written:      %d\n", writer.Count())
	fmt.Fprintf(os.Stderr, "  Municipal:    %d\n", stats.BySource[model.SourceMunicipal])
	fmt.Fprintf(os.Stderr, "  Nominatim:    %d\n", stats.BySource[model.SourceNominatim])
	fmt.Fprintf(os.Stderr, "  Unresolved:   %d\n", stats.BySource[model.SourceUnresolved])
	if stats.Malformed > 0 {
		fmt.Fprintf(os.Stderr, "  Malformed:    %d (skipped)\n", stats.Malformed)
	}
	if stats.NoAddress > 0 {
		fmt.Fprintf(os.Stderr, "  No address:   %d\n", stats.NoAddress)
	}
	fmt.Fprintf(os.Stderr, "  Duration:     %v\n", time.Since(start).Round(time.Millisecond))
	printRule()
	fmt.Fprintf(os.Stderr, "\n")

	return nil
}

// buildChain assembles the enabled resolvers in priority order
func buildChain(cfg *model.Config) (*geocode.Chain, error) {
	var resolvers []geocode.Resolver

	if path := cfg.Geocode.Reference.Path; path != "" {
		index, err := geocode.LoadReference(path, cfg.Geocode.Reference)
		if err != nil {
			return nil, err
		}
		zap.L().Info("reference dataset loaded", zap.String("path", path), zap.Int("addresses", index.Len()))
		resolvers = append(resolvers, geocode.NewReferenceResolver(index))
	}

	client := util.NewHTTPClient(cfg.HTTP)
	if cfg.Geocode.ESRI.Enabled {
		resolvers = append(resolvers, geocode.NewESRIResolver(client, cfg.Geocode.ESRI, cfg.HTTP.UserAgent))
	}
	if cfg.Geocode.Nominatim.Enabled {
		responses := cache.New(cfg.Cache)
		resolvers = append(resolvers, geocode.NewNominatimResolver(client, cfg.Geocode.Nominatim, cfg.HTTP.UserAgent, responses))
	}

	if len(resolvers) == 0 {
		zap.L().Warn("no resolvers enabled, every record will be unresolved")
	}

	return geocode.NewChain(resolvers...), nil
}
