package cli

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ppiankov/foodmap/internal/pipeline"
)

var convertFormat string

// convertCmd represents the convert command
var convertCmd = &cobra.Command{
	Use:   "convert <input> <output>",
	Short: "Flatten JSONL records into CSV, XLSX or GeoJSON",
	Long: `Convert reads every record, takes the union of their keys in first-seen
order as the columns and writes one row per record. Missing keys are empty
cells; nested values are written as compact JSON.

The format comes from --format, else from the output extension
(.xlsx, .geojson), else CSV. GeoJSON output leaves out records without
coordinates.

Example:
  foodmap convert geocoded.jsonl restaurants.csv
  foodmap convert geocoded.jsonl restaurants.xlsx
  foodmap convert geocoded.jsonl restaurants.json --format geojson`,
	Args: cobra.ExactArgs(2),
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)

	convertCmd.Flags().StringVar(&convertFormat, "format", "", "output format (csv, xlsx, geojson)")
}

func runConvert(cmd *cobra.Command, args []string) (err error) {
	inputPath, outputPath := args[0], args[1]

	format, err := pipeline.ResolveFormat(convertFormat, outputPath)
	if err != nil {
		return err
	}

	in, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := createOutput(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = eris.Wrap(closeErr, "close output")
		}
	}()

	stats, err := pipeline.Convert(in, out, format)
	if err != nil {
		return eris.Wrap(err, "convert failed")
	}

	fmt.Fprintf(os.Stderr, "✓ Wrote %d records", stats.Records)
	if format != pipeline.FormatGeoJSON {
		fmt.Fprintf(os.Stderr, " × %d columns", stats.Columns)
	}
	fmt.Fprintf(os.Stderr, " to %s (%s)\n", outputPath, format)
	if stats.Skipped > 0 {
		fmt.Fprintf(os.Stderr, "  %d records without coordinates left out\n", stats.Skipped)
	}
	if stats.Malformed > 0 {
		fmt.Fprintf(os.Stderr, "  %d malformed lines skipped\n", stats.Malformed)
	}

	return nil
}
