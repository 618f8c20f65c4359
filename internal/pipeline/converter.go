package pipeline

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ppiankov/foodmap/internal/jsonl"
	"github.com/ppiankov/foodmap/internal/render"
)

// Format is a converter output format
type Format string

const (
	FormatCSV     Format = "csv"
	FormatXLSX    Format = "xlsx"
	FormatGeoJSON Format = "geojson"
)

// ResolveFormat picks the explicit format if given, else infers it from the
// output path's extension, defaulting to CSV
func ResolveFormat(explicit, outputPath string) (Format, error) {
	name := strings.ToLower(strings.TrimSpace(explicit))
	if name == "" {
		switch strings.ToLower(filepath.Ext(outputPath)) {
		case ".xlsx":
			return FormatXLSX, nil
		case ".geojson":
			return FormatGeoJSON, nil
		default:
			return FormatCSV, nil
		}
	}

	switch Format(name) {
	case FormatCSV, FormatXLSX, FormatGeoJSON:
		return Format(name), nil
	default:
		return "", eris.Errorf("unknown format %q (want csv, xlsx or geojson)", explicit)
	}
}

// ConvertStats summarizes a conversion
type ConvertStats struct {
	Records   int
	Columns   int
	Malformed int
	Skipped   int // GeoJSON only: records without coordinates
}

// Convert buffers every JSONL record from in and writes them to out in format
func Convert(in io.Reader, out io.Writer, format Format) (*ConvertStats, error) {
	stats := &ConvertStats{}

	records, err := jsonl.ReadAll(in, func(e *jsonl.LineError) {
		stats.Malformed++
		zap.L().Warn("skipping malformed line", zap.Int("line", e.Line), zap.Error(e.Err))
	})
	if err != nil {
		return stats, eris.Wrap(err, "read records")
	}
	stats.Records = len(records)

	switch format {
	case FormatGeoJSON:
		skipped, err := render.WriteGeoJSON(out, records)
		stats.Skipped = skipped
		if err != nil {
			return stats, err
		}
		if skipped > 0 {
			zap.L().Warn("records without coordinates left out", zap.Int("count", skipped))
		}
		return stats, nil

	case FormatXLSX:
		table := render.NewTable(records)
		stats.Columns = len(table.Columns)
		return stats, render.WriteXLSX(out, table)

	case FormatCSV:
		table := render.NewTable(records)
		stats.Columns = len(table.Columns)
		return stats, render.WriteCSV(out, table)

	default:
		return stats, eris.Errorf("unknown format %q", format)
	}
}
