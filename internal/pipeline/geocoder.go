package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ppiankov/foodmap/internal/geocode"
	"github.com/ppiankov/foodmap/internal/jsonl"
	"github.com/ppiankov/foodmap/internal/model"
)

// ReservedFieldError reports an input record that already carries a field
// the geocoder adds
type ReservedFieldError struct {
	Record int // 1-based position among well-formed records
	Field  string
}

func (e *ReservedFieldError) Error() string {
	return fmt.Sprintf("record %d already has reserved field %q", e.Record, e.Field)
}

// GeocodeStats summarizes a geocoding run
type GeocodeStats struct {
	Records   int
	Malformed int
	NoAddress int
	BySource  map[model.Source]int
}

// Geocoder annotates every record with coordinates and their provenance.
// Output has exactly one record per input record, in input order.
type Geocoder struct {
	chain        *geocode.Chain
	addressField string
	details      bool
}

// NewGeocoder creates a geocoder over a resolver chain
func NewGeocoder(chain *geocode.Chain, cfg model.GeocodeConfig) *Geocoder {
	field := cfg.AddressField
	if field == "" {
		field = "address"
	}
	return &Geocoder{
		chain:        chain,
		addressField: field,
		details:      cfg.IncludeDetails,
	}
}

// Run reads JSONL from in and writes geocoded JSONL to out. Malformed lines
// are skipped with a warning; a record with a reserved field fails the run
// before any lookup.
func (g *Geocoder) Run(ctx context.Context, in io.Reader, out *jsonl.Writer) (*GeocodeStats, error) {
	stats := &GeocodeStats{BySource: make(map[model.Source]int)}

	records, err := jsonl.ReadAll(in, func(e *jsonl.LineError) {
		stats.Malformed++
		zap.L().Warn("skipping malformed line", zap.Int("line", e.Line), zap.Error(e.Err))
	})
	if err != nil {
		return stats, eris.Wrap(err, "read records")
	}

	if err := checkReserved(records); err != nil {
		return stats, err
	}

	queries := make([]geocode.Query, len(records))
	for i, rec := range records {
		queries[i] = geocode.NewQuery(rec.String(g.addressField))
	}

	if err := g.chain.Prepare(ctx, queries); err != nil {
		return stats, err
	}

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		q := queries[i]
		if q.Address == "" {
			stats.NoAddress++
			zap.L().Warn("record has no address",
				zap.Int("record", i+1),
				zap.String("field", g.addressField),
			)
		}

		result, err := g.chain.Resolve(ctx, q)
		if err != nil {
			return stats, err
		}

		annotated, err := g.annotate(rec, result)
		if err != nil {
			return stats, eris.Wrapf(err, "record %d", i+1)
		}
		if err := out.WriteRecord(annotated); err != nil {
			return stats, err
		}

		source := model.SourceUnresolved
		if result != nil {
			source = result.Source
		} else if q.Address != "" {
			zap.L().Warn("address unresolved", zap.Int("record", i+1), zap.String("address", q.Address))
		}
		stats.Records++
		stats.BySource[source]++

		zap.L().Debug("geocoded",
			zap.Int("record", i+1),
			zap.String("address", q.Address),
			zap.String("source", string(source)),
		)
		if stats.Records%100 == 0 {
			zap.L().Info("geocoding progress", zap.Int("done", stats.Records), zap.Int("total", len(records)))
		}
	}

	return stats, nil
}

// annotate appends lat, lon and source (plus result_name and geocode_score
// with details on). Unresolved records get null coordinates.
func (g *Geocoder) annotate(rec *model.Record, result *geocode.Result) (*model.Record, error) {
	type field struct {
		key   string
		value any
	}

	var fields []field
	if result == nil {
		fields = []field{
			{model.FieldLat, nil},
			{model.FieldLon, nil},
			{model.FieldSource, string(model.SourceUnresolved)},
		}
		if g.details {
			fields = append(fields, field{model.FieldResultName, nil}, field{model.FieldScore, nil})
		}
	} else {
		fields = []field{
			{model.FieldLat, result.Coordinates.Lat},
			{model.FieldLon, result.Coordinates.Lon},
			{model.FieldSource, string(result.Source)},
		}
		if g.details {
			var name, score any
			if result.MatchedName != "" {
				name = result.MatchedName
			}
			if result.Score != nil {
				score = *result.Score
			}
			fields = append(fields, field{model.FieldResultName, name}, field{model.FieldScore, score})
		}
	}

	out := rec
	for _, f := range fields {
		var err error
		if out, err = out.Set(f.key, f.value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func checkReserved(records []*model.Record) error {
	for i, rec := range records {
		for _, field := range model.ReservedFields {
			if rec.Has(field) {
				return &ReservedFieldError{Record: i + 1, Field: field}
			}
		}
	}
	return nil
}
