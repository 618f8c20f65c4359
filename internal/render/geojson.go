package render

import (
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/ppiankov/foodmap/internal/model"
)

// WriteGeoJSON writes a FeatureCollection with one Point per record that has
// numeric lat/lon. Every other field becomes a property with its JSON type
// kept. It returns how many records were left out for lacking coordinates.
func WriteGeoJSON(w io.Writer, records []*model.Record) (int, error) {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(records))}

	var skipped int
	for _, rec := range records {
		coords, ok := coordinatesOf(rec)
		if !ok {
			skipped++
			continue
		}

		properties := make(map[string]interface{}, len(rec.Keys()))
		for _, key := range rec.Keys() {
			if key == model.FieldLat || key == model.FieldLon {
				continue
			}
			properties[key] = json.RawMessage(rec.Get(key).Raw)
		}

		fc.Features = append(fc.Features, &geojson.Feature{
			Geometry:   geom.NewPointFlat(geom.XY, []float64{coords.Lon, coords.Lat}).SetSRID(4326),
			Properties: properties,
		})
	}

	data, err := json.Marshal(fc)
	if err != nil {
		return skipped, eris.Wrap(err, "encode GeoJSON")
	}
	data = append(data, '\n')

	if _, err := w.Write(data); err != nil {
		return skipped, eris.Wrap(err, "write GeoJSON")
	}
	return skipped, nil
}

// coordinatesOf reads numeric lat/lon fields; string-encoded numbers are accepted
func coordinatesOf(rec *model.Record) (model.Coordinates, bool) {
	lat, okLat := coordinateValue(rec.Get(model.FieldLat))
	lon, okLon := coordinateValue(rec.Get(model.FieldLon))
	if !okLat || !okLon {
		return model.Coordinates{}, false
	}

	c := model.Coordinates{Lat: lat, Lon: lon}
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return model.Coordinates{}, false
	}
	return c, true
}

func coordinateValue(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Num, true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
