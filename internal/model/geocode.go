package model

// Source is the provenance tag recording which resolver produced a record's coordinates
type Source string

const (
	SourceMunicipal  Source = "municipal"  // Reference dataset or the city's own geocoder
	SourceNominatim  Source = "nominatim"  // OSM Nominatim fallback
	SourceUnresolved Source = "unresolved" // Every resolver missed or failed
)

// Fields added to every geocoded record
const (
	FieldLat        = "lat"
	FieldLon        = "lon"
	FieldSource     = "source"
	FieldResultName = "result_name"   // Only with details enabled
	FieldScore      = "geocode_score" // Only with details enabled
)

// ReservedFields lists the field names an input record must not already carry
var ReservedFields = []string{FieldLat, FieldLon, FieldSource, FieldResultName, FieldScore}

// Coordinates is a WGS84 position
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}
