package geocode

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ppiankov/foodmap/internal/model"
)

// Entry is one row of the municipal reference dataset
type Entry struct {
	Address     string
	Coordinates model.Coordinates
}

// Index maps normalized addresses to reference entries. It is built once and
// only read afterwards.
type Index struct {
	entries map[string]Entry
}

// NewIndex builds an index from entries; for duplicate keys the first entry wins
func NewIndex(entries []Entry) *Index {
	idx := &Index{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		idx.add(e)
	}
	return idx
}

func (idx *Index) add(e Entry) bool {
	key := Normalize(e.Address)
	if key == "" {
		return false
	}
	if _, exists := idx.entries[key]; exists {
		return false
	}
	idx.entries[key] = e
	return true
}

// Lookup returns the entry for a normalized key
func (idx *Index) Lookup(key string) (Entry, bool) {
	if idx == nil {
		return Entry{}, false
	}
	e, ok := idx.entries[key]
	return e, ok
}

// Len returns the number of distinct keys
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.entries)
}

// referenceRow holds the canonical reference columns as text so one bad
// coordinate skips its row instead of failing the load
type referenceRow struct {
	Address string `csv:"address"`
	Lat     string `csv:"lat"`
	Lon     string `csv:"lon"`
}

// LoadReference reads the reference CSV at path
func LoadReference(path string, cfg model.ReferenceConfig) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open reference dataset")
	}
	defer func() { _ = f.Close() }()

	idx, err := ReadReference(f, cfg)
	if err != nil {
		return nil, eris.Wrapf(err, "read reference dataset %s", path)
	}
	return idx, nil
}

// ReadReference reads a reference CSV whose header names the configured
// address, latitude and longitude columns. Other columns are ignored.
func ReadReference(r io.Reader, cfg model.ReferenceConfig) (*Index, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, eris.New("empty reference dataset")
	}
	if err != nil {
		return nil, eris.Wrap(err, "read header")
	}

	canonical, err := canonicalHeader(header, cfg)
	if err != nil {
		return nil, err
	}

	dec, err := csvutil.NewDecoder(reader, canonical...)
	if err != nil {
		return nil, eris.Wrap(err, "reference decoder")
	}

	idx := &Index{entries: make(map[string]Entry)}
	var skipped, duplicates int

	for {
		var row referenceRow
		err := dec.Decode(&row)
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return nil, eris.Wrap(err, "parse reference row")
			}
			skipped++
			zap.L().Warn("skipping reference row", zap.Error(err))
			continue
		}

		entry, ok := row.entry()
		if !ok {
			skipped++
			zap.L().Debug("skipping reference row with bad coordinates",
				zap.String("address", row.Address),
				zap.String("lat", row.Lat),
				zap.String("lon", row.Lon),
			)
			continue
		}
		if !idx.add(entry) {
			duplicates++
		}
	}

	if skipped > 0 {
		zap.L().Warn("reference rows skipped", zap.Int("count", skipped))
	}
	zap.L().Debug("reference dataset loaded",
		zap.Int("entries", idx.Len()),
		zap.Int("duplicates", duplicates),
	)

	return idx, nil
}

func (row referenceRow) entry() (Entry, bool) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(row.Lat), 64)
	if err != nil || lat < -90 || lat > 90 {
		return Entry{}, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(row.Lon), 64)
	if err != nil || lon < -180 || lon > 180 {
		return Entry{}, false
	}
	if strings.TrimSpace(row.Address) == "" {
		return Entry{}, false
	}
	return Entry{Address: row.Address, Coordinates: model.Coordinates{Lat: lat, Lon: lon}}, true
}

// canonicalHeader renames the configured columns to the referenceRow tags.
// Column names match case-insensitively; unrelated columns get names no tag uses.
func canonicalHeader(header []string, cfg model.ReferenceConfig) ([]string, error) {
	wanted := map[string]string{
		strings.ToLower(cfg.AddressColumn): "address",
		strings.ToLower(cfg.LatColumn):     "lat",
		strings.ToLower(cfg.LonColumn):     "lon",
	}

	out := make([]string, len(header))
	found := make(map[string]bool)
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		if canon, ok := wanted[name]; ok && !found[canon] {
			out[i] = canon
			found[canon] = true
			continue
		}
		out[i] = "ignored:" + strconv.Itoa(i)
	}

	for _, col := range []struct{ canon, configured string }{
		{"address", cfg.AddressColumn},
		{"lat", cfg.LatColumn},
		{"lon", cfg.LonColumn},
	} {
		if !found[col.canon] {
			return nil, eris.Errorf("reference dataset has no %q column", col.configured)
		}
	}

	return out, nil
}
