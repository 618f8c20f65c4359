package geocode

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ppiankov/foodmap/internal/model"
)

type esriRecord struct {
	Attributes esriAttributes `json:"attributes"`
}

type esriAttributes struct {
	ObjectID   int    `json:"OBJECTID"`
	SingleLine string `json:"SingleLine"`
}

type esriResponse struct {
	Locations []esriLocation `json:"locations"`
	Error     *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type esriLocation struct {
	Address  string  `json:"address"`
	Score    float64 `json:"score"`
	Location struct {
		// Unmatched candidates report "NaN" strings
		X json.RawMessage `json:"x"`
		Y json.RawMessage `json:"y"`
	} `json:"location"`
	Attributes struct {
		ResultID int `json:"ResultID"`
	} `json:"attributes"`
}

// ESRIResolver queries the city's ArcGIS geocodeAddresses endpoint in batches
type ESRIResolver struct {
	client      *http.Client
	url         string
	userAgent   string
	batchSize   int
	stripCities map[string]bool

	results   map[string]*Result // Keyed by the line sent to the service
	attempted map[string]bool
}

// NewESRIResolver creates a batch resolver for the configured endpoint
func NewESRIResolver(client *http.Client, cfg model.ESRIConfig, userAgent string) *ESRIResolver {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	strip := make(map[string]bool, len(cfg.StripCities))
	for _, city := range cfg.StripCities {
		strip[strings.ToLower(strings.TrimSpace(city))] = true
	}

	return &ESRIResolver{
		client:      client,
		url:         cfg.URL,
		userAgent:   userAgent,
		batchSize:   batchSize,
		stripCities: strip,
		results:     make(map[string]*Result),
		attempted:   make(map[string]bool),
	}
}

func (e *ESRIResolver) Name() string { return "esri" }

// singleLine drops a trailing ", <city>" when the city is one the service assumes
func (e *ESRIResolver) singleLine(address string) string {
	street, city, found := strings.Cut(address, ",")
	if found && e.stripCities[strings.ToLower(strings.TrimSpace(city))] {
		return strings.TrimSpace(street)
	}
	return strings.TrimSpace(address)
}

// Prepare geocodes every distinct address in batches. Failed batches are
// logged and their addresses count as misses.
func (e *ESRIResolver) Prepare(ctx context.Context, queries []Query) error {
	var lines []string
	seen := make(map[string]bool)
	for _, q := range queries {
		line := e.singleLine(q.Address)
		if line == "" || seen[line] || e.attempted[line] {
			continue
		}
		seen[line] = true
		lines = append(lines, line)
	}

	var failed int
	for start := 0; start < len(lines); start += e.batchSize {
		end := min(start+e.batchSize, len(lines))
		batch := lines[start:end]

		if err := e.geocodeBatch(ctx, batch); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			failed++
			zap.L().Warn("esri batch failed",
				zap.Int("offset", start),
				zap.Int("size", len(batch)),
				zap.Error(err),
			)
		}
		for _, line := range batch {
			e.attempted[line] = true
		}
	}

	if failed > 0 {
		return eris.Errorf("%d esri batches failed", failed)
	}
	return nil
}

// Resolve answers from the prepared batch results, geocoding unseen addresses on demand
func (e *ESRIResolver) Resolve(ctx context.Context, q Query) (*Result, error) {
	line := e.singleLine(q.Address)
	if line == "" {
		return nil, nil
	}

	if result, ok := e.results[line]; ok {
		return result, nil
	}
	if e.attempted[line] {
		return nil, nil
	}

	err := e.geocodeBatch(ctx, []string{line})
	e.attempted[line] = true
	if err != nil {
		return nil, err
	}
	return e.results[line], nil
}

func (e *ESRIResolver) geocodeBatch(ctx context.Context, lines []string) error {
	records := make([]esriRecord, len(lines))
	for i, line := range lines {
		records[i] = esriRecord{Attributes: esriAttributes{ObjectID: i + 1, SingleLine: line}}
	}

	addresses, err := json.Marshal(map[string][]esriRecord{"records": records})
	if err != nil {
		return eris.Wrap(err, "encode addresses")
	}

	form := url.Values{}
	form.Set("addresses", string(addresses))
	form.Set("matchOutOfRange", "true")
	form.Set("outSR", "4326")
	form.Set("f", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, strings.NewReader(form.Encode()))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes*int64(len(lines))))
	if err != nil {
		return eris.Wrap(err, "read response")
	}

	var decoded esriResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return eris.Wrap(err, "decode esri response")
	}
	if decoded.Error != nil {
		return eris.Errorf("esri error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}

	for _, loc := range decoded.Locations {
		id := loc.Attributes.ResultID
		if id < 1 || id > len(lines) {
			zap.L().Debug("esri result outside batch", zap.Int("result_id", id))
			continue
		}
		if loc.Address == "" {
			continue
		}

		x, okX := parseCoordinate(loc.Location.X)
		y, okY := parseCoordinate(loc.Location.Y)
		if !okX || !okY {
			continue
		}

		score := loc.Score
		e.results[lines[id-1]] = &Result{
			Coordinates: model.Coordinates{Lat: y, Lon: x},
			Source:      model.SourceMunicipal,
			MatchedName: loc.Address,
			Score:       &score,
		}
	}

	return nil
}

// parseCoordinate accepts a JSON number or numeric string
func parseCoordinate(raw json.RawMessage) (float64, bool) {
	s := strings.Trim(string(raw), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
