package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/foodmap/internal/geocode"
	"github.com/ppiankov/foodmap/internal/jsonl"
	"github.com/ppiankov/foodmap/internal/model"
)

// nominatimStub answers known addresses and counts searches
type nominatimStub struct {
	hits   atomic.Int32
	server *httptest.Server
}

func newNominatimStub(t *testing.T) *nominatimStub {
	t.Helper()
	s := &nominatimStub{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		switch r.URL.Query().Get("q") {
		case "5 Olive St":
			_, _ = fmt.Fprint(w, `[{"lat":"38.631","lon":"-90.192","importance":0.5,"display_name":"5, Olive Street"}]`)
		case "500 Error Way":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_, _ = fmt.Fprint(w, `[]`)
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func newTestGeocoder(t *testing.T, stub *nominatimStub, details bool) *Geocoder {
	t.Helper()

	cfg := model.DefaultConfig().Geocode
	cfg.IncludeDetails = details
	cfg.Nominatim.BaseURL = stub.server.URL
	cfg.Nominatim.MinInterval = 0

	index := geocode.NewIndex([]geocode.Entry{
		{Address: "100 n main st", Coordinates: model.Coordinates{Lat: 38.627, Lon: -90.199}},
	})
	chain := geocode.NewChain(
		geocode.NewReferenceResolver(index),
		geocode.NewNominatimResolver(&http.Client{Timeout: 5 * time.Second}, cfg.Nominatim, "test-agent", nil),
	)
	return NewGeocoder(chain, cfg)
}

func runGeocoder(t *testing.T, g *Geocoder, input string) ([]*model.Record, *GeocodeStats, error) {
	t.Helper()

	var buf bytes.Buffer
	out := jsonl.NewWriter(&buf)
	stats, err := g.Run(context.Background(), strings.NewReader(input), out)
	require.NoError(t, out.Flush())

	records, readErr := jsonl.ReadAll(&buf, nil)
	require.NoError(t, readErr)
	return records, stats, err
}

func TestGeocoder_MunicipalMatch(t *testing.T) {
	stub := newNominatimStub(t)
	g := newTestGeocoder(t, stub, false)

	records, stats, err := runGeocoder(t, g, `{"name":"Joe's Diner","address":"100 N Main St"}`+"\n")
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.JSONEq(t,
		`{"name":"Joe's Diner","address":"100 N Main St","lat":38.627,"lon":-90.199,"source":"municipal"}`,
		string(records[0].Raw()))
	assert.Equal(t, []string{"name", "address", "lat", "lon", "source"}, records[0].Keys())
	assert.Equal(t, int32(0), stub.hits.Load(), "reference hits make no network call")
	assert.Equal(t, 1, stats.BySource[model.SourceMunicipal])
}

func TestGeocoder_Unresolved(t *testing.T) {
	stub := newNominatimStub(t)
	g := newTestGeocoder(t, stub, false)

	records, stats, err := runGeocoder(t, g, `{"name":"Joe's Diner","address":"101 N Main St"}`+"\n")
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.JSONEq(t,
		`{"name":"Joe's Diner","address":"101 N Main St","lat":null,"lon":null,"source":"unresolved"}`,
		string(records[0].Raw()))
	assert.Equal(t, int32(1), stub.hits.Load())
	assert.Equal(t, 1, stats.BySource[model.SourceUnresolved])
}

func TestGeocoder_CardinalityAndOrder(t *testing.T) {
	stub := newNominatimStub(t)
	g := newTestGeocoder(t, stub, false)

	input := strings.Join([]string{
		`{"name":"A","address":"5 Olive St"}`,
		`not json`,
		`{"name":"B","address":"100 North Main Street, St. Louis, MO 63101"}`,
		``,
		`{"name":"C"}`,
		`{"name":"D","address":"500 Error Way"}`,
		`{"name":"E","address":"   "}`,
	}, "\n")

	records, stats, err := runGeocoder(t, g, input)
	require.NoError(t, err)
	require.Len(t, records, 5)

	var names, sources []string
	for _, rec := range records {
		names = append(names, rec.String("name"))
		sources = append(sources, rec.String(model.FieldSource))
	}
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, names)
	assert.Equal(t, []string{"nominatim", "municipal", "unresolved", "unresolved", "unresolved"}, sources)

	assert.Equal(t, 38.631, records[0].Get(model.FieldLat).Float())
	assert.Equal(t, -90.192, records[0].Get(model.FieldLon).Float())
	assert.Equal(t, 38.627, records[1].Get(model.FieldLat).Float())
	assert.Equal(t, "null", records[3].Get(model.FieldLat).Raw)

	assert.Equal(t, 5, stats.Records)
	assert.Equal(t, 1, stats.Malformed)
	assert.Equal(t, 2, stats.NoAddress)
	assert.Equal(t, 1, stats.BySource[model.SourceNominatim])
	assert.Equal(t, 1, stats.BySource[model.SourceMunicipal])
	assert.Equal(t, 3, stats.BySource[model.SourceUnresolved])

	// Records without an address never reach the remote service
	assert.Equal(t, int32(2), stub.hits.Load())
}

func TestGeocoder_Details(t *testing.T) {
	stub := newNominatimStub(t)
	g := newTestGeocoder(t, stub, true)

	input := `{"name":"A","address":"5 Olive St"}` + "\n" +
		`{"name":"B","address":"100 N Main St"}` + "\n" +
		`{"name":"C","address":"nowhere"}` + "\n"

	records, _, err := runGeocoder(t, g, input)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.JSONEq(t,
		`{"name":"A","address":"5 Olive St","lat":38.631,"lon":-90.192,"source":"nominatim","result_name":"5, Olive Street","geocode_score":0.5}`,
		string(records[0].Raw()))
	assert.JSONEq(t,
		`{"name":"B","address":"100 N Main St","lat":38.627,"lon":-90.199,"source":"municipal","result_name":"100 n main st","geocode_score":null}`,
		string(records[1].Raw()))
	assert.JSONEq(t,
		`{"name":"C","address":"nowhere","lat":null,"lon":null,"source":"unresolved","result_name":null,"geocode_score":null}`,
		string(records[2].Raw()))
}

func TestGeocoder_ReservedField(t *testing.T) {
	stub := newNominatimStub(t)
	g := newTestGeocoder(t, stub, false)

	input := `{"name":"A","address":"5 Olive St"}` + "\n" +
		`{"name":"B","address":"6 Olive St","source":"manual"}` + "\n"

	records, _, err := runGeocoder(t, g, input)
	require.Error(t, err)

	var reserved *ReservedFieldError
	require.True(t, errors.As(err, &reserved))
	assert.Equal(t, 2, reserved.Record)
	assert.Equal(t, model.FieldSource, reserved.Field)
	assert.Empty(t, records)
	assert.Equal(t, int32(0), stub.hits.Load())
}

func TestGeocoder_CustomAddressField(t *testing.T) {
	stub := newNominatimStub(t)

	cfg := model.DefaultConfig().Geocode
	cfg.AddressField = "location"
	index := geocode.NewIndex([]geocode.Entry{
		{Address: "100 N Main St", Coordinates: model.Coordinates{Lat: 1, Lon: 2}},
	})
	g := NewGeocoder(geocode.NewChain(geocode.NewReferenceResolver(index)), cfg)

	records, _, err := runGeocoder(t, g, `{"location":"100 N Main St"}`)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "municipal", records[0].String(model.FieldSource))
	assert.Equal(t, int32(0), stub.hits.Load())
}

func TestGeocoder_Cancelled(t *testing.T) {
	stub := newNominatimStub(t)
	g := newTestGeocoder(t, stub, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Run(ctx, strings.NewReader(`{"address":"5 Olive St"}`), jsonl.NewWriter(&bytes.Buffer{}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGeocoder_ReferenceHitSkipsBatchGeocoder(t *testing.T) {
	var requests atomic.Int32
	esri := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.NotContains(t, r.FormValue("addresses"), "Main St")
		_, _ = fmt.Fprint(w, `{"locations":[]}`)
	}))
	defer esri.Close()

	cfg := model.DefaultConfig().Geocode
	cfg.ESRI.Enabled = true
	cfg.ESRI.URL = esri.URL

	index := geocode.NewIndex([]geocode.Entry{
		{Address: "100 n main st", Coordinates: model.Coordinates{Lat: 38.627, Lon: -90.199}},
	})
	newGeocoder := func() *Geocoder {
		chain := geocode.NewChain(
			geocode.NewReferenceResolver(index),
			geocode.NewESRIResolver(&http.Client{Timeout: 5 * time.Second}, cfg.ESRI, "test-agent"),
		)
		return NewGeocoder(chain, cfg)
	}

	records, _, err := runGeocoder(t, newGeocoder(), `{"name":"Joe's Diner","address":"100 N Main St"}`+"\n")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "municipal", records[0].String("source"))
	assert.Equal(t, int32(0), requests.Load(), "a reference hit sends nothing to the batch geocoder")

	records, _, err = runGeocoder(t, newGeocoder(),
		`{"name":"Joe's Diner","address":"100 N Main St"}`+"\n"+`{"name":"Elsewhere","address":"9 Pine St"}`+"\n")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "municipal", records[0].String("source"))
	assert.Equal(t, "unresolved", records[1].String("source"))
	assert.Equal(t, int32(1), requests.Load(), "only the reference miss is batched")
}
