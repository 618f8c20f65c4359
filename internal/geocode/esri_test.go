package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/foodmap/internal/model"
)

// esriServer geocodes any line starting with a digit and records every batch it receives
type esriServer struct {
	mu      sync.Mutex
	batches [][]string
}

func (s *esriServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if !assert.NoError(t, r.ParseForm()) {
			return
		}
		assert.Equal(t, "4326", r.PostForm.Get("outSR"))
		assert.Equal(t, "json", r.PostForm.Get("f"))
		assert.Equal(t, "true", r.PostForm.Get("matchOutOfRange"))

		var payload struct {
			Records []esriRecord `json:"records"`
		}
		if !assert.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("addresses")), &payload)) {
			return
		}

		var lines []string
		var locations []string
		// Answer in reverse so matching has to go through ResultID
		for i := len(payload.Records) - 1; i >= 0; i-- {
			attrs := payload.Records[i].Attributes
			lines = append([]string{attrs.SingleLine}, lines...)
			if attrs.SingleLine != "" && attrs.SingleLine[0] >= '0' && attrs.SingleLine[0] <= '9' {
				locations = append(locations, fmt.Sprintf(
					`{"address":"%s, ST LOUIS","score":%d,"location":{"x":-90.%d,"y":38.%d},"attributes":{"ResultID":%d}}`,
					strings.ToUpper(attrs.SingleLine), 90+i, attrs.ObjectID, attrs.ObjectID, attrs.ObjectID))
			} else {
				locations = append(locations, fmt.Sprintf(
					`{"address":"","score":0,"location":{"x":"NaN","y":"NaN"},"attributes":{"ResultID":%d}}`,
					attrs.ObjectID))
			}
		}

		s.mu.Lock()
		s.batches = append(s.batches, lines)
		s.mu.Unlock()

		_, _ = fmt.Fprintf(w, `{"spatialReference":{"wkid":4326},"locations":[%s]}`, strings.Join(locations, ","))
	}
}

func newTestESRI(serverURL string, batchSize int) *ESRIResolver {
	cfg := model.DefaultConfig().Geocode.ESRI
	cfg.URL = serverURL
	cfg.BatchSize = batchSize
	return NewESRIResolver(&http.Client{Timeout: 5 * time.Second}, cfg, "test-agent")
}

func TestESRI_PrepareBatches(t *testing.T) {
	s := &esriServer{}
	server := httptest.NewServer(s.handler(t))
	defer server.Close()

	e := newTestESRI(server.URL, 2)
	queries := []Query{
		NewQuery("1 Market St, St. Louis"),
		NewQuery("2 Olive St"),
		NewQuery("Unknown Place"),
		NewQuery("1 Market St, St. Louis"), // duplicate
		NewQuery("3 Pine St, Clayton"),
	}
	require.NoError(t, e.Prepare(context.Background(), queries))

	require.Len(t, s.batches, 2)
	assert.Equal(t, []string{"1 Market St", "2 Olive St"}, s.batches[0])
	assert.Equal(t, []string{"Unknown Place", "3 Pine St, Clayton"}, s.batches[1])

	result, err := e.Resolve(context.Background(), queries[1])
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, model.SourceMunicipal, result.Source)
	assert.Equal(t, "2 OLIVE ST, ST LOUIS", result.MatchedName)
	assert.Equal(t, model.Coordinates{Lat: 38.2, Lon: -90.2}, result.Coordinates)
	require.NotNil(t, result.Score)

	result, err = e.Resolve(context.Background(), queries[0])
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, model.Coordinates{Lat: 38.1, Lon: -90.1}, result.Coordinates)

	// Empty match address is a miss, and it is not asked again
	result, err = e.Resolve(context.Background(), queries[2])
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Len(t, s.batches, 2)
}

func TestESRI_ResolveWithoutPrepare(t *testing.T) {
	s := &esriServer{}
	server := httptest.NewServer(s.handler(t))
	defer server.Close()

	e := newTestESRI(server.URL, 100)
	result, err := e.Resolve(context.Background(), NewQuery("9 Walnut St, saint louis"))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "9 WALNUT ST, ST LOUIS", result.MatchedName)

	require.Len(t, s.batches, 1)
	assert.Equal(t, []string{"9 Walnut St"}, s.batches[0])
}

func TestESRI_ServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"error":{"code":498,"message":"Invalid token."}}`)
	}))
	defer server.Close()

	e := newTestESRI(server.URL, 100)
	err := e.Prepare(context.Background(), []Query{NewQuery("1 Market St")})
	require.Error(t, err)

	// Failed addresses are misses afterwards rather than repeated requests
	result, err := e.Resolve(context.Background(), NewQuery("1 Market St"))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestESRI_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestESRI(server.URL, 100).Resolve(context.Background(), NewQuery("1 Market St"))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
}

func TestESRI_SingleLine(t *testing.T) {
	e := newTestESRI("http://unused", 100)

	assert.Equal(t, "1 Market St", e.singleLine("1 Market St, St. Louis"))
	assert.Equal(t, "1 Market St", e.singleLine("1 Market St,  ST LOUIS "))
	assert.Equal(t, "1 Market St, St. Louis, MO", e.singleLine("1 Market St, St. Louis, MO"))
	assert.Equal(t, "1 Market St, Clayton", e.singleLine("1 Market St, Clayton"))
	assert.Equal(t, "1 Market St", e.singleLine(" 1 Market St "))
}

func TestParseCoordinate(t *testing.T) {
	v, ok := parseCoordinate(json.RawMessage(`-90.25`))
	assert.True(t, ok)
	assert.Equal(t, -90.25, v)

	v, ok = parseCoordinate(json.RawMessage(`"38.5"`))
	assert.True(t, ok)
	assert.Equal(t, 38.5, v)

	_, ok = parseCoordinate(json.RawMessage(`"NaN"`))
	assert.False(t, ok)

	_, ok = parseCoordinate(nil)
	assert.False(t, ok)
}
