package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzaytsev/frostview/internal/frost"
)

// ----------------------- in-memory store fakes -----------------------

type factKey struct {
	datastreamID int64
	locationID   int64
	hour         time.Time
}

type factRow struct {
	avg, min, max float64
	cnt           int64
}

type memStore struct {
	mu         sync.Mutex
	locations  map[int64]LocationRecord
	things     map[int64]ThingRecord
	intervals  map[int64][]Interval
	propByID   map[int64]struct {
		name string
		unit *string
	}
	streams    map[int64]DatastreamRecord
	facts      map[factKey]factRow
	watermarks map[int64]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		locations: make(map[int64]LocationRecord),
		things:    make(map[int64]ThingRecord),
		intervals: make(map[int64][]Interval),
		propByID: make(map[int64]struct {
			name string
			unit *string
		}),
		streams:    make(map[int64]DatastreamRecord),
		facts:      make(map[factKey]factRow),
		watermarks: make(map[int64]time.Time),
	}
}

func (m *memStore) UpsertLocation(_ context.Context, loc LocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.locations[loc.ID]; ok && loc.Lon == nil {
		loc.Lon, loc.Lat = prev.Lon, prev.Lat
	}
	m.locations[loc.ID] = loc
	return nil
}

func (m *memStore) UpsertThing(_ context.Context, thing ThingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.things[thing.ID] = thing
	return nil
}

func (m *memStore) ReplaceThingIntervals(_ context.Context, thingID int64, intervals []Interval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intervals[thingID] = append([]Interval(nil), intervals...)
	return nil
}

func (m *memStore) FindPropertyByNameUnit(_ context.Context, name string, unit *string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.propByID {
		if p.name == name && equalUnit(p.unit, unit) {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (m *memStore) UpsertProperty(_ context.Context, id int64, name string, unit *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.propByID[id] = struct {
		name string
		unit *string
	}{name: name, unit: unit}
	return nil
}

func (m *memStore) UpsertDatastream(_ context.Context, ds DatastreamRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[ds.ID] = ds
	return nil
}

func (m *memStore) Watermark(_ context.Context, datastreamID int64, fallback time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wm, ok := m.watermarks[datastreamID]; ok {
		return wm, nil
	}
	return fallback, nil
}

func (m *memStore) CommitBatches(_ context.Context, batches []StreamBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range batches {
		for _, row := range b.Rows {
			key := factKey{datastreamID: row.DatastreamID, locationID: row.LocationID, hour: row.Hour}
			if old, ok := m.facts[key]; ok {
				avg, mn, mx, cnt := MergeStats(old.avg, old.min, old.max, old.cnt, row.Avg, row.Min, row.Max, row.Count)
				m.facts[key] = factRow{avg: avg, min: mn, max: mx, cnt: cnt}
			} else {
				m.facts[key] = factRow{avg: row.Avg, min: row.Min, max: row.Max, cnt: row.Count}
			}
		}
		if !b.Watermark.IsZero() {
			m.watermarks[b.DatastreamID] = b.Watermark
		}
	}
	return nil
}

func (m *memStore) ExistingDatastreamIDs(_ context.Context, ids []int64) (map[int64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]struct{})
	for _, id := range ids {
		if _, ok := m.streams[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (m *memStore) ResolveLocation(_ context.Context, thingID int64, at time.Time) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, iv := range m.intervals[thingID] {
		if iv.Contains(at) {
			return iv.LocationID, true, nil
		}
	}
	return 0, false, nil
}

func equalUnit(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ----------------------- mock FROST server -----------------------

type mockObservation struct {
	ts     string
	result string // raw JSON
}

type mockFrost struct {
	locations        string
	things           string
	datastreams      string
	multiDatastreams string
	observations     map[string][]mockObservation // path -> readings
}

func (m *mockFrost) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		path := r.URL.Path

		if obs, ok := m.observations[path]; ok {
			if q.Get("$count") == "true" && q.Get("$top") == "0" {
				fmt.Fprintf(w, `{"value":[],"@iot.count":%d}`, len(obs))
				return
			}
			m.writeObservations(t, w, obs, q.Get("$filter"))
			return
		}

		switch path {
		case "/":
			w.Write([]byte(`{"value":[]}`))
		case "/Locations":
			w.Write([]byte(m.locations))
		case "/Things":
			w.Write([]byte(m.things))
		case "/Datastreams":
			w.Write([]byte(m.datastreams))
		case "/MultiDatastreams":
			w.Write([]byte(m.multiDatastreams))
		default:
			http.NotFound(w, r)
		}
	})
}

// writeObservations honors the server-side watermark filter the way FROST
// does: only readings strictly after the literal are returned.
func (m *mockFrost) writeObservations(t *testing.T, w http.ResponseWriter, obs []mockObservation, filter string) {
	var after time.Time
	if filter != "" {
		idx := strings.Index(filter, " gt ")
		require.GreaterOrEqual(t, idx, 0, "unexpected filter %q", filter)
		ts, err := time.Parse(watermarkLayout, filter[idx+4:])
		require.NoError(t, err)
		after = ts
	}

	var rows []string
	for _, ob := range obs {
		ts, err := time.Parse(time.RFC3339, ob.ts)
		require.NoError(t, err)
		if after.IsZero() || ts.After(after) {
			rows = append(rows, fmt.Sprintf(`{"phenomenonTime":%q,"result":%s}`, ob.ts, ob.result))
		}
	}
	fmt.Fprintf(w, `{"value":[%s]}`, strings.Join(rows, ","))
}

// ----------------------- cycle tests -----------------------

func runCycle(t *testing.T, mf *mockFrost, st *memStore, opts Options) {
	t.Helper()
	srv := httptest.NewServer(mf.handler(t))
	t.Cleanup(srv.Close)

	client := frost.NewClient(srv.URL, 5*time.Second, zerolog.Nop())
	orch := NewOrchestrator(client, st, st, opts, zerolog.Nop())
	require.NoError(t, orch.RunCycle(context.Background()))
}

func defaultOpts() Options {
	return Options{
		BatchSize: 1000,
		StartFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func campusFixture() *mockFrost {
	return &mockFrost{
		locations: `{"value":[{"@iot.id":10,"name":"Campus","location":{"type":"Point","coordinates":[37.6,55.7]}}]}`,
		things: `{"value":[{"@iot.id":1,"name":"Station","HistoricalLocations":[
			{"time":"2024-01-01T00:00:00Z","Locations":[{"@iot.id":10}]}]}]}`,
		datastreams: `{"value":[{"@iot.id":100,"unitOfMeasurement":{"name":"degree Celsius","symbol":"°C"},
			"ObservedProperty":{"@iot.id":50,"name":"Ta"},"Thing":{"@iot.id":1}}]}`,
		multiDatastreams: `{"value":[]}`,
		observations: map[string][]mockObservation{
			"/Datastreams(100)/Observations": {
				{ts: "2024-01-01T10:15:00Z", result: "5.0"},
				{ts: "2024-01-01T10:45:00Z", result: "7.0"},
			},
		},
	}
}

func TestRunCycleEndToEnd(t *testing.T) {
	st := newMemStore()
	runCycle(t, campusFixture(), st, defaultOpts())

	// Catalog.
	require.Contains(t, st.locations, int64(10))
	loc := st.locations[10]
	assert.Equal(t, "Campus", loc.Name)
	require.NotNil(t, loc.Lon)
	assert.InDelta(t, 37.6, *loc.Lon, 1e-9)
	assert.InDelta(t, 55.7, *loc.Lat, 1e-9)

	assert.Equal(t, "Station", st.things[1].Name)
	require.Len(t, st.intervals[1], 1)
	assert.Equal(t, int64(10), st.intervals[1][0].LocationID)
	assert.Equal(t, EndOfTime, st.intervals[1][0].End)

	assert.Equal(t, "Ta", st.propByID[50].name)
	require.NotNil(t, st.propByID[50].unit)
	assert.Equal(t, "°C", *st.propByID[50].unit)

	require.Contains(t, st.streams, int64(100))
	require.NotNil(t, st.streams[100].PropertyID)
	assert.Equal(t, int64(50), *st.streams[100].PropertyID)

	// Facts: both readings collapse into one hourly row at the Campus.
	hour := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	key := factKey{datastreamID: 100, locationID: 10, hour: hour}
	require.Contains(t, st.facts, key)
	assert.Equal(t, factRow{avg: 6.0, min: 5.0, max: 7.0, cnt: 2}, st.facts[key])

	assert.Equal(t, time.Date(2024, 1, 1, 10, 45, 0, 0, time.UTC), st.watermarks[100])
}

func TestRunCycleIsIdempotent(t *testing.T) {
	st := newMemStore()
	mf := campusFixture()
	runCycle(t, mf, st, defaultOpts())
	runCycle(t, mf, st, defaultOpts())

	hour := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	key := factKey{datastreamID: 100, locationID: 10, hour: hour}
	require.Len(t, st.facts, 1)
	assert.Equal(t, int64(2), st.facts[key].cnt, "watermark keeps readings from double counting")
	assert.Equal(t, time.Date(2024, 1, 1, 10, 45, 0, 0, time.UTC), st.watermarks[100])
}

func TestRunCycleSplitsMultiDatastream(t *testing.T) {
	mf := campusFixture()
	mf.datastreams = `{"value":[]}`
	mf.multiDatastreams = `{"value":[{"@iot.id":5,
		"unitOfMeasurements":[{"symbol":"mm"},{"symbol":"%"}],
		"ObservedProperties":[{"@iot.id":60,"name":"precip"},{"@iot.id":61,"name":"hum"}],
		"Thing":{"@iot.id":1}}]}`
	mf.observations = map[string][]mockObservation{
		"/MultiDatastreams(5)/Observations": {
			{ts: "2024-01-01T09:10:00Z", result: "[1.0,10.0]"},
			{ts: "2024-01-01T09:20:00Z", result: "[3.0,null]"},
		},
	}

	st := newMemStore()
	runCycle(t, mf, st, defaultOpts())

	// One virtual datastream per component.
	require.Contains(t, st.streams, int64(500))
	require.Contains(t, st.streams, int64(501))
	require.NotNil(t, st.streams[500].PropertyID)
	require.NotNil(t, st.streams[501].PropertyID)
	assert.Equal(t, "precip", st.propByID[*st.streams[500].PropertyID].name)
	assert.Equal(t, "hum", st.propByID[*st.streams[501].PropertyID].name)

	hour := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	first := st.facts[factKey{datastreamID: 500, locationID: 10, hour: hour}]
	assert.Equal(t, factRow{avg: 2.0, min: 1.0, max: 3.0, cnt: 2}, first)

	// Null components drop without disturbing positions.
	second := st.facts[factKey{datastreamID: 501, locationID: 10, hour: hour}]
	assert.Equal(t, factRow{avg: 10.0, min: 10.0, max: 10.0, cnt: 1}, second)

	// Watermarks advance for every existing virtual stream.
	latest := time.Date(2024, 1, 1, 9, 20, 0, 0, time.UTC)
	assert.Equal(t, latest, st.watermarks[500])
	assert.Equal(t, latest, st.watermarks[501])
}

func TestRunCycleSkipsUnlocatableReadings(t *testing.T) {
	mf := campusFixture()
	mf.things = `{"value":[{"@iot.id":1,"name":"Station"}]}`

	st := newMemStore()
	runCycle(t, mf, st, defaultOpts())

	assert.Empty(t, st.facts, "no location interval, no facts")
	// The watermark still moves so the same readings are not refetched forever.
	assert.Equal(t, time.Date(2024, 1, 1, 10, 45, 0, 0, time.UTC), st.watermarks[100])
}

func TestRunCycleHonorsLocationAllowList(t *testing.T) {
	mf := campusFixture()
	mf.locations = `{"value":[
		{"@iot.id":10,"name":"Campus","location":{"type":"Point","coordinates":[37.6,55.7]}},
		{"@iot.id":11,"name":"Depot","location":{"type":"Point","coordinates":[30.3,59.9]}}]}`
	mf.things = `{"value":[
		{"@iot.id":1,"name":"Station","HistoricalLocations":[{"time":"2024-01-01T00:00:00Z","Locations":[{"@iot.id":10}]}]},
		{"@iot.id":2,"name":"Other","HistoricalLocations":[{"time":"2024-01-01T00:00:00Z","Locations":[{"@iot.id":11}]}]}]}`
	mf.datastreams = `{"value":[
		{"@iot.id":100,"unitOfMeasurement":{"symbol":"°C"},"ObservedProperty":{"@iot.id":50,"name":"Ta"},"Thing":{"@iot.id":1}},
		{"@iot.id":200,"unitOfMeasurement":{"symbol":"°C"},"ObservedProperty":{"@iot.id":50,"name":"Ta"},"Thing":{"@iot.id":2}}]}`
	mf.observations["/Datastreams(200)/Observations"] = []mockObservation{
		{ts: "2024-01-01T10:30:00Z", result: "99.0"},
	}

	opts := defaultOpts()
	opts.TargetLocations = []string{"Campus"}

	st := newMemStore()
	runCycle(t, mf, st, opts)

	assert.NotContains(t, st.locations, int64(11))
	assert.NotContains(t, st.things, int64(2))
	assert.NotContains(t, st.streams, int64(200))

	for key := range st.facts {
		assert.Equal(t, int64(100), key.datastreamID)
	}
	assert.NotContains(t, st.watermarks, int64(200))
}

func TestRunCycleAppliesComponentOverrides(t *testing.T) {
	mf := campusFixture()
	mf.datastreams = `{"value":[]}`
	mf.multiDatastreams = `{"value":[{"@iot.id":5,
		"unitOfMeasurements":[{"symbol":"mm"}],
		"ObservedProperties":[{"@iot.id":60,"name":"precip"}],
		"Thing":{"@iot.id":1}}]}`
	mf.observations = map[string][]mockObservation{}

	opts := defaultOpts()
	opts.ComponentOverrides = []ComponentOverride{{Name: "Precipitation", Unit: "mm/h"}}

	st := newMemStore()
	runCycle(t, mf, st, opts)

	require.Contains(t, st.streams, int64(500))
	prop := st.propByID[*st.streams[500].PropertyID]
	assert.Equal(t, "Precipitation", prop.name)
	require.NotNil(t, prop.unit)
	assert.Equal(t, "mm/h", *prop.unit)
}
