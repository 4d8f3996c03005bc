package geo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePointGeoJSON(t *testing.T) {
	lon, lat, ok := ParsePoint(json.RawMessage(`{"type":"Point","coordinates":[37.6,55.7]}`))
	require.True(t, ok)
	assert.InDelta(t, 37.6, lon, 1e-9)
	assert.InDelta(t, 55.7, lat, 1e-9)
}

func TestParsePointFeature(t *testing.T) {
	raw := json.RawMessage(`{"type":"Feature","geometry":{"type":"Point","coordinates":[30.3,59.9]}}`)
	lon, lat, ok := ParsePoint(raw)
	require.True(t, ok)
	assert.InDelta(t, 30.3, lon, 1e-9)
	assert.InDelta(t, 59.9, lat, 1e-9)
}

func TestParsePointNestedValue(t *testing.T) {
	raw := json.RawMessage(`{"value":{"type":"Point","coordinates":[10.0,20.0]}}`)
	lon, lat, ok := ParsePoint(raw)
	require.True(t, ok)
	assert.InDelta(t, 10.0, lon, 1e-9)
	assert.InDelta(t, 20.0, lat, 1e-9)
}

func TestParsePointBareLatLon(t *testing.T) {
	lon, lat, ok := ParsePoint(json.RawMessage(`{"longitude":37.6,"latitude":55.7}`))
	require.True(t, ok)
	assert.InDelta(t, 37.6, lon, 1e-9)
	assert.InDelta(t, 55.7, lat, 1e-9)

	lon, lat, ok = ParsePoint(json.RawMessage(`{"lon":1.5,"lat":2.5}`))
	require.True(t, ok)
	assert.InDelta(t, 1.5, lon, 1e-9)
	assert.InDelta(t, 2.5, lat, 1e-9)
}

func TestParsePointWebMercator(t *testing.T) {
	// 37.6E 55.7N in EPSG:3857.
	raw := json.RawMessage(`{"type":"Point","coordinates":[4185637.0,7488459.0]}`)
	lon, lat, ok := ParsePoint(raw)
	require.True(t, ok)
	assert.InDelta(t, 37.6, lon, 0.01)
	assert.InDelta(t, 55.7, lat, 0.01)
}

func TestParsePointPolygonCentroid(t *testing.T) {
	raw := json.RawMessage(`{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,2],[0,2]]]}`)
	lon, lat, ok := ParsePoint(raw)
	require.True(t, ok)
	assert.InDelta(t, 1.0, lon, 1e-9)
	assert.InDelta(t, 1.0, lat, 1e-9)
}

func TestParsePointGarbage(t *testing.T) {
	_, _, ok := ParsePoint(nil)
	assert.False(t, ok)

	_, _, ok = ParsePoint(json.RawMessage(`"not an object"`))
	assert.False(t, ok)

	_, _, ok = ParsePoint(json.RawMessage(`{"type":"Point"}`))
	assert.False(t, ok)
}
