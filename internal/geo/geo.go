// Package geo extracts WGS84 point coordinates from the loosely structured
// location payloads FROST servers return: GeoJSON geometries, Feature
// wrappers, payloads nested under a "value" key, or bare lat/lon fields.
package geo

import (
	"encoding/json"
	"math"
)

const earthRadiusM = 6378137.0

type geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
	Geometry    json.RawMessage `json:"geometry"`
	Value       json.RawMessage `json:"value"`
	Longitude   *float64        `json:"longitude"`
	Lon         *float64        `json:"lon"`
	Latitude    *float64        `json:"latitude"`
	Lat         *float64        `json:"lat"`
}

// ParsePoint returns the (lon, lat) of a location payload in EPSG:4326.
// Non-point geometries collapse to the centroid of their coordinates.
// Coordinates that are obviously web mercator are unprojected.
func ParsePoint(raw json.RawMessage) (lon, lat float64, ok bool) {
	if len(raw) == 0 {
		return 0, 0, false
	}
	var g geometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return 0, 0, false
	}

	if x, y, found := coordsOf(g); found {
		if isWebMercator(x, y) {
			x, y = mercatorToWGS84(x, y)
		}
		return x, y, true
	}

	lonPtr, latPtr := g.Longitude, g.Latitude
	if lonPtr == nil {
		lonPtr = g.Lon
	}
	if latPtr == nil {
		latPtr = g.Lat
	}
	if lonPtr != nil && latPtr != nil {
		return *lonPtr, *latPtr, true
	}
	return 0, 0, false
}

func coordsOf(g geometry) (x, y float64, ok bool) {
	switch {
	case g.Type != "" && g.Type != "Feature" && len(g.Coordinates) > 0:
		return centroid(g.Coordinates)
	case g.Type == "Feature" && len(g.Geometry) > 0:
		var inner geometry
		if err := json.Unmarshal(g.Geometry, &inner); err != nil {
			return 0, 0, false
		}
		return coordsOf(inner)
	case len(g.Value) > 0:
		var inner geometry
		if err := json.Unmarshal(g.Value, &inner); err != nil {
			return 0, 0, false
		}
		return coordsOf(inner)
	}
	return 0, 0, false
}

// centroid averages every leaf position in an arbitrarily nested GeoJSON
// coordinates array. For a Point this is the point itself.
func centroid(raw json.RawMessage) (x, y float64, ok bool) {
	var node any
	if err := json.Unmarshal(raw, &node); err != nil {
		return 0, 0, false
	}
	var sumX, sumY float64
	var n int
	walkPositions(node, func(px, py float64) {
		sumX += px
		sumY += py
		n++
	})
	if n == 0 {
		return 0, 0, false
	}
	return sumX / float64(n), sumY / float64(n), true
}

func walkPositions(node any, visit func(x, y float64)) {
	arr, isArr := node.([]any)
	if !isArr || len(arr) == 0 {
		return
	}
	if fx, okX := arr[0].(float64); okX && len(arr) >= 2 {
		if fy, okY := arr[1].(float64); okY {
			visit(fx, fy)
			return
		}
	}
	for _, child := range arr {
		walkPositions(child, visit)
	}
}

func isWebMercator(x, y float64) bool {
	return math.Abs(x) > 180 || math.Abs(y) > 90
}

func mercatorToWGS84(x, y float64) (lon, lat float64) {
	lon = x / earthRadiusM * 180 / math.Pi
	lat = (2*math.Atan(math.Exp(y/earthRadiusM)) - math.Pi/2) * 180 / math.Pi
	return lon, lat
}
