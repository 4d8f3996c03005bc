package store

import (
	"context"
	"strconv"
	"time"
)

// Location is a monitoring site row exposed to the API.
type Location struct {
	ID   int64    `json:"id"`
	Name string   `json:"name"`
	Lon  *float64 `json:"lon,omitempty"`
	Lat  *float64 `json:"lat,omitempty"`
}

// Thing is a sensing device row exposed to the API.
type Thing struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ObservedProperty is a measured quantity row exposed to the API.
type ObservedProperty struct {
	ID   int64   `json:"id"`
	Name string  `json:"name"`
	Unit *string `json:"unit,omitempty"`
}

// Datastream is a stream row joined with its property, exposed to the API.
type Datastream struct {
	ID           int64   `json:"id"`
	ThingID      *int64  `json:"thing_id,omitempty"`
	PropertyID   *int64  `json:"obs_prop_id,omitempty"`
	PropertyName *string `json:"property,omitempty"`
	Unit         *string `json:"unit,omitempty"`
}

// HourlyObservation is one aggregated fact row.
type HourlyObservation struct {
	DatastreamID int64     `json:"datastream_id"`
	LocationID   int64     `json:"location_id"`
	Hour         time.Time `json:"hour"`
	Avg          float64   `json:"avg"`
	Min          float64   `json:"min"`
	Max          float64   `json:"max"`
	Count        int64     `json:"cnt"`
}

const listLocationsSQL = `
SELECT location_id, name, lon, lat
FROM location
ORDER BY location_id`

// ListLocations returns all monitoring sites.
func (s *Store) ListLocations(ctx context.Context) ([]Location, error) {
	rows, err := s.pool.Query(ctx, listLocationsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Location, 0)
	for rows.Next() {
		var loc Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.Lon, &loc.Lat); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

const listThingsSQL = `
SELECT thing_id, name
FROM thing
ORDER BY thing_id`

// ListThings returns all sensing devices.
func (s *Store) ListThings(ctx context.Context) ([]Thing, error) {
	rows, err := s.pool.Query(ctx, listThingsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Thing, 0)
	for rows.Next() {
		var t Thing
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const listPropertiesSQL = `
SELECT obs_prop_id, name, unit_symbol
FROM observed_property
ORDER BY obs_prop_id`

// ListProperties returns all observed properties.
func (s *Store) ListProperties(ctx context.Context) ([]ObservedProperty, error) {
	rows, err := s.pool.Query(ctx, listPropertiesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ObservedProperty, 0)
	for rows.Next() {
		var p ObservedProperty
		if err := rows.Scan(&p.ID, &p.Name, &p.Unit); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const listDatastreamsSQL = `
SELECT d.datastream_id, d.thing_id, d.obs_prop_id, p.name, d.unit_symbol
FROM datastream d
LEFT JOIN observed_property p ON p.obs_prop_id = d.obs_prop_id
ORDER BY d.datastream_id`

// ListDatastreams returns all datastreams with their property names.
func (s *Store) ListDatastreams(ctx context.Context) ([]Datastream, error) {
	rows, err := s.pool.Query(ctx, listDatastreamsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Datastream, 0)
	for rows.Next() {
		var d Datastream
		if err := rows.Scan(&d.ID, &d.ThingID, &d.PropertyID, &d.PropertyName, &d.Unit); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// HourlyQuery filters the hourly series of one datastream.
type HourlyQuery struct {
	DatastreamID int64
	Since        *time.Time
	Until        *time.Time
	Limit        int
}

const hourlySeriesBase = `
SELECT datastream_id, location_id, hour, avg_val, min_val, max_val, cnt
FROM observation_hour
WHERE datastream_id = $1`

// HourlySeries returns the hourly aggregates of one datastream, ascending by
// hour. Unknown datastream ids simply return an empty slice.
func (s *Store) HourlySeries(ctx context.Context, q HourlyQuery) ([]HourlyObservation, error) {
	args := []any{q.DatastreamID}
	sql := hourlySeriesBase
	argPos := 2
	if q.Since != nil {
		sql += " AND hour >= $" + strconv.Itoa(argPos)
		args = append(args, *q.Since)
		argPos++
	}
	if q.Until != nil {
		sql += " AND hour <= $" + strconv.Itoa(argPos)
		args = append(args, *q.Until)
		argPos++
	}
	sql += " ORDER BY hour"
	if q.Limit > 0 {
		sql += " LIMIT $" + strconv.Itoa(argPos)
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]HourlyObservation, 0)
	for rows.Next() {
		var h HourlyObservation
		if err := rows.Scan(&h.DatastreamID, &h.LocationID, &h.Hour, &h.Avg, &h.Min, &h.Max, &h.Count); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// LatestAtLocation is the freshest hourly row of one datastream at a
// location, joined with the property identity for display.
type LatestAtLocation struct {
	DatastreamID int64     `json:"datastream_id"`
	Property     *string   `json:"property,omitempty"`
	Unit         *string   `json:"unit,omitempty"`
	Hour         time.Time `json:"hour"`
	Avg          float64   `json:"avg"`
	Min          float64   `json:"min"`
	Max          float64   `json:"max"`
	Count        int64     `json:"cnt"`
}

const latestByLocationSQL = `
SELECT DISTINCT ON (o.datastream_id)
       o.datastream_id, p.name, d.unit_symbol, o.hour, o.avg_val, o.min_val, o.max_val, o.cnt
FROM observation_hour o
JOIN datastream d ON d.datastream_id = o.datastream_id
LEFT JOIN observed_property p ON p.obs_prop_id = d.obs_prop_id
WHERE o.location_id = $1
ORDER BY o.datastream_id, o.hour DESC`

// LatestByLocation returns, per datastream, the most recent hourly aggregate
// recorded at the given location. This is the dashboard's read-through
// query: computed per request, no shared cache.
func (s *Store) LatestByLocation(ctx context.Context, locationID int64) ([]LatestAtLocation, error) {
	rows, err := s.pool.Query(ctx, latestByLocationSQL, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]LatestAtLocation, 0)
	for rows.Next() {
		var l LatestAtLocation
		if err := rows.Scan(&l.DatastreamID, &l.Property, &l.Unit, &l.Hour, &l.Avg, &l.Min, &l.Max, &l.Count); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
