package ingest

import (
	"sort"
	"time"
)

// Sentinel endpoints for the interval chain. A Thing's current interval runs
// to EndOfTime; a Thing with no movement history is pinned to its current
// location for all time.
var (
	BeginningOfTime = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	EndOfTime       = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
)

// LocationEvent is one entry of a Thing's historical-location log.
type LocationEvent struct {
	Time       time.Time
	LocationID int64
}

// Interval binds a Thing to one location for the half-open range
// [Start, End).
type Interval struct {
	LocationID int64
	Start      time.Time
	End        time.Time
}

// Contains reports whether t falls inside the interval.
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// BuildIntervals turns a historical-location log (any order) into a sorted,
// non-overlapping, contiguous interval chain: each event's location holds
// until the next event, the last until EndOfTime. When the log is empty but a
// current location is known, a single all-time interval is synthesized.
func BuildIntervals(events []LocationEvent, currentLocation *int64) []Interval {
	if len(events) == 0 {
		if currentLocation == nil {
			return nil
		}
		return []Interval{{
			LocationID: *currentLocation,
			Start:      BeginningOfTime,
			End:        EndOfTime,
		}}
	}

	sorted := make([]LocationEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	out := make([]Interval, 0, len(sorted))
	for i, ev := range sorted {
		end := EndOfTime
		if i+1 < len(sorted) {
			end = sorted[i+1].Time
		}
		if !ev.Time.Before(end) {
			// Duplicate timestamps collapse: later event wins.
			continue
		}
		out = append(out, Interval{LocationID: ev.LocationID, Start: ev.Time, End: end})
	}
	return out
}
