package ingest

import (
	"sort"
	"time"
)

// Point is one raw observation reading.
type Point struct {
	TS    time.Time
	Value float64
}

// Bucket accumulates the statistics of one hour of raw readings. Sum is kept
// instead of the mean so buckets merge without loss.
type Bucket struct {
	Hour   time.Time
	Sum    float64
	Min    float64
	Max    float64
	Count  int64
	LastTS time.Time
}

// Mean returns the unweighted mean of the bucket.
func (b Bucket) Mean() float64 {
	return b.Sum / float64(b.Count)
}

// Add folds one reading into the bucket.
func (b *Bucket) Add(p Point) {
	if b.Count == 0 {
		b.Min = p.Value
		b.Max = p.Value
		b.LastTS = p.TS
	} else {
		if p.Value < b.Min {
			b.Min = p.Value
		}
		if p.Value > b.Max {
			b.Max = p.Value
		}
		if p.TS.After(b.LastTS) {
			b.LastTS = p.TS
		}
	}
	b.Sum += p.Value
	b.Count++
}

// FloorHour truncates a timestamp to its UTC hour boundary.
func FloorHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// Aggregate partitions points into hour buckets, ordered by hour.
func Aggregate(points []Point) []Bucket {
	byHour := make(map[time.Time]*Bucket)
	for _, p := range points {
		h := FloorHour(p.TS)
		b, ok := byHour[h]
		if !ok {
			b = &Bucket{Hour: h}
			byHour[h] = b
		}
		b.Add(p)
	}

	out := make([]Bucket, 0, len(byHour))
	for _, b := range byHour {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out
}

// HourlyRow is one merge-upsert against the fact table. Avg/Min/Max/Count
// describe only the new contribution; the store combines them with any
// existing row using the weighted-mean merge rule.
type HourlyRow struct {
	DatastreamID int64
	ThingID      int64
	LocationID   int64
	Hour         time.Time
	Avg          float64
	Min          float64
	Max          float64
	Count        int64
}

// MergeStats combines the aggregate of an existing fact row with a new
// contribution, order-independently: weighted mean, running min/max, count
// sum. It mirrors the SQL upsert and exists so the merge rule is testable in
// isolation.
func MergeStats(oldAvg float64, oldMin float64, oldMax float64, oldCnt int64,
	newAvg float64, newMin float64, newMax float64, newCnt int64) (avg, mn, mx float64, cnt int64) {
	cnt = oldCnt + newCnt
	avg = (oldAvg*float64(oldCnt) + newAvg*float64(newCnt)) / float64(cnt)
	mn = oldMin
	if newMin < mn {
		mn = newMin
	}
	mx = oldMax
	if newMax > mx {
		mx = newMax
	}
	return avg, mn, mx, cnt
}

// StreamBatch is the unit of one atomic commit: the hourly merges of one
// datastream plus the watermark they advance to.
type StreamBatch struct {
	DatastreamID int64
	Rows         []HourlyRow
	Watermark    time.Time
}
