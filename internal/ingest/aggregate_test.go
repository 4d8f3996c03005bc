package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pt(t time.Time, v float64) Point { return Point{TS: t, Value: v} }

func TestAggregateBucketsByHour(t *testing.T) {
	h10 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	h11 := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)

	buckets := Aggregate([]Point{
		pt(h10.Add(15*time.Minute), 5.0),
		pt(h11.Add(1*time.Minute), 1.0),
		pt(h10.Add(45*time.Minute), 7.0),
	})

	require.Len(t, buckets, 2)
	assert.Equal(t, h10, buckets[0].Hour)
	assert.Equal(t, h11, buckets[1].Hour)

	b := buckets[0]
	assert.Equal(t, int64(2), b.Count)
	assert.Equal(t, 5.0, b.Min)
	assert.Equal(t, 7.0, b.Max)
	assert.Equal(t, 6.0, b.Mean())
	assert.Equal(t, h10.Add(45*time.Minute), b.LastTS)
}

func TestMergeStatsNumericExample(t *testing.T) {
	// First bucket [10, 20, 30].
	h := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	first := Aggregate([]Point{
		pt(h.Add(time.Minute), 10.0),
		pt(h.Add(2*time.Minute), 20.0),
		pt(h.Add(3*time.Minute), 30.0),
	})
	require.Len(t, first, 1)
	assert.Equal(t, 20.0, first[0].Mean())
	assert.Equal(t, 10.0, first[0].Min)
	assert.Equal(t, 30.0, first[0].Max)
	assert.Equal(t, int64(3), first[0].Count)

	// Merging [0.0] into the stored row.
	avg, mn, mx, cnt := MergeStats(20.0, 10.0, 30.0, 3, 0.0, 0.0, 0.0, 1)
	assert.Equal(t, 15.0, avg)
	assert.Equal(t, 0.0, mn)
	assert.Equal(t, 30.0, mx)
	assert.Equal(t, int64(4), cnt)
}

// Any split of a point set across calls must converge to the same final
// stats, as long as no point is fed twice.
func TestMergeStatsSplitIndependence(t *testing.T) {
	h := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	points := []Point{
		pt(h.Add(1*time.Minute), 3.5),
		pt(h.Add(2*time.Minute), -1.0),
		pt(h.Add(3*time.Minute), 12.25),
		pt(h.Add(4*time.Minute), 7.0),
		pt(h.Add(5*time.Minute), 0.5),
	}

	whole := Aggregate(points)[0]

	for split := 1; split < len(points); split++ {
		a := Aggregate(points[:split])[0]
		b := Aggregate(points[split:])[0]

		avg, mn, mx, cnt := MergeStats(a.Mean(), a.Min, a.Max, a.Count, b.Mean(), b.Min, b.Max, b.Count)
		assert.InDelta(t, whole.Mean(), avg, 1e-9, "split=%d", split)
		assert.Equal(t, whole.Min, mn, "split=%d", split)
		assert.Equal(t, whole.Max, mx, "split=%d", split)
		assert.Equal(t, whole.Count, cnt, "split=%d", split)
	}
}

func TestFloorHour(t *testing.T) {
	ts := time.Date(2024, 1, 1, 10, 59, 59, 999_000_000, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), FloorHour(ts))

	// Zoned times floor on the UTC hour grid.
	msk := time.FixedZone("MSK", 3*60*60)
	ts = time.Date(2024, 1, 1, 13, 30, 0, 0, msk) // 10:30 UTC
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), FloorHour(ts))
}
