package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kzaytsev/frostview/internal/ingest"
)

// The merge-upsert implements the commutative/associative combination rule:
// weighted mean over counts, running min/max, count sum. Rows are only ever
// merged into, never rewritten, so re-ingesting disjoint time ranges is safe
// in any order.
const mergeHourlySQL = `
INSERT INTO observation_hour (datastream_id, thing_id, location_id, hour,
                              avg_val, min_val, max_val, cnt)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (datastream_id, location_id, hour) DO UPDATE SET
    avg_val = (observation_hour.avg_val * observation_hour.cnt + EXCLUDED.avg_val * EXCLUDED.cnt)
              / (observation_hour.cnt + EXCLUDED.cnt),
    min_val = LEAST(EXCLUDED.min_val, observation_hour.min_val),
    max_val = GREATEST(EXCLUDED.max_val, observation_hour.max_val),
    cnt     = observation_hour.cnt + EXCLUDED.cnt,
    thing_id = EXCLUDED.thing_id`

const setWatermarkSQL = `
INSERT INTO ingestion_state (datastream_id, last_time)
VALUES ($1, $2)
ON CONFLICT (datastream_id) DO UPDATE SET last_time = EXCLUDED.last_time`

// Watermark returns the last processed observation time of a datastream, or
// fallback when none is recorded yet.
func (s *Store) Watermark(ctx context.Context, datastreamID int64, fallback time.Time) (time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_time FROM ingestion_state WHERE datastream_id = $1`, datastreamID,
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if last == nil {
		return fallback, nil
	}
	return last.UTC(), nil
}

// CommitBatches applies the hourly merges and watermark advances of all
// batches in one transaction. Either every row and every watermark lands, or
// none do; a crash therefore never double-counts a committed point.
func (s *Store) CommitBatches(ctx context.Context, batches []ingest.StreamBatch) error {
	if len(batches) == 0 {
		return nil
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	queued := 0
	for _, b := range batches {
		for _, row := range b.Rows {
			batch.Queue(mergeHourlySQL,
				row.DatastreamID, row.ThingID, row.LocationID, row.Hour,
				row.Avg, row.Min, row.Max, row.Count)
			queued++
		}
		if !b.Watermark.IsZero() {
			batch.Queue(setWatermarkSQL, b.DatastreamID, b.Watermark)
			queued++
		}
	}

	res := tx.SendBatch(ctx, batch)
	for i := 0; i < queued; i++ {
		if _, err := res.Exec(); err != nil {
			res.Close()
			return err
		}
	}
	if err := res.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ExistingDatastreamIDs reports which of the given datastream ids exist in
// the catalog.
func (s *Store) ExistingDatastreamIDs(ctx context.Context, ids []int64) (map[int64]struct{}, error) {
	out := make(map[int64]struct{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT datastream_id FROM datastream WHERE datastream_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

const resolveLocationSQL = `
SELECT location_id
FROM thing_location
WHERE thing_id = $1 AND start_time <= $2 AND end_time > $2
LIMIT 1`

// ResolveLocation finds the location whose interval contains the given time.
// The policy is strict: no containing interval means no location.
func (s *Store) ResolveLocation(ctx context.Context, thingID int64, at time.Time) (int64, bool, error) {
	var locID int64
	err := s.pool.QueryRow(ctx, resolveLocationSQL, thingID, at).Scan(&locID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return locID, true, nil
}
