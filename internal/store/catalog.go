package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/kzaytsev/frostview/internal/ingest"
)

const upsertLocationSQL = `
INSERT INTO location (location_id, name, lon, lat)
VALUES ($1, $2, $3, $4)
ON CONFLICT (location_id) DO UPDATE SET
    name = EXCLUDED.name,
    lon  = COALESCE(EXCLUDED.lon, location.lon),
    lat  = COALESCE(EXCLUDED.lat, location.lat)`

// UpsertLocation writes location metadata. Geometry is never erased by a
// sync that lacks coordinates.
func (s *Store) UpsertLocation(ctx context.Context, loc ingest.LocationRecord) error {
	_, err := s.pool.Exec(ctx, upsertLocationSQL, loc.ID, loc.Name, loc.Lon, loc.Lat)
	return err
}

const upsertThingSQL = `
INSERT INTO thing (thing_id, name)
VALUES ($1, $2)
ON CONFLICT (thing_id) DO UPDATE SET name = EXCLUDED.name`

// UpsertThing writes device metadata.
func (s *Store) UpsertThing(ctx context.Context, thing ingest.ThingRecord) error {
	_, err := s.pool.Exec(ctx, upsertThingSQL, thing.ID, thing.Name)
	return err
}

// ReplaceThingIntervals swaps a Thing's interval chain atomically
// (delete-then-insert in one transaction), purging stale intervals of
// devices that moved.
func (s *Store) ReplaceThingIntervals(ctx context.Context, thingID int64, intervals []ingest.Interval) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM thing_location WHERE thing_id = $1`, thingID); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, iv := range intervals {
		batch.Queue(
			`INSERT INTO thing_location (thing_id, location_id, start_time, end_time) VALUES ($1, $2, $3, $4)`,
			thingID, iv.LocationID, iv.Start, iv.End,
		)
	}
	res := tx.SendBatch(ctx, batch)
	for range intervals {
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

const findPropertySQL = `
SELECT obs_prop_id FROM observed_property
WHERE name = $1 AND unit_symbol IS NOT DISTINCT FROM $2`

// FindPropertyByNameUnit resolves a property by its (name, unit) identity.
func (s *Store) FindPropertyByNameUnit(ctx context.Context, name string, unit *string) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, findPropertySQL, name, unit).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

const upsertPropertySQL = `
INSERT INTO observed_property (obs_prop_id, name, unit_symbol)
VALUES ($1, $2, $3)
ON CONFLICT (obs_prop_id) DO UPDATE SET
    name        = COALESCE(NULLIF(EXCLUDED.name, ''), observed_property.name),
    unit_symbol = COALESCE(EXCLUDED.unit_symbol, observed_property.unit_symbol)`

// UpsertProperty writes an observed property row.
func (s *Store) UpsertProperty(ctx context.Context, id int64, name string, unit *string) error {
	_, err := s.pool.Exec(ctx, upsertPropertySQL, id, name, unit)
	return err
}

const upsertDatastreamSQL = `
INSERT INTO datastream (datastream_id, thing_id, obs_prop_id, unit_symbol)
VALUES ($1, $2, $3, $4)
ON CONFLICT (datastream_id) DO UPDATE SET
    thing_id    = EXCLUDED.thing_id,
    obs_prop_id = COALESCE(EXCLUDED.obs_prop_id, datastream.obs_prop_id),
    unit_symbol = COALESCE(EXCLUDED.unit_symbol, datastream.unit_symbol)`

// UpsertDatastream writes a (possibly virtual) datastream row.
func (s *Store) UpsertDatastream(ctx context.Context, ds ingest.DatastreamRecord) error {
	_, err := s.pool.Exec(ctx, upsertDatastreamSQL, ds.ID, ds.ThingID, ds.PropertyID, ds.Unit)
	return err
}
