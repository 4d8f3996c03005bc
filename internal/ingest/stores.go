package ingest

import (
	"context"
	"time"
)

// LocationRecord is a catalog upsert for one monitoring site. Lon/Lat are nil
// when the remote payload carried no usable geometry; the store must keep any
// previously known geometry in that case.
type LocationRecord struct {
	ID   int64
	Name string
	Lon  *float64
	Lat  *float64
}

// ThingRecord is a catalog upsert for one sensing device.
type ThingRecord struct {
	ID   int64
	Name string
}

// DatastreamRecord is a catalog upsert for one (possibly virtual) datastream.
type DatastreamRecord struct {
	ID         int64
	ThingID    *int64
	PropertyID *int64
	Unit       *string
}

// CatalogStore persists the entity catalog. All writes are upserts; a
// repeated sync with unchanged input must be a no-op.
type CatalogStore interface {
	UpsertLocation(ctx context.Context, loc LocationRecord) error
	UpsertThing(ctx context.Context, thing ThingRecord) error
	// ReplaceThingIntervals atomically swaps the stored interval chain of a
	// Thing for the given one.
	ReplaceThingIntervals(ctx context.Context, thingID int64, intervals []Interval) error
	// FindPropertyByNameUnit looks up an observed property by its (name,
	// unit) identity.
	FindPropertyByNameUnit(ctx context.Context, name string, unit *string) (int64, bool, error)
	UpsertProperty(ctx context.Context, id int64, name string, unit *string) error
	UpsertDatastream(ctx context.Context, ds DatastreamRecord) error
}

// FactStore persists hourly aggregates and ingestion watermarks.
type FactStore interface {
	LocationLookup

	// Watermark returns the last processed observation time for a
	// datastream, or fallback when none is recorded.
	Watermark(ctx context.Context, datastreamID int64, fallback time.Time) (time.Time, error)

	// CommitBatches applies every batch's hourly merges and watermark
	// advance in a single transaction, so a crash can never double-count a
	// committed point.
	CommitBatches(ctx context.Context, batches []StreamBatch) error

	// ExistingDatastreamIDs reports which of the given ids are present in
	// the catalog.
	ExistingDatastreamIDs(ctx context.Context, ids []int64) (map[int64]struct{}, error)
}
