// Package ingest drives the watermark-based hourly aggregation pipeline:
// catalog sync, interval resolution and incremental observation ingestion
// against a FROST server.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/kzaytsev/frostview/internal/frost"
	"github.com/kzaytsev/frostview/internal/geo"
	"github.com/kzaytsev/frostview/internal/identity"
	"github.com/kzaytsev/frostview/internal/metrics"
)

// maxMultiComponents caps how many positional components a multi stream is
// assumed to have when fanning watermarks out to virtual datastreams.
const maxMultiComponents = 20

// watermarkLayout is the server-side $filter literal format.
const watermarkLayout = "2006-01-02T15:04:05.000000Z"

// ComponentOverride forces a fixed property name/unit onto the multi-stream
// component at its position in the override table.
type ComponentOverride struct {
	Name string
	Unit string
}

// Options configures one Orchestrator.
type Options struct {
	BatchSize          int
	StartFrom          time.Time
	TargetLocations    []string
	ComponentOverrides []ComponentOverride
}

// Orchestrator runs full ingestion cycles: healthcheck, catalog sync, then
// batched observation aggregation. Execution is strictly sequential; each
// phase commits before the next starts.
type Orchestrator struct {
	client  *frost.Client
	catalog CatalogStore
	facts   FactStore
	opts    Options
	log     zerolog.Logger
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(client *frost.Client, catalog CatalogStore, facts FactStore, opts Options, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		client:  client,
		catalog: catalog,
		facts:   facts,
		opts:    opts,
		log:     log.With().Str("component", "ingest").Logger(),
	}
}

// cycleState is the per-cycle scratch: allow-list resolution and the
// location memo cache are rebuilt every cycle so catalog changes take effect.
type cycleState struct {
	filterActive     bool
	allowedLocations map[int64]struct{}
	allowedThings    map[int64]struct{}
	targetNames      map[string]struct{}
	resolver         *Resolver
}

// RunCycle executes one full ingestion cycle. A healthcheck failure aborts
// before any write; later phase failures leave a consistent prefix of work.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if err := o.client.Healthcheck(ctx); err != nil {
		return err
	}

	st := &cycleState{
		filterActive:     len(o.opts.TargetLocations) > 0,
		allowedLocations: make(map[int64]struct{}),
		allowedThings:    make(map[int64]struct{}),
		targetNames:      make(map[string]struct{}, len(o.opts.TargetLocations)),
		resolver:         NewResolver(o.facts),
	}
	for _, name := range o.opts.TargetLocations {
		st.targetNames[name] = struct{}{}
	}

	if err := o.syncLocations(ctx, st); err != nil {
		return fmt.Errorf("sync locations: %w", err)
	}
	if err := o.syncThings(ctx, st); err != nil {
		return fmt.Errorf("sync things: %w", err)
	}
	if err := o.syncDatastreams(ctx, st); err != nil {
		return fmt.Errorf("sync datastreams: %w", err)
	}
	if err := o.syncMultiDatastreams(ctx, st); err != nil {
		return fmt.Errorf("sync multidatastreams: %w", err)
	}
	if err := o.ingestDatastreams(ctx, st); err != nil {
		return fmt.Errorf("ingest datastreams: %w", err)
	}
	if err := o.ingestMultiDatastreams(ctx, st); err != nil {
		return fmt.Errorf("ingest multidatastreams: %w", err)
	}

	for thingID, n := range st.resolver.Skipped() {
		o.log.Warn().Int64("thing_id", thingID).Int64("points", n).Msg("points skipped: no location interval")
	}
	return nil
}

// ----------------------- catalog sync -----------------------

func (o *Orchestrator) syncLocations(ctx context.Context, st *cycleState) error {
	params := url.Values{}
	params.Set("$select", "@iot.id,name,location")

	n := 0
	err := o.client.Walk(ctx, o.client.CollectionURL("Locations"), params, func(raw json.RawMessage) error {
		var loc frost.Location
		if err := json.Unmarshal(raw, &loc); err != nil {
			o.log.Warn().Err(err).Msg("skipping malformed Location")
			return nil
		}
		if st.filterActive {
			if _, ok := st.targetNames[loc.Name]; !ok {
				return nil
			}
		}

		locID, err := identity.Normalize(loc.ID, identity.KindLocation)
		if err != nil {
			o.log.Warn().Err(err).Msg("skipping Location with bad id")
			return nil
		}
		st.allowedLocations[locID] = struct{}{}

		name := loc.Name
		if name == "" {
			name = fmt.Sprintf("Location-%d", locID)
		}
		rec := LocationRecord{ID: locID, Name: name}
		if lon, lat, ok := geo.ParsePoint(loc.Location); ok {
			rec.Lon, rec.Lat = &lon, &lat
		}
		if err := o.catalog.UpsertLocation(ctx, rec); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return err
	}
	o.log.Info().Int("locations", n).Msg("locations synced")
	return nil
}

func (o *Orchestrator) syncThings(ctx context.Context, st *cycleState) error {
	params := url.Values{}
	params.Set("$select", "@iot.id,name")
	params.Set("$expand", "HistoricalLocations($orderby=time asc;$expand=Locations($select=@iot.id)),Locations($select=@iot.id)")

	nIntervals := 0
	err := o.client.Walk(ctx, o.client.CollectionURL("Things"), params, func(raw json.RawMessage) error {
		var thing frost.Thing
		if err := json.Unmarshal(raw, &thing); err != nil {
			o.log.Warn().Err(err).Msg("skipping malformed Thing")
			return nil
		}

		thingID, err := identity.Normalize(thing.ID, identity.KindThing)
		if err != nil {
			o.log.Warn().Err(err).Msg("skipping Thing with bad id")
			return nil
		}

		visited := make(map[int64]struct{})
		for _, ref := range thing.Locations {
			if id, err := identity.Normalize(ref.ID, identity.KindLocation); err == nil {
				visited[id] = struct{}{}
			}
		}
		for _, hl := range thing.HistoricalLocations {
			for _, ref := range hl.Locations {
				if id, err := identity.Normalize(ref.ID, identity.KindLocation); err == nil {
					visited[id] = struct{}{}
				}
			}
		}

		if st.filterActive && !intersects(visited, st.allowedLocations) {
			return nil
		}
		st.allowedThings[thingID] = struct{}{}

		name := thing.Name
		if name == "" {
			name = fmt.Sprintf("Thing %v", thing.ID)
		}
		if err := o.catalog.UpsertThing(ctx, ThingRecord{ID: thingID, Name: name}); err != nil {
			return err
		}

		intervals := o.buildThingIntervals(thing, st)
		if err := o.catalog.ReplaceThingIntervals(ctx, thingID, intervals); err != nil {
			return err
		}
		nIntervals += len(intervals)
		return nil
	})
	if err != nil {
		return err
	}
	o.log.Info().Int("intervals", nIntervals).Msg("things and location intervals synced")
	return nil
}

func (o *Orchestrator) buildThingIntervals(thing frost.Thing, st *cycleState) []Interval {
	var events []LocationEvent
	for _, hl := range thing.HistoricalLocations {
		if hl.Time == "" || len(hl.Locations) == 0 {
			continue
		}
		ts, err := frost.ParseTime(hl.Time)
		if err != nil {
			continue
		}
		locID, err := identity.Normalize(hl.Locations[0].ID, identity.KindLocation)
		if err != nil {
			continue
		}
		events = append(events, LocationEvent{Time: ts, LocationID: locID})
	}

	var current *int64
	if len(events) == 0 && len(thing.Locations) > 0 {
		if id, err := identity.Normalize(thing.Locations[0].ID, identity.KindLocation); err == nil {
			current = &id
		}
	}

	intervals := BuildIntervals(events, current)
	if !st.filterActive {
		return intervals
	}
	kept := intervals[:0]
	for _, iv := range intervals {
		if _, ok := st.allowedLocations[iv.LocationID]; ok {
			kept = append(kept, iv)
		}
	}
	return kept
}

func (o *Orchestrator) syncDatastreams(ctx context.Context, st *cycleState) error {
	params := url.Values{}
	params.Set("$select", "@iot.id,unitOfMeasurement")
	params.Set("$expand", "ObservedProperty($select=@iot.id,name),Thing($select=@iot.id)")

	n := 0
	err := o.client.Walk(ctx, o.client.CollectionURL("Datastreams"), params, func(raw json.RawMessage) error {
		var ds frost.Datastream
		if err := json.Unmarshal(raw, &ds); err != nil {
			o.log.Warn().Err(err).Msg("skipping malformed Datastream")
			return nil
		}

		thingID, ok := o.normalizeThingRef(ds.Thing)
		if st.filterActive && ok {
			if _, allowed := st.allowedThings[*thingID]; !allowed {
				return nil
			}
		}

		dsID, err := identity.Normalize(ds.ID, identity.KindDatastream)
		if err != nil {
			o.log.Warn().Err(err).Msg("skipping Datastream with bad id")
			return nil
		}

		unit := unitSymbol(ds.UnitOfMeasurement)
		propID, err := o.resolveProperty(ctx, ds.ObservedProperty, unit)
		if err != nil {
			return err
		}

		rec := DatastreamRecord{ID: dsID, PropertyID: propID, Unit: unit}
		if ok {
			rec.ThingID = thingID
		}
		if err := o.catalog.UpsertDatastream(ctx, rec); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return err
	}
	o.log.Info().Int("datastreams", n).Msg("datastreams synced")
	return nil
}

// resolveProperty applies the (name, unit) identity rule: an existing row
// with the same name and unit wins over the remote id, so upstream catalogs
// reassigning ids to the same logical property do not multiply rows.
func (o *Orchestrator) resolveProperty(ctx context.Context, op *frost.ObservedProperty, unit *string) (*int64, error) {
	if op == nil || op.ID == nil {
		return nil, nil
	}
	opID, err := identity.Normalize(op.ID, identity.KindObservedProperty)
	if err != nil {
		return nil, nil
	}

	if existing, found, err := o.catalog.FindPropertyByNameUnit(ctx, op.Name, unit); err != nil {
		return nil, err
	} else if found {
		return &existing, nil
	}

	if err := o.catalog.UpsertProperty(ctx, opID, op.Name, unit); err != nil {
		return nil, err
	}
	return &opID, nil
}

func (o *Orchestrator) syncMultiDatastreams(ctx context.Context, st *cycleState) error {
	params := url.Values{}
	params.Set("$select", "@iot.id,unitOfMeasurements")
	params.Set("$expand", "Thing($select=@iot.id),ObservedProperties($select=@iot.id,name)")

	n := 0
	err := o.client.Walk(ctx, o.client.CollectionURL("MultiDatastreams"), params, func(raw json.RawMessage) error {
		var md frost.MultiDatastream
		if err := json.Unmarshal(raw, &md); err != nil {
			o.log.Warn().Err(err).Msg("skipping malformed MultiDatastream")
			return nil
		}

		thingID, ok := o.normalizeThingRef(md.Thing)
		if st.filterActive && ok {
			if _, allowed := st.allowedThings[*thingID]; !allowed {
				return nil
			}
		}

		mdID, err := identity.Normalize(md.ID, identity.KindMultiDatastream)
		if err != nil {
			o.log.Warn().Err(err).Msg("skipping MultiDatastream with bad id")
			return nil
		}

		for idx, op := range md.ObservedProperties {
			name, unit := o.componentNameUnit(md, idx, op)

			var propID int64
			if existing, found, err := o.catalog.FindPropertyByNameUnit(ctx, name, unit); err != nil {
				return err
			} else if found {
				propID = existing
			} else {
				propID = identity.SyntheticPropertyID(mdID, idx)
				if err := o.catalog.UpsertProperty(ctx, propID, name, unit); err != nil {
					return err
				}
			}

			rec := DatastreamRecord{
				ID:         identity.VirtualStreamID(mdID, idx),
				PropertyID: &propID,
				Unit:       unit,
			}
			if ok {
				rec.ThingID = thingID
			}
			if err := o.catalog.UpsertDatastream(ctx, rec); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return err
	}
	o.log.Info().Int("virtual_datastreams", n).Msg("multi datastreams split and synced")
	return nil
}

// componentNameUnit picks the property identity of one multi-stream
// component: the configured override wins, then the remote name, then a
// positional placeholder.
func (o *Orchestrator) componentNameUnit(md frost.MultiDatastream, idx int, op frost.ObservedProperty) (string, *string) {
	if idx < len(o.opts.ComponentOverrides) {
		ov := o.opts.ComponentOverrides[idx]
		unit := ov.Unit
		return ov.Name, &unit
	}

	name := op.Name
	if name == "" {
		name = fmt.Sprintf("MD%v_c%d", md.ID, idx)
	}
	var unit *string
	if idx < len(md.UnitOfMeasurements) {
		unit = unitSymbol(&md.UnitOfMeasurements[idx])
	}
	return name, unit
}

// ----------------------- observation ingestion -----------------------

func observationParams(since time.Time) url.Values {
	params := url.Values{}
	params.Set("$select", "result,phenomenonTime")
	params.Set("$orderby", "phenomenonTime asc")
	params.Set("$filter", "phenomenonTime gt "+since.UTC().Format(watermarkLayout))
	return params
}

func (o *Orchestrator) ingestDatastreams(ctx context.Context, st *cycleState) error {
	params := url.Values{}
	params.Set("$select", "@iot.id")
	params.Set("$expand", "Thing($select=@iot.id)")

	nStreams, nPoints := 0, 0
	err := o.client.Walk(ctx, o.client.CollectionURL("Datastreams"), params, func(raw json.RawMessage) error {
		var ds frost.Datastream
		if err := json.Unmarshal(raw, &ds); err != nil {
			return nil
		}
		thingID, ok := o.normalizeThingRef(ds.Thing)
		if !ok {
			return nil
		}
		if st.filterActive {
			if _, allowed := st.allowedThings[*thingID]; !allowed {
				return nil
			}
		}

		dsID, err := identity.Normalize(ds.ID, identity.KindDatastream)
		if err != nil {
			return nil
		}

		n, err := o.ingestStream(ctx, st, ds.ID, dsID, *thingID)
		if err != nil {
			return err
		}
		nPoints += n
		nStreams++
		return nil
	})
	if err != nil {
		return err
	}
	o.log.Info().Int("streams", nStreams).Int("points", nPoints).Msg("native datastreams ingested")
	return nil
}

// ingestStream pulls one datastream's observations past its watermark,
// aggregating and committing in bounded batches.
func (o *Orchestrator) ingestStream(ctx context.Context, st *cycleState, rawID any, dsID, thingID int64) (int, error) {
	wm, err := o.facts.Watermark(ctx, dsID, o.opts.StartFrom)
	if err != nil {
		return 0, err
	}
	obsURL := o.client.EntityURL("Datastreams", rawID) + "/Observations"

	var buffer []Point
	total := 0

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if err := o.flushStream(ctx, st, dsID, thingID, buffer); err != nil {
			return err
		}
		total += len(buffer)
		buffer = buffer[:0]
		return nil
	}

	walkErr := o.client.Walk(ctx, obsURL, observationParams(wm), func(raw json.RawMessage) error {
		var ob frost.Observation
		if err := json.Unmarshal(raw, &ob); err != nil {
			return nil
		}
		ts, err := frost.ParseTime(ob.PhenomenonTime)
		if err != nil {
			return nil
		}
		val, ok := frost.ParseResult(ob.Result)
		if !ok {
			return nil
		}
		buffer = append(buffer, Point{TS: ts, Value: val})
		if len(buffer) >= o.opts.BatchSize {
			return flush()
		}
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, frost.ErrRetriesExhausted) {
			// Uncommitted points are dropped; the unchanged watermark
			// refetches them next cycle.
			o.log.Warn().Err(walkErr).Int64("datastream_id", dsID).Msg("observation fetch gave up, stream skipped")
			return total, nil
		}
		return total, walkErr
	}

	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

// flushStream aggregates one buffer into hourly rows and commits them with
// the watermark in a single transaction. Buckets with no resolvable location
// are counted and skipped; the watermark still advances past their points.
func (o *Orchestrator) flushStream(ctx context.Context, st *cycleState, dsID, thingID int64, points []Point) error {
	buckets := Aggregate(points)

	var rows []HourlyRow
	var latest time.Time
	for _, b := range buckets {
		if b.LastTS.After(latest) {
			latest = b.LastTS
		}
		locID, found, err := st.resolver.Resolve(ctx, thingID, b.Hour)
		if err != nil {
			return err
		}
		if !found {
			st.resolver.CountSkip(thingID, b.Count)
			metrics.PointsSkipped.Add(float64(b.Count))
			continue
		}
		rows = append(rows, HourlyRow{
			DatastreamID: dsID,
			ThingID:      thingID,
			LocationID:   locID,
			Hour:         b.Hour,
			Avg:          b.Mean(),
			Min:          b.Min,
			Max:          b.Max,
			Count:        b.Count,
		})
	}
	if latest.IsZero() {
		return nil
	}

	if err := o.facts.CommitBatches(ctx, []StreamBatch{{DatastreamID: dsID, Rows: rows, Watermark: latest}}); err != nil {
		return err
	}
	metrics.BatchesCommitted.Inc()
	metrics.PointsIngested.Add(float64(len(points)))
	return nil
}

func (o *Orchestrator) ingestMultiDatastreams(ctx context.Context, st *cycleState) error {
	params := url.Values{}
	params.Set("$select", "@iot.id")
	params.Set("$expand", "Thing($select=@iot.id)")

	nStreams, nPoints := 0, 0
	err := o.client.Walk(ctx, o.client.CollectionURL("MultiDatastreams"), params, func(raw json.RawMessage) error {
		var md frost.MultiDatastream
		if err := json.Unmarshal(raw, &md); err != nil {
			return nil
		}
		thingID, ok := o.normalizeThingRef(md.Thing)
		if !ok {
			return nil
		}
		if st.filterActive {
			if _, allowed := st.allowedThings[*thingID]; !allowed {
				return nil
			}
		}

		mdID, err := identity.Normalize(md.ID, identity.KindMultiDatastream)
		if err != nil {
			return nil
		}

		n, err := o.ingestMultiStream(ctx, st, md.ID, mdID, *thingID)
		if err != nil {
			return err
		}
		nPoints += n
		nStreams++
		return nil
	})
	if err != nil {
		return err
	}
	o.log.Info().Int("streams", nStreams).Int("points", nPoints).Msg("multi datastreams ingested")
	return nil
}

// ingestMultiStream pulls one composite stream. Each raw observation fans out
// to per-component virtual datastream buffers sharing one batch trigger; a
// flush commits all touched virtual streams and their watermarks atomically.
func (o *Orchestrator) ingestMultiStream(ctx context.Context, st *cycleState, rawID any, mdID, thingID int64) (int, error) {
	obsURL := o.client.EntityURL("MultiDatastreams", rawID) + "/Observations"
	if o.client.ProbeCount(ctx, obsURL) == 0 {
		return 0, nil
	}

	candidates := make([]int64, 0, maxMultiComponents)
	for idx := 0; idx < maxMultiComponents; idx++ {
		candidates = append(candidates, identity.VirtualStreamID(mdID, idx))
	}
	existing, err := o.facts.ExistingDatastreamIDs(ctx, candidates)
	if err != nil {
		return 0, err
	}

	wm, err := o.facts.Watermark(ctx, identity.VirtualStreamID(mdID, 0), o.opts.StartFrom)
	if err != nil {
		return 0, err
	}

	buffers := make(map[int][]Point)
	var latest time.Time
	pending, total := 0, 0

	flush := func() error {
		if latest.IsZero() {
			return nil
		}
		batches := make([]StreamBatch, 0, len(existing))
		flushed := 0
		for idx := 0; idx < maxMultiComponents; idx++ {
			vdsID := identity.VirtualStreamID(mdID, idx)
			if _, ok := existing[vdsID]; !ok {
				continue
			}
			batch := StreamBatch{DatastreamID: vdsID, Watermark: latest}
			points := buffers[idx]
			if len(points) > 0 {
				buckets := Aggregate(points)
				for _, b := range buckets {
					locID, found, err := st.resolver.Resolve(ctx, thingID, b.Hour)
					if err != nil {
						return err
					}
					if !found {
						st.resolver.CountSkip(thingID, b.Count)
						metrics.PointsSkipped.Add(float64(b.Count))
						continue
					}
					batch.Rows = append(batch.Rows, HourlyRow{
						DatastreamID: vdsID,
						ThingID:      thingID,
						LocationID:   locID,
						Hour:         b.Hour,
						Avg:          b.Mean(),
						Min:          b.Min,
						Max:          b.Max,
						Count:        b.Count,
					})
				}
				flushed += len(points)
			}
			batches = append(batches, batch)
		}
		if len(batches) == 0 {
			return nil
		}
		if err := o.facts.CommitBatches(ctx, batches); err != nil {
			return err
		}
		metrics.BatchesCommitted.Inc()
		metrics.PointsIngested.Add(float64(flushed))
		total += flushed
		buffers = make(map[int][]Point)
		pending = 0
		return nil
	}

	walkErr := o.client.Walk(ctx, obsURL, observationParams(wm), func(raw json.RawMessage) error {
		var ob frost.Observation
		if err := json.Unmarshal(raw, &ob); err != nil {
			return nil
		}
		ts, err := frost.ParseTime(ob.PhenomenonTime)
		if err != nil {
			return nil
		}
		values, ok := frost.ParseMultiResult(ob.Result)
		if !ok {
			return nil
		}
		if ts.After(latest) {
			latest = ts
		}
		for idx, v := range values {
			if v == nil || idx >= maxMultiComponents {
				continue
			}
			buffers[idx] = append(buffers[idx], Point{TS: ts, Value: *v})
		}
		pending++
		if pending >= o.opts.BatchSize {
			return flush()
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, frost.ErrRetriesExhausted) {
		return total, walkErr
	}
	if walkErr != nil {
		o.log.Warn().Err(walkErr).Int64("multidatastream_id", mdID).Msg("observation fetch gave up, flushing partial batch")
	}

	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

// ----------------------- helpers -----------------------

func (o *Orchestrator) normalizeThingRef(ref *frost.RefEntity) (*int64, bool) {
	if ref == nil || ref.ID == nil {
		return nil, false
	}
	id, err := identity.Normalize(ref.ID, identity.KindThing)
	if err != nil {
		return nil, false
	}
	return &id, true
}

func unitSymbol(uom *frost.UnitOfMeasurement) *string {
	if uom == nil {
		return nil
	}
	if uom.Symbol != "" {
		return &uom.Symbol
	}
	if uom.Name != "" {
		return &uom.Name
	}
	return nil
}

func intersects(a, b map[int64]struct{}) bool {
	for id := range a {
		if _, ok := b[id]; ok {
			return true
		}
	}
	return false
}
